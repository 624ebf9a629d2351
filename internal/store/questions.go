package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/civicq/askrank/internal/embedding"
)

// QuestionStatus is a question's lifecycle state.
type QuestionStatus string

const (
	StatusDraft   QuestionStatus = "draft"
	StatusPending QuestionStatus = "pending_moderation"
	StatusActive  QuestionStatus = "active"
	StatusMerged  QuestionStatus = "merged"
	StatusRetired QuestionStatus = "retired"
)

var transitions = map[QuestionStatus][]QuestionStatus{
	StatusDraft:   {StatusPending, StatusRetired},
	StatusPending: {StatusActive, StatusRetired},
	StatusActive:  {StatusMerged, StatusRetired},
	StatusMerged:  {StatusRetired},
}

// CanTransition reports whether the lifecycle allows moving from s to to.
func (s QuestionStatus) CanTransition(to QuestionStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s names a known status.
func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusMerged, StatusRetired:
		return true
	}
	return false
}

type Question struct {
	ID          string
	ContestID   string
	Text        string
	Version     int
	Tags        []string
	ClusterID   string
	Canonical   bool
	SubmitterID string
	Status      QuestionStatus
	Embedding   []float32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PrimaryTag is the tag the allocator counts the question against.
func (q *Question) PrimaryTag() string {
	if len(q.Tags) == 0 {
		return ""
	}
	return q.Tags[0]
}

// QuestionVersion is an immutable snapshot of a question's text and tags.
type QuestionVersion struct {
	QuestionID string
	Version    int
	Text       string
	Tags       []string
	CreatedAt  time.Time
}

const questionColumns = `id, contest_id, text, version, tags, cluster_id, canonical, submitter_id, status, embedding, created_at, updated_at`

// CreateQuestion inserts q together with its first version.
func (s *Store) CreateQuestion(q *Question) error {
	if q.Version == 0 {
		q.Version = 1
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	return s.inTx(func(tx *sql.Tx) error {
		var vec []byte
		if q.Embedding != nil {
			vec = embedding.VecAsBytes(q.Embedding)
		}
		_, err := tx.Exec(
			`INSERT INTO questions (`+questionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.ContestID, q.Text, q.Version, encodeTags(q.Tags), q.ClusterID, boolToInt(q.Canonical),
			q.SubmitterID, string(q.Status), vec, nanos(q.CreatedAt), nanos(q.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("create question: %w", err)
		}
		_, err = tx.Exec(
			"INSERT INTO question_versions (question_id, version, text, tags, created_at) VALUES (?, ?, ?, ?, ?)",
			q.ID, q.Version, q.Text, encodeTags(q.Tags), nanos(q.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("create question version: %w", err)
		}
		return nil
	})
}

func (s *Store) GetQuestion(id string) (*Question, error) {
	row := s.db.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

// ListQuestionsByContest returns every question of a contest in creation order.
func (s *Store) ListQuestionsByContest(contestID string) ([]*Question, error) {
	rows, err := s.db.Query(
		`SELECT `+questionColumns+` FROM questions WHERE contest_id = ? ORDER BY created_at, id`, contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListQuestionsByCluster returns the members of a cluster in creation order.
func (s *Store) ListQuestionsByCluster(clusterID string) ([]*Question, error) {
	rows, err := s.db.Query(
		`SELECT `+questionColumns+` FROM questions WHERE cluster_id = ? ORDER BY created_at, id`, clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cluster questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateQuestionStatus moves a question along its lifecycle. Disallowed
// transitions are rejected.
func (s *Store) UpdateQuestionStatus(id string, to QuestionStatus, at time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRow("SELECT status FROM questions WHERE id = ?", id).Scan(&cur); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("question %s not found", id)
			}
			return fmt.Errorf("read status: %w", err)
		}
		if !QuestionStatus(cur).CanTransition(to) {
			return fmt.Errorf("question %s: transition %s -> %s not allowed", id, cur, to)
		}
		if _, err := tx.Exec("UPDATE questions SET status = ?, updated_at = ? WHERE id = ?", string(to), nanos(at), id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
}

// SetQuestionEmbedding stores the vector of a question once it is known.
func (s *Store) SetQuestionEmbedding(id string, vec []float32) error {
	_, err := s.db.Exec("UPDATE questions SET embedding = ? WHERE id = ?", embedding.VecAsBytes(vec), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// AddQuestionVersion appends a new version and makes it current. Earlier
// versions stay readable so prior answers keep their binding.
func (s *Store) AddQuestionVersion(id, text string, tags []string, at time.Time) (int, error) {
	var version int
	err := s.inTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow("SELECT version FROM questions WHERE id = ?", id).Scan(&version); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("question %s not found", id)
			}
			return fmt.Errorf("read version: %w", err)
		}
		version++
		if _, err := tx.Exec(
			"INSERT INTO question_versions (question_id, version, text, tags, created_at) VALUES (?, ?, ?, ?, ?)",
			id, version, text, encodeTags(tags), nanos(at),
		); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE questions SET text = ?, tags = ?, version = ?, updated_at = ? WHERE id = ?",
			text, encodeTags(tags), version, nanos(at), id,
		); err != nil {
			return fmt.Errorf("update question: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) ListQuestionVersions(id string) ([]*QuestionVersion, error) {
	rows, err := s.db.Query(
		"SELECT question_id, version, text, tags, created_at FROM question_versions WHERE question_id = ? ORDER BY version",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*QuestionVersion
	for rows.Next() {
		var v QuestionVersion
		var tags string
		var created int64
		if err := rows.Scan(&v.QuestionID, &v.Version, &v.Text, &tags, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Tags = decodeTags(tags)
		v.CreatedAt = fromNanos(created)
		out = append(out, &v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	var q Question
	var tags, status string
	var canonical int
	var vec []byte
	var created, updated int64
	err := row.Scan(&q.ID, &q.ContestID, &q.Text, &q.Version, &tags, &q.ClusterID, &canonical,
		&q.SubmitterID, &status, &vec, &created, &updated)
	if err != nil {
		return nil, err
	}
	q.Tags = decodeTags(tags)
	q.Canonical = canonical != 0
	q.Status = QuestionStatus(status)
	q.Embedding = embedding.BytesAsVec(vec)
	q.CreatedAt = fromNanos(created)
	q.UpdatedAt = fromNanos(updated)
	return &q, nil
}
