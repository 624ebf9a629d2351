package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Vote is the active vote of one voter on one question.
type Vote struct {
	VoterID     string
	QuestionID  string
	ContestID   string
	Value       int
	Weight      float64
	CastAt      time.Time
	LogicalTS   int64
	RequestKey  string
	Fingerprint string
}

// VoteRequest records an idempotency key and what became of it.
type VoteRequest struct {
	Key        string
	VoterID    string
	QuestionID string
	Value      int
	LogicalTS  int64
	Outcome    string
	CreatedAt  time.Time
}

// WeightChange describes a vote whose anomaly weight was rewritten.
type WeightChange struct {
	Vote      Vote // after the change
	OldWeight float64
}

// VoteTx exposes the ledger primitives inside one transaction.
type VoteTx struct {
	tx *sql.Tx
}

// WithVoteTx runs fn in a transaction. Either every write of fn lands or none.
func (s *Store) WithVoteTx(fn func(*VoteTx) error) error {
	return s.inTx(func(tx *sql.Tx) error {
		return fn(&VoteTx{tx: tx})
	})
}

// Request returns the stored request for key, or nil.
func (t *VoteTx) Request(key string) (*VoteRequest, error) {
	var r VoteRequest
	var created int64
	err := t.tx.QueryRow(
		"SELECT idempotency_key, voter_id, question_id, value, logical_ts, outcome, created_at FROM vote_requests WHERE idempotency_key = ?",
		key,
	).Scan(&r.Key, &r.VoterID, &r.QuestionID, &r.Value, &r.LogicalTS, &r.Outcome, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote request: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func (t *VoteTx) RecordRequest(r *VoteRequest) error {
	_, err := t.tx.Exec(
		`INSERT INTO vote_requests (idempotency_key, voter_id, question_id, value, logical_ts, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Key, r.VoterID, r.QuestionID, r.Value, r.LogicalTS, r.Outcome, nanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record vote request: %w", err)
	}
	return nil
}

// Vote returns the active vote for (voter, question), or nil.
func (t *VoteTx) Vote(voterID, questionID string) (*Vote, error) {
	row := t.tx.QueryRow(`SELECT `+voteColumns+` FROM votes WHERE voter_id = ? AND question_id = ?`, voterID, questionID)
	v, err := scanVote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", err)
	}
	return v, nil
}

// PutVote upserts the vote keyed by (voter, question). The anomaly weight of
// an existing row is preserved: reweighting belongs to the detector and
// moderation.
func (t *VoteTx) PutVote(v *Vote) error {
	_, err := t.tx.Exec(
		`INSERT INTO votes (`+voteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(voter_id, question_id) DO UPDATE SET
		   value = excluded.value,
		   cast_at = excluded.cast_at,
		   logical_ts = excluded.logical_ts,
		   request_key = excluded.request_key,
		   fingerprint = excluded.fingerprint`,
		v.VoterID, v.QuestionID, v.ContestID, v.Value, v.Weight, nanos(v.CastAt), v.LogicalTS, v.RequestKey, v.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("put vote: %w", err)
	}
	return nil
}

// QuestionContest returns the contest of a question and its status inside the
// transaction.
func (t *VoteTx) QuestionContest(questionID string) (contestID string, status QuestionStatus, err error) {
	var st string
	err = t.tx.QueryRow("SELECT contest_id, status FROM questions WHERE id = ?", questionID).Scan(&contestID, &st)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("question contest: %w", err)
	}
	return contestID, QuestionStatus(st), nil
}

const voteColumns = `voter_id, question_id, contest_id, value, weight, cast_at, logical_ts, request_key, fingerprint`

func (s *Store) GetVote(voterID, questionID string) (*Vote, error) {
	row := s.db.QueryRow(`SELECT `+voteColumns+` FROM votes WHERE voter_id = ? AND question_id = ?`, voterID, questionID)
	v, err := scanVote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", err)
	}
	return v, nil
}

// ListVotesByContest returns every active vote of a contest ordered by cast
// time. Used by full score recomputes and anomaly sweeps.
func (s *Store) ListVotesByContest(contestID string) ([]*Vote, error) {
	return s.listVotes(`SELECT `+voteColumns+` FROM votes WHERE contest_id = ? ORDER BY cast_at, voter_id, question_id`, contestID)
}

func (s *Store) ListVotesByQuestion(questionID string) ([]*Vote, error) {
	return s.listVotes(`SELECT `+voteColumns+` FROM votes WHERE question_id = ? ORDER BY cast_at, voter_id`, questionID)
}

func (s *Store) listVotes(query string, args ...any) ([]*Vote, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []*Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CapVoteWeights lowers the weight of the voters' votes in a contest cast at
// or after since to at most weight. Votes already at or below weight are left
// alone, so this can only shrink a vote's influence.
func (s *Store) CapVoteWeights(contestID string, voterIDs []string, since time.Time, weight float64) ([]WeightChange, error) {
	if len(voterIDs) == 0 {
		return nil, nil
	}
	args := []any{contestID, nanos(since), weight}
	for _, id := range voterIDs {
		args = append(args, id)
	}
	where := `contest_id = ? AND cast_at >= ? AND weight > ? AND voter_id IN (` + placeholders(len(voterIDs)) + `)`
	return s.rewriteWeights(where, args, weight)
}

// SetVoteWeights overwrites the weight of all of the voters' votes in a
// contest. Only moderation decisions call this; it may raise weights back to
// 1.0 or drop them to 0.
func (s *Store) SetVoteWeights(contestID string, voterIDs []string, weight float64) ([]WeightChange, error) {
	if len(voterIDs) == 0 {
		return nil, nil
	}
	args := []any{contestID, weight}
	for _, id := range voterIDs {
		args = append(args, id)
	}
	where := `contest_id = ? AND weight != ? AND voter_id IN (` + placeholders(len(voterIDs)) + `)`
	return s.rewriteWeights(where, args, weight)
}

func (s *Store) rewriteWeights(where string, args []any, weight float64) ([]WeightChange, error) {
	var changes []WeightChange
	err := s.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT `+voteColumns+` FROM votes WHERE `+where+` ORDER BY cast_at, voter_id, question_id`, args...)
		if err != nil {
			return fmt.Errorf("select votes: %w", err)
		}
		for rows.Next() {
			v, err := scanVote(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan vote: %w", err)
			}
			changes = append(changes, WeightChange{Vote: *v, OldWeight: v.Weight})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range changes {
			c := &changes[i]
			if _, err := tx.Exec(
				"UPDATE votes SET weight = ? WHERE voter_id = ? AND question_id = ?",
				weight, c.Vote.VoterID, c.Vote.QuestionID,
			); err != nil {
				return fmt.Errorf("update weight: %w", err)
			}
			c.Vote.Weight = weight
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite weights: %w", err)
	}
	return changes, nil
}

func scanVote(row rowScanner) (*Vote, error) {
	var v Vote
	var castAt int64
	err := row.Scan(&v.VoterID, &v.QuestionID, &v.ContestID, &v.Value, &v.Weight, &castAt, &v.LogicalTS, &v.RequestKey, &v.Fingerprint)
	if err != nil {
		return nil, err
	}
	v.CastAt = fromNanos(castAt)
	return &v, nil
}
