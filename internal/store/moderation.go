package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ModerationItem is a case waiting for, or resolved by, a human moderator.
type ModerationItem struct {
	ID         string
	Kind       string
	ContestID  string
	SubjectID  string
	Payload    string // JSON
	Severity   float64
	Status     string
	Decision   string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

const (
	ItemOpen     = "open"
	ItemResolved = "resolved"
)

const itemColumns = `id, kind, contest_id, subject_id, payload, severity, status, decision, created_at, resolved_at`

func (s *Store) CreateModerationItem(it *ModerationItem) error {
	if it.Status == "" {
		it.Status = ItemOpen
	}
	if it.Payload == "" {
		it.Payload = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO moderation_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		it.ID, it.Kind, it.ContestID, it.SubjectID, it.Payload, it.Severity, it.Status, it.Decision, nanos(it.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create moderation item: %w", err)
	}
	return nil
}

func (s *Store) GetModerationItem(id string) (*ModerationItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM moderation_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get moderation item: %w", err)
	}
	return it, nil
}

// ListModerationItems returns items with the given status, oldest first. An
// empty status lists everything.
func (s *Store) ListModerationItems(status string) ([]*ModerationItem, error) {
	query := `SELECT ` + itemColumns + ` FROM moderation_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list moderation items: %w", err)
	}
	defer rows.Close()

	var out []*ModerationItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan moderation item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ResolveModerationItem records a decision. Resolving an item twice fails.
func (s *Store) ResolveModerationItem(id, decision string, at time.Time) error {
	res, err := s.db.Exec(
		"UPDATE moderation_items SET status = ?, decision = ?, resolved_at = ? WHERE id = ? AND status = ?",
		ItemResolved, decision, nanos(at), id, ItemOpen,
	)
	if err != nil {
		return fmt.Errorf("resolve moderation item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("moderation item %s not open", id)
	}
	return nil
}

func scanItem(row rowScanner) (*ModerationItem, error) {
	var it ModerationItem
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&it.ID, &it.Kind, &it.ContestID, &it.SubjectID, &it.Payload, &it.Severity,
		&it.Status, &it.Decision, &created, &resolved)
	if err != nil {
		return nil, err
	}
	it.CreatedAt = fromNanos(created)
	it.ResolvedAt = fromNullNanos(resolved)
	return &it, nil
}
