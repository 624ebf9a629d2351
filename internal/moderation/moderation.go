// Package moderation hands cases to human moderators and reads back their
// decisions. The moderation UI itself lives elsewhere; it works off the
// moderation_items table.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/store"
	"github.com/google/uuid"
)

type Kind string

const (
	// DuplicateReview: a question landed between the review and merge
	// thresholds of an existing cluster.
	DuplicateReview Kind = "duplicate_review"
	// AnomalyEscalation: a voter cohort crossed the escalation severity.
	AnomalyEscalation Kind = "anomaly_escalation"
	// ManualClusterAssignment: embedding retries ran out.
	ManualClusterAssignment Kind = "manual_cluster_assignment"
	// QuestionApproval: a new question waits to become active.
	QuestionApproval Kind = "question_approval"
)

// Decision is a moderator's verdict on an item.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	Merge   Decision = "merge"
)

func (d Decision) Valid() bool {
	switch d {
	case Approve, Reject, Merge:
		return true
	}
	return false
}

// Item is a case pushed to moderators.
type Item struct {
	ID        string
	Kind      Kind
	ContestID string
	SubjectID string // question id, or cohort key for escalations
	Severity  float64
	Payload   map[string]any
	CreatedAt time.Time
}

// Queue accepts moderation items.
type Queue interface {
	Push(ctx context.Context, it Item) (string, error)
}

// Notifier is told about every queued item. It runs off the request path.
type Notifier interface {
	Notify(ctx context.Context, it Item) error
}

// StoreQueue persists items in the local database.
type StoreQueue struct {
	store  *store.Store
	now    func() time.Time
	log    *slog.Logger
	notify Notifier
}

func NewStoreQueue(s *store.Store, log *slog.Logger) *StoreQueue {
	return &StoreQueue{store: s, now: time.Now, log: logger.Or(log)}
}

// SetNotifier installs n for items pushed from now on. Call before use.
func (q *StoreQueue) SetNotifier(n Notifier) { q.notify = n }

func (q *StoreQueue) Push(ctx context.Context, it Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = q.now()
	}
	payload := "{}"
	if it.Payload != nil {
		b, err := json.Marshal(it.Payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	err := q.store.CreateModerationItem(&store.ModerationItem{
		ID:        it.ID,
		Kind:      string(it.Kind),
		ContestID: it.ContestID,
		SubjectID: it.SubjectID,
		Payload:   payload,
		Severity:  it.Severity,
		CreatedAt: it.CreatedAt,
	})
	if err != nil {
		return "", err
	}
	q.log.Info("moderation item queued", "id", it.ID, "kind", it.Kind, "contest", it.ContestID, "severity", it.Severity)
	if q.notify != nil {
		go func() {
			if err := q.notify.Notify(context.Background(), it); err != nil {
				q.log.Warn("moderator alert failed", "id", it.ID, "error", err)
			}
		}()
	}
	return it.ID, nil
}

// Get loads an item with its decoded payload, or nil.
func (q *StoreQueue) Get(id string) (*Item, *store.ModerationItem, error) {
	row, err := q.store.GetModerationItem(id)
	if err != nil || row == nil {
		return nil, nil, err
	}
	it := &Item{
		ID:        row.ID,
		Kind:      Kind(row.Kind),
		ContestID: row.ContestID,
		SubjectID: row.SubjectID,
		Severity:  row.Severity,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Payload), &it.Payload); err != nil {
		return nil, nil, fmt.Errorf("decode payload of %s: %w", id, err)
	}
	return it, row, nil
}

// Open lists unresolved items, oldest first.
func (q *StoreQueue) Open() ([]*store.ModerationItem, error) {
	return q.store.ListModerationItems(store.ItemOpen)
}

// Resolve marks an item decided.
func (q *StoreQueue) Resolve(id string, d Decision) error {
	if !d.Valid() {
		return fmt.Errorf("invalid decision %q", d)
	}
	return q.store.ResolveModerationItem(id, string(d), q.now())
}

// Strings reads a []string payload field. JSON decoding yields []any.
func (it *Item) Strings(key string) []string {
	raw, _ := it.Payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Text reads a string payload field.
func (it *Item) Text(key string) string {
	s, _ := it.Payload[key].(string)
	return s
}
