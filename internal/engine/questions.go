package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/portfolio"
	"github.com/civicq/askrank/internal/score"
	"github.com/civicq/askrank/internal/shard"
	"github.com/civicq/askrank/internal/store"
	"github.com/google/uuid"
)

const (
	maxTextLen = 1000
	maxTags    = 5
	maxTagLen  = 40
)

type SubmitRequest struct {
	ContestID   string   `json:"contest_id"`
	SubmitterID string   `json:"submitter_id"`
	Text        string   `json:"text"`
	Tags        []string `json:"tags"`
}

// SubmitQuestion accepts a question and returns its id. Embedding and
// clustering happen in the background; the question enters the scoring pool
// once placed and, unless auto-activation is on, approved by a moderator.
func (e *Engine) SubmitQuestion(ctx context.Context, r SubmitRequest) (string, error) {
	q, err := e.submit(ctx, r)
	if err != nil {
		return "", err
	}
	e.startEmbed(q, false)
	return q.ID, nil
}

func (e *Engine) submit(ctx context.Context, r SubmitRequest) (*store.Question, error) {
	if r.ContestID == "" {
		return nil, invalid("contest_id", "required")
	}
	if r.SubmitterID == "" {
		return nil, invalid("submitter_id", "required")
	}
	text, err := cleanText(r.Text)
	if err != nil {
		return nil, err
	}
	tags, err := cleanTags(r.Tags)
	if err != nil {
		return nil, err
	}
	if _, err := e.shard(r.ContestID); err != nil {
		return nil, err
	}

	q := &store.Question{
		ID:          uuid.NewString(),
		ContestID:   r.ContestID,
		Text:        text,
		Tags:        tags,
		SubmitterID: r.SubmitterID,
		Status:      store.StatusPending,
		CreatedAt:   e.now(),
	}
	if e.auto {
		q.Status = store.StatusActive
	}
	if err := e.store.CreateQuestion(q); err != nil {
		return nil, err
	}
	if !e.auto {
		if _, err := e.queue.Push(ctx, moderation.Item{
			Kind:      moderation.QuestionApproval,
			ContestID: q.ContestID,
			SubjectID: q.ID,
			Payload:   map[string]any{"text": q.Text, "tags": q.Tags},
		}); err != nil {
			e.log.Error("queue approval", "question", q.ID, "error", err)
		}
	}
	e.log.Info("question submitted", "contest", q.ContestID, "question", q.ID, "tag", q.PrimaryTag())
	return q, nil
}

func cleanText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("text", "required")
	}
	if utf8.RuneCountInString(s) > maxTextLen {
		return "", invalid("text", fmt.Sprintf("longer than %d characters", maxTextLen))
	}
	return s, nil
}

// cleanTags lower-cases and trims tags, keeping their order: the first tag is
// the one the allocator counts.
func cleanTags(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, invalid("tags", "at least one tag is required")
	}
	if len(in) > maxTags {
		return nil, invalid("tags", fmt.Sprintf("at most %d tags", maxTags))
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return nil, invalid("tags", "empty tag")
		}
		if len(t) > maxTagLen {
			return nil, invalid("tags", fmt.Sprintf("tag %q too long", t))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

type EditRequest struct {
	QuestionID string   `json:"-"`
	EditorID   string   `json:"-"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
}

// EditQuestion appends a new version. Earlier versions stay bound to
// whatever answered them. An edit does not move the question between
// clusters; a changed first tag moves its portfolio count.
func (e *Engine) EditQuestion(ctx context.Context, r EditRequest) (int, error) {
	text, err := cleanText(r.Text)
	if err != nil {
		return 0, err
	}
	tags, err := cleanTags(r.Tags)
	if err != nil {
		return 0, err
	}
	q, err := e.store.GetQuestion(r.QuestionID)
	if err != nil {
		return 0, err
	}
	if q == nil {
		return 0, fmt.Errorf("question %s: %w", r.QuestionID, ErrNotFound)
	}
	if r.EditorID != "" && r.EditorID != q.SubmitterID {
		return 0, invalid("editor", "only the submitter may edit a question")
	}
	if q.Status == store.StatusRetired {
		return 0, invalid("question", "retired questions cannot be edited")
	}
	version, err := e.store.AddQuestionVersion(q.ID, text, tags, e.now())
	if err != nil {
		return 0, err
	}
	if sh, err := e.shard(q.ContestID); err == nil {
		if err := sh.SetTags(ctx, q.ID, tags); err != nil && !errors.Is(err, shard.ErrUnknownQuestion) {
			return version, err
		}
	}
	return version, nil
}

// SetQuestionStatus applies a moderator's lifecycle decision: activate a
// pending question or retire one. Merging is the cluster engine's business.
func (e *Engine) SetQuestionStatus(ctx context.Context, questionID string, to store.QuestionStatus) error {
	if to != store.StatusActive && to != store.StatusRetired {
		return invalid("status", fmt.Sprintf("cannot set %q", to))
	}
	q, err := e.store.GetQuestion(questionID)
	if err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	if !q.Status.CanTransition(to) {
		return invalid("status", fmt.Sprintf("%s -> %s not allowed", q.Status, to))
	}
	sh, err := e.shard(q.ContestID)
	if err != nil {
		return err
	}
	return sh.SetStatus(ctx, questionID, to)
}

// GetTopSet returns the latest published snapshot of a contest. Closed
// contests serve their last stored snapshot.
func (e *Engine) GetTopSet(contestID string) (*portfolio.TopSet, error) {
	if sh, err := e.shards.Get(contestID); err == nil {
		if ts := sh.TopSet(); ts != nil {
			return ts, nil
		}
	}
	rec, err := e.store.LatestTopSet(contestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("topset of %s: %w", contestID, ErrNotFound)
	}
	var ts portfolio.TopSet
	if err := json.Unmarshal(rec.Body, &ts); err != nil {
		return nil, fmt.Errorf("decode topset %s: %w", rec.ID, err)
	}
	return &ts, nil
}

// Sibling is another question of the same cluster.
type Sibling struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// VoteTally aggregates votes without saying who cast them.
type VoteTally struct {
	Up       int     `json:"up"`
	Down     int     `json:"down"`
	Weighted float64 `json:"weighted"`
}

type TagTally struct {
	Tag       string `json:"tag"`
	Questions int    `json:"questions"`
	VoteTally
}

type QuestionDetail struct {
	ID           string     `json:"id"`
	ContestID    string     `json:"contest_id"`
	Text         string     `json:"text"`
	Version      int        `json:"version"`
	Tags         []string   `json:"tags"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ClusterID    string     `json:"cluster_id,omitempty"`
	CanonicalID  string     `json:"canonical_id,omitempty"`
	Siblings     []Sibling  `json:"siblings"`
	Score        float64    `json:"score"`
	ClusterScore float64    `json:"cluster_score"`
	Votes        VoteTally  `json:"votes"`
	TagVotes     []TagTally `json:"tag_votes"`
	Rank         int        `json:"rank,omitempty"`
	Reason       string     `json:"selection_reason,omitempty"`
}

// GetQuestionDetail describes a question with its cluster and vote
// aggregates. Tag aggregates cover the whole contest, counted by each
// question's first tag.
func (e *Engine) GetQuestionDetail(ctx context.Context, questionID string) (*QuestionDetail, error) {
	q, err := e.store.GetQuestion(questionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	d := &QuestionDetail{
		ID: q.ID, ContestID: q.ContestID, Text: q.Text, Version: q.Version, Tags: q.Tags,
		Status: string(q.Status), CreatedAt: q.CreatedAt, ClusterID: q.ClusterID,
		Siblings: []Sibling{}, TagVotes: []TagTally{},
	}

	contestQs, err := e.store.ListQuestionsByContest(q.ContestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Question, len(contestQs))
	for _, cq := range contestQs {
		byID[cq.ID] = cq
	}

	live := false
	if sh, err := e.shards.Get(q.ContestID); err == nil {
		sd, err := sh.Detail(ctx, q.ID)
		switch {
		case err == nil:
			live = true
			d.ClusterID, d.CanonicalID = sd.ClusterID, sd.CanonicalID
			d.Score, d.ClusterScore = sd.Score, sd.ClusterScore
			for _, id := range sd.Siblings {
				if s, ok := byID[id]; ok {
					d.Siblings = append(d.Siblings, Sibling{ID: s.ID, Text: s.Text, Status: string(s.Status)})
				}
			}
		case !errors.Is(err, shard.ErrUnknownQuestion):
			return nil, err
		}
	}
	if !live && q.ClusterID != "" {
		for _, cq := range contestQs {
			if cq.ClusterID != q.ClusterID {
				continue
			}
			if cq.Canonical {
				d.CanonicalID = cq.ID
			}
			if cq.ID != q.ID {
				d.Siblings = append(d.Siblings, Sibling{ID: cq.ID, Text: cq.Text, Status: string(cq.Status)})
			}
		}
	}

	votes, err := e.store.ListVotesByContest(q.ContestID)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]*TagTally)
	var order []string
	for _, cq := range contestQs {
		tag := cq.PrimaryTag()
		if _, ok := tags[tag]; !ok {
			tags[tag] = &TagTally{Tag: tag}
			order = append(order, tag)
		}
		tags[tag].Questions++
	}
	var own []score.Contribution
	for _, v := range votes {
		cq := byID[v.QuestionID]
		if cq == nil {
			continue
		}
		tally(&tags[cq.PrimaryTag()].VoteTally, v)
		if v.QuestionID == q.ID {
			tally(&d.Votes, v)
			own = append(own, score.Contribution{Value: v.Value, Weight: v.Weight, CastAt: v.CastAt})
		}
	}
	for _, tag := range order {
		d.TagVotes = append(d.TagVotes, *tags[tag])
	}
	if !live {
		d.Score = score.Score(own, e.now(), e.halfLife)
	}

	if ts, err := e.GetTopSet(q.ContestID); err == nil {
		for _, en := range ts.Entries {
			if en.ClusterID == d.ClusterID && d.ClusterID != "" {
				d.Rank, d.Reason = en.Rank, en.Reason.String()
				break
			}
		}
	}
	return d, nil
}

func tally(t *VoteTally, v *store.Vote) {
	switch v.Value {
	case 1:
		t.Up++
	case -1:
		t.Down++
	}
	t.Weighted += float64(v.Value) * v.Weight
}

// Watch subscribes to a contest's snapshots. The returned channel yields
// the current snapshot first; done is closed when the contest stops.
func (e *Engine) Watch(contestID string) (snapshots <-chan *portfolio.TopSet, done <-chan struct{}, cancel func(), err error) {
	sh, err := e.shard(contestID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := sh.Subscribe()
	return ch, sh.Done(), cancel, nil
}

// ModerationItems lists the open moderation items, oldest first.
func (e *Engine) ModerationItems() ([]*store.ModerationItem, error) {
	return e.queue.Open()
}
