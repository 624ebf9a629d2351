package engine

import (
	"context"
	"time"

	"github.com/civicq/askrank/internal/cluster"
	"github.com/civicq/askrank/internal/embedding"
	"github.com/civicq/askrank/internal/metrics"
	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/shard"
	"github.com/civicq/askrank/internal/store"
)

// backoff doubles from base up to max.
type backoff struct {
	base, max time.Duration
	attempt   int
}

func (b *backoff) next() time.Duration {
	d := b.max
	if b.attempt < 32 {
		if s := b.base << b.attempt; s > 0 && s < b.max {
			d = s
		}
	}
	b.attempt++
	return d
}

// embedResult is what an embedding task ends with. Err is set when the task
// gave up or was cancelled.
type embedResult struct {
	Decision cluster.Decision
	Err      error
}

// startEmbed runs the embedding task of q in the background, bound to its
// contest: closing the contest cancels it. placed says whether q already
// sits in the cluster index as an unembedded singleton.
func (e *Engine) startEmbed(q *store.Question, placed bool) <-chan embedResult {
	out := make(chan embedResult, 1)
	ct := e.contest(q.ContestID)
	ct.wg.Add(1)
	go func() {
		defer ct.wg.Done()
		defer close(out)
		out <- e.embedTask(ct.ctx, q, placed)
	}()
	return out
}

// embedTask embeds a question and places it in its contest's clusters. If
// the provider fails, the question is placed as its own cluster right away
// and the embedding is retried with exponential backoff; when the retries
// run out a moderator gets a manual assignment item.
func (e *Engine) embedTask(ctx context.Context, q *store.Question, placed bool) embedResult {
	log := e.log.With("contest", q.ContestID, "question", q.ID)
	sh, err := e.shard(q.ContestID)
	if err != nil {
		return embedResult{Err: err}
	}

	vec, embedErr := e.embed(ctx, q.Text)
	if ctx.Err() != nil {
		// contest closed or engine stopping; the question stays unplaced
		return embedResult{Err: ctx.Err()}
	}
	if !placed {
		if embedErr == nil {
			if err := e.store.SetQuestionEmbedding(q.ID, vec); err != nil {
				log.Error("store embedding", "error", err)
			}
			q.Embedding = vec
		}
		d, err := sh.Assign(ctx, q)
		if err != nil {
			log.Error("assign failed", "error", err)
			return embedResult{Err: err}
		}
		e.afterPlacement(ctx, q, d)
		if embedErr == nil {
			return embedResult{Decision: d}
		}
	} else if embedErr == nil {
		return e.attach(ctx, sh, q, vec)
	}

	b := &backoff{base: e.embedCfg.BackoffBase, max: e.embedCfg.BackoffMax}
	for attempt := 1; attempt <= e.embedCfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return embedResult{Err: ctx.Err()}
		}
		wait := b.next()
		log.Warn("embedding unavailable, retrying", "attempt", attempt, "in", wait, "error", embedErr)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return embedResult{Err: ctx.Err()}
		case <-t.C:
		}
		vec, embedErr = e.embed(ctx, q.Text)
		if embedErr == nil {
			return e.attach(ctx, sh, q, vec)
		}
	}

	log.Warn("embedding retries exhausted", "error", embedErr)
	if ctx.Err() != nil {
		return embedResult{Err: ctx.Err()}
	}
	_, err = e.queue.Push(ctx, moderation.Item{
		Kind:      moderation.ManualClusterAssignment,
		ContestID: q.ContestID,
		SubjectID: q.ID,
		Payload:   map[string]any{"reason": embedErr.Error()},
	})
	if err != nil {
		log.Error("queue manual assignment", "error", err)
	}
	return embedResult{Err: embedErr}
}

func (e *Engine) attach(ctx context.Context, sh *shard.Shard, q *store.Question, vec []float32) embedResult {
	if err := e.store.SetQuestionEmbedding(q.ID, vec); err != nil {
		e.log.Error("store embedding", "question", q.ID, "error", err)
	}
	d, err := sh.Attach(ctx, q.ID, vec)
	if err != nil {
		e.log.Error("attach failed", "question", q.ID, "error", err)
		return embedResult{Err: err}
	}
	e.afterPlacement(ctx, q, d)
	return embedResult{Decision: d}
}

// afterPlacement logs the decision and queues a duplicate review when the
// question landed near, but not within, an existing cluster.
func (e *Engine) afterPlacement(ctx context.Context, q *store.Question, d cluster.Decision) {
	e.log.Info("question placed", "contest", q.ContestID, "question", q.ID,
		"action", d.Action, "cluster", d.ClusterID, "similarity", d.Similarity)
	if d.Action != cluster.Review {
		return
	}
	_, err := e.queue.Push(ctx, moderation.Item{
		Kind:      moderation.DuplicateReview,
		ContestID: q.ContestID,
		SubjectID: q.ID,
		Severity:  d.Similarity,
		Payload: map[string]any{
			"cluster":    d.ClusterID,
			"candidate":  d.Candidate,
			"similarity": d.Similarity,
		},
	})
	if err != nil {
		e.log.Error("queue duplicate review", "question", q.ID, "error", err)
	}
}

// embed makes one provider call under the configured timeout.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	timeout := e.embedCfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	vec, err := embedding.EmbedOne(ctx, e.embedder, text)
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EmbeddingAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingAttempts.WithLabelValues("ok").Inc()
	return embedding.Normalize(vec), nil
}
