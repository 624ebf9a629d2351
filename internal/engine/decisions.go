package engine

import (
	"context"
	"fmt"

	"github.com/civicq/askrank/internal/moderation"
	"github.com/civicq/askrank/internal/store"
)

type DecisionRequest struct {
	ItemID   string              `json:"-"`
	Decision moderation.Decision `json:"decision"`
	// ClusterID is the target of a merge on a manual assignment item.
	ClusterID string `json:"cluster_id,omitempty"`
}

// ApplyDecision carries out a moderator's verdict on a queued item and marks
// it resolved. What each verdict means depends on the item kind:
//
//	question_approval          approve: activate   reject: retire
//	duplicate_review           merge: join the candidate cluster   reject: retire
//	manual_cluster_assignment  merge: join ClusterID   reject: retire
//	anomaly_escalation         approve: restore weight 1   reject: void (weight 0)
//
// Approving a duplicate review or a manual assignment keeps the question as
// its own cluster.
func (e *Engine) ApplyDecision(ctx context.Context, r DecisionRequest) error {
	if !r.Decision.Valid() {
		return invalid("decision", fmt.Sprintf("unknown decision %q", r.Decision))
	}
	it, row, err := e.queue.Get(r.ItemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("moderation item %s: %w", r.ItemID, ErrNotFound)
	}
	if row.Status != store.ItemOpen {
		return fmt.Errorf("moderation item %s: %w", r.ItemID, ErrAlreadyResolved)
	}

	switch it.Kind {
	case moderation.QuestionApproval:
		err = e.decideApproval(ctx, it, r.Decision)
	case moderation.DuplicateReview:
		err = e.decidePlacement(ctx, it, r.Decision, it.Text("candidate"))
	case moderation.ManualClusterAssignment:
		if r.Decision == moderation.Merge && r.ClusterID == "" {
			return invalid("cluster_id", "required to merge")
		}
		err = e.decidePlacement(ctx, it, r.Decision, r.ClusterID)
	case moderation.AnomalyEscalation:
		err = e.decideEscalation(ctx, it, r.Decision)
	default:
		return fmt.Errorf("moderation item %s: unknown kind %q", it.ID, it.Kind)
	}
	if err != nil {
		return err
	}
	if err := e.queue.Resolve(it.ID, r.Decision); err != nil {
		return err
	}
	e.log.Info("moderation decision applied", "item", it.ID, "kind", it.Kind, "decision", r.Decision)
	return nil
}

func (e *Engine) decideApproval(ctx context.Context, it *moderation.Item, d moderation.Decision) error {
	switch d {
	case moderation.Approve:
		return e.SetQuestionStatus(ctx, it.SubjectID, store.StatusActive)
	case moderation.Reject:
		return e.SetQuestionStatus(ctx, it.SubjectID, store.StatusRetired)
	}
	return invalid("decision", "merge does not apply to an approval")
}

func (e *Engine) decidePlacement(ctx context.Context, it *moderation.Item, d moderation.Decision, clusterID string) error {
	switch d {
	case moderation.Approve:
		return nil
	case moderation.Reject:
		return e.SetQuestionStatus(ctx, it.SubjectID, store.StatusRetired)
	}
	if clusterID == "" {
		return invalid("cluster_id", "no cluster to merge into")
	}
	sh, err := e.shard(it.ContestID)
	if err != nil {
		return err
	}
	res, err := sh.MergeQuestion(ctx, it.SubjectID, clusterID)
	if err != nil {
		return fmt.Errorf("merge %s into %s: %w", it.SubjectID, clusterID, err)
	}
	e.log.Info("question merged by moderator", "contest", it.ContestID, "question", it.SubjectID, "cluster", res.Survivor)
	return nil
}

func (e *Engine) decideEscalation(ctx context.Context, it *moderation.Item, d moderation.Decision) error {
	weight := 1.0
	switch d {
	case moderation.Approve:
	case moderation.Reject:
		weight = 0
	default:
		return invalid("decision", "merge does not apply to an escalation")
	}
	voters := it.Strings("voters")
	if len(voters) == 0 {
		return nil
	}
	if e.detector != nil {
		e.detector.Moderate(it.ContestID, voters, weight)
	}
	changes, err := e.store.SetVoteWeights(it.ContestID, voters, weight)
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		e.shards.Reweighted(ctx, it.ContestID, changes)
	}
	return nil
}
