package cluster

import "github.com/civicq/askrank/internal/embedding"

// Snapshot is a deep copy of an index, safe to read from another goroutine.
type Snapshot struct {
	ContestID string
	Clusters  []*Cluster // ordered by id
}

// Snapshot copies the index for off-shard planning.
func (ix *Index) Snapshot() *Snapshot {
	s := &Snapshot{ContestID: ix.contestID}
	for _, c := range ix.Clusters() {
		s.Clusters = append(s.Clusters, c.clone())
	}
	return s
}

// Step is one merge of a consolidation plan.
type Step struct {
	Survivor   string
	Absorbed   string
	Similarity float64
}

// PlanConsolidation re-examines every pair of clusters in snap and returns
// the merges that bring the contest to a state where no two embedded clusters
// are at least threshold apart. The most similar pair is merged first; equal
// similarities go to the lexically lower pair of ids. snap is not modified.
func PlanConsolidation(snap *Snapshot, threshold float64) []Step {
	var live []*Cluster
	for _, c := range snap.Clusters {
		if c.Centroid != nil {
			live = append(live, c.clone())
		}
	}

	var plan []Step
	for {
		bi, bj := -1, -1
		bestSim := threshold
		for i := 0; i < len(live); i++ {
			for j := i + 1; j < len(live); j++ {
				sim := float64(embedding.Cosine(live[i].Centroid, live[j].Centroid))
				if sim < threshold {
					continue
				}
				if bi < 0 || sim > bestSim || (sim == bestSim && pairLess(live[i], live[j], live[bi], live[bj])) {
					bi, bj, bestSim = i, j, sim
				}
			}
		}
		if bi < 0 {
			return plan
		}
		survivor, absorbed := merge(live[bi], live[bj])
		plan = append(plan, Step{Survivor: survivor.ID, Absorbed: absorbed.ID, Similarity: bestSim})

		next := live[:0]
		for _, c := range live {
			if c != absorbed {
				next = append(next, c)
			}
		}
		live = next
	}
}

// pairLess orders cluster pairs by their (lower id, higher id).
func pairLess(a1, a2, b1, b2 *Cluster) bool {
	alo, ahi := sortedIDs(a1.ID, a2.ID)
	blo, bhi := sortedIDs(b1.ID, b2.ID)
	if alo != blo {
		return alo < blo
	}
	return ahi < bhi
}

func sortedIDs(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Apply replays a plan against the live index. Each step is re-validated: a
// step whose clusters have since vanished or drifted below threshold is
// skipped. Applied merges are returned in order.
func (ix *Index) Apply(plan []Step, threshold float64) []MergeResult {
	var done []MergeResult
	for _, st := range plan {
		sim, ok := ix.Similarity(st.Survivor, st.Absorbed)
		if !ok || sim < threshold {
			continue
		}
		res, err := ix.MergeClusters(st.Survivor, st.Absorbed)
		if err != nil {
			continue
		}
		done = append(done, res)
	}
	return done
}

// Memberships returns question id -> cluster id for every clustered question.
func (s *Snapshot) Memberships() map[string]string {
	out := make(map[string]string)
	for _, c := range s.Clusters {
		for _, m := range c.Members {
			out[m.QuestionID] = c.ID
		}
	}
	return out
}
