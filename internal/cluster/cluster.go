// Package cluster groups near-duplicate questions of one contest into
// clusters by cosine similarity of their embeddings.
package cluster

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/civicq/askrank/internal/embedding"
	"github.com/google/uuid"
)

// Member is a question as the cluster engine sees it. Vec is nil while the
// question's embedding is unavailable.
type Member struct {
	QuestionID string
	ContestID  string
	CreatedAt  time.Time
	Vec        []float32
}

// Before reports whether m wins the canonical tie-break against o: earlier
// creation first, then lower id.
func (m Member) Before(o Member) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.QuestionID < o.QuestionID
}

// Cluster is a set of near-duplicate questions. Members are kept in
// tie-break order, so Members[0] is always the canonical question.
type Cluster struct {
	ID        string
	ContestID string
	Centroid  []float32 // mean of the embedded members; nil if none
	Members   []Member
	CreatedAt time.Time

	embedded int
}

func (c *Cluster) Size() int { return len(c.Members) }

// CanonicalID is the question shown publicly for the cluster.
func (c *Cluster) CanonicalID() string {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].QuestionID
}

// MemberIDs returns the member question ids in tie-break order.
func (c *Cluster) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.QuestionID
	}
	return ids
}

func (c *Cluster) clone() *Cluster {
	out := *c
	out.Centroid = embedding.Clone(c.Centroid)
	out.Members = make([]Member, len(c.Members))
	for i, m := range c.Members {
		m.Vec = embedding.Clone(m.Vec)
		out.Members[i] = m
	}
	return &out
}

func (c *Cluster) add(m Member) {
	i := sort.Search(len(c.Members), func(i int) bool { return m.Before(c.Members[i]) })
	c.Members = append(c.Members, Member{})
	copy(c.Members[i+1:], c.Members[i:])
	c.Members[i] = m
	if m.Vec == nil {
		return
	}
	c.embedded++
	if c.Centroid == nil {
		c.Centroid = embedding.Clone(m.Vec)
		return
	}
	embedding.RunningMean(c.Centroid, m.Vec, c.embedded)
}

// beats reports whether c survives a merge with o: larger size wins, equal
// size falls back to the canonical tie-break.
func (c *Cluster) beats(o *Cluster) bool {
	if c.Size() != o.Size() {
		return c.Size() > o.Size()
	}
	return c.Members[0].Before(o.Members[0])
}

// Action is the outcome of assigning a question.
type Action int

const (
	// Singleton: the question starts its own cluster.
	Singleton Action = iota
	// Merged: the question joined an existing cluster.
	Merged
	// Review: the question starts its own cluster but is close enough to
	// another that a moderator should decide.
	Review
	// Deferred: no embedding yet; the question waits in an unembedded
	// singleton.
	Deferred
)

func (a Action) String() string {
	switch a {
	case Singleton:
		return "singleton"
	case Merged:
		return "merged"
	case Review:
		return "review"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision describes where Assign or Attach put a question.
type Decision struct {
	Action     Action
	ClusterID  string // cluster now holding the question
	Candidate  string // nearest cluster, for Review
	Similarity float64
	Absorbed   string // cluster removed by the operation, if any
}

// Thresholds are cosine similarity cut-offs. Merge must be >= Review.
type Thresholds struct {
	Merge  float64
	Review float64
}

var (
	ErrWrongContest  = errors.New("member belongs to another contest")
	ErrDuplicate     = errors.New("question already clustered")
	ErrUnknown       = errors.New("unknown question or cluster")
	ErrNotUnembedded = errors.New("question already has an embedding")
)

// Index holds the clusters of exactly one contest. It is not safe for
// concurrent use; the owning contest shard serializes access.
type Index struct {
	contestID  string
	thresholds Thresholds
	newID      func() string

	clusters   map[string]*Cluster
	byQuestion map[string]string
}

// NewIndex returns an empty index. newID may be nil, in which case cluster ids
// are random UUIDs.
func NewIndex(contestID string, th Thresholds, newID func() string) *Index {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Index{
		contestID:  contestID,
		thresholds: th,
		newID:      newID,
		clusters:   make(map[string]*Cluster),
		byQuestion: make(map[string]string),
	}
}

func (ix *Index) ContestID() string { return ix.contestID }

func (ix *Index) Thresholds() Thresholds { return ix.thresholds }

// SetThresholds swaps the similarity cut-offs for future assignments.
func (ix *Index) SetThresholds(th Thresholds) { ix.thresholds = th }

// Restore inserts a persisted cluster verbatim. The centroid is recomputed
// from member vectors when any are present.
func (ix *Index) Restore(id string, createdAt time.Time, members []Member) error {
	if len(members) == 0 {
		return fmt.Errorf("restore cluster %s: no members", id)
	}
	c := &Cluster{ID: id, ContestID: ix.contestID, CreatedAt: createdAt}
	for _, m := range members {
		if m.ContestID != ix.contestID {
			return fmt.Errorf("restore cluster %s: %w", id, ErrWrongContest)
		}
		if _, ok := ix.byQuestion[m.QuestionID]; ok {
			return fmt.Errorf("restore cluster %s: %s: %w", id, m.QuestionID, ErrDuplicate)
		}
		c.add(m)
	}
	ix.clusters[id] = c
	for _, m := range members {
		ix.byQuestion[m.QuestionID] = id
	}
	return nil
}

// Assign places a new question. Unembedded questions become their own
// cluster and are skipped by similarity search until Attach.
func (ix *Index) Assign(m Member) (Decision, error) {
	if m.ContestID != ix.contestID {
		return Decision{}, ErrWrongContest
	}
	if _, ok := ix.byQuestion[m.QuestionID]; ok {
		return Decision{}, fmt.Errorf("assign %s: %w", m.QuestionID, ErrDuplicate)
	}
	if m.Vec == nil {
		c := ix.singleton(m)
		return Decision{Action: Deferred, ClusterID: c.ID}, nil
	}

	nearest, sim := ix.nearest(m.Vec, "")
	switch {
	case nearest != nil && sim >= ix.thresholds.Merge:
		nearest.add(m)
		ix.byQuestion[m.QuestionID] = nearest.ID
		return Decision{Action: Merged, ClusterID: nearest.ID, Similarity: sim}, nil
	case nearest != nil && sim >= ix.thresholds.Review:
		c := ix.singleton(m)
		return Decision{Action: Review, ClusterID: c.ID, Candidate: nearest.ID, Similarity: sim}, nil
	default:
		c := ix.singleton(m)
		return Decision{Action: Singleton, ClusterID: c.ID, Similarity: sim}, nil
	}
}

// Attach gives a deferred question its embedding and re-runs assignment. If
// the question merges into another cluster its placeholder singleton is
// reported in Decision.Absorbed.
func (ix *Index) Attach(questionID string, vec []float32) (Decision, error) {
	cid, ok := ix.byQuestion[questionID]
	if !ok {
		return Decision{}, fmt.Errorf("attach %s: %w", questionID, ErrUnknown)
	}
	own := ix.clusters[cid]
	if own.Size() != 1 || own.Members[0].Vec != nil {
		return Decision{}, fmt.Errorf("attach %s: %w", questionID, ErrNotUnembedded)
	}
	m := own.Members[0]
	m.Vec = embedding.Clone(vec)

	nearest, sim := ix.nearest(m.Vec, cid)
	if nearest != nil && sim >= ix.thresholds.Merge {
		delete(ix.clusters, cid)
		nearest.add(m)
		ix.byQuestion[questionID] = nearest.ID
		return Decision{Action: Merged, ClusterID: nearest.ID, Similarity: sim, Absorbed: cid}, nil
	}

	own.Members = nil
	own.embedded = 0
	own.add(m)
	if nearest != nil && sim >= ix.thresholds.Review {
		return Decision{Action: Review, ClusterID: cid, Candidate: nearest.ID, Similarity: sim}, nil
	}
	return Decision{Action: Singleton, ClusterID: cid, Similarity: sim}, nil
}

// MergeResult names the surviving and the absorbed cluster of a merge.
type MergeResult struct {
	Survivor string
	Absorbed string
}

// MergeClusters folds the smaller of a and b into the larger. Equal sizes
// keep the cluster whose canonical question wins the tie-break.
func (ix *Index) MergeClusters(a, b string) (MergeResult, error) {
	ca, cb := ix.clusters[a], ix.clusters[b]
	if ca == nil || cb == nil || a == b {
		return MergeResult{}, fmt.Errorf("merge %s into %s: %w", a, b, ErrUnknown)
	}
	survivor, absorbed := merge(ca, cb)
	delete(ix.clusters, absorbed.ID)
	for _, m := range absorbed.Members {
		ix.byQuestion[m.QuestionID] = survivor.ID
	}
	return MergeResult{Survivor: survivor.ID, Absorbed: absorbed.ID}, nil
}

func merge(a, b *Cluster) (survivor, absorbed *Cluster) {
	survivor, absorbed = a, b
	if !a.beats(b) {
		survivor, absorbed = b, a
	}
	switch {
	case survivor.Centroid == nil:
		survivor.Centroid = embedding.Clone(absorbed.Centroid)
	case absorbed.Centroid != nil:
		survivor.Centroid = embedding.WeightedMean(survivor.Centroid, survivor.embedded, absorbed.Centroid, absorbed.embedded)
	}
	survivor.embedded += absorbed.embedded
	members := append(survivor.Members, absorbed.Members...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].Before(members[j]) })
	survivor.Members = members
	return survivor, absorbed
}

// Cluster returns the cluster with id, or nil. The result must not be
// modified.
func (ix *Index) Cluster(id string) *Cluster { return ix.clusters[id] }

// ClusterOf returns the id of the cluster holding questionID.
func (ix *Index) ClusterOf(questionID string) (string, bool) {
	id, ok := ix.byQuestion[questionID]
	return id, ok
}

// Clusters returns all clusters ordered by id.
func (ix *Index) Clusters() []*Cluster {
	out := make([]*Cluster, 0, len(ix.clusters))
	for _, c := range ix.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ix *Index) Len() int { return len(ix.clusters) }

// Similarity returns the cosine similarity of two clusters' centroids, and
// false if either has none.
func (ix *Index) Similarity(a, b string) (float64, bool) {
	ca, cb := ix.clusters[a], ix.clusters[b]
	if ca == nil || cb == nil || ca.Centroid == nil || cb.Centroid == nil {
		return 0, false
	}
	return float64(embedding.Cosine(ca.Centroid, cb.Centroid)), true
}

// Remove takes a question out of its cluster and returns the cluster id. The
// centroid is rebuilt from the remaining members; a cluster left empty is
// dropped and dropped is true.
func (ix *Index) Remove(questionID string) (id string, dropped bool, err error) {
	id, ok := ix.byQuestion[questionID]
	if !ok {
		return "", false, fmt.Errorf("remove %s: %w", questionID, ErrUnknown)
	}
	delete(ix.byQuestion, questionID)
	c := ix.clusters[id]
	rest := c.Members
	c.Members, c.Centroid, c.embedded = nil, nil, 0
	for _, m := range rest {
		if m.QuestionID != questionID {
			c.add(m)
		}
	}
	if len(c.Members) == 0 {
		delete(ix.clusters, id)
		return id, true, nil
	}
	return id, false, nil
}

func (ix *Index) singleton(m Member) *Cluster {
	c := &Cluster{ID: ix.newID(), ContestID: ix.contestID, CreatedAt: m.CreatedAt}
	c.add(m)
	ix.clusters[c.ID] = c
	ix.byQuestion[m.QuestionID] = c.ID
	return c
}

// nearest finds the embedded cluster most similar to vec, skipping exclude.
// Ties go to the lower cluster id so results do not depend on map order.
func (ix *Index) nearest(vec []float32, exclude string) (*Cluster, float64) {
	var best *Cluster
	bestSim := -2.0
	for id, c := range ix.clusters {
		if id == exclude || c.Centroid == nil {
			continue
		}
		sim := float64(embedding.Cosine(vec, c.Centroid))
		if sim > bestSim || (sim == bestSim && id < best.ID) {
			best, bestSim = c, sim
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestSim
}
