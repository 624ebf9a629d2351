// Package portfolio selects a contest's Top-Set from scored cluster
// candidates under per-tag caps, with reserved minority slots.
package portfolio

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/civicq/askrank/internal/config"
)

// SelectionReason records why an entry made the Top-Set. It is a closed set.
type SelectionReason uint8

const (
	Ranked SelectionReason = iota
	MinoritySlot
)

func (r SelectionReason) String() string {
	switch r {
	case Ranked:
		return "ranked"
	case MinoritySlot:
		return "minority_slot"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

func (r SelectionReason) MarshalJSON() ([]byte, error) {
	switch r {
	case Ranked, MinoritySlot:
		return json.Marshal(r.String())
	}
	return nil, fmt.Errorf("invalid selection reason %d", uint8(r))
}

func (r *SelectionReason) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "ranked":
		*r = Ranked
	case "minority_slot":
		*r = MinoritySlot
	default:
		return fmt.Errorf("unknown selection reason %q", s)
	}
	return nil
}

// Candidate is the canonical question of one cluster, with the cluster's
// score.
type Candidate struct {
	QuestionID string
	ClusterID  string
	Tag        string
	Score      float64
	CreatedAt  time.Time
}

// Less is the tie-break order: higher score, then earlier creation, then
// lower question id.
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.QuestionID < b.QuestionID
}

// Entry is one row of a published Top-Set.
type Entry struct {
	Rank       int             `json:"rank"`
	QuestionID string          `json:"question_id"`
	ClusterID  string          `json:"cluster_id"`
	Score      float64         `json:"score"`
	Tag        string          `json:"tag"`
	Reason     SelectionReason `json:"selection_reason"`
}

// Policy is the allocator configuration in slot counts.
type Policy struct {
	TopK          int
	MinoritySlots int
	DefaultCap    int
	Caps          map[string]int
}

// PolicyFrom converts validated fractions into slot counts.
func PolicyFrom(c config.PortfolioConfig) Policy {
	p := Policy{
		TopK:          c.TopK,
		MinoritySlots: c.MinoritySlots(),
		DefaultCap:    c.CapFor(""),
		Caps:          make(map[string]int, len(c.Caps)),
	}
	for tag := range c.Caps {
		p.Caps[tag] = c.CapFor(tag)
	}
	return p
}

func (p Policy) CapFor(tag string) int {
	if n, ok := p.Caps[tag]; ok {
		return n
	}
	return p.DefaultCap
}

// Allocate selects up to TopK entries from candidates. It is a pure function
// of its inputs: the same candidates in any order give the same entries.
//
// The primary pass walks candidates in tie-break order and admits one per
// cluster while the tag is under its cap, leaving MinoritySlots free. The
// minority pass then gives those slots to the best candidates whose tag is
// not yet represented, ignoring caps; each pick covers its tag. Minority
// slots nobody qualified for are backfilled by the primary rule.
func Allocate(p Policy, candidates []Candidate) []Entry {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })

	minority := p.MinoritySlots
	if minority > p.TopK {
		minority = p.TopK
	}

	a := &allocation{
		policy:   p,
		counts:   make(map[string]int),
		clusters: make(map[string]bool),
		picked:   make([]bool, len(sorted)),
	}
	a.primary(sorted, p.TopK-minority)

	covered := make(map[string]bool, len(a.counts))
	for tag := range a.counts {
		covered[tag] = true
	}
	for i, c := range sorted {
		if len(a.entries) >= p.TopK || minority == 0 {
			break
		}
		if a.picked[i] || a.clusters[c.ClusterID] || covered[c.Tag] {
			continue
		}
		a.take(i, c, MinoritySlot)
		covered[c.Tag] = true
		minority--
	}

	a.primary(sorted, p.TopK)

	entries := a.entries
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i].candidate, entries[j].candidate) })
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{
			Rank:       i + 1,
			QuestionID: e.candidate.QuestionID,
			ClusterID:  e.candidate.ClusterID,
			Score:      e.candidate.Score,
			Tag:        e.candidate.Tag,
			Reason:     e.reason,
		}
	}
	return out
}

type picked struct {
	candidate Candidate
	reason    SelectionReason
}

type allocation struct {
	policy   Policy
	counts   map[string]int
	clusters map[string]bool
	picked   []bool
	entries  []picked
}

// primary admits candidates under caps until limit entries are selected.
func (a *allocation) primary(sorted []Candidate, limit int) {
	for i, c := range sorted {
		if len(a.entries) >= limit {
			return
		}
		if a.picked[i] || a.clusters[c.ClusterID] {
			continue
		}
		if a.counts[c.Tag] >= a.policy.CapFor(c.Tag) {
			continue
		}
		a.take(i, c, Ranked)
	}
}

func (a *allocation) take(i int, c Candidate, reason SelectionReason) {
	a.picked[i] = true
	a.clusters[c.ClusterID] = true
	a.counts[c.Tag]++
	a.entries = append(a.entries, picked{candidate: c, reason: reason})
}

// TagCount reports a tag's cap and how many entries it holds.
type TagCount struct {
	Tag      string `json:"tag"`
	Cap      int    `json:"cap"`
	Selected int    `json:"selected"`
}

// TopSet is an immutable snapshot of a contest's selection.
type TopSet struct {
	ID          string     `json:"id"`
	ContestID   string     `json:"contest_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	TopK        int        `json:"top_k"`
	Entries     []Entry    `json:"entries"`
	Portfolio   []TagCount `json:"portfolio"`
}

// Build allocates and wraps the result with the per-tag portfolio counts of
// every tag seen among candidates.
func Build(id, contestID string, at time.Time, p Policy, candidates []Candidate) *TopSet {
	entries := Allocate(p, candidates)
	selected := make(map[string]int)
	for _, e := range entries {
		selected[e.Tag]++
	}
	tags := make(map[string]bool)
	for _, c := range candidates {
		tags[c.Tag] = true
	}
	var pf []TagCount
	for tag := range tags {
		pf = append(pf, TagCount{Tag: tag, Cap: p.CapFor(tag), Selected: selected[tag]})
	}
	sort.Slice(pf, func(i, j int) bool { return pf[i].Tag < pf[j].Tag })
	if entries == nil {
		entries = []Entry{}
	}
	if pf == nil {
		pf = []TagCount{}
	}
	return &TopSet{
		ID:          id,
		ContestID:   contestID,
		GeneratedAt: at.UTC(),
		TopK:        p.TopK,
		Entries:     entries,
		Portfolio:   pf,
	}
}

// Entry returns the entry for questionID, if selected.
func (t *TopSet) Entry(questionID string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.QuestionID == questionID {
			return e, true
		}
	}
	return Entry{}, false
}
