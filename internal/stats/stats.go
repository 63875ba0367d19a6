// Package stats implements the statistics engine (spec component C2): it
// maintains per-split, per-response-question tallies under streaming
// respondent arrivals and produces per-tick deltas.
package stats

import (
	"sort"

	"github.com/pollviz/pollviz/internal/lattice"
)

// GroupStat is one response group's running tally within a split.
// TotalWeight currently mirrors TotalCount one-for-one: no per-respondent
// weighting input exists yet, so every respondent contributes a weight of 1.
type GroupStat struct {
	Label       string
	TotalCount  int
	TotalWeight float64
}

// Proportion returns this group's share of total, or 0 when total is 0.
func (g GroupStat) Proportion(total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(g.TotalCount) / float64(total)
}

// QuestionTally holds both views of one response question's tallies
// within a single split.
type QuestionTally struct {
	Key       lattice.QuestionKey
	Expanded  []GroupStat
	Collapsed []GroupStat
}

func newQuestionTally(rq lattice.ResponseQuestion) *QuestionTally {
	qt := &QuestionTally{Key: rq.Key}
	qt.Expanded = make([]GroupStat, len(rq.Expanded))
	for i, g := range rq.Expanded {
		qt.Expanded[i].Label = g.Label
	}
	qt.Collapsed = make([]GroupStat, len(rq.Collapsed))
	for i, g := range rq.Collapsed {
		qt.Collapsed[i].Label = g.Label
	}
	return qt
}

// splitTallies holds every visualized response question's tallies for one
// split.
type splitTallies struct {
	byQuestion map[lattice.QuestionKey]*QuestionTally
}

// GroupChange is one response group's count movement within a batch.
type GroupChange struct {
	Label       string
	CountBefore int
	CountAfter  int
}

// QuestionChange is one response question's group movement within one
// split, for one ingested batch, in both views.
type QuestionChange struct {
	QuestionKey           lattice.QuestionKey
	ExpandedGroupChanges  []GroupChange
	CollapsedGroupChanges []GroupChange
}

// SplitDelta is the per-split change set produced by one Ingest call.
// Only splits and groups that actually moved appear.
type SplitDelta struct {
	SplitIndex      int
	QuestionChanges []QuestionChange
}

// Engine maintains tallies for every split in a lattice, across one or
// more visualized response questions (the engine is written against a
// slice of response questions, though a session visualizes exactly one).
type Engine struct {
	Lattice   *lattice.Lattice
	Questions []lattice.ResponseQuestion

	splits []*splitTallies
}

// New builds an Engine with all-zero tallies for every split in lat.
func New(lat *lattice.Lattice, questions []lattice.ResponseQuestion) *Engine {
	e := &Engine{Lattice: lat, Questions: questions}
	e.splits = make([]*splitTallies, len(lat.Splits))
	for i := range e.splits {
		st := &splitTallies{byQuestion: make(map[lattice.QuestionKey]*QuestionTally, len(questions))}
		for _, rq := range questions {
			st.byQuestion[rq.Key] = newQuestionTally(rq)
		}
		e.splits[i] = st
	}
	return e
}

// answerMap indexes a respondent's answers by question key for O(1) lookup.
func answerMap(r lattice.Respondent) map[lattice.QuestionKey]*int {
	m := make(map[lattice.QuestionKey]*int, len(r.Answers))
	for _, a := range r.Answers {
		m[a.Question] = a.ResponseIndex
	}
	return m
}

// groupVector resolves a respondent's position in every grouping question
// of the lattice. ok is false if any grouping-question answer is missing,
// null, or out of range — such a respondent contributes to no statistic
// (the partial/out-of-range ⇒ no viz update rule).
func (e *Engine) groupVector(answers map[lattice.QuestionKey]*int) ([]int, bool) {
	vec := make([]int, len(e.Lattice.Grouping))
	for pos, gq := range e.Lattice.Grouping {
		idxPtr, ok := answers[gq.Key]
		if !ok || idxPtr == nil {
			return nil, false
		}
		gi := gq.GroupIndex(*idxPtr)
		if gi == -1 {
			return nil, false
		}
		vec[pos] = gi
	}
	return vec, true
}

// movement tracks, per (split, question), which groups of one view
// (expanded or collapsed) were touched in a batch and their before/after
// counts — indexed in parallel with that view's group slice so diff output
// preserves configured order.
type movement struct {
	touched []bool
	before  []int
	after   []int
}

// movementPair tracks a question's expanded- and collapsed-view movement
// together within one split, since both tallies move on every touch.
type movementPair struct {
	expanded  *movement
	collapsed *movement
}

// Ingest applies a batch of respondents and returns the SplitDelta for
// every split that moved. Respondents are processed in arrival order;
// a respondent contributes nothing (no error, no diff) if any grouping
// answer is null/out-of-range, or — per response question — if that
// question's answer is missing or out-of-range.
func (e *Engine) Ingest(batch []lattice.Respondent) []SplitDelta {
	affected := make(map[int]map[lattice.QuestionKey]*movementPair)

	touch := func(splitIdx int, key lattice.QuestionKey, nExpanded, nCollapsed int) *movementPair {
		bySplit, ok := affected[splitIdx]
		if !ok {
			bySplit = make(map[lattice.QuestionKey]*movementPair)
			affected[splitIdx] = bySplit
		}
		mp, ok := bySplit[key]
		if !ok {
			mp = &movementPair{
				expanded:  &movement{touched: make([]bool, nExpanded), before: make([]int, nExpanded), after: make([]int, nExpanded)},
				collapsed: &movement{touched: make([]bool, nCollapsed), before: make([]int, nCollapsed), after: make([]int, nCollapsed)},
			}
			bySplit[key] = mp
		}
		return mp
	}

	for _, r := range batch {
		answers := answerMap(r)
		groupIdx, ok := e.groupVector(answers)
		if !ok {
			continue
		}
		compatible := e.Lattice.CompatibleSplits(groupIdx)

		for _, rq := range e.Questions {
			idxPtr, ok := answers[rq.Key]
			if !ok || idxPtr == nil {
				continue
			}
			expandedIdx := rq.ExpandedGroupIndex(*idxPtr)
			if expandedIdx == -1 {
				continue
			}
			_, collapsedIdx, found := rq.CollapsedGroupFor(expandedIdx)
			if !found {
				continue
			}

			for _, si := range compatible {
				qt := e.splits[si].byQuestion[rq.Key]

				mp := touch(si, rq.Key, len(qt.Expanded), len(qt.Collapsed))

				m := mp.expanded
				if !m.touched[expandedIdx] {
					m.touched[expandedIdx] = true
					m.before[expandedIdx] = qt.Expanded[expandedIdx].TotalCount
				}
				qt.Expanded[expandedIdx].TotalCount++
				qt.Expanded[expandedIdx].TotalWeight++
				m.after[expandedIdx] = qt.Expanded[expandedIdx].TotalCount

				cm := mp.collapsed
				if !cm.touched[collapsedIdx] {
					cm.touched[collapsedIdx] = true
					cm.before[collapsedIdx] = qt.Collapsed[collapsedIdx].TotalCount
				}
				qt.Collapsed[collapsedIdx].TotalCount++
				qt.Collapsed[collapsedIdx].TotalWeight++
				cm.after[collapsedIdx] = qt.Collapsed[collapsedIdx].TotalCount
			}
		}
	}

	return buildDeltas(affected, e.Questions)
}

func buildDeltas(affected map[int]map[lattice.QuestionKey]*movementPair, questions []lattice.ResponseQuestion) []SplitDelta {
	splitIdxs := make([]int, 0, len(affected))
	for si := range affected {
		splitIdxs = append(splitIdxs, si)
	}
	sort.Ints(splitIdxs)

	groupChanges := func(m *movement, labels func(int) string) []GroupChange {
		var gcs []GroupChange
		for i, touched := range m.touched {
			if !touched {
				continue
			}
			gcs = append(gcs, GroupChange{Label: labels(i), CountBefore: m.before[i], CountAfter: m.after[i]})
		}
		return gcs
	}

	deltas := make([]SplitDelta, 0, len(splitIdxs))
	for _, si := range splitIdxs {
		byQuestion := affected[si]
		var qcs []QuestionChange
		for _, rq := range questions {
			mp, ok := byQuestion[rq.Key]
			if !ok {
				continue
			}
			expandedChanges := groupChanges(mp.expanded, func(i int) string { return rq.Expanded[i].Label })
			collapsedChanges := groupChanges(mp.collapsed, func(i int) string { return rq.Collapsed[i].Label })
			if len(expandedChanges) > 0 || len(collapsedChanges) > 0 {
				qcs = append(qcs, QuestionChange{
					QuestionKey:           rq.Key,
					ExpandedGroupChanges:  expandedChanges,
					CollapsedGroupChanges: collapsedChanges,
				})
			}
		}
		if len(qcs) > 0 {
			deltas = append(deltas, SplitDelta{SplitIndex: si, QuestionChanges: qcs})
		}
	}
	return deltas
}

// ExpandedCounts returns the current expanded-group counts for a split's
// response question, in configured order.
func (e *Engine) ExpandedCounts(splitIndex int, key lattice.QuestionKey) []int {
	qt := e.splits[splitIndex].byQuestion[key]
	out := make([]int, len(qt.Expanded))
	for i, g := range qt.Expanded {
		out[i] = g.TotalCount
	}
	return out
}

// CollapsedCounts returns the current collapsed-group counts for a split's
// response question, in configured order.
func (e *Engine) CollapsedCounts(splitIndex int, key lattice.QuestionKey) []int {
	qt := e.splits[splitIndex].byQuestion[key]
	out := make([]int, len(qt.Collapsed))
	for i, g := range qt.Collapsed {
		out[i] = g.TotalCount
	}
	return out
}

// ExpandedWeights returns the current expanded-group weights for a split's
// response question, in configured order.
func (e *Engine) ExpandedWeights(splitIndex int, key lattice.QuestionKey) []float64 {
	qt := e.splits[splitIndex].byQuestion[key]
	out := make([]float64, len(qt.Expanded))
	for i, g := range qt.Expanded {
		out[i] = g.TotalWeight
	}
	return out
}

// CollapsedWeights returns the current collapsed-group weights for a
// split's response question, in configured order.
func (e *Engine) CollapsedWeights(splitIndex int, key lattice.QuestionKey) []float64 {
	qt := e.splits[splitIndex].byQuestion[key]
	out := make([]float64, len(qt.Collapsed))
	for i, g := range qt.Collapsed {
		out[i] = g.TotalWeight
	}
	return out
}

// SplitTotal returns the sum of expanded counts for a split's response
// question — the denominator used by I1's proportion invariant.
func (e *Engine) SplitTotal(splitIndex int, key lattice.QuestionKey) int {
	total := 0
	for _, c := range e.ExpandedCounts(splitIndex, key) {
		total += c
	}
	return total
}

// RestoreCounts overwrites a split's tallies directly, bypassing Ingest.
// Used only to rebuild an Engine from a persisted snapshot after a session
// wakes from sleep; the lengths of expanded/collapsed must match the
// question's configured group counts. Weight is restored as equal to count
// (see GroupStat.TotalWeight).
func (e *Engine) RestoreCounts(splitIndex int, key lattice.QuestionKey, expanded, collapsed []int) {
	qt := e.splits[splitIndex].byQuestion[key]
	for i := range qt.Expanded {
		if i < len(expanded) {
			qt.Expanded[i].TotalCount = expanded[i]
			qt.Expanded[i].TotalWeight = float64(expanded[i])
		}
	}
	for i := range qt.Collapsed {
		if i < len(collapsed) {
			qt.Collapsed[i].TotalCount = collapsed[i]
			qt.Collapsed[i].TotalWeight = float64(collapsed[i])
		}
	}
}

// Proportions computes per-group proportions for a split's response
// question (I1): each group's count over the split total, or all zero
// when the total is zero.
func Proportions(counts []int) []float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]float64, len(counts))
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float64(c) / float64(total)
	}
	return out
}
