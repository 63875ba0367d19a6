// Package points implements the point engine (spec component C4): it
// generates per-split point sets (real respondent-backed or synthetic
// proportional samples), assigns them to segments, and positions them
// with Poisson-disk sampling under insert/remove churn.
package points

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Bounds is a segment's rectangle, in the same coordinate space as the
// layout engine's geometry.
type Bounds struct {
	X, Y, Width, Height float64
}

// PointID is a point's stable identity: the split and expanded response
// group it belongs to, plus a locally monotonic sequence number. IDs are
// never reused, even across removals, so identity survives churn.
type PointID struct {
	SplitIndex         int
	ExpandedGroupIndex int
	LocalID            int
}

// Point is one positioned glyph.
type Point struct {
	ID   PointID
	X, Y float64
}

// SegmentDiff is the change set for one (split, expanded group) segment
// produced by a single Update call.
type SegmentDiff struct {
	SplitIndex         int
	ExpandedGroupIndex int
	Added              []Point
	Removed            []PointID
	Moved              []Point
	Points             []Point // full current membership, for snapshot use
}

type segmentKey struct {
	split int
	group int
}

type segmentState struct {
	points    []Point // ascending by LocalID
	nextLocal int
	lastWidth float64
	hasWidth  bool
}

// Engine owns the point membership and positions for every (split,
// expanded group) segment across a session's lifetime.
type Engine struct {
	rng      *rand.Rand
	segments map[segmentKey]*segmentState
}

// NewEngine builds a point engine using the supplied PRNG. Callers that
// need deterministic output (tests) must pass a seeded *rand.Rand.
func NewEngine(rng *rand.Rand) *Engine {
	return &Engine{rng: rng, segments: make(map[segmentKey]*segmentState)}
}

func (e *Engine) state(split, group int) *segmentState {
	k := segmentKey{split, group}
	st, ok := e.segments[k]
	if !ok {
		st = &segmentState{}
		e.segments[k] = st
	}
	return st
}

// widthChangeExceedsThreshold reports whether bounds.Width moved by more
// than 10% relative to the segment's last known width.
func widthChangeExceedsThreshold(last, current float64) bool {
	if last <= 0 {
		return true
	}
	delta := math.Abs(current-last) / last
	return delta > 0.10
}

// UpdateSegment reconciles one segment's point membership against
// targetCount and its geometry against bounds, applying the incremental
// or full-resample rule of §4.4.
func (e *Engine) UpdateSegment(splitIndex, groupIndex int, bounds Bounds, targetCount int) SegmentDiff {
	st := e.state(splitIndex, groupIndex)
	diff := SegmentDiff{SplitIndex: splitIndex, ExpandedGroupIndex: groupIndex}

	widthChanged := widthChangeExceedsThreshold(st.lastWidth, bounds.Width) || !st.hasWidth

	if widthChanged && len(st.points) > 0 {
		ids := make([]PointID, len(st.points))
		for i, p := range st.points {
			ids[i] = p.ID
		}
		positions := samplePoisson(bounds, nil, len(ids), e.rng)
		st.points = make([]Point, len(ids))
		for i, id := range ids {
			st.points[i] = Point{ID: id, X: positions[i].X, Y: positions[i].Y}
		}
		diff.Moved = append(diff.Moved, st.points...)
	}

	current := len(st.points)
	switch {
	case targetCount > current:
		need := targetCount - current
		existingXY := make([]xy, len(st.points))
		for i, p := range st.points {
			existingXY[i] = xy{X: p.X, Y: p.Y}
		}
		newPositions := samplePoisson(bounds, existingXY, need, e.rng)
		added := make([]Point, need)
		for i, pos := range newPositions {
			id := PointID{SplitIndex: splitIndex, ExpandedGroupIndex: groupIndex, LocalID: st.nextLocal}
			st.nextLocal++
			p := Point{ID: id, X: pos.X, Y: pos.Y}
			added[i] = p
			st.points = append(st.points, p)
		}
		diff.Added = added

	case targetCount < current:
		remove := current - targetCount
		removed := st.points[current-remove:]
		diff.Removed = make([]PointID, len(removed))
		for i, p := range removed {
			diff.Removed[i] = p.ID
		}
		st.points = st.points[:current-remove]
	}

	st.lastWidth = bounds.Width
	st.hasWidth = true
	diff.Points = append([]Point(nil), st.points...)
	return diff
}

// CurrentPoints returns the current membership of one segment, for
// snapshot emission.
func (e *Engine) CurrentPoints(splitIndex, groupIndex int) []Point {
	st, ok := e.segments[segmentKey{splitIndex, groupIndex}]
	if !ok {
		return nil
	}
	return append([]Point(nil), st.points...)
}

// SegmentState is the minimal durable state needed to restore a
// segment's point identities (not positions, which are recomputed fresh)
// across a sleep/wake cycle.
type SegmentState struct {
	SplitIndex  int   `json:"splitIndex"`
	GroupIndex  int   `json:"groupIndex"`
	LocalIDs    []int `json:"localIds"`
	NextLocalID int   `json:"nextLocalId"`
}

// ExportState captures every segment's membership for persistence.
func (e *Engine) ExportState() []SegmentState {
	out := make([]SegmentState, 0, len(e.segments))
	for k, st := range e.segments {
		ids := make([]int, len(st.points))
		for i, p := range st.points {
			ids[i] = p.ID.LocalID
		}
		out = append(out, SegmentState{SplitIndex: k.split, GroupIndex: k.group, LocalIDs: ids, NextLocalID: st.nextLocal})
	}
	return out
}

// ImportState restores membership from a prior ExportState call. Restored
// points carry zero coordinates until the segment's next UpdateSegment
// call, which always fully resamples them into real positions.
func (e *Engine) ImportState(states []SegmentState) {
	for _, s := range states {
		st := e.state(s.SplitIndex, s.GroupIndex)
		st.points = make([]Point, len(s.LocalIDs))
		for i, id := range s.LocalIDs {
			st.points[i] = Point{ID: PointID{SplitIndex: s.SplitIndex, ExpandedGroupIndex: s.GroupIndex, LocalID: id}}
		}
		st.nextLocal = s.NextLocalID
		st.hasWidth = false // forces a full resample into real positions on first touch after restore
	}
}

// LargestRemainderAllocate distributes `total` integer units across
// proportions using the largest-remainder method: floor each share, then
// hand out the remainder one at a time to the largest fractional parts
// (ties broken by larger proportion, then smaller index).
func LargestRemainderAllocate(proportions []float64, total int) []int {
	n := len(proportions)
	alloc := make([]int, n)
	if n == 0 || total <= 0 {
		return alloc
	}

	remainders := make([]float64, n)
	sum := 0
	for i, p := range proportions {
		exact := p * float64(total)
		floor := math.Floor(exact)
		alloc[i] = int(floor)
		remainders[i] = exact - floor
		sum += alloc[i]
	}

	remaining := total - sum
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if remainders[ia] != remainders[ib] {
			return remainders[ia] > remainders[ib]
		}
		if proportions[ia] != proportions[ib] {
			return proportions[ia] > proportions[ib]
		}
		return ia < ib
	})

	for i := 0; i < remaining && i < n; i++ {
		alloc[order[i]]++
	}
	return alloc
}
