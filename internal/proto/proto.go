// Package proto defines the wire types emitted over the public
// server-sent event stream: one snapshot per subscription, then one diff
// per tick.
package proto

import "github.com/pollviz/pollviz/internal/points"

// SSE event names, as named in the external interface contract.
const (
	EventSnapshot    = "visualization.snapshot"
	EventUpdated     = "visualization.updated"
	EventRelayRestart = "visualization.relay_restart"
)

// Envelope wraps every event payload with a type field, in the teacher's
// routing-header shape.
type Envelope struct {
	Type string `json:"type"`
}

// PointPosition is one glyph's wire position.
type PointPosition struct {
	SplitIndex         int     `json:"splitIndex"`
	ExpandedGroupIndex int     `json:"expandedGroupIndex"`
	LocalID            int     `json:"localId"`
	X                  float64 `json:"x"`
	Y                  float64 `json:"y"`
}

func pointToWire(p points.Point) PointPosition {
	return PointPosition{
		SplitIndex:         p.ID.SplitIndex,
		ExpandedGroupIndex: p.ID.ExpandedGroupIndex,
		LocalID:            p.ID.LocalID,
		X:                  p.X,
		Y:                  p.Y,
	}
}

// PointsToWire converts a slice of internal points to their wire form.
func PointsToWire(pts []points.Point) []PointPosition {
	out := make([]PointPosition, len(pts))
	for i, p := range pts {
		out[i] = pointToWire(p)
	}
	return out
}

// SegmentWire is one rendered segment (one response group) inside a
// segment group.
type SegmentWire struct {
	Label       string          `json:"label"`
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	Width       float64         `json:"width"`
	Height      float64         `json:"height"`
	TotalCount  int             `json:"totalCount"`
	TotalWeight float64         `json:"totalWeight"`
	Proportion  float64         `json:"proportion"`
	Points      []PointPosition `json:"points"`
}

// SplitWire is the full rendered state of one split: its segment-group
// bounds, its segments, and the current statistics behind them.
type SplitWire struct {
	SplitIndex int           `json:"splitIndex"`
	Col        int           `json:"col"`
	Row        int           `json:"row"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	Width      float64       `json:"width"`
	Height     float64       `json:"height"`
	Segments   []SegmentWire `json:"segments"`
	TotalCount int           `json:"totalCount"`
}

// SnapshotPayload is sent once on subscription: canvas dimensions, layout
// identity, and the full current state.
type SnapshotPayload struct {
	Type              string      `json:"type"`
	VisualizationID   string      `json:"visualizationId"`
	Sequence          int64       `json:"sequence"`
	CanvasWidth       float64     `json:"canvasWidth"`
	CanvasHeight      float64     `json:"canvasHeight"`
	ViewID            string      `json:"viewId"`
	BasisSplitIndices []int       `json:"basisSplitIndices"`
	Splits            []SplitWire `json:"splits"`
	ResumeToken       string      `json:"resumeToken,omitempty"`
}

// BoundsChange carries one split's segment-group bounds. A diff includes it
// when any of that split's points were repositioned by a full resample
// during the tick.
type BoundsChange struct {
	SplitIndex int     `json:"splitIndex"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// PointChanges is the per-split point churn carried by a diff.
type PointChanges struct {
	Added   []PointPosition `json:"added"`
	Removed []PointPosition `json:"removed"` // id fields populated, x/y zero
	Moved   []PointPosition `json:"moved"`
}

// StatDelta mirrors stats.GroupChange on the wire.
type StatDelta struct {
	Label       string `json:"label"`
	CountBefore int    `json:"countBefore"`
	CountAfter  int    `json:"countAfter"`
}

// SplitDiff is one split's change set within an UpdatedPayload. Present
// for every split of the lattice, in the same order as
// UpdatedPayload.Splits, even when nothing changed (zero-valued but structurally present, per the emission
// protocol).
type SplitDiff struct {
	SplitIndex   int            `json:"splitIndex"`
	BoundsChange *BoundsChange  `json:"boundsChange,omitempty"`
	Points       PointChanges   `json:"points"`
	StatDeltas   []StatDelta    `json:"statDeltas"`
}

// UpdatedPayload is emitted once per tick that moved the visualization.
type UpdatedPayload struct {
	Type              string      `json:"type"`
	VisualizationID   string      `json:"visualizationId"`
	Timestamp         int64       `json:"timestamp"`
	FromSequence      int64       `json:"fromSequence"`
	ToSequence        int64       `json:"toSequence"`
	BasisSplitIndices []int       `json:"basisSplitIndices"`
	Splits            []SplitWire `json:"splits"`
	SplitDiffs        []SplitDiff `json:"splitDiffs"`
}

// RelayRestartPayload is the ambient shutdown-broadcast event.
type RelayRestartPayload struct {
	Type string `json:"type"`
}
