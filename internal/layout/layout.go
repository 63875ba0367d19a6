// Package layout implements the layout engine (spec component C3): a fixed
// visualization canvas computed from the maximum view, per-view
// segment-group grid geometry, and proportional intra-group segment
// widths.
package layout

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/stats"
)

// Canvas is the fixed visualization size, computed once from the maximum
// view (all grouping questions active, expanded response groups) and
// invariant for the life of a session.
type Canvas struct {
	Width  float64
	Height float64
}

// SegmentGeometry is one response-group segment inside a segment group,
// carrying both its rendered bounds and the statistics (I1) behind them.
type SegmentGeometry struct {
	Label       string
	X           float64
	Y           float64
	Width       float64
	Height      float64
	TotalCount  int
	TotalWeight float64
	Proportion  float64
}

// CellGeometry is one segment group's bounds within a view's grid, plus
// the proportional segments it carries.
type CellGeometry struct {
	SplitIndex int
	Col        int
	Row        int
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Segments   []SegmentGeometry
}

// ViewLayout is the full grid geometry for one view.
type ViewLayout struct {
	ViewID string
	Vx     int
	Vy     int
	Cells  []CellGeometry
}

// Engine computes canvas and per-view geometry for one visualization.
type Engine struct {
	Lattice *lattice.Lattice
	Config  lattice.VisualizationConfig
	Canvas  Canvas
}

func axisGroupCount(qs []lattice.GroupingQuestion) int {
	if len(qs) == 0 {
		return 1
	}
	product := 1
	for _, q := range qs {
		product *= len(q.ResponseGroups)
	}
	return product
}

// computeCanvas implements §4.3's vizWidth/vizHeight formulas from the
// maximum view.
func computeCanvas(v lattice.VisualizationConfig) Canvas {
	gx := axisGroupCount(v.X)
	gy := axisGroupCount(v.Y)
	r := len(v.ResponseQuestion.Expanded)

	width := float64(gx-1)*v.GroupGapX +
		float64(gx)*(float64(r-1)*v.ResponseGap+float64(r)*v.BaseSegmentWidth+v.MinGroupAvailableWidth)
	height := float64(gy-1)*v.GroupGapY + float64(gy)*v.MinGroupHeight

	return Canvas{Width: width, Height: height}
}

// NewEngine builds an Engine with its canvas fixed per I6.
func NewEngine(lat *lattice.Lattice, cfg lattice.VisualizationConfig) *Engine {
	return &Engine{
		Lattice: lat,
		Config:  cfg,
		Canvas:  computeCanvas(cfg),
	}
}

// activePositions returns, for a representative split of a view, the
// sorted active positions split by axis.
func (e *Engine) activePositions(s lattice.Split) (xActive, yActive []int) {
	for pos, g := range s.Groups {
		if g == -1 {
			continue
		}
		if pos < e.Lattice.XCount {
			xActive = append(xActive, pos)
		} else {
			yActive = append(yActive, pos)
		}
	}
	return
}

func (e *Engine) gridDims(xActive, yActive []int) (vx, vy int) {
	vx, vy = 1, 1
	for _, p := range xActive {
		vx *= len(e.Lattice.Grouping[p].ResponseGroups)
	}
	for _, p := range yActive {
		vy *= len(e.Lattice.Grouping[p].ResponseGroups)
	}
	return
}

// cellIndex computes the mixed-radix column/row for a split, varying
// earlier (outer) positions slowest, per §4.1's enumeration order.
func (e *Engine) cellIndex(s lattice.Split, positions []int) int {
	idx := 0
	for _, p := range positions {
		idx = idx*len(e.Lattice.Grouping[p].ResponseGroups) + s.Groups[p]
	}
	return idx
}

// ComputeView computes one view's grid and segment geometry. st supplies
// the per-split response-group counts; useCollapsed selects whether
// segments reflect the collapsed or expanded response-group view.
func (e *Engine) ComputeView(viewID string, st *stats.Engine, responseKey lattice.QuestionKey, useCollapsed bool) (ViewLayout, error) {
	splitIdxs, ok := e.Lattice.ViewMap[viewID]
	if !ok {
		return ViewLayout{}, fmt.Errorf("layout: unknown view %q", viewID)
	}
	if len(splitIdxs) == 0 {
		return ViewLayout{ViewID: viewID}, nil
	}

	xActive, yActive := e.activePositions(e.Lattice.Splits[splitIdxs[0]])
	vx, vy := e.gridDims(xActive, yActive)

	segW := (e.Canvas.Width - float64(vx-1)*e.Config.GroupGapX) / float64(vx)
	segH := (e.Canvas.Height - float64(vy-1)*e.Config.GroupGapY) / float64(vy)

	cells := make([]CellGeometry, 0, len(splitIdxs))
	for _, si := range splitIdxs {
		s := e.Lattice.Splits[si]
		col := e.cellIndex(s, xActive)
		row := e.cellIndex(s, yActive)

		cell := CellGeometry{
			SplitIndex: si,
			Col:        col,
			Row:        row,
			X:          float64(col) * (segW + e.Config.GroupGapX),
			Y:          float64(row) * (segH + e.Config.GroupGapY),
			Width:      segW,
			Height:     segH,
		}
		cell.Segments = e.computeSegments(cell, si, st, responseKey, useCollapsed)
		cells = append(cells, cell)
	}

	return ViewLayout{ViewID: viewID, Vx: vx, Vy: vy, Cells: cells}, nil
}

func (e *Engine) computeSegments(cell CellGeometry, splitIdx int, st *stats.Engine, responseKey lattice.QuestionKey, useCollapsed bool) []SegmentGeometry {
	var labels []string
	var counts []int
	var weights []float64
	if useCollapsed {
		for _, g := range e.Config.ResponseQuestion.Collapsed {
			labels = append(labels, g.Label)
		}
		counts = st.CollapsedCounts(splitIdx, responseKey)
		weights = st.CollapsedWeights(splitIdx, responseKey)
	} else {
		for _, g := range e.Config.ResponseQuestion.Expanded {
			labels = append(labels, g.Label)
		}
		counts = st.ExpandedCounts(splitIdx, responseKey)
		weights = st.ExpandedWeights(splitIdx, responseKey)
	}
	n := len(labels)
	if n == 0 {
		return nil
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	props := stats.Proportions(counts)

	segs := make([]SegmentGeometry, n)
	if total == 0 {
		// No supporting basis-split data: every segment gets
		// baseSegmentWidth, packed contiguously; no points are placed.
		x := cell.X
		for i := 0; i < n; i++ {
			segs[i] = SegmentGeometry{Label: labels[i], X: x, Y: cell.Y, Width: e.Config.BaseSegmentWidth, Height: cell.Height}
			x += e.Config.BaseSegmentWidth
		}
		return segs
	}

	available := cell.Width - float64(n-1)*e.Config.ResponseGap - float64(n)*e.Config.BaseSegmentWidth

	x := cell.X
	for i := 0; i < n; i++ {
		w := e.Config.BaseSegmentWidth + available*props[i]
		segs[i] = SegmentGeometry{
			Label: labels[i], X: x, Y: cell.Y, Width: w, Height: cell.Height,
			TotalCount: counts[i], TotalWeight: weights[i], Proportion: props[i],
		}
		x += w + e.Config.ResponseGap
	}
	return segs
}

// ComputeAll computes every view's geometry concurrently, bounded to
// avoid unbounded goroutine fan-out on large lattices.
func (e *Engine) ComputeAll(st *stats.Engine, responseKey lattice.QuestionKey, useCollapsed bool) (map[string]ViewLayout, error) {
	viewIDs := make([]string, 0, len(e.Lattice.ViewMap))
	for vid := range e.Lattice.ViewMap {
		viewIDs = append(viewIDs, vid)
	}

	var mu sync.Mutex
	out := make(map[string]ViewLayout, len(viewIDs))

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, vid := range viewIDs {
		vid := vid
		g.Go(func() error {
			vl, err := e.ComputeView(vid, st, responseKey, useCollapsed)
			if err != nil {
				return err
			}
			mu.Lock()
			out[vid] = vl
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
