package layout

import (
	"testing"

	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/stats"
)

func testSetup(t *testing.T) (*lattice.Lattice, lattice.VisualizationConfig) {
	t.Helper()
	gender := lattice.GroupingQuestion{
		Key: lattice.QuestionKey{VarName: "gender"},
		ResponseGroups: []lattice.ResponseGroup{
			{Label: "male", Values: []int{0}},
			{Label: "female", Values: []int{1}},
		},
	}
	age := lattice.GroupingQuestion{
		Key: lattice.QuestionKey{VarName: "age"},
		ResponseGroups: []lattice.ResponseGroup{
			{Label: "young", Values: []int{0, 1}},
			{Label: "old", Values: []int{2, 3}},
			{Label: "ancient", Values: []int{4}},
		},
	}
	rq := lattice.ResponseQuestion{
		Key: lattice.QuestionKey{VarName: "satisfaction"},
		Expanded: []lattice.ResponseGroup{
			{Label: "low", Values: []int{0}},
			{Label: "mid", Values: []int{1}},
			{Label: "high", Values: []int{2}},
		},
		Collapsed: []lattice.ResponseGroup{
			{Label: "all", Values: []int{0, 1, 2}},
		},
	}
	cfg := lattice.VisualizationConfig{
		ResponseQuestion:       rq,
		X:                      []lattice.GroupingQuestion{gender},
		Y:                      []lattice.GroupingQuestion{age},
		MinGroupAvailableWidth: 20,
		MinGroupHeight:         50,
		GroupGapX:              4,
		GroupGapY:              4,
		ResponseGap:            2,
		BaseSegmentWidth:       10,
	}
	lat, err := lattice.Build(append(append([]lattice.GroupingQuestion{}, cfg.X...), cfg.Y...), len(cfg.X))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return lat, cfg
}

func TestComputeCanvasFromMaxView(t *testing.T) {
	_, cfg := testSetup(t)
	canvas := computeCanvas(cfg)

	// Gx=2 (gender groups), R=3 (low/mid/high)
	wantWidth := float64(2-1)*cfg.GroupGapX + float64(2)*(float64(3-1)*cfg.ResponseGap+float64(3)*cfg.BaseSegmentWidth+cfg.MinGroupAvailableWidth)
	if canvas.Width != wantWidth {
		t.Errorf("vizWidth = %f, want %f", canvas.Width, wantWidth)
	}
	// Gy=3 (age groups)
	wantHeight := float64(3-1)*cfg.GroupGapY + float64(3)*cfg.MinGroupHeight
	if canvas.Height != wantHeight {
		t.Errorf("vizHeight = %f, want %f", canvas.Height, wantHeight)
	}
}

func TestCanvasInvariantAcrossEngineConstruction(t *testing.T) {
	lat, cfg := testSetup(t)
	e1 := NewEngine(lat, cfg)
	e2 := NewEngine(lat, cfg)
	if e1.Canvas != e2.Canvas {
		t.Fatalf("canvas should be deterministic: %+v vs %+v", e1.Canvas, e2.Canvas)
	}
}

func TestComputeViewBaseViewIsSingleCell(t *testing.T) {
	lat, cfg := testSetup(t)
	e := NewEngine(lat, cfg)
	st := stats.New(lat, []lattice.ResponseQuestion{cfg.ResponseQuestion})

	vl, err := e.ComputeView("", st, cfg.ResponseQuestion.Key, false)
	if err != nil {
		t.Fatalf("ComputeView: %v", err)
	}
	if len(vl.Cells) != 1 {
		t.Fatalf("expected 1 cell in the base view, got %d", len(vl.Cells))
	}
	cell := vl.Cells[0]
	if cell.Width != e.Canvas.Width || cell.Height != e.Canvas.Height {
		t.Fatalf("base view cell should span the whole canvas, got %+v", cell)
	}
	for _, seg := range cell.Segments {
		if seg.Width != cfg.BaseSegmentWidth {
			t.Errorf("expected baseSegmentWidth for a zero-count cell, got %f", seg.Width)
		}
	}
}

func TestComputeViewFullGridHasExpectedCellCount(t *testing.T) {
	lat, cfg := testSetup(t)
	e := NewEngine(lat, cfg)
	st := stats.New(lat, []lattice.ResponseQuestion{cfg.ResponseQuestion})

	vl, err := e.ComputeView("0,1", st, cfg.ResponseQuestion.Key, false)
	if err != nil {
		t.Fatalf("ComputeView: %v", err)
	}
	if len(vl.Cells) != 6 { // 2 genders * 3 ages
		t.Fatalf("expected 6 cells, got %d", len(vl.Cells))
	}
	if vl.Vx != 2 || vl.Vy != 3 {
		t.Fatalf("expected Vx=2 Vy=3, got Vx=%d Vy=%d", vl.Vx, vl.Vy)
	}
}

func TestComputeAllCoversEveryView(t *testing.T) {
	lat, cfg := testSetup(t)
	e := NewEngine(lat, cfg)
	st := stats.New(lat, []lattice.ResponseQuestion{cfg.ResponseQuestion})

	all, err := e.ComputeAll(st, cfg.ResponseQuestion.Key, false)
	if err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	if len(all) != len(lat.ViewMap) {
		t.Fatalf("expected %d views, got %d", len(lat.ViewMap), len(all))
	}
}

func TestProportionalSegmentWidthsSumWithinCell(t *testing.T) {
	lat, cfg := testSetup(t)
	e := NewEngine(lat, cfg)
	st := stats.New(lat, []lattice.ResponseQuestion{cfg.ResponseQuestion})

	zero := 0
	one := 1
	two := 2
	st.Ingest([]lattice.Respondent{
		{SessionID: "s", ID: "r1", Answers: []lattice.Answer{
			{Question: lattice.QuestionKey{VarName: "gender"}, ResponseIndex: &zero},
			{Question: lattice.QuestionKey{VarName: "age"}, ResponseIndex: &zero},
			{Question: lattice.QuestionKey{VarName: "satisfaction"}, ResponseIndex: &two},
		}},
		{SessionID: "s", ID: "r2", Answers: []lattice.Answer{
			{Question: lattice.QuestionKey{VarName: "gender"}, ResponseIndex: &zero},
			{Question: lattice.QuestionKey{VarName: "age"}, ResponseIndex: &zero},
			{Question: lattice.QuestionKey{VarName: "satisfaction"}, ResponseIndex: &one},
		}},
	})

	vl, err := e.ComputeView("0,1", st, cfg.ResponseQuestion.Key, false)
	if err != nil {
		t.Fatalf("ComputeView: %v", err)
	}
	var target CellGeometry
	for _, c := range vl.Cells {
		if c.Col == 0 && c.Row == 0 {
			target = c
		}
	}
	if len(target.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(target.Segments))
	}
	lastEnd := target.Segments[len(target.Segments)-1]
	rightEdge := lastEnd.X + lastEnd.Width
	if rightEdge > target.X+target.Width+1e-6 {
		t.Errorf("segments overflow cell bounds: rightEdge=%f cellRight=%f", rightEdge, target.X+target.Width)
	}

	low, mid, high := target.Segments[0], target.Segments[1], target.Segments[2]
	if low.TotalCount != 0 || mid.TotalCount != 1 || high.TotalCount != 1 {
		t.Fatalf("expected counts [0,1,1], got [%d,%d,%d]", low.TotalCount, mid.TotalCount, high.TotalCount)
	}
	if mid.TotalWeight != 1 || high.TotalWeight != 1 {
		t.Fatalf("expected weight 1 per respondent, got mid=%f high=%f", mid.TotalWeight, high.TotalWeight)
	}
	if mid.Proportion != 0.5 || high.Proportion != 0.5 {
		t.Fatalf("expected proportion 0.5 each for the two respondents, got mid=%f high=%f", mid.Proportion, high.Proportion)
	}
}
