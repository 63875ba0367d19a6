package stats

import (
	"testing"

	"github.com/pollviz/pollviz/internal/lattice"
)

func testLattice(t *testing.T) (*lattice.Lattice, lattice.ResponseQuestion) {
	t.Helper()
	grouping := []lattice.GroupingQuestion{
		{
			Key: lattice.QuestionKey{VarName: "gender"},
			ResponseGroups: []lattice.ResponseGroup{
				{Label: "male", Values: []int{0}},
				{Label: "female", Values: []int{1}},
			},
		},
	}
	lat, err := lattice.Build(grouping, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rq := lattice.ResponseQuestion{
		Key: lattice.QuestionKey{VarName: "satisfaction"},
		Expanded: []lattice.ResponseGroup{
			{Label: "low", Values: []int{0, 1}},
			{Label: "high", Values: []int{2, 3}},
		},
		Collapsed: []lattice.ResponseGroup{
			{Label: "all", Values: []int{0, 1, 2, 3}},
		},
	}
	return lat, rq
}

func respondent(id string, gender, satisfaction *int) lattice.Respondent {
	return lattice.Respondent{
		SessionID: "s1",
		ID:        id,
		Answers: []lattice.Answer{
			{Question: lattice.QuestionKey{VarName: "gender"}, ResponseIndex: gender},
			{Question: lattice.QuestionKey{VarName: "satisfaction"}, ResponseIndex: satisfaction},
		},
	}
}

func intp(v int) *int { return &v }

func TestIngestCompleteResponseProducesDelta(t *testing.T) {
	lat, rq := testLattice(t)
	e := New(lat, []lattice.ResponseQuestion{rq})

	deltas := e.Ingest([]lattice.Respondent{
		respondent("r1", intp(0), intp(2)), // male, high
	})

	if len(deltas) == 0 {
		t.Fatal("expected at least one split delta")
	}

	// the fully-null split (gender = any) must have moved too, since it is
	// compatible with every respondent.
	found := false
	for _, d := range deltas {
		if lat.Splits[d.SplitIndex].Groups[0] == -1 {
			found = true
			for _, qc := range d.QuestionChanges {
				if qc.QuestionKey != rq.Key {
					continue
				}
				for _, gc := range qc.ExpandedGroupChanges {
					if gc.Label == "high" && gc.CountAfter != gc.CountBefore+1 {
						t.Errorf("expected high count to increase by 1, got before=%d after=%d", gc.CountBefore, gc.CountAfter)
					}
				}
			}
		}
	}
	if !found {
		t.Fatal("expected the null-gender split to appear in the deltas")
	}
}

func TestIngestOutOfRangeResponseProducesNoDelta(t *testing.T) {
	lat, rq := testLattice(t)
	e := New(lat, []lattice.ResponseQuestion{rq})

	deltas := e.Ingest([]lattice.Respondent{
		respondent("r1", intp(0), intp(99)), // out-of-range satisfaction
	})
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas for an out-of-range response, got %d", len(deltas))
	}
}

func TestIngestNullGroupingAnswerProducesNoDelta(t *testing.T) {
	lat, rq := testLattice(t)
	e := New(lat, []lattice.ResponseQuestion{rq})

	deltas := e.Ingest([]lattice.Respondent{
		respondent("r1", nil, intp(2)), // null gender
	})
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas for a null grouping answer, got %d", len(deltas))
	}
}

func TestProportionsSumToOne(t *testing.T) {
	lat, rq := testLattice(t)
	e := New(lat, []lattice.ResponseQuestion{rq})
	e.Ingest([]lattice.Respondent{
		respondent("r1", intp(0), intp(0)),
		respondent("r2", intp(0), intp(2)),
		respondent("r3", intp(1), intp(3)),
	})

	for i := range lat.Splits {
		counts := e.ExpandedCounts(i, rq.Key)
		props := Proportions(counts)
		sum := 0.0
		for _, p := range props {
			sum += p
		}
		total := e.SplitTotal(i, rq.Key)
		if total == 0 {
			if sum != 0 {
				t.Errorf("split %d: expected zero proportions for zero total, got sum %f", i, sum)
			}
			continue
		}
		if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("split %d: proportions sum to %f, want 1", i, sum)
		}
	}
}

func TestReapplyingSameBatchDoublesEffect(t *testing.T) {
	lat, rq := testLattice(t)
	e := New(lat, []lattice.ResponseQuestion{rq})

	batch := []lattice.Respondent{respondent("r1", intp(0), intp(0))}
	e.Ingest(batch)
	e.Ingest(batch)

	idx, ok := lat.ProfileToSplitIndex["0"]
	if !ok {
		t.Fatal("expected profile \"0\" to resolve")
	}
	counts := e.ExpandedCounts(idx, rq.Key)
	if counts[0] != 2 {
		t.Fatalf("expected count 2 after ingesting the same batch twice, got %d", counts[0])
	}
}
