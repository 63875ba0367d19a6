package session

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/pollviz/pollviz/internal/engine"
	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/proto"
	"github.com/pollviz/pollviz/internal/store"
)

func testConfig() (*lattice.Lattice, lattice.VisualizationConfig) {
	gender := lattice.GroupingQuestion{
		Key: lattice.QuestionKey{VarName: "gender"},
		ResponseGroups: []lattice.ResponseGroup{
			{Label: "male", Values: []int{0}},
			{Label: "female", Values: []int{1}},
		},
	}
	rq := lattice.ResponseQuestion{
		Key: lattice.QuestionKey{VarName: "satisfaction"},
		Expanded: []lattice.ResponseGroup{
			{Label: "low", Values: []int{0}},
			{Label: "high", Values: []int{1}},
		},
		Collapsed: []lattice.ResponseGroup{
			{Label: "all", Values: []int{0, 1}},
		},
	}
	cfg := lattice.VisualizationConfig{
		ID:                     "viz1",
		ResponseQuestion:       rq,
		X:                      []lattice.GroupingQuestion{gender},
		MinGroupAvailableWidth: 20,
		MinGroupHeight:         50,
		GroupGapX:              4,
		ResponseGap:            2,
		BaseSegmentWidth:       10,
	}
	lat, err := lattice.Build(cfg.X, len(cfg.X))
	if err != nil {
		panic(err)
	}
	return lat, cfg
}

func testQuestionOrder() []lattice.QuestionKey {
	return []lattice.QuestionKey{{VarName: "gender"}, {VarName: "satisfaction"}}
}

func testSession(t *testing.T) *Session {
	t.Helper()
	lat, cfg := testConfig()
	rng := rand.New(rand.NewPCG(1, 2))
	s := New("sess1", nil, lat, cfg, testQuestionOrder(), Options{RNG: rng})
	return s
}

func answerBatch() []lattice.Respondent {
	zero, one := 0, 1
	return []lattice.Respondent{
		{SessionID: "sess1", ID: "r1", Answers: []lattice.Answer{
			{Question: lattice.QuestionKey{VarName: "gender"}, ResponseIndex: &zero},
			{Question: lattice.QuestionKey{VarName: "satisfaction"}, ResponseIndex: &one},
		}},
	}
}

func TestRunTickEmitsUpdateWithSequenceOne(t *testing.T) {
	s := testSession(t)
	sub, err := s.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.Events // consume the initial snapshot

	if _, err := s.Ingest(answerBatch()[0].Answers); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	s.runTick()

	select {
	case ev := <-sub.Events:
		if ev.Name != "visualization.updated" {
			t.Fatalf("expected an update event, got %q", ev.Name)
		}
	default:
		t.Fatal("expected an update event after a tick with movement")
	}

	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()
	if seq != 1 {
		t.Fatalf("expected sequence 1 after one tick, got %d", seq)
	}
}

func TestRunTickWithEmptyBufferEmitsNothing(t *testing.T) {
	s := testSession(t)
	sub, err := s.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-sub.Events

	s.runTick()
	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no event on an empty tick, got %+v", ev)
	default:
	}
}

func TestIngestIntoClosedSessionRejected(t *testing.T) {
	s := testSession(t)
	if err := s.SetOpen(false); err != nil {
		t.Fatalf("SetOpen: %v", err)
	}
	_, err := s.Ingest(answerBatch()[0].Answers)
	if err == nil {
		t.Fatal("expected ingest into a closed session to fail")
	}
	kindErr, ok := engine.As(err)
	if !ok || kindErr.Kind != engine.NotOpen {
		t.Fatalf("expected a NotOpen error, got %v", err)
	}
}

func TestIngestIntoDeletedSessionNotFound(t *testing.T) {
	s := testSession(t)
	s.Delete()
	_, err := s.Ingest(answerBatch()[0].Answers)
	if err == nil {
		t.Fatal("expected ingest into a deleted session to fail")
	}
	kindErr, ok := engine.As(err)
	if !ok || kindErr.Kind != engine.NotFound {
		t.Fatalf("expected a NotFound error, got %v", err)
	}
}

func TestSubscriberOverflowClosesChannel(t *testing.T) {
	lat, cfg := testConfig()
	rng := rand.New(rand.NewPCG(1, 2))
	s := New("sess1", nil, lat, cfg, testQuestionOrder(), Options{RNG: rng, SubscriberQueueSize: 1})

	sub, err := s.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// The snapshot already fills the queue (size 1); force another send to
	// overflow and close the subscriber instead of silently dropping it.
	s.sendToSubscriber(sub, Event{Name: "x"})

	s.subMu.Lock()
	_, stillRegistered := s.subs[sub]
	s.subMu.Unlock()
	if stillRegistered {
		t.Fatal("expected the overflowing subscriber to be removed")
	}

	<-sub.Events // the buffered snapshot sent at subscribe time
	_, open := <-sub.Events
	if open {
		t.Fatal("expected the subscriber's channel to have been closed after draining")
	}
}

func TestSleepPersistsAndWakeRestoresCounts(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lat, cfg := testConfig()
	sessCfg := lattice.SessionConfig{
		QuestionOrder: []lattice.QuestionKey{{VarName: "gender"}, {VarName: "satisfaction"}},
		Visualization: cfg,
	}
	if _, err := st.CreateSession("sess1", "zzzzzzzzzz", "d", sessCfg); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	s := New("sess1", st, lat, cfg, testQuestionOrder(), Options{RNG: rng, IdleTimeout: time.Millisecond})

	if _, err := s.Ingest(answerBatch()[0].Answers); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	s.runTick()

	basisSplit := lat.ProfileToSplitIndex["0"]
	before := s.statsEngine.ExpandedCounts(basisSplit, cfg.ResponseQuestion.Key)

	s.Sleep()

	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase != Asleep {
		t.Fatalf("expected phase Asleep, got %v", phase)
	}

	s.wake()
	after := s.statsEngine.ExpandedCounts(basisSplit, cfg.ResponseQuestion.Key)
	if after[0] != before[0] || after[1] != before[1] {
		t.Fatalf("expected counts to survive sleep/wake: before=%v after=%v", before, after)
	}
}

func TestResumeTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := IssueResumeToken(secret, "sess1", 5)
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}
	sessionID, lastSeq, err := ParseResumeToken(secret, tok)
	if err != nil {
		t.Fatalf("ParseResumeToken: %v", err)
	}
	if sessionID != "sess1" || lastSeq != 5 {
		t.Fatalf("expected sess1/5, got %s/%d", sessionID, lastSeq)
	}
}

func TestResumeTokenRejectsWrongSecret(t *testing.T) {
	tok, err := IssueResumeToken([]byte("secret-a"), "sess1", 0)
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}
	if _, _, err := ParseResumeToken([]byte("secret-b"), tok); err == nil {
		t.Fatal("expected a token signed with a different secret to fail validation")
	}
}

func TestIngestUnknownQuestionRejected(t *testing.T) {
	s := testSession(t)
	zero := 0
	_, err := s.Ingest([]lattice.Answer{
		{Question: lattice.QuestionKey{VarName: "not_configured"}, ResponseIndex: &zero},
	})
	if err == nil {
		t.Fatal("expected ingest of an unknown question to fail")
	}
	kindErr, ok := engine.As(err)
	if !ok || kindErr.Kind != engine.IngestRejected {
		t.Fatalf("expected an IngestRejected error, got %v", err)
	}
}

func TestSubscribeIssuesResumeTokenWhenSecretConfigured(t *testing.T) {
	lat, cfg := testConfig()
	rng := rand.New(rand.NewPCG(1, 2))
	s := New("sess1", nil, lat, cfg, testQuestionOrder(), Options{RNG: rng, ResumeSecret: []byte("shh")})

	sub, err := s.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ev := <-sub.Events

	var snap proto.SnapshotPayload
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.ResumeToken == "" {
		t.Fatal("expected a resume token when Options.ResumeSecret is set")
	}
	if _, _, err := ParseResumeToken([]byte("shh"), snap.ResumeToken); err != nil {
		t.Fatalf("expected the issued token to validate: %v", err)
	}
}

func TestSubscribeNoResumeTokenWithoutSecret(t *testing.T) {
	s := testSession(t)
	sub, err := s.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ev := <-sub.Events

	var snap proto.SnapshotPayload
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.ResumeToken != "" {
		t.Fatal("expected no resume token when Options.ResumeSecret is unset")
	}
}

func TestCollapsedSubscriberReceivesCollapsedSegments(t *testing.T) {
	s := testSession(t)
	sub, err := s.Subscribe(true)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ev := <-sub.Events

	var snap proto.SnapshotPayload
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	for _, split := range snap.Splits {
		if len(split.Segments) != 1 {
			t.Fatalf("expected one collapsed segment (\"all\") per split, got %d", len(split.Segments))
		}
		if split.Segments[0].Label != "all" {
			t.Fatalf("expected the collapsed segment label %q, got %q", "all", split.Segments[0].Label)
		}
	}
}

func TestSyntheticSampleSizeAllocatesTargetCount(t *testing.T) {
	lat, cfg := testConfig()
	size := 100
	cfg.SyntheticSampleSize = &size
	rng := rand.New(rand.NewPCG(1, 2))
	s := New("sess1", nil, lat, cfg, testQuestionOrder(), Options{RNG: rng})

	if _, err := s.Ingest(answerBatch()[0].Answers); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	s.runTick()

	basisSplit := lat.ProfileToSplitIndex["0"]
	cells, err := s.flatSplits(false)
	if err != nil {
		t.Fatalf("flatSplits: %v", err)
	}
	segWires, _ := s.materializeSegments(cells[basisSplit], false)
	total := 0
	for _, seg := range segWires {
		total += len(seg.Points)
	}
	if total != size {
		t.Fatalf("expected synthetic sample to allocate exactly %d points, got %d", size, total)
	}
}
