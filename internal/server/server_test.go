package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/proto"
	"github.com/pollviz/pollviz/internal/session"
	"github.com/pollviz/pollviz/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st := testStore(t)
	mgr := NewManager(st, session.Options{TickInterval: 10 * time.Millisecond})
	t.Cleanup(func() { mgr.Shutdown(session.Event{Name: proto.EventRelayRestart}) })
	srv := NewServer(mgr, Config{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func sampleSessionConfig() lattice.SessionConfig {
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
	return lattice.SessionConfig{
		QuestionOrder: []lattice.QuestionKey{{VarName: "gender"}, {VarName: "satisfaction"}},
		Visualization: lattice.VisualizationConfig{
			ResponseQuestion:       rq,
			X:                      []lattice.GroupingQuestion{gender},
			MinGroupAvailableWidth: 20,
			MinGroupHeight:         50,
			GroupGapX:              4,
			ResponseGap:            2,
			BaseSegmentWidth:       10,
		},
	}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestCreateSessionHappyPath(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts, "/sessions", map[string]any{
		"description":   "launch poll",
		"sessionConfig": sampleSessionConfig(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var view sessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(view.Slug) != 10 {
		t.Fatalf("expected a 10-character slug, got %q", view.Slug)
	}
	if !view.IsOpen {
		t.Fatal("expected a freshly created session to be open")
	}
}

func TestCreateSessionRejectsUngroupedQuestion(t *testing.T) {
	_, ts := testServer(t)

	cfg := sampleSessionConfig()
	cfg.QuestionOrder = []lattice.QuestionKey{{VarName: "satisfaction"}} // gender dropped

	resp := postJSON(t, ts, "/sessions", map[string]any{
		"description":   "bad config",
		"sessionConfig": cfg,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if want := "referenced in visualizations but not in questionOrder"; !strings.Contains(body["error"], want) {
		t.Fatalf("expected error to mention %q, got %q", want, body["error"])
	}
}

func TestSubmitResponseOnClosedSessionRejected(t *testing.T) {
	_, ts := testServer(t)

	createResp := postJSON(t, ts, "/sessions", map[string]any{
		"description":   "closed poll",
		"sessionConfig": sampleSessionConfig(),
	})
	var created sessionView
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	statusResp := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/sessions/"+created.ID+"/status", bytes.NewReader([]byte(`{"isOpen": false}`)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT status: %v", err)
		}
		return resp
	}()
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 closing session, got %d", statusResp.StatusCode)
	}

	zero := 0
	resp := postJSON(t, ts, "/sessions/"+created.Slug+"/responses", map[string]any{
		"sessionId": created.ID,
		"answers": []map[string]any{
			{"varName": "gender", "responseIndex": zero},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if want := "is not open"; !strings.Contains(body["error"], want) {
		t.Fatalf("expected error to mention %q, got %q", want, body["error"])
	}
}

func TestSubmitResponseUnknownSessionNotFound(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts, "/responses", map[string]any{
		"sessionId": "does-not-exist",
		"answers":   []map[string]any{},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamSnapshotCarriesResumeTokenAndCollapsedView(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, session.Options{TickInterval: 10 * time.Millisecond, ResumeSecret: []byte("shh")})
	t.Cleanup(func() { mgr.Shutdown(session.Event{Name: proto.EventRelayRestart}) })
	srv := NewServer(mgr, Config{ResumeSecret: []byte("shh")})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	createResp := postJSON(t, ts, "/sessions", map[string]any{
		"description":   "stream test",
		"sessionConfig": sampleSessionConfig(),
	})
	var created sessionView
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	resp, err := http.Get(ts.URL + "/visualizations/session/" + created.ID + "/stream?view=collapsed")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	var dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	var snap proto.SnapshotPayload
	if err := json.Unmarshal([]byte(dataLine), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ResumeToken == "" {
		t.Fatal("expected a resume token on the streamed snapshot")
	}
	for _, split := range snap.Splits {
		if len(split.Segments) != 1 {
			t.Fatalf("expected the collapsed view's single \"all\" segment, got %d segments", len(split.Segments))
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
