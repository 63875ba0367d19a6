// Package server exposes the admin, public, and streaming HTTP surfaces
// (spec external interfaces) over a Manager of live sessions.
package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/pollviz/pollviz/internal/engine"
	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/session"
	"github.com/pollviz/pollviz/internal/store"
)

// Config bundles the runtime knobs a Server needs beyond its Manager.
type Config struct {
	ResumeSecret []byte
	RateLimit    *PerIPLimiter
}

// Server wires the external HTTP interface onto a Manager.
type Server struct {
	Manager *Manager
	cfg     Config
	mux     *http.ServeMux
}

// NewServer builds a Server and registers every route.
func NewServer(mgr *Manager, cfg Config) *Server {
	s := &Server{Manager: mgr, cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /sessions/{id}/status", s.handleSetSessionStatus)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	s.mux.HandleFunc("GET /sessions/{id}/questions", s.handleListQuestions)
	s.mux.HandleFunc("POST /sessions/{slug}/responses", s.handleSubmitResponseBySlug)
	s.mux.HandleFunc("POST /responses", s.handleSubmitResponse)
	s.mux.HandleFunc("GET /visualizations/session/{sessionId}/stream", s.handleStream)

	return s
}

// ServeHTTP lets a Server act as a plain http.Handler, with the per-IP
// rate limiter applied ahead of routing (as the teacher wraps its own
// mux with RateLimit.Middleware in cmd/wtd).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RateLimit != nil {
		s.cfg.RateLimit.Middleware(s.mux).ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeEngineError maps a Kind-tagged error onto the status codes fixed by
// the error-handling taxonomy; any other error is a 500. The message
// includes the wrapped cause, if any.
func writeEngineError(w http.ResponseWriter, err error) {
	if kindErr, ok := engine.As(err); ok {
		msg := kindErr.Msg
		if kindErr.Err != nil {
			msg += ": " + kindErr.Err.Error()
		}
		switch kindErr.Kind {
		case engine.ConfigInvalid, engine.IngestRejected:
			writeError(w, http.StatusBadRequest, msg)
			return
		case engine.NotFound:
			writeError(w, http.StatusNotFound, msg)
			return
		case engine.NotOpen:
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// sessionView is the admin/public JSON projection of a persisted session.
type sessionView struct {
	ID            string                   `json:"id"`
	Slug          string                   `json:"slug"`
	Description   string                   `json:"description"`
	SessionConfig lattice.SessionConfig    `json:"sessionConfig"`
	IsOpen        bool                     `json:"isOpen"`
	CreatedAt     time.Time                `json:"createdAt"`
}

func toSessionView(row *store.SessionRow) sessionView {
	return sessionView{
		ID: row.ID, Slug: row.Slug, Description: row.Description,
		SessionConfig: row.SessionConfig, IsOpen: row.IsOpen, CreatedAt: row.CreatedAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description   string                `json:"description"`
		SessionConfig lattice.SessionConfig `json:"sessionConfig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	row, err := s.Manager.Create(req.Description, req.SessionConfig)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(row))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var isOpen *bool
	if raw := r.URL.Query().Get("isOpen"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "isOpen must be a boolean")
			return
		}
		isOpen = &b
	}

	rows, err := s.Manager.List(isOpen)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	views := make([]sessionView, len(rows))
	for i, row := range rows {
		views[i] = toSessionView(row)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	row, err := s.Manager.Row(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(row))
}

func (s *Server) handleSetSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsOpen *bool `json:"isOpen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsOpen == nil {
		writeError(w, http.StatusBadRequest, "isOpen must be a boolean")
		return
	}
	if err := s.Manager.SetOpen(r.PathValue("id"), *req.IsOpen); err != nil {
		writeEngineError(w, err)
		return
	}
	row, err := s.Manager.Row(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(row))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Delete(r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	row, err := s.Manager.Row(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row.SessionConfig.QuestionOrder)
}

// answerWire is the wire shape of one submitted answer, flat per spec.
type answerWire struct {
	VarName       string `json:"varName"`
	BatteryName   string `json:"batteryName"`
	SubBattery    string `json:"subBattery"`
	ResponseIndex *int   `json:"responseIndex"`
}

type submitRequest struct {
	SessionID string       `json:"sessionId"`
	Answers   []answerWire `json:"answers"`
}

func toAnswers(wire []answerWire) []lattice.Answer {
	out := make([]lattice.Answer, len(wire))
	for i, a := range wire {
		out[i] = lattice.Answer{
			Question:      lattice.QuestionKey{VarName: a.VarName, BatteryName: a.BatteryName, SubBattery: a.SubBattery},
			ResponseIndex: a.ResponseIndex,
		}
	}
	return out
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	respondentID, err := sess.Ingest(toAnswers(req.Answers))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"respondentId": respondentID})
}

func (s *Server) handleSubmitResponseBySlug(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Manager.GetBySlug(r.PathValue("slug"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.submit(w, r, sess)
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var peek struct {
		SessionID string `json:"sessionId"`
	}
	body, err := peekBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sess, err := s.Manager.Get(peek.SessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	respondentID, err := sess.Ingest(toAnswers(req.Answers))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"respondentId": respondentID})
}

func peekBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	sess, err := s.Manager.Get(sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if resume := r.URL.Query().Get("resume"); resume != "" && s.cfg.ResumeSecret != nil {
		if resumedID, lastSeq, err := session.ParseResumeToken(s.cfg.ResumeSecret, resume); err == nil {
			log.Printf("sse resume: session=%s lastSequence=%d (fresh snapshot always sent)", resumedID, lastSeq)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	useCollapsed := r.URL.Query().Get("view") == "collapsed"
	sub, err := sess.Subscribe(useCollapsed)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer sess.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("sse connect: session=%s subscriber=%s", sessionID, sub.ID)
	defer log.Printf("sse disconnect: session=%s subscriber=%s", sessionID, sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: " + ev.Name + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(ev.Payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
