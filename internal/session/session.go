// Package session implements the session runtime (spec component C5): it
// owns one live session's lifecycle, buffers incoming answers, drives the
// statistics/layout/point engines on a timer, persists snapshots, and fans
// diffs out to subscribers with sequence numbers and backpressure.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pollviz/pollviz/internal/engine"
	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/layout"
	"github.com/pollviz/pollviz/internal/logger"
	"github.com/pollviz/pollviz/internal/points"
	"github.com/pollviz/pollviz/internal/proto"
	"github.com/pollviz/pollviz/internal/stats"
	"github.com/pollviz/pollviz/internal/store"
)

// Phase is the session's lifecycle state (§4.5's state machine).
type Phase int

const (
	Open Phase = iota
	Asleep
	Closed
	Deleted
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "Open"
	case Asleep:
		return "Asleep"
	case Closed:
		return "Closed"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Options configures a Session's runtime behavior; all fields have
// sensible defaults applied by New.
type Options struct {
	TickInterval        time.Duration
	IdleTimeout         time.Duration
	SubscriberQueueSize int
	RNG                 *rand.Rand
	ResumeSecret        []byte
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 3 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.SubscriberQueueSize <= 0 {
		o.SubscriberQueueSize = 64
	}
	if o.RNG == nil {
		o.RNG = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return o
}

// Event is one SSE event destined for a subscriber.
type Event struct {
	Name    string
	Payload []byte
}

// Subscriber is one streaming consumer of a session's visualization.
type Subscriber struct {
	ID        string
	Events    chan Event
	Collapsed bool
}

// Session owns one live visualization: its lattice, statistics, layout and
// point engines, and the set of subscribers fed from its tick loop. All
// mutable state is owned exclusively by the session's own tick goroutine
// and the methods below, which serialize access through mu.
type Session struct {
	ID     string
	Store  *store.Store
	Lattice *lattice.Lattice
	Config lattice.VisualizationConfig

	opts          Options
	questionKeys  map[lattice.QuestionKey]bool

	mu           sync.Mutex
	phase        Phase
	sequence     int64
	pending      []lattice.Respondent
	lastActivity time.Time

	statsEngine           *stats.Engine
	layoutEngine          *layout.Engine
	pointsEngine          *points.Engine
	collapsedPointsEngine *points.Engine

	basisIndices []int

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Session in the Open phase with fresh (zero) engines.
// questionOrder names every question an answer may legally reference (§6's
// "unknown question" rejection); the caller is responsible for calling
// Start to begin the tick loop.
func New(id string, st *store.Store, lat *lattice.Lattice, cfg lattice.VisualizationConfig, questionOrder []lattice.QuestionKey, opts Options) *Session {
	opts = opts.withDefaults()

	keys := make(map[lattice.QuestionKey]bool, len(questionOrder))
	for _, k := range questionOrder {
		keys[k] = true
	}

	s := &Session{
		ID:           id,
		Store:        st,
		Lattice:      lat,
		Config:       cfg,
		opts:         opts,
		questionKeys: keys,
		phase:        Open,

		lastActivity: time.Now(),
		subs:         make(map[*Subscriber]struct{}),
		stopCh:       make(chan struct{}),
	}
	s.rebuildEngines()
	s.basisIndices = basisSplitIndices(lat)
	return s
}

func basisSplitIndices(lat *lattice.Lattice) []int {
	var out []int
	for i, sp := range lat.Splits {
		if sp.IsBasis() {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (s *Session) rebuildEngines() {
	s.statsEngine = stats.New(s.Lattice, []lattice.ResponseQuestion{s.Config.ResponseQuestion})
	s.layoutEngine = layout.NewEngine(s.Lattice, s.Config)
	s.pointsEngine = points.NewEngine(s.opts.RNG)
	s.collapsedPointsEngine = points.NewEngine(s.opts.RNG)
}

// Start launches the session's tick loop in its own goroutine.
func (s *Session) Start() {
	go s.tickLoop()
}

// Stop halts the tick loop. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) tickLoop() {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	idleCheck := time.NewTicker(s.opts.IdleTimeout / 4)
	defer idleCheck.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTick()
		case <-idleCheck.C:
			s.maybeSleep()
		}
	}
}

// Ingest accepts one respondent's answers: it persists them synchronously
// (the "suspends while persisting the accepted respondent" suspension
// point), then buffers the respondent for the next tick. Returns the
// generated respondent ID.
func (s *Session) Ingest(answers []lattice.Answer) (string, error) {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	switch phase {
	case Deleted:
		return "", engine.New(engine.NotFound, "session deleted")
	case Closed:
		return "", engine.New(engine.NotOpen, "session is not open")
	case Asleep:
		s.wake()
	}

	for _, a := range answers {
		if a.Question.VarName == "" || !s.questionKeys[a.Question] {
			return "", engine.New(engine.IngestRejected, "answer references an unknown question")
		}
	}

	respondentID := uuid.NewString()
	if s.Store != nil {
		if err := s.Store.InsertRespondent(respondentID, s.ID, answers); err != nil {
			return "", engine.Wrap(engine.RaceLost, "persist respondent", err)
		}
	}

	s.mu.Lock()
	s.pending = append(s.pending, lattice.Respondent{SessionID: s.ID, ID: respondentID, Answers: answers})
	s.lastActivity = time.Now()
	s.mu.Unlock()

	return respondentID, nil
}

// SetOpen toggles the session between Open and Closed.
func (s *Session) SetOpen(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Deleted {
		return engine.New(engine.NotFound, "session deleted")
	}
	if open {
		if s.phase == Closed {
			s.phase = Open
		}
	} else {
		s.phase = Closed
	}
	return nil
}

// Delete marks the session deleted and tears down its subscribers.
func (s *Session) Delete() {
	s.mu.Lock()
	s.phase = Deleted
	s.mu.Unlock()
	s.Stop()

	s.subMu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.Events)
	}
	s.subMu.Unlock()
}

// Subscribe registers a new subscriber and synchronously delivers the
// initial visualization.snapshot event. useCollapsed selects which
// response-group view (expanded or collapsed) this subscriber is fed for
// the life of the connection.
func (s *Session) Subscribe(useCollapsed bool) (*Subscriber, error) {
	s.mu.Lock()
	if s.phase == Deleted {
		s.mu.Unlock()
		return nil, engine.New(engine.NotFound, "session deleted")
	}
	if s.phase == Asleep {
		s.mu.Unlock()
		s.wake()
		s.mu.Lock()
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	sub := &Subscriber{ID: uuid.NewString(), Events: make(chan Event, s.opts.SubscriberQueueSize), Collapsed: useCollapsed}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	snap := s.buildSnapshot(useCollapsed)
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	s.sendToSubscriber(sub, Event{Name: proto.EventSnapshot, Payload: data})
	return sub, nil
}

// anySubscriberWants reports whether at least one current subscriber is
// fed the given view, so runTick can skip computing the collapsed view's
// geometry when nobody is watching it.
func (s *Session) anySubscriberWants(collapsed bool) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if sub.Collapsed == collapsed {
			return true
		}
	}
	return false
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.Events)
	}
}

// Broadcast sends one event to every current subscriber, non-blocking per
// subscriber (an overflowing subscriber is closed, same as tick emission).
// Used for ambient operational signals such as a shutdown notice.
func (s *Session) Broadcast(ev Event) {
	s.subMu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()
	for _, sub := range subs {
		s.sendToSubscriber(sub, ev)
	}
}

// sendToSubscriber performs a non-blocking send; an overflowing queue
// closes the subscriber instead of silently dropping the event, per the
// backpressure rule of §5 (a departure from a silent-drop fanout: a full
// queue means the consumer is behind, and a dropped diff would desync its
// sequence tracking, so the connection must be torn down and restarted
// with a fresh snapshot rather than limp along with a gap).
func (s *Session) sendToSubscriber(sub *Subscriber, ev Event) {
	select {
	case sub.Events <- ev:
	default:
		s.subMu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.Events)
		}
		s.subMu.Unlock()
		logger.Warn("subscriber backpressure, closing", slog.String("sessionId", s.ID), slog.String("subscriberId", sub.ID))
	}
}

// flatSplits returns one cell per lattice split, ordered by split index,
// by flattening every view's layout — each split belongs to exactly one
// view, so this covers the full lattice exactly once.
func (s *Session) flatSplits(useCollapsed bool) ([]layout.CellGeometry, error) {
	views, err := s.layoutEngine.ComputeAll(s.statsEngine, s.Config.ResponseQuestion.Key, useCollapsed)
	if err != nil {
		return nil, err
	}
	cells := make([]layout.CellGeometry, len(s.Lattice.Splits))
	for _, vl := range views {
		for _, c := range vl.Cells {
			cells[c.SplitIndex] = c
		}
	}
	return cells, nil
}

// targetCounts returns the per-segment point-membership targets for one
// cell's segments: the real counts already on each segment, or — when
// Config.SyntheticSampleSize is set — a largest-remainder allocation of
// that sample size across the segments' proportions (§4.4's
// synthetic-sample mode). A cell with no respondents gets no points in
// either mode.
func (s *Session) targetCounts(cell layout.CellGeometry) []int {
	counts := make([]int, len(cell.Segments))
	total := 0
	for i, seg := range cell.Segments {
		counts[i] = seg.TotalCount
		total += seg.TotalCount
	}
	if s.Config.SyntheticSampleSize == nil || total == 0 {
		return counts
	}
	props := make([]float64, len(cell.Segments))
	for i, seg := range cell.Segments {
		props[i] = seg.Proportion
	}
	return points.LargestRemainderAllocate(props, *s.Config.SyntheticSampleSize)
}

func (s *Session) materializeSegments(cell layout.CellGeometry, useCollapsed bool) ([]proto.SegmentWire, points.SegmentDiff) {
	pointsEngine := s.pointsEngine
	if useCollapsed {
		pointsEngine = s.collapsedPointsEngine
	}
	targets := s.targetCounts(cell)

	segWires := make([]proto.SegmentWire, len(cell.Segments))
	var combined points.SegmentDiff
	combined.SplitIndex = cell.SplitIndex
	for gi, seg := range cell.Segments {
		bounds := points.Bounds{X: seg.X, Y: seg.Y, Width: seg.Width, Height: seg.Height}
		diff := pointsEngine.UpdateSegment(cell.SplitIndex, gi, bounds, targets[gi])
		segWires[gi] = proto.SegmentWire{
			Label: seg.Label, X: seg.X, Y: seg.Y, Width: seg.Width, Height: seg.Height,
			TotalCount: seg.TotalCount, TotalWeight: seg.TotalWeight, Proportion: seg.Proportion,
			Points: proto.PointsToWire(diff.Points),
		}
		combined.Added = append(combined.Added, diff.Added...)
		combined.Removed = append(combined.Removed, diff.Removed...)
		combined.Moved = append(combined.Moved, diff.Moved...)
	}
	return segWires, combined
}

func (s *Session) buildSnapshot(useCollapsed bool) proto.SnapshotPayload {
	cells, err := s.flatSplits(useCollapsed)
	if err != nil {
		logger.Error("build snapshot", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		cells = nil
	}

	splitWires := make([]proto.SplitWire, len(cells))
	for i, cell := range cells {
		segWires, _ := s.materializeSegments(cell, useCollapsed)
		splitWires[i] = proto.SplitWire{
			SplitIndex: cell.SplitIndex, Col: cell.Col, Row: cell.Row,
			X: cell.X, Y: cell.Y, Width: cell.Width, Height: cell.Height,
			Segments: segWires, TotalCount: s.statsEngine.SplitTotal(cell.SplitIndex, s.Config.ResponseQuestion.Key),
		}
	}

	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()

	var resumeToken string
	if s.opts.ResumeSecret != nil {
		if tok, err := IssueResumeToken(s.opts.ResumeSecret, s.ID, seq); err == nil {
			resumeToken = tok
		} else {
			logger.Error("issue resume token", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		}
	}

	return proto.SnapshotPayload{
		Type:              proto.EventSnapshot,
		VisualizationID:   s.Config.ID,
		Sequence:          seq,
		CanvasWidth:       s.layoutEngine.Canvas.Width,
		CanvasHeight:      s.layoutEngine.Canvas.Height,
		ViewID:            "",
		BasisSplitIndices: s.basisIndices,
		Splits:            splitWires,
		ResumeToken:       resumeToken,
	}
}

// runTick drains the pending buffer and, if it produced any statistical
// movement, recomputes the full lattice's geometry and points and emits
// one visualization.updated event to every subscriber.
func (s *Session) runTick() {
	s.mu.Lock()
	if s.phase != Open || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	deltas := s.statsEngine.Ingest(batch)
	if len(deltas) == 0 {
		return
	}

	s.mu.Lock()
	fromSeq := s.sequence
	toSeq := fromSeq + 1
	s.sequence = toSeq
	s.mu.Unlock()

	deltaBySplit := make(map[int]stats.SplitDelta, len(deltas))
	for _, d := range deltas {
		deltaBySplit[d.SplitIndex] = d
	}

	expandedEvent, err := s.buildUpdateEvent(false, fromSeq, toSeq, deltaBySplit)
	if err != nil {
		logger.Error("tick: recompute layout", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		return
	}

	var collapsedEvent *Event
	if s.anySubscriberWants(true) {
		ev, err := s.buildUpdateEvent(true, fromSeq, toSeq, deltaBySplit)
		if err != nil {
			logger.Error("tick: recompute collapsed layout", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		} else {
			collapsedEvent = &ev
		}
	}

	s.subMu.Lock()
	subsSnapshot := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subsSnapshot {
		ev := expandedEvent
		if sub.Collapsed && collapsedEvent != nil {
			ev = *collapsedEvent
		}
		s.sendToSubscriber(sub, ev)
	}

	s.persistSnapshot(toSeq)
	logger.Info("tick applied", slog.String("sessionId", s.ID), slog.Int64("sequence", toSeq), slog.Int("splitsMoved", len(deltas)))
}

// buildUpdateEvent recomputes one view's (expanded or collapsed) full
// geometry and per-split diffs for the [fromSeq, toSeq] tick and marshals
// the resulting visualization.updated event.
func (s *Session) buildUpdateEvent(useCollapsed bool, fromSeq, toSeq int64, deltaBySplit map[int]stats.SplitDelta) (Event, error) {
	cells, err := s.flatSplits(useCollapsed)
	if err != nil {
		return Event{}, err
	}

	splitWires := make([]proto.SplitWire, len(cells))
	splitDiffs := make([]proto.SplitDiff, len(cells))
	for i, cell := range cells {
		segWires, ptDiff := s.materializeSegments(cell, useCollapsed)
		splitWires[i] = proto.SplitWire{
			SplitIndex: cell.SplitIndex, Col: cell.Col, Row: cell.Row,
			X: cell.X, Y: cell.Y, Width: cell.Width, Height: cell.Height,
			Segments: segWires, TotalCount: s.statsEngine.SplitTotal(cell.SplitIndex, s.Config.ResponseQuestion.Key),
		}

		var statDeltas []proto.StatDelta
		if d, ok := deltaBySplit[cell.SplitIndex]; ok {
			for _, qc := range d.QuestionChanges {
				groupChanges := qc.ExpandedGroupChanges
				if useCollapsed {
					groupChanges = qc.CollapsedGroupChanges
				}
				for _, gc := range groupChanges {
					statDeltas = append(statDeltas, proto.StatDelta{Label: gc.Label, CountBefore: gc.CountBefore, CountAfter: gc.CountAfter})
				}
			}
		}

		var boundsChange *proto.BoundsChange
		if len(ptDiff.Moved) > 0 {
			boundsChange = &proto.BoundsChange{SplitIndex: cell.SplitIndex, X: cell.X, Y: cell.Y, Width: cell.Width, Height: cell.Height}
		}

		splitDiffs[i] = proto.SplitDiff{
			SplitIndex:   cell.SplitIndex,
			BoundsChange: boundsChange,
			Points: proto.PointChanges{
				Added:   proto.PointsToWire(ptDiff.Added),
				Removed: removedToWire(ptDiff.Removed),
				Moved:   proto.PointsToWire(ptDiff.Moved),
			},
			StatDeltas: statDeltas,
		}
	}

	payload := proto.UpdatedPayload{
		Type:              proto.EventUpdated,
		VisualizationID:   s.Config.ID,
		Timestamp:         time.Now().UnixMilli(),
		FromSequence:      fromSeq,
		ToSequence:        toSeq,
		BasisSplitIndices: s.basisIndices,
		Splits:            splitWires,
		SplitDiffs:        splitDiffs,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: proto.EventUpdated, Payload: data}, nil
}

func removedToWire(ids []points.PointID) []proto.PointPosition {
	out := make([]proto.PointPosition, len(ids))
	for i, id := range ids {
		out[i] = proto.PointPosition{SplitIndex: id.SplitIndex, ExpandedGroupIndex: id.ExpandedGroupIndex, LocalID: id.LocalID}
	}
	return out
}

// maybeSleep flushes and releases compute state once the session has been
// idle past its configured threshold.
func (s *Session) maybeSleep() {
	s.mu.Lock()
	idle := s.phase == Open && time.Since(s.lastActivity) >= s.opts.IdleTimeout
	s.mu.Unlock()
	if !idle {
		return
	}
	s.Sleep()
}

// Sleep persists the current snapshot and releases the session's in-memory
// compute engines; a subsequent Ingest or Subscribe reloads them.
func (s *Session) Sleep() {
	s.mu.Lock()
	if s.phase != Open {
		s.mu.Unlock()
		return
	}
	seq := s.sequence
	s.mu.Unlock()

	s.persistSnapshot(seq)

	s.mu.Lock()
	s.phase = Asleep
	s.mu.Unlock()
	logger.Info("session asleep", slog.String("sessionId", s.ID))
}

// wake reloads engines from the last persisted snapshot, if any.
func (s *Session) wake() {
	s.mu.Lock()
	if s.phase != Asleep {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.rebuildEngines()
	if s.Store != nil {
		if snap, err := s.Store.LoadVisualizationSnapshot(s.ID, s.Config.ID); err == nil && snap != nil {
			s.restoreFrom(*snap)
		}
	}

	s.mu.Lock()
	s.phase = Open
	s.lastActivity = time.Now()
	s.mu.Unlock()
	logger.Info("session woke", slog.String("sessionId", s.ID))
}
