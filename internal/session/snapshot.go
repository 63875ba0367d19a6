package session

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/pollviz/pollviz/internal/logger"
	"github.com/pollviz/pollviz/internal/points"
	"github.com/pollviz/pollviz/internal/store"
)

// persistedSplit carries one split's response-question tallies.
type persistedSplit struct {
	SplitIndex int   `json:"splitIndex"`
	Expanded   []int `json:"expanded"`
	Collapsed  []int `json:"collapsed"`
}

// persistedLookup mirrors the persisted schema's lookupMaps field:
// responseIndexToGroupIndex and profileToSplitIndex, plus the point
// engine's identity bookkeeping (not named in the logical schema, but
// carried in the same opaque blob since both are per-visualization
// derived state).
type persistedLookup struct {
	ResponseIndexToGroupIndex map[string]int        `json:"responseIndexToGroupIndex"`
	ProfileToSplitIndex       map[string]int         `json:"profileToSplitIndex"`
	Segments                  []points.SegmentState  `json:"segments"`
	CollapsedSegments         []points.SegmentState  `json:"collapsedSegments"`
}

func (s *Session) responseIndexToGroupIndex() map[string]int {
	out := make(map[string]int)
	for i, g := range s.Config.ResponseQuestion.Expanded {
		for _, v := range g.Values {
			out[strconv.Itoa(v)] = i
		}
	}
	return out
}

// persistSnapshot writes the statistics engine's full tally state and the
// point engine's identity bookkeeping to durable storage, last-writer-wins
// on computedAt. Point positions are not persisted — waking forces a
// resample into fresh, valid positions, preserving identity (I5) but not
// exact prior coordinates.
func (s *Session) persistSnapshot(seq int64) {
	if s.Store == nil {
		return
	}

	splits := make([]persistedSplit, len(s.Lattice.Splits))
	for i := range s.Lattice.Splits {
		splits[i] = persistedSplit{
			SplitIndex: i,
			Expanded:   s.statsEngine.ExpandedCounts(i, s.Config.ResponseQuestion.Key),
			Collapsed:  s.statsEngine.CollapsedCounts(i, s.Config.ResponseQuestion.Key),
		}
	}

	basisJSON, _ := json.Marshal(s.basisIndices)
	splitsJSON, err := json.Marshal(splits)
	if err != nil {
		logger.Error("marshal persisted splits", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		return
	}
	lookupJSON, err := json.Marshal(persistedLookup{
		ResponseIndexToGroupIndex: s.responseIndexToGroupIndex(),
		ProfileToSplitIndex:       s.Lattice.ProfileToSplitIndex,
		Segments:                  s.pointsEngine.ExportState(),
		CollapsedSegments:         s.collapsedPointsEngine.ExportState(),
	})
	if err != nil {
		logger.Error("marshal persisted lookup maps", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		return
	}

	err = s.Store.SaveVisualizationSnapshot(store.VisualizationSnapshot{
		SessionID:         s.ID,
		VisualizationID:   s.Config.ID,
		BasisSplitIndices: string(basisJSON),
		Splits:            string(splitsJSON),
		LookupMaps:        string(lookupJSON),
		ComputedAt:        time.Now().UTC(),
	})
	if err != nil {
		logger.Error("persist visualization snapshot", slog.String("sessionId", s.ID), slog.String("err", err.Error()), slog.Int64("sequence", seq))
	}
}

// restoreFrom rebuilds the statistics and point engines from a previously
// persisted snapshot.
func (s *Session) restoreFrom(snap store.VisualizationSnapshot) {
	var splits []persistedSplit
	if err := json.Unmarshal([]byte(snap.Splits), &splits); err != nil {
		logger.Error("unmarshal persisted splits", slog.String("sessionId", s.ID), slog.String("err", err.Error()))
		return
	}
	for _, ps := range splits {
		s.statsEngine.RestoreCounts(ps.SplitIndex, s.Config.ResponseQuestion.Key, ps.Expanded, ps.Collapsed)
	}

	var lookup persistedLookup
	if err := json.Unmarshal([]byte(snap.LookupMaps), &lookup); err == nil {
		s.pointsEngine.ImportState(lookup.Segments)
		s.collapsedPointsEngine.ImportState(lookup.CollapsedSegments)
	}
}
