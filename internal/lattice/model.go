// Package lattice implements the split lattice (spec component C1): the
// data model shared by every other component and the enumeration of the
// cartesian product of grouping-question response groups, with a "null"
// wildcard per question.
package lattice

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// QuestionKey uniquely identifies a question. Equality is structural and is
// the sole identity used across config, responses, and statistics.
type QuestionKey struct {
	VarName     string `json:"varName"`
	BatteryName string `json:"batteryName"`
	SubBattery  string `json:"subBattery"`
}

func (k QuestionKey) String() string {
	return k.VarName + "/" + k.BatteryName + "/" + k.SubBattery
}

// ResponseGroup is a labeled, unordered set of integer response values.
type ResponseGroup struct {
	Label  string `json:"label"`
	Values []int  `json:"values"`
}

func (g ResponseGroup) valueSet() map[int]struct{} {
	m := make(map[int]struct{}, len(g.Values))
	for _, v := range g.Values {
		m[v] = struct{}{}
	}
	return m
}

// contains reports whether v is one of g's values.
func (g ResponseGroup) contains(v int) bool {
	for _, x := range g.Values {
		if x == v {
			return true
		}
	}
	return false
}

// ResponseQuestion is the visualized question: its expanded (fine-grained)
// and collapsed (coarse) response-group views.
type ResponseQuestion struct {
	Key       QuestionKey     `json:"key"`
	Expanded  []ResponseGroup `json:"expanded"`
	Collapsed []ResponseGroup `json:"collapsed"`
}

// GroupingQuestion is a question plus a single ordered list of response
// groups used to split respondents on one axis.
type GroupingQuestion struct {
	Key            QuestionKey     `json:"key"`
	ResponseGroups []ResponseGroup `json:"responseGroups"`
}

// VisualizationConfig is one visualization descriptor: the response
// question plus the grouping axes and layout parameters.
type VisualizationConfig struct {
	ID                     string             `json:"id"`
	ResponseQuestion       ResponseQuestion   `json:"responseQuestion"`
	X                      []GroupingQuestion `json:"x"`
	Y                      []GroupingQuestion `json:"y"`
	MinGroupAvailableWidth float64            `json:"minGroupAvailableWidth"`
	MinGroupHeight         float64            `json:"minGroupHeight"`
	GroupGapX              float64            `json:"groupGapX"`
	GroupGapY              float64            `json:"groupGapY"`
	ResponseGap            float64            `json:"responseGap"`
	BaseSegmentWidth       float64            `json:"baseSegmentWidth"`
	SyntheticSampleSize    *int               `json:"syntheticSampleSize,omitempty"`
}

// SessionConfig is a session's immutable configuration.
type SessionConfig struct {
	QuestionOrder []QuestionKey       `json:"questionOrder"`
	Visualization VisualizationConfig `json:"visualization"`
}

// Answer is one respondent's answer to one question.
type Answer struct {
	Question      QuestionKey `json:"question"`
	ResponseIndex *int        `json:"responseIndex"`
}

// Respondent is one submission.
type Respondent struct {
	SessionID string   `json:"sessionId"`
	ID        string   `json:"id"`
	Answers   []Answer `json:"answers"`
}

// Validate checks the structural invariants of §3/§6: disjointness of
// expanded groups, containment of expanded in collapsed, positive layout
// parameters, and that every grouping question referenced by the
// visualization also appears in questionOrder.
func (c SessionConfig) Validate() error {
	order := make(map[QuestionKey]struct{}, len(c.QuestionOrder))
	for _, q := range c.QuestionOrder {
		order[q] = struct{}{}
	}

	v := c.Visualization
	if len(v.X) == 0 && len(v.Y) == 0 {
		return fmt.Errorf("visualization must have at least one grouping question on x or y")
	}
	seen := make(map[QuestionKey]struct{})
	for _, gq := range append(append([]GroupingQuestion{}, v.X...), v.Y...) {
		if _, ok := seen[gq.Key]; ok {
			return fmt.Errorf("grouping question %s appears more than once across x and y", gq.Key)
		}
		seen[gq.Key] = struct{}{}
		if _, ok := order[gq.Key]; !ok {
			return fmt.Errorf("grouping question %s referenced in visualizations but not in questionOrder", gq.Key)
		}
		if len(gq.ResponseGroups) < 2 {
			return fmt.Errorf("grouping question %s must have at least 2 response groups", gq.Key)
		}
	}

	if err := validateResponseQuestion(v.ResponseQuestion); err != nil {
		return err
	}

	if v.MinGroupAvailableWidth <= 0 {
		return fmt.Errorf("minGroupAvailableWidth must be > 0")
	}
	if v.MinGroupHeight <= 0 {
		return fmt.Errorf("minGroupHeight must be > 0")
	}
	if v.GroupGapX < 0 {
		return fmt.Errorf("groupGapX must be >= 0")
	}
	if v.GroupGapY < 0 {
		return fmt.Errorf("groupGapY must be >= 0")
	}
	if v.ResponseGap < 0 {
		return fmt.Errorf("responseGap must be >= 0")
	}
	if v.BaseSegmentWidth <= 0 {
		return fmt.Errorf("baseSegmentWidth must be > 0")
	}
	if v.SyntheticSampleSize != nil && *v.SyntheticSampleSize <= 0 {
		return fmt.Errorf("syntheticSampleSize must be > 0 when set")
	}

	return nil
}

// validateResponseQuestion checks I2's preconditions: expanded groups are
// pairwise disjoint, and every expanded group's values are entirely
// contained in exactly one collapsed group.
func validateResponseQuestion(rq ResponseQuestion) error {
	if len(rq.Expanded) == 0 {
		return fmt.Errorf("response question %s must have at least one expanded group", rq.Key)
	}
	if len(rq.Collapsed) == 0 {
		return fmt.Errorf("response question %s must have at least one collapsed group", rq.Key)
	}

	seen := make(map[int]string)
	for _, eg := range rq.Expanded {
		for v := range eg.valueSet() {
			if owner, ok := seen[v]; ok {
				return fmt.Errorf("response question %s: value %d appears in both expanded groups %q and %q", rq.Key, v, owner, eg.Label)
			}
			seen[v] = eg.Label
		}
	}

	for _, eg := range rq.Expanded {
		containers := 0
		for _, cg := range rq.Collapsed {
			if expandedSubsetOf(eg, cg) {
				containers++
			}
		}
		if containers != 1 {
			return fmt.Errorf("response question %s: expanded group %q must be contained in exactly one collapsed group, found %d", rq.Key, eg.Label, containers)
		}
	}
	return nil
}

func expandedSubsetOf(eg, cg ResponseGroup) bool {
	cset := cg.valueSet()
	for _, v := range eg.Values {
		if _, ok := cset[v]; !ok {
			return false
		}
	}
	return true
}

// CollapsedGroupFor returns the collapsed group containing the expanded
// group at index expandedIdx, and its index, or false if none (should not
// happen once Validate has passed).
func (rq ResponseQuestion) CollapsedGroupFor(expandedIdx int) (ResponseGroup, int, bool) {
	eg := rq.Expanded[expandedIdx]
	for i, cg := range rq.Collapsed {
		if expandedSubsetOf(eg, cg) {
			return cg, i, true
		}
	}
	return ResponseGroup{}, -1, false
}

// ExpandedGroupIndex returns the index of the expanded group containing
// value v, or -1 if v is out of range (covered by no expanded group).
func (rq ResponseQuestion) ExpandedGroupIndex(v int) int {
	for i, eg := range rq.Expanded {
		if eg.contains(v) {
			return i
		}
	}
	return -1
}

// GroupIndex returns the index into ResponseGroups of the group containing
// value v, or -1 if no configured group covers it.
func (gq GroupingQuestion) GroupIndex(v int) int {
	for i, g := range gq.ResponseGroups {
		if g.contains(v) {
			return i
		}
	}
	return -1
}

// viewID encodes the set of active question positions per §4.1: sorted,
// comma-separated indices in [0, |x|+|y|); empty string is the all-null
// base view.
func viewID(active []int) string {
	if len(active) == 0 {
		return ""
	}
	cp := append([]int(nil), active...)
	sort.Ints(cp)
	parts := make([]string, len(cp))
	for i, a := range cp {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}
