package lattice

import "fmt"

// Split is an ordered list of per-grouping-question group indices, one per
// question in x++y order. -1 means "any" (null).
type Split struct {
	Groups []int
}

// IsBasis reports whether every entry is concrete (no null/-1 entries).
func (s Split) IsBasis() bool {
	for _, g := range s.Groups {
		if g == -1 {
			return false
		}
	}
	return true
}

// profile is the colon-joined concrete-index string used as the
// profileToSplitIndex lookup key (spec §6 persisted schema).
func (s Split) profile() string {
	out := ""
	for i, g := range s.Groups {
		if i > 0 {
			out += ":"
		}
		out += fmt.Sprintf("%d", g)
	}
	return out
}

// Lattice is the full enumeration of splits for one visualization's
// grouping axes, plus the derived basis-split and view indices.
type Lattice struct {
	Grouping []GroupingQuestion // x ++ y, in that order
	XCount   int                // len(x); positions [0, XCount) are x, [XCount, len(Grouping)) are y

	Splits []Split

	// BasisSplitIndices[i] lists the indices into Splits of the basis
	// splits that split i sums over (I3). For a basis split this always
	// includes its own index (tie-break in §4.1).
	BasisSplitIndices [][]int

	// ViewMap maps a viewId (§4.1 encoding) to the indices into Splits of
	// the splits belonging to that view.
	ViewMap map[string][]int

	// ProfileToSplitIndex maps a basis split's profile string ("0:0:…")
	// to its index into Splits — the persisted lookup map of §6.
	ProfileToSplitIndex map[string]int
}

// Build enumerates the full split lattice for the given grouping axes.
// grouping must be x++y, already concatenated in that order; xCount is
// len(x).
func Build(grouping []GroupingQuestion, xCount int) (*Lattice, error) {
	if xCount < 0 || xCount > len(grouping) {
		return nil, fmt.Errorf("invalid xCount %d for %d grouping questions", xCount, len(grouping))
	}

	k := len(grouping)
	radices := make([]int, k) // group-count + 1 (for "any") per question
	for i, gq := range grouping {
		if len(gq.ResponseGroups) < 1 {
			return nil, fmt.Errorf("grouping question %s has no response groups", gq.Key)
		}
		radices[i] = len(gq.ResponseGroups) + 1
	}

	total := 1
	for _, r := range radices {
		total *= r
	}

	splits := make([]Split, 0, total)
	// Earlier questions vary slowest: build via mixed-radix counting with
	// position 0 the most significant digit.
	digits := make([]int, k)
	for {
		groups := make([]int, k)
		for i, d := range digits {
			if d == radices[i]-1 {
				groups[i] = -1 // the "any" alternative, enumerated last per question
			} else {
				groups[i] = d
			}
		}
		splits = append(splits, Split{Groups: groups})

		// increment least-significant (last) digit first
		pos := k - 1
		for pos >= 0 {
			digits[pos]++
			if digits[pos] < radices[pos] {
				break
			}
			digits[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}

	lat := &Lattice{
		Grouping:            grouping,
		XCount:              xCount,
		Splits:               splits,
		ProfileToSplitIndex: make(map[string]int),
		ViewMap:             make(map[string][]int),
	}

	for i, s := range splits {
		if s.IsBasis() {
			lat.ProfileToSplitIndex[s.profile()] = i
		}
		active := make([]int, 0, k)
		for pos, g := range s.Groups {
			if g != -1 {
				active = append(active, pos)
			}
		}
		vid := viewID(active)
		lat.ViewMap[vid] = append(lat.ViewMap[vid], i)
	}

	lat.BasisSplitIndices = make([][]int, len(splits))
	for i, s := range splits {
		lat.BasisSplitIndices[i] = lat.basisIndicesFor(s)
	}

	return lat, nil
}

// basisIndicesFor computes the basis splits that s sums over: the
// sub-cartesian-product over s's null positions, with concrete positions
// fixed to s's values, looked up via ProfileToSplitIndex.
func (lat *Lattice) basisIndicesFor(s Split) []int {
	k := len(s.Groups)
	nullPos := make([]int, 0, k)
	for pos, g := range s.Groups {
		if g == -1 {
			nullPos = append(nullPos, pos)
		}
	}
	if len(nullPos) == 0 {
		// Basis split: tie-break includes itself (§4.1).
		idx, ok := lat.ProfileToSplitIndex[s.profile()]
		if !ok {
			return nil
		}
		return []int{idx}
	}

	radices := make([]int, len(nullPos))
	for i, pos := range nullPos {
		radices[i] = len(lat.Grouping[pos].ResponseGroups)
	}

	base := append([]int(nil), s.Groups...)
	var result []int
	digits := make([]int, len(nullPos))
	for {
		profile := append([]int(nil), base...)
		for i, pos := range nullPos {
			profile[pos] = digits[i]
		}
		key := Split{Groups: profile}.profile()
		if idx, ok := lat.ProfileToSplitIndex[key]; ok {
			result = append(result, idx)
		}

		pos := len(nullPos) - 1
		for pos >= 0 {
			digits[pos]++
			if digits[pos] < radices[pos] {
				break
			}
			digits[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return result
}

// CompatibleSplits returns the indices of every split compatible with a
// respondent's grouping vector: for every position where the respondent's
// response is known, the split's entry is either that group's index or
// null; positions where the respondent's answer is null/out-of-range
// match only the split's null entry at that position.
func (lat *Lattice) CompatibleSplits(groupIdx []int) []int {
	var out []int
	for i, s := range lat.Splits {
		ok := true
		for pos, g := range s.Groups {
			rv := groupIdx[pos]
			if rv == -1 {
				// respondent's answer unknown/null at this position: only
				// matches the split's null entry there.
				if g != -1 {
					ok = false
					break
				}
				continue
			}
			if g != -1 && g != rv {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, i)
		}
	}
	return out
}
