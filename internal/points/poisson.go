package points

import (
	"math"
	"math/rand/v2"
)

const (
	pointRadius             = 1.0
	minPointDistance        = 2.5 // radii
	poissonCandidateAttempts = 30
	fallbackRandomAttempts   = 60
)

// xy is a bare position, used before a caller assigns identity.
type xy struct {
	X, Y float64
}

// samplePoisson generates n new positions inside bounds (inset by a
// 1-radius margin), Poisson-disk separated from both each other and the
// supplied existing positions. Bridson-style: seed the active list from
// existing points (or one fresh random seed if none), grow by sampling
// candidates in the annulus [d, 2d] around a random active point, and
// fall back to random placement, then forced placement, if the active
// list exhausts before n points are placed.
func samplePoisson(bounds Bounds, existing []xy, n int, rng *rand.Rand) []xy {
	if n <= 0 {
		return nil
	}

	insetX := bounds.X + pointRadius
	insetY := bounds.Y + pointRadius
	insetW := bounds.Width - 2*pointRadius
	insetH := bounds.Height - 2*pointRadius
	if insetW <= 0 || insetH <= 0 {
		cx, cy := bounds.X+bounds.Width/2, bounds.Y+bounds.Height/2
		out := make([]xy, n)
		for i := range out {
			out[i] = xy{X: cx, Y: cy}
		}
		return out
	}

	grid := newSpatialGrid(minPointDistance / math.Sqrt2)
	all := make([]xy, 0, len(existing)+n)
	all = append(all, existing...)
	for i, p := range all {
		grid.insert(i, p.X, p.Y)
	}

	valid := func(x, y float64) bool {
		if x < insetX || x > insetX+insetW || y < insetY || y > insetY+insetH {
			return false
		}
		for _, idx := range grid.neighborIndices(x, y) {
			p := all[idx]
			dx, dy := p.X-x, p.Y-y
			if dx*dx+dy*dy < minPointDistance*minPointDistance {
				return false
			}
		}
		return true
	}

	var active []int
	if len(existing) > 0 {
		for i := range existing {
			active = append(active, i)
		}
	} else {
		x := insetX + rng.Float64()*insetW
		y := insetY + rng.Float64()*insetH
		idx := len(all)
		all = append(all, xy{X: x, Y: y})
		grid.insert(idx, x, y)
		active = append(active, idx)
	}

	accepted := make([]xy, 0, n)
	if len(existing) == 0 {
		accepted = append(accepted, all[len(all)-1])
	}

	for len(accepted) < n && len(active) > 0 {
		ai := rng.IntN(len(active))
		seedIdx := active[ai]
		seed := all[seedIdx]

		placed := false
		for attempt := 0; attempt < poissonCandidateAttempts; attempt++ {
			angle := rng.Float64() * 2 * math.Pi
			radius := minPointDistance + rng.Float64()*minPointDistance
			cx := seed.X + radius*math.Cos(angle)
			cy := seed.Y + radius*math.Sin(angle)
			if !valid(cx, cy) {
				continue
			}
			idx := len(all)
			all = append(all, xy{X: cx, Y: cy})
			grid.insert(idx, cx, cy)
			accepted = append(accepted, xy{X: cx, Y: cy})
			active = append(active, idx)
			placed = true
			break
		}
		if !placed {
			active = append(active[:ai], active[ai+1:]...)
		}
	}

	for len(accepted) < n {
		placed := false
		for attempt := 0; attempt < fallbackRandomAttempts; attempt++ {
			x := insetX + rng.Float64()*insetW
			y := insetY + rng.Float64()*insetH
			if !valid(x, y) {
				continue
			}
			idx := len(all)
			all = append(all, xy{X: x, Y: y})
			grid.insert(idx, x, y)
			accepted = append(accepted, xy{X: x, Y: y})
			placed = true
			break
		}
		if placed {
			continue
		}
		// Last resort: place anyway, accepting overlap.
		x := insetX + rng.Float64()*insetW
		y := insetY + rng.Float64()*insetH
		idx := len(all)
		all = append(all, xy{X: x, Y: y})
		grid.insert(idx, x, y)
		accepted = append(accepted, xy{X: x, Y: y})
	}

	return accepted
}
