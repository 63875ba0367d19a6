package points

import "math"

// spatialGrid buckets point indices by cell so candidate validity checks
// only need to consult a 3x3 neighborhood instead of every point.
type spatialGrid struct {
	cellSize float64
	cells    map[[2]int][]int
}

func newSpatialGrid(cellSize float64) *spatialGrid {
	return &spatialGrid{cellSize: cellSize, cells: make(map[[2]int][]int)}
}

func (g *spatialGrid) cellOf(x, y float64) [2]int {
	return [2]int{int(math.Floor(x / g.cellSize)), int(math.Floor(y / g.cellSize))}
}

func (g *spatialGrid) insert(idx int, x, y float64) {
	c := g.cellOf(x, y)
	g.cells[c] = append(g.cells[c], idx)
}

// neighborIndices returns every point index registered in the 3x3 block of
// cells around (x, y).
func (g *spatialGrid) neighborIndices(x, y float64) []int {
	base := g.cellOf(x, y)
	var out []int
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			c := [2]int{base[0] + dx, base[1] + dy}
			out = append(out, g.cells[c]...)
		}
	}
	return out
}
