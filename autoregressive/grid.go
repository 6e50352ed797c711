package autoregressive

import (
	"math"
)

// Grid discretizes ego-frame locations into square cells. Cell (ix, iy) has
// index ix*Width + iy, where ix comes from x and iy from y.
type Grid struct {
	Limit float64
	Cell  float64
	Width int
}

// DefaultGrid covers +-40 m with 4 m cells: 20x20 = 400 bins.
var DefaultGrid = Grid{Limit: 40, Cell: 4, Width: 20}

// Bins is the number of grid cells.
func (g Grid) Bins() int { return g.Width * g.Width }

func (g Grid) axis(v float64) int {
	i := int(math.Floor((v + g.Limit) / g.Cell))
	return min(max(i, 0), g.Width-1)
}

// Encode maps a location in metres to its cell index. Locations outside the
// grid are clamped to the border cells.
func (g Grid) Encode(x, y float64) int {
	return g.axis(x)*g.Width + g.axis(y)
}

// Decode returns the centre of cell idx in metres.
func (g Grid) Decode(idx int) (x, y float64) {
	ix, iy := idx/g.Width, idx%g.Width
	x = (float64(ix)+0.5)*g.Cell - g.Limit
	y = (float64(iy)+0.5)*g.Cell - g.Limit
	return x, y
}
