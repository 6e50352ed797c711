package scene

// Positions is a list of normalized (x, y) points in [-1, 1].
type Positions [][2]float64

// Clone returns a copy that shares no storage with p.
func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	copy(out, p)
	return out
}

// Normalize converts a location in metres to [-1, 1].
func Normalize(x, y float64) [2]float64 {
	return [2]float64{x / AxesLimit, y / AxesLimit}
}

// Denormalize converts a normalized location back to metres.
func Denormalize(p [2]float64) (x, y float64) {
	return p[0] * AxesLimit, p[1] * AxesLimit
}

// ClampUnit limits both coordinates to [-1, 1]. Points already inside are
// returned unchanged.
func ClampUnit(p [2]float64) [2]float64 {
	return [2]float64{clamp(p[0], -1, 1), clamp(p[1], -1, 1)}
}

// ClampAll applies ClampUnit to every point in place.
func (p Positions) ClampAll() {
	for i := range p {
		p[i] = ClampUnit(p[i])
	}
}

// FieldPositions holds the diffusion state: one position list per agent
// category.
type FieldPositions map[Category]Positions

// Clone deep-copies every field.
func (f FieldPositions) Clone() FieldPositions {
	out := make(FieldPositions, len(f))
	for c, p := range f {
		out[c] = p.Clone()
	}
	return out
}

// Total counts points across all fields.
func (f FieldPositions) Total() int {
	n := 0
	for _, p := range f {
		n += len(p)
	}
	return n
}

// PositionsOf extracts the normalized locations of the agents of category c.
func PositionsOf(agents []Agent, c Category) Positions {
	out := Positions{}
	for _, a := range agents {
		if a.Category == c {
			out = append(out, Normalize(a.X, a.Y))
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
