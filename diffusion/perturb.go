package diffusion

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Noofbiz/sceneSynth/scene"
)

// PriorFloor is added to the blurred occupancy so every pixel stays
// reachable.
const PriorFloor = 1e-3

// GridX returns the normalized x coordinate of every column: -1 to 1.
func GridX(size int) []float64 {
	return linspace(-1, 1, size)
}

// GridY returns the normalized y coordinate of every row: 1 to -1.
func GridY(size int) []float64 {
	return linspace(1, -1, size)
}

// PixelToPoint converts a row-major pixel index into normalized coordinates.
func PixelToPoint(idx, size int) [2]float64 {
	half := float64(size / 2)
	row, col := idx/size, idx%size
	return [2]float64{float64(col)/half - 1, 1 - float64(row)/half}
}

// Bump is the separable exponential kernel of width factor centred on p,
// renormalized to sum to one over the raster.
func Bump(size int, p [2]float64, factor float64) []float64 {
	bx := axisBump(GridX(size), p[0], factor)
	by := axisBump(GridY(size), p[1], factor)
	out := make([]float64, size*size)
	for r, wy := range by {
		for c, wx := range bx {
			out[r*size+c] = wy * wx
		}
	}
	normalize(out)
	return out
}

func axisBump(grid []float64, center, f float64) []float64 {
	out := make([]float64, len(grid))
	for i, g := range grid {
		d := g - center
		out[i] = math.Exp(-d*d/(2*f*f)) / f
	}
	normalize(out)
	return out
}

// Perturber draws perturbed positions for the forward noising process.
type Perturber struct {
	Schedule *Schedule
	Rng      *rand.Rand
}

// Prior blurs an occupancy raster at timestep t and adds PriorFloor.
func (p *Perturber) Prior(area []float64, size, t int) ([]float64, error) {
	if t < 0 || t >= p.Schedule.Steps() {
		return nil, fmt.Errorf("timestep %d outside [0, %d)", t, p.Schedule.Steps())
	}
	blurred, err := Blur(area, size, p.Schedule.Blur[t])
	if err != nil {
		return nil, err
	}
	for i := range blurred {
		blurred[i] += PriorFloor
	}
	return blurred, nil
}

// Perturb samples, for every point, a pixel from the blurred occupancy prior
// multiplied by a bump around the point, and returns the perturbed points
// together with the noise (perturbed - points).
func (p *Perturber) Perturb(points scene.Positions, t int, area []float64, size int) (perturbed, noise scene.Positions, err error) {
	perturbed = make(scene.Positions, len(points))
	noise = make(scene.Positions, len(points))
	if len(points) == 0 {
		return perturbed, noise, nil
	}
	prior, err := p.Prior(area, size, t)
	if err != nil {
		return nil, nil, err
	}
	normalize(prior)
	factor := p.Schedule.Diffuse[t]
	gx, gy := GridX(size), GridY(size)
	prob := make([]float64, size*size)
	for i, pt := range points {
		bx := axisBump(gx, pt[0], factor)
		by := axisBump(gy, pt[1], factor)
		for r, wy := range by {
			row := prob[r*size : (r+1)*size]
			pr := prior[r*size : (r+1)*size]
			for c, wx := range bx {
				row[c] = pr[c] * wy * wx
			}
		}
		if !normalize(prob) {
			uniform(prob)
		}
		idx := int(distuv.NewCategorical(prob, p.Rng).Rand())
		perturbed[i] = PixelToPoint(idx, size)
		noise[i] = [2]float64{perturbed[i][0] - pt[0], perturbed[i][1] - pt[1]}
	}
	return perturbed, noise, nil
}

// normalize scales v to sum to one. It reports false, leaving v untouched,
// when the sum is zero or not finite.
func normalize(v []float64) bool {
	s := floats.Sum(v)
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return false
	}
	floats.Scale(1/s, v)
	return true
}

func uniform(v []float64) {
	for i := range v {
		v[i] = 1 / float64(len(v))
	}
}

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}
