package diffusion

import (
	"fmt"
	"math"
)

// DefaultBoxPasses is the number of box filters used to approximate one
// Gaussian blur.
const DefaultBoxPasses = 5

// BoxPlan describes how n box filters of two odd widths approximate a
// Gaussian of standard deviation Sigma: M passes of width Lower followed by
// Passes-M passes of width Upper.
type BoxPlan struct {
	Sigma  float64
	Passes int
	Lower  int
	Upper  int
	M      int
	// IdealM is the unrounded mixing count; using it reproduces Sigma^2
	// exactly.
	IdealM float64
}

// PlanBoxBlur solves the box-width decomposition for sigma with n passes.
func PlanBoxBlur(sigma float64, n int) (BoxPlan, error) {
	if n < 1 {
		return BoxPlan{}, fmt.Errorf("box blur needs at least one pass, got %d", n)
	}
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return BoxPlan{}, fmt.Errorf("invalid blur sigma %v", sigma)
	}
	w := math.Sqrt(12*sigma*sigma/float64(n) + 1)
	wl := int(math.Floor(w))
	if wl%2 == 0 {
		wl--
	}
	wu := wl + 2
	fl := float64(wl)
	nf := float64(n)
	ideal := (12*sigma*sigma - nf*fl*fl - 4*nf*fl - 3*nf) / (-4*fl - 4)
	m := int(math.RoundToEven(ideal))
	m = max(0, min(n, m))
	return BoxPlan{Sigma: sigma, Passes: n, Lower: wl, Upper: wu, M: m, IdealM: ideal}, nil
}

// Widths lists the box width of every pass in application order.
func (p BoxPlan) Widths() []int {
	out := make([]int, 0, p.Passes)
	for i := 0; i < p.Passes; i++ {
		if i < p.M {
			out = append(out, p.Lower)
		} else {
			out = append(out, p.Upper)
		}
	}
	return out
}

// Variance is the variance of the composed filter, sum of (w^2-1)/12.
func (p BoxPlan) Variance() float64 {
	v := 0.0
	for _, w := range p.Widths() {
		v += float64(w*w-1) / 12
	}
	return v
}

// IdealVariance evaluates the composed variance with the unrounded mixing
// count.
func (p BoxPlan) IdealVariance() float64 {
	l, u := float64(p.Lower), float64(p.Upper)
	return (p.IdealM*(l*l-1) + (float64(p.Passes)-p.IdealM)*(u*u-1)) / 12
}

// Blur applies the box plan for sigma to a square row-major raster. The
// input is left untouched.
func Blur(img []float64, size int, sigma float64) ([]float64, error) {
	if len(img) != size*size {
		return nil, fmt.Errorf("blur: raster has %d values, want %d", len(img), size*size)
	}
	plan, err := PlanBoxBlur(sigma, DefaultBoxPasses)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(img))
	copy(out, img)
	line := make([]float64, size)
	res := make([]float64, size)
	ext := make([]float64, 0, size+plan.Upper)
	for _, w := range plan.Widths() {
		if w <= 1 {
			continue
		}
		for r := 0; r < size; r++ {
			row := out[r*size : (r+1)*size]
			ext = boxLine(row, res, w, ext)
			copy(row, res)
		}
		for c := 0; c < size; c++ {
			for r := 0; r < size; r++ {
				line[r] = out[r*size+c]
			}
			ext = boxLine(line, res, w, ext)
			for r := 0; r < size; r++ {
				out[r*size+c] = res[r]
			}
		}
	}
	return out, nil
}

// boxLine writes the normalized box filter of odd width w over src into dst,
// extending src with reflect-101 borders. ext is scratch space for the
// prefix sums and is returned for reuse.
func boxLine(src, dst []float64, w int, ext []float64) []float64 {
	n := len(src)
	half := w / 2
	ext = ext[:0]
	ext = append(ext, 0)
	acc := 0.0
	for i := -half; i < n+half; i++ {
		acc += src[reflect101(i, n)]
		ext = append(ext, acc)
	}
	inv := 1 / float64(w)
	for i := 0; i < n; i++ {
		dst[i] = (ext[i+w] - ext[i]) * inv
	}
	return ext
}

// reflect101 maps an out-of-range index the way OpenCV's BORDER_REFLECT_101
// does: gfedcb|abcdefgh|gfedcba.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
