package mdn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// LogSoftmax normalizes logits into log-probabilities.
func LogSoftmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	lse := floats.LogSumExp(logits)
	for i, l := range logits {
		out[i] = l - lse
	}
	return out
}

// Softmax normalizes logits into probabilities.
func Softmax(logits []float64) []float64 {
	out := LogSoftmax(logits)
	for i, l := range out {
		out[i] = math.Exp(l)
	}
	return out
}

// Float64s widens a network output.
func Float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// SampleLogits draws an index from the categorical distribution defined by
// logits.
func SampleLogits(rng *rand.Rand, logits []float64) int {
	return sampleIndex(rng, LogSoftmax(logits))
}

func sampleIndex(rng *rand.Rand, logProbs []float64) int {
	if len(logProbs) == 1 {
		return 0
	}
	w := make([]float64, len(logProbs))
	for i, l := range logProbs {
		w[i] = math.Exp(l)
	}
	return int(distuv.NewCategorical(w, rng).Rand())
}

// SampleBernoulli draws a boolean with probability sigmoid(logit).
func SampleBernoulli(rng *rand.Rand, logit float64) bool {
	return distuv.Bernoulli{P: sigmoid(logit), Src: rng}.Rand() == 1
}

// BernoulliLogProb is log p(y) for a single logit, computed without
// overflowing for large |logit|.
func BernoulliLogProb(logit float64, y bool) float64 {
	if y {
		return -softplus(-logit)
	}
	return -softplus(logit)
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// WrapAngle maps an angle onto (-pi, pi].
func WrapAngle(a float64) float64 {
	r := math.Remainder(a, 2*math.Pi)
	if r <= -math.Pi {
		r += 2 * math.Pi
	}
	return r
}

// SampleVonMises draws an angle in (-pi, pi] with the Best-Fisher rejection
// scheme.
func SampleVonMises(rng *rand.Rand, mu, kappa float64) float64 {
	if kappa < 1e-6 {
		return WrapAngle(math.Pi * (2*rng.Float64() - 1))
	}
	tau := 1 + math.Sqrt(1+4*kappa*kappa)
	rho := (tau - math.Sqrt(2*tau)) / (2 * kappa)
	r := (1 + rho*rho) / (2 * rho)
	for {
		z := math.Cos(math.Pi * rng.Float64())
		f := (1 + r*z) / (r + z)
		c := kappa * (r - f)
		u2 := rng.Float64()
		if c*(2-c)-u2 > 0 || math.Log(c/u2)+1-c >= 0 {
			theta := math.Acos(clamp(f, -1, 1))
			if rng.Float64() < 0.5 {
				theta = -theta
			}
			return WrapAngle(mu + theta)
		}
	}
}

// LogI0 is the log of the modified Bessel function of the first kind, order
// zero, using the Abramowitz-Stegun polynomial approximations (9.8.1, 9.8.2).
func LogI0(x float64) float64 {
	ax := math.Abs(x)
	if ax <= 3.75 {
		t := (x / 3.75) * (x / 3.75)
		return math.Log(1 + t*(3.5156229+t*(3.0899424+t*(1.2067492+
			t*(0.2659732+t*(0.0360768+t*0.0045813))))))
	}
	t := 3.75 / ax
	p := 0.39894228 + t*(0.01328592+t*(0.00225319+t*(-0.00157565+
		t*(0.00916281+t*(-0.02057706+t*(0.02635537+t*(-0.01647633+
			t*0.00392377)))))))
	return ax - 0.5*math.Log(ax) + math.Log(p)
}
