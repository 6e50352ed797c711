// Package autoregressive places agents one at a time: every step encodes the
// map and the agents placed so far, samples a category and then decodes the
// remaining attributes with the decoder owned by that category.
package autoregressive

import (
	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

// MapFeatures is the encoded map, computed once per generation call and
// read-only afterwards.
type MapFeatures any

// Summary is the network state after encoding the placed agents. It is the
// conditioning input of the category head and of every decoder head.
type Summary any

// Network is the learned sequence model.
type Network interface {
	EncodeMap(m *scene.Map) (MapFeatures, error)
	// Summarize encodes the map token, the summary token and one token per
	// placed agent, and returns the summary token's representation.
	Summarize(f MapFeatures, placed []scene.Agent) (Summary, error)
	// CategoryLogits returns scene.NumCategories logits.
	CategoryLogits(s Summary) ([]float32, error)
	// Decoder returns the decoder owned by an agent category.
	Decoder(c scene.Category) Decoder
}

// Decoder is the six-head chain of one category. Later heads are
// conditioned on the values chosen for the earlier ones.
type Decoder interface {
	// LocationLogits returns Grid.Bins() logits.
	LocationLogits(s Summary) ([]float32, error)
	// ShapeParams returns raw mixture parameters for (width, length) and
	// heading given the chosen location cell.
	ShapeParams(s Summary, location int) (size, heading []float32, err error)
	// MotionParams returns the motion gate logit and the raw mixture
	// parameters for speed and yaw rate given location and box.
	MotionParams(s Summary, location int, box scene.BBox) (moving float32, speed, yawRate []float32, err error)
}

// Heads describes the four mixture heads of a decoder.
type Heads struct {
	Size    mdn.Spec
	Heading mdn.Spec
	Speed   mdn.Spec
	YawRate mdn.Spec
}

// DefaultMixtures is the number of mixture components per head.
const DefaultMixtures = 10

// NewHeads builds the head specs with k components each.
func NewHeads(k int) Heads {
	return Heads{
		Size:    mdn.Spec{Family: mdn.LogNormal, Dim: 2, K: k},
		Heading: mdn.Spec{Family: mdn.VonMises, Dim: 1, K: k},
		Speed:   mdn.Spec{Family: mdn.LogNormal, Dim: 1, K: k},
		YawRate: mdn.Spec{Family: mdn.VonMises, Dim: 1, K: k},
	}
}
