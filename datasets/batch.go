package datasets

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/samber/lo"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/scene"
)

// Prefix splits a sample for next-agent training: the first nKeep agents are
// conditioning context and element nKeep of the sequence is the target,
// which is the End sentinel when nKeep equals the number of agents.
func Prefix(s *scene.Sample, nKeep int) (placed []scene.Agent, next scene.Agent, err error) {
	seq := s.Sequence()
	if nKeep < 0 || nKeep >= seq.Len() {
		return nil, next, fmt.Errorf("prefix length %d out of range [0, %d)", nKeep, seq.Len())
	}
	return append([]scene.Agent(nil), s.Agents[:nKeep]...), seq.Agent(nKeep), nil
}

// AutoregressiveBatch is a padded prefix batch.
type AutoregressiveBatch struct {
	Size    int
	MapSize int
	Len     int

	Maps     []float32 // [B, S, S, C]
	Tokens   []AgentTokens
	Masks    []float32 // [B, Len+2, Len+2]
	Next     []scene.Agent
	Location []int32
}

// NewAutoregressiveBatch draws a uniform prefix length for each sample and
// pads the prefixes to the longest one. maxAgents bounds the prefix length.
func NewAutoregressiveBatch(samples []*scene.Sample, grid autoregressive.Grid, maxAgents int, rng *rand.Rand) (*AutoregressiveBatch, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if err := validateSamples(samples); err != nil {
		return nil, err
	}
	b := &AutoregressiveBatch{Size: len(samples), MapSize: samples[0].Map.Size}
	prefixes := make([][]scene.Agent, len(samples))
	for i, s := range samples {
		if s.Map.Size != b.MapSize {
			return nil, fmt.Errorf("%w: sample %s has size %d, batch has %d", scene.ErrMapShape, s.Token, s.Map.Size, b.MapSize)
		}
		nKeep := rng.IntN(min(len(s.Agents), maxAgents-1) + 1)
		placed, next, err := Prefix(s, nKeep)
		if err != nil {
			return nil, err
		}
		prefixes[i] = placed
		b.Next = append(b.Next, next)
		b.Maps = append(b.Maps, s.Map.HWC()...)
	}
	b.Len = max(1, lo.Max(lo.Map(prefixes, func(p []scene.Agent, _ int) int { return len(p) })))
	for i, p := range prefixes {
		b.Tokens = append(b.Tokens, EncodeAgents(p, grid, b.Len))
		b.Masks = append(b.Masks, PrefixMask(len(p), b.Len)...)
		loc := int32(0)
		if b.Next[i].Category != scene.End {
			loc = int32(grid.Encode(b.Next[i].X, b.Next[i].Y))
		}
		b.Location = append(b.Location, loc)
	}
	return b, nil
}

// Tensors returns the model inputs in the order expected by the
// autoregressive loss graph: maps, categories, locations, boxes, velocities,
// mask, target category, target location, target box, target velocity,
// target moving flag and the scalar training step.
func (b *AutoregressiveBatch) Tensors(step int64) []*tensors.Tensor {
	n, l := b.Size, b.Len
	var cats, locs []int32
	var boxes, vels []float32
	for _, t := range b.Tokens {
		cats = append(cats, t.Categories...)
		locs = append(locs, t.Locations...)
		boxes = append(boxes, t.Boxes...)
		vels = append(vels, t.Velocities...)
	}
	tCat := make([]int32, n)
	tBox := make([]float32, 3*n)
	tVel := make([]float32, 2*n)
	tMoving := make([]float32, n)
	for i, a := range b.Next {
		tCat[i] = int32(a.Category)
		tBox[3*i], tBox[3*i+1], tBox[3*i+2] = float32(a.BBox.Width), float32(a.BBox.Length), float32(a.BBox.Heading)
		tVel[2*i], tVel[2*i+1] = float32(a.Velocity.Speed), float32(a.Velocity.YawRate)
		if a.Velocity.Moving() {
			tMoving[i] = 1
		}
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Maps, n, b.MapSize, b.MapSize, scene.NumChannels),
		tensors.FromFlatDataAndDimensions(cats, n, l),
		tensors.FromFlatDataAndDimensions(locs, n, l),
		tensors.FromFlatDataAndDimensions(boxes, n, l, 3),
		tensors.FromFlatDataAndDimensions(vels, n, l, 2),
		tensors.FromFlatDataAndDimensions(b.Masks, n, l+2, l+2),
		tensors.FromFlatDataAndDimensions(tCat, n),
		tensors.FromFlatDataAndDimensions(b.Location, n),
		tensors.FromFlatDataAndDimensions(tBox, n, 3),
		tensors.FromFlatDataAndDimensions(tVel, n, 2),
		tensors.FromFlatDataAndDimensions(tMoving, n),
		tensors.FromFlatDataAndDimensions([]float32{float32(step)}),
	}
}

// DiffusionBatch is a batch of scenes noised at one shared timestep. Agents
// of every category are concatenated in the order pedestrians, bicyclists,
// vehicles and padded to the largest scene.
type DiffusionBatch struct {
	Size    int
	MapSize int
	Len     int
	T       int
	TNormed float64
	Factor  float64

	Maps   []float32 // [B, S, S, C]
	Noised []*diffusion.Noised
}

// NewDiffusionBatch draws a timestep uniformly and perturbs every scene with
// the occupancy priors of its map.
func NewDiffusionBatch(samples []*scene.Sample, p *diffusion.Perturber) (*DiffusionBatch, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if err := validateSamples(samples); err != nil {
		return nil, err
	}
	t := p.Schedule.UniformTimestep(p.Rng)
	b := &DiffusionBatch{
		Size:    len(samples),
		MapSize: samples[0].Map.Size,
		T:       t,
		TNormed: p.Schedule.Normalized(t),
		Factor:  p.Schedule.Diffuse[t],
	}
	for _, s := range samples {
		if s.Map.Size != b.MapSize {
			return nil, fmt.Errorf("%w: sample %s has size %d, batch has %d", scene.ErrMapShape, s.Token, s.Map.Size, b.MapSize)
		}
		original := make(scene.FieldPositions, len(scene.AgentCategories))
		for _, c := range scene.AgentCategories {
			original[c] = scene.PositionsOf(s.Agents, c)
		}
		noised, err := p.NoiseScene(s.Map, original, t)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", s.Token, err)
		}
		b.Noised = append(b.Noised, noised)
		b.Maps = append(b.Maps, s.Map.HWC()...)
		b.Len = max(b.Len, original.Total())
	}
	b.Len = max(b.Len, 1)
	return b, nil
}

// Counts returns the true per-category counts capped at diffusion.MaxCount,
// shaped [B, 3].
func (b *DiffusionBatch) Counts() []int32 {
	out := make([]int32, 0, b.Size*len(scene.AgentCategories))
	for _, n := range b.Noised {
		for _, c := range scene.AgentCategories {
			out = append(out, int32(min(len(n.Original[c]), diffusion.MaxCount)))
		}
	}
	return out
}

// Tensors returns the model inputs in the order expected by the diffusion
// loss graph: maps, perturbed positions, original positions, categories,
// attention mask, validity, noise, counts, normalized timestep and the
// diffuse factor.
func (b *DiffusionBatch) Tensors() []*tensors.Tensor {
	n, l := b.Size, b.Len
	pos := make([]float32, 2*n*l)
	orig := make([]float32, 2*n*l)
	noise := make([]float32, 2*n*l)
	cats := make([]int32, n*l)
	valid := make([]float32, n*l)
	mask := make([]float32, n*l*l)
	tNorm := make([]float32, n)
	for i, ns := range b.Noised {
		tNorm[i] = float32(b.TNormed)
		k := 0
		for _, c := range scene.AgentCategories {
			for j := range ns.Original[c] {
				at := i*l + k
				put := func(dst []float32, p [2]float64) {
					dst[2*at], dst[2*at+1] = float32(p[0]), float32(p[1])
				}
				put(pos, ns.Perturbed[c][j])
				put(orig, ns.Original[c][j])
				put(noise, ns.Noise[c][j])
				cats[at] = int32(c)
				valid[at] = 1
				k++
			}
		}
		for q := 0; q < l; q++ {
			for key := 0; key < k; key++ {
				mask[(i*l+q)*l+key] = 1
			}
		}
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Maps, n, b.MapSize, b.MapSize, scene.NumChannels),
		tensors.FromFlatDataAndDimensions(pos, n, l, 2),
		tensors.FromFlatDataAndDimensions(orig, n, l, 2),
		tensors.FromFlatDataAndDimensions(cats, n, l),
		tensors.FromFlatDataAndDimensions(mask, n, l, l),
		tensors.FromFlatDataAndDimensions(valid, n, l),
		tensors.FromFlatDataAndDimensions(noise, n, l, 2),
		tensors.FromFlatDataAndDimensions(b.Counts(), n, len(scene.AgentCategories)),
		tensors.FromFlatDataAndDimensions(tNorm, n),
		tensors.FromFlatDataAndDimensions([]float32{float32(b.Factor)}),
	}
}

// validateSamples rejects samples that would feed NaN or malformed rasters
// into a loss, whatever Dataset produced them.
func validateSamples(samples []*scene.Sample) error {
	for _, s := range samples {
		if s == nil {
			return fmt.Errorf("%w: nil sample", scene.ErrMapShape)
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
