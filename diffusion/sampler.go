package diffusion

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "diffusion")

// MaxCount is the largest number of agents per category the count
// predictors can emit.
const MaxCount = 127

var (
	// ErrBatchSize is returned when generation is asked for anything other
	// than a single map.
	ErrBatchSize = errors.New("diffusion generation requires batch size 1")
	// ErrDriftShape is returned when the backbone's drift does not match the
	// current positions.
	ErrDriftShape = errors.New("drift does not match positions")
)

// Features is the encoded map returned by a Backbone. It is produced once
// per generation call and treated as read-only afterwards.
type Features any

// Backbone is the learned part of the reverse process.
type Backbone interface {
	// Encode runs the feature extractor on a single map.
	Encode(m *scene.Map) (Features, error)
	// CountLogits returns logits over 0..MaxCount agents per agent category.
	CountLogits(f Features) (map[scene.Category][]float32, error)
	// Drift predicts the per-agent drift at normalized time tNormed. It must
	// not modify pos or original.
	Drift(f Features, pos, original scene.FieldPositions, tNormed float64) (scene.FieldPositions, error)
}

// Options control one generation call.
type Options struct {
	// Counts, when non-nil, fixes the number of agents per category and
	// bypasses the count predictors. Missing categories get zero agents.
	Counts map[scene.Category]int
}

// Trajectory is the result of a generation call.
type Trajectory struct {
	Counts map[scene.Category]int
	// Steps holds the positions after every update, from t=T-1 down to t=0.
	Steps []scene.FieldPositions
	// DriftNorms is the mean drift norm per step, a convergence diagnostic.
	DriftNorms []float64
}

// Final returns the positions after the last step.
func (tr *Trajectory) Final() scene.FieldPositions {
	if len(tr.Steps) == 0 {
		return scene.FieldPositions{}
	}
	return tr.Steps[len(tr.Steps)-1]
}

// Shape reports the (batch, agents, 2) shape of category c at every step.
func (tr *Trajectory) Shape(c scene.Category) [3]int {
	return [3]int{1, tr.Counts[c], 2}
}

// Agents converts the final positions to agents in metres.
func (tr *Trajectory) Agents() []scene.Agent {
	final := tr.Final()
	var out []scene.Agent
	for _, c := range scene.AgentCategories {
		for _, p := range final[c] {
			x, y := scene.Denormalize(p)
			out = append(out, scene.Agent{Category: c, X: x, Y: y})
		}
	}
	return out
}

// Sampler runs the reverse diffusion process.
type Sampler struct {
	Backbone Backbone
	Schedule *Schedule
	Steps    StepTable

	rng *rand.Rand
}

// NewSampler creates a sampler with the default step table.
func NewSampler(b Backbone, schedule *Schedule, seed uint64) *Sampler {
	return &Sampler{
		Backbone: b,
		Schedule: schedule,
		Steps:    DefaultStepTable,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Generate denoises agent positions for a batch of exactly one map.
func (s *Sampler) Generate(maps []*scene.Map, opts Options) (*Trajectory, error) {
	if len(maps) != 1 {
		return nil, fmt.Errorf("%w: got %d maps", ErrBatchSize, len(maps))
	}
	m := maps[0]
	if err := m.Validate(); err != nil {
		return nil, err
	}
	feat, err := s.Backbone.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encoding map: %w", err)
	}
	counts, err := s.counts(feat, opts)
	if err != nil {
		return nil, err
	}

	pos := s.initPositions(counts)
	original := pos.Clone()
	areas := make(map[scene.Category][]float64, len(scene.AgentCategories))
	for _, c := range scene.AgentCategories {
		areas[c] = m.Occupancy(c)
	}
	perturber := &Perturber{Schedule: s.Schedule, Rng: s.rng}

	T := s.Schedule.Steps()
	tr := &Trajectory{
		Counts:     counts,
		Steps:      make([]scene.FieldPositions, 0, T),
		DriftNorms: make([]float64, 0, T),
	}
	log.WithField("counts", counts).Debugf("sampling %d steps", T)
	for t := T - 1; t >= 0; t-- {
		drift, err := s.Backbone.Drift(feat, pos, original, s.Schedule.Normalized(t))
		if err != nil {
			return nil, fmt.Errorf("drift at t=%d: %w", t, err)
		}
		if err := checkDrift(drift, pos); err != nil {
			return nil, fmt.Errorf("t=%d: %w", t, err)
		}
		tr.DriftNorms = append(tr.DriftNorms, meanNorm(drift))

		rule := s.Steps.Lookup(t)
		for _, c := range scene.AgentCategories {
			var perturbed scene.Positions
			if t > 0 && rule.Noise != 0 && len(pos[c]) > 0 {
				perturbed, _, err = perturber.Perturb(pos[c], t-1, areas[c], m.Size)
				if err != nil {
					return nil, fmt.Errorf("perturb %v at t=%d: %w", c, t, err)
				}
			}
			rule.Apply(pos[c], drift[c], perturbed)
		}
		tr.Steps = append(tr.Steps, pos.Clone())
		if t%100 == 0 {
			log.Debugf("t=%d mean drift norm %.4f", t, tr.DriftNorms[len(tr.DriftNorms)-1])
		}
	}
	return tr, nil
}

func (s *Sampler) counts(feat Features, opts Options) (map[scene.Category]int, error) {
	counts := make(map[scene.Category]int, len(scene.AgentCategories))
	if opts.Counts != nil {
		for _, c := range scene.AgentCategories {
			n := opts.Counts[c]
			if n < 0 {
				return nil, fmt.Errorf("negative count %d for %v", n, c)
			}
			counts[c] = n
		}
		return counts, nil
	}
	logits, err := s.Backbone.CountLogits(feat)
	if err != nil {
		return nil, fmt.Errorf("count logits: %w", err)
	}
	for _, c := range scene.AgentCategories {
		l, ok := logits[c]
		if !ok || len(l) == 0 {
			return nil, fmt.Errorf("missing count logits for %v", c)
		}
		counts[c] = mdn.SampleLogits(s.rng, mdn.Float64s(l))
	}
	return counts, nil
}

func (s *Sampler) initPositions(counts map[scene.Category]int) scene.FieldPositions {
	u := distuv.Uniform{Min: -1, Max: 1, Src: s.rng}
	pos := make(scene.FieldPositions, len(scene.AgentCategories))
	for _, c := range scene.AgentCategories {
		p := make(scene.Positions, counts[c])
		for i := range p {
			p[i] = [2]float64{u.Rand(), u.Rand()}
		}
		pos[c] = p
	}
	return pos
}

func checkDrift(drift, pos scene.FieldPositions) error {
	for _, c := range scene.AgentCategories {
		if len(drift[c]) != len(pos[c]) {
			return fmt.Errorf("%w: %v has %d drifts for %d agents", ErrDriftShape, c, len(drift[c]), len(pos[c]))
		}
	}
	return nil
}

func meanNorm(f scene.FieldPositions) float64 {
	var norms []float64
	for _, c := range scene.AgentCategories {
		for _, d := range f[c] {
			norms = append(norms, math.Hypot(d[0], d[1]))
		}
	}
	if len(norms) == 0 {
		return 0
	}
	return floats.Sum(norms) / float64(len(norms))
}
