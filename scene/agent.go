package scene

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
)

// AxesLimit is the half extent of a scene in metres. Locations satisfy
// |x|, |y| < AxesLimit and normalize to [-1, 1] by dividing by it.
const AxesLimit = 40.0

var (
	// ErrNonFiniteVelocity marks a record whose velocity contains NaN or Inf.
	// Such records must be dropped before they reach any loss computation.
	ErrNonFiniteVelocity = errors.New("agent velocity is not finite")

	// ErrSequenceShape is returned when the four aligned agent sequences
	// disagree in length or are not terminated by the End sentinel.
	ErrSequenceShape = errors.New("malformed agent sequence")
)

// BBox is an oriented box: width and length in metres, heading in radians.
type BBox struct {
	Width   float64
	Length  float64
	Heading float64
}

// Velocity is a speed in m/s and a yaw rate in rad/s.
type Velocity struct {
	Speed   float64
	YawRate float64
}

// MovingSpeed is the speed above which an agent counts as moving.
const MovingSpeed = 0.1

// Moving reports whether the velocity is above the motion threshold.
func (v Velocity) Moving() bool {
	return v.Speed > MovingSpeed
}

// Finite reports whether both components are finite numbers.
func (v Velocity) Finite() bool {
	return !math.IsNaN(v.Speed) && !math.IsInf(v.Speed, 0) &&
		!math.IsNaN(v.YawRate) && !math.IsInf(v.YawRate, 0)
}

// Agent is one traffic participant in the ego frame.
type Agent struct {
	Category Category
	X, Y     float64
	BBox     BBox
	Velocity Velocity
}

// Sample is a single scene: the map raster plus its agents.
type Sample struct {
	Token  string
	Map    *Map
	Agents []Agent
}

// Validate checks the raster shape and every agent record.
func (s *Sample) Validate() error {
	if err := s.Map.Validate(); err != nil {
		return fmt.Errorf("sample %s: %w", s.Token, err)
	}
	for i, a := range s.Agents {
		if !a.Category.IsAgent() {
			return fmt.Errorf("sample %s agent %d: invalid category %v", s.Token, i, a.Category)
		}
		if !a.Velocity.Finite() {
			return fmt.Errorf("sample %s agent %d: %w", s.Token, i, ErrNonFiniteVelocity)
		}
	}
	return nil
}

// SortAgents orders agents by decreasing y, then increasing x.
func SortAgents(agents []Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].Y != agents[j].Y {
			return agents[i].Y > agents[j].Y
		}
		return agents[i].X < agents[j].X
	})
}

// DropNonFinite returns the agents whose velocity is finite and the number
// of records removed.
func DropNonFinite(agents []Agent) ([]Agent, int) {
	kept := lo.Filter(agents, func(a Agent, _ int) bool { return a.Velocity.Finite() })
	return kept, len(agents) - len(kept)
}

// ByCategory returns the agents of category c, preserving order.
func ByCategory(agents []Agent, c Category) []Agent {
	return lo.Filter(agents, func(a Agent, _ int) bool { return a.Category == c })
}

// Sequence holds the four aligned agent sequences consumed by the
// autoregressive model. The last element of every sequence is the End
// sentinel (zero location, bbox and velocity).
type Sequence struct {
	Categories []Category
	Locations  [][2]float64
	BBoxes     []BBox
	Velocities []Velocity
}

// Sequence builds the aligned sequences from the sample's agents.
func (s *Sample) Sequence() Sequence {
	n := len(s.Agents) + 1
	seq := Sequence{
		Categories: make([]Category, 0, n),
		Locations:  make([][2]float64, 0, n),
		BBoxes:     make([]BBox, 0, n),
		Velocities: make([]Velocity, 0, n),
	}
	for _, a := range s.Agents {
		seq.Categories = append(seq.Categories, a.Category)
		seq.Locations = append(seq.Locations, [2]float64{a.X, a.Y})
		seq.BBoxes = append(seq.BBoxes, a.BBox)
		seq.Velocities = append(seq.Velocities, a.Velocity)
	}
	seq.Categories = append(seq.Categories, End)
	seq.Locations = append(seq.Locations, [2]float64{})
	seq.BBoxes = append(seq.BBoxes, BBox{})
	seq.Velocities = append(seq.Velocities, Velocity{})
	return seq
}

// Len is the sequence length including the sentinel.
func (q Sequence) Len() int { return len(q.Categories) }

// Validate checks alignment and sentinel placement.
func (q Sequence) Validate() error {
	n := len(q.Categories)
	if n == 0 {
		return fmt.Errorf("%w: empty", ErrSequenceShape)
	}
	if len(q.Locations) != n || len(q.BBoxes) != n || len(q.Velocities) != n {
		return fmt.Errorf("%w: lengths %d/%d/%d/%d", ErrSequenceShape,
			n, len(q.Locations), len(q.BBoxes), len(q.Velocities))
	}
	for i, c := range q.Categories {
		last := i == n-1
		if last != (c == End) {
			return fmt.Errorf("%w: End at position %d of %d", ErrSequenceShape, i, n)
		}
	}
	return nil
}

// Agent returns element i of the sequence as an Agent.
func (q Sequence) Agent(i int) Agent {
	return Agent{
		Category: q.Categories[i],
		X:        q.Locations[i][0],
		Y:        q.Locations[i][1],
		BBox:     q.BBoxes[i],
		Velocity: q.Velocities[i],
	}
}
