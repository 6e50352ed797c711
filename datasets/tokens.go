package datasets

import (
	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/scene"
)

// AgentTokens is the flat, padded token layout of a list of agents as
// consumed by the autoregressive model. Padding rows hold End with zero
// attributes.
type AgentTokens struct {
	Len        int
	Categories []int32   // [Len]
	Locations  []int32   // [Len] grid cell index
	Boxes      []float32 // [Len, 3] width, length, heading
	Velocities []float32 // [Len, 2] speed, yaw rate
}

// EncodeAgents lays out agents padded to padTo tokens. Agents beyond padTo
// are dropped.
func EncodeAgents(agents []scene.Agent, grid autoregressive.Grid, padTo int) AgentTokens {
	t := AgentTokens{
		Len:        padTo,
		Categories: make([]int32, padTo),
		Locations:  make([]int32, padTo),
		Boxes:      make([]float32, 3*padTo),
		Velocities: make([]float32, 2*padTo),
	}
	for i, a := range agents {
		if i >= padTo {
			break
		}
		t.Categories[i] = int32(a.Category)
		t.Locations[i] = int32(grid.Encode(a.X, a.Y))
		t.Boxes[3*i] = float32(a.BBox.Width)
		t.Boxes[3*i+1] = float32(a.BBox.Length)
		t.Boxes[3*i+2] = float32(a.BBox.Heading)
		t.Velocities[2*i] = float32(a.Velocity.Speed)
		t.Velocities[2*i+1] = float32(a.Velocity.YawRate)
	}
	return t
}

// PrefixMask is the [padTo+2, padTo+2] attention mask over the token layout
// [summary, map, agent_1..agent_padTo] when n agents are real. The summary
// token attends every valid token; the map token attends itself; agent i
// attends the map token and agents 1..i.
func PrefixMask(n, padTo int) []float32 {
	l := padTo + 2
	mask := make([]float32, l*l)
	valid := n + 2
	for i := 0; i < l; i++ {
		for j := 0; j < valid; j++ {
			if i == 0 || (j >= 1 && j <= i) {
				mask[i*l+j] = 1
			}
		}
	}
	return mask
}
