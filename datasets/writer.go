package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/Noofbiz/sceneSynth/scene"
)

// AgentsWriter writes agents in the AgentsFile layout, so generated scenes
// can be read back by NewSceneDataset.
type AgentsWriter struct {
	w    *csv.Writer
	rows int
}

// NewAgentsWriter writes the header row to w.
func NewAgentsWriter(w io.Writer) (*AgentsWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(agentColumns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &AgentsWriter{w: cw}, nil
}

// Write appends one row per agent under token.
func (a *AgentsWriter) Write(token string, agents []scene.Agent) error {
	for _, ag := range agents {
		record := []string{
			token,
			ag.Category.String(),
			formatFloat(ag.X),
			formatFloat(ag.Y),
			formatFloat(ag.BBox.Width),
			formatFloat(ag.BBox.Length),
			formatFloat(ag.BBox.Heading),
			formatFloat(ag.Velocity.Speed),
			formatFloat(ag.Velocity.YawRate),
		}
		if err := a.w.Write(record); err != nil {
			return fmt.Errorf("failed to write agent of %s: %w", token, err)
		}
		a.rows++
	}
	return nil
}

// Rows is the number of agent rows written so far.
func (a *AgentsWriter) Rows() int { return a.rows }

// Flush writes any buffered rows.
func (a *AgentsWriter) Flush() error {
	a.w.Flush()
	return a.w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
