package datasets

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "datasets")

// AgentsFile and MapsDir name the layout of a processed dataset directory.
const (
	AgentsFile = "agents.csv"
	MapsDir    = "maps"
)

// agentColumns are the required columns of AgentsFile.
var agentColumns = []string{"sample_token", "category", "x", "y", "width", "length", "heading", "speed", "yaw_rate"}

// ErrNoSamples is returned when a dataset directory holds no usable sample.
var ErrNoSamples = errors.New("dataset has no samples")

// SceneDataset lazily loads processed scene samples from a directory. The
// agent table is read once at open time; rasters are read from
// maps/<token>.bin on demand.
type SceneDataset struct {
	Dir string

	tokens []string
	agents map[string][]scene.Agent
	order  []int

	// Dropped counts rows removed for non-finite velocities.
	Dropped int
}

// NewSceneDataset indexes the samples of dir. Rows with non-finite velocity
// are dropped with a warning; rows with unknown categories are skipped.
func NewSceneDataset(dir string) (*SceneDataset, error) {
	path := filepath.Join(dir, AgentsFile)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range agentColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("required column %q not found in %s", col, path)
		}
	}

	d := &SceneDataset{Dir: dir, agents: make(map[string][]scene.Agent)}
	skipped := 0
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", row, err)
		}
		row++
		token := strings.TrimSpace(record[colIndex["sample_token"]])
		if _, seen := d.agents[token]; !seen {
			d.tokens = append(d.tokens, token)
			d.agents[token] = nil
		}
		a, ok, err := parseAgent(record, colIndex)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if !ok {
			skipped++
			continue
		}
		d.agents[token] = append(d.agents[token], a)
	}
	if len(d.tokens) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSamples, dir)
	}

	for _, token := range d.tokens {
		kept, dropped := scene.DropNonFinite(d.agents[token])
		scene.SortAgents(kept)
		d.agents[token] = kept
		d.Dropped += dropped
	}
	if d.Dropped > 0 {
		log.WithField("rows", d.Dropped).Warn("dropped agents with non-finite velocity")
	}
	if skipped > 0 {
		log.WithField("rows", skipped).Debug("skipped agents with unmapped categories")
	}
	d.order = lo.Range(len(d.tokens))
	log.WithFields(logrus.Fields{"dir": dir, "samples": len(d.tokens)}).Info("indexed scene dataset")
	return d, nil
}

// parseAgent reads one row. ok is false for categories outside the three
// agent classes.
func parseAgent(record []string, colIndex map[string]int) (a scene.Agent, ok bool, err error) {
	label := strings.TrimSpace(record[colIndex["category"]])
	c, known := scene.CategoryFromTaxonomy(label)
	if !known {
		parsed, perr := scene.ParseCategory(label)
		if perr != nil || !parsed.IsAgent() {
			return a, false, nil
		}
		c = parsed
	}
	vals := make(map[string]float64, len(agentColumns))
	for _, col := range agentColumns[2:] {
		v, err := parseFloat(record[colIndex[col]])
		if err != nil {
			return a, false, fmt.Errorf("failed to parse %s: %w", col, err)
		}
		vals[col] = v
	}
	return scene.Agent{
		Category: c,
		X:        vals["x"],
		Y:        vals["y"],
		BBox:     scene.BBox{Width: vals["width"], Length: vals["length"], Heading: vals["heading"]},
		Velocity: scene.Velocity{Speed: vals["speed"], YawRate: vals["yaw_rate"]},
	}, true, nil
}

// Len returns the number of samples.
func (d *SceneDataset) Len() int {
	return len(d.tokens)
}

// Tokens returns the sample tokens in shuffled order.
func (d *SceneDataset) Tokens() []string {
	return lo.Map(d.order, func(i int, _ int) string { return d.tokens[i] })
}

// Shuffle permutes the sample order deterministically.
func (d *SceneDataset) Shuffle(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	rng.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
}

// Sample loads sample i of the current order, including its raster.
func (d *SceneDataset) Sample(i int) (*scene.Sample, error) {
	if i < 0 || i >= len(d.order) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, len(d.order))
	}
	token := d.tokens[d.order[i]]
	m, err := ReadMap(filepath.Join(d.Dir, MapsDir, token+".bin"))
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", token, err)
	}
	s := &scene.Sample{Token: token, Map: m, Agents: append([]scene.Agent(nil), d.agents[token]...)}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("sample %s: %w", token, err)
	}
	return s, nil
}

// Batch loads the samples at the given positions of the current order.
func (d *SceneDataset) Batch(indices []int) ([]*scene.Sample, error) {
	out := make([]*scene.Sample, len(indices))
	for k, i := range indices {
		s, err := d.Sample(i)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// ReadMap reads a raw little-endian float32 raster with scene.NumChannels
// square channels. The side length is inferred from the file size.
func ReadMap(path string) (*scene.Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read map: %w", err)
	}
	n := len(raw) / 4
	side := int(math.Round(math.Sqrt(float64(n / scene.NumChannels))))
	if len(raw)%4 != 0 || side*side*scene.NumChannels != n {
		return nil, fmt.Errorf("%w: %d bytes in %s", scene.ErrMapShape, len(raw), path)
	}
	m := scene.NewMap(side)
	for i := range m.Data {
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return m, nil
}

// WriteMap writes m in the layout read by ReadMap.
func WriteMap(path string, m *scene.Map) error {
	if err := m.Validate(); err != nil {
		return err
	}
	raw := make([]byte, 4*len(m.Data))
	for i, v := range m.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
