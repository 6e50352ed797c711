package scenestore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/sceneSynth/scene"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scenes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	run := &Run{Model: "diffusion", Checkpoint: "ckpt/diffusion.ckpt", Seed: 1 << 63}
	require.NoError(t, s.InsertRun(run))
	assert.NotEmpty(t, run.RunID)

	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSceneRoundTrip(t *testing.T) {
	s := openTestStore(t)
	run := &Run{Model: "autoregressive", Seed: 7}
	require.NoError(t, s.InsertRun(run))

	sc := &Scene{
		RunID:       run.RunID,
		SampleToken: "tok",
		Outcome:     "completed",
		Seed:        99,
		Agents: []scene.Agent{
			{Category: scene.Vehicle, X: 1, Y: 2, BBox: scene.BBox{Width: 2, Length: 4.5, Heading: 0.3}, Velocity: scene.Velocity{Speed: 3}},
			{Category: scene.Pedestrian, X: -6, Y: 9, BBox: scene.BBox{Width: 0.6, Length: 0.7}},
		},
		DriftNorms: []float64{0.5, 0.25, 0.125},
	}
	require.NoError(t, s.InsertScene(sc))

	got, err := s.GetScene(sc.SceneID)
	require.NoError(t, err)
	if diff := cmp.Diff(sc, got); diff != "" {
		t.Errorf("scene mismatch (-want +got):\n%s", diff)
	}

	ids, err := s.ListScenes(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{sc.SceneID}, ids)

	counts, err := s.CategoryCounts(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[scene.Category]int{scene.Vehicle: 1, scene.Pedestrian: 1}, counts)
}

func TestSceneWithoutTrace(t *testing.T) {
	s := openTestStore(t)
	sc := &Scene{RunID: "r", SampleToken: "t", Outcome: "step_cap_reached"}
	require.NoError(t, s.InsertScene(sc))
	got, err := s.GetScene(sc.SceneID)
	require.NoError(t, err)
	assert.Empty(t, got.Agents)
	assert.Empty(t, got.DriftNorms)

	_, err = s.GetScene("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
