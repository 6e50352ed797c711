package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/rollout"
	"github.com/Noofbiz/sceneSynth/scenestore"
)

// persist records the run and every successful scene in the store at path.
func persist(path string, run *scenestore.Run, results []rollout.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	store, err := scenestore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.InsertRun(run); err != nil {
		return err
	}
	stored := 0
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if err := store.InsertScene(&scenestore.Scene{
			RunID:       run.RunID,
			SampleToken: r.Token,
			Outcome:     r.Outcome,
			Seed:        r.Seed,
			Agents:      r.Agents,
			DriftNorms:  r.DriftNorms,
		}); err != nil {
			return fmt.Errorf("storing scene for %s: %w", r.Token, err)
		}
		stored++
	}
	log.Infof("stored %d scenes under run %s in %s", stored, run.RunID, path)
	return nil
}

// writeAgentsFile writes the agents of every successful result as CSV, one
// row per agent keyed by the sample token.
func writeAgentsFile(path string, results []rollout.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := datasets.NewAgentsWriter(f)
	if err != nil {
		return err
	}
	ok := lo.Filter(results, func(r rollout.Result, _ int) bool { return r.Err == nil })
	for _, r := range ok {
		if err := w.Write(r.Token, r.Agents); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Infof("wrote %d agents of %d scenes to %s", w.Rows(), len(ok), path)
	return f.Close()
}
