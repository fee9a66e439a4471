package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchevo/internal/imaging"
	"patchevo/internal/stats"
	"patchevo/pkg/patchevo"
)

func TestTrainAndRunCommands(t *testing.T) {
	base := t.TempDir()
	sampleDir := writeSampleImages(t, filepath.Join(base, "samples"))
	outputDir := filepath.Join(base, "out")
	dbPath := filepath.Join(base, "patchevo.db")

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"TRAIN",
			"-store", "sqlite",
			"-db-path", dbPath,
			"-pop", "5",
			"-survivors", "2",
			"-workers", "2",
			"-seed", "13",
			sampleDir, outputDir, "2",
		})
	})
	if err != nil {
		t.Fatalf("train command: %v", err)
	}
	if !strings.Contains(out, "generation=1 ") || !strings.Contains(out, "generation=2 ") {
		t.Fatalf("expected one progress line per generation, got:\n%s", out)
	}
	if !strings.Contains(out, "run completed run_id=") {
		t.Fatalf("expected completion line, got:\n%s", out)
	}

	entries, err := stats.ListRunIndex(outputDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 || entries[0].PopulationSize != 5 || entries[0].Generations != 2 {
		t.Fatalf("unexpected run index: %+v", entries)
	}
	runID := entries[0].RunID

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"fitness", "-store", "sqlite", "-db-path", dbPath, "-output", outputDir, "-run-id", runID})
	})
	if err != nil {
		t.Fatalf("fitness command: %v", err)
	}
	if strings.Count(out, "best_error=") != 2 {
		t.Fatalf("expected 2 fitness rows, got:\n%s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"diagnostics", "-store", "sqlite", "-db-path", dbPath, "-output", outputDir, "-latest", "-json"})
	})
	if err != nil {
		t.Fatalf("diagnostics command: %v", err)
	}
	var diagnostics []map[string]any
	if err := json.Unmarshal([]byte(out), &diagnostics); err != nil {
		t.Fatalf("decode diagnostics json: %v\n%s", err, out)
	}
	if len(diagnostics) != 2 {
		t.Fatalf("expected 2 diagnostics rows, got %d", len(diagnostics))
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"lineage", "-store", "sqlite", "-db-path", dbPath, "-output", outputDir, "-latest", "-limit", "3"})
	})
	if err != nil {
		t.Fatalf("lineage command: %v", err)
	}
	if strings.Count(out, "candidate_id=") != 3 {
		t.Fatalf("expected 3 lineage rows, got:\n%s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "-output", outputDir})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out, "run_id="+runID) {
		t.Fatalf("expected run %s in listing, got:\n%s", runID, out)
	}

	upscaled := filepath.Join(base, "upscaled.png")
	out, err = captureStdout(func() error {
		return run(context.Background(), []string{
			"Run",
			filepath.Join(outputDir, patchevo.BestNetworkFile),
			filepath.Join(sampleDir, "a.png"),
			upscaled,
		})
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "10x10 -> 16x16") {
		t.Fatalf("unexpected run output: %s", out)
	}
	img, err := imaging.Load(upscaled)
	if err != nil {
		t.Fatalf("load upscaled: %v", err)
	}
	if img.Width != 16 || img.Height != 16 {
		t.Fatalf("unexpected upscaled size: %dx%d", img.Width, img.Height)
	}
}

func TestTrainCommandResumesStoredPopulation(t *testing.T) {
	base := t.TempDir()
	sampleDir := writeSampleImages(t, filepath.Join(base, "samples"))
	outputDir := filepath.Join(base, "out")
	dbPath := filepath.Join(base, "patchevo.db")

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"TRAIN", "-store", "sqlite", "-db-path", dbPath, "-pop", "5", "-survivors", "2",
			sampleDir, outputDir, "1",
		})
	})
	if err != nil {
		t.Fatalf("first train: %v", err)
	}
	populationID := fieldValue(out, "population_id=")
	if populationID == "" {
		t.Fatalf("expected population id in output, got:\n%s", out)
	}

	if _, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"TRAIN", "-store", "sqlite", "-db-path", dbPath, "-resume", populationID,
			sampleDir, outputDir, "1",
		})
	}); err != nil {
		t.Fatalf("resumed train: %v", err)
	}

	entries, err := stats.ListRunIndex(outputDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two runs, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.PopulationSize != 5 {
			t.Fatalf("expected resumed run to keep the stored population size: %+v", entry)
		}
	}
}

func TestTrainCommandWithConfig(t *testing.T) {
	base := t.TempDir()
	sampleDir := writeSampleImages(t, filepath.Join(base, "samples"))
	outputDir := filepath.Join(base, "out")
	configPath := filepath.Join(base, "train.json")
	config := fmt.Sprintf(`{
		"sample_dir": %q,
		"output_dir": %q,
		"generations": 2,
		"population": 4,
		"survivors": 2,
		"workers": 1,
		"selection": "tournament",
		"topology": [
			{"input": [2, 2, 3], "output": [2, 2, 3], "activation": "identity"}
		]
	}`, sampleDir, outputDir)
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := captureStdout(func() error {
		return run(context.Background(), []string{"train", "-config", configPath, "-pop", "6"})
	}); err != nil {
		t.Fatalf("train command: %v", err)
	}

	entries, err := stats.ListRunIndex(outputDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one run, got %d", len(entries))
	}
	if entries[0].PopulationSize != 6 || entries[0].Survivors != 2 {
		t.Fatalf("expected flag to override config population: %+v", entries[0])
	}
	if entries[0].Topology != "2x2x3>2x2x3/identity" {
		t.Fatalf("unexpected topology: %s", entries[0].Topology)
	}
	cfg, ok, err := stats.ReadRunConfig(outputDir, entries[0].RunID)
	if err != nil || !ok {
		t.Fatalf("read run config ok=%t err=%v", ok, err)
	}
	if cfg.Selection != "tournament" {
		t.Fatalf("expected tournament selection, got %s", cfg.Selection)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "no command", args: nil},
		{name: "unknown command", args: []string{"upscale"}},
		{name: "train missing positional", args: []string{"TRAIN", "samples", "out"}},
		{name: "train bad generations", args: []string{"TRAIN", "samples", "out", "many"}},
		{name: "train zero generations", args: []string{"TRAIN", "samples", "out", "0"}},
		{name: "run missing positional", args: []string{"RUN", "net.net", "in.png"}},
		{name: "resume from memory store", args: []string{"TRAIN", "-resume", "pop-1", "samples", "out", "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := run(context.Background(), tc.args)
			if err == nil {
				t.Fatal("expected usage error")
			}
			if !strings.Contains(err.Error(), "usage: patchevoctl") {
				t.Fatalf("expected usage text, got: %v", err)
			}
		})
	}
}

func TestHistoryCommandsRequireRunSelection(t *testing.T) {
	for _, command := range []string{"fitness", "diagnostics", "lineage"} {
		if err := run(context.Background(), []string{command}); err == nil {
			t.Fatalf("%s: expected missing run id error", command)
		}
		if err := run(context.Background(), []string{command, "-run-id", "a", "-latest"}); err == nil {
			t.Fatalf("%s: expected run id and latest conflict", command)
		}
	}
}

func TestRunsCommandEmpty(t *testing.T) {
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"runs", "-output", t.TempDir()})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func writeSampleImages(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir samples: %v", err)
	}
	for i, name := range []string{"a.png", "b.png"} {
		img := imaging.New(10, 10, imaging.Channels)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				for c := 0; c < img.Channels; c++ {
					img.Set(x, y, c, float64((x*(c+1)+y+i*3)%10)/10)
				}
			}
		}
		if err := imaging.Save(filepath.Join(dir, name), img); err != nil {
			t.Fatalf("save sample: %v", err)
		}
	}
	return dir
}

func fieldValue(out, key string) string {
	for _, field := range strings.Fields(out) {
		if strings.HasPrefix(field, key) {
			return strings.TrimPrefix(field, key)
		}
	}
	return ""
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
