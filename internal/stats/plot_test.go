package stats

import (
	"errors"
	"math"
	"os"
	"testing"

	"patchevo/internal/model"
)

func TestWriteFitnessPlot(t *testing.T) {
	runDir := t.TempDir()
	path, err := WriteFitnessPlot(runDir, []model.GenerationDiagnostics{
		{Generation: 1, BestFitness: 0.9, MeanFitness: 1.4},
		{Generation: 2, BestFitness: 0.7, MeanFitness: math.NaN()},
		{Generation: 3, BestFitness: 0.4, MeanFitness: 0.8},
	})
	if err != nil {
		t.Fatalf("write plot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat plot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty plot")
	}
}

func TestWriteFitnessPlotWithoutFiniteValues(t *testing.T) {
	_, err := WriteFitnessPlot(t.TempDir(), []model.GenerationDiagnostics{
		{Generation: 1, BestFitness: math.NaN()},
	})
	if !errors.Is(err, ErrNothingToPlot) {
		t.Fatalf("expected ErrNothingToPlot, got: %v", err)
	}
}
