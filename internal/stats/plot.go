package stats

import (
	"errors"
	"math"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"patchevo/internal/model"
)

var ErrNothingToPlot = errors.New("no finite fitness values to plot")

// WriteFitnessPlot draws best and mean error per generation into
// runDir/fitness.png and returns the file path. Non-finite points are
// skipped.
func WriteFitnessPlot(runDir string, diagnostics []model.GenerationDiagnostics) (string, error) {
	best := make(plotter.XYs, 0, len(diagnostics))
	mean := make(plotter.XYs, 0, len(diagnostics))
	for _, d := range diagnostics {
		x := float64(d.Generation)
		if isFinite(d.BestFitness) {
			best = append(best, plotter.XY{X: x, Y: d.BestFitness})
		}
		if isFinite(d.MeanFitness) {
			mean = append(mean, plotter.XY{X: x, Y: d.MeanFitness})
		}
	}
	if len(best) == 0 {
		return "", ErrNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Reconstruction error"
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Error"

	bestLine, err := plotter.NewLine(best)
	if err != nil {
		return "", err
	}
	p.Add(bestLine)
	p.Legend.Add("best", bestLine)

	if len(mean) > 0 {
		meanLine, err := plotter.NewLine(mean)
		if err != nil {
			return "", err
		}
		meanLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(meanLine)
		p.Legend.Add("mean", meanLine)
	}
	p.Legend.Top = true

	path := filepath.Join(runDir, fitnessPlotFile)
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return "", err
	}
	return path, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
