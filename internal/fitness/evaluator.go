// Package fitness scores networks by how well they reconstruct reference
// images from half-resolution copies.
package fitness

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"patchevo/internal/imaging"
	"patchevo/internal/nn"
)

var (
	ErrNoReferences   = errors.New("no reference images")
	ErrOutputTooLarge = errors.New("network output larger than reference")
)

type reference struct {
	full imaging.Image
	half imaging.Image
}

// Evaluator holds the reference set. It is safe for concurrent use since
// Evaluate never mutates it.
type Evaluator struct {
	refs []reference
}

func NewEvaluator(references []imaging.Image) (*Evaluator, error) {
	if len(references) == 0 {
		return nil, ErrNoReferences
	}
	refs := make([]reference, len(references))
	for i, img := range references {
		refs[i] = reference{full: img, half: img.Half()}
	}
	return &Evaluator{refs: refs}, nil
}

func (e *Evaluator) Name() string {
	return "half-resolution-mse"
}

func (e *Evaluator) References() int {
	return len(e.refs)
}

// Evaluate sums, over every reference, the mean squared error between the
// network's output on the half-resolution reference and the centred crop of
// the original at the output size. Lower is better.
func (e *Evaluator) Evaluate(ctx context.Context, network *nn.Network) (float64, error) {
	total := 0.0
	for i, ref := range e.refs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mse, err := referenceError(network, ref)
		if err != nil {
			return 0, fmt.Errorf("reference %d: %w", i, err)
		}
		total += mse
	}
	return total, nil
}

func referenceError(network *nn.Network, ref reference) (float64, error) {
	if network.OutputChannels() != ref.full.Channels {
		return 0, fmt.Errorf("%w: network emits %d channels, reference has %d", nn.ErrChannelMismatch, network.OutputChannels(), ref.full.Channels)
	}
	out, err := network.Apply(ref.half.Pix, ref.half.Width, ref.half.Height, ref.half.Channels)
	if err != nil {
		return 0, err
	}
	if out.Width > ref.full.Width || out.Height > ref.full.Height {
		return 0, fmt.Errorf("%w: %dx%d > %dx%d", ErrOutputTooLarge, out.Width, out.Height, ref.full.Width, ref.full.Height)
	}
	target, err := ref.full.CenterCrop(out.Width, out.Height)
	if err != nil {
		return 0, err
	}
	return MeanSquaredError(out.Data, target.Pix), nil
}

// MeanSquaredError of two equal length sample slices.
func MeanSquaredError(got, want []float64) float64 {
	if len(got) == 0 {
		return 0
	}
	diff := make([]float64, len(got))
	floats.SubTo(diff, got, want)
	return floats.Dot(diff, diff) / float64(len(diff))
}
