package nn

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestLayerApplySingleTap(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 1, Height: 1, Channels: 1},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: Identity,
	}
	layer, err := NewLayerFromParams(spec, []float64{1.5}, []float64{-0.25})
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}

	out, err := layer.Apply([]float64{2})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 || out[0] != 1.5*2-0.25 {
		t.Fatalf("unexpected output: got=%v want=[%f]", out, 1.5*2-0.25)
	}
}

func TestLayerApplyActivation(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 1, Height: 1, Channels: 1},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: ReLU,
	}
	layer, err := NewLayerFromParams(spec, []float64{1}, []float64{-3})
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	out, err := layer.Apply([]float64{2})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out[0] != 0 {
		t.Fatalf("expected relu to clamp negative sum, got=%f", out[0])
	}
}

func TestLayerApplyMatchesIndexedContraction(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 2, Height: 3, Channels: 2},
		Output:     Shape{Width: 2, Height: 1, Channels: 3},
		Activation: Identity,
	}
	layer, err := NewLayer(spec)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	for i := range layer.Weights() {
		layer.Weights()[i] = float64(i%7) - 3
	}
	for i := range layer.Bias() {
		layer.Bias()[i] = float64(i) / 10
	}
	input := make([]float64, spec.Input.Size())
	for i := range input {
		input[i] = float64(i+1) / 4
	}

	got, err := layer.Apply(input)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	in, out := spec.Input, spec.Output
	for oy := 0; oy < out.Height; oy++ {
		for ox := 0; ox < out.Width; ox++ {
			for oc := 0; oc < out.Channels; oc++ {
				want := layer.BiasAt(ox, oy, oc)
				for iy := 0; iy < in.Height; iy++ {
					for ix := 0; ix < in.Width; ix++ {
						for ic := 0; ic < in.Channels; ic++ {
							x := input[iy*in.Width*in.Channels+ix*in.Channels+ic]
							want += layer.Weight(ix, iy, ic, ox, oy, oc) * x
						}
					}
				}
				idx := layer.BiasIndex(ox, oy, oc)
				if math.Abs(got[idx]-want) > 1e-9 {
					t.Fatalf("output (%d,%d,%d): got=%f want=%f", ox, oy, oc, got[idx], want)
				}
			}
		}
	}
}

func TestLayerWeightIndexOrder(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 2, Height: 2, Channels: 3},
		Output:     Shape{Width: 2, Height: 2, Channels: 3},
		Activation: Identity,
	}
	layer, err := NewLayer(spec)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	outSize := spec.Output.Size()
	tests := []struct {
		name                      string
		inX, inY, inC, oX, oY, oC int
		want                      int
	}{
		{name: "origin", want: 0},
		{name: "output-channel", oC: 1, want: 1},
		{name: "output-x", oX: 1, want: 3},
		{name: "output-y", oY: 1, want: 6},
		{name: "input-channel", inC: 1, want: outSize},
		{name: "input-x", inX: 1, want: 3 * outSize},
		{name: "input-y", inY: 1, want: 6 * outSize},
		{name: "last", inX: 1, inY: 1, inC: 2, oX: 1, oY: 1, oC: 2, want: spec.WeightCount() - 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := layer.WeightIndex(tc.inX, tc.inY, tc.inC, tc.oX, tc.oY, tc.oC)
			if got != tc.want {
				t.Fatalf("unexpected index: got=%d want=%d", got, tc.want)
			}
		})
	}
}

func TestLayerCloneDoesNotAlias(t *testing.T) {
	layer, err := NewLayer(LayerSpec{
		Input:      Shape{Width: 1, Height: 1, Channels: 1},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: Tanh,
	})
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	clone := layer.Clone()
	clone.Weights()[0] = 5
	clone.Bias()[0] = 7
	if layer.Weights()[0] != 0 || layer.Bias()[0] != 0 {
		t.Fatalf("clone aliases parent arrays: weights=%v bias=%v", layer.Weights(), layer.Bias())
	}
	if clone.Activation() != Tanh {
		t.Fatalf("clone activation: got=%s want=%s", clone.Activation(), Tanh)
	}
}

func TestNewLayerFromParamsCopiesAndValidates(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 1, Height: 1, Channels: 2},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: Identity,
	}
	weights := []float64{1, 2}
	bias := []float64{3}
	layer, err := NewLayerFromParams(spec, weights, bias)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	weights[0] = 100
	if layer.Weights()[0] != 1 {
		t.Fatalf("layer aliases caller weights: %v", layer.Weights())
	}

	if _, err := NewLayerFromParams(spec, []float64{1}, bias); !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology for short weights, got: %v", err)
	}
	if _, err := NewLayerFromParams(spec, []float64{1, 2}, nil); !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology for short bias, got: %v", err)
	}
}

func TestNewLayerValidation(t *testing.T) {
	tests := []struct {
		name string
		spec LayerSpec
		want error
	}{
		{name: "zero-width", spec: LayerSpec{Input: Shape{0, 1, 1}, Output: Shape{1, 1, 1}}, want: ErrInvalidTopology},
		{name: "negative-output", spec: LayerSpec{Input: Shape{1, 1, 1}, Output: Shape{1, -1, 1}}, want: ErrInvalidTopology},
		{name: "unknown-activation", spec: LayerSpec{Input: Shape{1, 1, 1}, Output: Shape{1, 1, 1}, Activation: 9}, want: ErrUnknownActivation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLayer(tc.spec); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got: %v", tc.want, err)
			}
		})
	}
}

func TestLayerApplyRejectsWrongInputLength(t *testing.T) {
	layer, err := NewLayer(LayerSpec{
		Input:      Shape{Width: 2, Height: 2, Channels: 1},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: Identity,
	})
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	if _, err := layer.Apply([]float64{1, 2, 3}); !errors.Is(err, ErrInputSize) {
		t.Fatalf("expected ErrInputSize, got: %v", err)
	}
}

func TestLayerSpecJSON(t *testing.T) {
	var spec LayerSpec
	if err := json.Unmarshal([]byte(`{"input":[3,3,3],"output":[1,1,6],"activation":"relu"}`), &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := LayerSpec{Input: Shape{3, 3, 3}, Output: Shape{1, 1, 6}, Activation: ReLU}
	if spec != want {
		t.Fatalf("unexpected spec: got=%+v want=%+v", spec, want)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"input":[3,3,3],"output":[1,1,6],"activation":"relu"}` {
		t.Fatalf("unexpected json: %s", data)
	}
	if got := FormatTopology([]LayerSpec{spec, spec}); got != "3x3x3>1x1x6/relu,3x3x3>1x1x6/relu" {
		t.Fatalf("unexpected topology string: %s", got)
	}

	if err := json.Unmarshal([]byte(`{"input":[3,3],"output":[1,1,6],"activation":"relu"}`), &spec); err == nil {
		t.Fatal("expected shape dimension error")
	}
	if err := json.Unmarshal([]byte(`{"input":[3,3,3],"output":[1,1,6],"activation":"swish"}`), &spec); !errors.Is(err, ErrUnknownActivation) {
		t.Fatalf("expected ErrUnknownActivation, got: %v", err)
	}
}
