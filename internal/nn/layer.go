package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTopology  = errors.New("invalid layer topology")
	ErrChannelMismatch  = errors.New("channel count mismatch")
	ErrTopologyMismatch = errors.New("parent topology mismatch")
	ErrInputSize        = errors.New("input size mismatch")
)

// Shape is the (width, height, channels) extent of a patch.
type Shape struct {
	Width    int
	Height   int
	Channels int
}

func (s Shape) Size() int {
	return s.Width * s.Height * s.Channels
}

func (s Shape) valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Channels > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// MarshalJSON writes the compact [width, height, channels] form used in run
// configs.
func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{s.Width, s.Height, s.Channels})
}

func (s *Shape) UnmarshalJSON(data []byte) error {
	var dims []int
	if err := json.Unmarshal(data, &dims); err != nil {
		return fmt.Errorf("shape must be [width, height, channels]: %w", err)
	}
	if len(dims) != 3 {
		return fmt.Errorf("shape must have 3 dimensions, got %d", len(dims))
	}
	s.Width, s.Height, s.Channels = dims[0], dims[1], dims[2]
	return nil
}

// LayerSpec fixes a layer's receptive field, output patch and activation.
type LayerSpec struct {
	Input      Shape      `json:"input"`
	Output     Shape      `json:"output"`
	Activation Activation `json:"activation"`
}

func (s LayerSpec) Validate() error {
	if !s.Input.valid() {
		return fmt.Errorf("%w: input %dx%dx%d", ErrInvalidTopology, s.Input.Width, s.Input.Height, s.Input.Channels)
	}
	if !s.Output.valid() {
		return fmt.Errorf("%w: output %dx%dx%d", ErrInvalidTopology, s.Output.Width, s.Output.Height, s.Output.Channels)
	}
	if !s.Activation.Valid() {
		return fmt.Errorf("%w: code %d", ErrUnknownActivation, int32(s.Activation))
	}
	return nil
}

func (s LayerSpec) String() string {
	return fmt.Sprintf("%s>%s/%s", s.Input, s.Output, s.Activation)
}

// FormatTopology renders specs as a single comma separated line.
func FormatTopology(specs []LayerSpec) string {
	parts := make([]string, len(specs))
	for i, spec := range specs {
		parts[i] = spec.String()
	}
	return strings.Join(parts, ",")
}

func (s LayerSpec) WeightCount() int {
	return s.Input.Size() * s.Output.Size()
}

func (s LayerSpec) BiasCount() int {
	return s.Output.Size()
}

// Layer is a dense affine map from one input patch to one output patch
// followed by an elementwise activation.
//
// Weights are flattened as (inY, inX, inC, outY, outX, outC) and bias as
// (outY, outX, outC), outermost first. The codec and the genetic operators
// depend on this order.
type Layer struct {
	spec    LayerSpec
	weights []float64
	bias    []float64
	fn      ActivationFunc
}

// NewLayer returns a layer with all weights and biases zero.
func NewLayer(spec LayerSpec) (*Layer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Layer{
		spec:    spec,
		weights: make([]float64, spec.WeightCount()),
		bias:    make([]float64, spec.BiasCount()),
		fn:      spec.Activation.Func(),
	}, nil
}

// NewLayerFromParams copies weights and bias into fresh storage.
func NewLayerFromParams(spec LayerSpec, weights, bias []float64) (*Layer, error) {
	l, err := NewLayer(spec)
	if err != nil {
		return nil, err
	}
	if len(weights) != len(l.weights) {
		return nil, fmt.Errorf("%w: weights got=%d want=%d", ErrInvalidTopology, len(weights), len(l.weights))
	}
	if len(bias) != len(l.bias) {
		return nil, fmt.Errorf("%w: bias got=%d want=%d", ErrInvalidTopology, len(bias), len(l.bias))
	}
	copy(l.weights, weights)
	copy(l.bias, bias)
	return l, nil
}

func (l *Layer) Spec() LayerSpec {
	return l.spec
}

func (l *Layer) Activation() Activation {
	return l.spec.Activation
}

func (l *Layer) InputShape() Shape {
	return l.spec.Input
}

func (l *Layer) OutputShape() Shape {
	return l.spec.Output
}

// Weights exposes the backing weight slice. Callers must not resize it.
func (l *Layer) Weights() []float64 {
	return l.weights
}

// Bias exposes the backing bias slice. Callers must not resize it.
func (l *Layer) Bias() []float64 {
	return l.bias
}

// Clone returns a deep copy with independent backing arrays.
func (l *Layer) Clone() *Layer {
	return &Layer{
		spec:    l.spec,
		weights: append([]float64(nil), l.weights...),
		bias:    append([]float64(nil), l.bias...),
		fn:      l.fn,
	}
}

func (l *Layer) WeightIndex(inX, inY, inC, outX, outY, outC int) int {
	in, out := l.spec.Input, l.spec.Output
	outSize := out.Size()
	return inY*in.Width*in.Channels*outSize +
		inX*in.Channels*outSize +
		inC*outSize +
		outY*out.Width*out.Channels +
		outX*out.Channels +
		outC
}

func (l *Layer) BiasIndex(outX, outY, outC int) int {
	out := l.spec.Output
	return outY*out.Width*out.Channels + outX*out.Channels + outC
}

func (l *Layer) Weight(inX, inY, inC, outX, outY, outC int) float64 {
	return l.weights[l.WeightIndex(inX, inY, inC, outX, outY, outC)]
}

func (l *Layer) SetWeight(inX, inY, inC, outX, outY, outC int, value float64) {
	l.weights[l.WeightIndex(inX, inY, inC, outX, outY, outC)] = value
}

func (l *Layer) BiasAt(outX, outY, outC int) float64 {
	return l.bias[l.BiasIndex(outX, outY, outC)]
}

func (l *Layer) SetBias(outX, outY, outC int, value float64) {
	l.bias[l.BiasIndex(outX, outY, outC)] = value
}

// Apply maps one input patch, flattened as (Y, X, channel), to one output
// patch in the same order.
func (l *Layer) Apply(input []float64) ([]float64, error) {
	if len(input) != l.spec.Input.Size() {
		return nil, fmt.Errorf("%w: got=%d want=%d", ErrInputSize, len(input), l.spec.Input.Size())
	}
	output := make([]float64, len(l.bias))
	l.applyInto(input, output)
	return output, nil
}

// applyInto is Apply without validation or allocation. len(output) must be
// the output patch size.
func (l *Layer) applyInto(input, output []float64) {
	copy(output, l.bias)
	outSize := len(output)
	// Weights for input scalar i occupy weights[i*outSize : (i+1)*outSize] in
	// exactly the output patch order, so the contraction is a row sweep.
	for i, x := range input {
		row := l.weights[i*outSize : (i+1)*outSize]
		for j, w := range row {
			output[j] += w * x
		}
	}
	for j, v := range output {
		output[j] = l.fn(v)
	}
}

// seedIdentity sets the centre input tap of every shared channel to pass
// through unchanged to every output position.
func (l *Layer) seedIdentity() {
	in, out := l.spec.Input, l.spec.Output
	cx, cy := (in.Width-1)/2, (in.Height-1)/2
	shared := min(in.Channels, out.Channels)
	for oy := 0; oy < out.Height; oy++ {
		for ox := 0; ox < out.Width; ox++ {
			for c := 0; c < shared; c++ {
				l.SetWeight(cx, cy, c, ox, oy, c, 1)
			}
		}
	}
}

func sameSpec(a, b *Layer) bool {
	return a.spec == b.spec
}
