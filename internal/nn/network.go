package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrInputTooSmall = errors.New("input smaller than receptive field")

// Grid is a flat (Y, X, channel) sample buffer with its extent.
type Grid struct {
	Data     []float64
	Width    int
	Height   int
	Channels int
}

// Network applies its layers in order, sliding each layer's receptive field
// over the previous grid with stride 1 and tiling the output patches.
type Network struct {
	layers []*Layer
}

// NewNetwork builds a network from explicit layer specs. Every layer starts
// as a centre-tap pass-through for the channels its input and output share.
func NewNetwork(specs []LayerSpec) (*Network, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one layer is required", ErrInvalidTopology)
	}
	layers := make([]*Layer, 0, len(specs))
	for i, spec := range specs {
		layer, err := NewLayer(spec)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layer.seedIdentity()
		layers = append(layers, layer)
	}
	return NewNetworkFromLayers(layers)
}

// NewNetworkFromLayers takes ownership of layers after checking that channel
// depth chains between neighbours.
func NewNetworkFromLayers(layers []*Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: at least one layer is required", ErrInvalidTopology)
	}
	for i := 1; i < len(layers); i++ {
		prev, next := layers[i-1].spec.Output.Channels, layers[i].spec.Input.Channels
		if prev != next {
			return nil, fmt.Errorf("%w: layer %d outputs %d channels, layer %d expects %d", ErrChannelMismatch, i-1, prev, i, next)
		}
	}
	return &Network{layers: append([]*Layer(nil), layers...)}, nil
}

func (n *Network) Layers() []*Layer {
	return n.layers
}

func (n *Network) LayerCount() int {
	return len(n.layers)
}

func (n *Network) Specs() []LayerSpec {
	specs := make([]LayerSpec, len(n.layers))
	for i, layer := range n.layers {
		specs[i] = layer.spec
	}
	return specs
}

func (n *Network) InputChannels() int {
	return n.layers[0].spec.Input.Channels
}

func (n *Network) OutputChannels() int {
	return n.layers[len(n.layers)-1].spec.Output.Channels
}

// ParameterCount is the total number of weight and bias scalars.
func (n *Network) ParameterCount() int {
	total := 0
	for _, layer := range n.layers {
		total += len(layer.weights) + len(layer.bias)
	}
	return total
}

// OutputSize composes (size - in + 1) * out over all layers.
func (n *Network) OutputSize(width, height int) (int, int, error) {
	w, h := width, height
	for i, layer := range n.layers {
		in, out := layer.spec.Input, layer.spec.Output
		slidesX, slidesY := w-in.Width+1, h-in.Height+1
		if slidesX < 1 || slidesY < 1 {
			return 0, 0, fmt.Errorf("%w: layer %d needs %dx%d, got %dx%d", ErrInputTooSmall, i, in.Width, in.Height, w, h)
		}
		w, h = slidesX*out.Width, slidesY*out.Height
	}
	return w, h, nil
}

// OutputWidth follows the width recurrence without validation; the result is
// only meaningful when OutputSize succeeds for the same input.
func (n *Network) OutputWidth(width int) int {
	for _, layer := range n.layers {
		width = (1 + width - layer.spec.Input.Width) * layer.spec.Output.Width
	}
	return width
}

func (n *Network) OutputHeight(height int) int {
	for _, layer := range n.layers {
		height = (1 + height - layer.spec.Input.Height) * layer.spec.Output.Height
	}
	return height
}

// Apply runs the network over a (Y, X, channel) grid. Size and channel
// errors are reported before any layer runs.
func (n *Network) Apply(input []float64, width, height, channels int) (Grid, error) {
	if channels != n.InputChannels() {
		return Grid{}, fmt.Errorf("%w: input has %d channels, network expects %d", ErrChannelMismatch, channels, n.InputChannels())
	}
	if len(input) != width*height*channels {
		return Grid{}, fmt.Errorf("%w: got=%d want=%d", ErrInputSize, len(input), width*height*channels)
	}
	if _, _, err := n.OutputSize(width, height); err != nil {
		return Grid{}, err
	}

	current := Grid{
		Data:     append([]float64(nil), input...),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
	for _, layer := range n.layers {
		current = layer.slide(current)
	}
	return current, nil
}

// slide places the layer at every valid offset of src and tiles the output
// patches into a grid of (slidesX*outW, slidesY*outH, outC).
func (l *Layer) slide(src Grid) Grid {
	in, out := l.spec.Input, l.spec.Output
	slidesX, slidesY := src.Width-in.Width+1, src.Height-in.Height+1
	dst := Grid{
		Width:    slidesX * out.Width,
		Height:   slidesY * out.Height,
		Channels: out.Channels,
	}
	dst.Data = make([]float64, dst.Width*dst.Height*dst.Channels)

	patch := make([]float64, in.Size())
	result := make([]float64, out.Size())
	srcRow := src.Width * src.Channels
	dstRow := dst.Width * dst.Channels
	patchRow := in.Width * in.Channels
	outRow := out.Width * out.Channels

	for py := 0; py < slidesY; py++ {
		for px := 0; px < slidesX; px++ {
			for iy := 0; iy < in.Height; iy++ {
				start := (py+iy)*srcRow + px*src.Channels
				copy(patch[iy*patchRow:(iy+1)*patchRow], src.Data[start:start+patchRow])
			}
			l.applyInto(patch, result)
			for oy := 0; oy < out.Height; oy++ {
				start := (py*out.Height+oy)*dstRow + px*outRow
				copy(dst.Data[start:start+outRow], result[oy*outRow:(oy+1)*outRow])
			}
		}
	}
	return dst
}

// Mutate adds an independent heavy-tailed perturbation to every bias and
// weight. Draw order is layer, then output (Y, X, channel) with the bias
// first, then input (Y, X, channel).
func (n *Network) Mutate(rng *rand.Rand) {
	for _, layer := range n.layers {
		in, out := layer.spec.Input, layer.spec.Output
		for oy := 0; oy < out.Height; oy++ {
			for ox := 0; ox < out.Width; ox++ {
				for oc := 0; oc < out.Channels; oc++ {
					layer.bias[layer.BiasIndex(ox, oy, oc)] += Perturbation(rng.Float64())
					for iy := 0; iy < in.Height; iy++ {
						for ix := 0; ix < in.Width; ix++ {
							for ic := 0; ic < in.Channels; ic++ {
								layer.weights[layer.WeightIndex(ix, iy, ic, ox, oy, oc)] += Perturbation(rng.Float64())
							}
						}
					}
				}
			}
		}
	}
}

// Perturbation maps u in [0,1) to logit(u)/4, the same value as
// atanh(2u-1)/2. Symmetric around u=0.5 and unbounded at both ends.
func Perturbation(u float64) float64 {
	if u <= 0 {
		u = 0x1p-53
	}
	return math.Log(u/(1-u)) / 4
}
