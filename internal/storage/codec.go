package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"patchevo/internal/nn"
)

var ErrCorruptFormat = errors.New("corrupt network format")

// Network file layout, little-endian, no header or version field:
//
//	int32 layerCount
//	per layer:
//	  int32 activation, inWidth, inHeight, inChannels, outWidth, outHeight, outChannels
//	  float64[in*out] weights  (inY, inX, inC, outY, outX, outC)
//	  float64[out]    bias     (outY, outX, outC)
var networkByteOrder = binary.LittleEndian

const (
	maxLayerCount  = 1 << 12
	maxLayerParams = 1 << 26
	// floatChunk bounds how many values are buffered ahead of the bytes
	// actually read.
	floatChunk = 1 << 12
)

type layerHeader struct {
	Activation  int32
	InWidth     int32
	InHeight    int32
	InChannels  int32
	OutWidth    int32
	OutHeight   int32
	OutChannels int32
}

func EncodeNetwork(w io.Writer, network *nn.Network) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, networkByteOrder, int32(network.LayerCount())); err != nil {
		return err
	}
	for _, layer := range network.Layers() {
		spec := layer.Spec()
		header := layerHeader{
			Activation:  int32(spec.Activation),
			InWidth:     int32(spec.Input.Width),
			InHeight:    int32(spec.Input.Height),
			InChannels:  int32(spec.Input.Channels),
			OutWidth:    int32(spec.Output.Width),
			OutHeight:   int32(spec.Output.Height),
			OutChannels: int32(spec.Output.Channels),
		}
		if err := binary.Write(bw, networkByteOrder, header); err != nil {
			return err
		}
		if err := binary.Write(bw, networkByteOrder, layer.Weights()); err != nil {
			return err
		}
		if err := binary.Write(bw, networkByteOrder, layer.Bias()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeNetwork reads one network. Any malformed or short input is reported
// as ErrCorruptFormat and no network is returned.
func DecodeNetwork(r io.Reader) (*nn.Network, error) {
	return decodeNetwork(bufio.NewReader(r), nil)
}

// decodeNetwork reads one network from r. When remaining is set it reports
// the unread byte count, and layers claiming more payload than that are
// rejected before any allocation.
func decodeNetwork(br io.Reader, remaining func() int) (*nn.Network, error) {
	var layerCount int32
	if err := binary.Read(br, networkByteOrder, &layerCount); err != nil {
		return nil, corrupt("layer count", err)
	}
	if layerCount <= 0 || layerCount > maxLayerCount {
		return nil, fmt.Errorf("%w: layer count %d", ErrCorruptFormat, layerCount)
	}

	layers := make([]*nn.Layer, 0, layerCount)
	for i := 0; i < int(layerCount); i++ {
		layer, err := decodeLayer(br, remaining)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, layer)
	}

	network, err := nn.NewNetworkFromLayers(layers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	return network, nil
}

func decodeLayer(r io.Reader, remaining func() int) (*nn.Layer, error) {
	var header layerHeader
	if err := binary.Read(r, networkByteOrder, &header); err != nil {
		return nil, corrupt("layer header", err)
	}
	activation, err := nn.ActivationFromCode(header.Activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	spec := nn.LayerSpec{
		Input:      nn.Shape{Width: int(header.InWidth), Height: int(header.InHeight), Channels: int(header.InChannels)},
		Output:     nn.Shape{Width: int(header.OutWidth), Height: int(header.OutHeight), Channels: int(header.OutChannels)},
		Activation: activation,
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	// Dimensions come from untrusted input; bound them before allocating.
	inSize, okIn := boundedSize(spec.Input)
	outSize, okOut := boundedSize(spec.Output)
	if !okIn || !okOut || inSize > maxLayerParams/outSize {
		return nil, fmt.Errorf("%w: layer %s exceeds %d parameters", ErrCorruptFormat, spec, maxLayerParams)
	}

	if remaining != nil {
		if need := 8 * (spec.WeightCount() + spec.BiasCount()); need > remaining() {
			return nil, fmt.Errorf("%w: truncated layer %s: need %d bytes, have %d", ErrCorruptFormat, spec, need, remaining())
		}
	}

	weights, err := readFloats(r, spec.WeightCount())
	if err != nil {
		return nil, corrupt("weights", err)
	}
	bias, err := readFloats(r, spec.BiasCount())
	if err != nil {
		return nil, corrupt("bias", err)
	}
	return nn.NewLayerFromParams(spec, weights, bias)
}

// readFloats reads n values in chunks so a short stream fails before the
// full claimed length is allocated.
func readFloats(r io.Reader, n int) ([]float64, error) {
	chunk := make([]float64, min(n, floatChunk))
	out := make([]float64, 0, len(chunk))
	for len(out) < n {
		k := min(n-len(out), len(chunk))
		if err := binary.Read(r, networkByteOrder, chunk[:k]); err != nil {
			return nil, err
		}
		out = append(out, chunk[:k]...)
	}
	return out, nil
}

func MarshalNetwork(network *nn.Network) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeNetwork(&buf, network); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalNetwork decodes data and rejects trailing bytes.
func UnmarshalNetwork(data []byte) (*nn.Network, error) {
	br := bytes.NewReader(data)
	network, err := decodeNetwork(br, br.Len)
	if err != nil {
		return nil, err
	}
	if consumed := EncodedSize(network); consumed != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFormat, len(data)-consumed)
	}
	return network, nil
}

func SaveNetworkFile(path string, network *nn.Network) error {
	data, err := MarshalNetwork(network)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadNetworkFile(path string) (*nn.Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	network, err := UnmarshalNetwork(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return network, nil
}

// EncodedSize is the exact byte length EncodeNetwork writes for network.
func EncodedSize(network *nn.Network) int {
	size := 4
	for _, layer := range network.Layers() {
		size += binary.Size(layerHeader{})
		size += 8 * (len(layer.Weights()) + len(layer.Bias()))
	}
	return size
}

func boundedSize(s nn.Shape) (int, bool) {
	size := 1
	for _, dim := range []int{s.Width, s.Height, s.Channels} {
		if dim > maxLayerParams/size {
			return 0, false
		}
		size *= dim
	}
	return size, true
}

func corrupt(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptFormat, what)
	}
	return fmt.Errorf("%w: read %s: %v", ErrCorruptFormat, what, err)
}
