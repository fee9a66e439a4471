package nn

import (
	"fmt"
	"math/rand"
)

// Clone returns a deep copy of n without mutation.
func (n *Network) Clone() *Network {
	layers := make([]*Layer, len(n.layers))
	for i, layer := range n.layers {
		layers[i] = layer.Clone()
	}
	return &Network{layers: layers}
}

// CloneMutated deep copies parent and mutates the copy.
func CloneMutated(parent *Network, rng *rand.Rand) (*Network, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	child := parent.Clone()
	child.Mutate(rng)
	return child, nil
}

// Crossover seeds a child by taking every weight and bias from parent1 or
// parent2 on an independent coin flip, then mutates it. Parents must share
// topology exactly.
func Crossover(parent1, parent2 *Network, rng *rand.Rand) (*Network, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if err := SameTopology(parent1, parent2); err != nil {
		return nil, err
	}
	layers := make([]*Layer, len(parent1.layers))
	for i := range parent1.layers {
		layers[i] = crossoverLayer(parent1.layers[i], parent2.layers[i], rng)
	}
	child := &Network{layers: layers}
	child.Mutate(rng)
	return child, nil
}

// SameTopology reports ErrTopologyMismatch unless a and b have the same layer
// count and identical per-layer specs.
func SameTopology(a, b *Network) error {
	if len(a.layers) != len(b.layers) {
		return fmt.Errorf("%w: layer count %d != %d", ErrTopologyMismatch, len(a.layers), len(b.layers))
	}
	for i := range a.layers {
		if !sameSpec(a.layers[i], b.layers[i]) {
			return fmt.Errorf("%w: layer %d %+v != %+v", ErrTopologyMismatch, i, a.layers[i].spec, b.layers[i].spec)
		}
	}
	return nil
}

func crossoverLayer(parent1, parent2 *Layer, rng *rand.Rand) *Layer {
	child := &Layer{
		spec:    parent1.spec,
		weights: make([]float64, len(parent1.weights)),
		bias:    make([]float64, len(parent1.bias)),
		fn:      parent1.fn,
	}
	for i := range child.weights {
		if coin(rng) {
			child.weights[i] = parent1.weights[i]
		} else {
			child.weights[i] = parent2.weights[i]
		}
	}
	for i := range child.bias {
		if coin(rng) {
			child.bias[i] = parent1.bias[i]
		} else {
			child.bias[i] = parent2.bias[i]
		}
	}
	return child
}

func coin(rng *rand.Rand) bool {
	return rng.Int63()&1 == 1
}
