package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestCloneMutatedLeavesParentIntact(t *testing.T) {
	parent, err := NewNetwork(upscaleSpecs())
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	snapshot := parent.Clone()

	child, err := CloneMutated(parent, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("clone mutated: %v", err)
	}
	assertNetworksEqual(t, parent, snapshot)
	if err := SameTopology(parent, child); err != nil {
		t.Fatalf("child topology: %v", err)
	}
	if child.Layers()[0].Weights()[0] == parent.Layers()[0].Weights()[0] {
		t.Fatal("expected child weights to differ from parent")
	}
}

func TestCloneMutatedDeterministic(t *testing.T) {
	parent, err := NewNetwork(upscaleSpecs())
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	a, err := CloneMutated(parent, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("clone mutated a: %v", err)
	}
	b, err := CloneMutated(parent, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("clone mutated b: %v", err)
	}
	assertNetworksEqual(t, a, b)
}

func TestCrossoverDeterministic(t *testing.T) {
	p1, p2 := distinctParents(t)
	a, err := Crossover(p1, p2, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("crossover a: %v", err)
	}
	b, err := Crossover(p1, p2, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("crossover b: %v", err)
	}
	assertNetworksEqual(t, a, b)
}

func TestCrossoverMergesThenMutates(t *testing.T) {
	p1, p2 := distinctParents(t)

	got, err := Crossover(p1, p2, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("crossover: %v", err)
	}

	rng := rand.New(rand.NewSource(21))
	layers := make([]*Layer, p1.LayerCount())
	for i := range layers {
		layers[i] = crossoverLayer(p1.Layers()[i], p2.Layers()[i], rng)
	}
	want := &Network{layers: layers}
	want.Mutate(rng)

	assertNetworksEqual(t, got, want)
}

func TestCrossoverLayerPicksFromParents(t *testing.T) {
	p1, p2 := distinctParents(t)
	child := crossoverLayer(p1.Layers()[0], p2.Layers()[0], rand.New(rand.NewSource(2)))
	for i, w := range child.Weights() {
		if w != p1.Layers()[0].Weights()[i] && w != p2.Layers()[0].Weights()[i] {
			t.Fatalf("weight %d=%f came from neither parent", i, w)
		}
	}
	for i, b := range child.Bias() {
		if b != p1.Layers()[0].Bias()[i] && b != p2.Layers()[0].Bias()[i] {
			t.Fatalf("bias %d=%f came from neither parent", i, b)
		}
	}
}

func TestCrossoverSelectionIsUnbiased(t *testing.T) {
	spec := LayerSpec{
		Input:      Shape{Width: 2, Height: 2, Channels: 1},
		Output:     Shape{Width: 1, Height: 1, Channels: 1},
		Activation: Identity,
	}
	a, err := NewLayer(spec)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	b := a.Clone()
	a.Weights()[2] = 1

	rng := rand.New(rand.NewSource(1234))
	const trials = 20000
	fromFirst := 0
	for i := 0; i < trials; i++ {
		if crossoverLayer(a, b, rng).Weights()[2] == 1 {
			fromFirst++
		}
	}
	ratio := float64(fromFirst) / trials
	if math.Abs(ratio-0.5) > 0.02 {
		t.Fatalf("expected parent selection near 0.5, got=%f", ratio)
	}
}

func TestCrossoverRejectsTopologyMismatch(t *testing.T) {
	p1, err := NewNetwork(upscaleSpecs())
	if err != nil {
		t.Fatalf("new network: %v", err)
	}

	fewer, err := NewNetwork(upscaleSpecs()[:1])
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if _, err := Crossover(p1, fewer, rand.New(rand.NewSource(1))); !errors.Is(err, ErrTopologyMismatch) {
		t.Fatalf("expected ErrTopologyMismatch for layer count, got: %v", err)
	}

	specs := upscaleSpecs()
	specs[0].Activation = Tanh
	other, err := NewNetwork(specs)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if _, err := Crossover(p1, other, rand.New(rand.NewSource(1))); !errors.Is(err, ErrTopologyMismatch) {
		t.Fatalf("expected ErrTopologyMismatch for layer spec, got: %v", err)
	}
}

func TestOperatorsRequireRandomSource(t *testing.T) {
	p1, p2 := distinctParents(t)
	if _, err := CloneMutated(p1, nil); err == nil {
		t.Fatal("expected random source error")
	}
	if _, err := Crossover(p1, p2, nil); err == nil {
		t.Fatal("expected random source error")
	}
}

func distinctParents(t *testing.T) (*Network, *Network) {
	t.Helper()

	base, err := NewNetwork(upscaleSpecs())
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	p1, err := CloneMutated(base, rand.New(rand.NewSource(100)))
	if err != nil {
		t.Fatalf("clone p1: %v", err)
	}
	p2, err := CloneMutated(base, rand.New(rand.NewSource(200)))
	if err != nil {
		t.Fatalf("clone p2: %v", err)
	}
	return p1, p2
}
