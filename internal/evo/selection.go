package evo

import (
	"fmt"
	"math"
	"math/rand"
)

// Selector chooses a breeding parent from the ranked population. ranked is
// sorted best first and only its first survivors entries are eligible.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []ScoredNetwork, survivors int) (ScoredNetwork, error)
}

// EliteSelector picks uniformly from the survivors.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, ranked []ScoredNetwork, survivors int) (ScoredNetwork, error) {
	if err := checkPick(rng, ranked, survivors); err != nil {
		return ScoredNetwork{}, err
	}
	return ranked[rng.Intn(survivors)], nil
}

// TournamentSelector samples TournamentSize survivors with replacement and
// keeps the one with the lowest error.
type TournamentSelector struct {
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []ScoredNetwork, survivors int) (ScoredNetwork, error) {
	if err := checkPick(rng, ranked, survivors); err != nil {
		return ScoredNetwork{}, err
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}

	best := ranked[rng.Intn(survivors)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(survivors)]
		if better(candidate.Fitness, best.Fitness) {
			best = candidate
		}
	}
	return best, nil
}

// SelectorFromName resolves the names accepted in run configs.
func SelectorFromName(name string) (Selector, error) {
	switch name {
	case "", "elite":
		return EliteSelector{}, nil
	case "tournament":
		return TournamentSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported selection strategy: %s", name)
	}
}

func checkPick(rng *rand.Rand, ranked []ScoredNetwork, survivors int) error {
	if rng == nil {
		return fmt.Errorf("random source is required")
	}
	if survivors <= 0 || survivors > len(ranked) {
		return fmt.Errorf("invalid survivor count: %d", survivors)
	}
	return nil
}

// better reports whether error a ranks ahead of error b. NaN ranks last.
func better(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a < b
}
