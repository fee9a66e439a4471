package evo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"patchevo/internal/model"
	"patchevo/internal/nn"
)

const (
	OpSeed      = "seed"
	OpResume    = "resume"
	OpSurvivor  = "survivor"
	OpMutate    = "mutate"
	OpCrossover = "crossover"
)

// Evaluator scores one network. Lower is better. Implementations must be
// safe for concurrent use.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, network *nn.Network) (float64, error)
}

type ScoredNetwork struct {
	ID        string
	Network   *nn.Network
	Fitness   float64
	Evaluated bool
}

type RunResult struct {
	BestByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	// FinalPopulation is ranked best first.
	FinalPopulation []ScoredNetwork
	Lineage         []model.LineageRecord
}

type MonitorConfig struct {
	Evaluator      Evaluator
	Selector       Selector
	PopulationSize int
	Survivors      int
	Generations    int
	Workers        int
	Seed           int64
	CrossoverRate  float64
	// IDPrefix names offspring as <prefix>-g<generation>-i<index>.
	IDPrefix string
	Progress func(model.GenerationDiagnostics)
}

// PopulationMonitor drives the survivor loop: evaluate, rank ascending by
// error, keep the survivors unchanged and refill the population with
// offspring bred from them.
type PopulationMonitor struct {
	cfg MonitorConfig
	rng *rand.Rand
}

// breedPlan fixes everything the driver decides for one offspring so that
// building it on any worker gives the same child.
type breedPlan struct {
	id      string
	op      string
	parents []ScoredNetwork
	seed    int64
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.Survivors <= 0 || cfg.Survivors > cfg.PopulationSize {
		return nil, fmt.Errorf("survivors must be in [1, population size]")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.CrossoverRate < 0 || cfg.CrossoverRate > 1 {
		return nil, fmt.Errorf("crossover rate must be in [0, 1]")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "cand"
	}

	return &PopulationMonitor{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Run evolves initial for the configured number of generations. Members of
// initial that are already Evaluated keep their score in the first
// generation.
func (m *PopulationMonitor) Run(ctx context.Context, initial []ScoredNetwork) (RunResult, error) {
	if len(initial) != m.cfg.PopulationSize {
		return RunResult{}, fmt.Errorf("initial population mismatch: got=%d want=%d", len(initial), m.cfg.PopulationSize)
	}
	for i := 1; i < len(initial); i++ {
		if err := nn.SameTopology(initial[0].Network, initial[i].Network); err != nil {
			return RunResult{}, fmt.Errorf("initial member %s: %w", initial[i].ID, err)
		}
	}

	population := make([]ScoredNetwork, len(initial))
	copy(population, initial)

	bestHistory := make([]float64, 0, m.cfg.Generations)
	diagnostics := make([]model.GenerationDiagnostics, 0, m.cfg.Generations)
	lineage := make([]model.LineageRecord, 0, len(initial)*m.cfg.Generations)
	for _, member := range population {
		lineage = append(lineage, model.LineageRecord{
			CandidateID: member.ID,
			Generation:  0,
			Operation:   OpSeed,
		})
	}

	var plans []breedPlan
	for gen := 0; gen < m.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		var err error
		population, err = m.evaluatePopulation(ctx, population, plans)
		if err != nil {
			return RunResult{}, err
		}
		rank(population)

		summary := summarizeGeneration(population, gen+1, plans)
		bestHistory = append(bestHistory, summary.BestFitness)
		diagnostics = append(diagnostics, summary)
		if m.cfg.Progress != nil {
			m.cfg.Progress(summary)
		}

		if gen == m.cfg.Generations-1 {
			break
		}

		var generationLineage []model.LineageRecord
		population, plans, generationLineage = m.nextGeneration(population, gen)
		lineage = append(lineage, generationLineage...)
	}

	return RunResult{
		BestByGeneration:      bestHistory,
		GenerationDiagnostics: diagnostics,
		FinalPopulation:       population,
		Lineage:               lineage,
	}, nil
}

// nextGeneration keeps the ranked survivors and plans one offspring per
// remaining slot. Offspring slots hold only an ID until evaluatePopulation
// builds them from their plan.
func (m *PopulationMonitor) nextGeneration(ranked []ScoredNetwork, generation int) ([]ScoredNetwork, []breedPlan, []model.LineageRecord) {
	next := make([]ScoredNetwork, 0, m.cfg.PopulationSize)
	lineage := make([]model.LineageRecord, 0, m.cfg.PopulationSize)
	nextGeneration := generation + 1

	for i := 0; i < m.cfg.Survivors; i++ {
		next = append(next, ranked[i])
		lineage = append(lineage, model.LineageRecord{
			CandidateID: ranked[i].ID,
			ParentIDs:   []string{ranked[i].ID},
			Generation:  nextGeneration,
			Operation:   OpSurvivor,
		})
	}

	plans := make([]breedPlan, 0, m.cfg.PopulationSize-m.cfg.Survivors)
	for len(next) < m.cfg.PopulationSize {
		plan := m.planOffspring(ranked, fmt.Sprintf("%s-g%d-i%d", m.cfg.IDPrefix, nextGeneration, len(next)))
		parentIDs := make([]string, len(plan.parents))
		for i, parent := range plan.parents {
			parentIDs[i] = parent.ID
		}
		next = append(next, ScoredNetwork{ID: plan.id, Fitness: math.NaN()})
		plans = append(plans, plan)
		lineage = append(lineage, model.LineageRecord{
			CandidateID: plan.id,
			ParentIDs:   parentIDs,
			Generation:  nextGeneration,
			Operation:   plan.op,
		})
	}
	return next, plans, lineage
}

// planOffspring draws, from the master stream, the operator, the parents and
// the seed of the offspring's own random stream.
func (m *PopulationMonitor) planOffspring(ranked []ScoredNetwork, id string) breedPlan {
	plan := breedPlan{id: id, op: OpMutate}
	first := m.pickParent(ranked)
	plan.parents = []ScoredNetwork{first}

	if m.cfg.Survivors >= 2 && m.rng.Float64() < m.cfg.CrossoverRate {
		for attempt := 0; attempt < 8; attempt++ {
			second := m.pickParent(ranked)
			if second.ID != first.ID {
				plan.op = OpCrossover
				plan.parents = append(plan.parents, second)
				break
			}
		}
	}
	plan.seed = m.rng.Int63()
	return plan
}

func (m *PopulationMonitor) pickParent(ranked []ScoredNetwork) ScoredNetwork {
	parent, err := m.cfg.Selector.PickParent(m.rng, ranked, m.cfg.Survivors)
	if err != nil {
		// Survivors and rng are validated in NewPopulationMonitor.
		return ranked[0]
	}
	return parent
}

func buildOffspring(plan breedPlan) (*nn.Network, error) {
	rng := rand.New(rand.NewSource(plan.seed))
	if plan.op == OpCrossover {
		return nn.Crossover(plan.parents[0].Network, plan.parents[1].Network, rng)
	}
	return nn.CloneMutated(plan.parents[0].Network, rng)
}

// evaluatePopulation builds planned offspring and scores every member not
// yet evaluated. Survivors keep their score.
func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population []ScoredNetwork, plans []breedPlan) ([]ScoredNetwork, error) {
	planByID := make(map[string]breedPlan, len(plans))
	for _, plan := range plans {
		planByID[plan.id] = plan
	}

	type job struct {
		idx    int
		member ScoredNetwork
	}
	type result struct {
		idx    int
		scored ScoredNetwork
		err    error
	}

	pending := make([]job, 0, len(population))
	for i, member := range population {
		if !member.Evaluated {
			pending = append(pending, job{idx: i, member: member})
		}
	}

	scored := make([]ScoredNetwork, len(population))
	copy(scored, population)
	if len(pending) == 0 {
		return scored, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job)
	results := make(chan result, len(pending))

	workerCount := m.cfg.Workers
	if workerCount > len(pending) {
		workerCount = len(pending)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}

				member := j.member
				if plan, ok := planByID[member.ID]; ok {
					network, err := buildOffspring(plan)
					if err != nil {
						results <- result{idx: j.idx, err: fmt.Errorf("breed %s: %w", member.ID, err)}
						cancel()
						continue
					}
					member.Network = network
				}

				fitness, err := m.cfg.Evaluator.Evaluate(ctx, member.Network)
				if err != nil {
					results <- result{idx: j.idx, err: fmt.Errorf("evaluate %s: %w", member.ID, err)}
					cancel()
					continue
				}
				member.Fitness = fitness
				member.Evaluated = true
				results <- result{idx: j.idx, scored: member}
			}
		}()
	}

feed:
	for _, j := range pending {
		select {
		case jobs <- j:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)

	wg.Wait()
	close(results)

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		scored[res.idx] = res.scored
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scored, nil
}

// rank sorts by ascending error. The sort is stable so survivors stay ahead
// of offspring with an equal score.
func rank(population []ScoredNetwork) {
	sort.SliceStable(population, func(i, j int) bool {
		return better(population[i].Fitness, population[j].Fitness)
	})
}

func summarizeGeneration(ranked []ScoredNetwork, generation int, plans []breedPlan) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{Generation: generation}
	for _, plan := range plans {
		if plan.op == OpCrossover {
			diag.Crossovers++
		} else {
			diag.Mutations++
		}
	}
	if len(ranked) == 0 {
		return diag
	}

	finite := make([]float64, 0, len(ranked))
	for _, item := range ranked {
		if !math.IsNaN(item.Fitness) && !math.IsInf(item.Fitness, 0) {
			finite = append(finite, item.Fitness)
		}
	}

	diag.BestFitness = ranked[0].Fitness
	if len(finite) == 0 {
		diag.MeanFitness, diag.WorstFitness, diag.StdFitness = math.NaN(), math.NaN(), math.NaN()
		return diag
	}
	diag.WorstFitness = finite[len(finite)-1]
	if len(finite) == 1 {
		diag.MeanFitness = finite[0]
		return diag
	}
	diag.MeanFitness, diag.StdFitness = stat.MeanStdDev(finite, nil)
	return diag
}
