package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"patchevo/internal/evo"
	"patchevo/internal/model"
	"patchevo/internal/nn"
	"patchevo/internal/stats"
	"patchevo/internal/storage"
)

var (
	ErrNotStarted        = errors.New("polis is not started")
	ErrRunActive         = errors.New("run is already active")
	ErrPopulationMissing = errors.New("population not found")
)

type Config struct {
	Store storage.Store
}

type EvolutionConfig struct {
	RunID     string
	SampleDir string
	OutputDir string
	// InitialGeneration offsets recorded generation numbers when a run
	// continues a stored population.
	InitialGeneration int
	PopulationSize    int
	Survivors         int
	Generations       int
	Workers           int
	Seed              int64
	CrossoverRate     float64
	Selector          evo.Selector
	Evaluator         evo.Evaluator
	Progress          func(model.GenerationDiagnostics)
	Initial           []evo.ScoredNetwork
	// InitialParents maps an Initial member ID to the stored candidate it
	// was loaded from.
	InitialParents map[string]string
}

type EvolutionResult struct {
	RunID                 string
	PopulationID          string
	FinalGeneration       int
	BestByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	BestFinalFitness      float64
	FinalPopulation       []evo.ScoredNetwork
	Lineage               []model.LineageRecord
}

// Polis owns the store and the set of runs in flight. Every finished run
// leaves its candidates, ranked population snapshot, fitness history,
// diagnostics, lineage and run record in the store.
type Polis struct {
	store storage.Store

	mu      sync.RWMutex
	started bool
	runs    map[string]struct{}
}

func NewPolis(cfg Config) *Polis {
	return &Polis{
		store: cfg.Store,
		runs:  make(map[string]struct{}),
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) Store() storage.Store {
	return p.store
}

// Stop rejects new runs. Runs already in flight finish normally.
func (p *Polis) Stop() {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

func (p *Polis) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Polis) RunEvolution(ctx context.Context, cfg EvolutionConfig) (EvolutionResult, error) {
	if !p.Started() {
		return EvolutionResult{}, ErrNotStarted
	}
	if cfg.RunID == "" {
		return EvolutionResult{}, fmt.Errorf("run id is required")
	}
	if len(cfg.Initial) == 0 {
		return EvolutionResult{}, fmt.Errorf("initial population is required")
	}
	if cfg.InitialGeneration < 0 {
		return EvolutionResult{}, fmt.Errorf("initial generation must be >= 0")
	}
	if err := p.registerRun(cfg.RunID); err != nil {
		return EvolutionResult{}, err
	}
	defer p.unregisterRun(cfg.RunID)

	progress := cfg.Progress
	if progress != nil && cfg.InitialGeneration > 0 {
		inner := progress
		progress = func(d model.GenerationDiagnostics) {
			d.Generation += cfg.InitialGeneration
			inner(d)
		}
	}

	monitor, err := evo.NewPopulationMonitor(evo.MonitorConfig{
		Evaluator:      cfg.Evaluator,
		Selector:       cfg.Selector,
		PopulationSize: cfg.PopulationSize,
		Survivors:      cfg.Survivors,
		Generations:    cfg.Generations,
		Workers:        cfg.Workers,
		Seed:           cfg.Seed,
		CrossoverRate:  cfg.CrossoverRate,
		IDPrefix:       cfg.RunID,
		Progress:       progress,
	})
	if err != nil {
		return EvolutionResult{}, err
	}

	runResult, err := monitor.Run(ctx, cfg.Initial)
	if err != nil {
		return EvolutionResult{}, err
	}

	finalGeneration := cfg.InitialGeneration + cfg.Generations - 1
	result := EvolutionResult{
		RunID:                 cfg.RunID,
		PopulationID:          populationID(cfg.RunID, finalGeneration),
		FinalGeneration:       finalGeneration,
		BestByGeneration:      runResult.BestByGeneration,
		GenerationDiagnostics: shiftDiagnostics(runResult.GenerationDiagnostics, cfg.InitialGeneration),
		FinalPopulation:       runResult.FinalPopulation,
		Lineage:               shiftLineage(runResult.Lineage, cfg.InitialGeneration),
	}
	linkResumed(result.Lineage, cfg.InitialGeneration, cfg.InitialParents)
	if len(result.BestByGeneration) > 0 {
		result.BestFinalFitness = result.BestByGeneration[len(result.BestByGeneration)-1]
	}

	if err := p.persist(ctx, cfg, result); err != nil {
		return EvolutionResult{}, err
	}
	return result, nil
}

func (p *Polis) persist(ctx context.Context, cfg EvolutionConfig, result EvolutionResult) error {
	parents := make(map[string]model.LineageRecord, len(result.Lineage))
	for _, rec := range result.Lineage {
		parents[rec.CandidateID] = rec
	}

	candidateIDs := make([]string, 0, len(result.FinalPopulation))
	for _, member := range result.FinalPopulation {
		payload, err := storage.MarshalNetwork(member.Network)
		if err != nil {
			return fmt.Errorf("encode candidate %s: %w", member.ID, err)
		}
		origin := parents[member.ID]
		candidate := model.Candidate{
			VersionedRecord: storage.Versioned(),
			ID:              member.ID,
			RunID:           cfg.RunID,
			Generation:      result.FinalGeneration,
			ParentIDs:       origin.ParentIDs,
			Operation:       origin.Operation,
			Evaluated:       member.Evaluated,
			Fitness:         member.Fitness,
			Network:         payload,
		}
		if err := p.store.SaveCandidate(ctx, candidate); err != nil {
			return fmt.Errorf("save candidate %s: %w", member.ID, err)
		}
		candidateIDs = append(candidateIDs, member.ID)
	}

	if err := p.store.SavePopulation(ctx, model.Population{
		VersionedRecord: storage.Versioned(),
		ID:              result.PopulationID,
		RunID:           cfg.RunID,
		Generation:      result.FinalGeneration,
		CandidateIDs:    candidateIDs,
	}); err != nil {
		return fmt.Errorf("save population: %w", err)
	}
	if err := p.store.SaveFitnessHistory(ctx, cfg.RunID, result.BestByGeneration); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}
	if err := p.store.SaveGenerationDiagnostics(ctx, cfg.RunID, result.GenerationDiagnostics); err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	if err := p.store.SaveLineage(ctx, cfg.RunID, result.Lineage); err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}

	var topology string
	if len(result.FinalPopulation) > 0 {
		topology = nn.FormatTopology(result.FinalPopulation[0].Network.Specs())
	}
	selection := evo.EliteSelector{}.Name()
	if cfg.Selector != nil {
		selection = cfg.Selector.Name()
	}
	run := model.Run{
		VersionedRecord: storage.Versioned(),
		ID:              cfg.RunID,
		CreatedAtUTC:    time.Now().UTC().Format(stats.TimestampLayout),
		SampleDir:       cfg.SampleDir,
		OutputDir:       cfg.OutputDir,
		PopulationSize:  cfg.PopulationSize,
		Survivors:       cfg.Survivors,
		Generations:     cfg.Generations,
		Seed:            cfg.Seed,
		Workers:         cfg.Workers,
		Selection:       selection,
		CrossoverRate:   cfg.CrossoverRate,
		Topology:        topology,
		PopulationID:    result.PopulationID,
		BestFitness:     result.BestFinalFitness,
	}
	if err := p.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadPopulation decodes a stored population snapshot back into networks in
// snapshot order. Stored scores are carried over as they were recorded.
func (p *Polis) LoadPopulation(ctx context.Context, id string) ([]evo.ScoredNetwork, model.Population, error) {
	population, ok, err := p.store.GetPopulation(ctx, id)
	if err != nil {
		return nil, model.Population{}, err
	}
	if !ok {
		return nil, model.Population{}, fmt.Errorf("%w: %s", ErrPopulationMissing, id)
	}

	members := make([]evo.ScoredNetwork, 0, len(population.CandidateIDs))
	for _, candidateID := range population.CandidateIDs {
		candidate, ok, err := p.store.GetCandidate(ctx, candidateID)
		if err != nil {
			return nil, model.Population{}, err
		}
		if !ok {
			return nil, model.Population{}, fmt.Errorf("population %s: candidate %s not found", id, candidateID)
		}
		network, err := storage.UnmarshalNetwork(candidate.Network)
		if err != nil {
			return nil, model.Population{}, fmt.Errorf("candidate %s: %w", candidateID, err)
		}
		members = append(members, evo.ScoredNetwork{
			ID:        candidate.ID,
			Network:   network,
			Fitness:   candidate.Fitness,
			Evaluated: candidate.Evaluated,
		})
	}
	return members, population, nil
}

func (p *Polis) registerRun(runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.runs[runID] = struct{}{}
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	delete(p.runs, runID)
	p.mu.Unlock()
}

func populationID(runID string, generation int) string {
	return fmt.Sprintf("%s-pop-g%d", runID, generation)
}

func shiftDiagnostics(diagnostics []model.GenerationDiagnostics, offset int) []model.GenerationDiagnostics {
	out := make([]model.GenerationDiagnostics, len(diagnostics))
	for i, d := range diagnostics {
		d.Generation += offset
		out[i] = d
	}
	return out
}

func linkResumed(lineage []model.LineageRecord, generation int, parents map[string]string) {
	for i := range lineage {
		rec := &lineage[i]
		if rec.Generation != generation || rec.Operation != evo.OpSeed {
			continue
		}
		if parent, ok := parents[rec.CandidateID]; ok {
			rec.ParentIDs = []string{parent}
			rec.Operation = evo.OpResume
		}
	}
}

func shiftLineage(lineage []model.LineageRecord, offset int) []model.LineageRecord {
	out := make([]model.LineageRecord, len(lineage))
	for i, rec := range lineage {
		rec.VersionedRecord = storage.Versioned()
		rec.Generation += offset
		out[i] = rec
	}
	return out
}
