package patchevo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"patchevo/internal/evo"
	"patchevo/internal/fitness"
	"patchevo/internal/imaging"
	"patchevo/internal/model"
	"patchevo/internal/nn"
	"patchevo/internal/platform"
	"patchevo/internal/stats"
	"patchevo/internal/storage"
)

const (
	defaultDBPath = "patchevo.db"

	DefaultPopulation    = 100
	DefaultSurvivors     = 10
	DefaultWorkers       = 4
	DefaultSeed          = 1
	DefaultCrossoverRate = 0.5
	DefaultSelection     = "elite"

	BestNetworkFile = "best.net"
)

var ErrNoRuns = errors.New("no runs available")

func DefaultTopology() []nn.LayerSpec {
	return []nn.LayerSpec{
		{
			Input:      nn.Shape{Width: 3, Height: 3, Channels: imaging.Channels},
			Output:     nn.Shape{Width: 1, Height: 1, Channels: 6},
			Activation: nn.ReLU,
		},
		{
			Input:      nn.Shape{Width: 1, Height: 1, Channels: 6},
			Output:     nn.Shape{Width: 2, Height: 2, Channels: imaging.Channels},
			Activation: nn.Identity,
		},
	}
}

type Options struct {
	StoreKind string
	DBPath    string
}

type Client struct {
	store storage.Store
	polis *platform.Polis
}

type TrainRequest struct {
	SampleDir   string
	OutputDir   string
	Generations int
	Population  int
	Survivors   int
	Workers     int
	Seed        int64
	CrossoverRate *float64
	Selection     string
	Topology      []nn.LayerSpec
	ResumePopulationID string
	Progress           func(model.GenerationDiagnostics)
}

type TrainSummary struct {
	RunID            string
	ArtifactsDir     string
	BestNetwork      string
	PopulationID     string
	References       int
	BestByGeneration []float64
	FinalBestFitness float64
}

type RunRequest struct {
	NetworkFile string
	InputImage  string
	OutputImage string
}

type RunSummary struct {
	InputWidth   int
	InputHeight  int
	OutputWidth  int
	OutputHeight int
}

type RunsRequest struct {
	OutputDir string
	Limit     int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Topology         string
	Seed             int64
	Population       int
	Survivors        int
	Generations      int
	FinalBestFitness float64
	BestNetwork      string
}

type HistoryRequest struct {
	OutputDir string
	RunID     string
	Latest    bool
	Limit     int
}

type (
	FitnessHistoryRequest = HistoryRequest
	DiagnosticsRequest    = HistoryRequest
	LineageRequest        = HistoryRequest
)

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePolis(ctx)
	return err
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if req.SampleDir == "" {
		return TrainSummary{}, errors.New("sample dir is required")
	}
	if req.OutputDir == "" {
		return TrainSummary{}, errors.New("output dir is required")
	}
	if req.Generations <= 0 {
		return TrainSummary{}, errors.New("generations must be > 0")
	}
	if req.Workers <= 0 {
		req.Workers = DefaultWorkers
	}
	if req.Seed == 0 {
		req.Seed = DefaultSeed
	}
	crossoverRate := DefaultCrossoverRate
	if req.CrossoverRate != nil {
		crossoverRate = *req.CrossoverRate
	}
	if req.Selection == "" {
		req.Selection = DefaultSelection
	}
	selector, err := evo.SelectorFromName(req.Selection)
	if err != nil {
		return TrainSummary{}, err
	}

	p, err := c.ensurePolis(ctx)
	if err != nil {
		return TrainSummary{}, err
	}

	references, _, err := imaging.LoadDir(req.SampleDir)
	if err != nil {
		return TrainSummary{}, fmt.Errorf("load samples: %w", err)
	}
	evaluator, err := fitness.NewEvaluator(references)
	if err != nil {
		return TrainSummary{}, fmt.Errorf("%s: %w", req.SampleDir, err)
	}

	runID := uuid.NewString()
	var (
		initial           []evo.ScoredNetwork
		initialParents    map[string]string
		initialGeneration int
	)
	if req.ResumePopulationID != "" {
		loaded, snapshot, err := p.LoadPopulation(ctx, req.ResumePopulationID)
		if err != nil {
			return TrainSummary{}, err
		}
		if len(loaded) == 0 {
			return TrainSummary{}, fmt.Errorf("population %s is empty", req.ResumePopulationID)
		}
		if req.Population > 0 && req.Population != len(loaded) {
			return TrainSummary{}, fmt.Errorf("population %s has %d members, requested %d", req.ResumePopulationID, len(loaded), req.Population)
		}
		initialParents = make(map[string]string, len(loaded))
		for i := range loaded {
			id := seedID(runID, i)
			initialParents[id] = loaded[i].ID
			loaded[i].ID = id
			loaded[i].Evaluated = false
			loaded[i].Fitness = math.NaN()
		}
		initial = loaded
		initialGeneration = snapshot.Generation + 1
		req.Population = len(loaded)
	} else {
		if req.Population <= 0 {
			req.Population = DefaultPopulation
		}
		if len(req.Topology) == 0 {
			req.Topology = DefaultTopology()
		}
		initial, err = seedPopulation(runID, req.Topology, req.Population, req.Seed)
		if err != nil {
			return TrainSummary{}, err
		}
	}
	if req.Survivors <= 0 {
		req.Survivors = min(DefaultSurvivors, req.Population)
	}
	topology := nn.FormatTopology(initial[0].Network.Specs())

	result, err := p.RunEvolution(ctx, platform.EvolutionConfig{
		RunID:             runID,
		SampleDir:         req.SampleDir,
		OutputDir:         req.OutputDir,
		InitialGeneration: initialGeneration,
		PopulationSize:    req.Population,
		Survivors:         req.Survivors,
		Generations:       req.Generations,
		Workers:           req.Workers,
		Seed:              req.Seed,
		CrossoverRate:     crossoverRate,
		Selector:          selector,
		Evaluator:         evaluator,
		Progress:          req.Progress,
		Initial:           initial,
		InitialParents:    initialParents,
	})
	if err != nil {
		return TrainSummary{}, err
	}

	population := make([]stats.PopulationEntry, len(result.FinalPopulation))
	for i, member := range result.FinalPopulation {
		population[i] = stats.PopulationEntry{
			Rank:        i,
			CandidateID: member.ID,
			Fitness:     member.Fitness,
			File:        stats.NetworkFileName(i),
		}
	}

	runDir, err := stats.WriteRunArtifacts(req.OutputDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:                runID,
			ContinuePopulationID: req.ResumePopulationID,
			SampleDir:            req.SampleDir,
			References:           evaluator.References(),
			Topology:             topology,
			PopulationSize:       req.Population,
			Survivors:            req.Survivors,
			Generations:          req.Generations,
			Seed:                 req.Seed,
			Workers:              req.Workers,
			Selection:            selector.Name(),
			CrossoverRate:        crossoverRate,
		},
		BestByGeneration:      result.BestByGeneration,
		GenerationDiagnostics: result.GenerationDiagnostics,
		FinalBestFitness:      result.BestFinalFitness,
		Population:            population,
		Lineage:               result.Lineage,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	for i, member := range result.FinalPopulation {
		if err := storage.SaveNetworkFile(filepath.Join(runDir, population[i].File), member.Network); err != nil {
			return TrainSummary{}, err
		}
	}
	bestPath := filepath.Join(req.OutputDir, BestNetworkFile)
	if err := storage.SaveNetworkFile(bestPath, result.FinalPopulation[0].Network); err != nil {
		return TrainSummary{}, err
	}
	if _, err := stats.WriteFitnessPlot(runDir, result.GenerationDiagnostics); err != nil && !errors.Is(err, stats.ErrNothingToPlot) {
		return TrainSummary{}, err
	}

	if err := stats.AppendRunIndex(req.OutputDir, stats.RunIndexEntry{
		RunID:            runID,
		Topology:         topology,
		PopulationSize:   req.Population,
		Generations:      req.Generations,
		Seed:             req.Seed,
		Workers:          req.Workers,
		Survivors:        req.Survivors,
		FinalBestFitness: result.BestFinalFitness,
		BestNetwork:      filepath.Join(runID, population[0].File),
		CreatedAtUTC:     time.Now().UTC().Format(stats.TimestampLayout),
	}); err != nil {
		return TrainSummary{}, err
	}

	return TrainSummary{
		RunID:            runID,
		ArtifactsDir:     filepath.Clean(runDir),
		BestNetwork:      bestPath,
		PopulationID:     result.PopulationID,
		References:       evaluator.References(),
		BestByGeneration: append([]float64(nil), result.BestByGeneration...),
		FinalBestFitness: result.BestFinalFitness,
	}, nil
}

func seedPopulation(runID string, topology []nn.LayerSpec, size int, seed int64) ([]evo.ScoredNetwork, error) {
	base, err := nn.NewNetwork(topology)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	members := make([]evo.ScoredNetwork, size)
	members[0] = evo.ScoredNetwork{ID: seedID(runID, 0), Network: base, Fitness: math.NaN()}
	for i := 1; i < size; i++ {
		network, err := nn.CloneMutated(base, rng)
		if err != nil {
			return nil, err
		}
		members[i] = evo.ScoredNetwork{ID: seedID(runID, i), Network: network, Fitness: math.NaN()}
	}
	return members, nil
}

func seedID(runID string, i int) string {
	return fmt.Sprintf("%s-g0-i%d", runID, i)
}

func (c *Client) Run(_ context.Context, req RunRequest) (RunSummary, error) {
	if req.NetworkFile == "" || req.InputImage == "" || req.OutputImage == "" {
		return RunSummary{}, errors.New("network file, input image and output image are required")
	}
	network, err := storage.LoadNetworkFile(req.NetworkFile)
	if err != nil {
		return RunSummary{}, err
	}
	input, err := imaging.Load(req.InputImage)
	if err != nil {
		return RunSummary{}, err
	}
	grid, err := network.Apply(input.Pix, input.Width, input.Height, input.Channels)
	if err != nil {
		return RunSummary{}, fmt.Errorf("apply %s: %w", req.NetworkFile, err)
	}
	output := imaging.Image{Pix: grid.Data, Width: grid.Width, Height: grid.Height, Channels: grid.Channels}
	if dir := filepath.Dir(req.OutputImage); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunSummary{}, err
		}
	}
	if err := imaging.Save(req.OutputImage, output); err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		InputWidth:   input.Width,
		InputHeight:  input.Height,
		OutputWidth:  output.Width,
		OutputHeight: output.Height,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(req.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Topology:         e.Topology,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			Survivors:        e.Survivors,
			Generations:      e.Generations,
			FinalBestFitness: e.FinalBestFitness,
			BestNetwork:      e.BestNetwork,
		})
	}
	return out, nil
}

func (c *Client) FitnessHistory(ctx context.Context, req FitnessHistoryRequest) ([]float64, error) {
	runID, err := resolveRunID(req, "fitness history")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if history, ok, err = stats.ReadFitnessHistory(req.OutputDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("fitness history not found for run id: %s", runID)
	}
	return limit(history, req.Limit), nil
}

func (c *Client) Diagnostics(ctx context.Context, req DiagnosticsRequest) ([]model.GenerationDiagnostics, error) {
	runID, err := resolveRunID(req, "diagnostics")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if diagnostics, ok, err = stats.ReadGenerationDiagnostics(req.OutputDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("diagnostics not found for run id: %s", runID)
	}
	return limit(diagnostics, req.Limit), nil
}

func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	runID, err := resolveRunID(req, "lineage")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if lineage, ok, err = stats.ReadLineage(req.OutputDir, runID); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	return limit(lineage, req.Limit), nil
}

func resolveRunID(req HistoryRequest, what string) (string, error) {
	if req.RunID != "" && req.Latest {
		return "", errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return "", errors.New("limit must be >= 0")
	}
	if req.Latest {
		entries, err := stats.ListRunIndex(req.OutputDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", ErrNoRuns
		}
		return entries[0].RunID, nil
	}
	if req.RunID == "" {
		return "", fmt.Errorf("%s requires run id or latest", what)
	}
	return req.RunID, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return append([]T(nil), items...)
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil && c.polis.Started() {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}
