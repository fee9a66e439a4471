package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"patchevo/internal/model"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	fitnessHistoryFile = "fitness_history.csv"
	diagnosticsFile    = "generation_diagnostics.json"
	lineageFile        = "lineage.json"
	populationFile     = "population.json"
	fitnessPlotFile    = "fitness.png"
)

// TimestampLayout is fixed width so CreatedAtUTC values sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type RunConfig struct {
	RunID                string  `json:"run_id"`
	ContinuePopulationID string  `json:"continue_population_id,omitempty"`
	SampleDir            string  `json:"sample_dir"`
	References           int     `json:"references"`
	Topology             string  `json:"topology"`
	PopulationSize       int     `json:"population_size"`
	Survivors            int     `json:"survivors"`
	Generations          int     `json:"generations"`
	Seed                 int64   `json:"seed"`
	Workers              int     `json:"workers"`
	Selection            string  `json:"selection"`
	CrossoverRate        float64 `json:"crossover_rate"`
}

// PopulationEntry locates one saved network of the final population.
type PopulationEntry struct {
	Rank        int     `json:"rank"`
	CandidateID string  `json:"candidate_id"`
	Fitness     float64 `json:"fitness"`
	File        string  `json:"file"`
}

type RunArtifacts struct {
	Config                RunConfig
	BestByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	FinalBestFitness      float64
	Population            []PopulationEntry
	Lineage               []model.LineageRecord
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Topology         string  `json:"topology"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Seed             int64   `json:"seed"`
	Workers          int     `json:"workers"`
	Survivors        int     `json:"survivors"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	BestNetwork      string  `json:"best_network"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// RunDir is where a run's artifacts and networks live under baseDir.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runID)
}

// WriteRunArtifacts writes the JSON and CSV artifacts of a finished run into
// RunDir(baseDir, runID). Non-finite errors are written as 0 in JSON files;
// the CSV history keeps them verbatim.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := RunDir(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteFitnessHistory(runDir, artifacts.BestByGeneration); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), finiteDiagnostics(artifacts.GenerationDiagnostics)); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), artifacts.Lineage); err != nil {
		return "", err
	}
	population := make([]PopulationEntry, len(artifacts.Population))
	for i, entry := range artifacts.Population {
		entry.Fitness = finite(entry.Fitness)
		population[i] = entry
	}
	if err := writeJSON(filepath.Join(runDir, populationFile), population); err != nil {
		return "", err
	}

	return runDir, nil
}

// NetworkFileName names the saved network of the candidate at rank
// (0 = best).
func NetworkFileName(rank int) string {
	return fmt.Sprintf("rank-%03d.net", rank)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	entry.FinalBestFitness = finite(entry.FinalBestFitness)
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(RunDir(baseDir, runID), configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	if strings.TrimSpace(cfg.RunID) != runID {
		return RunConfig{}, false, fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, runID)
	}
	return cfg, true, nil
}

func ReadPopulation(baseDir, runID string) ([]PopulationEntry, bool, error) {
	path := filepath.Join(RunDir(baseDir, runID), populationFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var population []PopulationEntry
	if err := json.Unmarshal(data, &population); err != nil {
		return nil, false, err
	}
	return population, true, nil
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), diagnosticsFile), &diagnostics)
	return diagnostics, ok, err
}

func ReadLineage(baseDir, runID string) ([]model.LineageRecord, bool, error) {
	var lineage []model.LineageRecord
	ok, err := readJSON(filepath.Join(RunDir(baseDir, runID), lineageFile), &lineage)
	return lineage, ok, err
}

func WriteFitnessHistory(runDir string, bestByGeneration []float64) error {
	path := filepath.Join(runDir, fitnessHistoryFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "best_error"}); err != nil {
		return err
	}
	for i, best := range bestByGeneration {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(best, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func ReadFitnessHistory(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(RunDir(baseDir, runID), fitnessHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("fitness history header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("fitness history row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func finiteDiagnostics(diagnostics []model.GenerationDiagnostics) []model.GenerationDiagnostics {
	out := make([]model.GenerationDiagnostics, len(diagnostics))
	for i, d := range diagnostics {
		d.BestFitness = finite(d.BestFitness)
		d.MeanFitness = finite(d.MeanFitness)
		d.WorstFitness = finite(d.WorstFitness)
		d.StdFitness = finite(d.StdFitness)
		out[i] = d
	}
	return out
}

func finite(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}
