package storage

import (
	"encoding/json"
	"errors"
	"math"

	"patchevo/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the record header stamped with the current versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// EncodeCandidate stores a non-finite fitness as unevaluated since JSON has
// no representation for NaN or infinities.
func EncodeCandidate(c model.Candidate) ([]byte, error) {
	if c.Evaluated && (math.IsNaN(c.Fitness) || math.IsInf(c.Fitness, 0)) {
		c.Evaluated = false
		c.Fitness = 0
	}
	return json.Marshal(c)
}

func DecodeCandidate(data []byte) (model.Candidate, error) {
	var candidate model.Candidate
	if err := json.Unmarshal(data, &candidate); err != nil {
		return model.Candidate{}, err
	}
	if err := checkVersion(candidate.VersionedRecord); err != nil {
		return model.Candidate{}, err
	}
	return candidate, nil
}

func EncodePopulation(p model.Population) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePopulation(data []byte) (model.Population, error) {
	var population model.Population
	if err := json.Unmarshal(data, &population); err != nil {
		return model.Population{}, err
	}
	if err := checkVersion(population.VersionedRecord); err != nil {
		return model.Population{}, err
	}
	return population, nil
}

func EncodeRun(r model.Run) ([]byte, error) {
	if math.IsNaN(r.BestFitness) || math.IsInf(r.BestFitness, 0) {
		r.BestFitness = 0
	}
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.Run, error) {
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return model.Run{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func EncodeLineage(records []model.LineageRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeLineage(data []byte) ([]model.LineageRecord, error) {
	var records []model.LineageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func EncodeFitnessHistory(history []float64) ([]byte, error) {
	return json.Marshal(finiteOrZero(history))
}

func DecodeFitnessHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func EncodeGenerationDiagnostics(diagnostics []model.GenerationDiagnostics) ([]byte, error) {
	copied := make([]model.GenerationDiagnostics, len(diagnostics))
	for i, d := range diagnostics {
		values := finiteOrZero([]float64{d.BestFitness, d.MeanFitness, d.WorstFitness, d.StdFitness})
		d.BestFitness, d.MeanFitness, d.WorstFitness, d.StdFitness = values[0], values[1], values[2], values[3]
		copied[i] = d
	}
	return json.Marshal(copied)
}

func DecodeGenerationDiagnostics(data []byte) ([]model.GenerationDiagnostics, error) {
	var diagnostics []model.GenerationDiagnostics
	if err := json.Unmarshal(data, &diagnostics); err != nil {
		return nil, err
	}
	return diagnostics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func finiteOrZero(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[i] = v
		}
	}
	return out
}
