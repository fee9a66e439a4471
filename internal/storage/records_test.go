package storage

import (
	"errors"
	"math"
	"os"
	"testing"

	"patchevo/internal/model"
)

func TestDecodeCandidateFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("minimal_candidate_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	candidate, err := DecodeCandidate(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if candidate.ID != "cand-minimal-1" || !candidate.Evaluated || candidate.Fitness != 0.0125 {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
	if len(candidate.ParentIDs) != 2 || candidate.Operation != "crossover" {
		t.Fatalf("unexpected lineage fields: %+v", candidate)
	}

	network, err := UnmarshalNetwork(candidate.Network)
	if err != nil {
		t.Fatalf("decode embedded network: %v", err)
	}
	if network.LayerCount() != 1 {
		t.Fatalf("unexpected layer count: %d", network.LayerCount())
	}
}

func TestDecodePopulationFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("minimal_population_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	population, err := DecodePopulation(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if population.ID != "population-minimal-1" {
		t.Fatalf("unexpected population id: %s", population.ID)
	}
	if len(population.CandidateIDs) != 1 || population.CandidateIDs[0] != "cand-minimal-1" {
		t.Fatalf("unexpected population candidate ids: %+v", population.CandidateIDs)
	}
}

func TestDecodeRunFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("minimal_run_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	run, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if run.ID != "run-minimal-1" || run.PopulationID != "population-minimal-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Topology != "1x1x2>1x1x1/relu" || run.Seed != 7 {
		t.Fatalf("unexpected run settings: %+v", run)
	}
}

func TestDecodeRejectsFutureSchema(t *testing.T) {
	data, err := os.ReadFile(fixturePath("population_future_schema.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if _, err := DecodePopulation(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestEncodeCandidateDropsNonFiniteFitness(t *testing.T) {
	for _, fitness := range []float64{math.NaN(), math.Inf(1)} {
		data, err := EncodeCandidate(model.Candidate{
			VersionedRecord: Versioned(),
			ID:              "c1",
			Evaluated:       true,
			Fitness:         fitness,
		})
		if err != nil {
			t.Fatalf("encode fitness=%v: %v", fitness, err)
		}
		decoded, err := DecodeCandidate(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Evaluated {
			t.Fatalf("expected non-finite fitness %v to decode as unevaluated", fitness)
		}
	}
}

func TestEncodeGenerationDiagnosticsZeroesNonFinite(t *testing.T) {
	data, err := EncodeGenerationDiagnostics([]model.GenerationDiagnostics{
		{Generation: 1, BestFitness: 0.5, MeanFitness: math.Inf(1), WorstFitness: math.NaN()},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeGenerationDiagnostics(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[0].BestFitness != 0.5 || decoded[0].MeanFitness != 0 || decoded[0].WorstFitness != 0 {
		t.Fatalf("unexpected diagnostics: %+v", decoded[0])
	}
}
