package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Candidate is one persisted population member. Network holds the binary
// network encoding; Fitness is meaningful only when Evaluated is set.
type Candidate struct {
	VersionedRecord
	ID         string   `json:"id"`
	RunID      string   `json:"run_id"`
	Generation int      `json:"generation"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	Operation  string   `json:"operation,omitempty"`
	Evaluated  bool     `json:"evaluated"`
	Fitness    float64  `json:"fitness"`
	Network    []byte   `json:"network"`
}

// Population is a snapshot of candidate IDs, ranked best first when the
// snapshot was taken after evaluation.
type Population struct {
	VersionedRecord
	ID           string   `json:"id"`
	RunID        string   `json:"run_id"`
	Generation   int      `json:"generation"`
	CandidateIDs []string `json:"candidate_ids"`
}

type Run struct {
	VersionedRecord
	ID             string  `json:"id"`
	CreatedAtUTC   string  `json:"created_at_utc"`
	SampleDir      string  `json:"sample_dir"`
	OutputDir      string  `json:"output_dir"`
	PopulationSize int     `json:"population_size"`
	Survivors      int     `json:"survivors"`
	Generations    int     `json:"generations"`
	Seed           int64   `json:"seed"`
	Workers        int     `json:"workers"`
	Selection      string  `json:"selection"`
	CrossoverRate  float64 `json:"crossover_rate"`
	Topology       string  `json:"topology"`
	PopulationID   string  `json:"population_id,omitempty"`
	BestFitness    float64 `json:"best_fitness"`
}

type GenerationDiagnostics struct {
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	WorstFitness float64 `json:"worst_fitness"`
	StdFitness   float64 `json:"std_fitness"`
	Crossovers   int     `json:"crossovers"`
	Mutations    int     `json:"mutations"`
}

type LineageRecord struct {
	VersionedRecord
	CandidateID string   `json:"candidate_id"`
	ParentIDs   []string `json:"parent_ids,omitempty"`
	Generation  int      `json:"generation"`
	Operation   string   `json:"operation"`
}
