package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// HistoryEntry is one immutable per-iteration snapshot of the optimized
// sequence and the reconstruction it produced. Complex arrays (reco,
// signal) are stored interleaved as re, im pairs; flips as flip, phase.
type HistoryEntry struct {
	VersionedRecord
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	Restart     int       `json:"restart"`
	Iteration   int       `json:"iteration"`
	T           int       `json:"t"`
	NRep        int       `json:"nrep"`
	ADCMask     []float64 `json:"adc_mask"`
	Flips       []float64 `json:"flips"`
	EventTimes  []float64 `json:"event_times"`
	GradMoms    []float64 `json:"grad_moms"`
	KSpaceLoc   []float64 `json:"kspace_loc"`
	Reco        []float64 `json:"reco"`
	Signal      []float64 `json:"signal"`
	Error       float64   `json:"error"`
	MeasError   *float64  `json:"meas_error,omitempty"`
	Supervised  bool      `json:"supervised,omitempty"`
	LearnRates  []float64 `json:"learn_rates,omitempty"`
	ROI         []float64 `json:"roi,omitempty"`
	CreatedUnix int64     `json:"created_unix"`
}

// Checkpoint is an opaque optimizer state blob keyed by name.
type Checkpoint struct {
	VersionedRecord
	Name      string `json:"name"`
	Optimizer string `json:"optimizer"`
	Payload   []byte `json:"payload"`
}

// RunRecord summarizes one optimization run.
type RunRecord struct {
	VersionedRecord
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Family       string    `json:"family"`
	Optimizer    string    `json:"optimizer"`
	Iterations   int       `json:"iterations"`
	Restarts     int       `json:"restarts"`
	InitialError float64   `json:"initial_error"`
	BestError    float64   `json:"best_error"`
	FinalError   float64   `json:"final_error"`
	ErrorHistory []float64 `json:"error_history"`
	CreatedUTC   string    `json:"created_utc"`
}
