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
)

const runIndexFile = "run_index.json"

type RunConfig struct {
	RunID            string             `json:"run_id"`
	ExperimentID     string             `json:"experiment_id,omitempty"`
	Family           string             `json:"family"`
	Size             [2]int             `json:"size"`
	NSpins           int                `json:"nspins"`
	NCoils           int                `json:"ncoils,omitempty"`
	R2Star           float64            `json:"r2star,omitempty"`
	Carry            string             `json:"carry,omitempty"`
	Backend          string             `json:"backend,omitempty"`
	Workers          int                `json:"workers,omitempty"`
	NoiseStd         float64            `json:"noise_std,omitempty"`
	Seed             int64              `json:"seed"`
	Optimizer        string             `json:"optimizer"`
	OptMode          string             `json:"opt_mode"`
	Reconstructor    string             `json:"reconstructor,omitempty"`
	LearningRate     float64            `json:"learning_rate"`
	TensorRates      map[string]float64 `json:"tensor_rates,omitempty"`
	Trainable        []string           `json:"trainable"`
	Iterations       int                `json:"iterations"`
	Restarts         int                `json:"restarts,omitempty"`
	BatchSize        int                `json:"batch_size,omitempty"`
	WeightDecay      float64            `json:"weight_decay,omitempty"`
	Supervised       bool               `json:"supervised,omitempty"`
	SupervisedEvery  int                `json:"supervised_every,omitempty"`
	RecordHistory    bool               `json:"record_history,omitempty"`
	HistoryCapacity  int                `json:"history_capacity,omitempty"`
	QueryScanner     bool               `json:"query_scanner,omitempty"`
	ResumeCheckpoint bool               `json:"resume_checkpoint,omitempty"`
}

// BestSnapshot is the lowest-error parameter set seen during a run.
type BestSnapshot struct {
	Restart   int       `json:"restart"`
	Iteration int       `json:"iteration"`
	Error     float64   `json:"error"`
	ADC       []float64 `json:"adc_mask"`
	RF        []float64 `json:"flips"`
	EventTime []float64 `json:"event_times"`
	GradMoms  []float64 `json:"grad_moms"`
}

type RunArtifacts struct {
	Config       RunConfig    `json:"config"`
	ErrorHistory []float64    `json:"error_history"`
	InitialError float64      `json:"initial_error"`
	FinalError   float64      `json:"final_error"`
	Best         BestSnapshot `json:"best"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	ExperimentID string  `json:"experiment_id,omitempty"`
	Family       string  `json:"family"`
	Optimizer    string  `json:"optimizer"`
	Iterations   int     `json:"iterations"`
	Restarts     int     `json:"restarts,omitempty"`
	Seed         int64   `json:"seed"`
	BestError    float64 `json:"best_error"`
	FinalError   float64 `json:"final_error"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "error_history.json"), map[string]any{
		"error_history": artifacts.ErrorHistory,
		"initial_error": artifacts.InitialError,
		"final_error":   artifacts.FinalError,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "best.json"), artifacts.Best); err != nil {
		return "", err
	}
	if err := WriteErrorSeries(runDir, artifacts.ErrorHistory); err != nil {
		return "", err
	}

	return runDir, nil
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

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
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

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "error_history.json", "best.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, "error_series.csv")
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, "error_series.csv")); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
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
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, "config.json"), cfg)
}

func ReadBestSnapshot(baseDir, runID string) (BestSnapshot, bool, error) {
	path := filepath.Join(baseDir, runID, "best.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BestSnapshot{}, false, nil
		}
		return BestSnapshot{}, false, err
	}
	var best BestSnapshot
	if err := json.Unmarshal(data, &best); err != nil {
		return BestSnapshot{}, false, err
	}
	return best, true, nil
}

func WriteErrorSeries(runDir string, errorHistory []float64) error {
	path := filepath.Join(runDir, "error_series.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"iteration", "error_pct"}); err != nil {
		return err
	}
	for i, e := range errorHistory {
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(e, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadErrorSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "error_series.csv")
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
		return nil, false, fmt.Errorf("error series header must have at least 2 columns")
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
			return nil, false, fmt.Errorf("error series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
