package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	experimentFile = "experiment.json"
	dataDir        = "data"
	dateLayout     = "060102"
)

// DateString formats t the way experiment folders are named (yymmdd).
func DateString(t time.Time) string { return t.Format(dateLayout) }

// ExperimentDir is <root>/seq<date>/<experimentID>.
func ExperimentDir(root, date, experimentID string) string {
	return filepath.Join(root, "seq"+date, experimentID)
}

// EnsureLayout creates an experiment directory and its data folder. An
// existing layout is not an error.
func EnsureLayout(root, date, experimentID string) (string, error) {
	if strings.TrimSpace(experimentID) == "" {
		return "", fmt.Errorf("experiment id is required")
	}
	if strings.TrimSpace(date) == "" {
		return "", fmt.Errorf("experiment date is required")
	}
	dir := ExperimentDir(root, date, experimentID)
	if err := os.MkdirAll(filepath.Join(dir, dataDir), 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

type Experiment struct {
	ID             string   `json:"id"`
	Date           string   `json:"date"`
	Family         string   `json:"family,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ProgressFlag   string   `json:"progress_flag"`
	StartedAtUTC   string   `json:"started_at_utc,omitempty"`
	CompletedAtUTC string   `json:"completed_at_utc,omitempty"`
	RunIDs         []string `json:"run_ids,omitempty"`
	BestError      *float64 `json:"best_error,omitempty"`
}

func WriteExperiment(root string, exp Experiment) error {
	if exp.ID == "" {
		return fmt.Errorf("experiment id is required")
	}
	dir, err := EnsureLayout(root, exp.Date, exp.ID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, experimentFile), exp)
}

func ReadExperiment(root, date, id string) (Experiment, bool, error) {
	if id == "" {
		return Experiment{}, false, fmt.Errorf("experiment id is required")
	}
	data, err := os.ReadFile(filepath.Join(ExperimentDir(root, date, id), experimentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Experiment{}, false, nil
		}
		return Experiment{}, false, err
	}
	var exp Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return Experiment{}, false, err
	}
	return exp, true, nil
}

// RecordExperimentRun adds a run to an experiment, creating it if needed,
// and keeps the lowest error seen.
func RecordExperimentRun(root, date, id, family, runID string, bestError float64, finished bool) (Experiment, error) {
	exp, ok, err := ReadExperiment(root, date, id)
	if err != nil {
		return Experiment{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if !ok {
		exp = Experiment{ID: id, Date: date, Family: family, StartedAtUTC: now}
	}
	found := false
	for _, r := range exp.RunIDs {
		if r == runID {
			found = true
			break
		}
	}
	if !found && runID != "" {
		exp.RunIDs = append(exp.RunIDs, runID)
	}
	if exp.BestError == nil || bestError < *exp.BestError {
		b := bestError
		exp.BestError = &b
	}
	exp.ProgressFlag = "in_progress"
	if finished {
		exp.ProgressFlag = "completed"
		exp.CompletedAtUTC = now
	}
	return exp, WriteExperiment(root, exp)
}

// ListExperiments walks every seq<date> folder under root, newest first.
func ListExperiments(root string) ([]Experiment, error) {
	days, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Experiment{}, nil
		}
		return nil, err
	}

	exps := make([]Experiment, 0, len(days))
	for _, day := range days {
		if !day.IsDir() || !strings.HasPrefix(day.Name(), "seq") {
			continue
		}
		date := strings.TrimPrefix(day.Name(), "seq")
		entries, err := os.ReadDir(filepath.Join(root, day.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			exp, ok, err := ReadExperiment(root, date, entry.Name())
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			exps = append(exps, exp)
		}
	}
	sort.Slice(exps, func(i, j int) bool {
		switch {
		case exps[i].StartedAtUTC == exps[j].StartedAtUTC:
			return exps[i].ID < exps[j].ID
		case exps[i].StartedAtUTC == "":
			return false
		case exps[j].StartedAtUTC == "":
			return true
		default:
			return exps[i].StartedAtUTC > exps[j].StartedAtUTC
		}
	})
	return exps, nil
}
