package stats

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"
)

const reportSuffix = "_report.json"

// ReportRun scores one run of an experiment against the error goal.
type ReportRun struct {
	RunID string `json:"run_id"`
	// Iterations is the number of iterations run until the goal was met,
	// or the whole series when it never was.
	Iterations int     `json:"iterations"`
	Success    bool    `json:"success"`
	FinalError float64 `json:"final_error"`
	BestError  float64 `json:"best_error"`
}

type ReportPoint struct {
	Iteration int     `json:"iteration"`
	Error     float64 `json:"error"`
}

// ExperimentReport aggregates the runs of an experiment: how many reached
// the goal, how fast, and the mean and best error curves across runs.
type ExperimentReport struct {
	ExperimentID   string        `json:"experiment_id"`
	Date           string        `json:"date"`
	ReportName     string        `json:"report_name"`
	GeneratedAt    string        `json:"generated_at_utc"`
	Goal           *float64      `json:"goal,omitempty"`
	TotalRuns      int           `json:"total_runs"`
	SuccessRuns    int           `json:"success_runs"`
	SuccessRate    float64       `json:"success_rate"`
	AvgIterations  float64       `json:"avg_iterations"`
	StdIterations  float64       `json:"std_iterations"`
	MinIterations  float64       `json:"min_iterations"`
	MaxIterations  float64       `json:"max_iterations"`
	MeanErrorCurve []ReportPoint `json:"mean_error_curve"`
	BestErrorCurve []ReportPoint `json:"best_error_curve"`
	Runs           []ReportRun   `json:"runs"`
}

// BuildExperimentReport reads the error series of every run of exp from
// runsDir. Without a goal every run counts as a success.
func BuildExperimentReport(runsDir string, exp Experiment, goal *float64) (ExperimentReport, error) {
	report := ExperimentReport{
		ExperimentID: exp.ID,
		Date:         exp.Date,
		Goal:         cloneFloat64Ptr(goal),
		TotalRuns:    len(exp.RunIDs),
		Runs:         make([]ReportRun, 0, len(exp.RunIDs)),
	}
	lists := make([][]float64, 0, len(exp.RunIDs))
	successValues := make([]float64, 0, len(exp.RunIDs))
	for _, runID := range exp.RunIDs {
		series, ok, err := ReadErrorSeries(runsDir, runID)
		if err != nil {
			return ExperimentReport{}, err
		}
		if !ok {
			return ExperimentReport{}, fmt.Errorf("error series not found for run id: %s", runID)
		}
		run := evaluateErrorSeries(runID, series, goal)
		report.Runs = append(report.Runs, run)
		lists = append(lists, series)
		if run.Success {
			report.SuccessRuns++
			successValues = append(successValues, float64(run.Iterations))
		}
	}
	if report.TotalRuns > 0 {
		report.SuccessRate = float64(report.SuccessRuns) / float64(report.TotalRuns)
	}
	if len(successValues) > 0 {
		report.AvgIterations, report.StdIterations = stat.MeanStdDev(successValues, nil)
		if len(successValues) == 1 {
			report.StdIterations = 0
		}
		report.MinIterations = successValues[0]
		report.MaxIterations = successValues[0]
		for _, value := range successValues[1:] {
			report.MinIterations = math.Min(report.MinIterations, value)
			report.MaxIterations = math.Max(report.MaxIterations, value)
		}
	}
	report.MeanErrorCurve = errorCurve(lists, stat.Mean)
	report.BestErrorCurve = errorCurve(lists, func(values, _ []float64) float64 {
		best := values[0]
		for _, v := range values[1:] {
			best = math.Min(best, v)
		}
		return best
	})
	return report, nil
}

// WriteExperimentReport stores the report in the experiment directory as
// <name>_report.json.
func WriteExperimentReport(root string, report ExperimentReport) (string, error) {
	if report.ExperimentID == "" {
		return "", fmt.Errorf("report experiment id is required")
	}
	dir, err := EnsureLayout(root, report.Date, report.ExperimentID)
	if err != nil {
		return "", err
	}
	if report.ReportName == "" {
		report.ReportName = "experiment"
	}
	if report.GeneratedAt == "" {
		report.GeneratedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	path := filepath.Join(dir, report.ReportName+reportSuffix)
	return path, writeJSON(path, report)
}

func evaluateErrorSeries(runID string, series []float64, goal *float64) ReportRun {
	run := ReportRun{RunID: runID, BestError: math.Inf(1)}
	if len(series) > 0 {
		run.FinalError = series[len(series)-1]
	}
	for i, e := range series {
		run.BestError = math.Min(run.BestError, e)
		run.Iterations = i + 1
		if goal != nil && !run.Success && e <= *goal {
			run.Success = true
			run.Iterations = i
			break
		}
	}
	if goal == nil {
		run.Success = true
	}
	if math.IsInf(run.BestError, 1) {
		run.BestError = 0
	}
	return run
}

// errorCurve reduces the runs' series position by position; shorter runs
// drop out once exhausted.
func errorCurve(lists [][]float64, reduce func(values, weights []float64) float64) []ReportPoint {
	var points []ReportPoint
	for i := 0; ; i++ {
		values := make([]float64, 0, len(lists))
		for _, list := range lists {
			if i < len(list) {
				values = append(values, list[i])
			}
		}
		if len(values) == 0 {
			return points
		}
		points = append(points, ReportPoint{Iteration: i, Error: reduce(values, nil)})
	}
}

func cloneFloat64Ptr(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	value := *v
	return &value
}
