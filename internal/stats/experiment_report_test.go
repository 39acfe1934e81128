package stats

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeSeries(t *testing.T, runsDir, runID string, series []float64) {
	t.Helper()
	if _, err := WriteRunArtifacts(runsDir, RunArtifacts{
		Config:       RunConfig{RunID: runID, Family: "gre"},
		ErrorHistory: series,
		InitialError: series[0],
		FinalError:   series[len(series)-1],
	}); err != nil {
		t.Fatalf("write %s: %v", runID, err)
	}
}

func TestBuildExperimentReport(t *testing.T) {
	runsDir := t.TempDir()
	writeSeries(t, runsDir, "run-a", []float64{80, 40, 4, 2})
	writeSeries(t, runsDir, "run-b", []float64{90, 60, 30})
	exp := Experiment{ID: "exp-a", Date: "261018", RunIDs: []string{"run-a", "run-b"}}

	goal := 5.0
	report, err := BuildExperimentReport(runsDir, exp, &goal)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if report.TotalRuns != 2 || report.SuccessRuns != 1 || report.SuccessRate != 0.5 {
		t.Fatalf("unexpected success counts: %+v", report)
	}
	if report.AvgIterations != 2 || report.StdIterations != 0 || report.MinIterations != 2 || report.MaxIterations != 2 {
		t.Fatalf("unexpected iteration stats: %+v", report)
	}
	a, b := report.Runs[0], report.Runs[1]
	if !a.Success || a.Iterations != 2 || a.FinalError != 2 || a.BestError != 4 {
		t.Fatalf("unexpected run-a score: %+v", a)
	}
	if b.Success || b.Iterations != 3 || b.BestError != 30 || b.FinalError != 30 {
		t.Fatalf("unexpected run-b score: %+v", b)
	}

	wantMean := []float64{85, 50, 17, 2}
	wantBest := []float64{80, 40, 4, 2}
	if len(report.MeanErrorCurve) != len(wantMean) || len(report.BestErrorCurve) != len(wantBest) {
		t.Fatalf("unexpected curve lengths: %d %d", len(report.MeanErrorCurve), len(report.BestErrorCurve))
	}
	for i := range wantMean {
		if math.Abs(report.MeanErrorCurve[i].Error-wantMean[i]) > 1e-12 || report.MeanErrorCurve[i].Iteration != i {
			t.Fatalf("mean curve %d: %+v", i, report.MeanErrorCurve[i])
		}
		if report.BestErrorCurve[i].Error != wantBest[i] {
			t.Fatalf("best curve %d: %+v", i, report.BestErrorCurve[i])
		}
	}
}

func TestBuildExperimentReportWithoutGoal(t *testing.T) {
	runsDir := t.TempDir()
	writeSeries(t, runsDir, "run-a", []float64{10, 8})
	writeSeries(t, runsDir, "run-b", []float64{12, 9, 7, 6})
	report, err := BuildExperimentReport(runsDir, Experiment{ID: "exp", Date: "261018", RunIDs: []string{"run-a", "run-b"}}, nil)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if report.SuccessRate != 1 || report.AvgIterations != 3 || report.Goal != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	if math.Abs(report.StdIterations-math.Sqrt2) > 1e-12 {
		t.Fatalf("unexpected std: %f", report.StdIterations)
	}

	if _, err := BuildExperimentReport(runsDir, Experiment{ID: "exp", RunIDs: []string{"missing"}}, nil); err == nil {
		t.Fatal("expected missing series error")
	}
}

func TestWriteExperimentReport(t *testing.T) {
	root := t.TempDir()
	path, err := WriteExperimentReport(root, ExperimentReport{ExperimentID: "exp-a", Date: "261018", TotalRuns: 3})
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if want := filepath.Join(root, "seq261018", "exp-a", "experiment_report.json"); path != want {
		t.Fatalf("unexpected path: got=%s want=%s", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded ExperimentReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalRuns != 3 || decoded.GeneratedAt == "" || decoded.ReportName != "experiment" {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}
	if _, err := WriteExperimentReport(root, ExperimentReport{}); err == nil {
		t.Fatal("expected missing experiment id error")
	}
}
