package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureLayoutIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dir, err := EnsureLayout(root, "261018", "exp-a")
	if err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	if want := filepath.Join(root, "seq261018", "exp-a"); dir != want {
		t.Fatalf("unexpected dir: got=%s want=%s", dir, want)
	}
	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Fatalf("expected data dir: %v", err)
	}
	if _, err := EnsureLayout(root, "261018", "exp-a"); err != nil {
		t.Fatalf("second ensure layout: %v", err)
	}
	if _, err := EnsureLayout(root, "261018", " "); err == nil {
		t.Fatal("expected error for empty experiment id")
	}
}

func TestDateString(t *testing.T) {
	got := DateString(time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC))
	if got != "261018" {
		t.Fatalf("unexpected date string: %s", got)
	}
}

func TestRecordAndListExperiments(t *testing.T) {
	root := t.TempDir()
	if _, err := RecordExperimentRun(root, "261017", "exp-a", "gre", "run-1", 12, false); err != nil {
		t.Fatalf("record run-1: %v", err)
	}
	exp, err := RecordExperimentRun(root, "261017", "exp-a", "gre", "run-2", 30, true)
	if err != nil {
		t.Fatalf("record run-2: %v", err)
	}
	if len(exp.RunIDs) != 2 || exp.BestError == nil || *exp.BestError != 12 {
		t.Fatalf("unexpected experiment: %+v", exp)
	}
	if exp.ProgressFlag != "completed" || exp.CompletedAtUTC == "" {
		t.Fatalf("expected completed experiment: %+v", exp)
	}

	if err := WriteExperiment(root, Experiment{ID: "exp-b", Date: "261018", StartedAtUTC: "2999-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("write exp-b: %v", err)
	}
	// Folders without an experiment file are skipped.
	if _, err := EnsureLayout(root, "261018", "empty"); err != nil {
		t.Fatalf("ensure empty: %v", err)
	}

	exps, err := ListExperiments(root)
	if err != nil {
		t.Fatalf("list experiments: %v", err)
	}
	if len(exps) != 2 {
		t.Fatalf("expected 2 experiments, got %d", len(exps))
	}
	if exps[0].ID != "exp-b" || exps[1].ID != "exp-a" {
		t.Fatalf("unexpected order: %+v", exps)
	}

	read, ok, err := ReadExperiment(root, "261017", "exp-a")
	if err != nil || !ok {
		t.Fatalf("read exp-a: ok=%t err=%v", ok, err)
	}
	if read.Family != "gre" {
		t.Fatalf("unexpected family: %s", read.Family)
	}
}

func TestListExperimentsWithoutRoot(t *testing.T) {
	exps, err := ListExperiments(filepath.Join(t.TempDir(), "missing"))
	if err != nil || len(exps) != 0 {
		t.Fatalf("expected no experiments, got %v err=%v", exps, err)
	}
}
