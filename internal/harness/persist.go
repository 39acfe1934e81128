package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"mrgradopt/internal/forward"
	"mrgradopt/internal/jobctl"
	"mrgradopt/internal/model"
	"mrgradopt/internal/optim"
	"mrgradopt/internal/reco"
	"mrgradopt/internal/scanner"
	"mrgradopt/internal/seqexport"
	"mrgradopt/internal/stats"
	"mrgradopt/internal/storage"
)

// ScannerDict is the simulator state handed to external tooling alongside
// an exported sequence. Event times are stored as magnitudes.
type ScannerDict struct {
	Size          [2]int    `json:"sz"`
	T             int       `json:"T"`
	NRep          int       `json:"NRep"`
	NSpins        int       `json:"NSpins"`
	NCoils        int       `json:"NCoils"`
	ADCMask       []float64 `json:"adc_mask"`
	Flips         []float64 `json:"flips"`
	EventTimes    []float64 `json:"event_times"`
	GradMoms      []float64 `json:"grad_moms"`
	KLoc          []float64 `json:"kloc"`
	Signal        []float64 `json:"signal"`
	ROI           []float64 `json:"ROI,omitempty"`
	B1            []float64 `json:"B1,omitempty"`
	SequenceClass string    `json:"sequence_class"`
}

func (h *Harness) checkpointName() string { return h.cfg.RunID + "/" + CheckpointFile }

func (h *Harness) checkpointPath() string { return filepath.Join(h.cfg.CheckpointDir, CheckpointFile) }

// SaveCheckpoint stores the optimizer state under CheckpointDir and, when a
// store is configured, in the store keyed by run id.
func (h *Harness) SaveCheckpoint(ctx context.Context) error {
	if h.optimizer == nil {
		return errors.New("no optimizer to checkpoint")
	}
	payload, err := h.optimizer.State()
	if err != nil {
		return err
	}
	cp := model.Checkpoint{
		VersionedRecord: storage.Versioned(),
		Name:            h.checkpointName(),
		Optimizer:       h.optimizer.Name(),
		Payload:         payload,
	}
	if h.cfg.CheckpointDir != "" {
		data, err := storage.EncodeCheckpoint(cp)
		if err != nil {
			return err
		}
		if err := writeAtomic(h.checkpointPath(), data); err != nil {
			return err
		}
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) loadCheckpoint(ctx context.Context) (model.Checkpoint, bool, error) {
	if h.cfg.CheckpointDir != "" {
		data, err := os.ReadFile(h.checkpointPath())
		switch {
		case err == nil:
			cp, err := storage.DecodeCheckpoint(data)
			return cp, err == nil, err
		case !errors.Is(err, os.ErrNotExist):
			return model.Checkpoint{}, false, err
		}
	}
	if h.deps.Store != nil {
		return h.deps.Store.GetCheckpoint(ctx, h.checkpointName())
	}
	return model.Checkpoint{}, false, nil
}

// resume loads a saved optimizer state. Any problem is logged and the run
// starts from a fresh optimizer.
func (h *Harness) resume(ctx context.Context, opt optim.Optimizer) {
	cp, ok, err := h.loadCheckpoint(ctx)
	switch {
	case err != nil:
		h.log.Warn("checkpoint unreadable, starting fresh", "path", h.checkpointPath(), "error", err)
	case !ok:
		h.log.Warn("no checkpoint found, starting fresh", "path", h.checkpointPath())
	case cp.Optimizer != opt.Name():
		h.log.Warn("checkpoint belongs to another optimizer, starting fresh", "checkpoint", cp.Optimizer, "optimizer", opt.Name())
	default:
		if err := opt.LoadState(cp.Payload); err != nil {
			h.log.Warn("checkpoint does not match tensors, starting fresh", "error", err)
			return
		}
		h.log.Info("optimizer state resumed", "path", h.checkpointPath())
	}
}

// Measure sends the current sequence through the scanner link,
// reconstructs the measured signal with the adjoint and returns its error
// against Deps.Target.
func (h *Harness) Measure(ctx context.Context) (float64, error) {
	if h.deps.Link == nil {
		return 0, ErrNoScannerLink
	}
	if h.deps.Target == nil {
		return 0, ErrNoMeasurements
	}
	sc := h.deps.Model.Scanner()
	cfg := sc.Config()
	signal, err := h.deps.Link.Acquire(ctx, jobctl.Job{
		Family: h.deps.Model.Family(),
		Params: h.deps.Params,
		NCoils: max(cfg.NCoils, 1),
		Kind:   "lastiter",
	})
	if err != nil {
		return 0, err
	}
	img, err := scanner.AdjointOf(signal, h.deps.Params, sc.Coils(), cfg.Size)
	if err != nil {
		return 0, err
	}
	e, err := reco.NRMSE(h.deps.Target, img)
	if err != nil {
		return 0, err
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.ScannerRoundTrips.Inc()
		h.deps.Metrics.MeasuredError.Set(e)
	}
	h.log.Info("scanner measurement", "restart", h.restart, "meas_error_pct", e)
	return e, nil
}

// ExportSequence simulates the current parameters and writes lastiter.seq
// with its JSON companion into dir.
func (h *Harness) ExportSequence(ctx context.Context, dir string) error {
	ev, err := h.deps.Model.Evaluate(ctx, h.deps.Params, forward.Aux{})
	if err != nil {
		return err
	}
	sc := h.deps.Model.Scanner()
	signal, err := sc.Signal()
	if err != nil {
		return err
	}
	f := h.deps.Model.Family()
	p := h.deps.Params
	if err := seqexport.WriteFile(f, filepath.Join(dir, seqexport.LastIterFile), seqexport.FromParams(p)); err != nil {
		return err
	}
	return seqexport.WriteJSON(filepath.Join(dir, seqexport.LastIterArrayFile), seqexport.Arrays{
		ADCMask:       p.ADC,
		B1:            h.deps.B1,
		Flips:         p.RF,
		EventTimes:    p.EventTime,
		GradMoms:      p.GradMoms,
		KLoc:          sc.KSpace(),
		Reco:          reco.Interleave(ev.Reco),
		ROI:           sc.ROISignal(),
		Size:          sc.Config().Size,
		Signal:        reco.Interleave(signal),
		SequenceClass: f.String(),
	})
}

// SaveHistory writes the run archive into dir. With dumpIterations every
// training snapshot is also exported as data/iterNNNNNN.seq; failures
// there are logged and skipped.
func (h *Harness) SaveHistory(ctx context.Context, dir string, dumpIterations bool) error {
	if h.hist == nil {
		return errors.New("history recording is disabled")
	}
	entries, err := h.hist.All(ctx)
	if err != nil {
		return err
	}
	f := h.deps.Model.Family()
	archive := seqexport.StackHistory(entries, h.deps.Model.Scanner().Config().Size, f)
	if h.deps.Target != nil {
		archive.Target = reco.Interleave(h.deps.Target)
	}
	archive.B1 = h.deps.B1
	if err := seqexport.WriteJSON(filepath.Join(dir, seqexport.AllIterArrayFile), archive); err != nil {
		return err
	}
	if !dumpIterations {
		return nil
	}
	n := 0
	for _, e := range entries {
		if e.Supervised {
			continue
		}
		path := filepath.Join(dir, jobctl.DataDir, seqexport.IterFile(n))
		n++
		if err := seqexport.WriteFile(f, path, seqexport.EntryParams(e)); err != nil {
			h.warnPersistence("iteration export failed", fmt.Errorf("%s: %w", path, err))
		}
	}
	return nil
}

// ExportScannerDict simulates the current parameters and writes the
// scanner state next to the exported sequence.
func (h *Harness) ExportScannerDict(ctx context.Context, dir string) error {
	if _, err := h.deps.Model.Reconstruct(ctx, h.deps.Params, forward.Aux{}); err != nil {
		return err
	}
	sc := h.deps.Model.Scanner()
	signal, err := sc.Signal()
	if err != nil {
		return err
	}
	cfg := sc.Config()
	p := h.deps.Params
	abs := make([]float64, len(p.EventTime))
	for i, dt := range p.EventTime {
		abs[i] = math.Abs(dt)
	}
	return seqexport.WriteJSON(filepath.Join(dir, seqexport.ScannerDictFile), ScannerDict{
		Size:          cfg.Size,
		T:             p.T,
		NRep:          p.NRep,
		NSpins:        cfg.NSpins,
		NCoils:        len(sc.Coils()),
		ADCMask:       p.ADC,
		Flips:         p.RF,
		EventTimes:    abs,
		GradMoms:      p.GradMoms,
		KLoc:          sc.KSpace(),
		Signal:        reco.Interleave(signal),
		ROI:           sc.ROISignal(),
		B1:            h.deps.B1,
		SequenceClass: h.deps.Model.Family().String(),
	})
}

// QueryClusterJob resumes from the job directory: saved parameters replace
// the current ones and saved history is replayed into the log. The
// returned state's Iteration is the next iteration to run.
func (h *Harness) QueryClusterJob(ctx context.Context) (jobctl.State, error) {
	if h.deps.Jobs == nil {
		return jobctl.State{}, ErrNoJobControl
	}
	st, err := h.deps.Jobs.Query()
	if err != nil {
		return jobctl.State{}, err
	}
	if st.Params != nil {
		if err := h.deps.Params.CopyFrom(st.Params); err != nil {
			return jobctl.State{}, err
		}
	}
	if h.hist != nil {
		for _, e := range st.History {
			if err := h.hist.Append(ctx, e); err != nil {
				return jobctl.State{}, err
			}
		}
	}
	h.iteration = st.Iteration
	h.log.Info("cluster job state", "status", int(st.Status), "iter", st.Iteration, "history", len(st.History))
	return st, nil
}

// UpdateClusterJob records that iteration iter completed.
func (h *Harness) UpdateClusterJob(ctx context.Context, iter int, finished bool) error {
	if h.deps.Jobs == nil {
		return ErrNoJobControl
	}
	var entries []model.HistoryEntry
	if h.hist != nil && !finished {
		var err error
		if entries, err = h.hist.All(ctx); err != nil {
			return err
		}
	}
	return h.deps.Jobs.Update(iter, finished, h.deps.Params, entries)
}

// RecordRun persists the run summary to the store and, when outDir is
// set, the run artifacts and index under it. Non-finite errors are stored
// as -1.
func (h *Harness) RecordRun(ctx context.Context, res Result, rc stats.RunConfig, outDir string) (model.RunRecord, error) {
	errs := make([]float64, len(res.Errors))
	for i, e := range res.Errors {
		errs[i] = finiteOr(e, -1)
	}
	best := finiteOr(res.Best.Error, -1)
	rc.RunID = h.cfg.RunID
	if rc.ExperimentID == "" {
		rc.ExperimentID = h.cfg.ExperimentID
	}
	rc.Family = h.deps.Model.Family().String()
	rc.Optimizer = h.cfg.Optimizer
	rc.OptMode = string(h.cfg.Mode)
	if rc.Seed == 0 {
		rc.Seed = h.cfg.Seed
	}
	now := time.Now().UTC().Format(time.RFC3339)
	rec := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           h.cfg.RunID,
		ExperimentID:    rc.ExperimentID,
		Family:          rc.Family,
		Optimizer:       rc.Optimizer,
		Iterations:      res.Iterations,
		Restarts:        rc.Restarts,
		InitialError:    finiteOr(res.InitialError, -1),
		BestError:       best,
		FinalError:      finiteOr(res.FinalError, -1),
		ErrorHistory:    errs,
		CreatedUTC:      now,
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.SaveRun(ctx, rec); err != nil {
			return rec, err
		}
	}
	if outDir == "" {
		return rec, nil
	}
	snap := stats.BestSnapshot{Restart: res.Best.Restart, Iteration: res.Best.Iteration, Error: best}
	if res.Best.valid() {
		snap.ADC = res.Best.Params.ADC
		snap.RF = res.Best.Params.RF
		snap.EventTime = res.Best.Params.EventTime
		snap.GradMoms = res.Best.Params.GradMoms
	}
	if _, err := stats.WriteRunArtifacts(outDir, stats.RunArtifacts{
		Config:       rc,
		ErrorHistory: errs,
		InitialError: rec.InitialError,
		FinalError:   rec.FinalError,
		Best:         snap,
	}); err != nil {
		return rec, err
	}
	return rec, stats.AppendRunIndex(outDir, stats.RunIndexEntry{
		RunID:        rec.RunID,
		ExperimentID: rec.ExperimentID,
		Family:       rec.Family,
		Optimizer:    rec.Optimizer,
		Iterations:   rec.Iterations,
		Restarts:     rec.Restarts,
		Seed:         rc.Seed,
		BestError:    rec.BestError,
		FinalError:   rec.FinalError,
		CreatedAtUTC: now,
	})
}

func finiteOr(v, def float64) float64 {
	if finite(v) {
		return v
	}
	return def
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
