package mrgradopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mrgradopt/internal/forward"
	"mrgradopt/internal/harness"
	"mrgradopt/internal/jobctl"
	"mrgradopt/internal/metrics"
	"mrgradopt/internal/phantom"
	"mrgradopt/internal/reco"
	"mrgradopt/internal/scanner"
	"mrgradopt/internal/seqexport"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
	"mrgradopt/internal/stats"
	"mrgradopt/internal/storage"
	"mrgradopt/internal/tuning"
)

const (
	defaultRunsDir        = "runs"
	defaultExportsDir     = "exports"
	defaultExperimentsDir = "experiments"
	defaultDBPath         = "mrgradopt.db"

	defaultFamily       = "gre"
	defaultGrid         = 8
	defaultIterations   = 50
	defaultPerturbation = 0.2
)

type Options struct {
	StoreKind      string
	DBPath         string
	RunsDir        string
	ExportsDir     string
	ExperimentsDir string
	// Metrics, when set, receives the training counters of every run.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Client struct {
	store   storage.Store
	ready   bool
	metrics *metrics.Metrics
	log     *slog.Logger

	runsDir        string
	exportsDir     string
	experimentsDir string
}

// Scene describes the simulated object and acquisition hardware shared by
// simulation and optimization requests.
type Scene struct {
	Family string
	Size   [2]int
	// Phantom is a JSON phantom file; empty uses the built-in ellipse.
	Phantom      string
	NSpins       int
	R2Star       float64
	ClipFraction float64
	NCoils       int
	NoiseStd     float64
	Seed         int64
	Carry        string
	Backend      string
	Workers      int
	FlipDeg      float64
}

type SimulateRequest struct {
	Scene
	Reconstructor string
	// OutDir, when set, receives the sequence file and the arrays of the
	// simulated acquisition.
	OutDir string
}

type SimulateSummary struct {
	Family    string
	Size      [2]int
	Image     []complex128
	Magnitude []float64
	Signal    []complex128
	KSpace    []float64
	Files     []string
}

type OptimizeRequest struct {
	Scene
	ExperimentID  string
	Optimizer     string
	LearningRate  float64
	TensorRates   map[string]float64
	RecoRate      float64
	OptMode       string
	Reconstructor string
	// Trainable names sequence tensors, e.g. "grad_moms" or "rf_event".
	Trainable   []string
	Iterations  int
	Restarts    int
	BatchSize   int
	WeightDecay float64
	AMSGrad     bool
	// InitialPerturbation is the spread of the uniform noise added to the
	// trainable tensors of the reference sequence to form the start point.
	InitialPerturbation float64
	CandidateSelection  string
	AnnealingFactor     float64
	Supervised          bool
	SupervisedEvery     int
	RecordHistory       bool
	HistoryCapacity     int
	DumpIterations      bool
	QueryScanner        bool
	QueryEvery          int
	ResumeCheckpoint    bool
	ClusterJob          bool
}

type OptimizeSummary struct {
	RunID         string
	ExperimentID  string
	ExperimentDir string
	ArtifactsDir  string
	Iterations    int
	InitialError  float64
	FinalError    float64
	BestError     float64
	Errors        []float64
	TestErrors    []float64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	ExperimentID string
	CreatedAtUTC string
	Family       string
	Optimizer    string
	Seed         int64
	Iterations   int
	Restarts     int
	BestError    float64
	FinalError   float64
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type HistoryItem struct {
	Restart    int
	Iteration  int
	Error      float64
	MeasError  *float64
	Supervised bool
}

type ErrorHistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ExperimentItem struct {
	ID           string
	Date         string
	Family       string
	ProgressFlag string
	RunIDs       []string
	BestError    *float64
}

type ReportRequest struct {
	ExperimentID string
	// Date narrows the lookup to one seq<date> folder; empty takes the
	// newest experiment with the id.
	Date string
	// Goal is the error percentage a run must reach to count as a success.
	Goal *float64
	Name string
}

type ReportSummary struct {
	Path   string
	Report stats.ExperimentReport
}

type JobStatus struct {
	Dir       string
	Status    int
	Finished  bool
	Iteration int
	History   int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	experimentsDir := opts.ExperimentsDir
	if experimentsDir == "" {
		experimentsDir = defaultExperimentsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:          store,
		metrics:        opts.Metrics,
		log:            logger,
		runsDir:        runsDir,
		exportsDir:     exportsDir,
		experimentsDir: experimentsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.ready {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.ready = true
	return nil
}

// Simulate runs the reference sequence of a family on the scene and
// reconstructs it.
func (c *Client) Simulate(ctx context.Context, req SimulateRequest) (SimulateSummary, error) {
	sc, err := buildScene(req.Scene)
	if err != nil {
		return SimulateSummary{}, err
	}
	rec, err := reconstructorFromName(req.Reconstructor, sc.size)
	if err != nil {
		return SimulateSummary{}, err
	}
	m, err := forward.ForFamily(sc.family, forward.Setup{
		Scanner: sc.scanner,
		Reco:    rec,
		Train:   []forward.Sample{{Spins: sc.sys}},
	})
	if err != nil {
		return SimulateSummary{}, err
	}
	img, err := m.Reconstruct(ctx, sc.ref, forward.Aux{})
	if err != nil {
		return SimulateSummary{}, err
	}
	signal, err := sc.scanner.Signal()
	if err != nil {
		return SimulateSummary{}, err
	}
	summary := SimulateSummary{
		Family:    sc.family.String(),
		Size:      sc.size,
		Image:     img,
		Magnitude: reco.Magnitude(img),
		Signal:    signal,
		KSpace:    sc.scanner.KSpace(),
	}
	c.log.Info("simulated reference sequence", "family", summary.Family, "size", fmt.Sprint(sc.size), "spins", sc.sys.NSpins())
	if req.OutDir == "" {
		return summary, nil
	}

	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return SimulateSummary{}, err
	}
	seqPath := filepath.Join(req.OutDir, "reference.seq")
	if err := seqexport.WriteFile(sc.family, seqPath, seqexport.FromParams(sc.ref)); err != nil {
		return SimulateSummary{}, err
	}
	arrPath := filepath.Join(req.OutDir, "reference_arr.json")
	arrays := seqexport.Arrays{
		ADCMask:       sc.ref.ADC,
		B1:            sc.sys.B1(),
		Flips:         sc.ref.RF,
		EventTimes:    sc.ref.EventTime,
		GradMoms:      sc.ref.GradMoms,
		KLoc:          summary.KSpace,
		Reco:          reco.Interleave(img),
		Size:          sc.size,
		Signal:        reco.Interleave(signal),
		SequenceClass: sc.family.String(),
	}
	if err := seqexport.WriteJSON(arrPath, arrays); err != nil {
		return SimulateSummary{}, err
	}
	summary.Files = []string{seqPath, arrPath}
	return summary, nil
}

// Optimize builds the scene, takes the reconstruction of the family's
// reference sequence as the target and optimizes a perturbed copy of that
// sequence back toward it.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (OptimizeSummary, error) {
	if req.Iterations <= 0 {
		req.Iterations = defaultIterations
	}
	if req.Restarts < 0 {
		return OptimizeSummary{}, errors.New("restarts must be >= 0")
	}
	if req.InitialPerturbation < 0 {
		return OptimizeSummary{}, errors.New("initial perturbation must be >= 0")
	}
	if req.InitialPerturbation == 0 {
		req.InitialPerturbation = defaultPerturbation
	}
	if len(req.Trainable) == 0 {
		req.Trainable = []string{sequence.TensorName(sequence.ParamGradMoms)}
	}
	mode, err := harness.ParseOptMode(req.OptMode)
	if err != nil {
		return OptimizeSummary{}, err
	}
	if mode != harness.ModeSeq && req.Reconstructor == "" {
		req.Reconstructor = "calibrated_fft"
	}
	trainable, err := tensorIndices(req.Trainable)
	if err != nil {
		return OptimizeSummary{}, err
	}
	rates := make(map[int]float64, len(req.TensorRates))
	for name, rate := range req.TensorRates {
		idx, err := tensorIndex(name)
		if err != nil {
			return OptimizeSummary{}, err
		}
		rates[idx] = rate
	}
	if err := c.ensureStore(ctx); err != nil {
		return OptimizeSummary{}, err
	}

	sc, err := buildScene(req.Scene)
	if err != nil {
		return OptimizeSummary{}, err
	}
	rec, err := reconstructorFromName(req.Reconstructor, sc.size)
	if err != nil {
		return OptimizeSummary{}, err
	}
	probe, err := forward.ForFamily(sc.family, forward.Setup{Scanner: sc.scanner, Train: []forward.Sample{{Spins: sc.sys}}})
	if err != nil {
		return OptimizeSummary{}, err
	}
	target, err := probe.Reconstruct(ctx, sc.ref, forward.Aux{})
	if err != nil {
		return OptimizeSummary{}, err
	}
	m, err := forward.ForFamily(sc.family, forward.Setup{
		Scanner: sc.scanner,
		Reco:    rec,
		Train:   []forward.Sample{{Spins: sc.sys, Target: target}},
		Test:    &forward.Sample{Spins: sc.sys, Target: target},
	})
	if err != nil {
		return OptimizeSummary{}, err
	}

	targets := make([]tuning.Target, 0, len(trainable))
	for _, idx := range trainable {
		targets = append(targets, tuning.Target{Tensor: idx})
	}
	perturber := &tuning.Perturber{
		Rand:               rand.New(rand.NewSource(req.Seed + 1000)),
		StepSize:           req.InitialPerturbation,
		AnnealingFactor:    req.AnnealingFactor,
		CandidateSelection: req.CandidateSelection,
	}
	if mode == harness.ModeNN {
		targets = nil
	}
	start, err := perturber.Perturb(ctx, sc.ref, 0, targets)
	if err != nil {
		return OptimizeSummary{}, err
	}

	now := time.Now().UTC()
	runID := uuid.NewString()
	if req.ExperimentID == "" {
		req.ExperimentID = fmt.Sprintf("%s_%s", sc.family, runID[:8])
	}
	date := stats.DateString(now)
	expDir, err := stats.EnsureLayout(c.experimentsDir, date, req.ExperimentID)
	if err != nil {
		return OptimizeSummary{}, err
	}

	deps := harness.Deps{
		Model:   m,
		Params:  start,
		Store:   c.store,
		Metrics: c.metrics,
		Target:  target,
		B1:      sc.sys.B1(),
	}
	if req.QueryScanner {
		linkScanner, err := scanner.New(sc.scanner.Config())
		if err != nil {
			return OptimizeSummary{}, err
		}
		deps.Link = jobctl.SimulatedLink{Scanner: linkScanner, Spins: sc.sys}
	}
	if req.ClusterJob {
		jobs, err := jobctl.New(jobctl.Config{Dir: expDir, Logger: c.log})
		if err != nil {
			return OptimizeSummary{}, err
		}
		deps.Jobs = jobs
	}
	h, err := harness.New(harness.Config{
		Optimizer:        req.Optimizer,
		LearningRate:     req.LearningRate,
		TensorRates:      rates,
		RecoRate:         req.RecoRate,
		Mode:             mode,
		Trainable:        trainable,
		BatchSize:        req.BatchSize,
		WeightDecay:      req.WeightDecay,
		AMSGrad:          req.AMSGrad,
		SupervisedEvery:  req.SupervisedEvery,
		QueryEvery:       req.QueryEvery,
		CheckpointDir:    expDir,
		ResumeCheckpoint: req.ResumeCheckpoint,
		RecordHistory:    req.RecordHistory || req.ClusterJob,
		HistoryCapacity:  req.HistoryCapacity,
		RunID:            runID,
		ExperimentID:     req.ExperimentID,
		Seed:             req.Seed,
		Logger:           c.log.With("run_id", runID),
	}, deps)
	if err != nil {
		return OptimizeSummary{}, err
	}
	resumedAt := 0
	if req.ClusterJob {
		st, err := h.QueryClusterJob(ctx)
		if err != nil {
			return OptimizeSummary{}, err
		}
		resumedAt = st.Iteration
	}

	opts := harness.TrainOptions{Supervised: req.Supervised, QueryScanner: req.QueryScanner}
	var res harness.Result
	if req.Restarts > 1 {
		res, err = h.TrainWithRestarts(ctx, req.Restarts, req.Iterations, perturber.Initializer(start, targets), opts)
	} else {
		res, err = h.Train(ctx, req.Iterations, opts)
	}
	if err != nil {
		return OptimizeSummary{}, err
	}
	if req.ClusterJob {
		if err := h.UpdateClusterJob(ctx, resumedAt+res.Iterations-1, true); err != nil {
			return OptimizeSummary{}, err
		}
	}

	if err := h.ExportSequence(ctx, expDir); err != nil {
		return OptimizeSummary{}, err
	}
	if err := h.ExportScannerDict(ctx, expDir); err != nil {
		return OptimizeSummary{}, err
	}
	if h.History() != nil {
		if err := h.SaveHistory(ctx, expDir, req.DumpIterations); err != nil {
			return OptimizeSummary{}, err
		}
		if err := h.History().Flush(ctx); err != nil {
			c.log.Warn("history flush failed", "run_id", runID, "error", err)
		}
	}

	rc := stats.RunConfig{
		Size:             sc.size,
		NSpins:           sc.sys.NSpins(),
		NCoils:           req.NCoils,
		R2Star:           req.R2Star,
		Carry:            sc.scanner.Config().Carry.String(),
		Backend:          sc.scanner.Config().Backend.Name(),
		Workers:          req.Workers,
		NoiseStd:         req.NoiseStd,
		Reconstructor:    req.Reconstructor,
		LearningRate:     h.Config().LearningRate,
		TensorRates:      req.TensorRates,
		Trainable:        req.Trainable,
		Iterations:       req.Iterations,
		Restarts:         req.Restarts,
		BatchSize:        h.Config().BatchSize,
		WeightDecay:      req.WeightDecay,
		Supervised:       req.Supervised,
		SupervisedEvery:  h.Config().SupervisedEvery,
		RecordHistory:    h.History() != nil,
		HistoryCapacity:  req.HistoryCapacity,
		QueryScanner:     req.QueryScanner,
		ResumeCheckpoint: req.ResumeCheckpoint,
	}
	record, err := h.RecordRun(ctx, res, rc, c.runsDir)
	if err != nil {
		return OptimizeSummary{}, err
	}
	if _, err := stats.RecordExperimentRun(c.experimentsDir, date, req.ExperimentID, sc.family.String(), runID, record.BestError, true); err != nil {
		return OptimizeSummary{}, err
	}

	return OptimizeSummary{
		RunID:         runID,
		ExperimentID:  req.ExperimentID,
		ExperimentDir: expDir,
		ArtifactsDir:  filepath.Join(c.runsDir, runID),
		Iterations:    res.Iterations,
		InitialError:  res.InitialError,
		FinalError:    res.FinalError,
		BestError:     res.Best.Error,
		Errors:        res.Errors,
		TestErrors:    res.TestErrors,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			ExperimentID: e.ExperimentID,
			CreatedAtUTC: e.CreatedAtUTC,
			Family:       e.Family,
			Optimizer:    e.Optimizer,
			Seed:         e.Seed,
			Iterations:   e.Iterations,
			Restarts:     e.Restarts,
			BestError:    e.BestError,
			FinalError:   e.FinalError,
		})
	}
	return out, nil
}

// History lists the per-iteration snapshots a run archived in the store.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]HistoryItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "history")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	entries, err := c.store.ListHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryItem{
			Restart:    e.Restart,
			Iteration:  e.Iteration,
			Error:      e.Error,
			MeasError:  e.MeasError,
			Supervised: e.Supervised,
		})
	}
	return out, nil
}

// ErrorHistory returns the training error series of a run, from the store
// when it holds the run and from the run artifacts otherwise.
func (c *Client) ErrorHistory(ctx context.Context, req ErrorHistoryRequest) ([]float64, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "error history")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	var series []float64
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		series = run.ErrorHistory
	} else {
		series, ok, err = stats.ReadErrorSeries(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("error history not found for run id: %s", runID)
		}
	}
	if req.Limit > 0 && len(series) > req.Limit {
		series = series[:req.Limit]
	}
	return append([]float64(nil), series...), nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) Experiments(_ context.Context) ([]ExperimentItem, error) {
	exps, err := stats.ListExperiments(c.experimentsDir)
	if err != nil {
		return nil, err
	}
	out := make([]ExperimentItem, 0, len(exps))
	for _, e := range exps {
		out = append(out, ExperimentItem{
			ID:           e.ID,
			Date:         e.Date,
			Family:       e.Family,
			ProgressFlag: e.ProgressFlag,
			RunIDs:       e.RunIDs,
			BestError:    e.BestError,
		})
	}
	return out, nil
}

// Report aggregates the runs of an experiment and writes the report next
// to the experiment record.
func (c *Client) Report(_ context.Context, req ReportRequest) (ReportSummary, error) {
	if req.ExperimentID == "" {
		return ReportSummary{}, errors.New("report requires an experiment id")
	}
	exp, err := c.findExperiment(req.ExperimentID, req.Date)
	if err != nil {
		return ReportSummary{}, err
	}
	report, err := stats.BuildExperimentReport(c.runsDir, exp, req.Goal)
	if err != nil {
		return ReportSummary{}, err
	}
	report.ReportName = req.Name
	path, err := stats.WriteExperimentReport(c.experimentsDir, report)
	if err != nil {
		return ReportSummary{}, err
	}
	return ReportSummary{Path: path, Report: report}, nil
}

func (c *Client) findExperiment(id, date string) (stats.Experiment, error) {
	if date != "" {
		exp, ok, err := stats.ReadExperiment(c.experimentsDir, date, id)
		if err != nil {
			return stats.Experiment{}, err
		}
		if !ok {
			return stats.Experiment{}, fmt.Errorf("experiment not found: %s/%s", date, id)
		}
		return exp, nil
	}
	exps, err := stats.ListExperiments(c.experimentsDir)
	if err != nil {
		return stats.Experiment{}, err
	}
	for _, exp := range exps {
		if exp.ID == id {
			return exp, nil
		}
	}
	return stats.Experiment{}, fmt.Errorf("experiment not found: %s", id)
}

// JobStatus reads the control file of a cluster job directory.
func (c *Client) JobStatus(_ context.Context, dir string) (JobStatus, error) {
	jobs, err := jobctl.New(jobctl.Config{Dir: dir, Logger: c.log})
	if err != nil {
		return JobStatus{}, err
	}
	st, err := jobs.Query()
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		Dir:       dir,
		Status:    int(st.Status),
		Finished:  st.Status == jobctl.StatusFinished,
		Iteration: st.Iteration,
		History:   len(st.History),
	}, nil
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", fmt.Errorf("%s requires run id or latest", what)
	}
	return runID, nil
}

type scene struct {
	family  sequence.Family
	size    [2]int
	sys     *spins.SpinSystem
	scanner *scanner.Scanner
	ref     *sequence.Params
}

func buildScene(req Scene) (scene, error) {
	if req.Family == "" {
		req.Family = defaultFamily
	}
	if req.Size == [2]int{} {
		req.Size = [2]int{defaultGrid, defaultGrid}
	}
	if req.NSpins <= 0 {
		req.NSpins = 1
	}
	family, err := sequence.ParseFamily(req.Family)
	if err != nil {
		return scene{}, err
	}
	carry, err := scanner.ParseCarryMode(req.Carry)
	if err != nil {
		return scene{}, err
	}
	backend, err := backendFromName(req.Backend, req.Workers)
	if err != nil {
		return scene{}, err
	}

	ph, err := loadPhantom(req.Phantom, req.Size)
	if err != nil {
		return scene{}, err
	}
	sys, err := spins.New(spins.Config{
		Size:         req.Size,
		NSpins:       req.NSpins,
		R2Star:       req.R2Star,
		ClipFraction: req.ClipFraction,
	})
	if err != nil {
		return scene{}, err
	}
	if err := sys.SetSystem(ph); err != nil {
		return scene{}, err
	}

	ref, err := sequence.Build(family, req.Size, sequence.Options{FlipDeg: req.FlipDeg})
	if err != nil {
		return scene{}, err
	}
	sc, err := scanner.New(scanner.Config{
		Size:     req.Size,
		NSpins:   req.NSpins,
		NRep:     ref.NRep,
		T:        ref.T,
		NCoils:   req.NCoils,
		NoiseStd: req.NoiseStd,
		Seed:     req.Seed,
		Carry:    carry,
		Backend:  backend,
	})
	if err != nil {
		return scene{}, err
	}
	return scene{family: family, size: req.Size, sys: sys, scanner: sc, ref: ref}, nil
}

func loadPhantom(path string, size [2]int) (*phantom.Phantom, error) {
	if path == "" {
		return EllipsePhantom(size)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ph, err := phantom.Load(f)
	if err != nil {
		return nil, err
	}
	if nx, ny := ph.Size(); nx == size[0] && ny == size[1] {
		return ph, nil
	}
	return ph.Resize(size[0], size[1])
}

// EllipsePhantom is a centred ellipse of brain-like tissue with a brighter
// inner ellipse, on an otherwise empty grid.
func EllipsePhantom(size [2]int) (*phantom.Phantom, error) {
	ph, err := phantom.New(size[0], size[1])
	if err != nil {
		return nil, err
	}
	cx, cy := float64(size[0]-1)/2, float64(size[1]-1)/2
	rx, ry := 0.45*float64(size[0]), 0.35*float64(size[1])
	for i := 0; i < size[0]; i++ {
		for j := 0; j < size[1]; j++ {
			dx, dy := (float64(i)-cx)/rx, (float64(j)-cy)/ry
			r := math.Hypot(dx, dy)
			switch {
			case r <= 0.5:
				err = ph.Set(i, j, phantom.Voxel{PD: 1, T1: 1.2, T2: 0.09, B1: 1})
			case r <= 1:
				err = ph.Set(i, j, phantom.Voxel{PD: 0.6, T1: 0.8, T2: 0.07, B1: 1})
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return ph, nil
}

func backendFromName(name string, workers int) (scanner.Backend, error) {
	switch name {
	case "", "serial":
		return scanner.Serial{}, nil
	case "parallel":
		return scanner.Parallel{Workers: workers}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", name)
	}
}

func reconstructorFromName(name string, size [2]int) (reco.Reconstructor, error) {
	if name == "" {
		return nil, nil
	}
	return reco.New(name, size[0]*size[1])
}

func tensorIndex(name string) (int, error) {
	for idx := 0; idx < sequence.NumParams; idx++ {
		if sequence.TensorName(idx) == name {
			return idx, nil
		}
	}
	return 0, fmt.Errorf("unknown sequence tensor: %s", name)
}

func tensorIndices(names []string) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, name := range names {
		idx, err := tensorIndex(name)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
