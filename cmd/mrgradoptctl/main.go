package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"mrgradopt/internal/metrics"
	"mrgradopt/internal/storage"
	"mrgradopt/pkg/mrgradopt"
)

const (
	runsDir        = "runs"
	exportsDir     = "exports"
	experimentsDir = "experiments"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "optimize":
		return runOptimize(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "experiments":
		return runExperiments(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "job-status":
		return runJobStatus(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// clientFlags are shared by every subcommand that opens a client.
type clientFlags struct {
	storeKind      *string
	dbPath         *string
	runsDir        *string
	exportsDir     *string
	experimentsDir *string
	logFormat      *string
	logLevel       *string
	metricsAddr    *string
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind:      fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:         fs.String("db-path", "mrgradopt.db", "sqlite database path"),
		runsDir:        fs.String("runs-dir", runsDir, "run artifacts directory"),
		exportsDir:     fs.String("exports-dir", exportsDir, "default export directory"),
		experimentsDir: fs.String("experiments-dir", experimentsDir, "experiment root (seq<date>/<experiment>)"),
		logFormat:      fs.String("log-format", "text", "log format: text|json"),
		logLevel:       fs.String("log-level", "info", "log level: debug|info|warn|error"),
		metricsAddr:    fs.String("metrics-addr", "", "serve prometheus metrics on this address while running (empty disables)"),
	}
}

// open builds the logger, the optional metrics endpoint and the client.
// The returned func releases all three.
func (f clientFlags) open() (*mrgradopt.Client, *slog.Logger, func(), error) {
	logger, err := newLogger(os.Stderr, *f.logFormat, *f.logLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	var (
		m   *metrics.Metrics
		srv *http.Server
	)
	if *f.metricsAddr != "" {
		m = metrics.New()
		srv = &http.Server{Addr: *f.metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint stopped", "addr", *f.metricsAddr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", *f.metricsAddr)
	}
	client, err := mrgradopt.New(mrgradopt.Options{
		StoreKind:      *f.storeKind,
		DBPath:         *f.dbPath,
		RunsDir:        *f.runsDir,
		ExportsDir:     *f.exportsDir,
		ExperimentsDir: *f.experimentsDir,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	closeAll := func() {
		_ = client.Close()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}
	return client, logger, closeAll, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

type sceneFlags struct {
	family       *string
	nx           *int
	ny           *int
	phantom      *string
	nspins       *int
	r2star       *float64
	clipFraction *float64
	ncoils       *int
	noiseStd     *float64
	seed         *int64
	carry        *string
	backend      *string
	workers      *int
	flipDeg      *float64
}

func registerSceneFlags(fs *flag.FlagSet) sceneFlags {
	return sceneFlags{
		family:       fs.String("family", "gre", "sequence family: gre|rare|bssfp|epi"),
		nx:           fs.Int("nx", 8, "grid rows"),
		ny:           fs.Int("ny", 8, "grid columns"),
		phantom:      fs.String("phantom", "", "phantom JSON path (empty uses the built-in ellipse)"),
		nspins:       fs.Int("nspins", 1, "isochromats per voxel"),
		r2star:       fs.Float64("r2star", 0, "intra-voxel dephasing rate in 1/s (0 disables)"),
		clipFraction: fs.Float64("clip-fraction", 0, "Lorentzian tail clip fraction (0 uses the default)"),
		ncoils:       fs.Int("ncoils", 1, "receive coil count"),
		noiseStd:     fs.Float64("noise-std", 0, "signal noise standard deviation"),
		seed:         fs.Int64("seed", 1, "rng seed"),
		carry:        fs.String("carry", "steady_state", "magnetization between repetitions: steady_state|reset"),
		backend:      fs.String("backend", "serial", "compute backend: serial|parallel"),
		workers:      fs.Int("workers", 4, "parallel backend worker count"),
		flipDeg:      fs.Float64("flip-deg", 0, "excitation flip angle in degrees (0 uses the family default)"),
	}
}

func (f sceneFlags) values() map[string]any {
	return map[string]any{
		"family":        *f.family,
		"nx":            *f.nx,
		"ny":            *f.ny,
		"phantom":       *f.phantom,
		"nspins":        *f.nspins,
		"r2star":        *f.r2star,
		"clip-fraction": *f.clipFraction,
		"ncoils":        *f.ncoils,
		"noise-std":     *f.noiseStd,
		"seed":          *f.seed,
		"carry":         *f.carry,
		"backend":       *f.backend,
		"workers":       *f.workers,
		"flip-deg":      *f.flipDeg,
	}
}

// flagsToApply is every flag without a config file and only the flags
// given on the command line with one.
func flagsToApply(fs *flag.FlagSet, configPath string) map[string]bool {
	set := make(map[string]bool)
	if configPath == "" {
		fs.VisitAll(func(f *flag.Flag) {
			set[f.Name] = true
		})
		return set
	}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	sf := registerSceneFlags(fs)
	configPath := fs.String("config", "", "optional JSON config with scene keys")
	recoName := fs.String("reco", "", "reconstructor: fft|adjoint|calibrated_fft|calibrated_adjoint (empty uses the family default)")
	outDir := fs.String("out", "", "write reference.seq and reference_arr.json here (empty disables)")
	jsonOut := fs.Bool("json", false, "emit the magnitude image as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var scene mrgradopt.Scene
	if *configPath != "" {
		req, err := loadOrDefaultOptimizeRequest(*configPath)
		if err != nil {
			return err
		}
		scene = req.Scene
	}
	overrideSceneFromFlags(&scene, flagsToApply(fs, *configPath), sf.values())

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	summary, err := client.Simulate(ctx, mrgradopt.SimulateRequest{Scene: scene, Reconstructor: *recoName, OutDir: *outDir})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Family    string    `json:"family"`
			Size      [2]int    `json:"sz"`
			Magnitude []float64 `json:"magnitude"`
			Files     []string  `json:"files,omitempty"`
		}{summary.Family, summary.Size, summary.Magnitude, summary.Files})
	}
	peak := 0.0
	for _, v := range summary.Magnitude {
		if v > peak {
			peak = v
		}
	}
	fmt.Printf("simulated family=%s size=%dx%d samples=%d peak_magnitude=%.6f\n",
		summary.Family, summary.Size[0], summary.Size[1], len(summary.Signal), peak)
	for _, path := range summary.Files {
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func runOptimize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	sf := registerSceneFlags(fs)
	configPath := fs.String("config", "", "optional optimize config JSON path")
	experimentID := fs.String("experiment-id", "", "experiment id (empty derives one from the family and run id)")
	optimizer := fs.String("optimizer", "adam", "optimizer: adam|sgd|lbfgs")
	lr := fs.Float64("lr", 0.02, "learning rate")
	tensorRates := fs.String("tensor-rates", "", "per-tensor learning rates, e.g. grad_moms=0.02,rf_event=0.01")
	recoLR := fs.Float64("reco-lr", 0, "reconstructor weight learning rate (0 uses --lr)")
	optMode := fs.String("opt-mode", "seq", "what to train: seq|nn|seqnn")
	recoName := fs.String("reco", "", "reconstructor: fft|adjoint|calibrated_fft|calibrated_adjoint")
	trainable := fs.String("trainable", "grad_moms", "comma-separated trainable tensors: adc_mask,rf_event,event_time,grad_moms")
	iters := fs.Int("iters", 50, "iterations per restart")
	restarts := fs.Int("restarts", 1, "random restarts")
	batchSize := fs.Int("batch-size", 1, "training samples per gradient")
	weightDecay := fs.Float64("weight-decay", 0, "adam weight decay")
	amsgrad := fs.Bool("amsgrad", false, "use the AMSGrad variant of adam")
	perturb := fs.Float64("perturb", 0.2, "spread of the start-point perturbation")
	candidateSelection := fs.String("candidate-selection", "original", "restart base: original|best_so_far|dynamic")
	annealing := fs.Float64("annealing-factor", 1, "restart perturbation annealing factor")
	supervised := fs.Bool("supervised", false, "evaluate the test phantom periodically")
	supervisedEvery := fs.Int("supervised-every", 10, "iterations between test-phantom evaluations")
	recordHistory := fs.Bool("record-history", false, "keep per-iteration snapshots and write alliter_arr.json")
	historyCapacity := fs.Int("history-capacity", 0, "resident history entries before spilling to the store (0 uses the default)")
	dumpIterations := fs.Bool("dump-iterations", false, "write one .seq file per recorded iteration")
	queryScanner := fs.Bool("query-scanner", false, "measure each iteration through the simulated scanner link")
	queryEvery := fs.Int("query-every", 1, "iterations between scanner round trips")
	resume := fs.Bool("resume", false, "resume optimizer state from the experiment checkpoint")
	clusterJob := fs.Bool("cluster-job", false, "keep a job control file in the experiment directory")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := loadOrDefaultOptimizeRequest(*configPath)
	if err != nil {
		return err
	}
	values := sf.values()
	for k, v := range map[string]any{
		"experiment-id":       *experimentID,
		"optimizer":           *optimizer,
		"lr":                  *lr,
		"tensor-rates":        *tensorRates,
		"reco-lr":             *recoLR,
		"opt-mode":            *optMode,
		"reco":                *recoName,
		"trainable":           *trainable,
		"iters":               *iters,
		"restarts":            *restarts,
		"batch-size":          *batchSize,
		"weight-decay":        *weightDecay,
		"amsgrad":             *amsgrad,
		"perturb":             *perturb,
		"candidate-selection": *candidateSelection,
		"annealing-factor":    *annealing,
		"supervised":          *supervised,
		"supervised-every":    *supervisedEvery,
		"record-history":      *recordHistory,
		"history-capacity":    *historyCapacity,
		"dump-iterations":     *dumpIterations,
		"query-scanner":       *queryScanner,
		"query-every":         *queryEvery,
		"resume":              *resume,
		"cluster-job":         *clusterJob,
	} {
		values[k] = v
	}
	if err := overrideFromFlags(&req, flagsToApply(fs, *configPath), values); err != nil {
		return err
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	summary, err := client.Optimize(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("run_id=%s experiment=%s iterations=%d initial_error=%.4f final_error=%.4f best_error=%.4f\n",
		summary.RunID, summary.ExperimentID, summary.Iterations, summary.InitialError, summary.FinalError, summary.BestError)
	fmt.Printf("experiment_dir=%s artifacts_dir=%s\n", summary.ExperimentDir, summary.ArtifactsDir)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	items, err := client.Runs(ctx, mrgradopt.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range items {
		fmt.Printf("run_id=%s created_at=%s experiment=%s family=%s optimizer=%s seed=%d iters=%d restarts=%d best_error=%.4f final_error=%.4f\n",
			e.RunID,
			e.CreatedAtUTC,
			e.ExperimentID,
			e.Family,
			e.Optimizer,
			e.Seed,
			e.Iterations,
			e.Restarts,
			e.BestError,
			e.FinalError,
		)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 0, "max entries (0 lists all)")
	errorsOnly := fs.Bool("errors", false, "print only the training error series")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("history requires --run-id or --latest")
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	if *errorsOnly {
		series, err := client.ErrorHistory(ctx, mrgradopt.ErrorHistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
		if err != nil {
			return err
		}
		for i, e := range series {
			fmt.Printf("iter=%d error=%.4f\n", i, e)
		}
		return nil
	}
	items, err := client.History(ctx, mrgradopt.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	for _, e := range items {
		meas := "n/a"
		if e.MeasError != nil {
			meas = fmt.Sprintf("%.4f", *e.MeasError)
		}
		fmt.Printf("restart=%d iter=%d error=%.4f meas_error=%s supervised=%t\n", e.Restart, e.Iteration, e.Error, meas, e.Supervised)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", "", "export output directory (empty uses --exports-dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	exported, err := client.Export(ctx, mrgradopt.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runExperiments(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("experiments", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	exps, err := client.Experiments(ctx)
	if err != nil {
		return err
	}
	if len(exps) == 0 {
		fmt.Println("no experiments found")
		return nil
	}
	for _, e := range exps {
		best := "n/a"
		if e.BestError != nil {
			best = fmt.Sprintf("%.4f", *e.BestError)
		}
		fmt.Printf("date=%s experiment=%s family=%s progress=%s runs=%d best_error=%s\n",
			e.Date, e.ID, e.Family, e.ProgressFlag, len(e.RunIDs), best)
	}
	return nil
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	experimentID := fs.String("experiment-id", "", "experiment id")
	date := fs.String("date", "", "experiment date yymmdd (empty takes the newest)")
	goal := fs.Float64("goal", -1, "error percentage a run must reach to succeed (<0 disables)")
	name := fs.String("name", "", "report name prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *experimentID == "" {
		return errors.New("report requires --experiment-id")
	}
	var goalPtr *float64
	if *goal >= 0 {
		goalPtr = goal
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	summary, err := client.Report(ctx, mrgradopt.ReportRequest{ExperimentID: *experimentID, Date: *date, Goal: goalPtr, Name: *name})
	if err != nil {
		return err
	}
	r := summary.Report
	fmt.Printf("experiment=%s runs=%d success_runs=%d success_rate=%.3f avg_iters=%.2f std_iters=%.2f\n",
		r.ExperimentID, r.TotalRuns, r.SuccessRuns, r.SuccessRate, r.AvgIterations, r.StdIterations)
	fmt.Printf("wrote %s\n", summary.Path)
	return nil
}

func runJobStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("job-status", flag.ContinueOnError)
	cf := registerClientFlags(fs)
	dir := fs.String("dir", "", "experiment directory holding the job control file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("job-status requires --dir")
	}

	client, _, closeAll, err := cf.open()
	if err != nil {
		return err
	}
	defer closeAll()

	st, err := client.JobStatus(ctx, *dir)
	if err != nil {
		return err
	}
	fmt.Printf("dir=%s status=%d finished=%t next_iter=%d history=%d\n", st.Dir, st.Status, st.Finished, st.Iteration, st.History)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: mrgradoptctl <simulate|optimize|runs|history|export|experiments|report|job-status> [flags]", msg)
}
