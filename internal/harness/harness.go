// Package harness runs gradient-based optimization of a pulse sequence
// against a forward model: masked updates, mini-batches, supervised test
// evaluations, random restarts, checkpoints and scanner round trips.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"mrgradopt/internal/forward"
	"mrgradopt/internal/history"
	"mrgradopt/internal/jobctl"
	"mrgradopt/internal/metrics"
	"mrgradopt/internal/optim"
	"mrgradopt/internal/reco"
	"mrgradopt/internal/scanner"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/storage"
	"mrgradopt/internal/tuning"
)

const (
	CheckpointFile         = "optimizer_state.tmp"
	DefaultSupervisedEvery = 10
	DefaultLearningRate    = 0.02
	DefaultBatchSize       = 1
	progressWindow         = 10

	// RecoWeights names the learned reconstructor tensor.
	RecoWeights = "reco_weights"
)

var (
	ErrNonFiniteLoss  = errors.New("non-finite loss")
	ErrInvalidConfig  = errors.New("invalid harness config")
	ErrNoLearnedReco  = errors.New("reconstructor has no trainable weights")
	ErrNoScannerLink  = errors.New("no scanner link configured")
	ErrNoJobControl   = errors.New("no job controller configured")
	ErrNoMeasurements = errors.New("no measurement target configured")
)

// OptMode selects which tensors train: the sequence, the learned
// reconstructor, or both.
type OptMode string

const (
	ModeSeq   OptMode = "seq"
	ModeNN    OptMode = "nn"
	ModeSeqNN OptMode = "seqnn"
)

func ParseOptMode(s string) (OptMode, error) {
	switch OptMode(s) {
	case "", ModeSeq:
		return ModeSeq, nil
	case ModeNN, ModeSeqNN:
		return OptMode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown opt mode %q", ErrInvalidConfig, s)
	}
}

func (m OptMode) trainsSequence() bool { return m == "" || m == ModeSeq || m == ModeSeqNN }
func (m OptMode) trainsReco() bool     { return m == ModeNN || m == ModeSeqNN }

type Config struct {
	Optimizer    string
	LearningRate float64
	// TensorRates overrides LearningRate per sequence tensor index.
	TensorRates map[int]float64
	RecoRate    float64
	Mode        OptMode
	// Trainable lists the sequence tensor indices to optimize.
	Trainable []int
	// Masks freezes entries of sequence tensors where the mask is zero.
	Masks        map[int][]float64
	BatchSize    int
	WeightDecay  float64
	AMSGrad      bool
	LBFGSMaxIter int

	SupervisedEvery int
	// QueryEvery is the iteration cadence of scanner round trips.
	QueryEvery int

	CheckpointDir    string
	ResumeCheckpoint bool

	RecordHistory   bool
	HistoryCapacity int

	// GradientSteps sets the finite-difference step per sequence tensor.
	GradientSteps map[int]float64

	RunID        string
	ExperimentID string
	Seed         int64
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Optimizer == "" {
		c.Optimizer = optim.KindAdam
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Mode == "" {
		c.Mode = ModeSeq
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SupervisedEvery == 0 {
		c.SupervisedEvery = DefaultSupervisedEvery
	}
	if c.QueryEvery == 0 {
		c.QueryEvery = 1
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) Validate() error {
	if c.LearningRate < 0 || math.IsNaN(c.LearningRate) {
		return fmt.Errorf("%w: learning rate %v", ErrInvalidConfig, c.LearningRate)
	}
	if c.RecoRate < 0 {
		return fmt.Errorf("%w: reco learning rate %v", ErrInvalidConfig, c.RecoRate)
	}
	if _, err := ParseOptMode(string(c.Mode)); err != nil {
		return err
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight decay %v", ErrInvalidConfig, c.WeightDecay)
	}
	if c.SupervisedEvery < 0 || c.QueryEvery < 0 {
		return fmt.Errorf("%w: cadence must be >= 0", ErrInvalidConfig)
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("%w: history capacity %d", ErrInvalidConfig, c.HistoryCapacity)
	}
	for _, idx := range c.Trainable {
		if idx < 0 || idx >= sequence.NumParams {
			return fmt.Errorf("%w: trainable tensor %d", ErrInvalidConfig, idx)
		}
	}
	for idx, rate := range c.TensorRates {
		if idx < 0 || idx >= sequence.NumParams || rate < 0 {
			return fmt.Errorf("%w: tensor %d rate %v", ErrInvalidConfig, idx, rate)
		}
	}
	for idx := range c.Masks {
		if idx < 0 || idx >= sequence.NumParams {
			return fmt.Errorf("%w: mask for tensor %d", ErrInvalidConfig, idx)
		}
	}
	if c.Mode.trainsSequence() && len(c.Trainable) == 0 {
		return fmt.Errorf("%w: mode %s needs at least one trainable sequence tensor", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// Deps are the collaborators of a harness. Model and Params are required;
// the rest enable optional features.
type Deps struct {
	Model  forward.Model
	Params *sequence.Params

	Store   storage.Store
	Metrics *metrics.Metrics
	Link    jobctl.ScannerLink
	Jobs    *jobctl.Controller

	// Target is the reference image of the measured round trip and the
	// history archive.
	Target []complex128
	B1     []float64
}

// Snapshot is a parameter set together with the error it produced.
type Snapshot struct {
	Restart   int
	Iteration int
	Error     float64
	Params    *sequence.Params
	Weights   []float64
}

func (s Snapshot) valid() bool { return s.Params != nil }

// Result summarizes one Train or TrainWithRestarts call. Errors holds the
// training error before every step and, last, the error of the final
// parameters.
type Result struct {
	Iterations   int
	InitialError float64
	FinalError   float64
	Errors       []float64
	TestErrors   []float64
	Best         Snapshot
}

// DivergenceError reports a non-finite loss. The parameters have been
// restored to LastGood.
type DivergenceError struct {
	Restart   int
	Iteration int
	Loss      float64
	LastGood  Snapshot
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("restart %d iteration %d: %v (loss %v)", e.Restart, e.Iteration, ErrNonFiniteLoss, e.Loss)
}

func (e *DivergenceError) Unwrap() error { return ErrNonFiniteLoss }

// TrainOptions toggles the optional per-iteration work of a training loop.
type TrainOptions struct {
	Supervised   bool
	QueryScanner bool
}

type Harness struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	hist    *history.Log
	learned reco.Learned

	restart   int
	iteration int
	optimizer optim.Optimizer
}

func New(cfg Config, deps Deps) (*Harness, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Model == nil || deps.Params == nil {
		return nil, fmt.Errorf("%w: model and params are required", ErrInvalidConfig)
	}
	for idx, mask := range cfg.Masks {
		data, _, err := deps.Params.Tensor(idx)
		if err != nil {
			return nil, err
		}
		if len(mask) != len(data) {
			return nil, fmt.Errorf("%w: %s mask has %d entries, want %d", ErrInvalidConfig, sequence.TensorName(idx), len(mask), len(data))
		}
	}
	h := &Harness{cfg: cfg, deps: deps, log: cfg.Logger.With("run_id", cfg.RunID)}
	if cfg.Mode.trainsReco() {
		learned, ok := deps.Model.Reconstructor().(reco.Learned)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoLearnedReco, deps.Model.Reconstructor().Name())
		}
		h.learned = learned
	}
	if cfg.RecordHistory {
		hist, err := history.New(history.Config{RunID: cfg.RunID, Capacity: cfg.HistoryCapacity, Store: deps.Store})
		if err != nil {
			return nil, err
		}
		h.hist = hist
	}
	return h, nil
}

func (h *Harness) Config() Config             { return h.cfg }
func (h *Harness) RunID() string              { return h.cfg.RunID }
func (h *Harness) Params() *sequence.Params   { return h.deps.Params }
func (h *Harness) History() *history.Log      { return h.hist }
func (h *Harness) Optimizer() optim.Optimizer { return h.optimizer }

// tensors wraps the sequence tensors, aliasing Params, and the learned
// reconstructor weights.
func (h *Harness) tensors() ([]*optim.Tensor, error) {
	trainable := make(map[int]bool, len(h.cfg.Trainable))
	if h.cfg.Mode.trainsSequence() {
		for _, idx := range h.cfg.Trainable {
			trainable[idx] = true
		}
	}
	out := make([]*optim.Tensor, 0, sequence.NumParams+1)
	for idx := 0; idx < sequence.NumParams; idx++ {
		data, shape, err := h.deps.Params.Tensor(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, &optim.Tensor{
			Name:      sequence.TensorName(idx),
			Shape:     shape,
			Data:      data,
			Mask:      h.cfg.Masks[idx],
			Trainable: trainable[idx],
			LR:        h.cfg.TensorRates[idx],
		})
	}
	if h.learned != nil {
		w := h.learned.Weights()
		out = append(out, &optim.Tensor{
			Name:      RecoWeights,
			Shape:     []int{len(w)},
			Data:      w,
			Trainable: true,
			LR:        h.cfg.RecoRate,
		})
	}
	return out, nil
}

func (h *Harness) gradientOptions() forward.GradientOptions {
	steps := make(map[string]float64, len(h.cfg.GradientSteps))
	for idx, s := range h.cfg.GradientSteps {
		steps[sequence.TensorName(idx)] = s
	}
	return forward.GradientOptions{Steps: steps}
}

func (h *Harness) newOptimizer(tensors []*optim.Tensor) (optim.Optimizer, error) {
	return optim.New(optim.Config{
		Kind:        h.cfg.Optimizer,
		LR:          h.cfg.LearningRate,
		WeightDecay: h.cfg.WeightDecay,
		AMSGrad:     h.cfg.AMSGrad,
		MaxIter:     h.cfg.LBFGSMaxIter,
	}, tensors)
}

func (h *Harness) snapshot(iteration int, errPct float64) Snapshot {
	s := Snapshot{Restart: h.restart, Iteration: iteration, Error: errPct, Params: h.deps.Params.Clone()}
	if h.learned != nil {
		s.Weights = append([]float64(nil), h.learned.Weights()...)
	}
	return s
}

// Restore overwrites the live parameters (and learned weights) with s.
func (h *Harness) Restore(s Snapshot) error {
	if !s.valid() {
		return errors.New("empty snapshot")
	}
	if err := h.deps.Params.CopyFrom(s.Params); err != nil {
		return err
	}
	if h.learned != nil && s.Weights != nil {
		copy(h.learned.Weights(), s.Weights)
	}
	return nil
}

func (h *Harness) batch(iteration int) []forward.Aux {
	out := make([]forward.Aux, h.cfg.BatchSize)
	for b := range out {
		out[b] = forward.Aux{Sample: iteration*h.cfg.BatchSize + b}
	}
	return out
}

// MovingAverage returns the trailing mean over window entries at every
// index of errs; the first entries average what is available.
func MovingAverage(errs []float64, window int) []float64 {
	if window <= 0 {
		window = 1
	}
	out := make([]float64, len(errs))
	for i := range errs {
		out[i] = stat.Mean(errs[max(0, i-window+1):i+1], nil)
	}
	return out
}

func tailMean(errs []float64, window int) float64 {
	if len(errs) == 0 {
		return math.NaN()
	}
	return stat.Mean(errs[max(0, len(errs)-window):], nil)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if !finite(v) {
			return false
		}
	}
	return true
}

// divergent reports errors that mean the parameters left the region where
// the simulation is finite.
func divergent(err error) bool {
	return errors.Is(err, ErrNonFiniteLoss) || errors.Is(err, scanner.ErrNonFiniteMagnetization)
}

// closureCalls is how often the last step ran its closure. Single-pass
// optimizers run it once.
func closureCalls(opt optim.Optimizer) int {
	if c, ok := opt.(interface{ ClosureCalls() int }); ok {
		return c.ClosureCalls()
	}
	return 1
}

// Train runs iters optimizer steps on the current parameters. Each
// iteration evaluates the current state, records it, optionally runs the
// supervised test evaluation and a scanner round trip, then steps. A
// non-finite loss stops the loop with a *DivergenceError.
func (h *Harness) Train(ctx context.Context, iters int, opts TrainOptions) (Result, error) {
	if iters < 0 {
		return Result{}, fmt.Errorf("%w: iterations must be >= 0", ErrInvalidConfig)
	}
	tensors, err := h.tensors()
	if err != nil {
		return Result{}, err
	}
	opt, err := h.newOptimizer(tensors)
	if err != nil {
		return Result{}, err
	}
	h.optimizer = opt
	if h.cfg.ResumeCheckpoint {
		h.resume(ctx, opt)
	}
	gradOpts := h.gradientOptions()
	nEntries := 0
	for _, t := range tensors {
		if t.Trainable {
			nEntries += len(t.Data)
		}
	}

	res := Result{Best: Snapshot{Error: math.Inf(1)}}
	lastGood := h.snapshot(0, math.Inf(1))
	for i := 0; i < iters; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev, err := h.deps.Model.Evaluate(ctx, h.deps.Params, forward.Aux{Sample: i * h.cfg.BatchSize})
		if err != nil {
			if divergent(err) {
				return res, h.diverged(i, math.NaN(), lastGood)
			}
			return res, err
		}
		if !finite(ev.Loss) {
			return res, h.diverged(i, ev.Loss, lastGood)
		}
		lastGood = h.snapshot(i, ev.ErrorPercent)
		if i == 0 {
			res.InitialError = ev.ErrorPercent
		}
		res.Errors = append(res.Errors, ev.ErrorPercent)
		if ev.ErrorPercent < res.Best.Error {
			res.Best = lastGood
		}

		var measErr *float64
		if opts.QueryScanner && h.deps.Link != nil && i%h.cfg.QueryEvery == 0 {
			if e, err := h.Measure(ctx); err != nil {
				h.log.Warn("scanner round trip failed", "iter", i, "error", err)
			} else {
				measErr = &e
			}
		}
		h.record(ctx, i, ev, measErr, false)
		h.deps.Metrics.ObserveIteration(ev.ErrorPercent, ev.Loss, res.Best.Error)
		h.log.Info("iteration", "restart", h.restart, "iter", i, "error_pct", ev.ErrorPercent,
			"error_ma", tailMean(res.Errors, progressWindow), "loss", ev.Loss)

		start := time.Now()
		aux := h.batch(i)
		_, err = opt.Step(ctx, func(ctx context.Context) (float64, error) {
			for _, t := range tensors {
				t.ZeroGrad()
			}
			ev, err := forward.BatchGradient(ctx, h.deps.Model, h.deps.Params, tensors, aux, gradOpts)
			if err != nil {
				return 0, err
			}
			if !finite(ev.Loss) {
				return ev.Loss, fmt.Errorf("%w: %v", ErrNonFiniteLoss, ev.Loss)
			}
			for _, t := range tensors {
				if t.Trainable && !allFinite(t.Grad.Dense) {
					return ev.Loss, fmt.Errorf("%w: gradient of %s", ErrNonFiniteLoss, t.Name)
				}
			}
			return ev.Loss, nil
		})
		if h.deps.Metrics != nil {
			h.deps.Metrics.StepSeconds.Observe(time.Since(start).Seconds())
			h.deps.Metrics.ForwardEvaluations.Add(float64(closureCalls(opt) * len(aux) * (2*nEntries + 1)))
		}
		if err != nil {
			if divergent(err) {
				return res, h.diverged(i, math.NaN(), lastGood)
			}
			return res, err
		}
		for _, t := range tensors {
			if t.Trainable && !allFinite(t.Data) {
				return res, h.diverged(i, math.NaN(), lastGood)
			}
		}
		h.iteration++
		res.Iterations++

		if opts.Supervised && h.cfg.SupervisedEvery > 0 && i > 0 && i%h.cfg.SupervisedEvery == 0 {
			test, err := h.deps.Model.Evaluate(ctx, h.deps.Params, forward.Aux{TestOnPhantom: true})
			if err != nil {
				if divergent(err) {
					return res, h.diverged(i, math.NaN(), lastGood)
				}
				return res, err
			}
			res.TestErrors = append(res.TestErrors, test.ErrorPercent)
			h.record(ctx, i, test, nil, true)
			h.log.Info("test phantom", "restart", h.restart, "iter", i, "error_pct", test.ErrorPercent)
		}
	}

	final, err := h.deps.Model.Evaluate(ctx, h.deps.Params, forward.Aux{})
	if err != nil {
		if divergent(err) {
			return res, h.diverged(iters, math.NaN(), lastGood)
		}
		return res, err
	}
	if !finite(final.Loss) {
		return res, h.diverged(iters, final.Loss, lastGood)
	}
	res.FinalError = final.ErrorPercent
	res.Errors = append(res.Errors, final.ErrorPercent)
	if iters == 0 {
		res.InitialError = final.ErrorPercent
	}
	if final.ErrorPercent < res.Best.Error {
		res.Best = h.snapshot(iters, final.ErrorPercent)
	}
	if h.cfg.CheckpointDir != "" || h.deps.Store != nil {
		if err := h.SaveCheckpoint(ctx); err != nil {
			h.warnPersistence("checkpoint save failed", err)
		}
	}
	return res, nil
}

// TrainSupervised is Train with the test-phantom evaluation enabled.
func (h *Harness) TrainSupervised(ctx context.Context, iters int, opts TrainOptions) (Result, error) {
	opts.Supervised = true
	return h.Train(ctx, iters, opts)
}

// TrainWithRestarts repeats Train from the starting point init returns
// for each restart and keeps the lowest-error snapshot over all restarts
// and iterations. The parameters hold that snapshot on return.
func (h *Harness) TrainWithRestarts(ctx context.Context, restarts, iters int, init tuning.InitFunc, opts TrainOptions) (Result, error) {
	if restarts <= 0 {
		return Result{}, fmt.Errorf("%w: restarts must be > 0", ErrInvalidConfig)
	}
	if init == nil {
		return Result{}, fmt.Errorf("%w: restart initializer is required", ErrInvalidConfig)
	}
	out := Result{Best: Snapshot{Error: math.Inf(1)}}
	for r := 0; r < restarts; r++ {
		var best *sequence.Params
		if out.Best.valid() {
			best = out.Best.Params
		}
		start, err := init(ctx, r, best)
		if err != nil {
			return out, err
		}
		if err := h.deps.Params.CopyFrom(start); err != nil {
			return out, err
		}
		h.restart = r
		if h.deps.Metrics != nil {
			h.deps.Metrics.Restarts.Inc()
		}
		h.log.Info("restart", "restart", r, "iterations", iters)

		res, err := h.Train(ctx, iters, opts)
		if err != nil {
			return out, err
		}
		if r == 0 {
			out.InitialError = res.InitialError
		}
		out.Iterations += res.Iterations
		out.Errors = append(out.Errors, res.Errors...)
		out.TestErrors = append(out.TestErrors, res.TestErrors...)
		out.FinalError = res.FinalError
		if res.Best.valid() && res.Best.Error < out.Best.Error {
			out.Best = res.Best
		}
	}
	if out.Best.valid() {
		if err := h.Restore(out.Best); err != nil {
			return out, err
		}
		h.log.Info("best snapshot restored", "restart", out.Best.Restart, "iter", out.Best.Iteration, "error_pct", out.Best.Error)
	}
	return out, nil
}

func (h *Harness) diverged(iteration int, loss float64, lastGood Snapshot) error {
	if h.deps.Metrics != nil {
		h.deps.Metrics.DivergenceAborts.Inc()
	}
	if lastGood.valid() {
		if err := h.Restore(lastGood); err != nil {
			return err
		}
	}
	h.log.Error("optimization diverged", "restart", h.restart, "iter", iteration, "loss", loss)
	return &DivergenceError{Restart: h.restart, Iteration: iteration, Loss: loss, LastGood: lastGood}
}

func (h *Harness) record(ctx context.Context, iteration int, ev forward.Evaluation, measErr *float64, supervised bool) {
	if h.hist == nil {
		return
	}
	sc := h.deps.Model.Scanner()
	signal, err := sc.Signal()
	if err != nil {
		h.warnPersistence("history snapshot failed", err)
		return
	}
	entry := history.Snapshot(iteration, h.deps.Params, sc.KSpace(), ev.Reco, signal, ev.ErrorPercent)
	entry.Restart = h.restart
	entry.MeasError = measErr
	entry.Supervised = supervised
	entry.ROI = sc.ROISignal()
	entry.LearnRates = h.learnRates()
	if err := h.hist.Append(ctx, entry); err != nil {
		h.warnPersistence("history append failed", err)
	}
}

func (h *Harness) learnRates() []float64 {
	out := make([]float64, sequence.NumParams)
	for idx := range out {
		out[idx] = h.cfg.LearningRate
		if r, ok := h.cfg.TensorRates[idx]; ok && r > 0 {
			out[idx] = r
		}
	}
	return out
}

func (h *Harness) warnPersistence(msg string, err error) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.CheckpointFailures.Inc()
	}
	h.log.Warn(msg, "error", err)
}
