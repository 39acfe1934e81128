package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mrgradopt/internal/forward"
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

const prewinderShift = 0.4

type fixture struct {
	size   [2]int
	sys    *spins.SpinSystem
	ref    *sequence.Params
	params *sequence.Params
	mask   []float64
	target []complex128
	model  forward.Model
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSystem(t *testing.T, size [2]int) *spins.SpinSystem {
	t.Helper()
	ph, err := phantom.New(size[0], size[1])
	require.NoError(t, err)
	for i := 0; i < size[0]; i++ {
		for j := 0; j < size[1]; j++ {
			require.NoError(t, ph.Set(i, j, phantom.Voxel{PD: 0.2 + 0.1*float64((3*i+5*j)%7), T1: 0.5, T2: 0.05, B1: 1}))
		}
	}
	sys, err := spins.New(spins.Config{Size: size, NSpins: 1})
	require.NoError(t, err)
	require.NoError(t, sys.SetSystem(ph))
	return sys
}

// newFixture builds a 4x4 gradient echo whose target is the reconstruction
// of the reference sequence, scaled by gain, and a starting point whose
// x pre-winder is shifted in every repetition. Only the shifted entries
// are unmasked.
func newFixture(t *testing.T, rec reco.Reconstructor, gain complex128) fixture {
	t.Helper()
	size := [2]int{4, 4}
	ref, err := sequence.CartesianGRE(size, sequence.Options{})
	require.NoError(t, err)
	sc, err := scanner.New(scanner.Config{Size: size, NSpins: 1, NRep: ref.NRep, T: ref.T})
	require.NoError(t, err)
	sys := testSystem(t, size)

	probe, err := forward.ForFamily(sequence.GRE, forward.Setup{Scanner: sc, Train: []forward.Sample{{Spins: sys}}})
	require.NoError(t, err)
	target, err := probe.Reconstruct(context.Background(), ref, forward.Aux{})
	require.NoError(t, err)
	for v := range target {
		target[v] *= gain
	}
	m, err := forward.ForFamily(sequence.GRE, forward.Setup{
		Scanner: sc,
		Reco:    rec,
		Train:   []forward.Sample{{Spins: sys, Target: target}},
		Test:    &forward.Sample{Spins: sys, Target: target},
	})
	require.NoError(t, err)

	params := ref.Clone()
	mask := make([]float64, len(params.GradMoms))
	for r := 0; r < params.NRep; r++ {
		i := (4*params.NRep + r) * 2
		params.GradMoms[i] += prewinderShift
		mask[i] = 1
	}
	return fixture{size: size, sys: sys, ref: ref, params: params, mask: mask, target: target, model: m}
}

func (fx fixture) config() Config {
	return Config{
		Optimizer:    "adam",
		LearningRate: 0.02,
		Trainable:    []int{sequence.ParamGradMoms},
		Masks:        map[int][]float64{sequence.ParamGradMoms: fx.mask},
		Logger:       quiet(),
	}
}

func TestAdamConvergesOnGradientMoments(t *testing.T) {
	fx := newFixture(t, nil, 1)
	before := append([]float64(nil), fx.params.GradMoms...)
	h, err := New(fx.config(), Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)

	const iters = 200
	res, err := h.Train(context.Background(), iters, TrainOptions{})
	require.NoError(t, err)
	require.Equal(t, iters, res.Iterations)
	require.Len(t, res.Errors, iters+1)
	require.Greater(t, res.InitialError, 50.0)
	require.Less(t, res.FinalError, 5.0)

	ma := MovingAverage(res.Errors[:iters], 25)
	require.Less(t, ma[49], ma[24])
	for i := 74; i < iters; i += 25 {
		require.LessOrEqual(t, ma[i], ma[i-25]+0.5, "moving average rose at %d", i)
	}
	require.LessOrEqual(t, res.Best.Error, res.FinalError)

	for i, v := range fx.params.GradMoms {
		if fx.mask[i] == 0 {
			require.Equal(t, before[i], v, "masked entry %d moved", i)
		}
	}
	for r := 0; r < fx.params.NRep; r++ {
		require.InDelta(t, fx.ref.GradMom(4, r, 0), fx.params.GradMom(4, r, 0), 0.05)
	}
}

func TestSGDKeepsMaskedEntries(t *testing.T) {
	fx := newFixture(t, nil, 1)
	before := fx.params.Clone()
	cfg := fx.config()
	cfg.Optimizer = "sgd"
	cfg.LearningRate = 1
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 3, TrainOptions{})
	require.NoError(t, err)
	moved := false
	for i, v := range fx.params.GradMoms {
		if fx.mask[i] == 0 {
			require.Equal(t, before.GradMoms[i], v)
		} else if v != before.GradMoms[i] {
			moved = true
		}
	}
	require.True(t, moved)
	require.Equal(t, before.RF, fx.params.RF)
}

// poisonModel reports a NaN loss once the watched entry has moved.
type poisonModel struct {
	forward.Model
	idx  int
	base float64
}

func (m poisonModel) Evaluate(ctx context.Context, p *sequence.Params, aux forward.Aux) (forward.Evaluation, error) {
	ev, err := m.Model.Evaluate(ctx, p, aux)
	if err == nil && math.Abs(p.GradMoms[m.idx]-m.base) > 1e-3 {
		ev.Loss = math.NaN()
	}
	return ev, err
}

func TestDivergenceRestoresLastGood(t *testing.T) {
	fx := newFixture(t, nil, 1)
	start := fx.params.Clone()
	idx := 4 * fx.params.NRep * 2
	m := poisonModel{Model: fx.model, idx: idx, base: fx.params.GradMoms[idx]}
	reg := metrics.New()
	h, err := New(fx.config(), Deps{Model: m, Params: fx.params, Metrics: reg})
	require.NoError(t, err)

	_, err = h.Train(context.Background(), 5, TrainOptions{})
	require.ErrorIs(t, err, ErrNonFiniteLoss)
	var div *DivergenceError
	require.True(t, errors.As(err, &div))
	require.Equal(t, 1, div.Iteration)
	require.Equal(t, 0, div.LastGood.Iteration)
	require.True(t, math.IsNaN(div.Loss))
	require.Equal(t, start.GradMoms, fx.params.GradMoms)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DivergenceAborts))
}

// cliffModel reports an infinite loss as soon as the watched entry moves
// up, so central differences at the nominal point yield an infinite
// gradient while the nominal loss stays finite.
type cliffModel struct {
	forward.Model
	idx  int
	base float64
}

func (m cliffModel) Evaluate(ctx context.Context, p *sequence.Params, aux forward.Aux) (forward.Evaluation, error) {
	ev, err := m.Model.Evaluate(ctx, p, aux)
	if err == nil && p.GradMoms[m.idx] > m.base {
		ev.Loss = math.Inf(1)
	}
	return ev, err
}

func TestInfiniteGradientRestoresStart(t *testing.T) {
	fx := newFixture(t, nil, 1)
	start := fx.params.Clone()
	idx := 4 * fx.params.NRep * 2
	m := cliffModel{Model: fx.model, idx: idx, base: fx.params.GradMoms[idx]}
	reg := metrics.New()
	h, err := New(fx.config(), Deps{Model: m, Params: fx.params, Metrics: reg})
	require.NoError(t, err)

	_, err = h.Train(context.Background(), 3, TrainOptions{})
	require.ErrorIs(t, err, ErrNonFiniteLoss)
	var div *DivergenceError
	require.True(t, errors.As(err, &div))
	require.Equal(t, 0, div.Iteration)
	require.Equal(t, start.GradMoms, fx.params.GradMoms)
	for _, v := range fx.params.GradMoms {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DivergenceAborts))
}

// blowupModel fails like the simulator does on non-finite magnetization
// once the watched entry has moved.
type blowupModel struct {
	forward.Model
	idx  int
	base float64
}

func (m blowupModel) Evaluate(ctx context.Context, p *sequence.Params, aux forward.Aux) (forward.Evaluation, error) {
	if math.Abs(p.GradMoms[m.idx]-m.base) > 1e-3 {
		return forward.Evaluation{}, fmt.Errorf("%w: voxel 0 spin 0 repetition 0", scanner.ErrNonFiniteMagnetization)
	}
	return m.Model.Evaluate(ctx, p, aux)
}

func TestNonFiniteMagnetizationIsDivergence(t *testing.T) {
	fx := newFixture(t, nil, 1)
	start := fx.params.Clone()
	idx := 4 * fx.params.NRep * 2
	m := blowupModel{Model: fx.model, idx: idx, base: fx.params.GradMoms[idx]}
	h, err := New(fx.config(), Deps{Model: m, Params: fx.params})
	require.NoError(t, err)

	_, err = h.Train(context.Background(), 5, TrainOptions{})
	var div *DivergenceError
	require.True(t, errors.As(err, &div), "got %v", err)
	require.Equal(t, 1, div.Iteration)
	require.Equal(t, 0, div.LastGood.Iteration)
	require.Equal(t, start.GradMoms, fx.params.GradMoms)
}

func TestSupervisedEvaluatesTestPhantom(t *testing.T) {
	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.RecordHistory = true
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)

	res, err := h.TrainSupervised(context.Background(), 21, TrainOptions{})
	require.NoError(t, err)
	// Test evaluations follow the steps of iterations 10 and 20, so they
	// see the parameters that iterations 11 and 21 (the final state) train on.
	require.Len(t, res.TestErrors, 2)
	require.InDelta(t, res.Errors[11], res.TestErrors[0], 1e-9)
	require.InDelta(t, res.Errors[21], res.TestErrors[1], 1e-9)
	require.Equal(t, 23, h.History().Len())

	entries, err := h.History().All(context.Background())
	require.NoError(t, err)
	supervised := 0
	for _, e := range entries {
		if e.Supervised {
			supervised++
			require.Zero(t, e.Iteration%10)
			require.NotZero(t, e.Iteration)
		}
	}
	require.Equal(t, 2, supervised)
}

func TestRestartsKeepBestSnapshot(t *testing.T) {
	fx := newFixture(t, nil, 1)
	reg := metrics.New()
	h, err := New(fx.config(), Deps{Model: fx.model, Params: fx.params, Metrics: reg})
	require.NoError(t, err)

	p := &tuning.Perturber{Rand: rand.New(rand.NewSource(7)), StepSize: 0.2}
	init := p.Initializer(fx.params, []tuning.Target{{Tensor: sequence.ParamGradMoms, Mask: fx.mask}})
	res, err := h.TrainWithRestarts(context.Background(), 3, 4, init, TrainOptions{})
	require.NoError(t, err)
	require.Equal(t, 12, res.Iterations)
	require.Len(t, res.Errors, 15)
	for _, e := range res.Errors {
		require.LessOrEqual(t, res.Best.Error, e)
	}
	require.Equal(t, 3.0, testutil.ToFloat64(reg.Restarts))
	require.Equal(t, 12.0, testutil.ToFloat64(reg.Iterations))

	ev, err := fx.model.Evaluate(context.Background(), fx.params, forward.Aux{})
	require.NoError(t, err)
	require.InDelta(t, res.Best.Error, ev.ErrorPercent, 1e-9)
	require.Equal(t, res.Best.Params.GradMoms, fx.params.GradMoms)
}

func TestRecoWeightsTrainInNNMode(t *testing.T) {
	fx := newFixture(t, reco.NewCalibrated(reco.FFTReconstructor{}, 16), 1.5)
	before := fx.params.Clone()
	h, err := New(Config{Mode: ModeNN, LearningRate: 0.05, Logger: quiet()}, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)

	res, err := h.Train(context.Background(), 10, TrainOptions{})
	require.NoError(t, err)
	require.Less(t, res.FinalError, res.InitialError)
	require.Equal(t, before.GradMoms, fx.params.GradMoms)
	require.Equal(t, before.RF, fx.params.RF)

	_, err = New(Config{Mode: ModeNN, Logger: quiet()}, Deps{Model: newFixture(t, nil, 1).model, Params: fx.params})
	require.ErrorIs(t, err, ErrNoLearnedReco)
}

func TestConfigValidation(t *testing.T) {
	fx := newFixture(t, nil, 1)
	deps := Deps{Model: fx.model, Params: fx.params}
	cases := map[string]Config{
		"negative lr":    {LearningRate: -1, Trainable: []int{sequence.ParamGradMoms}},
		"unknown mode":   {Mode: "both", Trainable: []int{sequence.ParamGradMoms}},
		"no trainable":   {},
		"bad tensor":     {Trainable: []int{7}},
		"negative rate":  {Trainable: []int{sequence.ParamRF}, TensorRates: map[int]float64{sequence.ParamRF: -1}},
		"short mask":     {Trainable: []int{sequence.ParamRF}, Masks: map[int][]float64{sequence.ParamRF: {1}}},
		"negative batch": {Trainable: []int{sequence.ParamRF}, BatchSize: -2},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			cfg.Logger = quiet()
			_, err := New(cfg, deps)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	_, err := New(fx.config(), Deps{Params: fx.params})
	require.ErrorIs(t, err, ErrInvalidConfig)

	h, err := New(fx.config(), deps)
	require.NoError(t, err)
	_, err = h.Train(context.Background(), -1, TrainOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = h.TrainWithRestarts(context.Background(), 0, 1, nil, TrainOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheckpointResume(t *testing.T) {
	dir := t.TempDir()
	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.CheckpointDir = dir
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 2, TrainOptions{})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, CheckpointFile))

	var buf bytes.Buffer
	cfg.ResumeCheckpoint = true
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	h, err = New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 1, TrainOptions{})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "optimizer state resumed")

	require.NoError(t, os.WriteFile(filepath.Join(dir, CheckpointFile), []byte("{not json"), 0o644))
	buf.Reset()
	h, err = New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	res, err := h.Train(context.Background(), 1, TrainOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Iterations)
	require.Contains(t, buf.String(), "starting fresh")

	missing := cfg
	missing.CheckpointDir = t.TempDir()
	buf.Reset()
	h, err = New(missing, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 1, TrainOptions{})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "no checkpoint found")
}

func TestCheckpointInStore(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.RunID = "run-store"
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params, Store: store})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 1, TrainOptions{})
	require.NoError(t, err)

	cp, ok, err := store.GetCheckpoint(context.Background(), "run-store/"+CheckpointFile)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "adam", cp.Optimizer)
}

func TestMeasureThroughSimulatedLink(t *testing.T) {
	fx := newFixture(t, nil, 1)
	linkScanner, err := scanner.New(scanner.Config{Size: fx.size, NSpins: 1, NRep: fx.ref.NRep, T: fx.ref.T})
	require.NoError(t, err)
	link := jobctl.SimulatedLink{Scanner: linkScanner, Spins: fx.sys}
	signal, err := link.Acquire(context.Background(), jobctl.Job{Family: sequence.GRE, Params: fx.ref})
	require.NoError(t, err)
	measTarget, err := scanner.AdjointOf(signal, fx.ref, linkScanner.Coils(), fx.size)
	require.NoError(t, err)

	reg := metrics.New()
	cfg := fx.config()
	cfg.RecordHistory = true
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.ref.Clone(), Link: link, Target: measTarget, Metrics: reg})
	require.NoError(t, err)
	e, err := h.Measure(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0, e, 1e-9)

	h, err = New(cfg, Deps{Model: fx.model, Params: fx.params, Link: link, Target: measTarget, Metrics: reg})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 2, TrainOptions{QueryScanner: true})
	require.NoError(t, err)
	require.Equal(t, 3.0, testutil.ToFloat64(reg.ScannerRoundTrips))
	entries, err := h.History().All(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.NotNil(t, entry.MeasError)
	}

	bare, err := New(cfg, Deps{Model: fx.model, Params: fx.params})
	require.NoError(t, err)
	_, err = bare.Measure(context.Background())
	require.ErrorIs(t, err, ErrNoScannerLink)
}

func TestExportsAndHistoryArchive(t *testing.T) {
	dir := t.TempDir()
	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.RecordHistory = true
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params, Target: fx.target})
	require.NoError(t, err)
	_, err = h.Train(context.Background(), 2, TrainOptions{})
	require.NoError(t, err)

	require.NoError(t, h.ExportSequence(context.Background(), dir))
	arr, err := seqexport.ReadArrays(filepath.Join(dir, seqexport.LastIterArrayFile))
	require.NoError(t, err)
	require.Equal(t, "gre", arr.SequenceClass)
	require.Len(t, arr.Reco, 32)
	require.Equal(t, fx.params.GradMoms, arr.GradMoms)
	seqText, err := os.ReadFile(filepath.Join(dir, seqexport.LastIterFile))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(seqText), "# mrgradopt sequence"))

	require.NoError(t, h.SaveHistory(context.Background(), dir, true))
	all, err := seqexport.ReadAllIterArrays(filepath.Join(dir, seqexport.AllIterArrayFile))
	require.NoError(t, err)
	require.Len(t, all.Errors, 2)
	require.Len(t, all.Target, 32)
	require.FileExists(t, filepath.Join(dir, jobctl.DataDir, seqexport.IterFile(0)))
	require.FileExists(t, filepath.Join(dir, jobctl.DataDir, seqexport.IterFile(1)))

	require.NoError(t, h.ExportScannerDict(context.Background(), dir))
	data, err := os.ReadFile(filepath.Join(dir, seqexport.ScannerDictFile))
	require.NoError(t, err)
	var dict ScannerDict
	require.NoError(t, json.Unmarshal(data, &dict))
	require.Equal(t, fx.params.T, dict.T)
	require.Equal(t, 1, dict.NCoils)
	for _, dt := range dict.EventTimes {
		require.GreaterOrEqual(t, dt, 0.0)
	}
}

func TestClusterJobResume(t *testing.T) {
	dir := t.TempDir()
	jobs, err := jobctl.New(jobctl.Config{Dir: dir, Logger: quiet()})
	require.NoError(t, err)

	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.RecordHistory = true
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params, Jobs: jobs})
	require.NoError(t, err)
	st, err := h.QueryClusterJob(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Iteration)
	_, err = h.Train(context.Background(), 2, TrainOptions{})
	require.NoError(t, err)
	require.NoError(t, h.UpdateClusterJob(context.Background(), 1, false))

	fresh := newFixture(t, nil, 1)
	require.NotEqual(t, fx.params.GradMoms, fresh.params.GradMoms)
	resumed, err := New(cfg, Deps{Model: fresh.model, Params: fresh.params, Jobs: jobs})
	require.NoError(t, err)
	st, err = resumed.QueryClusterJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, st.Iteration)
	require.Equal(t, jobctl.StatusSubmitted, st.Status)
	require.Equal(t, fx.params.GradMoms, fresh.params.GradMoms)
	require.Equal(t, 2, resumed.History().Len())

	require.NoError(t, resumed.UpdateClusterJob(context.Background(), 4, true))
	st, err = jobs.Query()
	require.NoError(t, err)
	require.Equal(t, jobctl.StatusFinished, st.Status)
	require.Nil(t, st.Params)
	require.NoFileExists(t, filepath.Join(dir, jobctl.ParamsBlob))
}

func TestRecordRun(t *testing.T) {
	out := t.TempDir()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	fx := newFixture(t, nil, 1)
	cfg := fx.config()
	cfg.RunID = "run-1"
	cfg.Seed = 9
	h, err := New(cfg, Deps{Model: fx.model, Params: fx.params, Store: store})
	require.NoError(t, err)
	res, err := h.Train(context.Background(), 2, TrainOptions{})
	require.NoError(t, err)
	res.Errors = append(res.Errors, math.NaN())

	rec, err := h.RecordRun(context.Background(), res, stats.RunConfig{Iterations: 2}, out)
	require.NoError(t, err)
	require.Equal(t, "gre", rec.Family)
	require.Equal(t, -1.0, rec.ErrorHistory[len(rec.ErrorHistory)-1])

	stored, ok, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.BestError, stored.BestError)

	index, err := stats.ListRunIndex(out)
	require.NoError(t, err)
	require.Len(t, index, 1)
	require.Equal(t, int64(9), index[0].Seed)
	rc, ok, err := stats.ReadRunConfig(out, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "seq", rc.OptMode)
}

func TestMovingAverage(t *testing.T) {
	ma := MovingAverage([]float64{4, 2, 6, 0}, 2)
	require.Equal(t, []float64{4, 3, 4, 3}, ma)
}
