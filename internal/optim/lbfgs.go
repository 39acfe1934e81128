package optim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"mrgradopt/internal/model"
)

type LBFGSConfig struct {
	// MaxIter bounds the major iterations of one Step.
	MaxIter int
	// Store is the number of curvature pairs kept.
	Store int
}

// LBFGS runs a bounded quasi-Newton minimization over the concatenated
// elements of all trainable tensors on every Step. Masked elements see a
// zero gradient and are restored after the search.
type LBFGS struct {
	cfg     LBFGSConfig
	tensors []*Tensor
	steps   int
	calls   int
}

func NewLBFGS(tensors []*Tensor, cfg LBFGSConfig) (*LBFGS, error) {
	if cfg.MaxIter < 0 || cfg.Store < 0 {
		return nil, fmt.Errorf("%w: lbfgs max iter %d store %d", ErrInvalidHyperparameter, cfg.MaxIter, cfg.Store)
	}
	if cfg.MaxIter == 0 {
		cfg.MaxIter = 20
	}
	tr, err := trainable(tensors)
	if err != nil {
		return nil, err
	}
	return &LBFGS{cfg: cfg, tensors: tr}, nil
}

func (l *LBFGS) Name() string { return KindLBFGS }

// ClosureCalls is the number of closure evaluations made by the last Step,
// including the final evaluation at the accepted point.
func (l *LBFGS) ClosureCalls() int { return l.calls }

func (l *LBFGS) size() int {
	n := 0
	for _, t := range l.tensors {
		n += len(t.Data)
	}
	return n
}

func (l *LBFGS) gather(dst []float64) {
	off := 0
	for _, t := range l.tensors {
		copy(dst[off:], t.Data)
		off += len(t.Data)
	}
}

func (l *LBFGS) scatter(x []float64) {
	off := 0
	for _, t := range l.tensors {
		copy(t.Data, x[off:off+len(t.Data)])
		off += len(t.Data)
	}
}

func (l *LBFGS) maskedGrad(dst []float64) {
	off := 0
	for _, t := range l.tensors {
		for i, g := range t.DenseGrad() {
			if m := t.MaskAt(i); m != 0 {
				dst[off+i] = g * m
			} else {
				dst[off+i] = 0
			}
		}
		off += len(t.Data)
	}
}

func (l *LBFGS) Step(ctx context.Context, closure Closure) (float64, error) {
	if closure == nil {
		return 0, errClosureRequired
	}
	for _, t := range l.tensors {
		if t.Grad.Sparse() {
			return 0, fmt.Errorf("%w: tensor %s", ErrSparseGradient, t.Name)
		}
	}
	l.calls = 0
	n := l.size()
	x0 := make([]float64, n)
	l.gather(x0)
	frozen := append([]float64(nil), x0...)

	var (
		lastX    []float64
		lastLoss float64
		lastGrad = make([]float64, n)
		evalErr  error
	)
	eval := func(x []float64) {
		if lastX != nil && floats.Equal(lastX, x) {
			return
		}
		l.scatter(x)
		l.calls++
		loss, err := closure(ctx)
		if err != nil && evalErr == nil {
			evalErr = err
		}
		if err != nil {
			loss = math.NaN()
		}
		lastX = append(lastX[:0], x...)
		lastLoss = loss
		l.maskedGrad(lastGrad)
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			eval(x)
			return lastLoss
		},
		Grad: func(grad, x []float64) {
			eval(x)
			copy(grad, lastGrad)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: l.cfg.MaxIter,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Iterations: l.cfg.MaxIter},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{Store: l.cfg.Store})
	if evalErr != nil {
		l.restore(x0, frozen)
		return 0, evalErr
	}
	if result == nil || result.X == nil {
		l.restore(x0, frozen)
		if err == nil {
			err = errors.New("lbfgs returned no result")
		}
		return 0, err
	}
	l.restore(result.X, frozen)
	loss := result.F
	// The line search may end on a trial point, so the closure state
	// (gradients, simulator buffers) is refreshed at the accepted one.
	accepted := make([]float64, n)
	l.gather(accepted)
	if lastX == nil || !floats.Equal(lastX, accepted) {
		l.calls++
		if loss, err = closure(ctx); err != nil {
			l.restore(x0, frozen)
			return 0, err
		}
	}
	l.steps++
	return loss, nil
}

// restore writes x back into the tensors, keeping masked elements at
// their frozen values.
func (l *LBFGS) restore(x, frozen []float64) {
	off := 0
	for _, t := range l.tensors {
		for i := range t.Data {
			if t.MaskAt(i) == 0 {
				t.Data[i] = frozen[off+i]
			} else {
				t.Data[i] = x[off+i]
			}
		}
		off += len(t.Data)
	}
}

type lbfgsState struct {
	model.VersionedRecord
	Kind  string         `json:"kind"`
	Steps int            `json:"steps"`
	Sizes map[string]int `json:"sizes"`
}

// State records only the step count: curvature pairs are rebuilt on each
// Step.
func (l *LBFGS) State() ([]byte, error) {
	return json.Marshal(lbfgsState{
		VersionedRecord: model.VersionedRecord{SchemaVersion: StateSchemaVersion, CodecVersion: StateCodecVersion},
		Kind:            KindLBFGS,
		Steps:           l.steps,
		Sizes:           sizes(l.tensors),
	})
}

func (l *LBFGS) LoadState(data []byte) error {
	var cp checkpointState
	if err := decodeState(data, KindLBFGS, l.tensors, &cp); err != nil {
		return err
	}
	var st lbfgsState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	l.steps = st.Steps
	return nil
}
