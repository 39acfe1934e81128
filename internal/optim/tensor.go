// Package optim holds the parameter tensors and the optimizers that update
// them in place.
package optim

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSparseGradient        = errors.New("optimizer does not support sparse gradients")
	ErrInvalidHyperparameter = errors.New("invalid optimizer hyperparameter")
	ErrInvalidTensor         = errors.New("invalid tensor")
	ErrStateMismatch         = errors.New("optimizer state does not match tensors")
	ErrUnknownOptimizer      = errors.New("unknown optimizer")
	errNoTrainableTensors    = errors.New("no trainable tensors")
	errClosureRequired       = errors.New("closure is required")
)

// Gradient is either dense (one entry per tensor element) or sparse
// (parallel index and value lists).
type Gradient struct {
	Dense   []float64
	Indices []int
	Values  []float64
}

func (g Gradient) Sparse() bool { return g.Indices != nil }

// Tensor is a named parameter group. Data is updated in place. Mask entries
// of zero freeze the matching element; a nil mask trains every element.
type Tensor struct {
	Name      string
	Shape     []int
	Data      []float64
	Mask      []float64
	Trainable bool
	// LR overrides the optimizer learning rate when > 0.
	LR   float64
	Grad Gradient
}

func (t *Tensor) Validate() error {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	if len(t.Shape) > 0 && n != len(t.Data) {
		return fmt.Errorf("%w: %s shape %v holds %d values", ErrInvalidTensor, t.Name, t.Shape, len(t.Data))
	}
	if t.Mask != nil && len(t.Mask) != len(t.Data) {
		return fmt.Errorf("%w: %s mask has %d entries for %d values", ErrInvalidTensor, t.Name, len(t.Mask), len(t.Data))
	}
	if t.LR < 0 {
		return fmt.Errorf("%w: %s learning rate %v", ErrInvalidHyperparameter, t.Name, t.LR)
	}
	return nil
}

func (t *Tensor) MaskAt(i int) float64 {
	if t.Mask == nil {
		return 1
	}
	return t.Mask[i]
}

// DenseGrad returns the gradient as a dense slice, scattering sparse
// entries. Missing gradients read as zero.
func (t *Tensor) DenseGrad() []float64 {
	if !t.Grad.Sparse() {
		if t.Grad.Dense == nil {
			return make([]float64, len(t.Data))
		}
		return t.Grad.Dense
	}
	out := make([]float64, len(t.Data))
	for k, idx := range t.Grad.Indices {
		out[idx] += t.Grad.Values[k]
	}
	return out
}

func (t *Tensor) ZeroGrad() {
	t.Grad = Gradient{}
}

func (t *Tensor) lr(def float64) float64 {
	if t.LR > 0 {
		return t.LR
	}
	return def
}

// Closure re-evaluates the objective at the current tensor values, fills
// every trainable tensor's Grad and returns the loss.
type Closure func(ctx context.Context) (float64, error)

type Optimizer interface {
	Name() string
	Step(ctx context.Context, closure Closure) (float64, error)
	// State and LoadState round-trip the internal buffers for checkpoints.
	State() ([]byte, error)
	LoadState(data []byte) error
}

func trainable(tensors []*Tensor) ([]*Tensor, error) {
	var out []*Tensor
	for _, t := range tensors {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if t.Trainable {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, errNoTrainableTensors
	}
	return out, nil
}

// Config selects and parameterizes an optimizer.
type Config struct {
	Kind        string
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	AMSGrad     bool
	// MaxIter bounds the quasi-Newton iterations of one LBFGS step.
	MaxIter int
}

const (
	KindAdam  = "adam"
	KindSGD   = "sgd"
	KindLBFGS = "lbfgs"
)

// New builds the optimizer named by cfg.Kind over tensors.
func New(cfg Config, tensors []*Tensor) (Optimizer, error) {
	switch cfg.Kind {
	case "", KindAdam:
		return NewMaskedAdam(tensors, AdamConfig{
			LR:          cfg.LR,
			Beta1:       cfg.Beta1,
			Beta2:       cfg.Beta2,
			Eps:         cfg.Eps,
			WeightDecay: cfg.WeightDecay,
			AMSGrad:     cfg.AMSGrad,
		})
	case KindSGD:
		return NewSGD(tensors, cfg.LR)
	case KindLBFGS:
		return NewLBFGS(tensors, LBFGSConfig{MaxIter: cfg.MaxIter})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, cfg.Kind)
	}
}
