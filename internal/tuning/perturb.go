// Package tuning produces the starting points of random-restart
// optimization by perturbing a base sequence.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"mrgradopt/internal/sequence"
)

const (
	CandidateSelectOriginal  = "original"
	CandidateSelectBestSoFar = "best_so_far"
	CandidateSelectDynamic   = "dynamic"
)

// Target names a sequence tensor to perturb. Entries whose mask is zero
// keep their base value; a nil mask perturbs every entry.
type Target struct {
	Tensor int
	Mask   []float64
}

// InitFunc returns the starting parameters of a restart. best is the
// lowest-error parameter set found so far, nil before the first restart.
type InitFunc func(ctx context.Context, restart int, best *sequence.Params) (*sequence.Params, error)

type Perturber struct {
	Rand *rand.Rand
	// Steps is the number of entries perturbed per restart; zero perturbs
	// every eligible entry once.
	Steps              int
	StepSize           float64
	PerturbationRange  float64
	AnnealingFactor    float64
	CandidateSelection string
	mu                 sync.Mutex
}

func (p *Perturber) Name() string { return "random_restart" }

func (p *Perturber) Validate() error {
	if p == nil || p.Rand == nil {
		return errors.New("random source is required")
	}
	if p.Steps < 0 {
		return errors.New("steps must be >= 0")
	}
	if p.StepSize <= 0 {
		return errors.New("step size must be > 0")
	}
	if p.PerturbationRange < 0 {
		return errors.New("perturbation range must be >= 0")
	}
	if p.AnnealingFactor < 0 {
		return errors.New("annealing factor must be >= 0")
	}
	switch NormalizeCandidateSelectionName(p.CandidateSelection) {
	case CandidateSelectOriginal, CandidateSelectBestSoFar, CandidateSelectDynamic:
		return nil
	default:
		return fmt.Errorf("unsupported candidate selection: %s", p.CandidateSelection)
	}
}

func NormalizeCandidateSelectionName(name string) string {
	switch name {
	case "", CandidateSelectOriginal:
		return CandidateSelectOriginal
	default:
		return name
	}
}

// Spread is the half-width of the uniform perturbation at a restart; it
// shrinks geometrically with AnnealingFactor.
func (p *Perturber) Spread(restart int) float64 {
	perturbationRange := p.PerturbationRange
	if perturbationRange == 0 {
		perturbationRange = 1.0
	}
	annealingFactor := p.AnnealingFactor
	if annealingFactor == 0 {
		annealingFactor = 1.0
	}
	return p.StepSize * perturbationRange * math.Pow(annealingFactor, float64(restart))
}

// Perturb returns a copy of base with uniform noise added to the unmasked
// entries of each target. Event times stay positive.
func (p *Perturber) Perturb(ctx context.Context, base *sequence.Params, restart int, targets []Target) (*sequence.Params, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := base.Clone()
	spread := p.Spread(restart)

	type slot struct {
		tensor int
		data   []float64
		idx    int
	}
	var eligible []slot
	for _, tg := range targets {
		data, _, err := out.Tensor(tg.Tensor)
		if err != nil {
			return nil, err
		}
		if tg.Mask != nil && len(tg.Mask) != len(data) {
			return nil, fmt.Errorf("%s mask has %d entries, want %d", sequence.TensorName(tg.Tensor), len(tg.Mask), len(data))
		}
		for i := range data {
			if tg.Mask == nil || tg.Mask[i] != 0 {
				eligible = append(eligible, slot{tensor: tg.Tensor, data: data, idx: i})
			}
		}
	}
	if len(eligible) == 0 {
		return out, nil
	}

	perturb := func(s slot) {
		delta := (p.randFloat64()*2 - 1) * spread
		v := s.data[s.idx] + delta
		if s.tensor == sequence.ParamEventTime && v <= 0 {
			return
		}
		s.data[s.idx] = v
	}
	if p.Steps == 0 {
		for _, s := range eligible {
			perturb(s)
		}
		return out, nil
	}
	for step := 0; step < p.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perturb(eligible[p.randIntn(len(eligible))])
	}
	return out, nil
}

// Initializer binds a base sequence and its targets into an InitFunc.
// Restart 0 starts from the unperturbed base.
func (p *Perturber) Initializer(base *sequence.Params, targets []Target) InitFunc {
	original := base.Clone()
	return func(ctx context.Context, restart int, best *sequence.Params) (*sequence.Params, error) {
		if restart == 0 {
			return original.Clone(), nil
		}
		return p.Perturb(ctx, p.candidateBase(original, best), restart, targets)
	}
}

func (p *Perturber) candidateBase(original, best *sequence.Params) *sequence.Params {
	if best == nil {
		return original
	}
	switch NormalizeCandidateSelectionName(p.CandidateSelection) {
	case CandidateSelectBestSoFar:
		return best
	case CandidateSelectDynamic:
		if p.randFloat64() < 0.5 {
			return best
		}
		return original
	default:
		return original
	}
}

func (p *Perturber) randIntn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Rand.Intn(n)
}

func (p *Perturber) randFloat64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Rand.Float64()
}
