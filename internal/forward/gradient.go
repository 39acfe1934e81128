package forward

import (
	"context"
	"math"

	"gonum.org/v1/gonum/diff/fd"

	"mrgradopt/internal/optim"
	"mrgradopt/internal/sequence"
)

// GradientOptions tunes the finite-difference step per tensor name. A zero
// or missing step lets fd choose its default.
type GradientOptions struct {
	Steps map[string]float64
}

// Gradient fills Grad of every trainable tensor with central differences of
// the model loss, then evaluates once more at the nominal point so that the
// scanner buffers and the returned evaluation reflect the current values.
// Tensor data must alias the state the model reads (sequence tensors or
// reconstructor weights).
func Gradient(ctx context.Context, m Model, params *sequence.Params, tensors []*optim.Tensor, aux Aux, opts GradientOptions) (Evaluation, error) {
	for _, t := range tensors {
		if !t.Trainable {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Evaluation{}, err
		}
		grad, err := tensorGradient(ctx, m, params, t, aux, opts.Steps[t.Name])
		if err != nil {
			return Evaluation{}, err
		}
		t.Grad = optim.Gradient{Dense: grad}
	}
	return m.Evaluate(ctx, params, aux)
}

func tensorGradient(ctx context.Context, m Model, params *sequence.Params, t *optim.Tensor, aux Aux, step float64) ([]float64, error) {
	nominal := append([]float64(nil), t.Data...)
	defer func() { copy(t.Data, nominal) }()

	var evalErr error
	loss := func(x []float64) float64 {
		if evalErr != nil {
			return math.NaN()
		}
		copy(t.Data, x)
		ev, err := m.Evaluate(ctx, params, aux)
		if err != nil {
			evalErr = err
			return math.NaN()
		}
		return ev.Loss
	}
	grad := fd.Gradient(nil, loss, nominal, &fd.Settings{Formula: fd.Central, Step: step})
	if evalErr != nil {
		return nil, evalErr
	}
	return grad, nil
}

// BatchGradient averages the loss, error and gradients over several
// samples. The returned reconstruction belongs to the last sample.
func BatchGradient(ctx context.Context, m Model, params *sequence.Params, tensors []*optim.Tensor, samples []Aux, opts GradientOptions) (Evaluation, error) {
	if len(samples) == 1 {
		return Gradient(ctx, m, params, tensors, samples[0], opts)
	}
	sums := make(map[*optim.Tensor][]float64)
	var out Evaluation
	for _, aux := range samples {
		ev, err := Gradient(ctx, m, params, tensors, aux, opts)
		if err != nil {
			return Evaluation{}, err
		}
		out.Loss += ev.Loss
		out.ErrorPercent += ev.ErrorPercent
		out.Reco = ev.Reco
		for _, t := range tensors {
			if !t.Trainable {
				continue
			}
			acc, ok := sums[t]
			if !ok {
				acc = make([]float64, len(t.Data))
				sums[t] = acc
			}
			for i, g := range t.Grad.Dense {
				acc[i] += g
			}
		}
	}
	n := float64(len(samples))
	out.Loss /= n
	out.ErrorPercent /= n
	for t, acc := range sums {
		for i := range acc {
			acc[i] /= n
		}
		t.Grad = optim.Gradient{Dense: acc}
	}
	return out, nil
}
