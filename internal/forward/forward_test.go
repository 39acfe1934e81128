package forward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mrgradopt/internal/optim"
	"mrgradopt/internal/phantom"
	"mrgradopt/internal/reco"
	"mrgradopt/internal/scanner"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

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

// referenceModel builds a model whose target is the reconstruction of the
// unmodified family sequence.
func referenceModel(t *testing.T, family sequence.Family, size [2]int) (Model, *sequence.Params) {
	t.Helper()
	p, err := sequence.Build(family, size, sequence.Options{})
	require.NoError(t, err)
	sc, err := scanner.New(scanner.Config{Size: size, NSpins: 1, NRep: p.NRep, T: p.T})
	require.NoError(t, err)
	sys := testSystem(t, size)

	probe, err := ForFamily(family, Setup{Scanner: sc, Train: []Sample{{Spins: sys}}})
	require.NoError(t, err)
	target, err := probe.Reconstruct(context.Background(), p, Aux{})
	require.NoError(t, err)

	m, err := ForFamily(family, Setup{
		Scanner: sc,
		Train:   []Sample{{Spins: sys, Target: target}},
		Test:    &Sample{Spins: sys, Target: target},
	})
	require.NoError(t, err)
	return m, p
}

func TestReferenceSequenceHasZeroError(t *testing.T) {
	for _, family := range sequence.Families() {
		t.Run(family.String(), func(t *testing.T) {
			m, p := referenceModel(t, family, [2]int{4, 4})
			require.Equal(t, family, m.Family())
			ev, err := m.Evaluate(context.Background(), p, Aux{})
			require.NoError(t, err)
			require.InDelta(t, 0, ev.Loss, 1e-20)
			require.InDelta(t, 0, ev.ErrorPercent, 1e-9)
			require.Len(t, ev.Reco, 16)

			test, err := m.Evaluate(context.Background(), p, Aux{TestOnPhantom: true})
			require.NoError(t, err)
			require.InDelta(t, 0, test.ErrorPercent, 1e-9)
		})
	}
}

func TestGREReconstructionMatchesPhantom(t *testing.T) {
	m, p := referenceModel(t, sequence.GRE, [2]int{4, 4})
	img, err := m.Reconstruct(context.Background(), p, Aux{})
	require.NoError(t, err)
	sys := testSystem(t, [2]int{4, 4})
	for v, pd := range sys.PD() {
		require.InDelta(t, pd, real(img[v]), 0.03, "voxel %d", v)
	}
	require.Equal(t, "fft", m.Reconstructor().Name())
}

func TestGradientPointsDownhill(t *testing.T) {
	m, p := referenceModel(t, sequence.GRE, [2]int{4, 4})
	const prewinder = 4
	for r := 0; r < p.NRep; r++ {
		p.SetGradMom(prewinder, r, p.GradMom(prewinder, r, 0)+0.3, p.GradMom(prewinder, r, 1))
	}
	nominal := append([]float64(nil), p.GradMoms...)
	tensor := &optim.Tensor{Name: "grad_moms", Data: p.GradMoms, Trainable: true}

	ev, err := Gradient(context.Background(), m, p, []*optim.Tensor{tensor}, Aux{}, GradientOptions{})
	require.NoError(t, err)
	require.Equal(t, nominal, p.GradMoms)
	require.Greater(t, ev.ErrorPercent, 1.0)

	grad := tensor.Grad.Dense
	require.Len(t, grad, len(nominal))
	for r := 0; r < p.NRep; r++ {
		require.Greater(t, grad[(prewinder*p.NRep+r)*2], 0.0, "rep %d", r)
	}

	for i := range p.GradMoms {
		p.GradMoms[i] -= 0.01 * grad[i]
	}
	after, err := m.Evaluate(context.Background(), p, Aux{})
	require.NoError(t, err)
	require.Less(t, after.Loss, ev.Loss)
}

func TestBatchGradientOfIdenticalSamplesMatchesSingle(t *testing.T) {
	m, p := referenceModel(t, sequence.GRE, [2]int{4, 2})
	p.SetGradMom(4, 0, p.GradMom(4, 0, 0)+0.2, p.GradMom(4, 0, 1))
	tensor := &optim.Tensor{Name: "grad_moms", Data: p.GradMoms, Trainable: true}
	frozen := &optim.Tensor{Name: "rf_event", Data: p.RF}

	single, err := Gradient(context.Background(), m, p, []*optim.Tensor{tensor, frozen}, Aux{}, GradientOptions{})
	require.NoError(t, err)
	want := append([]float64(nil), tensor.Grad.Dense...)
	require.Nil(t, frozen.Grad.Dense)

	batch, err := BatchGradient(context.Background(), m, p, []*optim.Tensor{tensor, frozen}, []Aux{{Sample: 0}, {Sample: 3}}, GradientOptions{})
	require.NoError(t, err)
	require.InDelta(t, single.Loss, batch.Loss, 1e-15)
	for i := range want {
		require.InDelta(t, want[i], tensor.Grad.Dense[i], 1e-12)
	}
}

func TestForFamilyValidation(t *testing.T) {
	sys := testSystem(t, [2]int{4, 4})
	sc, err := scanner.New(scanner.Config{Size: [2]int{4, 4}, NSpins: 1, NRep: 4, T: 11})
	require.NoError(t, err)

	_, err = ForFamily(sequence.GRE, Setup{Train: []Sample{{Spins: sys}}})
	require.ErrorIs(t, err, ErrInvalidSetup)
	_, err = ForFamily(sequence.GRE, Setup{Scanner: sc})
	require.ErrorIs(t, err, ErrInvalidSetup)
	_, err = ForFamily(sequence.GRE, Setup{Scanner: sc, Train: []Sample{{Spins: sys, Target: make([]complex128, 3)}}})
	require.ErrorIs(t, err, ErrInvalidSetup)
	_, err = ForFamily(sequence.Family(9), Setup{Scanner: sc, Train: []Sample{{Spins: sys}}})
	require.ErrorIs(t, err, sequence.ErrUnsupportedFamily)

	reset, err := scanner.New(scanner.Config{Size: [2]int{4, 4}, NSpins: 1, NRep: 4, T: 11, Carry: scanner.Reset})
	require.NoError(t, err)
	_, err = ForFamily(sequence.RARE, Setup{Scanner: reset, Train: []Sample{{Spins: sys}}})
	require.ErrorIs(t, err, ErrInvalidSetup)

	m, err := ForFamily(sequence.GRE, Setup{Scanner: sc, Train: []Sample{{Spins: sys}}, Reco: reco.AdjointReconstructor{}})
	require.NoError(t, err)
	require.Equal(t, "adjoint", m.Reconstructor().Name())
	p, err := sequence.CartesianGRE([2]int{4, 4}, sequence.Options{})
	require.NoError(t, err)
	_, err = m.Evaluate(context.Background(), p, Aux{TestOnPhantom: true})
	require.ErrorIs(t, err, ErrNoTestPhantom)
}

func TestGradientOverReconstructorWeights(t *testing.T) {
	p, err := sequence.CartesianGRE([2]int{2, 2}, sequence.Options{})
	require.NoError(t, err)
	sc, err := scanner.New(scanner.Config{Size: [2]int{2, 2}, NSpins: 1, NRep: 2, T: p.T})
	require.NoError(t, err)
	sys := testSystem(t, [2]int{2, 2})

	cal := reco.NewCalibrated(reco.FFTReconstructor{}, 4)
	probe, err := ForFamily(sequence.GRE, Setup{Scanner: sc, Train: []Sample{{Spins: sys}}})
	require.NoError(t, err)
	target, err := probe.Reconstruct(context.Background(), p, Aux{})
	require.NoError(t, err)
	m, err := ForFamily(sequence.GRE, Setup{Scanner: sc, Reco: cal, Train: []Sample{{Spins: sys, Target: target}}})
	require.NoError(t, err)

	cal.Gains[0] = 1.5
	gains := &optim.Tensor{Name: "reco_gains", Data: cal.Gains, Trainable: true}
	_, err = Gradient(context.Background(), m, p, []*optim.Tensor{gains}, Aux{}, GradientOptions{})
	require.NoError(t, err)
	require.Greater(t, gains.Grad.Dense[0], 0.0)
	require.InDelta(t, 0, gains.Grad.Dense[2], 1e-6)
	require.Equal(t, 1.5, cal.Gains[0])
}
