package scanner

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/require"

	"mrgradopt/internal/phantom"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

// fidParams excites with 90 degrees about x at event 0 and samples every
// following event.
func fidParams(t *testing.T, samples int, dt float64) *sequence.Params {
	t.Helper()
	p, err := sequence.New(samples+1, 1)
	require.NoError(t, err)
	p.SetRF(0, 0, math.Pi/2, 0)
	for ev := 0; ev < p.T; ev++ {
		p.SetEventTime(ev, 0, dt)
		if ev > 0 {
			p.ADC[ev] = 1
		}
	}
	return p
}

func singleVoxel(t *testing.T, nspins int, r2star float64, v phantom.Voxel) *spins.SpinSystem {
	t.Helper()
	sys, err := spins.New(spins.Config{Size: [2]int{1, 1}, NSpins: nspins, R2Star: r2star})
	require.NoError(t, err)
	ph, err := phantom.Uniform(1, 1, v)
	require.NoError(t, err)
	require.NoError(t, sys.SetSystem(ph))
	return sys
}

func TestFreeInductionDecay(t *testing.T) {
	const (
		dt  = 1e-3
		pd  = 0.8
		t2  = 0.05
		db0 = 10.0
	)
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: pd, T1: 1, T2: t2, DB0: db0, B1: 1})
	p := fidParams(t, 20, dt)
	sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: p.T})
	require.NoError(t, err)
	require.NoError(t, sc.SetADCRotation([]float64{ExcitationADCRotation(math.Pi/2, 0)}))
	require.NoError(t, sc.Forward(context.Background(), sys, p))

	sig, err := sc.Signal()
	require.NoError(t, err)
	require.Zero(t, sig[0])
	for ev := 1; ev < p.T; ev++ {
		tau := float64(ev+1) * dt
		want := cmplx.Rect(pd*math.Exp(-tau/t2), -2*math.Pi*db0*tau)
		require.InDelta(t, real(want), real(sig[ev]), 1e-9, "event %d", ev)
		require.InDelta(t, imag(want), imag(sig[ev]), 1e-9, "event %d", ev)
	}
}

func TestEnsembleReproducesR2StarDecay(t *testing.T) {
	const (
		r2star = 30.0
		dt     = 1e-3
	)
	sys := singleVoxel(t, 4096, r2star, phantom.Voxel{PD: 1, T1: 1e6, T2: 1e6, B1: 1})
	p := fidParams(t, 80, dt)
	sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 4096, NRep: 1, T: p.T, Backend: Parallel{Workers: 2}})
	require.NoError(t, err)
	require.NoError(t, sc.Forward(context.Background(), sys, p))

	sig, err := sc.Signal()
	require.NoError(t, err)
	for ev := 1; ev < p.T; ev++ {
		tau := float64(ev+1) * dt
		require.InDelta(t, math.Exp(-r2star*tau), cmplx.Abs(sig[ev]), 0.03, "t=%g", tau)
	}
}

func TestCarryModeSwitch(t *testing.T) {
	build := func() *sequence.Params {
		p, err := sequence.New(5, 2)
		require.NoError(t, err)
		for r := 0; r < 2; r++ {
			p.SetRF(0, r, math.Pi/2, 0)
			for ev := 0; ev < 5; ev++ {
				p.SetEventTime(ev, r, 1e-3)
			}
		}
		p.ADC[1] = 1
		return p
	}
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: 1, T1: 1, T2: 0.1, B1: 1})

	run := func(mode CarryMode) []complex128 {
		sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 2, T: 5, Carry: mode, SpoilTransverse: true})
		require.NoError(t, err)
		require.NoError(t, sc.Forward(context.Background(), sys, build()))
		sig, err := sc.Signal()
		require.NoError(t, err)
		return sig
	}

	reset := run(Reset)
	require.InDelta(t, cmplx.Abs(reset[1*2+0]), cmplx.Abs(reset[1*2+1]), 1e-12)

	carry := run(SteadyState)
	require.InDelta(t, cmplx.Abs(reset[1*2+0]), cmplx.Abs(carry[1*2+0]), 1e-12)
	require.Less(t, cmplx.Abs(carry[1*2+1]), 0.05*cmplx.Abs(carry[1*2+0]))
}

func TestForwardIsDeterministicWithNoise(t *testing.T) {
	ph, err := phantom.Uniform(4, 4, phantom.Voxel{PD: 1, T1: 0.8, T2: 0.08, B1: 1})
	require.NoError(t, err)
	sys, err := spins.New(spins.Config{Size: [2]int{4, 4}, NSpins: 8, R2Star: 20})
	require.NoError(t, err)
	require.NoError(t, sys.SetSystem(ph))
	p, err := sequence.CartesianGRE([2]int{4, 4}, sequence.Options{})
	require.NoError(t, err)

	sc, err := New(Config{Size: [2]int{4, 4}, NSpins: 8, NRep: 4, T: p.T, NoiseStd: 0.01, Seed: 7})
	require.NoError(t, err)
	require.NoError(t, sc.Forward(context.Background(), sys, p))
	first, err := sc.Signal()
	require.NoError(t, err)
	require.NoError(t, sc.Forward(context.Background(), sys, p))
	second, err := sc.Signal()
	require.NoError(t, err)
	require.Equal(t, first, second)

	for r := 0; r < p.NRep; r++ {
		require.Zero(t, first[0*p.NRep+r], "noise only lands on adc events")
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	ph, err := phantom.PointSources(4, 4,
		phantom.Point{I: 1, J: 2, Voxel: phantom.Voxel{PD: 1, T1: 0.8, T2: 0.08, DB0: 5, B1: 1}},
		phantom.Point{I: 3, J: 0, Voxel: phantom.Voxel{PD: 0.5, T1: 1.2, T2: 0.05, B1: 0.9}},
	)
	require.NoError(t, err)
	sys, err := spins.New(spins.Config{Size: [2]int{4, 4}, NSpins: 16, R2Star: 10})
	require.NoError(t, err)
	require.NoError(t, sys.SetSystem(ph))
	p, err := sequence.CartesianGRE([2]int{4, 4}, sequence.Options{})
	require.NoError(t, err)

	run := func(b Backend) []complex128 {
		sc, err := New(Config{Size: [2]int{4, 4}, NSpins: 16, NRep: 4, T: p.T, Backend: b})
		require.NoError(t, err)
		require.NoError(t, sc.Forward(context.Background(), sys, p))
		sig, err := sc.Signal()
		require.NoError(t, err)
		return sig
	}
	serial := run(Serial{})
	parallel := run(Parallel{Workers: 3})
	require.Len(t, parallel, len(serial))
	for i := range serial {
		require.InDelta(t, real(serial[i]), real(parallel[i]), 1e-12)
		require.InDelta(t, imag(serial[i]), imag(parallel[i]), 1e-12)
	}
}

func TestInvalidEventTimes(t *testing.T) {
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: 1, T1: 1, T2: 0.1, B1: 1})
	for _, dt := range []float64{0, -1e-3, math.NaN(), math.Inf(1)} {
		p := fidParams(t, 4, 1e-3)
		p.SetEventTime(2, 0, dt)
		sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: p.T})
		require.NoError(t, err)
		require.ErrorIs(t, sc.Forward(context.Background(), sys, p), ErrInvalidEventTime, "dt=%v", dt)
	}
}

func TestNonFiniteMagnetizationIsFatal(t *testing.T) {
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: 1, T1: 1, T2: 0.1, B1: 1})
	p := fidParams(t, 4, 1e-3)
	p.SetRF(0, 0, math.Inf(1), 0)
	sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: p.T})
	require.NoError(t, err)
	require.ErrorIs(t, sc.Forward(context.Background(), sys, p), ErrNonFiniteMagnetization)

	_, err = sc.Signal()
	require.ErrorIs(t, err, ErrNoSignal)
}

func TestShapeChecks(t *testing.T) {
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: 1, T1: 1, T2: 0.1, B1: 1})
	p := fidParams(t, 4, 1e-3)
	sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 2, NRep: 1, T: p.T})
	require.NoError(t, err)
	require.ErrorIs(t, sc.Forward(context.Background(), sys, p), ErrShapeMismatch)

	sc, err = New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: p.T + 1})
	require.NoError(t, err)
	require.ErrorIs(t, sc.Forward(context.Background(), sys, p), ErrShapeMismatch)
	require.ErrorIs(t, sc.SetADCRotation([]float64{0, 0}), ErrShapeMismatch)

	_, err = New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: 3, NoiseStd: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Size: [2]int{2, 2}, NSpins: 1, NRep: 1, T: 3, RecordROI: true, ROIVoxel: [2]int{2, 0}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCoilSensitivityAndROI(t *testing.T) {
	sys := singleVoxel(t, 1, 0, phantom.Voxel{PD: 1, T1: 1, T2: 0.1, B1: 1})
	p := fidParams(t, 3, 1e-3)
	sc, err := New(Config{Size: [2]int{1, 1}, NSpins: 1, NRep: 1, T: p.T, NCoils: 2, RecordROI: true})
	require.NoError(t, err)
	require.NoError(t, sc.SetCoilSensitivity([][]complex128{{1}, {0.5i}}))
	require.NoError(t, sc.Forward(context.Background(), sys, p))

	c0, err := sc.CoilSignal(0)
	require.NoError(t, err)
	c1, err := sc.CoilSignal(1)
	require.NoError(t, err)
	for ev := range c0 {
		require.InDelta(t, 0, cmplx.Abs(c1[ev]-0.5i*c0[ev]), 1e-12)
	}

	roi := sc.ROISignal()
	require.Len(t, roi, p.T*3)
	// Right after the 90 degree pulse about x the magnetization points along -y.
	require.InDelta(t, -math.Exp(-1e-3/0.1), roi[1], 1e-9)
	require.InDelta(t, 0, roi[2], 2e-3)
	require.InDelta(t, real(c0[1]), roi[3], 1e-12)
	require.InDelta(t, imag(c0[1]), roi[4], 1e-12)

	mag := sc.Magnetization()
	require.Len(t, mag, 3)
	require.InDelta(t, roi[(p.T-1)*3+2], mag[2], 1e-12)
}

func TestRotationMatchesExcitationConvention(t *testing.T) {
	for _, phase := range []float64{0, math.Pi / 3, math.Pi} {
		for _, flip := range []float64{math.Pi / 2, -math.Pi / 6} {
			x, y, z := newRotation(flip, phase).apply(0, 0, 1)
			m := complex(x, y) * cmplx.Rect(1, ExcitationADCRotation(flip, phase))
			require.InDelta(t, math.Abs(math.Sin(flip)), real(m), 1e-12)
			require.InDelta(t, 0, imag(m), 1e-12)
			require.InDelta(t, math.Cos(flip), z, 1e-12)
		}
	}
}
