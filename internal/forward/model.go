// Package forward wires the simulator and a reconstructor into the
// objective the optimizer minimizes.
package forward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"mrgradopt/internal/reco"
	"mrgradopt/internal/scanner"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

var (
	ErrInvalidSetup  = errors.New("invalid forward model setup")
	ErrNoTestPhantom = errors.New("no test phantom configured")
)

// Sample pairs a spin system with the image the sequence should produce
// for it.
type Sample struct {
	Spins  *spins.SpinSystem
	Target []complex128
}

// Setup is shared by all model variants.
type Setup struct {
	Scanner *scanner.Scanner
	// Reco overrides the family's default reconstructor.
	Reco  reco.Reconstructor
	Train []Sample
	Test  *Sample
}

// Aux selects which sample an evaluation runs on.
type Aux struct {
	Sample        int
	TestOnPhantom bool
}

type Evaluation struct {
	Loss         float64
	Reco         []complex128
	ErrorPercent float64
}

// Model evaluates a parameter set: simulate, reconstruct and score against
// the selected sample's target.
type Model interface {
	Family() sequence.Family
	Scanner() *scanner.Scanner
	Reconstructor() reco.Reconstructor
	// Reconstruct runs the acquisition and reconstruction only.
	Reconstruct(ctx context.Context, params *sequence.Params, aux Aux) ([]complex128, error)
	Evaluate(ctx context.Context, params *sequence.Params, aux Aux) (Evaluation, error)
}

// ForFamily selects the model variant for a sequence family.
func ForFamily(f sequence.Family, setup Setup) (Model, error) {
	if err := setup.validate(); err != nil {
		return nil, err
	}
	switch f {
	case sequence.GRE:
		return &GREModel{base: newBase(f, setup, reco.FFTReconstructor{})}, nil
	case sequence.RARE:
		if setup.Scanner.Config().Carry != scanner.SteadyState {
			return nil, fmt.Errorf("%w: rare needs steady-state carry-over", ErrInvalidSetup)
		}
		return &RAREModel{base: newBase(f, setup, reco.FFTReconstructor{})}, nil
	case sequence.BSSFP:
		return &BSSFPModel{base: newBase(f, setup, reco.FFTReconstructor{})}, nil
	case sequence.EPI:
		return &EPIModel{base: newBase(f, setup, reco.AdjointReconstructor{})}, nil
	default:
		return nil, fmt.Errorf("%w: %d", sequence.ErrUnsupportedFamily, int(f))
	}
}

func (s Setup) validate() error {
	if s.Scanner == nil {
		return fmt.Errorf("%w: scanner is required", ErrInvalidSetup)
	}
	if len(s.Train) == 0 {
		return fmt.Errorf("%w: at least one training sample is required", ErrInvalidSetup)
	}
	nvox := s.Scanner.Config().NVox()
	check := func(name string, smp Sample) error {
		if smp.Spins == nil {
			return fmt.Errorf("%w: %s has no spin system", ErrInvalidSetup, name)
		}
		if smp.Target != nil && len(smp.Target) != nvox {
			return fmt.Errorf("%w: %s target has %d pixels, want %d", ErrInvalidSetup, name, len(smp.Target), nvox)
		}
		return nil
	}
	for i, smp := range s.Train {
		if err := check(fmt.Sprintf("sample %d", i), smp); err != nil {
			return err
		}
	}
	if s.Test != nil {
		return check("test phantom", *s.Test)
	}
	return nil
}

type base struct {
	family sequence.Family
	setup  Setup
	rec    reco.Reconstructor
}

func newBase(f sequence.Family, setup Setup, def reco.Reconstructor) base {
	rec := setup.Reco
	if rec == nil {
		rec = def
	}
	return base{family: f, setup: setup, rec: rec}
}

func (b *base) Family() sequence.Family           { return b.family }
func (b *base) Scanner() *scanner.Scanner         { return b.setup.Scanner }
func (b *base) Reconstructor() reco.Reconstructor { return b.rec }

func (b *base) sample(aux Aux) (Sample, error) {
	if aux.TestOnPhantom {
		if b.setup.Test == nil {
			return Sample{}, ErrNoTestPhantom
		}
		return *b.setup.Test, nil
	}
	n := len(b.setup.Train)
	return b.setup.Train[((aux.Sample%n)+n)%n], nil
}

func (b *base) reconstruct(ctx context.Context, params *sequence.Params, aux Aux, rot []float64) ([]complex128, error) {
	smp, err := b.sample(aux)
	if err != nil {
		return nil, err
	}
	sc := b.setup.Scanner
	if err := sc.SetADCRotation(rot); err != nil {
		return nil, err
	}
	if err := sc.Forward(ctx, smp.Spins, params); err != nil {
		return nil, err
	}
	signal, err := sc.Signal()
	if err != nil {
		return nil, err
	}
	return b.rec.Reconstruct(reco.Input{
		Signal: signal,
		Params: params,
		KSpace: sc.KSpace(),
		Coils:  sc.Coils(),
		Size:   sc.Config().Size,
	})
}

func (b *base) evaluate(ctx context.Context, params *sequence.Params, aux Aux, rot []float64) (Evaluation, error) {
	img, err := b.reconstruct(ctx, params, aux, rot)
	if err != nil {
		return Evaluation{}, err
	}
	smp, _ := b.sample(aux)
	ev := Evaluation{Reco: img}
	if smp.Target == nil {
		return ev, nil
	}
	ev.Loss = meanSquaredError(smp.Target, img)
	if e, err := reco.NRMSE(smp.Target, img); err == nil {
		ev.ErrorPercent = e
	} else {
		ev.ErrorPercent = math.NaN()
	}
	return ev, nil
}

func meanSquaredError(target, img []complex128) float64 {
	var acc float64
	for i := range target {
		d := cmplx.Abs(img[i] - target[i])
		acc += d * d
	}
	return acc / float64(len(target))
}

// excitation returns the first non-zero RF event of repetition r.
func excitation(p *sequence.Params, r int) (flip, phase float64, ok bool) {
	for t := 0; t < p.T; t++ {
		if f := p.Flip(t, r); f != 0 {
			return f, p.Phase(t, r), true
		}
	}
	return 0, 0, false
}

// GREModel excites once per repetition; each repetition's receiver phase
// follows its own excitation, including the sign of the flip.
type GREModel struct{ base }

func (m *GREModel) adcRotation(p *sequence.Params) []float64 {
	rot := make([]float64, p.NRep)
	for r := range rot {
		if flip, phase, ok := excitation(p, r); ok {
			rot[r] = scanner.ExcitationADCRotation(flip, phase)
		}
	}
	return rot
}

func (m *GREModel) Reconstruct(ctx context.Context, p *sequence.Params, aux Aux) ([]complex128, error) {
	return m.reconstruct(ctx, p, aux, m.adcRotation(p))
}

func (m *GREModel) Evaluate(ctx context.Context, p *sequence.Params, aux Aux) (Evaluation, error) {
	return m.evaluate(ctx, p, aux, m.adcRotation(p))
}

// RAREModel has a single excitation in the first repetition; every echo
// shares its receiver phase.
type RAREModel struct{ base }

func (m *RAREModel) adcRotation(p *sequence.Params) []float64 {
	rot := make([]float64, p.NRep)
	if flip, phase, ok := excitation(p, 0); ok {
		for r := range rot {
			rot[r] = scanner.ExcitationADCRotation(flip, phase)
		}
	}
	return rot
}

func (m *RAREModel) Reconstruct(ctx context.Context, p *sequence.Params, aux Aux) ([]complex128, error) {
	return m.reconstruct(ctx, p, aux, m.adcRotation(p))
}

func (m *RAREModel) Evaluate(ctx context.Context, p *sequence.Params, aux Aux) (Evaluation, error) {
	return m.evaluate(ctx, p, aux, m.adcRotation(p))
}

// BSSFPModel follows the alternating RF phase of each repetition.
type BSSFPModel struct{ base }

func (m *BSSFPModel) adcRotation(p *sequence.Params) []float64 {
	rot := make([]float64, p.NRep)
	for r := range rot {
		if _, phase, ok := excitation(p, r); ok {
			rot[r] = -phase + math.Pi/2
		}
	}
	return rot
}

func (m *BSSFPModel) Reconstruct(ctx context.Context, p *sequence.Params, aux Aux) ([]complex128, error) {
	return m.reconstruct(ctx, p, aux, m.adcRotation(p))
}

func (m *BSSFPModel) Evaluate(ctx context.Context, p *sequence.Params, aux Aux) (Evaluation, error) {
	return m.evaluate(ctx, p, aux, m.adcRotation(p))
}

// EPIModel reconstructs its zig-zag trajectory with the adjoint.
type EPIModel struct{ base }

func (m *EPIModel) adcRotation(p *sequence.Params) []float64 {
	rot := make([]float64, p.NRep)
	if flip, phase, ok := excitation(p, 0); ok {
		rot[0] = scanner.ExcitationADCRotation(flip, phase)
	}
	for r := 1; r < len(rot); r++ {
		rot[r] = rot[0]
	}
	return rot
}

func (m *EPIModel) Reconstruct(ctx context.Context, p *sequence.Params, aux Aux) ([]complex128, error) {
	return m.reconstruct(ctx, p, aux, m.adcRotation(p))
}

func (m *EPIModel) Evaluate(ctx context.Context, p *sequence.Params, aux Aux) (Evaluation, error) {
	return m.evaluate(ctx, p, aux, m.adcRotation(p))
}
