// Package scanner is the spin-ensemble Bloch simulator: it evolves every
// isochromat of a spin system through a sequence of RF, relaxation and
// precession events and records the complex signal at ADC events.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

var (
	ErrInvalidConfig          = errors.New("invalid scanner config")
	ErrShapeMismatch          = errors.New("scanner shape mismatch")
	ErrInvalidEventTime       = errors.New("event time must be finite and > 0")
	ErrNonFiniteMagnetization = errors.New("non-finite magnetization")
	ErrNoSignal               = errors.New("no forward pass has been run")
)

// CarryMode controls what happens to magnetization between repetitions.
type CarryMode int

const (
	// SteadyState carries every spin's state into the next repetition.
	SteadyState CarryMode = iota
	// Reset restores equilibrium at the start of each repetition.
	Reset
)

func (m CarryMode) String() string {
	if m == Reset {
		return "reset"
	}
	return "steady_state"
}

func ParseCarryMode(s string) (CarryMode, error) {
	switch s {
	case "", "steady_state", "carry":
		return SteadyState, nil
	case "reset":
		return Reset, nil
	default:
		return 0, fmt.Errorf("%w: carry mode %q", ErrInvalidConfig, s)
	}
}

type Config struct {
	Size   [2]int
	NSpins int
	NRep   int
	T      int
	NCoils int

	NoiseStd float64
	Seed     int64

	Carry CarryMode
	// SpoilTransverse zeroes Mx, My at the end of every repetition.
	SpoilTransverse bool

	// RecordROI tracks the spin-averaged magnetization of ROIVoxel.
	RecordROI bool
	ROIVoxel  [2]int

	Backend Backend
}

func (c Config) NVox() int { return c.Size[0] * c.Size[1] }

func (c Config) Validate() error {
	if c.Size[0] <= 0 || c.Size[1] <= 0 {
		return fmt.Errorf("%w: size %v", ErrInvalidConfig, c.Size)
	}
	if c.NSpins <= 0 || c.NRep <= 0 || c.T <= 0 {
		return fmt.Errorf("%w: nspins, nrep and T must be > 0", ErrInvalidConfig)
	}
	if c.NCoils < 0 {
		return fmt.Errorf("%w: ncoils must be >= 0", ErrInvalidConfig)
	}
	if c.NoiseStd < 0 || math.IsNaN(c.NoiseStd) {
		return fmt.Errorf("%w: noise std must be >= 0", ErrInvalidConfig)
	}
	if c.RecordROI && (c.ROIVoxel[0] < 0 || c.ROIVoxel[0] >= c.Size[0] || c.ROIVoxel[1] < 0 || c.ROIVoxel[1] >= c.Size[1]) {
		return fmt.Errorf("%w: roi voxel %v outside grid", ErrInvalidConfig, c.ROIVoxel)
	}
	return nil
}

// Scanner holds the coil setup and the buffers of the last forward pass.
// It is not safe for concurrent Forward calls.
type Scanner struct {
	cfg Config

	coils  [][]complex128
	adcRot []float64

	signal []complex128
	kspace []float64
	roi    []float64
	mag    []float64
	ran    bool
}

func New(cfg Config) (*Scanner, error) {
	if cfg.NCoils == 0 {
		cfg.NCoils = 1
	}
	if cfg.Backend == nil {
		cfg.Backend = Serial{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scanner{cfg: cfg, adcRot: make([]float64, cfg.NRep)}
	s.coils = make([][]complex128, cfg.NCoils)
	for c := range s.coils {
		s.coils[c] = make([]complex128, cfg.NVox())
		for v := range s.coils[c] {
			s.coils[c][v] = 1
		}
	}
	return s, nil
}

func (s *Scanner) Config() Config { return s.cfg }

// SetCoilSensitivity replaces the per-coil, per-voxel sensitivities.
func (s *Scanner) SetCoilSensitivity(coils [][]complex128) error {
	if len(coils) != s.cfg.NCoils {
		return fmt.Errorf("%w: %d coil maps for %d coils", ErrShapeMismatch, len(coils), s.cfg.NCoils)
	}
	out := make([][]complex128, len(coils))
	for c, m := range coils {
		if len(m) != s.cfg.NVox() {
			return fmt.Errorf("%w: coil %d has %d voxels", ErrShapeMismatch, c, len(m))
		}
		out[c] = append([]complex128(nil), m...)
	}
	s.coils = out
	return nil
}

// SetADCRotation sets the per-repetition receiver phase in radians.
func (s *Scanner) SetADCRotation(rot []float64) error {
	if len(rot) != s.cfg.NRep {
		return fmt.Errorf("%w: %d adc rotations for %d repetitions", ErrShapeMismatch, len(rot), s.cfg.NRep)
	}
	s.adcRot = append(s.adcRot[:0], rot...)
	return nil
}

func (s *Scanner) ADCRotation() []float64 { return append([]float64(nil), s.adcRot...) }

// Coils returns a copy of the coil sensitivities laid out [coil][voxel].
func (s *Scanner) Coils() [][]complex128 {
	out := make([][]complex128, len(s.coils))
	for c, m := range s.coils {
		out[c] = append([]complex128(nil), m...)
	}
	return out
}

// ExcitationADCRotation derives a receiver phase that makes the signal of
// an excitation with the given flip and RF phase real and positive.
func ExcitationADCRotation(flip, phase float64) float64 {
	rot := -phase + math.Pi/2
	if flip < 0 {
		rot += math.Pi
	}
	return rot
}

func (s *Scanner) checkInputs(sys *spins.SpinSystem, p *sequence.Params) error {
	if err := sys.Ready(); err != nil {
		return err
	}
	if sys.Size() != s.cfg.Size || sys.NSpins() != s.cfg.NSpins {
		return fmt.Errorf("%w: spin system %v x %d, scanner %v x %d", ErrShapeMismatch, sys.Size(), sys.NSpins(), s.cfg.Size, s.cfg.NSpins)
	}
	if p.T != s.cfg.T || p.NRep != s.cfg.NRep {
		return fmt.Errorf("%w: params %dx%d, scanner %dx%d", ErrShapeMismatch, p.T, p.NRep, s.cfg.T, s.cfg.NRep)
	}
	for i, dt := range p.EventTime {
		if !(dt > 0) || math.IsInf(dt, 0) {
			return fmt.Errorf("%w: event %d repetition %d: %v", ErrInvalidEventTime, i/p.NRep, i%p.NRep, dt)
		}
	}
	return nil
}

// chunkResult is what one voxel chunk contributes to the shared buffers.
type chunkResult struct {
	signal []complex128
	roi    []float64
}

// Forward runs the Bloch simulation for every spin, voxel, repetition and
// event. Identical inputs always give identical signals.
func (s *Scanner) Forward(ctx context.Context, sys *spins.SpinSystem, p *sequence.Params) error {
	if err := s.checkInputs(sys, p); err != nil {
		return err
	}
	nvox := s.cfg.NVox()
	nev := p.T * p.NRep
	s.mag = make([]float64, s.cfg.NSpins*nvox*3)

	chunks := s.cfg.Backend.Chunks(nvox)
	results := make([]chunkResult, chunks)
	err := s.cfg.Backend.Run(ctx, chunks, func(ctx context.Context, c int) error {
		lo, hi := chunkBounds(nvox, chunks, c)
		res := chunkResult{signal: make([]complex128, s.cfg.NCoils*nev)}
		if s.cfg.RecordROI {
			res.roi = make([]float64, nev*3)
		}
		for v := lo; v < hi; v++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.simulateVoxel(sys, p, v, &res); err != nil {
				return err
			}
		}
		results[c] = res
		return nil
	})
	if err != nil {
		return err
	}

	s.signal = make([]complex128, s.cfg.NCoils*nev)
	if s.cfg.RecordROI {
		s.roi = make([]float64, nev*3)
	} else {
		s.roi = nil
	}
	for _, res := range results {
		for i, x := range res.signal {
			s.signal[i] += x
		}
		for i, x := range res.roi {
			s.roi[i] += x
		}
	}
	scale := 1 / float64(s.cfg.NSpins)
	for c := 0; c < s.cfg.NCoils; c++ {
		for t := 0; t < p.T; t++ {
			for r := 0; r < p.NRep; r++ {
				idx := (c*p.T+t)*p.NRep + r
				s.signal[idx] *= cmplx.Rect(scale, s.adcRot[r])
			}
		}
	}
	for i := range s.roi {
		s.roi[i] *= scale
	}
	s.addNoise(p)
	for i, x := range s.signal {
		if cmplx.IsNaN(x) || cmplx.IsInf(x) {
			return fmt.Errorf("%w: signal sample %d", ErrNonFiniteMagnetization, i)
		}
	}
	s.kspace = p.KSpaceLocations()
	s.ran = true
	return nil
}

// simulateVoxel evolves all isochromats of voxel v and accumulates their
// contribution into res.
func (s *Scanner) simulateVoxel(sys *spins.SpinSystem, p *sequence.Params, v int, res *chunkResult) error {
	nvox := s.cfg.NVox()
	nrep := p.NRep
	nev := p.T * nrep
	pd, t1, t2 := sys.PD()[v], sys.T1()[v], sys.T2()[v]
	db0, b1 := sys.DB0()[v], sys.B1()[v]
	x, y := sys.Position(v)
	roiV := -1
	if s.cfg.RecordROI {
		roiV = s.cfg.ROIVoxel[0]*s.cfg.Size[1] + s.cfg.ROIVoxel[1]
	}

	e1 := make([]float64, nev)
	e2 := make([]float64, nev)
	phase := make([]float64, nev)
	rot := make([]*rotation, nev)
	for t := 0; t < p.T; t++ {
		for r := 0; r < nrep; r++ {
			i := t*nrep + r
			dt := p.EventTimeAt(t, r)
			e1[i] = math.Exp(-dt / t1)
			e2[i] = math.Exp(-dt / t2)
			phase[i] = 2*math.Pi*(p.GradMom(t, r, 0)*x+p.GradMom(t, r, 1)*y) + 2*math.Pi*db0*dt
			if flip := p.Flip(t, r) * b1; flip != 0 {
				rot[i] = newRotation(flip, p.Phase(t, r))
			}
		}
	}

	omega := sys.Omega()
	for sp := 0; sp < s.cfg.NSpins; sp++ {
		w := omega[sp*nvox+v]
		mx, my, mz := 0.0, 0.0, pd
		for r := 0; r < nrep; r++ {
			if r > 0 && s.cfg.Carry == Reset {
				mx, my, mz = 0, 0, pd
			}
			for t := 0; t < p.T; t++ {
				i := t*nrep + r
				if rot[i] != nil {
					mx, my, mz = rot[i].apply(mx, my, mz)
				}
				mx *= e2[i]
				my *= e2[i]
				mz = mz*e1[i] + pd*(1-e1[i])

				// Clockwise precession: m <- m * exp(-i*phi).
				sn, cs := math.Sincos(phase[i] + w*p.EventTimeAt(t, r))
				mx, my = mx*cs+my*sn, my*cs-mx*sn

				if a := p.ADC[t]; a != 0 {
					m := complex(a*mx, a*my)
					for c := range s.coils {
						res.signal[(c*p.T+t)*nrep+r] += s.coils[c][v] * m
					}
				}
				if v == roiV {
					res.roi[i*3] += mx
					res.roi[i*3+1] += my
					res.roi[i*3+2] += mz
				}
			}
			if math.IsNaN(mx+my+mz) || math.IsInf(mx+my+mz, 0) {
				return fmt.Errorf("%w: voxel %d spin %d repetition %d", ErrNonFiniteMagnetization, v, sp, r)
			}
			if s.cfg.SpoilTransverse {
				mx, my = 0, 0
			}
		}
		base := (sp*nvox + v) * 3
		s.mag[base], s.mag[base+1], s.mag[base+2] = mx, my, mz
	}
	return nil
}

func (s *Scanner) addNoise(p *sequence.Params) {
	if s.cfg.NoiseStd == 0 {
		return
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	for c := 0; c < s.cfg.NCoils; c++ {
		for t := 0; t < p.T; t++ {
			if p.ADC[t] == 0 {
				continue
			}
			for r := 0; r < p.NRep; r++ {
				idx := (c*p.T+t)*p.NRep + r
				s.signal[idx] += complex(rng.NormFloat64()*s.cfg.NoiseStd, rng.NormFloat64()*s.cfg.NoiseStd)
			}
		}
	}
}

// Signal returns the last signal laid out [coil][T][NRep].
func (s *Scanner) Signal() ([]complex128, error) {
	if !s.ran {
		return nil, ErrNoSignal
	}
	return append([]complex128(nil), s.signal...), nil
}

// CoilSignal returns one coil's signal laid out [T][NRep].
func (s *Scanner) CoilSignal(coil int) ([]complex128, error) {
	if !s.ran {
		return nil, ErrNoSignal
	}
	if coil < 0 || coil >= s.cfg.NCoils {
		return nil, fmt.Errorf("%w: coil %d", ErrShapeMismatch, coil)
	}
	n := s.cfg.T * s.cfg.NRep
	return append([]complex128(nil), s.signal[coil*n:(coil+1)*n]...), nil
}

// KSpace returns the k-space trajectory [T][NRep][2] of the last pass.
func (s *Scanner) KSpace() []float64 { return append([]float64(nil), s.kspace...) }

// ROISignal returns the spin-averaged (x, y, z) of the ROI voxel laid out
// [T][NRep][3], or nil when ROI recording is off.
func (s *Scanner) ROISignal() []float64 { return append([]float64(nil), s.roi...) }

// Magnetization returns the final state laid out [NSpins][NVox][3].
func (s *Scanner) Magnetization() []float64 { return append([]float64(nil), s.mag...) }
