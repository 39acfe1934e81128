// Package spins turns a phantom into the isochromat ensemble the Bloch
// simulator evolves.
package spins

import (
	"errors"
	"fmt"
	"math"

	"mrgradopt/internal/phantom"
)

// DefaultClipFraction keeps the Lorentzian mapping away from the poles of tan.
const DefaultClipFraction = 0.99

var (
	ErrShapeMismatch = errors.New("phantom shape does not match voxel grid")
	ErrInvalidConfig = errors.New("invalid spin system config")
	ErrNotSet        = errors.New("spin system has no phantom")
)

type Config struct {
	Size   [2]int
	NSpins int
	// R2Star is the target effective dephasing rate in 1/s. Zero disables
	// the intra-voxel ensemble spread.
	R2Star       float64
	ClipFraction float64
}

// SpinSystem holds per-voxel tissue parameters and a static off-resonance
// offset for every isochromat. It is mutated only during setup.
type SpinSystem struct {
	cfg  Config
	nvox int

	pd, t1, t2, db0, b1 []float64
	omega               []float64
	posX, posY          []float64
	set                 bool
}

func New(cfg Config) (*SpinSystem, error) {
	if cfg.Size[0] <= 0 || cfg.Size[1] <= 0 {
		return nil, fmt.Errorf("%w: size %v", ErrInvalidConfig, cfg.Size)
	}
	if cfg.NSpins <= 0 {
		return nil, fmt.Errorf("%w: nspins must be > 0", ErrInvalidConfig)
	}
	if cfg.R2Star < 0 || math.IsNaN(cfg.R2Star) {
		return nil, fmt.Errorf("%w: r2star must be >= 0", ErrInvalidConfig)
	}
	if cfg.ClipFraction == 0 {
		cfg.ClipFraction = DefaultClipFraction
	}
	if cfg.ClipFraction < 0 || cfg.ClipFraction >= 1 {
		return nil, fmt.Errorf("%w: clip fraction must be in (0,1)", ErrInvalidConfig)
	}

	s := &SpinSystem{cfg: cfg, nvox: cfg.Size[0] * cfg.Size[1]}
	s.omega = lorentzianOffsets(cfg.NSpins, s.nvox, cfg.R2Star, cfg.ClipFraction)
	s.posX = make([]float64, s.nvox)
	s.posY = make([]float64, s.nvox)
	for v := 0; v < s.nvox; v++ {
		s.posX[v], s.posY[v] = GridPosition(cfg.Size, v)
	}
	return s, nil
}

// GridPosition returns the centre of voxel v (row-major, v = i*Ny + j) as
// a fraction of the field of view: x = (i - Nx/2)/Nx, y = (j - Ny/2)/Ny.
func GridPosition(size [2]int, v int) (float64, float64) {
	nx, ny := size[0], size[1]
	i, j := v/ny, v%ny
	return float64(i-nx/2) / float64(nx), float64(j-ny/2) / float64(ny)
}

// lorentzianOffsets maps a midpoint grid over (-0.5, 0.5) through
// r2star*tan(pi*x) so that the ensemble average of exp(-i*omega*t)
// approximates exp(-r2star*t).
func lorentzianOffsets(nspins, nvox int, r2star, clip float64) []float64 {
	omega := make([]float64, nspins*nvox)
	if r2star == 0 {
		return omega
	}
	for s := 0; s < nspins; s++ {
		u := (float64(s)+0.5)/float64(nspins) - 0.5
		w := r2star * math.Tan(math.Pi*u*clip)
		row := omega[s*nvox : (s+1)*nvox]
		for v := range row {
			row[v] = w
		}
	}
	return omega
}

// SetSystem validates ph against the configured grid and stores its
// parameters. B1 entries of zero mean "not measured" and become 1.
func (s *SpinSystem) SetSystem(ph *phantom.Phantom) error {
	nx, ny := ph.Size()
	if nx != s.cfg.Size[0] || ny != s.cfg.Size[1] {
		return fmt.Errorf("%w: phantom %dx%d, grid %dx%d", ErrShapeMismatch, nx, ny, s.cfg.Size[0], s.cfg.Size[1])
	}
	if err := ph.Validate(); err != nil {
		return err
	}
	s.pd = ph.Channel(phantom.PD)
	s.t1 = ph.Channel(phantom.T1)
	s.t2 = ph.Channel(phantom.T2)
	s.db0 = ph.Channel(phantom.DB0)
	s.b1 = ph.Channel(phantom.B1)
	for v := range s.b1 {
		if s.b1[v] == 0 {
			s.b1[v] = 1
		}
		// Empty voxels never contribute; keep their relaxation finite.
		if s.pd[v] == 0 {
			if s.t1[v] <= 0 {
				s.t1[v] = 1
			}
			if s.t2[v] <= 0 {
				s.t2[v] = 1
			}
		}
	}
	s.set = true
	return nil
}

// OverrideOmega replaces the isochromat offsets, laid out [NSpins][NVox].
func (s *SpinSystem) OverrideOmega(omega []float64) error {
	if len(omega) != s.cfg.NSpins*s.nvox {
		return fmt.Errorf("%w: omega has %d entries, want %d", ErrShapeMismatch, len(omega), s.cfg.NSpins*s.nvox)
	}
	s.omega = append([]float64(nil), omega...)
	return nil
}

func (s *SpinSystem) Ready() error {
	if !s.set {
		return ErrNotSet
	}
	return nil
}

func (s *SpinSystem) Size() [2]int    { return s.cfg.Size }
func (s *SpinSystem) NVox() int       { return s.nvox }
func (s *SpinSystem) NSpins() int     { return s.cfg.NSpins }
func (s *SpinSystem) R2Star() float64 { return s.cfg.R2Star }

func (s *SpinSystem) PD() []float64  { return s.pd }
func (s *SpinSystem) T1() []float64  { return s.t1 }
func (s *SpinSystem) T2() []float64  { return s.t2 }
func (s *SpinSystem) DB0() []float64 { return s.db0 }
func (s *SpinSystem) B1() []float64  { return s.b1 }

// Omega is laid out [NSpins][NVox] in rad/s.
func (s *SpinSystem) Omega() []float64 { return s.omega }

// Position returns the voxel centre as a fraction of the field of view.
func (s *SpinSystem) Position(v int) (float64, float64) { return s.posX[v], s.posY[v] }

func (s *SpinSystem) PD0Mask() []bool {
	mask := make([]bool, s.nvox)
	for v, pd := range s.pd {
		mask[v] = pd > 0
	}
	return mask
}
