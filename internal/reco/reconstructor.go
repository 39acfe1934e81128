package reco

import (
	"fmt"
	"math/cmplx"

	"mrgradopt/internal/scanner"
	"mrgradopt/internal/sequence"
)

// Input is everything a reconstructor may use. Signal is laid out
// [coil][T][NRep]; Coils may be nil for a single unit coil.
type Input struct {
	Signal []complex128
	Params *sequence.Params
	KSpace []float64
	Coils  [][]complex128
	Size   [2]int
}

func (in Input) ncoils() int {
	if in.Coils == nil {
		return 1
	}
	return len(in.Coils)
}

// Reconstructor maps an acquisition to an image laid out [Nx][Ny].
type Reconstructor interface {
	Name() string
	Reconstruct(in Input) ([]complex128, error)
}

// FFTReconstructor is the Cartesian inverse FFT pipeline with coil
// combination weighted by the conjugate sensitivities.
type FFTReconstructor struct{}

func (FFTReconstructor) Name() string { return "fft" }

func (FFTReconstructor) Reconstruct(in Input) ([]complex128, error) {
	p := in.Params
	kloc := in.KSpace
	if kloc == nil {
		kloc = p.KSpaceLocations()
	}
	shiftF, shiftP, err := Shifts(kloc, p)
	if err != nil {
		return nil, err
	}
	nvox := in.Size[0] * in.Size[1]
	img := make([]complex128, nvox)
	power := make([]float64, nvox)
	for c := 0; c < in.ncoils(); c++ {
		k, err := KSpace(in.Signal, p, c)
		if err != nil {
			return nil, err
		}
		if k.Rows != in.Size[0] || k.Cols != in.Size[1] {
			return nil, fmt.Errorf("%w: k-space %dx%d for image %v", ErrShapeMismatch, k.Rows, k.Cols, in.Size)
		}
		coilImg := Cartesian(k, shiftF, shiftP)
		for v := range img {
			sens := complex(1, 0)
			if in.Coils != nil {
				sens = in.Coils[c][v]
			}
			img[v] += cmplx.Conj(sens) * coilImg.Data[v]
			power[v] += real(sens)*real(sens) + imag(sens)*imag(sens)
		}
	}
	for v := range img {
		if power[v] > 0 {
			img[v] /= complex(power[v], 0)
		} else {
			img[v] = 0
		}
	}
	return img, nil
}

// AdjointReconstructor applies the transpose of the encoding operator and
// works for any trajectory.
type AdjointReconstructor struct{}

func (AdjointReconstructor) Name() string { return "adjoint" }

func (AdjointReconstructor) Reconstruct(in Input) ([]complex128, error) {
	return scanner.AdjointOf(in.Signal, in.Params, in.Coils, in.Size)
}

// Learned is a reconstructor with trainable weights. Weights aliases the
// state Reconstruct reads, so in-place updates take effect immediately.
type Learned interface {
	Reconstructor
	Weights() []float64
}

// Calibrated is a learned per-pixel complex gain on top of an inner
// reconstructor. Its gains are trainable alongside the sequence.
type Calibrated struct {
	Inner Reconstructor
	// Gains holds re, im pairs per pixel.
	Gains []float64
}

// NewCalibrated starts from the identity gain.
func NewCalibrated(inner Reconstructor, nvox int) *Calibrated {
	gains := make([]float64, 2*nvox)
	for v := 0; v < nvox; v++ {
		gains[2*v] = 1
	}
	return &Calibrated{Inner: inner, Gains: gains}
}

func (c *Calibrated) Name() string { return "calibrated_" + c.Inner.Name() }

func (c *Calibrated) Weights() []float64 { return c.Gains }

func (c *Calibrated) Reconstruct(in Input) ([]complex128, error) {
	img, err := c.Inner.Reconstruct(in)
	if err != nil {
		return nil, err
	}
	if len(c.Gains) != 2*len(img) {
		return nil, fmt.Errorf("%w: %d gains for %d pixels", ErrShapeMismatch, len(c.Gains)/2, len(img))
	}
	for v := range img {
		img[v] *= complex(c.Gains[2*v], c.Gains[2*v+1])
	}
	return img, nil
}

// New returns the reconstructor registered under name.
func New(name string, nvox int) (Reconstructor, error) {
	switch name {
	case "", "fft":
		return FFTReconstructor{}, nil
	case "adjoint":
		return AdjointReconstructor{}, nil
	case "calibrated_fft":
		return NewCalibrated(FFTReconstructor{}, nvox), nil
	case "calibrated_adjoint":
		return NewCalibrated(AdjointReconstructor{}, nvox), nil
	default:
		return nil, fmt.Errorf("unknown reconstructor %q", name)
	}
}
