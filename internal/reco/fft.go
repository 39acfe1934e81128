// Package reco turns acquired k-space signal into images.
package reco

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"mrgradopt/internal/sequence"
)

// DefaultPhaseThreshold masks the phase image below 20% of peak magnitude.
const DefaultPhaseThreshold = 0.2

var ErrShapeMismatch = errors.New("reconstruction shape mismatch")

// Grid is a dense complex 2-D array, row-major [Rows][Cols].
type Grid struct {
	Rows, Cols int
	Data       []complex128
}

func NewGrid(rows, cols int) Grid {
	return Grid{Rows: rows, Cols: cols, Data: make([]complex128, rows*cols)}
}

func (g Grid) At(i, j int) complex128 { return g.Data[i*g.Cols+j] }

func (g Grid) Clone() Grid {
	return Grid{Rows: g.Rows, Cols: g.Cols, Data: append([]complex128(nil), g.Data...)}
}

// KSpace arranges one coil's ADC samples into a [F][P] grid: F readout
// samples per repetition, one repetition per phase-encode line. signal is
// laid out [coil][T][NRep].
func KSpace(signal []complex128, p *sequence.Params, coil int) (Grid, error) {
	nev := p.T * p.NRep
	if coil < 0 || len(signal) < (coil+1)*nev {
		return Grid{}, fmt.Errorf("%w: signal has %d samples, coil %d of %dx%d", ErrShapeMismatch, len(signal), coil, p.T, p.NRep)
	}
	adc := p.ADCEvents()
	k := NewGrid(len(adc), p.NRep)
	for s, t := range adc {
		for r := 0; r < p.NRep; r++ {
			k.Data[s*p.NRep+r] = signal[(coil*p.T+t)*p.NRep+r]
		}
	}
	return k, nil
}

// Shifts returns the roll that moves the first acquired sample to its
// k-space index modulo the grid size, derived from the trajectory of the
// first ADC event of the first repetition.
func Shifts(kloc []float64, p *sequence.Params) (int, int, error) {
	adc := p.ADCEvents()
	if len(adc) == 0 {
		return 0, 0, fmt.Errorf("%w: no adc events", ErrShapeMismatch)
	}
	if len(kloc) != p.T*p.NRep*2 {
		return 0, 0, fmt.Errorf("%w: kspace has %d entries", ErrShapeMismatch, len(kloc))
	}
	i := adc[0] * p.NRep
	kx := int(math.Round(kloc[i*2]))
	ky := int(math.Round(kloc[i*2+1]))
	return mod(kx, len(adc)), mod(ky, p.NRep), nil
}

func mod(a, n int) int { return ((a % n) + n) % n }

// Roll circularly shifts g so that out[i][j] = g[i-sr][j-sc].
func Roll(g Grid, sr, sc int) Grid {
	out := NewGrid(g.Rows, g.Cols)
	for i := 0; i < g.Rows; i++ {
		oi := mod(i+sr, g.Rows)
		for j := 0; j < g.Cols; j++ {
			out.Data[oi*g.Cols+mod(j+sc, g.Cols)] = g.Data[i*g.Cols+j]
		}
	}
	return out
}

// Cartesian reconstructs a fully sampled Cartesian acquisition: roll the
// acquired grid to k-space index order, inverse transform each readout line
// and then each phase-encode column, and roll the image origin to the
// centre of the grid.
func Cartesian(k Grid, shiftF, shiftP int) Grid {
	img := Roll(k, shiftF, shiftP)
	img = ifftColumns(img)
	img = ifftRows(img)
	return Roll(img, k.Rows/2, k.Cols/2)
}

// ifftColumns transforms along the first axis (the readout samples of each
// phase-encode line).
func ifftColumns(g Grid) Grid {
	out := g.Clone()
	fft := fourier.NewCmplxFFT(g.Rows)
	line := make([]complex128, g.Rows)
	scale := complex(1/float64(g.Rows), 0)
	for j := 0; j < g.Cols; j++ {
		for i := range line {
			line[i] = g.Data[i*g.Cols+j]
		}
		res := fft.Sequence(nil, line)
		for i, x := range res {
			out.Data[i*g.Cols+j] = x * scale
		}
	}
	return out
}

// ifftRows transforms along the second axis.
func ifftRows(g Grid) Grid {
	out := g.Clone()
	fft := fourier.NewCmplxFFT(g.Cols)
	scale := complex(1/float64(g.Cols), 0)
	for i := 0; i < g.Rows; i++ {
		res := fft.Sequence(nil, g.Data[i*g.Cols:(i+1)*g.Cols])
		for j, x := range res {
			out.Data[i*g.Cols+j] = x * scale
		}
	}
	return out
}

// FFT2 is the unnormalized forward 2-D transform.
func FFT2(g Grid) Grid {
	out := g.Clone()
	rows := fourier.NewCmplxFFT(g.Cols)
	for i := 0; i < g.Rows; i++ {
		copy(out.Data[i*g.Cols:(i+1)*g.Cols], rows.Coefficients(nil, out.Data[i*g.Cols:(i+1)*g.Cols]))
	}
	cols := fourier.NewCmplxFFT(g.Rows)
	line := make([]complex128, g.Rows)
	for j := 0; j < g.Cols; j++ {
		for i := range line {
			line[i] = out.Data[i*g.Cols+j]
		}
		for i, x := range cols.Coefficients(nil, line) {
			out.Data[i*g.Cols+j] = x
		}
	}
	return out
}

// IFFT2 is the inverse of FFT2, normalized by 1/(Rows*Cols).
func IFFT2(g Grid) Grid {
	return ifftRows(ifftColumns(g))
}

// InverseDFT2 evaluates the normalized inverse 2-D transform directly as a
// single double sum. It is the reference the separable path is checked
// against.
func InverseDFT2(g Grid) Grid {
	out := NewGrid(g.Rows, g.Cols)
	norm := complex(1/float64(g.Rows*g.Cols), 0)
	for n := 0; n < g.Rows; n++ {
		for m := 0; m < g.Cols; m++ {
			var acc complex128
			for a := 0; a < g.Rows; a++ {
				for b := 0; b < g.Cols; b++ {
					arg := 2 * math.Pi * (float64(a*n)/float64(g.Rows) + float64(b*m)/float64(g.Cols))
					acc += g.Data[a*g.Cols+b] * cmplx.Rect(1, arg)
				}
			}
			out.Data[n*g.Cols+m] = acc * norm
		}
	}
	return out
}

func Magnitude(img []complex128) []float64 {
	out := make([]float64, len(img))
	for i, x := range img {
		out[i] = cmplx.Abs(x)
	}
	return out
}

// Phase returns the phase image, zeroed wherever the magnitude is at most
// threshold times the peak magnitude.
func Phase(img []complex128, threshold float64) []float64 {
	mag := Magnitude(img)
	out := make([]float64, len(img))
	if len(img) == 0 {
		return out
	}
	cut := threshold * floats.Max(mag)
	for i, x := range img {
		if mag[i] > cut {
			out[i] = cmplx.Phase(x)
		}
	}
	return out
}

// Interleave flattens complex values into re, im pairs.
func Interleave(z []complex128) []float64 {
	out := make([]float64, 2*len(z))
	for i, x := range z {
		out[2*i] = real(x)
		out[2*i+1] = imag(x)
	}
	return out
}

// Deinterleave is the inverse of Interleave.
func Deinterleave(x []float64) []complex128 {
	out := make([]complex128, len(x)/2)
	for i := range out {
		out[i] = complex(x[2*i], x[2*i+1])
	}
	return out
}

// NRMSE is the normalized root-mean-square error in percent,
// 100 * ||gt - x|| / ||gt||.
func NRMSE(gt, x []complex128) (float64, error) {
	if len(gt) != len(x) {
		return 0, fmt.Errorf("%w: %d vs %d pixels", ErrShapeMismatch, len(gt), len(x))
	}
	a, b := Interleave(gt), Interleave(x)
	ref := floats.Norm(a, 2)
	if ref == 0 {
		return 0, fmt.Errorf("%w: target image is zero", ErrShapeMismatch)
	}
	return 100 * floats.Distance(a, b, 2) / ref, nil
}
