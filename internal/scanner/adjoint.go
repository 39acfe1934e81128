package scanner

import (
	"fmt"
	"math"
	"math/cmplx"

	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

// Adjoint maps the last signal back to image space with the transpose of
// the encoding operator:
//
//	m[v] = sum_c conj(C[c][v]) sum_{adc t, r} s[c][t][r] e^{+i 2pi k[t][r].x[v]}
//
// normalized by the number of samples and the coil power at v. The receiver
// phase is part of the acquisition and is not undone. For fully sampled
// Cartesian trajectories this equals the inverse FFT reconstruction. The
// result is laid out [Nx][Ny].
func (s *Scanner) Adjoint(p *sequence.Params) ([]complex128, error) {
	if !s.ran {
		return nil, ErrNoSignal
	}
	if p.T != s.cfg.T || p.NRep != s.cfg.NRep {
		return nil, fmt.Errorf("%w: params %dx%d, scanner %dx%d", ErrShapeMismatch, p.T, p.NRep, s.cfg.T, s.cfg.NRep)
	}
	return AdjointOf(s.signal, p, s.coils, s.cfg.Size)
}

// AdjointOf applies the adjoint to an externally supplied signal, such as
// one measured on a real scanner. coils may be nil for a single unit coil.
func AdjointOf(signal []complex128, p *sequence.Params, coils [][]complex128, size [2]int) ([]complex128, error) {
	if coils == nil {
		coils = [][]complex128{nil}
	}
	nev := p.T * p.NRep
	if len(signal) != len(coils)*nev {
		return nil, fmt.Errorf("%w: signal has %d samples, want %d", ErrShapeMismatch, len(signal), len(coils)*nev)
	}
	kloc := p.KSpaceLocations()
	adc := p.ADCEvents()
	nsamples := float64(len(adc) * p.NRep)
	if nsamples == 0 {
		return nil, fmt.Errorf("%w: no adc events", ErrShapeMismatch)
	}

	nvox := size[0] * size[1]
	out := make([]complex128, nvox)
	for v := 0; v < nvox; v++ {
		x, y := spins.GridPosition(size, v)
		var acc complex128
		var power float64
		for c, sens := range coils {
			cs := complex(1, 0)
			if sens != nil {
				cs = sens[v]
			}
			power += real(cs)*real(cs) + imag(cs)*imag(cs)
			var line complex128
			for _, t := range adc {
				for r := 0; r < p.NRep; r++ {
					i := t*p.NRep + r
					arg := 2 * math.Pi * (kloc[i*2]*x + kloc[i*2+1]*y)
					line += signal[(c*p.T+t)*p.NRep+r] * cmplx.Rect(1, arg)
				}
			}
			acc += cmplx.Conj(cs) * line
		}
		if power > 0 {
			out[v] = acc / complex(nsamples*power, 0)
		}
	}
	return out, nil
}
