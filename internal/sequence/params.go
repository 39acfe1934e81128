// Package sequence defines the differentiable pulse-sequence parameter set
// and the builders for the supported sequence families.
package sequence

import (
	"errors"
	"fmt"
	"math"
)

// Tensor indices used to mark trainable parameter groups.
const (
	ParamADC = iota
	ParamRF
	ParamEventTime
	ParamGradMoms

	NumParams = 4
)

// Fixed padding around the readout window: excitation and pre-winder
// before it, spoil and relaxation after it.
const (
	PreEvents  = 5
	PostEvents = 2
)

var (
	ErrShape          = errors.New("sequence tensor shape mismatch")
	ErrReadoutWindow  = errors.New("adc outside readout window")
	ErrNonFiniteParam = errors.New("non-finite sequence parameter")
	ErrUnknownTensor  = errors.New("unknown parameter tensor")
)

// Params is the sequence parameter set. Tensors are flat, row-major:
//
//	ADC       [T]
//	RF        [T][NRep][2]  flip (rad), phase (rad)
//	EventTime [T][NRep]     seconds
//	GradMoms  [T][NRep][2]  cycles per FOV along x, y
type Params struct {
	T    int `json:"t"`
	NRep int `json:"nrep"`

	ADC       []float64 `json:"adc_mask"`
	RF        []float64 `json:"flips"`
	EventTime []float64 `json:"event_times"`
	GradMoms  []float64 `json:"grad_moms"`
}

func New(t, nrep int) (*Params, error) {
	if t <= 0 || nrep <= 0 {
		return nil, fmt.Errorf("%w: T=%d NRep=%d", ErrShape, t, nrep)
	}
	return &Params{
		T:         t,
		NRep:      nrep,
		ADC:       make([]float64, t),
		RF:        make([]float64, t*nrep*2),
		EventTime: make([]float64, t*nrep),
		GradMoms:  make([]float64, t*nrep*2),
	}, nil
}

func (p *Params) Clone() *Params {
	return &Params{
		T:         p.T,
		NRep:      p.NRep,
		ADC:       append([]float64(nil), p.ADC...),
		RF:        append([]float64(nil), p.RF...),
		EventTime: append([]float64(nil), p.EventTime...),
		GradMoms:  append([]float64(nil), p.GradMoms...),
	}
}

// CopyFrom overwrites p in place, keeping the backing slices.
func (p *Params) CopyFrom(src *Params) error {
	if src.T != p.T || src.NRep != p.NRep {
		return fmt.Errorf("%w: %dx%d into %dx%d", ErrShape, src.T, src.NRep, p.T, p.NRep)
	}
	copy(p.ADC, src.ADC)
	copy(p.RF, src.RF)
	copy(p.EventTime, src.EventTime)
	copy(p.GradMoms, src.GradMoms)
	return nil
}

func (p *Params) Flip(t, r int) float64        { return p.RF[(t*p.NRep+r)*2] }
func (p *Params) Phase(t, r int) float64       { return p.RF[(t*p.NRep+r)*2+1] }
func (p *Params) EventTimeAt(t, r int) float64 { return p.EventTime[t*p.NRep+r] }
func (p *Params) GradMom(t, r, axis int) float64 {
	return p.GradMoms[(t*p.NRep+r)*2+axis]
}

func (p *Params) SetRF(t, r int, flip, phase float64) {
	p.RF[(t*p.NRep+r)*2] = flip
	p.RF[(t*p.NRep+r)*2+1] = phase
}

func (p *Params) SetEventTime(t, r int, dt float64) { p.EventTime[t*p.NRep+r] = dt }

func (p *Params) SetGradMom(t, r int, gx, gy float64) {
	p.GradMoms[(t*p.NRep+r)*2] = gx
	p.GradMoms[(t*p.NRep+r)*2+1] = gy
}

// Tensor exposes the backing slice of one parameter group and its shape.
func (p *Params) Tensor(idx int) ([]float64, []int, error) {
	switch idx {
	case ParamADC:
		return p.ADC, []int{p.T}, nil
	case ParamRF:
		return p.RF, []int{p.T, p.NRep, 2}, nil
	case ParamEventTime:
		return p.EventTime, []int{p.T, p.NRep}, nil
	case ParamGradMoms:
		return p.GradMoms, []int{p.T, p.NRep, 2}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownTensor, idx)
	}
}

func TensorName(idx int) string {
	switch idx {
	case ParamADC:
		return "adc_mask"
	case ParamRF:
		return "rf_event"
	case ParamEventTime:
		return "event_time"
	case ParamGradMoms:
		return "grad_moms"
	default:
		return fmt.Sprintf("tensor_%d", idx)
	}
}

// Validate checks tensor shapes, the readout window and finiteness.
// readoutSamples is the number of ADC events the reconstruction expects.
func (p *Params) Validate(readoutSamples int) error {
	if len(p.ADC) != p.T || len(p.RF) != p.T*p.NRep*2 || len(p.EventTime) != p.T*p.NRep || len(p.GradMoms) != p.T*p.NRep*2 {
		return fmt.Errorf("%w: tensors do not match T=%d NRep=%d", ErrShape, p.T, p.NRep)
	}
	if p.T < readoutSamples+PreEvents+PostEvents {
		return fmt.Errorf("%w: T=%d too short for %d samples", ErrShape, p.T, readoutSamples)
	}
	for t, a := range p.ADC {
		if a != 0 && (t < PreEvents || t >= p.T-PostEvents) {
			return fmt.Errorf("%w: event %d", ErrReadoutWindow, t)
		}
	}
	for idx := 0; idx < NumParams; idx++ {
		data, _, _ := p.Tensor(idx)
		for i, x := range data {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%w: %s[%d]", ErrNonFiniteParam, TensorName(idx), i)
			}
		}
	}
	return nil
}

// ADCEvents lists the event indices with the ADC on.
func (p *Params) ADCEvents() []int {
	var out []int
	for t, a := range p.ADC {
		if a != 0 {
			out = append(out, t)
		}
	}
	return out
}

// refocusThreshold separates excitation pulses from refocusing pulses.
const refocusThreshold = 3 * math.Pi / 4

// KSpaceLocations returns the k-space position [T][NRep][2] reached after
// each event's gradient: the cumulative sum of the gradient moments within
// the repetition. Every repetition starts at the origin. Inside a
// repetition an excitation pulse restarts the sum and a refocusing pulse
// mirrors it.
func (p *Params) KSpaceLocations() []float64 {
	out := make([]float64, len(p.GradMoms))
	for r := 0; r < p.NRep; r++ {
		var kx, ky float64
		for t := 0; t < p.T; t++ {
			flip := math.Abs(p.Flip(t, r))
			switch {
			case flip >= refocusThreshold:
				kx, ky = -kx, -ky
			case flip > 0:
				kx, ky = 0, 0
			}
			kx += p.GradMom(t, r, 0)
			ky += p.GradMom(t, r, 1)
			out[(t*p.NRep+r)*2] = kx
			out[(t*p.NRep+r)*2+1] = ky
		}
	}
	return out
}
