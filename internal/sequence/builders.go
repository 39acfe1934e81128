package sequence

import (
	"fmt"
	"math"
)

const (
	DefaultEventTime  = 0.2e-3
	DefaultRelaxation = 5.0
)

// Options tunes the builders. Zero values select the family default.
type Options struct {
	// FlipDeg is the excitation flip angle in degrees.
	FlipDeg float64
	// EventTime is the duration of every non-relaxation event in seconds.
	EventTime float64
	// Relaxation is the duration of the last event of each repetition.
	Relaxation float64
}

func (o Options) withDefaults(flipDeg, relaxation float64) Options {
	if o.FlipDeg == 0 {
		o.FlipDeg = flipDeg
	}
	if o.EventTime == 0 {
		o.EventTime = DefaultEventTime
	}
	if o.Relaxation == 0 {
		o.Relaxation = relaxation
	}
	return o
}

func (o Options) validate() error {
	if o.EventTime < 0 || o.Relaxation < 0 {
		return fmt.Errorf("%w: event durations must be > 0", ErrShape)
	}
	return nil
}

func checkSize(size [2]int) error {
	if size[0] <= 0 || size[1] <= 0 {
		return fmt.Errorf("%w: grid %v", ErrShape, size)
	}
	return nil
}

func deg(d float64) float64 { return d * math.Pi / 180 }

// Event layout shared by the Cartesian builders.
const (
	excitationEvent = 3
	prewinderEvent  = 4
	readoutStart    = PreEvents
)

func filled(t, nrep int, dt float64) (*Params, error) {
	p, err := New(t, nrep)
	if err != nil {
		return nil, err
	}
	for i := range p.EventTime {
		p.EventTime[i] = dt
	}
	return p, nil
}

// CartesianGRE builds the canonical 2-D gradient echo: one excitation per
// repetition at event 3, pre-winder and phase encode at event 4, size[0]
// readout samples with unit moment, then a spoil event and a long
// relaxation event. Repetition r encodes phase line r - size[1]/2.
func CartesianGRE(size [2]int, opts Options) (*Params, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(90, DefaultRelaxation)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	szread, nrep := size[0], size[1]
	t := szread + PreEvents + PostEvents
	p, err := filled(t, nrep, opts.EventTime)
	if err != nil {
		return nil, err
	}
	for s := 0; s < szread; s++ {
		p.ADC[readoutStart+s] = 1
	}
	for r := 0; r < nrep; r++ {
		p.SetRF(excitationEvent, r, deg(opts.FlipDeg), 0)
		p.SetGradMom(prewinderEvent, r, -float64(szread/2), float64(r-nrep/2))
		for s := 0; s < szread; s++ {
			p.SetGradMom(readoutStart+s, r, 1, 0)
		}
		p.SetGradMom(t-2, r, float64(szread), 0)
		p.SetEventTime(t-1, r, opts.Relaxation)
	}
	return p, nil
}

// CartesianRARE builds a single-excitation fast spin echo train: a 90°
// excitation about y in the first repetition, then one 180° refocusing
// pulse about x and one echo per repetition. Magnetization must be carried
// over between repetitions.
func CartesianRARE(size [2]int, opts Options) (*Params, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(90, 0)
	if opts.Relaxation == 0 {
		opts.Relaxation = opts.EventTime
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	szread, nrep := size[0], size[1]
	t := szread + PreEvents + PostEvents
	p, err := filled(t, nrep, opts.EventTime)
	if err != nil {
		return nil, err
	}
	for s := 0; s < szread; s++ {
		p.ADC[readoutStart+s] = 1
	}
	p.SetRF(0, 0, deg(opts.FlipDeg), math.Pi/2)
	p.SetGradMom(1, 0, float64(szread/2), 0)
	for r := 0; r < nrep; r++ {
		ky := float64(r - nrep/2)
		p.SetRF(excitationEvent, r, math.Pi, 0)
		p.SetGradMom(prewinderEvent, r, 0, ky)
		for s := 0; s < szread; s++ {
			p.SetGradMom(readoutStart+s, r, 1, 0)
		}
		p.SetGradMom(t-2, r, 0, -ky)
		p.SetEventTime(t-1, r, opts.Relaxation)
	}
	return p, nil
}

// CartesianBSSFP builds a balanced steady-state free precession sequence:
// every repetition excites with alternating RF phase and rewinds all
// gradient moments before the next pulse.
func CartesianBSSFP(size [2]int, opts Options) (*Params, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(30, 0)
	if opts.Relaxation == 0 {
		opts.Relaxation = opts.EventTime
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	szread, nrep := size[0], size[1]
	t := szread + PreEvents + PostEvents
	p, err := filled(t, nrep, opts.EventTime)
	if err != nil {
		return nil, err
	}
	for s := 0; s < szread; s++ {
		p.ADC[readoutStart+s] = 1
	}
	for r := 0; r < nrep; r++ {
		ky := float64(r - nrep/2)
		p.SetRF(excitationEvent, r, deg(opts.FlipDeg), float64(r%2)*math.Pi)
		p.SetGradMom(prewinderEvent, r, -float64(szread/2), ky)
		for s := 0; s < szread; s++ {
			p.SetGradMom(readoutStart+s, r, 1, 0)
		}
		p.SetGradMom(t-2, r, -float64(szread-szread/2), -ky)
		p.SetEventTime(t-1, r, opts.Relaxation)
	}
	return p, nil
}

// SingleShotEPI builds a one-repetition echo planar readout. Lines
// alternate direction; blip events between lines step ky by one and shift
// kx by one so that every line samples the same kx positions.
func SingleShotEPI(size [2]int, opts Options) (*Params, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(90, DefaultRelaxation)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	szread, lines := size[0], size[1]
	t := PreEvents + szread*lines + (lines - 1) + PostEvents
	p, err := filled(t, 1, opts.EventTime)
	if err != nil {
		return nil, err
	}
	p.SetRF(excitationEvent, 0, deg(opts.FlipDeg), 0)
	p.SetGradMom(prewinderEvent, 0, -float64(szread/2), -float64(lines/2))
	ev := readoutStart
	for line := 0; line < lines; line++ {
		dir := 1.0
		if line%2 == 1 {
			dir = -1
		}
		for s := 0; s < szread; s++ {
			p.ADC[ev] = 1
			p.SetGradMom(ev, 0, dir, 0)
			ev++
		}
		if line < lines-1 {
			p.SetGradMom(ev, 0, dir, 1)
			ev++
		}
	}
	p.SetGradMom(t-2, 0, float64(szread), 0)
	p.SetEventTime(t-1, 0, opts.Relaxation)
	return p, nil
}
