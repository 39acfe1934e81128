package jobctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mrgradopt/internal/scanner"
	"mrgradopt/internal/seqexport"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/spins"
)

// MeasSignalFile is written by the scanner host into DataDir once a
// submitted sequence has been measured.
const MeasSignalFile = "meas_signal.json"

var ErrMeasurementShape = errors.New("measured signal has the wrong shape")

// Job is one acquisition request.
type Job struct {
	Family sequence.Family
	Params *sequence.Params
	NCoils int
	// Kind names the exported sequence file, e.g. "lastiter".
	Kind string
}

func (j Job) ncoils() int {
	if j.NCoils <= 0 {
		return 1
	}
	return j.NCoils
}

// ScannerLink acquires a signal laid out [coil][T][NRep] for a sequence.
type ScannerLink interface {
	Acquire(ctx context.Context, job Job) ([]complex128, error)
}

// Measurement is the on-disk measured signal; Signal is interleaved re, im.
type Measurement struct {
	NCoils int       `json:"ncoils"`
	T      int       `json:"t"`
	NRep   int       `json:"nrep"`
	Signal []float64 `json:"signal"`
}

func (m Measurement) complex() []complex128 {
	out := make([]complex128, len(m.Signal)/2)
	for i := range out {
		out[i] = complex(m.Signal[2*i], m.Signal[2*i+1])
	}
	return out
}

// FileLink exports the sequence into the experiment directory and polls
// for the scanner host to drop the measured signal next to it.
type FileLink struct {
	Config Config
}

func (l FileLink) Acquire(ctx context.Context, job Job) ([]complex128, error) {
	if job.Params == nil {
		return nil, errors.New("job params are required")
	}
	cfg := l.Config.withDefaults()
	kind := job.Kind
	if kind == "" {
		kind = "lastiter"
	}
	measPath := filepath.Join(cfg.Dir, DataDir, MeasSignalFile)
	if err := os.Remove(measPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	seqPath := filepath.Join(cfg.Dir, kind+".seq")
	if err := seqexport.WriteFile(job.Family, seqPath, seqexport.FromParams(job.Params)); err != nil {
		return nil, fmt.Errorf("submit sequence: %w", err)
	}
	cfg.Logger.Info("sequence submitted", "path", seqPath)

	err := Poll(ctx, cfg, func() (bool, error) {
		_, err := os.Stat(measPath)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	var meas Measurement
	if err := readJSON(measPath, &meas); err != nil {
		return nil, fmt.Errorf("read %s: %w", MeasSignalFile, err)
	}
	want := job.ncoils() * job.Params.T * job.Params.NRep
	if meas.T != job.Params.T || meas.NRep != job.Params.NRep || len(meas.Signal) != 2*want {
		return nil, fmt.Errorf("%w: got T=%d NRep=%d with %d values, want T=%d NRep=%d with %d",
			ErrMeasurementShape, meas.T, meas.NRep, len(meas.Signal), job.Params.T, job.Params.NRep, 2*want)
	}
	return meas.complex(), nil
}

// WriteMeasurement stores a signal the way a scanner host would.
func WriteMeasurement(dir string, ncoils int, p *sequence.Params, signal []complex128) error {
	if err := os.MkdirAll(filepath.Join(dir, DataDir), 0o755); err != nil {
		return err
	}
	m := Measurement{NCoils: ncoils, T: p.T, NRep: p.NRep, Signal: make([]float64, 2*len(signal))}
	for i, z := range signal {
		m.Signal[2*i] = real(z)
		m.Signal[2*i+1] = imag(z)
	}
	return writeJSON(filepath.Join(dir, DataDir, MeasSignalFile), m)
}

// SimulatedLink stands in for the scanner host by running the simulator on
// a reference spin system.
type SimulatedLink struct {
	Scanner *scanner.Scanner
	Spins   *spins.SpinSystem
}

func (l SimulatedLink) Acquire(ctx context.Context, job Job) ([]complex128, error) {
	if l.Scanner == nil || l.Spins == nil {
		return nil, errors.New("simulated link needs a scanner and a spin system")
	}
	if err := l.Scanner.Forward(ctx, l.Spins, job.Params); err != nil {
		return nil, err
	}
	return l.Scanner.Signal()
}
