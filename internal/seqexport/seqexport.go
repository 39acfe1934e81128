// Package seqexport writes optimized sequences and their companion arrays
// to disk. Each sequence family is bound to exactly one exporter.
package seqexport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"mrgradopt/internal/model"
	"mrgradopt/internal/sequence"
)

const (
	LastIterFile      = "lastiter.seq"
	LastIterArrayFile = "lastiter_arr.json"
	AllIterArrayFile  = "alliter_arr.json"
	ScannerDictFile   = "scanner_dict.json"
)

const formatVersion = "1.2.0"

var (
	ErrNoExporter       = errors.New("no exporter for sequence family")
	ErrInvalidSequence  = errors.New("sequence cannot be exported")
	ErrSequenceMismatch = errors.New("sequence arrays do not match T x NRep")
)

// SeqParams is the part of a parameter set a sequence file is generated
// from. Layouts follow sequence.Params.
type SeqParams struct {
	T          int
	NRep       int
	ADC        []float64
	Flips      []float64
	EventTimes []float64
	GradMoms   []float64
}

func FromParams(p *sequence.Params) SeqParams {
	return SeqParams{
		T:          p.T,
		NRep:       p.NRep,
		ADC:        append([]float64(nil), p.ADC...),
		Flips:      append([]float64(nil), p.RF...),
		EventTimes: append([]float64(nil), p.EventTime...),
		GradMoms:   append([]float64(nil), p.GradMoms...),
	}
}

func (sp SeqParams) validate() error {
	n := sp.T * sp.NRep
	if sp.T <= 0 || sp.NRep <= 0 {
		return fmt.Errorf("%w: T=%d NRep=%d", ErrSequenceMismatch, sp.T, sp.NRep)
	}
	if len(sp.ADC) != sp.T || len(sp.Flips) != 2*n || len(sp.EventTimes) != n || len(sp.GradMoms) != 2*n {
		return fmt.Errorf("%w: adc=%d flips=%d event_times=%d grad_moms=%d", ErrSequenceMismatch, len(sp.ADC), len(sp.Flips), len(sp.EventTimes), len(sp.GradMoms))
	}
	for _, arr := range [][]float64{sp.ADC, sp.Flips, sp.EventTimes, sp.GradMoms} {
		for _, x := range arr {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%w: non-finite value", ErrInvalidSequence)
			}
		}
	}
	return nil
}

func (sp SeqParams) flip(t, r int) float64  { return sp.Flips[(t*sp.NRep+r)*2] }
func (sp SeqParams) phase(t, r int) float64 { return sp.Flips[(t*sp.NRep+r)*2+1] }

// Exporter renders one family's sequence description.
type Exporter interface {
	Family() sequence.Family
	Write(w io.Writer, sp SeqParams) error
}

var exporters = map[sequence.Family]Exporter{
	sequence.GRE:   greExporter{},
	sequence.RARE:  rareExporter{},
	sequence.BSSFP: bssfpExporter{},
	sequence.EPI:   epiExporter{},
}

func For(f sequence.Family) (Exporter, error) {
	e, ok := exporters[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExporter, f)
	}
	return e, nil
}

func Export(f sequence.Family, w io.Writer, sp SeqParams) error {
	e, err := For(f)
	if err != nil {
		return err
	}
	if err := sp.validate(); err != nil {
		return err
	}
	return e.Write(w, sp)
}

// WriteFile exports to path, creating the parent directory.
func WriteFile(f sequence.Family, path string, sp SeqParams) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(file)
	if err := Export(f, bw, sp); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// IterFile names the per-iteration sequence dump.
func IterFile(iteration int) string {
	return fmt.Sprintf("iter%06d.seq", iteration)
}

const refocusThreshold = 3 * math.Pi / 4

func isExcitation(flip float64) bool {
	a := math.Abs(flip)
	return a > 0 && a < refocusThreshold
}

func isRefocus(flip float64) bool { return math.Abs(flip) >= refocusThreshold }

func hasEvent(sp SeqParams, r int, match func(float64) bool) bool {
	for t := 0; t < sp.T; t++ {
		if match(sp.flip(t, r)) {
			return true
		}
	}
	return false
}

type greExporter struct{}

func (greExporter) Family() sequence.Family { return sequence.GRE }

func (e greExporter) Write(w io.Writer, sp SeqParams) error {
	for r := 0; r < sp.NRep; r++ {
		if !hasEvent(sp, r, isExcitation) {
			return fmt.Errorf("%w: gre repetition %d has no excitation", ErrInvalidSequence, r)
		}
	}
	return writeBlocks(w, e.Family(), sp)
}

type rareExporter struct{}

func (rareExporter) Family() sequence.Family { return sequence.RARE }

func (e rareExporter) Write(w io.Writer, sp SeqParams) error {
	if !hasEvent(sp, 0, isExcitation) {
		return fmt.Errorf("%w: rare needs an excitation in the first repetition", ErrInvalidSequence)
	}
	for r := 0; r < sp.NRep; r++ {
		if !hasEvent(sp, r, isRefocus) {
			return fmt.Errorf("%w: rare repetition %d has no refocusing pulse", ErrInvalidSequence, r)
		}
	}
	return writeBlocks(w, e.Family(), sp)
}

type bssfpExporter struct{}

func (bssfpExporter) Family() sequence.Family { return sequence.BSSFP }

func (e bssfpExporter) Write(w io.Writer, sp SeqParams) error {
	for r := 0; r < sp.NRep; r++ {
		if !hasEvent(sp, r, isExcitation) {
			return fmt.Errorf("%w: bssfp repetition %d has no excitation", ErrInvalidSequence, r)
		}
	}
	return writeBlocks(w, e.Family(), sp)
}

type epiExporter struct{}

func (epiExporter) Family() sequence.Family { return sequence.EPI }

func (e epiExporter) Write(w io.Writer, sp SeqParams) error {
	if sp.NRep != 1 {
		return fmt.Errorf("%w: single-shot epi has %d repetitions", ErrInvalidSequence, sp.NRep)
	}
	if !hasEvent(sp, 0, isExcitation) {
		return fmt.Errorf("%w: epi has no excitation", ErrInvalidSequence)
	}
	return writeBlocks(w, e.Family(), sp)
}

// writeBlocks emits a sectioned text description: one block per event with
// its duration, RF, gradient moments and ADC flag.
func writeBlocks(w io.Writer, f sequence.Family, sp SeqParams) error {
	ew := &errWriter{w: w}
	var duration float64
	readouts := 0
	for r := 0; r < sp.NRep; r++ {
		for t := 0; t < sp.T; t++ {
			duration += math.Abs(sp.EventTimes[t*sp.NRep+r])
			if sp.ADC[t] != 0 {
				readouts++
			}
		}
	}

	ew.printf("# mrgradopt sequence\n\n")
	ew.printf("[VERSION]\n%s\n\n", formatVersion)
	ew.printf("[DEFINITIONS]\n")
	ew.printf("Name %s\n", f)
	ew.printf("Events %d\n", sp.T)
	ew.printf("Repetitions %d\n", sp.NRep)
	ew.printf("Readouts %d\n", readouts)
	ew.printf("TotalDuration %.9g\n\n", duration)

	ew.printf("[BLOCKS]\n")
	ew.printf("# rep event duration flip phase gx gy adc\n")
	for r := 0; r < sp.NRep; r++ {
		for t := 0; t < sp.T; t++ {
			i := t*sp.NRep + r
			ew.printf("%d %d %.9g %.9g %.9g %.9g %.9g %g\n",
				r, t,
				math.Abs(sp.EventTimes[i]),
				sp.flip(t, r), sp.phase(t, r),
				sp.GradMoms[2*i], sp.GradMoms[2*i+1],
				sp.ADC[t])
		}
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

// Arrays is the JSON companion of an exported sequence: the parameters,
// the trajectory and the reconstruction they produced. Complex arrays are
// interleaved re, im.
type Arrays struct {
	ADCMask       []float64 `json:"adc_mask"`
	B1            []float64 `json:"B1"`
	Flips         []float64 `json:"flips"`
	EventTimes    []float64 `json:"event_times"`
	GradMoms      []float64 `json:"grad_moms"`
	KLoc          []float64 `json:"kloc"`
	Reco          []float64 `json:"reco"`
	ROI           []float64 `json:"ROI,omitempty"`
	Size          [2]int    `json:"sz"`
	Signal        []float64 `json:"signal"`
	SequenceClass string    `json:"sequence_class,omitempty"`
}

// AllIterArrays stacks the per-iteration snapshots of a run.
type AllIterArrays struct {
	ADCMasks      [][]float64 `json:"all_adc_masks"`
	Flips         [][]float64 `json:"flips"`
	EventTimes    [][]float64 `json:"event_times"`
	GradMoms      [][]float64 `json:"grad_moms"`
	KLoc          [][]float64 `json:"all_kloc"`
	Reco          [][]float64 `json:"reco_images"`
	Signals       [][]float64 `json:"all_signals"`
	Errors        []float64   `json:"all_errors"`
	Iterations    []int       `json:"iterations"`
	Size          [2]int      `json:"sz"`
	T             int         `json:"T"`
	NRep          int         `json:"NRep"`
	Target        []float64   `json:"target,omitempty"`
	B1            []float64   `json:"B1,omitempty"`
	SequenceClass string      `json:"sequence_class"`
}

// StackHistory builds the archive from history entries in order.
func StackHistory(entries []model.HistoryEntry, size [2]int, f sequence.Family) AllIterArrays {
	out := AllIterArrays{Size: size, SequenceClass: f.String()}
	for _, e := range entries {
		out.T, out.NRep = e.T, e.NRep
		out.ADCMasks = append(out.ADCMasks, e.ADCMask)
		out.Flips = append(out.Flips, e.Flips)
		out.EventTimes = append(out.EventTimes, e.EventTimes)
		out.GradMoms = append(out.GradMoms, e.GradMoms)
		out.KLoc = append(out.KLoc, e.KSpaceLoc)
		out.Reco = append(out.Reco, e.Reco)
		out.Signals = append(out.Signals, e.Signal)
		out.Errors = append(out.Errors, e.Error)
		out.Iterations = append(out.Iterations, e.Iteration)
	}
	return out
}

// EntryParams rebuilds the exportable sequence of a history entry.
func EntryParams(e model.HistoryEntry) SeqParams {
	return SeqParams{
		T:          e.T,
		NRep:       e.NRep,
		ADC:        append([]float64(nil), e.ADCMask...),
		Flips:      append([]float64(nil), e.Flips...),
		EventTimes: append([]float64(nil), e.EventTimes...),
		GradMoms:   append([]float64(nil), e.GradMoms...),
	}
}

func WriteJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func ReadArrays(path string) (Arrays, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Arrays{}, err
	}
	var a Arrays
	if err := json.Unmarshal(data, &a); err != nil {
		return Arrays{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return a, nil
}

func ReadAllIterArrays(path string) (AllIterArrays, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AllIterArrays{}, err
	}
	var a AllIterArrays
	if err := json.Unmarshal(data, &a); err != nil {
		return AllIterArrays{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return a, nil
}
