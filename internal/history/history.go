// Package history keeps the per-iteration log of an optimization run,
// bounded in memory and spilling to a store.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"mrgradopt/internal/model"
	"mrgradopt/internal/reco"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/storage"
)

const DefaultCapacity = 256

type Config struct {
	RunID string
	// Capacity is the number of entries kept in memory; older entries are
	// spilled to Store. Without a store they are dropped.
	Capacity int
	Store    storage.Store
}

type Log struct {
	mu       sync.Mutex
	cfg      Config
	resident []model.HistoryEntry
	errors   []float64
	iters    []int
	nextSeq  int
	spilled  int
	dropped  int
}

func New(cfg Config) (*Log, error) {
	if cfg.RunID == "" {
		return nil, errors.New("history run id is required")
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("history capacity must be >= 0, got %d", cfg.Capacity)
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Log{cfg: cfg}, nil
}

func (l *Log) RunID() string { return l.cfg.RunID }

// Snapshot captures the sequence and reconstruction of one iteration.
func Snapshot(iteration int, p *sequence.Params, kloc []float64, img, signal []complex128, errPct float64) model.HistoryEntry {
	return model.HistoryEntry{
		Iteration:  iteration,
		T:          p.T,
		NRep:       p.NRep,
		ADCMask:    append([]float64(nil), p.ADC...),
		Flips:      append([]float64(nil), p.RF...),
		EventTimes: append([]float64(nil), p.EventTime...),
		GradMoms:   append([]float64(nil), p.GradMoms...),
		KSpaceLoc:  append([]float64(nil), kloc...),
		Reco:       reco.Interleave(img),
		Signal:     reco.Interleave(signal),
		Error:      errPct,
	}
}

// Append stamps e with the run id, sequence number and schema version and
// adds it to the log. When the in-memory bound is exceeded the oldest
// entries are written to the store; a failed spill keeps them resident.
func (l *Log) Append(ctx context.Context, e model.HistoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.VersionedRecord = storage.Versioned()
	e.RunID = l.cfg.RunID
	e.Seq = l.nextSeq
	if e.CreatedUnix == 0 {
		e.CreatedUnix = time.Now().UTC().Unix()
	}
	l.nextSeq++
	l.resident = append(l.resident, e)
	l.errors = append(l.errors, e.Error)
	l.iters = append(l.iters, e.Iteration)

	over := len(l.resident) - l.cfg.Capacity
	if over <= 0 {
		return nil
	}
	return l.spillLocked(ctx, over)
}

func (l *Log) spillLocked(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	batch := l.resident[:n]
	if l.cfg.Store == nil {
		l.dropped += n
	} else {
		if err := l.cfg.Store.AppendHistory(ctx, batch); err != nil {
			return fmt.Errorf("spill history: %w", err)
		}
		l.spilled += n
	}
	l.resident = append([]model.HistoryEntry(nil), l.resident[n:]...)
	return nil
}

// Flush writes every resident entry to the store.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.Store == nil {
		return nil
	}
	return l.spillLocked(ctx, len(l.resident))
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

func (l *Log) Resident() []model.HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.HistoryEntry(nil), l.resident...)
}

// Last returns the most recent entry.
func (l *Log) Last() (model.HistoryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.resident) == 0 {
		return model.HistoryEntry{}, false
	}
	return l.resident[len(l.resident)-1], true
}

// All returns spilled and resident entries in append order. Dropped
// entries are not recoverable.
func (l *Log) All(ctx context.Context) ([]model.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.HistoryEntry
	if l.cfg.Store != nil && l.spilled > 0 {
		stored, err := l.cfg.Store.ListHistory(ctx, l.cfg.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, stored...)
	}
	out = append(out, l.resident...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

type Summary struct {
	Count         int     `json:"count"`
	Spilled       int     `json:"spilled"`
	Dropped       int     `json:"dropped"`
	BestError     float64 `json:"best_error"`
	BestIteration int     `json:"best_iteration"`
	LastError     float64 `json:"last_error"`
	MeanError     float64 `json:"mean_error"`
	StdDevError   float64 `json:"stddev_error"`
	MovingAverage float64 `json:"moving_average"`
}

// Summary reports error statistics over every appended entry, including
// spilled ones. The moving average covers the last window entries.
func (l *Log) Summary(window int) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{Count: l.nextSeq, Spilled: l.spilled, Dropped: l.dropped, BestError: math.NaN(), BestIteration: -1}
	finite := make([]float64, 0, len(l.errors))
	for i, e := range l.errors {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			continue
		}
		finite = append(finite, e)
		if math.IsNaN(s.BestError) || e < s.BestError {
			s.BestError = e
			s.BestIteration = l.iters[i]
		}
	}
	if len(l.errors) > 0 {
		s.LastError = l.errors[len(l.errors)-1]
	}
	if len(finite) == 0 {
		return s
	}
	s.MeanError = stat.Mean(finite, nil)
	if len(finite) > 1 {
		s.StdDevError = stat.StdDev(finite, nil)
	}
	if window <= 0 || window > len(finite) {
		window = len(finite)
	}
	s.MovingAverage = stat.Mean(finite[len(finite)-window:], nil)
	return s
}
