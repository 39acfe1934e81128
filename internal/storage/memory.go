package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mrgradopt/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	history     map[string][]model.HistoryEntry
	checkpoints map[string]model.Checkpoint
	runs        map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.history = make(map[string][]model.HistoryEntry)
	s.checkpoints = make(map[string]model.Checkpoint)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entries []model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	for _, entry := range entries {
		s.history[entry.RunID] = append(s.history[entry.RunID], entry)
	}
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, runID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]model.HistoryEntry(nil), s.history[runID]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	checkpoint.Payload = append([]byte(nil), checkpoint.Payload...)
	s.checkpoints[checkpoint.Name] = checkpoint
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, name string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[name]
	return checkpoint, ok, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	run.ErrorHistory = append([]float64(nil), run.ErrorHistory...)
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedUTC == runs[j].CreatedUTC {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedUTC > runs[j].CreatedUTC
	})
	return runs, nil
}
