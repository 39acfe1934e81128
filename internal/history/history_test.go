package history

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"mrgradopt/internal/model"
	"mrgradopt/internal/sequence"
	"mrgradopt/internal/storage"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestAppendSpillsOldestEntries(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	log, err := New(Config{RunID: "run-1", Capacity: 3, Store: store})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append(ctx, model.HistoryEntry{Iteration: i, Error: float64(100 - i)}))
	}
	require.Equal(t, 10, log.Len())
	resident := log.Resident()
	require.Len(t, resident, 3)
	require.Equal(t, 7, resident[0].Iteration)

	stored, err := store.ListHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 7)

	all, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, e := range all {
		require.Equal(t, i, e.Seq)
		require.Equal(t, i, e.Iteration)
		require.Equal(t, "run-1", e.RunID)
		require.Equal(t, storage.Versioned(), e.VersionedRecord)
	}

	require.NoError(t, log.Flush(ctx))
	require.Empty(t, log.Resident())
	all, err = log.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 10)
}

func TestAppendWithoutStoreDropsOldest(t *testing.T) {
	log, err := New(Config{RunID: "r", Capacity: 2})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(context.Background(), model.HistoryEntry{Iteration: i}))
	}
	all, err := log.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 3, log.Summary(0).Dropped)
}

type failingStore struct{ storage.Store }

func (failingStore) AppendHistory(context.Context, []model.HistoryEntry) error {
	return errors.New("disk full")
}

func TestFailedSpillKeepsEntriesResident(t *testing.T) {
	log, err := New(Config{RunID: "r", Capacity: 1, Store: failingStore{}})
	require.NoError(t, err)
	require.NoError(t, log.Append(context.Background(), model.HistoryEntry{Iteration: 0}))
	require.Error(t, log.Append(context.Background(), model.HistoryEntry{Iteration: 1}))
	require.Len(t, log.Resident(), 2)
}

func TestSummary(t *testing.T) {
	log, err := New(Config{RunID: "r"})
	require.NoError(t, err)
	for i, e := range []float64{80, 40, math.NaN(), 20, 60} {
		require.NoError(t, log.Append(context.Background(), model.HistoryEntry{Iteration: i, Error: e}))
	}
	s := log.Summary(2)
	require.Equal(t, 5, s.Count)
	require.Equal(t, 20.0, s.BestError)
	require.Equal(t, 3, s.BestIteration)
	require.Equal(t, 60.0, s.LastError)
	require.InDelta(t, 50, s.MeanError, 1e-12)
	require.InDelta(t, 40, s.MovingAverage, 1e-12)
	require.Greater(t, s.StdDevError, 0.0)

	empty, err := New(Config{RunID: "e"})
	require.NoError(t, err)
	require.True(t, math.IsNaN(empty.Summary(5).BestError))
}

func TestSnapshot(t *testing.T) {
	p, err := sequence.CartesianGRE([2]int{2, 2}, sequence.Options{})
	require.NoError(t, err)
	e := Snapshot(4, p, p.KSpaceLocations(), []complex128{1 + 2i}, []complex128{3i}, 12.5)
	require.Equal(t, 4, e.Iteration)
	require.Equal(t, []float64{1, 2}, e.Reco)
	require.Equal(t, []float64{0, 3}, e.Signal)
	require.Len(t, e.Flips, 2*p.T*p.NRep)
	require.InDelta(t, math.Pi/2, e.Flips[2*(3*p.NRep)], 1e-12)
	require.Equal(t, 12.5, e.Error)

	p.GradMoms[0] = 42
	require.NotEqual(t, 42.0, e.GradMoms[0])
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{RunID: "r", Capacity: -1})
	require.Error(t, err)
}
