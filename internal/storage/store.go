package storage

import (
	"context"

	"mrgradopt/internal/model"
)

// Store defines persistence operations for optimization runs: the spilled
// iteration history, optimizer checkpoints and run summaries.
type Store interface {
	Init(ctx context.Context) error
	AppendHistory(ctx context.Context, entries []model.HistoryEntry) error
	ListHistory(ctx context.Context, runID string) ([]model.HistoryEntry, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, name string) (model.Checkpoint, bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}
