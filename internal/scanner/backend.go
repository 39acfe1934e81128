package scanner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Backend decides how voxel chunks of one forward pass are executed.
// Chunk results are always reduced in chunk order, so the choice of
// backend never changes the result beyond floating-point association.
type Backend interface {
	Name() string
	Chunks(nvox int) int
	Run(ctx context.Context, chunks int, fn func(ctx context.Context, chunk int) error) error
}

// Serial runs the whole pass as a single chunk on the calling goroutine.
type Serial struct{}

func (Serial) Name() string        { return "serial" }
func (Serial) Chunks(nvox int) int { return 1 }

func (Serial) Run(ctx context.Context, chunks int, fn func(ctx context.Context, chunk int) error) error {
	for c := 0; c < chunks; c++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Parallel spreads voxel chunks over a bounded worker pool.
type Parallel struct {
	Workers int
}

func (p Parallel) Name() string { return "parallel" }

func (p Parallel) workers() int {
	if p.Workers <= 0 {
		return 4
	}
	return p.Workers
}

func (p Parallel) Chunks(nvox int) int {
	return max(1, min(nvox, p.workers()*4))
}

func (p Parallel) Run(ctx context.Context, chunks int, fn func(ctx context.Context, chunk int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for c := 0; c < chunks; c++ {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, c)
		})
	}
	return g.Wait()
}

// chunkBounds splits [0,n) into chunks near-equal half-open ranges.
func chunkBounds(n, chunks, c int) (int, int) {
	return c * n / chunks, (c + 1) * n / chunks
}
