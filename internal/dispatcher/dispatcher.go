// Package dispatcher manages worker fan-out over the stage queues.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/clipvault/internal/media"
)

// StageWorker consumes one stage queue. Run may be called from several
// goroutines at once.
type StageWorker interface {
	Stage() media.Stage
	Recover(ctx context.Context) (int, error)
	Run(ctx context.Context)
}

// Pool runs Concurrency copies of a stage worker loop.
type Pool struct {
	Worker      StageWorker
	Concurrency int
}

// Dispatcher fans out queue work to pools of workers.
type Dispatcher struct {
	pools  []Pool
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(pools []Pool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{pools: pools, logger: logger}
}

// Run recovers each stage's orphaned in-flight items, then starts its
// workers. It blocks until the context finishes or a recovery fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pool := range d.pools {
		n := pool.Concurrency
		if n <= 0 {
			n = 1
		}
		wk := pool.Worker
		g.Go(func() error {
			stage := wk.Stage()
			recovered, err := wk.Recover(gctx)
			if err != nil {
				return fmt.Errorf("recover %s: %w", stage, err)
			}
			d.logger.Info("stage workers starting",
				zap.String("stage", string(stage)),
				zap.Int("workers", n),
				zap.Int("recovered", recovered),
			)
			for i := 0; i < n; i++ {
				g.Go(func() error {
					wk.Run(gctx)
					return nil
				})
			}
			return nil
		})
	}
	return g.Wait()
}
