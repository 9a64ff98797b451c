package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
)

// Consumer is the queue side the runner drains. *queue.Broker satisfies it.
type Consumer interface {
	Consume(ctx context.Context, kind queue.Kind, exec queue.Executor, handle queue.Handler) error
}

// Run consumes every lane in kinds with its own worker pool of size
// concurrency and blocks until ctx is cancelled or a lane fails to start.
func Run(ctx context.Context, c Consumer, w *Worker, kinds []queue.Kind, concurrency int, logger *logging.Logger) error {
	if len(kinds) == 0 {
		return errors.New("no lanes to consume")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pools := make([]*ants.Pool, 0, len(kinds))
	defer func() {
		for _, p := range pools {
			p.Release()
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, kind := range kinds {
		pool, err := ants.NewPool(concurrency, ants.WithPanicHandler(func(p any) {
			logger.Error(ctx, "ingestion task panicked",
				zap.String("lane", string(kind)),
				zap.Any("panic", p),
			)
		}))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("creating %s worker pool: %w", kind, err)
		}
		pools = append(pools, pool)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Consume(ctx, kind, pool, w.Handle); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("lane %s: %w", kind, err)
				}
				mu.Unlock()
				cancel()
			}
		}()
	}

	logger.Info(ctx, "ingestion workers running",
		zap.Int("lanes", len(kinds)),
		zap.Int("concurrency", concurrency),
	)
	wg.Wait()
	return firstErr
}
