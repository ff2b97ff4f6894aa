package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StartPool runs a bounded pool of workers draining jobs until the
// channel closes or the context is cancelled. The caller closes jobs and
// waits on wg.
func StartPool[T any](
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs <-chan T,
	logger *zap.Logger,
	handle func(ctx context.Context, job T),
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			for {
				select {

				case <-ctx.Done():
					logger.Debug("worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-jobs:
					if !ok {
						return
					}

					handle(ctx, job)
				}
			}
		}(i)
	}
}
