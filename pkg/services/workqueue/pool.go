package workqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool is a fixed number of workers repeatedly claiming tasks. There is no coordinator:
// row locks alone decide which worker runs which task.
type Pool struct {
	runner       *Runner
	notifier     Notifier
	workers      int
	pollInterval time.Duration
	logger       *zap.Logger
	wg           sync.WaitGroup
}

// NewPool creates a worker pool. notifier may be nil, in which case workers only poll.
func NewPool(runner *Runner, notifier Notifier, workers int, pollInterval time.Duration, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		runner:       runner,
		notifier:     notifier,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger.Named("workqueue-pool"),
	}
}

// Start launches the workers. They stop once ctx is cancelled, after finishing the task
// they are running; use Wait to block until then.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting task workers",
		zap.Int("workers", p.workers),
		zap.Duration("poll_interval", p.pollInterval))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.work(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var wakeups <-chan struct{}
	if p.notifier != nil {
		wakeups = p.notifier.Wakeups()
	}

	for {
		// Keep claiming while there is due work, then sleep until the next poll or wake up.
		for ctx.Err() == nil {
			ran, err := p.runner.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("Task run failed", zap.Int("worker", worker), zap.Error(err))
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Debug("Worker stopped", zap.Int("worker", worker))
			return
		case <-ticker.C:
		case <-wakeups:
		}
	}
}
