package workqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/logging"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/retry"
)

// Kinds recorded in last_error of a failed task.
const (
	ErrorKindUnknownTaskType = "unknown_task_type"
	ErrorKindHandler         = "handler_error"
)

// RetryConfig configures how long a failed task waits before it is claimable again.
type RetryConfig struct {
	InitialBackoff time.Duration // Delay after the first failure
	MaxBackoff     time.Duration // Maximum delay (cap)
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns sensible defaults for failed tasks.
// Backoff schedule: 2s, 4s, 8s, ... capped at 5m. Failed tasks are retried forever.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// Runner claims and executes single tasks.
type Runner struct {
	db         *database.DB
	registry   *Registry
	taskRepo   repositories.TaskRepository
	contention *retry.Config
	failure    RetryConfig
	logger     *zap.Logger
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetryConfig sets the backoff applied to failed tasks.
func WithRetryConfig(config RetryConfig) RunnerOption {
	return func(r *Runner) {
		r.failure = config
	}
}

// WithContentionBackoff sets the backoff between attempts of a claim that hit lock
// contention. Attempts are unbounded.
func WithContentionBackoff(initial, max time.Duration) RunnerOption {
	return func(r *Runner) {
		r.contention = retry.ContentionConfig(initial, max)
	}
}

// NewRunner creates a Runner.
func NewRunner(db *database.DB, registry *Registry, taskRepo repositories.TaskRepository, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:         db,
		registry:   registry,
		taskRepo:   taskRepo,
		contention: retry.ContentionConfig(100*time.Millisecond, 5*time.Second),
		failure:    DefaultRetryConfig(),
		logger:     logger.Named("workqueue"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// outcome is the result of one claim transaction.
type outcome struct {
	task       *models.MetaModelTaskData
	handlerErr error
}

// RunOnce claims the oldest due task and runs it. It reports whether a task was claimed.
//
// Lock contention anywhere in the claim transaction reruns the whole transaction with
// backoff until it succeeds or ctx ends. Any other handler error undoes the handler's work,
// postpones the task with backoff in the same transaction and is returned.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	res, err := retry.DoWithResultWhen(ctx, r.contention, database.IsContention, func() (outcome, error) {
		return r.attempt(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("failed to run task: %w", err)
	}
	if res.task == nil {
		return false, nil
	}
	if res.handlerErr != nil {
		return true, res.handlerErr
	}

	r.logger.Debug("Task completed",
		zap.String("task_id", res.task.ID.String()),
		zap.String("task", res.task.Task),
		zap.String("tenant_id", res.task.TenantID.String()))
	return true, nil
}

// Drain runs tasks until none is due. Failed tasks are postponed, so Drain terminates.
func (r *Runner) Drain(ctx context.Context) error {
	var errs []error
	for ctx.Err() == nil {
		ran, err := r.RunOnce(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if !ran {
			break
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) attempt(ctx context.Context) (outcome, error) {
	tx, err := database.Begin(ctx, r.db.Pool)
	if err != nil {
		return outcome{}, err
	}
	txCtx := database.WithTx(ctx, tx)

	task, err := r.taskRepo.ClaimNext(txCtx)
	if err != nil || task == nil {
		_ = tx.Rollback(ctx)
		return outcome{}, err
	}

	sp, err := tx.Savepoint(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return outcome{}, err
	}

	var handlerErr error
	if handler, ok := r.registry.Lookup(task.Task); ok {
		handlerErr = invoke(txCtx, handler, task)
	} else {
		handlerErr = fmt.Errorf("%w: %s", apperrors.ErrUnknownTaskType, task.Task)
	}

	if database.IsContention(handlerErr) {
		_ = tx.Rollback(ctx)
		r.logger.Info("Task hit lock contention, retrying",
			zap.String("task_id", task.ID.String()),
			zap.String("task", task.Task),
			zap.Error(handlerErr))
		return outcome{}, handlerErr
	}

	if handlerErr != nil {
		if err := sp.Rollback(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return outcome{}, errors.Join(handlerErr, err)
		}
		// The claim lock is still held, so the postponed row is the one this worker saw.
		if err := r.recordFailure(txCtx, task, handlerErr); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("Failed to record task failure, task stays claimable",
				zap.String("task_id", task.ID.String()),
				zap.String("task", task.Task),
				zap.Error(err))
			return outcome{task: task, handlerErr: handlerErr}, nil
		}
	} else {
		if err := sp.Release(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return outcome{}, err
		}
		if err := r.taskRepo.Delete(txCtx, task.ID); err != nil {
			_ = tx.Rollback(ctx)
			return outcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return outcome{}, err
	}
	return outcome{task: task, handlerErr: handlerErr}, nil
}

// invoke turns a handler panic into an error so its work is undone like any other
// failure.
func invoke(ctx context.Context, h Handler, task *models.MetaModelTaskData) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Task, p)
		}
	}()
	return h(ctx, task)
}

// recordFailure logs a failed task and postpones it inside the claim transaction in ctx.
func (r *Runner) recordFailure(ctx context.Context, task *models.MetaModelTaskData, handlerErr error) error {
	attempt := task.Attempts + 1
	backoff := r.calculateBackoff(attempt)

	kind := ErrorKindHandler
	fields := []zap.Field{
		zap.String("task_id", task.ID.String()),
		zap.String("task", task.Task),
		zap.String("tenant_id", task.TenantID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(handlerErr),
	}
	if errors.Is(handlerErr, apperrors.ErrUnknownTaskType) {
		kind = ErrorKindUnknownTaskType
		r.logger.Error("No handler registered for task type, task postponed", fields...)
	} else {
		r.logger.Error("Task failed, postponed for retry", fields...)
	}

	lastError := map[string]any{
		"kind":    kind,
		"message": logging.SanitizeError(handlerErr),
		"attempt": attempt,
		"at":      r.now().UTC().Format(time.RFC3339Nano),
	}
	return r.taskRepo.RecordFailure(ctx, task.ID, lastError, r.now().Add(backoff))
}

// calculateBackoff computes the delay before a task that failed attempt times is retried.
// Uses exponential backoff with jitter.
func (r *Runner) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: initial * factor^(attempt-1)
	backoff := float64(r.failure.InitialBackoff) *
		math.Pow(r.failure.BackoffFactor, float64(attempt-1))

	// Cap at max backoff
	if backoff > float64(r.failure.MaxBackoff) {
		backoff = float64(r.failure.MaxBackoff)
	}

	// Add jitter (±10%) to prevent thundering herd
	jitter := backoff * 0.1 * (rand.Float64()*2 - 1)

	return time.Duration(backoff + jitter)
}
