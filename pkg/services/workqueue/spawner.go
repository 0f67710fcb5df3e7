package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
)

// Spawner enqueues tasks as part of the transaction that makes the logical change they act
// on, so a worker never sees a task whose change is not committed.
type Spawner struct {
	taskRepo repositories.TaskRepository
	notifier Notifier
	// runner is set in synchronous mode: tasks run inline once the spawning transaction
	// has committed.
	runner *Runner
	logger *zap.Logger
}

// SpawnerOption configures a Spawner.
type SpawnerOption func(*Spawner)

// WithSynchronous runs spawned tasks with runner right after the spawning transaction
// commits instead of leaving them to the worker pool. Intended for tests.
func WithSynchronous(runner *Runner) SpawnerOption {
	return func(s *Spawner) {
		s.runner = runner
	}
}

// NewSpawner creates a Spawner. notifier may be nil, leaving pickup to polling.
func NewSpawner(taskRepo repositories.TaskRepository, notifier Notifier, logger *zap.Logger, opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		taskRepo: taskRepo,
		notifier: notifier,
		logger:   logger.Named("workqueue-spawner"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn inserts a task of taskType for a data series. It must be called inside a
// transaction (database.InTx); dispatch is deferred until that transaction commits and
// dropped if it rolls back. The task is attributed to the provenance in ctx, or to the
// system when there is none.
func (s *Spawner) Spawn(ctx context.Context, tenantID uuid.UUID, taskType string, dataSeriesID *uuid.UUID, data map[string]any) (*models.MetaModelTaskData, error) {
	tx, ok := database.GetTx(ctx)
	if !ok {
		return nil, fmt.Errorf("spawning %s requires a transaction", taskType)
	}

	prov := models.ProvenanceOrSystem(ctx)
	task := &models.MetaModelTaskData{
		TenantID:     tenantID,
		Task:         taskType,
		DataSeriesID: dataSeriesID,
		PointInTime:  time.Now().UTC(),
		Data:         data,
		UserID:       prov.UserID,
		RecordSource: prov.Source.String(),
	}
	if err := s.taskRepo.Insert(ctx, task); err != nil {
		return nil, err
	}

	tx.AfterCommit(s.dispatch)

	s.logger.Debug("Spawned task",
		zap.String("task_id", task.ID.String()),
		zap.String("task", taskType),
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", task.UserID))
	return task, nil
}

func (s *Spawner) dispatch(ctx context.Context) {
	if s.runner != nil {
		if err := s.runner.Drain(ctx); err != nil {
			s.logger.Error("Synchronous task run failed", zap.Error(err))
		}
		return
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx)
	}
}
