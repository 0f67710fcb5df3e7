package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// TaskRepository provides data access for the migration task queue. Claiming is not
// tenant-scoped: one worker pool serves every tenant.
type TaskRepository interface {
	Insert(ctx context.Context, task *models.MetaModelTaskData) error
	// ClaimNext locks the oldest due task that no other transaction holds. It returns
	// nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context) (*models.MetaModelTaskData, error)
	// Delete acknowledges a task.
	Delete(ctx context.Context, id uuid.UUID) error
	// RecordFailure bumps attempts and postpones the task until notBefore.
	RecordFailure(ctx context.Context, id uuid.UUID, lastError map[string]any, notBefore time.Time) error
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*models.MetaModelTaskData, error)
	ListByErrorKind(ctx context.Context, kind string) ([]*models.MetaModelTaskData, error)
	CountPending(ctx context.Context, tenantID uuid.UUID) (int, error)
	// HasPending reports whether a task of taskType with data[key] = value is queued.
	HasPending(ctx context.Context, taskType, key, value string) (bool, error)
}

type taskRepository struct{}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository() TaskRepository {
	return &taskRepository{}
}

var _ TaskRepository = (*taskRepository)(nil)

const taskColumns = `id, tenant_id, task, data_series_id, point_in_time, data, last_error,
	attempts, not_before, user_id, record_source`

func (r *taskRepository) Insert(ctx context.Context, task *models.MetaModelTaskData) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	data, err := jsonbValue(task.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal task data: %w", err)
	}
	if data == nil {
		data = []byte("{}")
	}
	if task.PointInTime.IsZero() {
		task.PointInTime = time.Now().UTC()
	}
	if task.NotBefore.IsZero() {
		task.NotBefore = task.PointInTime
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_meta_model_tasks (
			tenant_id, task, data_series_id, point_in_time, data, not_before, user_id, record_source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		task.TenantID,
		task.Task,
		task.DataSeriesID,
		task.PointInTime,
		data,
		task.NotBefore,
		task.UserID,
		task.RecordSource,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.Task, err)
	}
	return nil
}

func (r *taskRepository) ClaimNext(ctx context.Context) (*models.MetaModelTaskData, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+taskColumns+`
		FROM engine_meta_model_tasks
		WHERE not_before <= now()
		ORDER BY point_in_time, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `DELETE FROM engine_meta_model_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (r *taskRepository) RecordFailure(ctx context.Context, id uuid.UUID, lastError map[string]any, notBefore time.Time) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	errJSON, err := jsonbValue(lastError)
	if err != nil {
		return fmt.Errorf("failed to marshal task error: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE engine_meta_model_tasks
		SET attempts = attempts + 1, last_error = $2, not_before = $3
		WHERE id = $1`, id, errJSON, notBefore)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	return nil
}

func (r *taskRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*models.MetaModelTaskData, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+taskColumns+`
		FROM engine_meta_model_tasks
		WHERE point_in_time < $1
		ORDER BY point_in_time, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *taskRepository) ListByErrorKind(ctx context.Context, kind string) ([]*models.MetaModelTaskData, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+taskColumns+`
		FROM engine_meta_model_tasks
		WHERE last_error->>'kind' = $1
		ORDER BY point_in_time, id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list failing tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *taskRepository) CountPending(ctx context.Context, tenantID uuid.UUID) (int, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM engine_meta_model_tasks WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

func (r *taskRepository) HasPending(ctx context.Context, taskType, key, value string) (bool, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM engine_meta_model_tasks WHERE task = $1 AND data->>$2 = $3
		)`, taskType, key, value).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up pending task: %w", err)
	}
	return exists, nil
}

func collectTasks(rows pgx.Rows) ([]*models.MetaModelTaskData, error) {
	defer rows.Close()

	var tasks []*models.MetaModelTaskData
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*models.MetaModelTaskData, error) {
	var t models.MetaModelTaskData
	var data, lastError []byte

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Task,
		&t.DataSeriesID,
		&t.PointInTime,
		&data,
		&lastError,
		&t.Attempts,
		&t.NotBefore,
		&t.UserID,
		&t.RecordSource,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonUnmarshal(data, &t.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task data: %w", err)
	}
	if err := jsonUnmarshal(lastError, &t.LastError); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task error: %w", err)
	}
	return &t, nil
}
