//go:build integration

package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/testhelpers"
)

type queueTestContext struct {
	t          *testing.T
	engineDB   *testhelpers.EngineDB
	tenantID   uuid.UUID
	tenantName string
	registry   *Registry
	taskRepo   repositories.TaskRepository
	runner     *Runner
}

func setupQueueTest(t *testing.T) *queueTestContext {
	t.Helper()

	engineDB := testhelpers.GetEngineDB(t)
	_, err := engineDB.DB.Pool.Exec(context.Background(), `DELETE FROM engine_meta_model_tasks`)
	require.NoError(t, err)

	tenantID, tenantName := engineDB.CreateTenant(t)
	t.Cleanup(func() { engineDB.DropTenant(t, tenantID, tenantName) })

	registry := NewRegistry()
	taskRepo := repositories.NewTaskRepository()
	return &queueTestContext{
		t:          t,
		engineDB:   engineDB,
		tenantID:   tenantID,
		tenantName: tenantName,
		registry:   registry,
		taskRepo:   taskRepo,
		runner: NewRunner(engineDB.DB, registry, taskRepo, zap.NewNop(),
			WithContentionBackoff(10*time.Millisecond, 50*time.Millisecond)),
	}
}

// tenantCtx returns a context scoped to the test tenant and its cleanup.
func (tc *queueTestContext) tenantCtx() (context.Context, func()) {
	tc.t.Helper()
	scope, err := tc.engineDB.DB.WithTenant(context.Background(), tc.tenantID)
	require.NoError(tc.t, err)
	return database.SetTenantScope(context.Background(), scope), scope.Close
}

func (tc *queueTestContext) spawn(spawner *Spawner, taskType string) *models.MetaModelTaskData {
	tc.t.Helper()
	ctx, cleanup := tc.tenantCtx()
	defer cleanup()

	var task *models.MetaModelTaskData
	err := database.InTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = spawner.Spawn(ctx, tc.tenantID, taskType, nil, map[string]any{"n": 1})
		return err
	})
	require.NoError(tc.t, err)
	return task
}

func (tc *queueTestContext) countTasks() int {
	tc.t.Helper()
	var n int
	err := tc.engineDB.DB.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM engine_meta_model_tasks WHERE tenant_id = $1`, tc.tenantID).Scan(&n)
	require.NoError(tc.t, err)
	return n
}

func (tc *queueTestContext) loadTask(id uuid.UUID) (attempts int, kind string, notBefore time.Time) {
	tc.t.Helper()
	err := tc.engineDB.DB.Pool.QueryRow(context.Background(), `
		SELECT attempts, COALESCE(last_error->>'kind', ''), not_before
		FROM engine_meta_model_tasks WHERE id = $1`, id).Scan(&attempts, &kind, &notBefore)
	require.NoError(tc.t, err)
	return attempts, kind, notBefore
}

func TestRunner_RunsAndAcknowledgesTask(t *testing.T) {
	tc := setupQueueTest(t)

	var got *models.MetaModelTaskData
	tc.registry.Register("test.ok", func(ctx context.Context, task *models.MetaModelTaskData) error {
		_, inTx := database.GetTx(ctx)
		assert.True(t, inTx, "handler must run inside the claiming transaction")
		got = task
		return nil
	})

	spawned := tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop()), "test.ok")
	assert.Equal(t, models.SystemActor, spawned.UserID)
	assert.Equal(t, 1, tc.countTasks())

	ran, err := tc.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, got)
	assert.Equal(t, spawned.ID, got.ID)
	assert.Equal(t, float64(1), got.Data["n"])
	assert.Equal(t, 0, tc.countTasks())

	ran, err = tc.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestSpawner_AttributesProvenance(t *testing.T) {
	tc := setupQueueTest(t)
	tc.registry.Register("test.ok", noopHandler)

	ctx, cleanup := tc.tenantCtx()
	defer cleanup()
	ctx = models.WithProvenance(ctx, models.ProvenanceContext{Source: models.SourceAdmin, UserID: "alice"})

	var task *models.MetaModelTaskData
	err := database.InTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = NewSpawner(tc.taskRepo, nil, zap.NewNop()).Spawn(ctx, tc.tenantID, "test.ok", nil, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", task.UserID)
	assert.Equal(t, "admin", task.RecordSource)
}

func TestSpawner_RequiresTransaction(t *testing.T) {
	tc := setupQueueTest(t)
	ctx, cleanup := tc.tenantCtx()
	defer cleanup()

	_, err := NewSpawner(tc.taskRepo, nil, zap.NewNop()).Spawn(ctx, tc.tenantID, "test.ok", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, tc.countTasks())
}

func TestSpawner_RollbackDropsTaskAndDispatch(t *testing.T) {
	tc := setupQueueTest(t)
	notifier := NewLocalNotifier()
	spawner := NewSpawner(tc.taskRepo, notifier, zap.NewNop())

	ctx, cleanup := tc.tenantCtx()
	defer cleanup()

	errAbort := errors.New("abort")
	err := database.InTx(ctx, func(ctx context.Context) error {
		if _, err := spawner.Spawn(ctx, tc.tenantID, "test.ok", nil, nil); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)
	assert.Equal(t, 0, tc.countTasks())

	select {
	case <-notifier.Wakeups():
		t.Fatal("rolled back spawn must not wake workers")
	default:
	}

	tc.spawn(spawner, "test.ok")
	select {
	case <-notifier.Wakeups():
	default:
		t.Fatal("committed spawn should wake workers")
	}
}

func TestRunner_HandlerErrorPostponesTask(t *testing.T) {
	tc := setupQueueTest(t)
	tc.registry.Register("test.fail", func(context.Context, *models.MetaModelTaskData) error {
		return errors.New("synthesis exploded")
	})

	task := tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop()), "test.fail")

	ran, err := tc.runner.RunOnce(context.Background())
	assert.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis exploded")

	attempts, kind, notBefore := tc.loadTask(task.ID)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrorKindHandler, kind)
	assert.True(t, notBefore.After(time.Now()), "failed task must not be immediately claimable")

	ran, err = tc.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunner_HandlerErrorUndoesHandlerWorkButKeepsPostpone(t *testing.T) {
	tc := setupQueueTest(t)
	notifier := NewLocalNotifier()
	childSpawner := NewSpawner(tc.taskRepo, notifier, zap.NewNop())

	tc.registry.Register("test.fail_after_spawn", func(ctx context.Context, task *models.MetaModelTaskData) error {
		if _, err := childSpawner.Spawn(ctx, task.TenantID, "test.child", nil, nil); err != nil {
			return err
		}
		q, err := database.QuerierFromContext(ctx)
		if err != nil {
			return err
		}
		// Leaves the transaction aborted, like a failed statement in a real handler.
		_, _ = q.Exec(ctx, `SELECT * FROM engine_no_such_table`)
		return errors.New("synthesis exploded")
	})

	task := tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop()), "test.fail_after_spawn")

	ran, err := tc.runner.RunOnce(context.Background())
	assert.True(t, ran)
	require.Error(t, err)

	assert.Equal(t, 1, tc.countTasks(), "child task spawned by the failed handler must be rolled back")
	attempts, kind, notBefore := tc.loadTask(task.ID)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrorKindHandler, kind)
	assert.True(t, notBefore.After(time.Now()))

	select {
	case <-notifier.Wakeups():
		t.Fatal("rolled back handler work must not wake workers")
	default:
	}
}

func TestRunner_UnknownTaskTypeIsKeptAndFlagged(t *testing.T) {
	tc := setupQueueTest(t)
	task := tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop()), "test.nobody_handles_this")

	ran, err := tc.runner.RunOnce(context.Background())
	assert.True(t, ran)
	require.Error(t, err)

	attempts, kind, _ := tc.loadTask(task.ID)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrorKindUnknownTaskType, kind)

	scope, err := tc.engineDB.DB.WithoutTenant(context.Background())
	require.NoError(t, err)
	defer scope.Close()
	flagged, err := tc.taskRepo.ListByErrorKind(database.SetTenantScope(context.Background(), scope), ErrorKindUnknownTaskType)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, task.ID, flagged[0].ID)
}

func TestRunner_RetriesContention(t *testing.T) {
	tc := setupQueueTest(t)

	var calls atomic.Int32
	tc.registry.Register("test.deadlock", func(context.Context, *models.MetaModelTaskData) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("failed to add column: %w", &pgconn.PgError{Code: database.CodeDeadlockDetected})
		}
		return nil
	})
	tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop()), "test.deadlock")

	ran, err := tc.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, tc.countTasks())
}

func TestSpawner_SynchronousRunsAfterCommit(t *testing.T) {
	tc := setupQueueTest(t)

	var ran atomic.Bool
	tc.registry.Register("test.ok", func(context.Context, *models.MetaModelTaskData) error {
		ran.Store(true)
		return nil
	})

	tc.spawn(NewSpawner(tc.taskRepo, nil, zap.NewNop(), WithSynchronous(tc.runner)), "test.ok")
	assert.True(t, ran.Load())
	assert.Equal(t, 0, tc.countTasks())
}

func TestPool_EachTaskRunsExactlyOnce(t *testing.T) {
	tc := setupQueueTest(t)

	const tasks = 40
	var mu sync.Mutex
	runs := make(map[uuid.UUID]int)
	tc.registry.Register("test.count", func(_ context.Context, task *models.MetaModelTaskData) error {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	notifier := NewLocalNotifier()
	spawner := NewSpawner(tc.taskRepo, notifier, zap.NewNop())
	for i := 0; i < tasks; i++ {
		tc.spawn(spawner, "test.count")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(tc.runner, notifier, 4, 50*time.Millisecond, zap.NewNop())
	pool.Start(ctx)

	require.Eventually(t, func() bool { return tc.countTasks() == 0 }, 30*time.Second, 50*time.Millisecond)
	cancel()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, tasks)
	for id, n := range runs {
		assert.Equal(t, 1, n, "task %s ran %d times", id, n)
	}
}

func TestRedisNotifier_WakesOtherProcesses(t *testing.T) {
	redisContainer := testhelpers.GetTestRedis(t)

	publisher := NewRedisNotifier(redisContainer.NewClient(t), zap.NewNop())
	subscriber := NewRedisNotifier(redisContainer.NewClient(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(ctx) }()

	// Publish until the subscription is established; early messages are lost by design.
	require.Eventually(t, func() bool {
		publisher.Notify(ctx)
		select {
		case <-subscriber.Wakeups():
			return true
		default:
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
