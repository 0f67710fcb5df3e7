package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/workqueue"
)

type mockHealthTaskRepo struct {
	repositories.TaskRepository
	stale     []*models.MetaModelTaskData
	unknown   []*models.MetaModelTaskData
	cutoff    time.Time
	kindAsked string
	err       error
}

func (m *mockHealthTaskRepo) ListOlderThan(_ context.Context, cutoff time.Time) ([]*models.MetaModelTaskData, error) {
	m.cutoff = cutoff
	return m.stale, m.err
}

func (m *mockHealthTaskRepo) ListByErrorKind(_ context.Context, kind string) ([]*models.MetaModelTaskData, error) {
	m.kindAsked = kind
	return m.unknown, nil
}

type mockUnhealthyConsumerRepo struct {
	repositories.ConsumerRepository
	unhealthy []*models.Consumer
}

func (m *mockUnhealthyConsumerRepo) ListUnhealthy(context.Context) ([]*models.Consumer, error) {
	return m.unhealthy, nil
}

func newTestHealthService(tasks *mockHealthTaskRepo, consumers *mockUnhealthyConsumerRepo, now time.Time) *healthService {
	svc := NewHealthService(nil, tasks, consumers, 24*time.Hour, zap.NewNop()).(*healthService)
	svc.now = func() time.Time { return now }
	return svc
}

func TestHealthService_NoIssues(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tasks := &mockHealthTaskRepo{}
	svc := newTestHealthService(tasks, &mockUnhealthyConsumerRepo{}, now)

	report, err := svc.collect(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Issues)
	assert.NotNil(t, report.Issues, "issues encode as an empty list")
	assert.Equal(t, now.Add(-24*time.Hour), tasks.cutoff)
	assert.Equal(t, workqueue.ErrorKindUnknownTaskType, tasks.kindAsked)
}

func TestHealthService_ReportsEachIssueOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tenantID := uuid.New()
	unknown := &models.MetaModelTaskData{
		ID: uuid.New(), TenantID: tenantID, Task: "metamodel.retired_task",
		PointInTime: now.Add(-48 * time.Hour),
	}
	stale := &models.MetaModelTaskData{
		ID: uuid.New(), TenantID: tenantID, Task: "metamodel.sync_materialized",
		PointInTime: now.Add(-30 * time.Hour), Attempts: 12,
		LastError: map[string]any{"kind": workqueue.ErrorKindHandler, "message": "column already exists"},
	}
	consumer := &models.Consumer{ID: uuid.New(), TenantID: tenantID, DataSeriesID: uuid.New(), Name: "orders-hook"}

	tasks := &mockHealthTaskRepo{
		unknown: []*models.MetaModelTaskData{unknown},
		// The unknown task is old as well and must not be reported twice.
		stale: []*models.MetaModelTaskData{unknown, stale},
	}
	svc := newTestHealthService(tasks, &mockUnhealthyConsumerRepo{unhealthy: []*models.Consumer{consumer}}, now)

	report, err := svc.collect(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Len(t, report.Issues, 3)

	assert.Equal(t, IssueUnknownTaskType, report.Issues[0].Kind)
	assert.Equal(t, "metamodel.retired_task", report.Issues[0].TaskType)

	assert.Equal(t, IssueStaleTask, report.Issues[1].Kind)
	assert.Equal(t, stale.ID, *report.Issues[1].TaskID)
	assert.Contains(t, report.Issues[1].Detail, "12 attempts")
	assert.Contains(t, report.Issues[1].Detail, "column already exists")

	assert.Equal(t, IssueUnhealthyConsumer, report.Issues[2].Kind)
	assert.Equal(t, consumer.ID, *report.Issues[2].ConsumerID)
}

func TestHealthService_PropagatesRepositoryErrors(t *testing.T) {
	tasks := &mockHealthTaskRepo{err: errors.New("connection refused")}
	svc := newTestHealthService(tasks, &mockUnhealthyConsumerRepo{}, time.Now())

	_, err := svc.collect(context.Background())
	require.Error(t, err)
}
