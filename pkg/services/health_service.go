package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/workqueue"
)

// HealthIssueKind classifies what the health check found.
type HealthIssueKind string

const (
	// IssueStaleTask is a migration task pending for longer than the stale threshold.
	IssueStaleTask HealthIssueKind = "stale_task"
	// IssueUnknownTaskType is a task no handler is registered for.
	IssueUnknownTaskType HealthIssueKind = "unknown_task_type"
	// IssueUnhealthyConsumer is a consumer whose last delivery failed.
	IssueUnhealthyConsumer HealthIssueKind = "unhealthy_consumer"
)

// HealthIssue is one finding of the health check.
type HealthIssue struct {
	Kind         HealthIssueKind `json:"kind"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	TaskID       *uuid.UUID      `json:"task_id,omitempty"`
	TaskType     string          `json:"task_type,omitempty"`
	ConsumerID   *uuid.UUID      `json:"consumer_id,omitempty"`
	DataSeriesID *uuid.UUID      `json:"data_series_id,omitempty"`
	Since        *time.Time      `json:"since,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// HealthReport is the outcome of a health check.
type HealthReport struct {
	CheckedAt time.Time     `json:"checked_at"`
	Healthy   bool          `json:"healthy"`
	Issues    []HealthIssue `json:"issues"`
}

// HealthService reports conditions of the metamodel that need an operator.
type HealthService interface {
	Check(ctx context.Context) (*HealthReport, error)
	// RunScheduler logs every issue found on the given interval until ctx is cancelled.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type healthService struct {
	db           *database.DB
	taskRepo     repositories.TaskRepository
	consumerRepo repositories.ConsumerRepository
	staleAfter   time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewHealthService creates a HealthService. Tasks pending longer than staleAfter are reported.
func NewHealthService(
	db *database.DB,
	taskRepo repositories.TaskRepository,
	consumerRepo repositories.ConsumerRepository,
	staleAfter time.Duration,
	logger *zap.Logger,
) HealthService {
	return &healthService{
		db:           db,
		taskRepo:     taskRepo,
		consumerRepo: consumerRepo,
		staleAfter:   staleAfter,
		now:          time.Now,
		logger:       logger.Named("health-service"),
	}
}

var _ HealthService = (*healthService)(nil)

func (s *healthService) Check(ctx context.Context) (*HealthReport, error) {
	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer scope.Close()

	return s.collect(database.SetTenantScope(ctx, scope))
}

// collect runs the checks with the scope already in ctx.
func (s *healthService) collect(ctx context.Context) (*HealthReport, error) {
	now := s.now()
	report := &HealthReport{CheckedAt: now, Issues: []HealthIssue{}}

	unknown, err := s.taskRepo.ListByErrorKind(ctx, workqueue.ErrorKindUnknownTaskType)
	if err != nil {
		return nil, err
	}
	flagged := make(map[uuid.UUID]bool, len(unknown))
	for _, task := range unknown {
		flagged[task.ID] = true
		report.Issues = append(report.Issues, HealthIssue{
			Kind:         IssueUnknownTaskType,
			TenantID:     task.TenantID,
			TaskID:       uuidPtr(task.ID),
			TaskType:     task.Task,
			DataSeriesID: task.DataSeriesID,
			Since:        timePtr(task.PointInTime),
			Detail:       "no handler is registered for this task type",
		})
	}

	stale, err := s.taskRepo.ListOlderThan(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return nil, err
	}
	for _, task := range stale {
		if flagged[task.ID] {
			continue
		}
		detail := fmt.Sprintf("pending for %s after %d attempts", now.Sub(task.PointInTime).Round(time.Second), task.Attempts)
		if msg, ok := task.LastError["message"].(string); ok && msg != "" {
			detail += ": " + msg
		}
		report.Issues = append(report.Issues, HealthIssue{
			Kind:         IssueStaleTask,
			TenantID:     task.TenantID,
			TaskID:       uuidPtr(task.ID),
			TaskType:     task.Task,
			DataSeriesID: task.DataSeriesID,
			Since:        timePtr(task.PointInTime),
			Detail:       detail,
		})
	}

	consumers, err := s.consumerRepo.ListUnhealthy(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range consumers {
		report.Issues = append(report.Issues, HealthIssue{
			Kind:         IssueUnhealthyConsumer,
			TenantID:     c.TenantID,
			ConsumerID:   uuidPtr(c.ID),
			DataSeriesID: uuidPtr(c.DataSeriesID),
			Detail:       c.Name,
		})
	}

	report.Healthy = len(report.Issues) == 0
	return report, nil
}

func (s *healthService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Health scheduler started",
			zap.Duration("interval", interval),
			zap.Duration("stale_after", s.staleAfter))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s.logReport(ctx)

			select {
			case <-ctx.Done():
				s.logger.Info("Health scheduler stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *healthService) logReport(ctx context.Context) {
	report, err := s.Check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Health check failed", zap.Error(err))
		}
		return
	}
	for _, issue := range report.Issues {
		fields := []zap.Field{
			zap.String("kind", string(issue.Kind)),
			zap.String("tenant_id", issue.TenantID.String()),
			zap.String("detail", issue.Detail),
		}
		if issue.TaskID != nil {
			fields = append(fields, zap.String("task_id", issue.TaskID.String()), zap.String("task", issue.TaskType))
		}
		if issue.ConsumerID != nil {
			fields = append(fields, zap.String("consumer_id", issue.ConsumerID.String()))
		}
		s.logger.Warn("Metamodel health issue", fields...)
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func timePtr(t time.Time) *time.Time { return &t }
