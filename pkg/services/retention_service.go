package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
)

// DefaultEventRetentionDays is how long delivered and failed consumer events are kept.
const DefaultEventRetentionDays = 30

// RetentionService removes consumer events whose delivery finished long ago.
type RetentionService interface {
	// Prune deletes terminal events of every tenant last touched before the retention
	// period. Returns the number of events deleted.
	Prune(ctx context.Context) (int64, error)

	// RunScheduler starts a background goroutine that prunes on the given interval.
	// It runs immediately on startup, then repeats every interval.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retentionService struct {
	db            *database.DB
	eventRepo     repositories.ConsumerEventRepository
	retentionDays int
	now           func() time.Time
	logger        *zap.Logger
}

// NewRetentionService creates a RetentionService. retentionDays <= 0 selects the default.
func NewRetentionService(
	db *database.DB,
	eventRepo repositories.ConsumerEventRepository,
	retentionDays int,
	logger *zap.Logger,
) RetentionService {
	if retentionDays <= 0 {
		retentionDays = DefaultEventRetentionDays
	}
	return &retentionService{
		db:            db,
		eventRepo:     eventRepo,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.Named("retention-service"),
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) cutoff() time.Time {
	return s.now().AddDate(0, 0, -s.retentionDays)
}

func (s *retentionService) Prune(ctx context.Context) (int64, error) {
	// Events of all tenants are pruned in one statement, so no tenant scope is set.
	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer scope.Close()

	cutoff := s.cutoff()
	deleted, err := s.eventRepo.DeleteTerminalBefore(database.SetTenantScope(ctx, scope), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune consumer events: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Retention cleanup completed",
			zap.Int("retention_days", s.retentionDays),
			zap.Time("cutoff", cutoff),
			zap.Int64("events_deleted", deleted))
	}
	return deleted, nil
}

// RunScheduler starts a background loop that prunes old consumer events.
func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Retention scheduler started",
			zap.Duration("interval", interval),
			zap.Int("retention_days", s.retentionDays))

		// Run immediately on startup, then at each interval
		s.prune(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention scheduler stopped")
				return
			case <-ticker.C:
				s.prune(ctx)
			}
		}
	}()
}

func (s *retentionService) prune(ctx context.Context) {
	if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Retention scheduler: failed to prune", zap.Error(err))
	}
}
