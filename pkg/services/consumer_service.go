package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/logging"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/repositories"
)

// TaskTrySendEvents delivers the pending events of one consumer.
const TaskTrySendEvents = "consumer.try_send_events"

const (
	// ProxiedHostHeader and ProxiedURLHeader tell the egress proxy where to forward.
	ProxiedHostHeader = "X-Dataseries-Proxied-Host"
	ProxiedURLHeader  = "X-Dataseries-Proxied-Url"

	consumerIDKey = "consumer_id"
	// maxResponseBytes is read from a webhook response at most.
	maxResponseBytes = 64 * 1024
)

// responseHeaderAllowList is what is kept of an untrusted target's response headers.
var responseHeaderAllowList = map[string]bool{
	"Content-Disposition": true,
	"Content-Encoding":    true,
	"Content-Language":    true,
	"Content-Length":      true,
	"Content-Location":    true,
	"Content-Range":       true,
	"Content-Type":        true,
}

// trustedTargets are hosts whose responses are stored unabridged.
var trustedTargets = []*regexp.Regexp{
	regexp.MustCompile(`^.*\.local:[0-9]+$`),
}

// ConsumerService delivers data point events to webhook consumers in order.
type ConsumerService interface {
	// TrySendEvents delivers pending events of the consumer in order until one fails, one
	// is not due yet, or the per-run cap is hit. It reports how many were delivered and
	// whether events are left over because of the cap.
	TrySendEvents(ctx context.Context, tenantID, consumerID uuid.UUID) (int, bool, error)
	// HandleTask is the task handler of TaskTrySendEvents.
	HandleTask(ctx context.Context, task *models.MetaModelTaskData) error
	// DispatchPending queues a delivery task for every consumer with due events that has
	// none queued yet. Returns the number of tasks spawned.
	DispatchPending(ctx context.Context) (int, error)
	// RunScheduler dispatches on the given interval until ctx is cancelled.
	RunScheduler(ctx context.Context, interval time.Duration)
}

// ConsumerServiceConfig tunes delivery.
type ConsumerServiceConfig struct {
	// MaxEventsPerRun caps the events one task delivers before it hands over to a fresh
	// task. 0 means no cap.
	MaxEventsPerRun int
	// ProxyURL routes every delivery through an egress proxy when set.
	ProxyURL string
}

type consumerService struct {
	db           *database.DB
	tenantCtx    TenantContextFunc
	tenantRepo   repositories.TenantRepository
	consumerRepo repositories.ConsumerRepository
	eventRepo    repositories.ConsumerEventRepository
	taskRepo     repositories.TaskRepository
	spawner      TaskSpawner
	client       *http.Client
	cfg          ConsumerServiceConfig
	now          func() time.Time
	logger       *zap.Logger
}

// NewConsumerService creates a ConsumerService.
func NewConsumerService(
	db *database.DB,
	tenantCtx TenantContextFunc,
	tenantRepo repositories.TenantRepository,
	consumerRepo repositories.ConsumerRepository,
	eventRepo repositories.ConsumerEventRepository,
	taskRepo repositories.TaskRepository,
	spawner TaskSpawner,
	cfg ConsumerServiceConfig,
	logger *zap.Logger,
) ConsumerService {
	return &consumerService{
		db:           db,
		tenantCtx:    tenantCtx,
		tenantRepo:   tenantRepo,
		consumerRepo: consumerRepo,
		eventRepo:    eventRepo,
		taskRepo:     taskRepo,
		spawner:      spawner,
		client:       newWebhookClient(),
		cfg:          cfg,
		now:          time.Now,
		logger:       logger.Named("consumer-service"),
	}
}

var _ ConsumerService = (*consumerService)(nil)

// newWebhookClient never follows redirects: a redirect is the target's answer.
func newWebhookClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *consumerService) HandleTask(ctx context.Context, task *models.MetaModelTaskData) error {
	raw, _ := task.Data[consumerIDKey].(string)
	consumerID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("delivery task %s has no valid consumer id: %w", task.ID, err)
	}

	_, more, err := s.TrySendEvents(ctx, task.TenantID, consumerID)
	if err != nil {
		return err
	}
	if more {
		// Hand over so other consumers get a turn; the new task is claimable right away.
		if _, err := s.spawner.Spawn(ctx, task.TenantID, TaskTrySendEvents, task.DataSeriesID,
			map[string]any{consumerIDKey: consumerID.String()}); err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}
	}
	return nil
}

func (s *consumerService) TrySendEvents(ctx context.Context, tenantID, consumerID uuid.UUID) (int, bool, error) {
	var delivered int
	var more bool
	err := withTenantTx(ctx, s.tenantCtx, tenantID, func(ctx context.Context) error {
		// The row lock on the consumer keeps concurrent runs from reordering deliveries.
		consumer, err := s.consumerRepo.GetForUpdate(ctx, tenantID, consumerID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		tenant, err := s.tenantRepo.GetByID(ctx, tenantID)
		if err != nil {
			return err
		}

		limit := 0
		if s.cfg.MaxEventsPerRun > 0 {
			limit = s.cfg.MaxEventsPerRun + 1
		}
		events, err := s.eventRepo.ListPendingForUpdate(ctx, tenantID, consumerID, limit)
		if err != nil {
			return err
		}

		delivered, more, err = s.sendEvents(ctx, consumer, tenant.Name, events)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return delivered, more, nil
}

// sendEvents walks events in delivery order and persists the outcome of every attempt.
func (s *consumerService) sendEvents(ctx context.Context, c *models.Consumer, tenantName string, events []*models.ConsumerEvent) (int, bool, error) {
	health := c.Health
	delivered, attempted := 0, 0
	more := false

	for _, event := range events {
		if s.cfg.MaxEventsPerRun > 0 && attempted >= s.cfg.MaxEventsPerRun {
			more = true
			break
		}
		attempted++

		now := s.now()
		if event.HandleAt != nil {
			if event.HandleAt.After(now) {
				break
			}
			if event.RetriesInCycle >= c.RetryBackoffEvery {
				event.BackoffCycles++
				event.RetriesInCycle = 0
			}
		}

		sendErr := s.send(ctx, c, tenantName, event)
		health = applyDeliveryOutcome(c, event, sendErr, now)
		if err := s.eventRepo.Update(ctx, event); err != nil {
			return delivered, false, err
		}
		if sendErr != nil {
			s.logger.Warn("Failed to deliver consumer event",
				zap.String("consumer_id", c.ID.String()),
				zap.Int64("event_id", event.ID),
				zap.String("state", string(event.State)),
				zap.Int("retries", event.Retries),
				zap.String("error", logging.SanitizeError(sendErr)))
			break
		}
		delivered++
	}

	if health != c.Health {
		if err := s.consumerRepo.UpdateHealth(ctx, c.TenantID, c.ID, health); err != nil {
			return delivered, false, err
		}
		c.Health = health
	}
	return delivered, more, nil
}

// applyDeliveryOutcome moves event to its next state and returns the consumer health the
// attempt implies.
func applyDeliveryOutcome(c *models.Consumer, event *models.ConsumerEvent, sendErr error, now time.Time) models.ConsumerHealth {
	if sendErr == nil {
		event.State = models.EventStateSuccess
		event.Exception = nil
		return models.ConsumerHealthHealthy
	}

	msg := logging.SanitizeError(sendErr)
	event.Exception = &msg
	event.Retries++
	event.RetriesInCycle++
	if event.RetriesInCycle >= c.RetryBackoffEvery {
		handleAt := now.Add(c.RetryBackoffDelay)
		event.HandleAt = &handleAt
	}
	if c.RetryMax > 0 && event.Retries > c.RetryMax {
		event.State = models.EventStateFailed
	} else {
		event.State = models.EventStateRetry
	}
	return models.ConsumerHealthUnhealthy
}

// webhookBody is what consumers receive.
type webhookBody struct {
	PointInTime string         `json:"point_in_time"`
	EventType   string         `json:"event_type"`
	Tenant      string         `json:"tenant"`
	Payload     map[string]any `json:"payload"`
	SubClock    *int64         `json:"sub_clock,omitempty"`
}

// send posts one event and records the response on it. Any status below 400 is a delivery.
func (s *consumerService) send(ctx context.Context, c *models.Consumer, tenantName string, event *models.ConsumerEvent) error {
	target, err := url.Parse(c.Target)
	if err != nil {
		return fmt.Errorf("invalid consumer target: %w", err)
	}

	body := webhookBody{
		PointInTime: event.PointInTime.Format(time.RFC3339Nano),
		EventType:   string(event.EventType),
		Tenant:      tenantName,
		Payload:     event.Payload,
	}
	if event.SubClock != nil && *event.SubClock != 0 {
		body.SubClock = event.SubClock
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	endpoint := c.Target
	if s.cfg.ProxyURL != "" {
		endpoint = s.cfg.ProxyURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", models.ConsumerUserAgentFallback)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.ProxyURL != "" {
		req.Header.Set(ProxiedHostHeader, target.Hostname())
		req.Header.Set(ProxiedURLHeader, c.Target)
	}

	event.StatusCode = nil
	event.Response = nil
	event.ResponseHeaders = nil

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	trusted := isTrustedTarget(target.Host)
	text := string(respBody)
	if !trusted {
		text = logging.SanitizeResponse(text)
	}
	status := resp.StatusCode
	event.StatusCode = &status
	event.Response = &text
	event.ResponseHeaders = responseHeaders(resp.Header, trusted)

	if status >= http.StatusBadRequest {
		return fmt.Errorf("consumer answered %d", status)
	}
	return nil
}

func isTrustedTarget(host string) bool {
	for _, pattern := range trustedTargets {
		if pattern.MatchString(host) {
			return true
		}
	}
	return false
}

func responseHeaders(h http.Header, trusted bool) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if trusted || responseHeaderAllowList[k] {
			out[k] = h.Get(k)
		}
	}
	return out
}

func (s *consumerService) DispatchPending(ctx context.Context) (int, error) {
	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer scope.Close()
	ctx = database.SetTenantScope(ctx, scope)

	refs, err := s.consumerRepo.ListWithPendingEvents(ctx, s.now())
	if err != nil {
		return 0, err
	}

	spawned := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return spawned, ctx.Err()
		}
		err := database.InTx(ctx, func(ctx context.Context) error {
			queued, err := s.taskRepo.HasPending(ctx, TaskTrySendEvents, consumerIDKey, ref.ConsumerID.String())
			if err != nil || queued {
				return err
			}
			dataSeriesID := ref.DataSeriesID
			if _, err := s.spawner.Spawn(ctx, ref.TenantID, TaskTrySendEvents, &dataSeriesID,
				map[string]any{consumerIDKey: ref.ConsumerID.String()}); err != nil {
				return err
			}
			spawned++
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to dispatch consumer delivery",
				zap.String("tenant_id", ref.TenantID.String()),
				zap.String("consumer_id", ref.ConsumerID.String()),
				zap.Error(err))
		}
	}
	return spawned, nil
}

func (s *consumerService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Consumer dispatcher started", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if n, err := s.DispatchPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Consumer dispatch failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("Dispatched consumer deliveries", zap.Int("tasks", n))
			}

			select {
			case <-ctx.Done():
				s.logger.Info("Consumer dispatcher stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}
