package models

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/apperrors"
)

// ConsumerHealth is the last observed delivery outcome of a consumer.
type ConsumerHealth string

const (
	ConsumerHealthUnknown   ConsumerHealth = "UNKNOWN"
	ConsumerHealthUnhealthy ConsumerHealth = "UNHEALTHY"
	ConsumerHealthHealthy   ConsumerHealth = "HEALTHY"
)

// ConsumerMode controls delivery ordering. Only in-order delivery exists: a failing event
// blocks every later event of the same consumer.
type ConsumerMode string

const ConsumerModeInOrder ConsumerMode = "IN_ORDER"

const (
	MaxConsumerTargetLength   = 1024
	DefaultConsumerTimeout    = 60 * time.Second
	MinConsumerTimeout        = 100 * time.Millisecond
	DefaultRetryBackoffEvery  = 1
	DefaultRetryBackoffDelay  = 30 * time.Second
	DefaultConsumerRetryMax   = 0 // retry forever
	MaxConsumerNameLength     = 256
	ConsumerUserAgentFallback = "ekaya-dataseries-consumer"
)

// Consumer is a webhook receiving data point events of one data series.
type Consumer struct {
	ID                uuid.UUID         `json:"id"`
	TenantID          uuid.UUID         `json:"tenant_id"`
	DataSeriesID      uuid.UUID         `json:"data_series_id"`
	ExternalID        string            `json:"external_id"`
	Name              string            `json:"name"`
	Target            string            `json:"target"`
	Mode              ConsumerMode      `json:"mode"`
	Headers           map[string]string `json:"headers"`
	Timeout           time.Duration     `json:"timeout"`
	Health            ConsumerHealth    `json:"health"`
	RetryBackoffEvery int               `json:"retry_backoff_every"`
	RetryBackoffDelay time.Duration     `json:"retry_backoff_delay"`
	RetryMax          int               `json:"retry_max"`
	CreatedAt         time.Time         `json:"created_at"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
}

// ApplyDefaults fills unset settings with their defaults.
func (c *Consumer) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ConsumerModeInOrder
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultConsumerTimeout
	}
	if c.Health == "" {
		c.Health = ConsumerHealthUnknown
	}
	if c.RetryBackoffEvery == 0 {
		c.RetryBackoffEvery = DefaultRetryBackoffEvery
	}
	if c.RetryBackoffDelay == 0 {
		c.RetryBackoffDelay = DefaultRetryBackoffDelay
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
}

// Validate checks the consumer settings.
func (c *Consumer) Validate() error {
	if c.Name == "" || len(c.Name) > MaxConsumerNameLength {
		return fmt.Errorf("%w: consumer name must be 1-%d characters", apperrors.ErrInvalidValue, MaxConsumerNameLength)
	}
	if len(c.Target) > MaxConsumerTargetLength {
		return fmt.Errorf("%w: target exceeds %d characters", apperrors.ErrInvalidValue, MaxConsumerTargetLength)
	}
	u, err := url.Parse(c.Target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target must be an absolute http or https URL", apperrors.ErrInvalidValue)
	}
	if c.Mode != ConsumerModeInOrder {
		return fmt.Errorf("%w: unsupported consumer mode %q", apperrors.ErrInvalidValue, c.Mode)
	}
	if c.Timeout < MinConsumerTimeout {
		return fmt.Errorf("%w: timeout must be at least %s", apperrors.ErrInvalidValue, MinConsumerTimeout)
	}
	if c.RetryBackoffEvery < 1 {
		return fmt.Errorf("%w: retry_backoff_every must be at least 1", apperrors.ErrInvalidValue)
	}
	if c.RetryBackoffDelay < 0 {
		return fmt.Errorf("%w: retry_backoff_delay must not be negative", apperrors.ErrInvalidValue)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("%w: retry_max must not be negative", apperrors.ErrInvalidValue)
	}
	return nil
}

// ConsumerEventState is the delivery state of one event.
type ConsumerEventState string

const (
	EventStateNew     ConsumerEventState = "NEW"
	EventStateRetry   ConsumerEventState = "RETRY"
	EventStateFailed  ConsumerEventState = "FAILED"
	EventStateSuccess ConsumerEventState = "SUCCESS"
)

// IsTerminal reports whether delivery of the event is finished.
func (s ConsumerEventState) IsTerminal() bool {
	return s == EventStateFailed || s == EventStateSuccess
}

// ConsumerEventType names what happened to the data.
type ConsumerEventType string

const (
	EventDataPointChanged    ConsumerEventType = "DATA_POINT_CHANGED"
	EventDataPointDeleted    ConsumerEventType = "DATA_POINT_DELETED"
	EventDataSeriesTruncated ConsumerEventType = "DATA_SERIES_TRUNCATED"
)

// ConsumerEvent is one outbound delivery to a consumer.
type ConsumerEvent struct {
	ID              int64              `json:"id"`
	TenantID        uuid.UUID          `json:"tenant_id"`
	ConsumerID      uuid.UUID          `json:"consumer_id"`
	PointInTime     time.Time          `json:"point_in_time"`
	SubClock        *int64             `json:"sub_clock,omitempty"`
	State           ConsumerEventState `json:"state"`
	EventType       ConsumerEventType  `json:"event_type"`
	Payload         map[string]any     `json:"payload"`
	BackoffCycles   int                `json:"backoff_cycles"`
	RetriesInCycle  int                `json:"retries_in_cycle"`
	HandleAt        *time.Time         `json:"handle_at,omitempty"`
	Retries         int                `json:"retries"`
	StatusCode      *int               `json:"status_code,omitempty"`
	Response        *string            `json:"response,omitempty"`
	ResponseHeaders map[string]string  `json:"response_headers,omitempty"`
	Exception       *string            `json:"exception,omitempty"`
	LastUpdatedAt   time.Time          `json:"last_updated_at"`
}
