package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// ConsumerRef identifies a consumer across tenants.
type ConsumerRef struct {
	TenantID     uuid.UUID
	ConsumerID   uuid.UUID
	DataSeriesID uuid.UUID
}

// ConsumerRepository provides data access for webhook consumers.
type ConsumerRepository interface {
	Create(ctx context.Context, c *models.Consumer) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Consumer, error)
	// GetForUpdate locks the live consumer row. Holding it serializes delivery to one
	// consumer, which is what keeps delivery in order.
	GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.Consumer, error)
	ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Consumer, error)
	UpdateHealth(ctx context.Context, tenantID, id uuid.UUID, health models.ConsumerHealth) error
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error

	// ListWithPendingEvents returns every live consumer of any tenant with a deliverable event.
	ListWithPendingEvents(ctx context.Context, now time.Time) ([]ConsumerRef, error)
	// ListUnhealthy returns every live consumer of any tenant whose last delivery failed.
	ListUnhealthy(ctx context.Context) ([]*models.Consumer, error)
}

type consumerRepository struct{}

// NewConsumerRepository creates a new ConsumerRepository.
func NewConsumerRepository() ConsumerRepository {
	return &consumerRepository{}
}

var _ ConsumerRepository = (*consumerRepository)(nil)

const consumerColumns = `id, tenant_id, data_series_id, external_id, name, target, mode, headers,
	timeout_ms, health, retry_backoff_every, retry_backoff_delay_ms, retry_max, created_at, deleted_at`

func (r *consumerRepository) Create(ctx context.Context, c *models.Consumer) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	headers, err := jsonbValue(c.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal consumer headers: %w", err)
	}
	if headers == nil {
		headers = []byte("{}")
	}

	err = q.QueryRow(ctx, `
		INSERT INTO engine_consumers (
			tenant_id, data_series_id, external_id, name, target, mode, headers,
			timeout_ms, health, retry_backoff_every, retry_backoff_delay_ms, retry_max
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		c.TenantID,
		c.DataSeriesID,
		c.ExternalID,
		c.Name,
		c.Target,
		c.Mode,
		headers,
		c.Timeout.Milliseconds(),
		c.Health,
		c.RetryBackoffEvery,
		c.RetryBackoffDelay.Milliseconds(),
		c.RetryMax,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return conflictOr(err, fmt.Sprintf("create consumer %q", c.ExternalID))
	}
	return nil
}

func (r *consumerRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Consumer, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+consumerColumns+` FROM engine_consumers WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	c, err := scanConsumer(row)
	if err != nil {
		return nil, notFoundOr(err, "get consumer")
	}
	return c, nil
}

func (r *consumerRepository) GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.Consumer, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+consumerColumns+`
		FROM engine_consumers
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
		FOR UPDATE`, tenantID, id)
	c, err := scanConsumer(row)
	if err != nil {
		return nil, notFoundOr(err, "lock consumer")
	}
	return c, nil
}

func (r *consumerRepository) ListByDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, includeDeleted bool) ([]*models.Consumer, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+consumerColumns+`
		FROM engine_consumers
		WHERE tenant_id = $1 AND data_series_id = $2`+deletedFilter(includeDeleted, "deleted_at")+`
		ORDER BY external_id, id`, tenantID, dataSeriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	return collectConsumers(rows)
}

func (r *consumerRepository) UpdateHealth(ctx context.Context, tenantID, id uuid.UUID, health models.ConsumerHealth) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `UPDATE engine_consumers SET health = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, health)
	if err != nil {
		return fmt.Errorf("failed to update consumer health: %w", err)
	}
	return nil
}

func (r *consumerRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_consumers SET deleted_at = now()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete consumer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "delete consumer")
	}
	return nil
}

func (r *consumerRepository) ListWithPendingEvents(ctx context.Context, now time.Time) ([]ConsumerRef, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT c.tenant_id, c.id, c.data_series_id
		FROM engine_consumers c
		WHERE c.deleted_at IS NULL
		  AND EXISTS (
			SELECT 1 FROM engine_consumer_events e
			WHERE e.consumer_id = c.id
			  AND e.state IN ('NEW', 'RETRY')
			  AND (e.handle_at IS NULL OR e.handle_at <= $1)
		  )
		ORDER BY c.tenant_id, c.id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers with pending events: %w", err)
	}
	defer rows.Close()

	var refs []ConsumerRef
	for rows.Next() {
		var ref ConsumerRef
		if err := rows.Scan(&ref.TenantID, &ref.ConsumerID, &ref.DataSeriesID); err != nil {
			return nil, fmt.Errorf("failed to scan consumer ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *consumerRepository) ListUnhealthy(ctx context.Context) ([]*models.Consumer, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+consumerColumns+`
		FROM engine_consumers
		WHERE deleted_at IS NULL AND health = $1
		ORDER BY tenant_id, id`, models.ConsumerHealthUnhealthy)
	if err != nil {
		return nil, fmt.Errorf("failed to list unhealthy consumers: %w", err)
	}
	return collectConsumers(rows)
}

func collectConsumers(rows pgx.Rows) ([]*models.Consumer, error) {
	defer rows.Close()

	var consumers []*models.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumer: %w", err)
		}
		consumers = append(consumers, c)
	}
	return consumers, rows.Err()
}

func scanConsumer(row pgx.Row) (*models.Consumer, error) {
	var c models.Consumer
	var headers []byte
	var timeoutMs, delayMs int64

	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.DataSeriesID,
		&c.ExternalID,
		&c.Name,
		&c.Target,
		&c.Mode,
		&headers,
		&timeoutMs,
		&c.Health,
		&c.RetryBackoffEvery,
		&delayMs,
		&c.RetryMax,
		&c.CreatedAt,
		&c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	c.RetryBackoffDelay = time.Duration(delayMs) * time.Millisecond
	c.Headers = map[string]string{}
	if err := jsonUnmarshal(headers, &c.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumer headers: %w", err)
	}
	return &c, nil
}
