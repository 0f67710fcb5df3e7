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

// ConsumerEventRepository provides data access for outbound consumer events.
type ConsumerEventRepository interface {
	// CreateForDataSeries records one event for every live consumer of the data series and
	// returns the consumers that received one.
	CreateForDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, event *models.ConsumerEvent) ([]uuid.UUID, error)
	// ListPendingForUpdate locks and returns the consumer's undelivered events in delivery
	// order. limit <= 0 means no limit.
	ListPendingForUpdate(ctx context.Context, tenantID, consumerID uuid.UUID, limit int) ([]*models.ConsumerEvent, error)
	Update(ctx context.Context, event *models.ConsumerEvent) error
	// DeleteForDataSeries drops every event of the consumers of a data series. Truncating a
	// series makes its queued changes meaningless.
	DeleteForDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID) (int64, error)
	// DeleteTerminalBefore removes delivered and failed events last touched before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type consumerEventRepository struct{}

// NewConsumerEventRepository creates a new ConsumerEventRepository.
func NewConsumerEventRepository() ConsumerEventRepository {
	return &consumerEventRepository{}
}

var _ ConsumerEventRepository = (*consumerEventRepository)(nil)

func (r *consumerEventRepository) CreateForDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID, event *models.ConsumerEvent) ([]uuid.UUID, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := jsonbValue(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if payload == nil {
		payload = []byte("{}")
	}

	rows, err := q.Query(ctx, `
		INSERT INTO engine_consumer_events (tenant_id, consumer_id, point_in_time, sub_clock, state, event_type, payload)
		SELECT c.tenant_id, c.id, $3, $4, $5, $6, $7
		FROM engine_consumers c
		WHERE c.tenant_id = $1 AND c.data_series_id = $2 AND c.deleted_at IS NULL
		RETURNING consumer_id`,
		tenantID, dataSeriesID, event.PointInTime, event.SubClock, models.EventStateNew, event.EventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer events: %w", err)
	}
	defer rows.Close()

	var consumers []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan consumer id: %w", err)
		}
		consumers = append(consumers, id)
	}
	return consumers, rows.Err()
}

func (r *consumerEventRepository) ListPendingForUpdate(ctx context.Context, tenantID, consumerID uuid.UUID, limit int) ([]*models.ConsumerEvent, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, consumer_id, point_in_time, sub_clock, state, event_type, payload,
		       backoff_cycles, retries_in_cycle, handle_at, retries, status_code, response,
		       response_headers, exception, last_updated_at
		FROM engine_consumer_events
		WHERE tenant_id = $1 AND consumer_id = $2 AND state IN ('NEW', 'RETRY')
		ORDER BY point_in_time, id, sub_clock`
	args := []any{tenantID, consumerID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	query += ` FOR UPDATE`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []*models.ConsumerEvent
	for rows.Next() {
		e, err := scanConsumerEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumer event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *consumerEventRepository) Update(ctx context.Context, e *models.ConsumerEvent) error {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return err
	}

	headers, err := jsonbValue(e.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal response headers: %w", err)
	}

	err = q.QueryRow(ctx, `
		UPDATE engine_consumer_events
		SET state = $2, backoff_cycles = $3, retries_in_cycle = $4, handle_at = $5, retries = $6,
		    status_code = $7, response = $8, response_headers = $9, exception = $10,
		    last_updated_at = now()
		WHERE id = $1
		RETURNING last_updated_at`,
		e.ID,
		e.State,
		e.BackoffCycles,
		e.RetriesInCycle,
		e.HandleAt,
		e.Retries,
		e.StatusCode,
		e.Response,
		headers,
		e.Exception,
	).Scan(&e.LastUpdatedAt)
	if err != nil {
		return notFoundOr(err, "update consumer event")
	}
	return nil
}

func (r *consumerEventRepository) DeleteForDataSeries(ctx context.Context, tenantID, dataSeriesID uuid.UUID) (int64, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, `
		DELETE FROM engine_consumer_events e
		USING engine_consumers c
		WHERE e.consumer_id = c.id AND c.tenant_id = $1 AND c.data_series_id = $2`, tenantID, dataSeriesID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete consumer events of data series: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *consumerEventRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q, err := database.QuerierFromContext(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, `
		DELETE FROM engine_consumer_events
		WHERE state IN ('SUCCESS', 'FAILED') AND last_updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal consumer events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanConsumerEvent(row pgx.Row) (*models.ConsumerEvent, error) {
	var e models.ConsumerEvent
	var payload, headers []byte

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.ConsumerID,
		&e.PointInTime,
		&e.SubClock,
		&e.State,
		&e.EventType,
		&payload,
		&e.BackoffCycles,
		&e.RetriesInCycle,
		&e.HandleAt,
		&e.Retries,
		&e.StatusCode,
		&e.Response,
		&headers,
		&e.Exception,
		&e.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonUnmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	if err := jsonUnmarshal(headers, &e.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response headers: %w", err)
	}
	return &e, nil
}
