package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/platform/db"
)

type attemptRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &attemptRepoPG{pool: pool}
}

const attemptCols = `notification_id, channel, status, target_address, attempt_number, max_attempts,
	provider_message_id, error_code, error_message, queued_at, sent_at, delivered_at, failed_at,
	next_attempt_at`

const auditCols = `id, notification_id, channel, attempt_number, from_status, to_status,
	error_code, error_message, provider_message_id, recorded_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	err := row.Scan(&a.NotificationID, &a.Channel, &a.Status, &a.TargetAddress, &a.AttemptNumber,
		&a.MaxAttempts, &a.ProviderMessageID, &a.ErrorCode, &a.ErrorMessage, &a.QueuedAt,
		&a.SentAt, &a.DeliveredAt, &a.FailedAt, &a.NextAttemptAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (p *attemptRepoPG) listAttempts(ctx context.Context, query string, args ...interface{}) ([]*Attempt, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (p *attemptRepoPG) Create(ctx context.Context, a *Attempt) (bool, error) {
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO delivery_attempt (notification_id, channel, status, target_address,
			attempt_number, max_attempts, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (notification_id, channel) DO NOTHING
		RETURNING queued_at`,
		a.NotificationID, a.Channel, a.Status, a.TargetAddress, a.AttemptNumber, a.MaxAttempts, a.QueuedAt,
	).Scan(&a.QueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *attemptRepoPG) Get(ctx context.Context, notificationID uuid.UUID, ch notification.Channel) (*Attempt, error) {
	return scanAttempt(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+attemptCols+` FROM delivery_attempt WHERE notification_id = $1 AND channel = $2`,
		notificationID, ch))
}

func (p *attemptRepoPG) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*Attempt, error) {
	return p.listAttempts(ctx,
		`SELECT `+attemptCols+` FROM delivery_attempt WHERE notification_id = $1 ORDER BY channel`,
		notificationID)
}

func (p *attemptRepoPG) Apply(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, fn MutateFunc) (*Attempt, error) {
	var out *Attempt
	err := db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, p.pool)
		a, err := scanAttempt(q.QueryRow(ctx,
			`SELECT `+attemptCols+` FROM delivery_attempt
			WHERE notification_id = $1 AND channel = $2 FOR UPDATE`,
			notificationID, ch))
		if err != nil {
			return err
		}

		entries, err := fn(a)
		if err != nil {
			return err
		}

		_, err = q.Exec(ctx, `
			UPDATE delivery_attempt SET status = $3, attempt_number = $4, provider_message_id = $5,
				error_code = $6, error_message = $7, queued_at = $8, sent_at = $9,
				delivered_at = $10, failed_at = $11, next_attempt_at = $12
			WHERE notification_id = $1 AND channel = $2`,
			a.NotificationID, a.Channel, a.Status, a.AttemptNumber, a.ProviderMessageID,
			a.ErrorCode, a.ErrorMessage, a.QueuedAt, a.SentAt, a.DeliveredAt, a.FailedAt,
			a.NextAttemptAt)
		if err != nil {
			return fmt.Errorf("update delivery attempt: %w", err)
		}

		for i := range entries {
			e := &entries[i]
			err := q.QueryRow(ctx, `
				INSERT INTO delivery_audit (notification_id, channel, attempt_number, from_status,
					to_status, error_code, error_message, provider_message_id, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id`,
				e.NotificationID, e.Channel, e.AttemptNumber, e.FromStatus, e.ToStatus,
				e.ErrorCode, e.ErrorMessage, e.ProviderMessageID, e.RecordedAt,
			).Scan(&e.ID)
			if err != nil {
				return fmt.Errorf("insert delivery audit: %w", err)
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *attemptRepoPG) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Attempt, error) {
	return p.listAttempts(ctx, `
		SELECT `+attemptCols+` FROM delivery_attempt
		WHERE status = 'queued' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
}

func (p *attemptRepoPG) ClaimRetry(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, `
		UPDATE delivery_attempt SET next_attempt_at = NULL, queued_at = $4
		WHERE notification_id = $1 AND channel = $2 AND attempt_number = $3
			AND status = 'queued' AND next_attempt_at IS NOT NULL`,
		notificationID, ch, attemptNumber, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *attemptRepoPG) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*Attempt, error) {
	return p.listAttempts(ctx, `
		SELECT `+attemptCols+` FROM delivery_attempt
		WHERE status = 'queued' AND next_attempt_at IS NULL AND channel <> 'socket' AND queued_at < $1
		ORDER BY queued_at
		LIMIT $2`, before, limit)
}

func (p *attemptRepoPG) ClaimStale(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, before, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, `
		UPDATE delivery_attempt SET queued_at = $5
		WHERE notification_id = $1 AND channel = $2 AND attempt_number = $3
			AND status = 'queued' AND next_attempt_at IS NULL AND queued_at < $4`,
		notificationID, ch, attemptNumber, before, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *attemptRepoPG) ScheduleRetry(ctx context.Context, notificationID uuid.UUID, ch notification.Channel, attemptNumber int, at time.Time) error {
	_, err := db.Conn(ctx, p.pool).Exec(ctx, `
		UPDATE delivery_attempt SET next_attempt_at = $4
		WHERE notification_id = $1 AND channel = $2 AND attempt_number = $3 AND status = 'queued'`,
		notificationID, ch, attemptNumber, at)
	return err
}

func (p *attemptRepoPG) ListAudit(ctx context.Context, notificationID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx,
		`SELECT `+auditCols+` FROM delivery_audit WHERE notification_id = $1 ORDER BY recorded_at, id`,
		notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Channel, &e.AttemptNumber, &e.FromStatus,
			&e.ToStatus, &e.ErrorCode, &e.ErrorMessage, &e.ProviderMessageID, &e.RecordedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
