package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/notify/internal/platform/db"
)

type reminderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &reminderRepoPG{pool: pool}
}

const reminderCols = `id, user_id, medication_id, reminder_time, days_of_week, user_timezone,
	enabled, status, next_scheduled_at, last_sent_at, created_at, updated_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder
	err := row.Scan(&r.ID, &r.UserID, &r.MedicationID, &r.ReminderTime, &r.DaysOfWeek,
		&r.UserTimezone, &r.Enabled, &r.Status, &r.NextScheduledAt, &r.LastSentAt,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (p *reminderRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Reminder, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (p *reminderRepoPG) Create(ctx context.Context, r *Reminder) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO medication_reminder (id, user_id, medication_id, reminder_time, days_of_week,
			user_timezone, enabled, status, next_scheduled_at, last_sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		r.ID, r.UserID, r.MedicationID, r.ReminderTime, r.DaysOfWeek,
		r.UserTimezone, r.Enabled, r.Status, r.NextScheduledAt, r.LastSentAt,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (p *reminderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return scanReminder(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+reminderCols+` FROM medication_reminder WHERE id = $1`, id))
}

func (p *reminderRepoPG) Update(ctx context.Context, r *Reminder) error {
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, `
		UPDATE medication_reminder SET reminder_time=$2, days_of_week=$3, user_timezone=$4,
			enabled=$5, status=$6, next_scheduled_at=$7, last_sent_at=$8, updated_at=NOW()
		WHERE id = $1`,
		r.ID, r.ReminderTime, r.DaysOfWeek, r.UserTimezone, r.Enabled, r.Status,
		r.NextScheduledAt, r.LastSentAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *reminderRepoPG) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*Reminder, error) {
	return p.list(ctx, `SELECT `+reminderCols+` FROM medication_reminder
		WHERE enabled AND status = 'active'
		  AND next_scheduled_at >= $1 AND next_scheduled_at <= $2
		ORDER BY next_scheduled_at
		LIMIT $3`, from, to, limit)
}

func (p *reminderRepoPG) ListUnscheduled(ctx context.Context, limit int) ([]*Reminder, error) {
	return p.list(ctx, `SELECT `+reminderCols+` FROM medication_reminder
		WHERE enabled AND status = 'active' AND next_scheduled_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (p *reminderRepoPG) ListStale(ctx context.Context, before time.Time, limit int) ([]*Reminder, error) {
	return p.list(ctx, `SELECT `+reminderCols+` FROM medication_reminder
		WHERE enabled AND status = 'active' AND next_scheduled_at < $1
		ORDER BY next_scheduled_at
		LIMIT $2`, before, limit)
}

var errAlreadyFired = errors.New("occurrence already fired")

func (p *reminderRepoPG) RecordFiring(ctx context.Context, f Firing) (bool, error) {
	err := db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, p.pool)
		tag, err := q.Exec(ctx, `
			INSERT INTO reminder_fire_log (reminder_id, occurrence_at, fired_at, next_fire_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (reminder_id, occurrence_at) DO NOTHING`,
			f.ReminderID, f.Occurrence, f.FiredAt, f.Next)
		if err != nil {
			return fmt.Errorf("insert fire log: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errAlreadyFired
		}

		tag, err = q.Exec(ctx, `
			UPDATE medication_reminder
			SET last_sent_at = $2, next_scheduled_at = $3, updated_at = NOW()
			WHERE id = $1 AND (last_sent_at IS NULL OR last_sent_at < $4)`,
			f.ReminderID, f.FiredAt, f.Next, f.WindowStart)
		if err != nil {
			return fmt.Errorf("advance reminder: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errAlreadyFired
		}
		return nil
	})
	if errors.Is(err, errAlreadyFired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
