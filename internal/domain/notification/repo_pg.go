package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/notify/internal/platform/db"
)

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewNotificationRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepoPG{pool: pool}
}

const notificationCols = `id, user_id, notification_type, title, body, priority, reminder_id, payload,
	status, scheduled_at, sent_at, delivered_at, read_at, dismissed_at, failed_at,
	error_message, retry_count, dedupe_key, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var payload []byte
	err := row.Scan(&n.ID, &n.UserID, &n.Category, &n.Title, &n.Body, &n.Priority, &n.ReminderID, &payload,
		&n.Status, &n.ScheduledAt, &n.SentAt, &n.DeliveredAt, &n.ReadAt, &n.DismissedAt, &n.FailedAt,
		&n.ErrorMessage, &n.RetryCount, &n.DedupeKey, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Payload = payload
	return &n, nil
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	payload := []byte(n.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	q := db.Conn(ctx, r.pool)
	err := q.QueryRow(ctx, `
		INSERT INTO notification (id, user_id, notification_type, title, body, priority,
			reminder_id, payload, status, scheduled_at, dedupe_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING created_at`,
		n.ID, n.UserID, n.Category, n.Title, n.Body, n.Priority,
		n.ReminderID, payload, n.Status, n.ScheduledAt, n.DedupeKey,
	).Scan(&n.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || n.DedupeKey == nil {
		return false, err
	}

	existing, err := scanNotification(q.QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE dedupe_key = $1`, *n.DedupeKey))
	if err != nil {
		return false, fmt.Errorf("load deduplicated notification: %w", err)
	}
	*n = *existing
	return false, nil
}

func (r *notificationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return scanNotification(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
}

const unreadStatuses = `('pending', 'sent', 'delivered')`

func (r *notificationRepoPG) ListByUser(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*Notification, int, error) {
	where := `WHERE user_id = $1 AND ($2 = '' OR notification_type = $2)`
	if f.UnreadOnly {
		where += ` AND status IN ` + unreadStatuses
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM notification `+where, userID, string(f.Category)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+notificationCols+` FROM notification `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, userID, string(f.Category), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification WHERE user_id = $1 AND status IN `+unreadStatuses, userID,
	).Scan(&count)
	return count, err
}

func (r *notificationRepoPG) AdvanceStatus(ctx context.Context, id uuid.UUID, to Status, at time.Time, errMsg string) (bool, error) {
	from := AllowedFrom(to)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: %s", ErrInvalidTransition, to)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification SET
			status = $2::varchar,
			sent_at = CASE WHEN $2::varchar IN ('sent', 'delivered') THEN COALESCE(sent_at, $3) ELSE sent_at END,
			delivered_at = CASE WHEN $2::varchar = 'delivered' THEN $3 ELSE delivered_at END,
			read_at = CASE WHEN $2::varchar = 'read' THEN $3 ELSE read_at END,
			dismissed_at = CASE WHEN $2::varchar = 'dismissed' THEN $3 ELSE dismissed_at END,
			failed_at = CASE WHEN $2::varchar = 'failed' THEN $3 ELSE failed_at END,
			error_message = CASE WHEN $2::varchar = 'failed' AND $4::text <> '' THEN $4::text ELSE error_message END
		WHERE id = $1 AND status = ANY($5)`,
		id, string(to), at, errMsg, allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *notificationRepoPG) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE notification SET retry_count = retry_count + 1 WHERE id = $1`, id)
	return err
}

func (r *notificationRepoPG) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM notification
		WHERE status IN ('read', 'dismissed')
		  AND COALESCE(read_at, dismissed_at, created_at) < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- Preferences --

type preferenceRepoPG struct{ pool *pgxpool.Pool }

func NewPreferenceRepoPG(pool *pgxpool.Pool) PreferenceRepository {
	return &preferenceRepoPG{pool: pool}
}

func (r *preferenceRepoPG) Get(ctx context.Context, userID uuid.UUID) (*ChannelPreference, error) {
	q := db.Conn(ctx, r.pool)

	var (
		profileEmail, prefUser        *string
		socket, email, sms, push      *bool
		emailAddr, phone              *string
		categories                    []byte
		quietStart, quietEnd, quietTZ *string
	)
	err := q.QueryRow(ctx, `
		SELECT p.email, np.user_id::text, np.socket_enabled, np.email_enabled, np.sms_enabled, np.push_enabled,
			np.email_address, np.phone_number, np.categories, np.quiet_start, np.quiet_end, np.quiet_timezone
		FROM user_profile p
		LEFT JOIN notification_preference np ON np.user_id = p.id
		WHERE p.id = $1`, userID,
	).Scan(&profileEmail, &prefUser, &socket, &email, &sms, &push,
		&emailAddr, &phone, &categories, &quietStart, &quietEnd, &quietTZ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	if prefUser == nil {
		return DefaultPreference(userID, deref(profileEmail)), nil
	}

	pref := &ChannelPreference{
		UserID:        userID,
		SocketEnabled: socket != nil && *socket,
		EmailEnabled:  email != nil && *email,
		SMSEnabled:    sms != nil && *sms,
		PushEnabled:   push != nil && *push,
		EmailAddress:  deref(emailAddr),
		PhoneNumber:   deref(phone),
	}
	if pref.EmailAddress == "" {
		pref.EmailAddress = deref(profileEmail)
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &pref.Categories); err != nil {
			return nil, fmt.Errorf("decode category channels: %w", err)
		}
	}
	if quietStart != nil && quietEnd != nil {
		pref.QuietHours = &QuietHours{Start: *quietStart, End: *quietEnd, Timezone: deref(quietTZ)}
	}

	sub, err := scanPushSubscription(q.QueryRow(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, active FROM push_subscription
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC LIMIT 1`, userID))
	switch {
	case err == nil:
		pref.Push = sub
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("load push subscription: %w", err)
	}
	return pref, nil
}

func scanPushSubscription(row pgx.Row) (*PushSubscription, error) {
	var s PushSubscription
	err := row.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *preferenceRepoPG) PushSubscription(ctx context.Context, endpoint string) (*PushSubscription, error) {
	return scanPushSubscription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, user_id, endpoint, p256dh, auth, active FROM push_subscription WHERE endpoint = $1`, endpoint))
}

func (r *preferenceRepoPG) DeactivateTarget(ctx context.Context, userID uuid.UUID, ch Channel, target string) error {
	var query string
	switch ch {
	case ChannelPush:
		query = `UPDATE push_subscription SET active = FALSE WHERE user_id = $1 AND endpoint = $2`
	case ChannelEmail:
		query = `UPDATE notification_preference SET email_enabled = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND (email_address = $2 OR email_address IS NULL)`
	case ChannelSMS:
		query = `UPDATE notification_preference SET sms_enabled = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND phone_number = $2`
	default:
		return nil
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, query, userID, target)
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
