package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/notify/internal/platform/db"
)

// ProfileStorePG reads user_profile rows. It backs both handshake
// authentication and the reminder scheduler's timezone lookups.
type ProfileStorePG struct {
	pool *pgxpool.Pool
}

func NewProfileStorePG(pool *pgxpool.Pool) *ProfileStorePG {
	return &ProfileStorePG{pool: pool}
}

func (s *ProfileStorePG) LoadProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	var p Profile
	var email, phone, tz *string
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT id, email, phone, timezone, active FROM user_profile WHERE id = $1`, userID,
	).Scan(&p.ID, &email, &phone, &tz, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if email != nil {
		p.Email = *email
	}
	if phone != nil {
		p.Phone = *phone
	}
	if tz != nil {
		p.Timezone = *tz
	}
	return &p, nil
}

// Timezone returns the user's IANA zone name, or "" when none is stored.
func (s *ProfileStorePG) Timezone(ctx context.Context, userID uuid.UUID) (string, error) {
	p, err := s.LoadProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Timezone, nil
}
