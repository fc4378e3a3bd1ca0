package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrProfileNotFound = errors.New("user profile not found")
	ErrInactiveUser    = errors.New("user is inactive")
)

// Principal is the identity attached to a live connection. It is either an
// AuthenticatedUser or a DegradedUser.
type Principal interface {
	Subject() uuid.UUID
	principal()
}

// AuthenticatedUser carries the full profile loaded after verification.
type AuthenticatedUser struct {
	ID       uuid.UUID
	Email    string
	Timezone string
	Roles    []string
}

func (u AuthenticatedUser) Subject() uuid.UUID { return u.ID }
func (AuthenticatedUser) principal()           {}

// DegradedUser is admitted when the token verified but the profile store
// failed. Only the token's user id is known.
type DegradedUser struct {
	ID    uuid.UUID
	Roles []string
	Cause error
}

func (u DegradedUser) Subject() uuid.UUID { return u.ID }
func (DegradedUser) principal()           {}

type Profile struct {
	ID       uuid.UUID
	Email    string
	Phone    string
	Timezone string
	Active   bool
}

// ProfileLoader returns ErrProfileNotFound for unknown users.
type ProfileLoader interface {
	LoadProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
}

// Resolver authenticates socket handshakes.
type Resolver struct {
	tokens   TokenVerifier
	profiles ProfileLoader
	logger   zerolog.Logger
}

func NewResolver(tokens TokenVerifier, profiles ProfileLoader, logger zerolog.Logger) *Resolver {
	return &Resolver{tokens: tokens, profiles: profiles, logger: logger}
}

// Authenticate verifies token and loads the caller's profile. A storage
// failure degrades the principal instead of rejecting it. Unknown or inactive
// users are rejected.
func (r *Resolver) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := r.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	profile, err := r.profiles.LoadProfile(ctx, userID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return nil, err
	case err != nil:
		r.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("profile lookup failed, admitting degraded principal")
		return DegradedUser{ID: userID, Roles: claims.Roles, Cause: err}, nil
	case !profile.Active:
		return nil, ErrInactiveUser
	}

	email := profile.Email
	if email == "" {
		email = claims.Email
	}
	return AuthenticatedUser{
		ID:       userID,
		Email:    email,
		Timezone: profile.Timezone,
		Roles:    claims.Roles,
	}, nil
}
