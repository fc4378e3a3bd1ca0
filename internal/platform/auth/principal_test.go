package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type mockProfiles struct {
	profiles map[uuid.UUID]*Profile
	err      error
}

func (m *mockProfiles) LoadProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p, nil
}

func newTestResolver(profiles ProfileLoader) *Resolver {
	return NewResolver(NewVerifier(JWTConfig{SigningKey: testSigningKey}), profiles, zerolog.Nop())
}

func TestResolver_Authenticated(t *testing.T) {
	id := uuid.New()
	profiles := &mockProfiles{profiles: map[uuid.UUID]*Profile{
		id: {ID: id, Email: "a@example.com", Timezone: "Europe/Paris", Active: true},
	}}
	token := createTestToken(t, validClaims(id.String()), testSigningKey)

	p, err := newTestResolver(profiles).Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, ok := p.(AuthenticatedUser)
	if !ok {
		t.Fatalf("expected AuthenticatedUser, got %T", p)
	}
	if user.Timezone != "Europe/Paris" || user.Email != "a@example.com" {
		t.Errorf("unexpected profile fields: %+v", user)
	}
	if p.Subject() != id {
		t.Errorf("expected subject %s, got %s", id, p.Subject())
	}
}

func TestResolver_StoreFailureDegrades(t *testing.T) {
	id := uuid.New()
	cause := errors.New("connection refused")
	token := createTestToken(t, validClaims(id.String()), testSigningKey)

	p, err := newTestResolver(&mockProfiles{err: cause}).Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	degraded, ok := p.(DegradedUser)
	if !ok {
		t.Fatalf("expected DegradedUser, got %T", p)
	}
	if degraded.ID != id || !errors.Is(degraded.Cause, cause) {
		t.Errorf("unexpected degraded principal: %+v", degraded)
	}
}

func TestResolver_Rejections(t *testing.T) {
	known := uuid.New()
	inactive := uuid.New()
	profiles := &mockProfiles{profiles: map[uuid.UUID]*Profile{
		known:    {ID: known, Active: true},
		inactive: {ID: inactive, Active: false},
	}}
	r := newTestResolver(profiles)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage token", "not-a-jwt", ErrInvalidToken},
		{"subject not a uuid", createTestToken(t, validClaims("user-123"), testSigningKey), ErrInvalidToken},
		{"unknown user", createTestToken(t, validClaims(uuid.NewString()), testSigningKey), ErrProfileNotFound},
		{"inactive user", createTestToken(t, validClaims(inactive.String()), testSigningKey), ErrInactiveUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
