// Package identity resolves who the current client instance is acting as.
//
// The acting identity is read from the tab-scoped store only. A tab never
// inherits an identity another tab established in the shared profile, so the
// identity is exactly what this tab logged in with.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/kvstore"
)

var (
	// ErrNoEmailClaim is returned when a token carries no email claim.
	ErrNoEmailClaim = errors.New("token has no email claim")
)

// Resolver reads and writes the per-tab identity, tab id and creator id.
type Resolver struct {
	tab    kvstore.Store
	prefix string
}

// NewResolver creates a resolver over the tab-scoped store. prefix namespaces
// the keys, for example "xpoll".
func NewResolver(tab kvstore.Store, prefix string) *Resolver {
	return &Resolver{
		tab:    tab,
		prefix: prefix,
	}
}

// Current returns the acting identity, or "" for a guest. Storage errors
// resolve to guest.
func (r *Resolver) Current(ctx context.Context) string {
	email, err := r.tab.Get(ctx, r.key("my_email"))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Debug().Err(err).Msg("failed to read identity")
		}
		return ""
	}
	return email
}

// Establish records email as this tab's identity. An empty email clears it.
func (r *Resolver) Establish(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return r.Clear(ctx)
	}
	if err := r.tab.Set(ctx, r.key("my_email"), email); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

// Clear makes this tab a guest.
func (r *Resolver) Clear(ctx context.Context) error {
	if err := r.tab.Delete(ctx, r.key("my_email")); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

// TabID returns this tab's random instance id, creating it on first use.
func (r *Resolver) TabID(ctx context.Context) (string, error) {
	return r.getOrCreate(ctx, r.key("tab_id"), "tab_")
}

// CreatorID returns the id this tab uses when creating and administering
// sessions, creating it on first use.
func (r *Resolver) CreatorID(ctx context.Context) (string, error) {
	return r.getOrCreate(ctx, r.key("user_id"), "user_")
}

// AdoptCreatorID makes this tab act as the creator id of an earlier
// instance, so a session created there can be administered here.
func (r *Resolver) AdoptCreatorID(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, "user_") {
		return fmt.Errorf("invalid creator id %q", id)
	}
	if err := r.tab.Set(ctx, r.key("user_id"), id); err != nil {
		return fmt.Errorf("failed to store creator id: %w", err)
	}
	return nil
}

func (r *Resolver) getOrCreate(ctx context.Context, key, idPrefix string) (string, error) {
	id, err := r.tab.Get(ctx, key)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}

	id = NewID(idPrefix)
	if err := r.tab.Set(ctx, key, id); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", key, err)
	}
	return id, nil
}

func (r *Resolver) key(name string) string {
	return r.prefix + "_" + name
}

// NewID returns prefix followed by a Base58-encoded random UUID.
func NewID(prefix string) string {
	id := uuid.New()
	return prefix + base58.Encode(id[:])
}

// EmailFromToken extracts the email claim from a bearer token issued by the
// authentication provider. The signature is not verified here; the server
// validates tokens, the client only needs to know who it is acting as.
func EmailFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return "", ErrNoEmailClaim
	}
	return email, nil
}
