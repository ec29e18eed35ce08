package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pollsync/internal/kvstore"
)

func TestResolver_Current(t *testing.T) {
	ctx := context.Background()

	t.Run("guest when nothing established", func(t *testing.T) {
		r := NewResolver(kvstore.NewMemory(), "xpoll")
		assert.Empty(t, r.Current(ctx))
	})

	t.Run("returns established identity", func(t *testing.T) {
		r := NewResolver(kvstore.NewMemory(), "xpoll")
		require.NoError(t, r.Establish(ctx, " a@x.com "))
		assert.Equal(t, "a@x.com", r.Current(ctx))
	})

	t.Run("empty establish clears identity", func(t *testing.T) {
		r := NewResolver(kvstore.NewMemory(), "xpoll")
		require.NoError(t, r.Establish(ctx, "a@x.com"))
		require.NoError(t, r.Establish(ctx, ""))
		assert.Empty(t, r.Current(ctx))
	})

	t.Run("never inherits from another tab", func(t *testing.T) {
		first := NewResolver(kvstore.NewMemory(), "xpoll")
		second := NewResolver(kvstore.NewMemory(), "xpoll")

		require.NoError(t, first.Establish(ctx, "a@x.com"))
		assert.Empty(t, second.Current(ctx))
	})
}

func TestResolver_IDs(t *testing.T) {
	ctx := context.Background()

	t.Run("tab id is stable within a tab", func(t *testing.T) {
		r := NewResolver(kvstore.NewMemory(), "xpoll")

		first, err := r.TabID(ctx)
		require.NoError(t, err)
		second, err := r.TabID(ctx)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(first, "tab_"))
		assert.Equal(t, first, second)
	})

	t.Run("tabs get distinct ids", func(t *testing.T) {
		a, err := NewResolver(kvstore.NewMemory(), "xpoll").TabID(ctx)
		require.NoError(t, err)
		b, err := NewResolver(kvstore.NewMemory(), "xpoll").TabID(ctx)
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("creator id uses user prefix", func(t *testing.T) {
		id, err := NewResolver(kvstore.NewMemory(), "xpoll").CreatorID(ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "user_"))
	})
}

func TestEmailFromToken(t *testing.T) {
	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return token
	}

	t.Run("extracts email claim", func(t *testing.T) {
		email, err := EmailFromToken(sign(t, jwt.MapClaims{"sub": "42", "email": "a@x.com"}))
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", email)
	})

	t.Run("missing email claim", func(t *testing.T) {
		_, err := EmailFromToken(sign(t, jwt.MapClaims{"sub": "42"}))
		assert.ErrorIs(t, err, ErrNoEmailClaim)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := EmailFromToken("not-a-token")
		assert.Error(t, err)
	})
}

func TestResolver_AdoptCreatorID(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(kvstore.NewMemory(), "xpoll")

	require.NoError(t, r.AdoptCreatorID(ctx, "user_abc"))
	id, err := r.CreatorID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user_abc", id)

	assert.Error(t, r.AdoptCreatorID(ctx, "tab_abc"))
}
