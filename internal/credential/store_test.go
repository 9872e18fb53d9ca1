package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/testutil"
)

func backends(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   NewGormStore(testutil.NewTestDB(t)),
		"redis":  NewRedisStore(client, 0),
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)

			cred := model.Credential{
				AccessToken:   "at-1",
				RefreshToken:  "rt-1",
				ExpiresAt:     expires,
				Scope:         "gmail.readonly",
				IdentityEmail: "agent@example.com",
			}
			require.NoError(t, store.Set(ctx, "s1", cred))

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "at-1", got.AccessToken)
			assert.Equal(t, "rt-1", got.RefreshToken)
			assert.True(t, expires.Equal(got.ExpiresAt))
			assert.Equal(t, "agent@example.com", got.IdentityEmail)

			cred.AccessToken = "at-2"
			cred.ExpiresAt = expires.Add(time.Hour)
			require.NoError(t, store.Set(ctx, "s1", cred))

			got, err = store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "at-2", got.AccessToken)
			assert.True(t, expires.Add(time.Hour).Equal(got.ExpiresAt))

			_, err = store.Get(ctx, "s2")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Clear(ctx, "s1"))
			require.NoError(t, store.Clear(ctx, "s1"))

			_, err = store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReplaceRequiresCurrentRefreshToken(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			renewed := model.Credential{AccessToken: "at-2", RefreshToken: "rt-2", IdentityEmail: "agent@example.com"}

			err := store.Replace(ctx, "s1", "rt-1", renewed)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "s1", model.Credential{AccessToken: "at-1", RefreshToken: "rt-1"}))
			require.NoError(t, store.Replace(ctx, "s1", "rt-1", renewed))

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "at-2", got.AccessToken)
			assert.Equal(t, "rt-2", got.RefreshToken)

			err = store.Replace(ctx, "s1", "rt-1", model.Credential{AccessToken: "at-stale", RefreshToken: "rt-1"})
			assert.ErrorIs(t, err, ErrNotFound)
			got, err = store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "at-2", got.AccessToken)

			require.NoError(t, store.Clear(ctx, "s1"))
			err = store.Replace(ctx, "s1", "rt-2", model.Credential{AccessToken: "at-3", RefreshToken: "rt-2"})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "s1", model.Credential{AccessToken: "at"}))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.AccessToken = "mutated"

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "at", again.AccessToken)
}
