package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"realty-mail-engine/internal/credential"
	"realty-mail-engine/internal/model"
)

func newRefresher(p Provider, clk *clock, skew time.Duration) (*Refresher, credential.Store) {
	creds := credential.NewMemoryStore()
	opts := Options{
		RefreshSkew: skew,
		HTTPTimeout: time.Second,
		Clock:       clk.Now,
	}
	return NewRefresher(p, creds, opts, nil), creds
}

func TestNoCredentialRequiresReauth(t *testing.T) {
	r, _ := newRefresher(&fakeProvider{}, &clock{now: t0}, time.Minute)

	_, err := r.GetValidAccessToken(context.Background(), "session-1")
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestValidTokenReturnedUnchanged(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(10 * time.Minute),
	}))

	token, err := r.GetValidAccessToken(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "at", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.refreshCalls))
}

func TestTokenInsideSkewIsRefreshed(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{refreshed: &oauth2.Token{AccessToken: "at-2", Expiry: t0.Add(time.Hour)}}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(30 * time.Second),
	}))

	token, err := r.GetValidAccessToken(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshCalls))

	stored, err := creds.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", stored.AccessToken)
	assert.Equal(t, "rt", stored.RefreshToken)
	assert.True(t, t0.Add(time.Hour).Equal(stored.ExpiresAt))
}

func TestExpiredWithoutRefreshTokenRequiresReauth(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken: "at",
		ExpiresAt:   t0.Add(-time.Minute),
	}))

	_, err := r.GetValidAccessToken(ctx, "session-1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.refreshCalls))
}

func TestExpiryTimelineRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	p := &fakeProvider{refreshed: &oauth2.Token{AccessToken: "at-2", Expiry: t0.Add(time.Hour)}}
	r, creds := newRefresher(p, clk, time.Second)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(10 * time.Second),
	}))

	clk.Set(t0.Add(5 * time.Second))
	token, err := r.GetValidAccessToken(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.refreshCalls))

	clk.Set(t0.Add(15 * time.Second))
	token, err = r.GetValidAccessToken(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshCalls))
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	p := &fakeProvider{
		refreshed:   &oauth2.Token{AccessToken: "at-shared", RefreshToken: "rt-2", Expiry: t0.Add(time.Hour)},
		refreshGate: gate,
	}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = r.GetValidAccessToken(ctx, "session-1")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-shared", tokens[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshCalls))

	stored, err := creds.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-2", stored.RefreshToken)
}

func TestRefreshIsKeyedPerSession(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{refreshed: &oauth2.Token{AccessToken: "at-new", Expiry: t0.Add(time.Hour)}}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	for _, sid := range []string{"session-1", "session-2"} {
		require.NoError(t, creds.Set(ctx, sid, model.Credential{
			AccessToken:  "at-old",
			RefreshToken: "rt",
			ExpiresAt:    t0.Add(-time.Minute),
		}))
	}

	_, err := r.GetValidAccessToken(ctx, "session-1")
	require.NoError(t, err)
	_, err = r.GetValidAccessToken(ctx, "session-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.refreshCalls))
}

func TestInvalidGrantClearsCredential(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{refreshErr: &ProviderError{StatusCode: 400, Code: "invalid_grant", Description: "Token has been expired or revoked."}}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	_, err := r.GetValidAccessToken(ctx, "session-1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	_, err = creds.Get(ctx, "session-1")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestTransientRefreshFailureKeepsCredential(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{refreshErr: &ProviderError{StatusCode: 503, Code: "backend_error"}}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	_, err := r.GetValidAccessToken(ctx, "session-1")
	assert.ErrorIs(t, err, ErrReauthRequired)

	stored, err := creds.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "rt", stored.RefreshToken)
}

func TestRefreshTimeoutRequiresReauth(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{refreshGate: make(chan struct{})}
	creds := credential.NewMemoryStore()
	r := NewRefresher(p, creds, Options{
		RefreshSkew: time.Minute,
		HTTPTimeout: 20 * time.Millisecond,
		Clock:       func() time.Time { return t0 },
	}, nil)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	_, err := r.GetValidAccessToken(ctx, "session-1")
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	r, creds := newRefresher(&fakeProvider{}, &clock{now: t0}, time.Minute)

	ok, email := r.Status(ctx, "session-1")
	assert.False(t, ok)
	assert.Empty(t, email)

	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:   "at",
		ExpiresAt:     t0.Add(time.Hour),
		IdentityEmail: "agent@example.com",
	}))
	ok, email = r.Status(ctx, "session-1")
	assert.True(t, ok)
	assert.Equal(t, "agent@example.com", email)
}

func TestDisconnectDuringRefreshStaysDisconnected(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	gate := make(chan struct{})
	p := &fakeProvider{
		refreshed:   &oauth2.Token{AccessToken: "at-2", RefreshToken: "rt-2", Expiry: t0.Add(time.Hour)},
		refreshGate: gate,
	}
	c, creds := newController(p, clk, false)
	r := NewRefresher(p, creds, Options{RefreshSkew: time.Minute, HTTPTimeout: time.Second, Clock: clk.Now}, nil)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := r.GetValidAccessToken(ctx, "session-1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.refreshCalls) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect(ctx, "session-1"))
	close(gate)

	assert.ErrorIs(t, <-errc, ErrReauthRequired)
	_, err := creds.Get(ctx, "session-1")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	ok, _ := r.Status(ctx, "session-1")
	assert.False(t, ok)
}

func TestReconnectDuringRefreshKeepsNewCredential(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	p := &fakeProvider{
		refreshed:   &oauth2.Token{AccessToken: "at-renewed", RefreshToken: "rt-2", Expiry: t0.Add(time.Hour)},
		refreshGate: gate,
	}
	r, creds := newRefresher(p, &clock{now: t0}, time.Minute)
	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    t0.Add(-time.Minute),
	}))

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := r.GetValidAccessToken(ctx, "session-1")
		done <- result{token, err}
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.refreshCalls) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, creds.Set(ctx, "session-1", model.Credential{
		AccessToken:  "at-reconnected",
		RefreshToken: "rt-reconnected",
		ExpiresAt:    t0.Add(time.Hour),
	}))
	close(gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "at-reconnected", res.token)

	stored, err := creds.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-reconnected", stored.RefreshToken)
}
