package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"realty-mail-engine/internal/credential"
	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/model"
)

// Refresher hands out valid access tokens, renewing them through the provider
// when they are within the skew window of expiry. Renewals are single-flight
// per session so a rotated refresh token is only ever spent once.
type Refresher struct {
	provider Provider
	creds    credential.Store
	opts     Options
	metrics  *metricsPkg.Metrics
	group    singleflight.Group
}

// NewRefresher creates a Refresher
func NewRefresher(provider Provider, creds credential.Store, opts Options, metrics *metricsPkg.Metrics) *Refresher {
	return &Refresher{
		provider: provider,
		creds:    creds,
		opts:     opts.withDefaults(),
		metrics:  metrics,
	}
}

// GetValidAccessToken returns a usable access token for the session
func (r *Refresher) GetValidAccessToken(ctx context.Context, sessionID string) (string, error) {
	cred, err := r.ValidCredential(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ValidCredential returns the session credential after renewing it if needed
func (r *Refresher) ValidCredential(ctx context.Context, sessionID string) (*model.Credential, error) {
	cred, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cred.ValidAt(r.opts.Clock(), r.opts.RefreshSkew) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, newError(KindReauthRequired, "credential expired and no refresh token is held", nil)
	}

	ch := r.group.DoChan(sessionID, func() (interface{}, error) {
		return r.refresh(sessionID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		renewed := res.Val.(model.Credential)
		return &renewed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports whether the session holds a usable credential, refreshing it if needed
func (r *Refresher) Status(ctx context.Context, sessionID string) (bool, string) {
	cred, err := r.ValidCredential(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrReauthRequired) {
			logrus.WithField("session_id", sessionID).Warnf("Auth status check failed: %v", err)
		}
		return false, ""
	}
	return true, cred.IdentityEmail
}

func (r *Refresher) load(ctx context.Context, sessionID string) (*model.Credential, error) {
	cred, err := r.creds.Get(ctx, sessionID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, newError(KindReauthRequired, "no credential for session", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return cred, nil
}

// refresh runs inside the flight. It is detached from any single caller's
// context so that one caller giving up does not fail the others.
func (r *Refresher) refresh(sessionID string) (model.Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.HTTPTimeout)
	defer cancel()

	// A flight that finished just before this one may already have renewed it.
	cred, err := r.load(ctx, sessionID)
	if err != nil {
		return model.Credential{}, err
	}
	if cred.ValidAt(r.opts.Clock(), r.opts.RefreshSkew) {
		return *cred, nil
	}
	if cred.RefreshToken == "" {
		return model.Credential{}, newError(KindReauthRequired, "credential expired and no refresh token is held", nil)
	}

	tok, err := r.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		r.metrics.ObserveRefresh("failure")
		log := logrus.WithField("session_id", sessionID)
		if isInvalidGrant(err) {
			log.Warn("Refresh token rejected, clearing credential")
			if clearErr := r.creds.Clear(ctx, sessionID); clearErr != nil {
				log.Errorf("Failed to clear revoked credential: %v", clearErr)
			}
		} else {
			log.Warnf("Credential refresh failed: %v", err)
		}
		return model.Credential{}, newError(KindReauthRequired, "credential refresh failed", err)
	}

	// The session may have been disconnected or reconnected while the provider
	// call was outstanding; only the credential this renewal started from is
	// overwritten.
	renewed := credentialFrom(tok, *cred, r.opts)
	err = r.creds.Replace(ctx, sessionID, cred.RefreshToken, renewed)
	if errors.Is(err, credential.ErrNotFound) {
		logrus.WithField("session_id", sessionID).Info("Credential changed during refresh, discarding renewed token")
		current, err := r.load(ctx, sessionID)
		if err != nil {
			return model.Credential{}, err
		}
		if !current.ValidAt(r.opts.Clock(), r.opts.RefreshSkew) {
			return model.Credential{}, newError(KindReauthRequired, "credential changed during refresh", nil)
		}
		return *current, nil
	}
	if err != nil {
		r.metrics.ObserveRefresh("failure")
		return model.Credential{}, fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	r.metrics.ObserveRefresh("success")
	logrus.WithField("session_id", sessionID).Debug("Credential refreshed")
	return renewed, nil
}

func isInvalidGrant(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == "invalid_grant"
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant"
	}
	return false
}
