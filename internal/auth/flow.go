package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"realty-mail-engine/internal/credential"
	"realty-mail-engine/internal/model"
)

// Options configures the Controller and Refresher
type Options struct {
	StateTTL             time.Duration
	RefreshSkew          time.Duration
	HTTPTimeout          time.Duration
	DefaultTokenLifetime time.Duration
	Scopes               []string
	Clock                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StateTTL <= 0 {
		o.StateTTL = 10 * time.Minute
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 15 * time.Second
	}
	if o.DefaultTokenLifetime <= 0 {
		o.DefaultTokenLifetime = time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// CallbackParams are the query parameters the provider redirects back with
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Controller drives the state-verified authorization code flow
type Controller struct {
	provider Provider
	states   StateStore
	creds    credential.Store
	opts     Options
}

// NewController creates a Controller
func NewController(provider Provider, states StateStore, creds credential.Store, opts Options) *Controller {
	return &Controller{
		provider: provider,
		states:   states,
		creds:    creds,
		opts:     opts.withDefaults(),
	}
}

// BeginAuthorization issues a fresh state for the session and returns the consent URL
func (c *Controller) BeginAuthorization(ctx context.Context, sessionID string) (string, error) {
	state, err := secureRandomState()
	if err != nil {
		return "", err
	}

	req := model.AuthorizationRequest{
		SessionID: sessionID,
		State:     state,
		IssuedAt:  c.opts.Clock(),
		TTL:       c.opts.StateTTL,
	}
	if err := c.states.Save(ctx, req); err != nil {
		return "", fmt.Errorf("failed to persist authorization state: %w", err)
	}

	return c.provider.AuthCodeURL(state), nil
}

// HandleCallback validates the returned state, exchanges the code and stores the credential
func (c *Controller) HandleCallback(ctx context.Context, sessionID string, p CallbackParams) (*model.Credential, error) {
	if p.Error != "" {
		return nil, &AuthError{Kind: KindProviderDenied, Reason: p.Error, Detail: p.ErrorDescription}
	}

	if p.State == "" {
		return nil, newError(KindInvalidState, "state missing from callback", nil)
	}
	req, err := c.states.Consume(ctx, sessionID, p.State)
	if errors.Is(err, ErrStateNotFound) {
		return nil, newError(KindInvalidState, "state does not match a pending request", nil)
	}
	if err != nil {
		return nil, newError(KindInvalidState, "state could not be verified", err)
	}
	if req.Expired(c.opts.Clock()) {
		return nil, newError(KindInvalidState, "state expired", nil)
	}

	if p.Code == "" {
		return nil, newError(KindMissingCode, "authorization code missing from callback", nil)
	}

	tok, err := c.exchange(ctx, p.Code)
	if err != nil {
		return nil, exchangeError("token exchange failed", err)
	}

	email, err := c.profile(ctx, tok.AccessToken)
	if err != nil {
		return nil, exchangeError("profile fetch failed", err)
	}

	cred := credentialFrom(tok, model.Credential{}, c.opts)
	cred.IdentityEmail = email
	if err := c.creds.Set(ctx, sessionID, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"mailbox":    email,
	}).Info("Mailbox connected")
	return &cred, nil
}

// Disconnect destroys the session credential; it succeeds when none exists
func (c *Controller) Disconnect(ctx context.Context, sessionID string) error {
	if err := c.creds.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	logrus.WithField("session_id", sessionID).Info("Mailbox disconnected")
	return nil
}

func (c *Controller) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()
	return c.provider.Exchange(ctx, code)
}

func (c *Controller) profile(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HTTPTimeout)
	defer cancel()
	return c.provider.Profile(ctx, accessToken)
}

// credentialFrom builds a credential from a token response, keeping fields of prev the response omits
func credentialFrom(tok *oauth2.Token, prev model.Credential, opts Options) model.Credential {
	cred := prev
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	if tok.Expiry.IsZero() {
		cred.ExpiresAt = opts.Clock().Add(opts.DefaultTokenLifetime)
	} else {
		cred.ExpiresAt = tok.Expiry
	}

	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	} else if cred.Scope == "" {
		cred.Scope = strings.Join(opts.Scopes, " ")
	}
	return cred
}

func exchangeError(detail string, err error) *AuthError {
	ae := newError(KindExchangeFailed, detail, err)

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Code == ReasonRedirectURIMismatch {
			ae.Reason = ReasonRedirectURIMismatch
		}
		if pe.Description != "" {
			ae.Detail = detail + ": " + pe.Description
		}
	}
	return ae
}
