package auth

import (
	"fmt"
)

// Kind classifies an AuthError
type Kind string

const (
	KindProviderDenied Kind = "provider_denied"
	KindInvalidState   Kind = "invalid_state"
	KindMissingCode    Kind = "missing_code"
	KindExchangeFailed Kind = "exchange_failed"
	KindReauthRequired Kind = "reauth_required"
)

// ReasonRedirectURIMismatch marks an exchange rejected for a redirect URI mismatch
const ReasonRedirectURIMismatch = "redirect_uri_mismatch"

// Sentinels for errors.Is; any AuthError with the same Kind matches.
var (
	ErrProviderDenied = &AuthError{Kind: KindProviderDenied}
	ErrInvalidState   = &AuthError{Kind: KindInvalidState}
	ErrMissingCode    = &AuthError{Kind: KindMissingCode}
	ErrExchangeFailed = &AuthError{Kind: KindExchangeFailed}
	ErrReauthRequired = &AuthError{Kind: KindReauthRequired}
)

// AuthError is returned by the authorization flow and refresh manager
type AuthError struct {
	Kind   Kind
	Reason string
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches any AuthError of the same Kind
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, detail string, err error) *AuthError {
	return &AuthError{Kind: kind, Detail: detail, Err: err}
}

// ProviderError carries the error a provider endpoint reported
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %d %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %d %s", e.StatusCode, e.Code)
}
