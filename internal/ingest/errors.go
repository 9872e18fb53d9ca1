package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"realty-mail-engine/internal/auth"
)

// Kind classifies an IngestionError
type Kind string

const (
	KindNetworkFailure Kind = "network_failure"
	KindRateLimited    Kind = "rate_limited"
)

var (
	ErrNetworkFailure = &IngestionError{Kind: KindNetworkFailure}
	ErrRateLimited    = &IngestionError{Kind: KindRateLimited}
)

// IngestionError is a transient provider failure. Callers retry with backoff.
type IngestionError struct {
	Kind Kind
	Err  error
}

func (e *IngestionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// Is matches any IngestionError of the same Kind
func (e *IngestionError) Is(target error) bool {
	t, ok := target.(*IngestionError)
	return ok && t.Kind == e.Kind
}

func transient(err error) bool {
	var ie *IngestionError
	return errors.As(err, &ie)
}

// abortsBatch reports whether err ends the whole fetch rather than one message
func abortsBatch(err error) bool {
	return transient(err) || errors.Is(err, auth.ErrReauthRequired)
}

func reauth(detail string, err error) error {
	return &auth.AuthError{Kind: auth.KindReauthRequired, Detail: detail, Err: err}
}

// classifyAPIError maps Gmail API failures onto the ingestion taxonomy
func classifyAPIError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return reauth("mailbox rejected the access token", err)
		case apiErr.Code == http.StatusTooManyRequests:
			return &IngestionError{Kind: KindRateLimited, Err: err}
		case apiErr.Code == http.StatusForbidden && rateLimitReason(apiErr):
			return &IngestionError{Kind: KindRateLimited, Err: err}
		case apiErr.Code >= 500:
			return &IngestionError{Kind: KindNetworkFailure, Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return &IngestionError{Kind: KindNetworkFailure, Err: err}
	}
	return err
}

func rateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
