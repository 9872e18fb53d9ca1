// Package ingest fetches recent mailbox messages and normalizes them into
// EmailMessages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"realty-mail-engine/internal/config"
	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/model"
)

// Mailbox identifies the account to read and the token to read it with
type Mailbox struct {
	Email       string
	AccessToken string
}

// Batch is the result of one fetch. NextSinceToken is the opaque cursor to
// pass to the following fetch.
type Batch struct {
	Mailbox        string               `json:"mailbox"`
	Messages       []model.EmailMessage `json:"messages"`
	NextSinceToken string               `json:"next_since_token"`
}

// Fetcher reads messages from one provider transport
type Fetcher interface {
	Fetch(ctx context.Context, mb Mailbox, since string) (*Batch, error)
}

// CredentialSource yields a currently valid credential for a session
type CredentialSource interface {
	ValidCredential(ctx context.Context, sessionID string) (*model.Credential, error)
}

// Adapter wraps a Fetcher with credential lookup, retries, a circuit breaker
// and in-batch dedupe
type Adapter struct {
	fetcher    Fetcher
	creds      CredentialSource
	breaker    *gobreaker.CircuitBreaker
	metrics    *metricsPkg.Metrics
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
}

// NewAdapter creates an Adapter using the scheduler's retry settings
func NewAdapter(fetcher Fetcher, creds CredentialSource, cfg config.SchedulerConfig, metrics *metricsPkg.Metrics) *Adapter {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		fetcher:    fetcher,
		creds:      creds,
		metrics:    metrics,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		timeout:    timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mail-provider",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
			},
		}),
	}
}

// FetchRecent returns messages received after sinceToken for the session's
// mailbox. A ReauthRequired error is returned without fetching anything.
func (a *Adapter) FetchRecent(ctx context.Context, sessionID, sinceToken string) (*Batch, error) {
	cred, err := a.creds.ValidCredential(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	mb := Mailbox{Email: cred.IdentityEmail, AccessToken: cred.AccessToken}

	var batch *Batch
	for attempt := 0; ; attempt++ {
		batch, err = a.fetchOnce(ctx, mb, sinceToken)
		if err == nil || !transient(err) || attempt >= a.maxRetries {
			break
		}

		wait := a.backoff << attempt
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"attempt":    attempt + 1,
		}).Warnf("Fetch failed, retrying in %s: %v", wait, err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	batch.Messages = dedupe(batch.Messages)
	a.metrics.ObservePoll(len(batch.Messages))
	return batch, nil
}

// fetchOnce runs one bounded fetch through the breaker. Only transient
// failures count against the breaker.
func (a *Adapter) fetchOnce(ctx context.Context, mb Mailbox, since string) (*Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var permanent error
	res, err := a.breaker.Execute(func() (interface{}, error) {
		batch, err := a.fetcher.Fetch(ctx, mb, since)
		if err != nil && !transient(err) {
			permanent = err
			return nil, nil
		}
		return batch, err
	})
	if permanent != nil {
		return nil, permanent
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &IngestionError{Kind: KindNetworkFailure, Err: fmt.Errorf("provider unavailable: %w", err)}
	}
	if err != nil {
		return nil, err
	}
	return res.(*Batch), nil
}

func dedupe(msgs []model.EmailMessage) []model.EmailMessage {
	seen := make(map[string]bool, len(msgs))
	out := make([]model.EmailMessage, 0, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
