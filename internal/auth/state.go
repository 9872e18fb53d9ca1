package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"realty-mail-engine/internal/model"
)

// ErrStateNotFound is returned when no pending request matches a callback state
var ErrStateNotFound = errors.New("authorization state not found")

// StateStore holds pending AuthorizationRequests.
// Consume must remove the matching request so that a state is accepted at most once.
type StateStore interface {
	Save(ctx context.Context, req model.AuthorizationRequest) error
	Consume(ctx context.Context, sessionID, state string) (*model.AuthorizationRequest, error)
}

func secureRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MemoryStateStore keeps pending requests in process memory.
// Unless parallel attempts are allowed, saving a request replaces any earlier
// one for the same session.
type MemoryStateStore struct {
	mu       sync.Mutex
	parallel bool
	pending  map[string]map[string]model.AuthorizationRequest
	now      func() time.Time
}

// NewMemoryStateStore creates a MemoryStateStore. A nil now uses time.Now.
func NewMemoryStateStore(allowParallel bool, now func() time.Time) *MemoryStateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{
		parallel: allowParallel,
		pending:  make(map[string]map[string]model.AuthorizationRequest),
		now:      now,
	}
}

func (s *MemoryStateStore) Save(_ context.Context, req model.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := s.pending[req.SessionID]
	if reqs == nil || !s.parallel {
		reqs = make(map[string]model.AuthorizationRequest)
		s.pending[req.SessionID] = reqs
	}

	now := s.now()
	for state, r := range reqs {
		if r.Expired(now) {
			delete(reqs, state)
		}
	}

	reqs[req.State] = req
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, sessionID, state string) (*model.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := s.pending[sessionID]
	req, ok := reqs[state]
	if !ok {
		return nil, ErrStateNotFound
	}

	delete(reqs, state)
	if len(reqs) == 0 {
		delete(s.pending, sessionID)
	}
	return &req, nil
}

// RedisStateStore keeps pending requests in redis with the request TTL
type RedisStateStore struct {
	client   *redis.Client
	parallel bool
}

// NewRedisStateStore creates a RedisStateStore
func NewRedisStateStore(client *redis.Client, allowParallel bool) *RedisStateStore {
	return &RedisStateStore{client: client, parallel: allowParallel}
}

func (s *RedisStateStore) key(sessionID, state string) string {
	if s.parallel {
		return "oauth:state:" + sessionID + ":" + state
	}
	return "oauth:state:" + sessionID
}

func (s *RedisStateStore) Save(ctx context.Context, req model.AuthorizationRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode authorization request: %w", err)
	}
	if err := s.client.Set(ctx, s.key(req.SessionID, req.State), raw, req.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store authorization request: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, sessionID, state string) (*model.AuthorizationRequest, error) {
	key := s.key(sessionID, state)

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	var req model.AuthorizationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("failed to decode authorization request: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(state)) != 1 {
		return nil, ErrStateNotFound
	}

	// Only the caller whose DEL removed the key wins a concurrent replay.
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}
	if n == 0 {
		return nil, ErrStateNotFound
	}
	return &req, nil
}
