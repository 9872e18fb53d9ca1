// Package notify is the in-process notification bus read by UI surfaces.
// It is advisory only: history is bounded and lost on restart, and a slow
// subscriber misses records rather than blocking publishers.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"realty-mail-engine/internal/model"
)

// ErrNotFound is returned by MarkRead for an unknown id
var ErrNotFound = errors.New("notification not found")

// Filter narrows List results; zero values match everything
type Filter struct {
	Recipient  string
	Type       string
	UnreadOnly bool
	Limit      int
}

type subscriber struct {
	recipient string
	ch        chan model.Notification
}

// Bus stores recent notifications and fans them out to subscribers
type Bus struct {
	mu       sync.RWMutex
	items    []model.Notification
	capacity int
	buffer   int
	subs     map[int]*subscriber
	nextSub  int
	now      func() time.Time
}

// NewBus creates a Bus retaining at most capacity notifications
func NewBus(capacity, subscriberBuffer int) *Bus {
	if capacity <= 0 {
		capacity = 500
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 32
	}
	return &Bus{
		capacity: capacity,
		buffer:   subscriberBuffer,
		subs:     make(map[int]*subscriber),
		now:      time.Now,
	}
}

// Publish appends n, assigning an id and timestamp when absent, and returns the stored record
func (b *Bus) Publish(n model.Notification) model.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}
	n.Read = false

	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, n)
	if over := len(b.items) - b.capacity; over > 0 {
		b.items = append(b.items[:0:0], b.items[over:]...)
	}

	for _, s := range b.subs {
		if s.recipient != "" && s.recipient != n.Recipient {
			continue
		}
		select {
		case s.ch <- n:
		default:
		}
	}
	return n
}

// List returns matching notifications, most recently published first
func (b *Bus) List(f Filter) []model.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Notification, 0)
	for i := len(b.items) - 1; i >= 0; i-- {
		n := b.items[i]
		if f.Recipient != "" && n.Recipient != f.Recipient {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Get returns the notification with id
func (b *Bus) Get(id string) (model.Notification, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, n := range b.items {
		if n.ID == id {
			return n, true
		}
	}
	return model.Notification{}, false
}

// MarkRead flags the notification as read; it is the only mutable field
func (b *Bus) MarkRead(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.items {
		if b.items[i].ID == id {
			b.items[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// Subscribe delivers future notifications for recipient (all when empty) on
// the returned channel until cancel is called
func (b *Bus) Subscribe(recipient string) (<-chan model.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	s := &subscriber{recipient: recipient, ch: make(chan model.Notification, b.buffer)}
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(s.ch)
		})
	}
	return s.ch, cancel
}
