// Package window tracks error-class events over a trailing time window.
package window

import (
	"sync"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/logevent"
)

// Entry is one tracked event. ReceivedAt is stamped by the tracker and is
// the only field pruning looks at; Timestamp is the client-supplied value.
type Entry struct {
	ReceivedAt time.Time
	Timestamp  int64
	Level      logevent.Level
	Message    string
	Data       map[string]any
}

func (e Entry) EventType() string {
	return logevent.StringField(e.Data, logevent.KeyEventType)
}

type Tracker struct {
	mu     sync.Mutex
	store  Store
	window time.Duration
	now    func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

func NewTracker(window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		store:  NewMemoryStore(),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Window() time.Duration {
	return t.window
}

// Record appends ev when it is error-class, prunes, and returns the
// post-prune count. tracked is false for events that were not appended.
func (t *Tracker) Record(ev logevent.Event) (count int, tracked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if ev.IsErrorClass() {
		t.store.Append(Entry{
			ReceivedAt: now,
			Timestamp:  ev.Timestamp,
			Level:      ev.Level,
			Message:    ev.Message,
			Data:       ev.Data,
		})
		tracked = true
	}
	t.pruneLocked(now)
	return t.store.Len(), tracked
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return t.store.Len()
}

// Snapshot returns the n most recent entries in insertion order.
func (t *Tracker) Snapshot(n int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return t.store.Tail(n)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Clear()
}

func (t *Tracker) pruneLocked(now time.Time) {
	for {
		e, ok := t.store.Front()
		if !ok || now.Sub(e.ReceivedAt) < t.window {
			return
		}
		t.store.PopFront()
	}
}
