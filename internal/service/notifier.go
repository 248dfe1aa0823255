// Package service contains application services.
package service

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/runlok/runlok/internal/domain/audit"
)

// Stream event types pushed to live subscribers.
const (
	EventDecision = "decision"
	EventResult   = "result"
)

// StreamEvent is one message on the push channel: a decision freshly
// appended, or an outcome sealed onto an existing entry.
type StreamEvent struct {
	Type  string       `json:"type"`
	Entry *audit.Entry `json:"entry"`
}

// Subscriber receives the events of one subscription.
type Subscriber struct {
	id        uint64
	sessionID string
	ch        chan StreamEvent
}

// Events returns the subscriber's receive channel. It is closed on
// unsubscribe.
func (s *Subscriber) Events() <-chan StreamEvent { return s.ch }

// SessionID returns the session filter, empty for a global subscription.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Notifier fans decision and result events out to live subscribers.
// Publishing never blocks the enforcement path: when a subscriber's queue
// is full, its oldest buffered event is dropped to make room.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64

	queueSize int
	dropped   atomic.Int64
	onDrop    func()

	logger *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithDropHook registers fn to run once per dropped event, on the
// publisher's goroutine. fn must not block.
func WithDropHook(fn func()) NotifierOption {
	return func(n *Notifier) {
		n.onDrop = fn
	}
}

// NewNotifier creates a notifier whose subscribers buffer queueSize
// events each.
func NewNotifier(queueSize int, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	if queueSize < 1 {
		queueSize = 1
	}
	n := &Notifier{
		subs:      make(map[uint64]*Subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers a subscriber. sessionID filters events to one
// session; empty subscribes to all. The returned cancel func is
// idempotent and closes the event channel.
func (n *Notifier) Subscribe(sessionID string) (*Subscriber, func()) {
	n.mu.Lock()
	n.nextID++
	sub := &Subscriber{
		id:        n.nextID,
		sessionID: sessionID,
		ch:        make(chan StreamEvent, n.queueSize),
	}
	n.subs[sub.id] = sub
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, sub.id)
			// No publisher can be mid-send here: Publish holds the read
			// lock for the whole send.
			close(sub.ch)
			n.mu.Unlock()
		})
	}
	return sub, cancel
}

// Publish delivers evt to every matching subscriber without blocking.
func (n *Notifier) Publish(evt StreamEvent) {
	if evt.Entry == nil {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.sessionID != "" && sub.sessionID != evt.Entry.SessionID {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}

		// Queue full: drop the oldest buffered event, then retry once.
		select {
		case <-sub.ch:
			n.dropped.Add(1)
			if n.onDrop != nil {
				n.onDrop()
			}
			n.logger.Debug("subscriber queue full, dropped oldest event",
				"session_id", sub.sessionID,
				"queue_size", n.queueSize,
			)
		default:
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers returns the live subscription count.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Dropped returns the total number of events discarded by full queues.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}
