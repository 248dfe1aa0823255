package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/runlok/runlok/internal/domain/audit"
)

func streamEntry(sessionID string, index int64) *audit.Entry {
	return &audit.Entry{
		ID:        "entry-" + sessionID,
		SessionID: sessionID,
		Index:     index,
		Decision:  audit.DecisionAllow,
		Status:    audit.StatusPending,
	}
}

func TestNotifier_PublishDelivers(t *testing.T) {
	t.Parallel()

	n := NewNotifier(8, testServiceLogger())
	sub, cancel := n.Subscribe("")
	defer cancel()

	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("sess-1", 1)})

	select {
	case evt := <-sub.Events():
		if evt.Type != EventDecision {
			t.Errorf("expected type %q, got %q", EventDecision, evt.Type)
		}
		if evt.Entry.SessionID != "sess-1" {
			t.Errorf("expected session 'sess-1', got %q", evt.Entry.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestNotifier_SessionFilter(t *testing.T) {
	t.Parallel()

	n := NewNotifier(8, testServiceLogger())
	global, cancelGlobal := n.Subscribe("")
	defer cancelGlobal()
	scoped, cancelScoped := n.Subscribe("sess-a")
	defer cancelScoped()

	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("sess-a", 1)})
	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("sess-b", 1)})

	// The global subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-global.Events():
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missing event %d", i+1)
		}
	}

	// The scoped subscriber sees only its session.
	select {
	case evt := <-scoped.Events():
		if evt.Entry.SessionID != "sess-a" {
			t.Errorf("expected only 'sess-a' events, got %q", evt.Entry.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("scoped subscriber missing its event")
	}
	select {
	case evt := <-scoped.Events():
		t.Errorf("unexpected extra event for session %q", evt.Entry.SessionID)
	default:
	}
}

func TestNotifier_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	n := NewNotifier(8, testServiceLogger())
	sub, cancel := n.Subscribe("")

	if got := n.Subscribers(); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	cancel()
	cancel() // idempotent

	if got := n.Subscribers(); got != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", got)
	}
	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected closed channel to be readable")
	}

	// Publishing after cancel reaches nobody and must not panic.
	n.Publish(StreamEvent{Type: EventResult, Entry: streamEntry("sess-1", 1)})
}

func TestNotifier_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	var hooked atomic.Int64
	n := NewNotifier(2, testServiceLogger(), WithDropHook(func() { hooked.Add(1) }))
	sub, cancel := n.Subscribe("")
	defer cancel()

	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("s", 1)})
	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("s", 2)})
	n.Publish(StreamEvent{Type: EventDecision, Entry: streamEntry("s", 3)})

	// The oldest event made room for the newest.
	first := <-sub.Events()
	if first.Entry.Index != 2 {
		t.Errorf("expected oldest surviving event to be index 2, got %d", first.Entry.Index)
	}
	second := <-sub.Events()
	if second.Entry.Index != 3 {
		t.Errorf("expected index 3, got %d", second.Entry.Index)
	}

	if got := n.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
	if got := hooked.Load(); got != 1 {
		t.Errorf("expected drop hook to fire once, got %d", got)
	}
}

func TestNotifier_NilEntryIgnored(t *testing.T) {
	t.Parallel()

	n := NewNotifier(2, testServiceLogger())
	sub, cancel := n.Subscribe("")
	defer cancel()

	n.Publish(StreamEvent{Type: EventDecision})

	select {
	case <-sub.Events():
		t.Error("expected no event for nil entry")
	default:
	}
}
