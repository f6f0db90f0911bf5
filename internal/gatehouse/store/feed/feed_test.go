package feed

import (
	"testing"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish(Event{Op: OpInsert, Table: "page_sessions", Row: domain.Session{ID: "s1"}})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			require.Equal(t, OpInsert, e.Op)
			require.Equal(t, "s1", e.Row.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubDropsWhenSubscriberIsBehind(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(Event{Op: OpInsert, Row: domain.Session{ID: "first"}})
	h.Publish(Event{Op: OpUpdate, Row: domain.Session{ID: "dropped"}})

	e := <-ch
	require.Equal(t, "first", e.Row.ID)

	select {
	case e := <-ch:
		t.Fatalf("expected no buffered event, got %v", e)
	default:
	}
}

func TestHubCancelDetaches(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch, cancel := h.Subscribe(1)
	require.Equal(t, 1, h.SubscriberCount())

	cancel()
	cancel() // safe to call twice
	require.Equal(t, 0, h.SubscriberCount())

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	h.Publish(Event{Op: OpDelete})
}
