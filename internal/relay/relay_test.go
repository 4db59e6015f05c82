package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/signal"
)

// startRelay spins up a relay over httptest and returns its ws:// URL.
func startRelay(t *testing.T) string {
	t.Helper()
	s := NewServer()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRelaySignalFanout(t *testing.T) {
	url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	got := make(chan *signal.Message, 8)
	cancel, err := bob.WatchSignals("chat-1", func(m *signal.Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	ctx := context.Background()
	msg := signal.NewMessage(signal.TypeOffer, "alice")
	msg.Offer = &signal.Description{Type: "offer", SDP: "v=0"}
	id, err := alice.AppendSignal(ctx, "chat-1", msg)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("append returned empty id")
	}

	select {
	case m := <-got:
		if m.ID != id || m.Type != signal.TypeOffer || m.From != "alice" {
			t.Fatalf("unexpected signal %+v", m)
		}
		if m.Offer == nil || m.Offer.SDP != "v=0" {
			t.Fatalf("offer payload lost: %+v", m.Offer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signal never reached the watcher")
	}

	if err := alice.RemoveSignal(ctx, "chat-1", id); err != nil {
		t.Fatal(err)
	}
	// Removing an unknown id is a no-op, same as the memory store.
	if err := alice.RemoveSignal(ctx, "chat-1", "signal-bogus"); err != nil {
		t.Fatalf("remove of unknown id: %v", err)
	}

	// A fresh watcher after removal must see no backlog.
	late := dialClient(t, url)
	replayed := make(chan *signal.Message, 8)
	cancelLate, err := late.WatchSignals("chat-1", func(m *signal.Message) { replayed <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelLate()
	select {
	case m := <-replayed:
		t.Fatalf("removed signal replayed: %+v", m)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayWatchReplaysBacklog(t *testing.T) {
	url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	ctx := context.Background()
	if _, err := alice.AppendSignal(ctx, "chat-2", signal.NewMessage(signal.TypeCandidate, "alice")); err != nil {
		t.Fatal(err)
	}

	got := make(chan *signal.Message, 8)
	cancel, err := bob.WatchSignals("chat-2", func(m *signal.Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case m := <-got:
		if m.Type != signal.TypeCandidate {
			t.Fatalf("replayed %q, want candidate", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backlog never replayed to new watcher")
	}
}

func TestRelayUnwatchStopsDelivery(t *testing.T) {
	url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	got := make(chan *signal.Message, 8)
	cancel, err := bob.WatchSignals("chat-3", func(m *signal.Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	cancel() // idempotent

	if _, err := alice.AppendSignal(context.Background(), "chat-3", signal.NewMessage(signal.TypeOffer, "alice")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		t.Fatalf("delivery after unwatch: %+v", m)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayRequestLifecycle(t *testing.T) {
	url := startRelay(t)
	requester := dialClient(t, url)
	target := dialClient(t, url)

	states := make(chan *signal.Request, 8)
	cancel, err := target.WatchRequests("chat-4", func(r *signal.Request) { states <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	ctx := context.Background()
	req := &signal.Request{
		RequestID:   "request-1",
		RequesterID: "alice",
		TargetID:    "bob",
		SessionID:   "chat-4",
		Status:      signal.StatusPending,
	}
	if err := requester.PutRequest(ctx, "chat-4", req); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-states:
		if r.RequestID != "request-1" || r.Status != signal.StatusPending {
			t.Fatalf("unexpected request %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request never delivered")
	}

	changed, err := target.UpdateRequest(ctx, "chat-4", "request-1", signal.RequestUpdate{Status: signal.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("first transition out of pending must apply")
	}

	select {
	case r := <-states:
		if r.Status != signal.StatusApproved {
			t.Fatalf("status %q, want approved", r.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("approval transition never delivered")
	}

	// Terminal requests stay terminal; not an error.
	changed, err = target.UpdateRequest(ctx, "chat-4", "request-1", signal.RequestUpdate{Status: signal.StatusRejected, Reason: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("second transition overwrote a terminal request")
	}

	// Unknown request ids map back to the store sentinel across the wire.
	if _, err := target.UpdateRequest(ctx, "chat-4", "request-missing", signal.RequestUpdate{Status: signal.StatusExpired}); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("update of unknown request: %v, want ErrNotFound", err)
	}
}

func TestRelayClientClose(t *testing.T) {
	url := startRelay(t)
	c := dialClient(t, url)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := c.AppendSignal(context.Background(), "chat-5", signal.NewMessage(signal.TypeOffer, "alice")); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: %v, want ErrClosed", err)
	}
	if _, err := c.WatchSignals("chat-5", func(*signal.Message) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("watch after close: %v, want ErrClosed", err)
	}
}

func TestRelayLateWatcherGetsBacklog(t *testing.T) {
	url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)

	first := make(chan *signal.Message, 16)
	cancelFirst, err := bob.WatchSignals("chat-7", func(m *signal.Message) { first <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelFirst()

	ctx := context.Background()
	id1, err := alice.AppendSignal(ctx, "chat-7", signal.NewMessage(signal.TypeOffer, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatal("first watcher never saw the signal")
	}

	// A second subscriber on the same client and session must still get the
	// backlog, not only future messages.
	second := make(chan *signal.Message, 16)
	cancelSecond, err := bob.WatchSignals("chat-7", func(m *signal.Message) { second <- m })
	if err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-second:
		if m.ID != id1 {
			t.Fatalf("late watcher replayed %s, want %s", m.ID, id1)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("late watcher never saw the backlog")
	}
	cancelSecond()

	// The restart must not starve the remaining watcher of future signals.
	// Duplicates of id1 may arrive; delivery is at-least-once.
	id2, err := alice.AppendSignal(ctx, "chat-7", signal.NewMessage(signal.TypeAnswer, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-first:
			if m.ID == id2 {
				return
			}
		case <-deadline:
			t.Fatal("first watcher never saw the follow-up signal")
		}
	}
}

func TestRelayLateRequestWatcherGetsBacklog(t *testing.T) {
	url := startRelay(t)
	c := dialClient(t, url)

	ctx := context.Background()
	req := &signal.Request{
		RequestID:   "request-7",
		RequesterID: "alice",
		TargetID:    "bob",
		SessionID:   "chat-8",
		Status:      signal.StatusPending,
	}
	if err := c.PutRequest(ctx, "chat-8", req); err != nil {
		t.Fatal(err)
	}

	early := make(chan *signal.Request, 8)
	cancelEarly, err := c.WatchRequests("chat-8", func(r *signal.Request) { early <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelEarly()
	select {
	case <-early:
	case <-time.After(3 * time.Second):
		t.Fatal("early watcher never saw the request")
	}

	late := make(chan *signal.Request, 8)
	cancelLate, err := c.WatchRequests("chat-8", func(r *signal.Request) { late <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelLate()
	select {
	case r := <-late:
		if r.RequestID != "request-7" {
			t.Fatalf("late watcher replayed %s, want request-7", r.RequestID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("late request watcher never saw the backlog")
	}
}
