package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/signal"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRequestRoundTrip(t *testing.T) {
	store := signal.NewMemoryStore()
	defer store.Close()

	sender := New(store, "x", "Endpoint X")
	defer sender.Close()
	target := New(store, "co1", "Company One")
	defer target.Close()

	var mu sync.Mutex
	var received []*signal.Request
	cancel, err := target.Listen("co1", []string{"s1"}, func(r *signal.Request) {
		mu.Lock()
		received = append(received, r)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer cancel()

	var statusMu sync.Mutex
	var statuses []string
	reqID, err := sender.Send(context.Background(), SendOptions{
		TargetID:  "co1",
		SessionID: "s1",
		Message:   "quick sync?",
		OnStatus: func(r *signal.Request) {
			statusMu.Lock()
			statuses = append(statuses, r.Status)
			statusMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "listener delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.RequesterID != "x" || got.Status != signal.StatusPending || got.RequestID != reqID {
		t.Fatalf("listener got %+v", got)
	}

	if err := target.Approve(context.Background(), "s1", reqID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	waitFor(t, "approved status at sender", func() bool {
		statusMu.Lock()
		defer statusMu.Unlock()
		return len(statuses) == 1 && statuses[0] == signal.StatusApproved
	})
}

func TestApproveIsFirstTransitionWins(t *testing.T) {
	store := signal.NewMemoryStore()
	defer store.Close()

	w := New(store, "co1", "Company One")
	defer w.Close()

	req := &signal.Request{
		RequestID: "request-1", RequesterID: "x", TargetID: "co1",
		SessionID: "s1", Status: signal.StatusPending,
	}
	if err := store.PutRequest(context.Background(), "s1", req); err != nil {
		t.Fatal(err)
	}

	if err := w.Approve(context.Background(), "s1", "request-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// The losing transition is a no-op, not an error.
	if err := w.Reject(context.Background(), "s1", "request-1", "too late"); err != nil {
		t.Fatalf("Reject after approve: %v", err)
	}
	if err := w.Approve(context.Background(), "s1", "request-1"); err != nil {
		t.Fatalf("repeated Approve: %v", err)
	}
}

func TestStatusCallbackFiresOnce(t *testing.T) {
	store := signal.NewMemoryStore()
	defer store.Close()

	sender := New(store, "x", "X")
	defer sender.Close()
	target := New(store, "co1", "Co")
	defer target.Close()

	var mu sync.Mutex
	count := 0
	reqID, err := sender.Send(context.Background(), SendOptions{
		TargetID: "co1", SessionID: "s1",
		OnStatus: func(*signal.Request) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := target.Approve(context.Background(), "s1", reqID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "status callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	// A second no-op transition must not re-fire the callback.
	_ = target.Expire(context.Background(), "s1", reqID)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("status callback fired %d times, want 1", count)
	}
}

func TestListenRefusesEmptyScope(t *testing.T) {
	store := signal.NewMemoryStore()
	defer store.Close()

	w := New(store, "co1", "Co")
	defer w.Close()

	if _, err := w.Listen("co1", nil, func(*signal.Request) {}); !errors.Is(err, ErrNoSessionScope) {
		t.Fatalf("Listen(nil) error %v, want ErrNoSessionScope", err)
	}
}

func TestListenFiltersTargetAndDedups(t *testing.T) {
	store := signal.NewMemoryStore()
	defer store.Close()

	w := New(store, "co1", "Co")
	defer w.Close()

	var mu sync.Mutex
	var got []string
	cancel, err := w.Listen("co1", []string{"s1", "s2"}, func(r *signal.Request) {
		mu.Lock()
		got = append(got, r.RequestID)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	ctx := context.Background()
	// Addressed elsewhere: filtered out.
	store.PutRequest(ctx, "s1", &signal.Request{
		RequestID: "request-other", RequesterID: "x", TargetID: "co2",
		SessionID: "s1", Status: signal.StatusPending,
	})
	// Addressed to us.
	store.PutRequest(ctx, "s1", &signal.Request{
		RequestID: "request-mine", RequesterID: "x", TargetID: "co1",
		SessionID: "s1", Status: signal.StatusPending,
	})
	// Same request surfacing again (at-least-once delivery).
	store.PutRequest(ctx, "s2", &signal.Request{
		RequestID: "request-mine", RequesterID: "x", TargetID: "co1",
		SessionID: "s2", Status: signal.StatusPending,
	})

	waitFor(t, "one delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "request-mine" {
		t.Fatalf("listener deliveries %v, want exactly [request-mine]", got)
	}
}
