package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryAppendAssignsUniqueIDs(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx := context.Background()
	ids := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		id, err := s.AppendSignal(ctx, "s1", &Message{Type: TypeCandidate, From: "a"})
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := ids[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		ids[id] = struct{}{}
	}
	if n := s.SignalCount("s1"); n != 10 {
		t.Fatalf("stored %d signals, want 10", n)
	}
}

func TestMemoryWatchReplaysThenFollows(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AppendSignal(ctx, "s1", &Message{Type: TypeOffer, From: "a"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seen []string
	cancel, err := s.WatchSignals("s1", func(m *Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	replayed := len(seen)
	mu.Unlock()
	if replayed != 1 {
		t.Fatalf("replayed %d messages, want 1", replayed)
	}

	if _, err := s.AppendSignal(ctx, "s1", &Message{Type: TypeAnswer, From: "b"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	total := len(seen)
	mu.Unlock()
	if total != 2 {
		t.Fatalf("watcher saw %d messages, want 2", total)
	}

	cancel()
	if _, err := s.AppendSignal(ctx, "s1", &Message{Type: TypeCandidate, From: "a"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	afterCancel := len(seen)
	mu.Unlock()
	if afterCancel != 2 {
		t.Fatal("watcher still delivered after cancel")
	}
}

func TestMemoryWatchersAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"w1", "w2"} {
		name := name
		if _, err := s.WatchSignals("s1", func(*Message) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.AppendSignal(context.Background(), "s1", &Message{Type: TypeOffer, From: "a"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts["w1"] != 1 || counts["w2"] != 1 {
		t.Fatalf("watcher counts %v, want 1 each", counts)
	}
}

func TestMemoryRemoveIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	id, err := s.AppendSignal(ctx, "s1", &Message{Type: TypeOffer, From: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveSignal(ctx, "s1", id); err != nil {
		t.Fatal(err)
	}
	// Second delete of the same id, and deletes on unknown ids and sessions,
	// all succeed: both endpoints race to clean up.
	if err := s.RemoveSignal(ctx, "s1", id); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveSignal(ctx, "s1", "sig-999999"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveSignal(ctx, "nosuch", "sig-000001"); err != nil {
		t.Fatal(err)
	}
	if n := s.SignalCount("s1"); n != 0 {
		t.Fatalf("%d signals left, want 0", n)
	}
}

func TestMemoryUpdateRequestConditional(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	req := &Request{RequestID: "request-1", RequesterID: "x", TargetID: "co1", SessionID: "s1", Status: StatusPending}
	if err := s.PutRequest(ctx, "s1", req); err != nil {
		t.Fatal(err)
	}

	changed, err := s.UpdateRequest(ctx, "s1", "request-1", RequestUpdate{Status: StatusApproved})
	if err != nil || !changed {
		t.Fatalf("first transition changed=%v err=%v", changed, err)
	}

	// Terminal requests refuse further transitions.
	changed, err = s.UpdateRequest(ctx, "s1", "request-1", RequestUpdate{Status: StatusRejected, Reason: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("terminal request was transitioned again")
	}

	// Unknown request ids are an error, unlike lost races.
	if _, err := s.UpdateRequest(ctx, "s1", "request-missing", RequestUpdate{Status: StatusApproved}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown request error %v, want ErrNotFound", err)
	}
}

func TestMemoryRequestWatchSeesUpdates(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []string
	if _, err := s.WatchRequests("s1", func(r *Request) {
		mu.Lock()
		statuses = append(statuses, r.Status)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.PutRequest(ctx, "s1", &Request{RequestID: "request-1", TargetID: "co1", SessionID: "s1", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateRequest(ctx, "s1", "request-1", RequestUpdate{Status: StatusApproved}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusPending || statuses[1] != StatusApproved {
		t.Fatalf("watcher saw %v, want [pending approved]", statuses)
	}
}
