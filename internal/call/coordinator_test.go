package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/petervdpas/peercall/internal/consent"
	"github.com/petervdpas/peercall/internal/signal"
)

func TestConsentGateLeavesStoreUntouched(t *testing.T) {
	store := signal.NewMemoryStore()
	var factoryCalls atomic.Int64

	c := NewCoordinator(CoordinatorConfig{
		SelfID: "me",
		Store:  store,
		Checker: &consent.Checker{
			Prompt: func(context.Context) (bool, error) { return false, nil },
		},
		Factory: func(ctx context.Context, sid string, role Role) (Driver, error) {
			factoryCalls.Add(1)
			return newFakeDriver(), nil
		},
	})
	defer c.Close()

	err := c.StartCall(context.Background(), "s1")
	if !errors.Is(err, consent.ErrConsentRequired) {
		t.Fatalf("StartCall error %v, want ErrConsentRequired", err)
	}

	if factoryCalls.Load() != 0 {
		t.Fatal("media/driver acquired despite denied consent")
	}
	if n := store.SignalCount("s1"); n != 0 {
		t.Fatalf("%d signals written despite denied consent", n)
	}
	if n := store.WatcherCount("s1"); n != 0 {
		t.Fatalf("%d watchers registered despite denied consent", n)
	}
}

func TestCoordinatortogglesWithoutCall(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{SelfID: "me", Store: signal.NewMemoryStore()})
	defer c.Close()

	if c.ToggleCamera() || c.ToggleMicrophone() {
		t.Fatal("toggles reported enabled with no live call")
	}
	c.EndCall("") // no live call; must be a no-op
}

func TestCoordinatorRolesPerOperation(t *testing.T) {
	store := signal.NewMemoryStore()
	c := NewCoordinator(CoordinatorConfig{
		SelfID: "me",
		Store:  store,
		Factory: func(ctx context.Context, sid string, role Role) (Driver, error) {
			return newFakeDriver(), nil
		},
	})
	defer c.Close()

	if err := c.AnswerCall(context.Background(), "s1"); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if got := c.Current().Role(); got != RoleResponder {
		t.Fatalf("AnswerCall role %s, want %s", got, RoleResponder)
	}

	// Joining the same session upgrades the waiting responder.
	if err := c.JoinCall(context.Background(), "s1"); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	if got := c.Current().Role(); got != RoleInitiator {
		t.Fatalf("JoinCall role %s, want %s", got, RoleInitiator)
	}

	c.EndCall("done")
	if c.Current() != nil {
		t.Fatal("session still live after EndCall")
	}
	c.EndCall("again") // idempotent
}

func TestCoordinatorRequestRoundTrip(t *testing.T) {
	store := signal.NewMemoryStore()

	var incoming atomic.Int64
	var terminal atomic.Int64

	caller := NewCoordinator(CoordinatorConfig{
		SelfID: "alice", DisplayName: "Alice", Store: store,
		Hooks: Hooks{OnRequestStatus: func(r *signal.Request) {
			if r.Status == signal.StatusApproved {
				terminal.Add(1)
			}
		}},
	})
	defer caller.Close()

	var reqID atomic.Value
	callee := NewCoordinator(CoordinatorConfig{
		SelfID: "co1", Store: store,
		Hooks: Hooks{OnIncomingRequest: func(r *signal.Request) {
			incoming.Add(1)
			reqID.Store(r.RequestID)
		}},
	})
	defer callee.Close()

	cancel, err := callee.ListenRequests([]string{"s1"})
	if err != nil {
		t.Fatalf("ListenRequests: %v", err)
	}
	defer cancel()

	if _, err := caller.SendRequest(context.Background(), "co1", "s1", "join me"); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	waitFor(t, "incoming request", func() bool { return incoming.Load() == 1 })

	id, _ := reqID.Load().(string)
	if err := callee.ApproveRequest(context.Background(), "s1", id); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}
	waitFor(t, "approved status at caller", func() bool { return terminal.Load() == 1 })
}

func TestListenRequestsRequiresScope(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{SelfID: "me", Store: signal.NewMemoryStore()})
	defer c.Close()

	if _, err := c.ListenRequests(nil); err == nil {
		t.Fatal("ListenRequests accepted an empty session scope")
	}
}
