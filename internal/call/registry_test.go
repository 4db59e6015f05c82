package call

import (
	"testing"

	"github.com/petervdpas/peercall/internal/signal"
)

func newIdleSession(id string, role Role) *Session {
	return NewSession(SessionConfig{
		SessionID: id,
		SelfID:    "me",
		Role:      role,
		Store:     signal.NewMemoryStore(),
	})
}

func TestRegistryReusesSameIDAndRole(t *testing.T) {
	r := NewRegistry()
	first, created := r.Acquire("s1", RoleInitiator, func() *Session { return newIdleSession("s1", RoleInitiator) })
	if !created {
		t.Fatal("first acquire did not create")
	}

	second, created := r.Acquire("s1", RoleInitiator, func() *Session {
		t.Fatal("create called for a reusable session")
		return nil
	})
	if created || second != first {
		t.Fatal("same id and role must reuse the live session")
	}
}

func TestRegistryUpgradesWaitingResponder(t *testing.T) {
	r := NewRegistry()
	responder, _ := r.Acquire("s1", RoleResponder, func() *Session { return newIdleSession("s1", RoleResponder) })

	initiator, created := r.Acquire("s1", RoleInitiator, func() *Session { return newIdleSession("s1", RoleInitiator) })
	if !created {
		t.Fatal("role upgrade must create a fresh session")
	}
	if !responder.Ended() {
		t.Fatal("waiting responder session not torn down on upgrade")
	}
	if initiator.Role() != RoleInitiator {
		t.Fatalf("upgraded session role %s, want %s", initiator.Role(), RoleInitiator)
	}
	if cur := r.Current(); cur != initiator {
		t.Fatal("registry holds more than one live session")
	}
}

func TestRegistryTearsDownOtherSession(t *testing.T) {
	r := NewRegistry()
	old, _ := r.Acquire("s1", RoleInitiator, func() *Session { return newIdleSession("s1", RoleInitiator) })

	neu, created := r.Acquire("s2", RoleInitiator, func() *Session { return newIdleSession("s2", RoleInitiator) })
	if !created {
		t.Fatal("different session id must create")
	}
	if !old.Ended() {
		t.Fatal("previous session not torn down before switching")
	}
	if cur := r.Current(); cur != neu {
		t.Fatal("registry current is not the new session")
	}
}

func TestRegistryRelease(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Acquire("s1", RoleInitiator, func() *Session { return newIdleSession("s1", RoleInitiator) })

	r.Release("other", "wrong id")
	if s.Ended() {
		t.Fatal("release with a different id ended the session")
	}

	r.Release("s1", "done")
	if !s.Ended() {
		t.Fatal("release did not end the session")
	}
	if r.Current() != nil {
		t.Fatal("registry still holds a session after release")
	}

	r.Release("", "idempotent") // no live session; must not panic
}
