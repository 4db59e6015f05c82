package call

import (
	"context"
	"log"

	"github.com/petervdpas/peercall/internal/audit"
	"github.com/petervdpas/peercall/internal/consent"
	"github.com/petervdpas/peercall/internal/request"
	"github.com/petervdpas/peercall/internal/signal"
)

// Hooks are the application-facing event callbacks.  All are optional and
// must not block; they are invoked from session goroutines.
type Hooks struct {
	OnLocalStream     func()
	OnRemoteStream    func()
	OnCallEnded       func(Summary)
	OnError           func(error)
	OnIncomingRequest func(*signal.Request)
	OnRequestStatus   func(*signal.Request)
}

// CoordinatorConfig configures the call coordinator.
type CoordinatorConfig struct {
	SelfID      string
	DisplayName string

	Store   signal.Store
	Checker *consent.Checker
	Factory DriverFactory
	Encrypt bool

	Audit   *audit.Store
	Monitor *Monitor

	Hooks Hooks
}

// Coordinator is the exposed call interface: start, join, answer and end
// calls, flip media tracks, and run the request/approval workflow.  It owns
// the session registry, so callers never juggle Session objects directly.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	requests *request.Workflow
}

// NewCoordinator wires a coordinator over a signal store.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		registry: NewRegistry(),
		requests: request.New(cfg.Store, cfg.SelfID, cfg.DisplayName),
	}
}

// StartCall begins an outgoing call for sessionID as initiator.
// Consent and media failures come back synchronously; before they are
// cleared nothing is written to the signal store.
func (c *Coordinator) StartCall(ctx context.Context, sessionID string) error {
	return c.startAs(ctx, sessionID, RoleInitiator)
}

// JoinCall enters an existing session as initiator, upgrading a waiting
// responder session for the same id if there is one.
func (c *Coordinator) JoinCall(ctx context.Context, sessionID string) error {
	return c.startAs(ctx, sessionID, RoleInitiator)
}

// AnswerCall enters a session as responder, waiting for the remote offer.
func (c *Coordinator) AnswerCall(ctx context.Context, sessionID string) error {
	return c.startAs(ctx, sessionID, RoleResponder)
}

func (c *Coordinator) startAs(ctx context.Context, sessionID string, role Role) error {
	s, created := c.registry.Acquire(sessionID, role, func() *Session {
		return NewSession(SessionConfig{
			SessionID:      sessionID,
			SelfID:         c.cfg.SelfID,
			Role:           role,
			Store:          c.cfg.Store,
			Checker:        c.cfg.Checker,
			Factory:        c.cfg.Factory,
			Encrypt:        c.cfg.Encrypt,
			Audit:          c.cfg.Audit,
			Monitor:        c.cfg.Monitor,
			OnLocalStream:  c.cfg.Hooks.OnLocalStream,
			OnRemoteStream: c.cfg.Hooks.OnRemoteStream,
			OnEnded:        c.cfg.Hooks.OnCallEnded,
			OnError:        c.cfg.Hooks.OnError,
		})
	})
	if !created {
		log.Printf("CALL [%s]: already live as %s, reusing session", sessionID, role)
		return nil
	}
	return s.Start(ctx)
}

// EndCall tears down the current call.  Safe to call at any time, including
// when no call is live.
func (c *Coordinator) EndCall(reason string) {
	if reason == "" {
		reason = "ended by user"
	}
	c.registry.Release("", reason)
}

// Current returns the live session, or nil.
func (c *Coordinator) Current() *Session {
	return c.registry.Current()
}

// ToggleCamera flips local video on the live session.
func (c *Coordinator) ToggleCamera() bool {
	if s := c.registry.Current(); s != nil {
		return s.ToggleCamera()
	}
	return false
}

// ToggleMicrophone flips local audio on the live session.
func (c *Coordinator) ToggleMicrophone() bool {
	if s := c.registry.Current(); s != nil {
		return s.ToggleMicrophone()
	}
	return false
}

// SendRequest asks target to join sessionID.  Terminal status changes are
// forwarded to the OnRequestStatus hook.
func (c *Coordinator) SendRequest(ctx context.Context, targetID, sessionID, message string) (string, error) {
	return c.requests.Send(ctx, request.SendOptions{
		TargetID:  targetID,
		SessionID: sessionID,
		Message:   message,
		OnStatus:  c.cfg.Hooks.OnRequestStatus,
	})
}

// ListenRequests watches the given sessions for incoming call requests
// addressed to this endpoint and forwards them to OnIncomingRequest.
func (c *Coordinator) ListenRequests(sessionIDs []string) (func(), error) {
	return c.requests.Listen(c.cfg.SelfID, sessionIDs, func(req *signal.Request) {
		if c.cfg.Hooks.OnIncomingRequest != nil {
			c.cfg.Hooks.OnIncomingRequest(req)
		}
	})
}

// ApproveRequest marks a pending request approved.
func (c *Coordinator) ApproveRequest(ctx context.Context, sessionID, requestID string) error {
	return c.requests.Approve(ctx, sessionID, requestID)
}

// RejectRequest marks a pending request rejected with a reason.
func (c *Coordinator) RejectRequest(ctx context.Context, sessionID, requestID, reason string) error {
	return c.requests.Reject(ctx, sessionID, requestID, reason)
}

// Close ends any live call and stops request watchers.  The signal store is
// owned by the caller and is not closed here.
func (c *Coordinator) Close() {
	c.registry.Release("", "coordinator shutdown")
	c.requests.Close()
}
