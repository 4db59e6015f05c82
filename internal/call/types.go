// Package call coordinates two-party encrypted calls over a relayed signal
// store: role assignment, glare-safe offer/answer/candidate exchange, a
// health watchdog and the per-process session registry.  The negotiation
// primitive is abstracted behind the Driver interface; the Pion-backed
// implementation lives in pion.go and the packet-level details stay there.
package call

import (
	"context"
	"errors"

	"github.com/petervdpas/peercall/internal/signal"
)

// Role fixes an endpoint's negotiation position for the session's lifetime.
// The initiator is impolite: its offer prevails in a collision.  The responder
// is polite and rolls back its own offer when one collides.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Polite reports whether this role yields during glare.
func (r Role) Polite() bool { return r == RoleResponder }

// State is the session lifecycle state.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateAwaitingConsent State = "awaiting-consent"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// ErrMediaUnavailable marks camera/microphone acquisition failures so callers
// can tell a denied permission from a negotiation problem.
var ErrMediaUnavailable = errors.New("call: local media unavailable")

// ErrSessionEnded is returned by Start when the session was already torn
// down, e.g. by a racing End or a registry replacement.
var ErrSessionEnded = errors.New("call: session already ended")

// DriverEventKind enumerates what a negotiation primitive can report.
type DriverEventKind int

const (
	// DriverLocalSignal carries a locally generated offer, answer or candidate
	// that must be relayed to the remote endpoint.
	DriverLocalSignal DriverEventKind = iota
	// DriverLocalStream fires once local capture tracks are attached.
	DriverLocalStream
	// DriverRemoteStream fires when remote media starts arriving.
	DriverRemoteStream
	// DriverConnected fires when the peer connection is established.
	DriverConnected
	// DriverClosed fires on a graceful local or remote close.
	DriverClosed
	// DriverFailed fires on a fatal connection error.
	DriverFailed
)

// DriverEvent is one event from the negotiation primitive.
type DriverEvent struct {
	Kind   DriverEventKind
	Signal *signal.Message // set for DriverLocalSignal
	Err    error           // set for DriverFailed
}

// Driver abstracts the local negotiation primitive (a Pion PeerConnection in
// production, a fake in tests).  All methods are called from the session's
// event loop, never concurrently.
type Driver interface {
	// Start begins negotiation.  An initiator driver produces an offer; a
	// responder driver waits for one.
	Start(ctx context.Context) error

	// HandleOffer applies a remote offer and produces an answer via Events.
	HandleOffer(desc *signal.Description) error

	// HandleAnswer applies a remote answer to our outstanding offer.
	HandleAnswer(desc *signal.Description) error

	// Rollback discards our own in-flight offer (polite glare resolution)
	// so a colliding remote offer can be applied.
	Rollback() error

	// AddCandidate applies a remote ICE candidate.  The session only calls
	// this after a remote description was applied; earlier candidates are
	// queued by the session.
	AddCandidate(c *signal.Candidate) error

	// ToggleVideo / ToggleAudio flip the local tracks and report the new
	// enabled state.
	ToggleVideo() bool
	ToggleAudio() bool

	// Events returns the driver's event stream.  Closed by Close.
	Events() <-chan DriverEvent

	// Close tears the primitive down.  Idempotent.
	Close() error
}

// DriverFactory builds a driver for a role.  Media acquisition happens here;
// factories wrap capture failures in ErrMediaUnavailable.
type DriverFactory func(ctx context.Context, sessionID string, role Role) (Driver, error)
