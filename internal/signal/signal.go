// Package signal defines the wire types and store contract for the relayed
// signaling channel two endpoints use to negotiate a call.  The store is a
// pure rendezvous point: it has no protocol knowledge, does not filter the
// sender's own echo, and guarantees nothing stronger than arrival order per
// watcher.  Consumers filter by sender identity and delete messages they have
// processed so the channel never grows unbounded.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message types on the signaling channel.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice-candidate"
	TypeUnknown   = "unknown"
)

// Request status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// ErrNotFound is returned when a signal or request id does not exist.
var ErrNotFound = errors.New("signal: not found")

// Description is a session description produced by the negotiation primitive.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate normalized to the three fields every
// implementation understands.  Vendor-specific extras from remote stacks are
// dropped before the candidate is handed to the local primitive.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Message is one signaling message exchanged through the store.
// ID is assigned by the store on append.  When Encrypted is set the
// offer/answer/candidate fields are empty and Data carries the sealed payload.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Offer     *Description    `json:"offer,omitempty"`
	Answer    *Description    `json:"answer,omitempty"`
	Candidate *Candidate      `json:"candidate,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// NewMessage stamps a message with sender and current time.
func NewMessage(msgType, from string) *Message {
	return &Message{
		Type:      msgType,
		From:      from,
		Timestamp: nowMilli(),
	}
}

func nowMilli() int64 { return time.Now().UnixMilli() }

// newOpaqueID returns an opaque globally-unique id for store entries.
func newOpaqueID(kind string) string { return kind + "-" + uuid.NewString() }

// Request is an out-of-band invitation to start a call, stored alongside the
// session's signals.  It is transitioned exactly once out of pending.
type Request struct {
	RequestID     string `json:"requestId"`
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`
	TargetID      string `json:"companyId"`
	SessionID     string `json:"chatId"`
	Timestamp     int64  `json:"timestamp"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	ApprovedAt    int64  `json:"approvedAt,omitempty"`
	RejectedAt    int64  `json:"rejectedAt,omitempty"`
	Reason        string `json:"rejectionReason,omitempty"`
}

// Terminal reports whether the request has left the pending state.
func (r *Request) Terminal() bool {
	return r.Status != StatusPending
}

// RequestUpdate describes a conditional transition of a pending request.
type RequestUpdate struct {
	Status string // approved | rejected | expired
	Reason string // optional, for rejections
}

// Store is the rendezvous contract.  Implementations: memory (in-process),
// redis (shared), relay client (websocket).  Delivery to watchers is
// at-least-once; watchers must deduplicate by message id.
type Store interface {
	// AppendSignal stores msg under sessionID, assigns and returns its id.
	AppendSignal(ctx context.Context, sessionID string, msg *Message) (string, error)

	// WatchSignals delivers existing and future signals for sessionID to fn,
	// in arrival order, including the caller's own.  fn must not block.
	WatchSignals(sessionID string, fn func(*Message)) (cancel func(), err error)

	// RemoveSignal deletes a signal by id.  Removing an unknown id is a no-op.
	RemoveSignal(ctx context.Context, sessionID, id string) error

	// PutRequest stores a call request keyed by its RequestID.
	PutRequest(ctx context.Context, sessionID string, req *Request) error

	// UpdateRequest applies upd only if the request is still pending.
	// Returns changed=false (and no error) when the request was already
	// terminal, so a second approve can never overwrite approvedAt.
	UpdateRequest(ctx context.Context, sessionID, requestID string, upd RequestUpdate) (changed bool, err error)

	// WatchRequests delivers existing and future request states for sessionID,
	// including every transition.
	WatchRequests(sessionID string, fn func(*Request)) (cancel func(), err error)

	Close() error
}
