// Package request implements the out-of-band call request workflow that
// precedes any media negotiation: a visitor asks, the target approves or
// rejects, and only an approval unblocks the requester's call setup.  It is a
// thin state machine over the signal store and carries no protocol knowledge.
package request

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/peercall/internal/signal"
)

// ErrNoSessionScope is returned when Listen is called without an explicit
// session list.  Scanning the whole store would bypass per-session access
// control, so it is not offered.
var ErrNoSessionScope = errors.New("request: listen requires at least one session id")

// StatusFunc receives the single terminal transition of a sent request.
type StatusFunc func(*signal.Request)

// ListenerFunc receives each matching pending request exactly once.
type ListenerFunc func(*signal.Request)

// Workflow drives call requests over a signal store.
type Workflow struct {
	store  signal.Store
	selfID string
	name   string

	mu      sync.Mutex
	cancels []func()
}

// New creates a workflow for the given local endpoint identity.
func New(store signal.Store, selfID, displayName string) *Workflow {
	return &Workflow{store: store, selfID: selfID, name: displayName}
}

// SendOptions parameterize a call request.
type SendOptions struct {
	TargetID  string
	SessionID string
	Message   string // optional free-text shown to the target
	OnStatus  StatusFunc
}

// Send creates a pending request and watches for its terminal transition.
// OnStatus fires at most once, with approved or rejected.
func (w *Workflow) Send(ctx context.Context, opts SendOptions) (string, error) {
	if opts.TargetID == "" || opts.SessionID == "" {
		return "", errors.New("request: target and session ids are required")
	}

	req := &signal.Request{
		RequestID:     "request-" + uuid.NewString(),
		RequesterID:   w.selfID,
		RequesterName: w.name,
		TargetID:      opts.TargetID,
		SessionID:     opts.SessionID,
		Timestamp:     nowMilli(),
		Status:        signal.StatusPending,
		Message:       opts.Message,
	}

	if err := w.store.PutRequest(ctx, opts.SessionID, req); err != nil {
		return "", fmt.Errorf("send call request: %w", err)
	}
	log.Printf("REQUEST [%s]: sent %s to %s", opts.SessionID, req.RequestID, opts.TargetID)

	if opts.OnStatus != nil {
		if err := w.watchResponse(opts.SessionID, req.RequestID, opts.OnStatus); err != nil {
			return "", err
		}
	}
	return req.RequestID, nil
}

// watchResponse follows the sent request until it turns terminal, then
// reports once and unsubscribes.
func (w *Workflow) watchResponse(sessionID, requestID string, onStatus StatusFunc) error {
	var once sync.Once
	var cancel func()

	cancel, err := w.store.WatchRequests(sessionID, func(r *signal.Request) {
		if r.RequestID != requestID || !r.Terminal() {
			return
		}
		once.Do(func() {
			log.Printf("REQUEST [%s]: %s is %s", sessionID, requestID, r.Status)
			onStatus(r)
			// Unsubscribe from a fresh goroutine: cancel may take the store
			// lock the watcher callback is invoked under.
			go cancel()
		})
	})
	if err != nil {
		return fmt.Errorf("watch request response: %w", err)
	}

	w.track(cancel)
	return nil
}

// Listen subscribes to the given sessions and invokes onRequest once per
// pending request addressed to targetID.  An empty session list is refused.
func (w *Workflow) Listen(targetID string, sessionIDs []string, onRequest ListenerFunc) (func(), error) {
	if len(sessionIDs) == 0 {
		return nil, ErrNoSessionScope
	}

	seen := make(map[string]struct{})
	var seenMu sync.Mutex

	cancels := make([]func(), 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		cancel, err := w.store.WatchRequests(sid, func(r *signal.Request) {
			if r.TargetID != targetID || r.Status != signal.StatusPending {
				return
			}
			seenMu.Lock()
			if _, dup := seen[r.RequestID]; dup {
				seenMu.Unlock()
				return
			}
			seen[r.RequestID] = struct{}{}
			seenMu.Unlock()

			log.Printf("REQUEST [%s]: incoming %s from %s", r.SessionID, r.RequestID, r.RequesterID)
			onRequest(r)
		})
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, fmt.Errorf("listen on %s: %w", sid, err)
		}
		cancels = append(cancels, cancel)
	}

	all := func() {
		for _, c := range cancels {
			c()
		}
	}
	w.track(all)
	return all, nil
}

// Approve transitions a pending request to approved.  A second call on an
// already-terminal request is a no-op and must not overwrite approvedAt.
func (w *Workflow) Approve(ctx context.Context, sessionID, requestID string) error {
	changed, err := w.store.UpdateRequest(ctx, sessionID, requestID, signal.RequestUpdate{
		Status: signal.StatusApproved,
	})
	if err != nil {
		return fmt.Errorf("approve request: %w", err)
	}
	if !changed {
		log.Printf("REQUEST [%s]: approve on terminal request %s ignored", sessionID, requestID)
	}
	return nil
}

// Reject transitions a pending request to rejected with an optional reason.
func (w *Workflow) Reject(ctx context.Context, sessionID, requestID, reason string) error {
	changed, err := w.store.UpdateRequest(ctx, sessionID, requestID, signal.RequestUpdate{
		Status: signal.StatusRejected,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("reject request: %w", err)
	}
	if !changed {
		log.Printf("REQUEST [%s]: reject on terminal request %s ignored", sessionID, requestID)
	}
	return nil
}

// Expire marks a stale pending request as expired.  Driven externally, e.g.
// by a janitor sweeping requests older than a deadline.
func (w *Workflow) Expire(ctx context.Context, sessionID, requestID string) error {
	_, err := w.store.UpdateRequest(ctx, sessionID, requestID, signal.RequestUpdate{
		Status: signal.StatusExpired,
	})
	if err != nil {
		return fmt.Errorf("expire request: %w", err)
	}
	return nil
}

// Close cancels every live watcher this workflow created.
func (w *Workflow) Close() {
	w.mu.Lock()
	cancels := w.cancels
	w.cancels = nil
	w.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (w *Workflow) track(cancel func()) {
	w.mu.Lock()
	w.cancels = append(w.cancels, cancel)
	w.mu.Unlock()
}

func nowMilli() int64 { return time.Now().UnixMilli() }
