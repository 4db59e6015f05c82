package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/peercall/internal/audit"
	"github.com/petervdpas/peercall/internal/consent"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/util"
)

// SessionConfig wires one call session.
type SessionConfig struct {
	SessionID string
	SelfID    string
	Role      Role

	Store   signal.Store
	Checker *consent.Checker // nil skips the consent gate (tests only)
	Factory DriverFactory
	Encrypt bool

	Audit   *audit.Store // optional audit trail
	Monitor *Monitor     // optional watchdog

	OnLocalStream  func()
	OnRemoteStream func()
	OnEnded        func(Summary)
	OnError        func(error)
}

// Summary describes how a session ended.
type Summary struct {
	SessionID string
	Role      Role
	Outcome   string // audit.Outcome*
	Reason    string
	Duration  time.Duration
}

// Stats is a snapshot of negotiation progress, consumed by the health monitor.
type Stats struct {
	SignalsSeen    int64
	CandidatesSeen int64
	AnswersSeen    int64
	OfferSent      bool
	RemoteStream   bool
	Connected      bool
}

// Session is one end-to-end call attempt.  All protocol work happens on a
// single event-loop goroutine fed by the store watcher and the driver; End is
// the only authoritative cancellation path and is safe from any state.
type Session struct {
	cfg SessionConfig

	stateMu sync.Mutex
	state   State

	// loop-owned; never touched outside the event loop
	negState      NegotiationState
	haveRemoteSDP bool
	pendingCands  []*signal.Candidate

	driver      Driver
	key         *consent.Key
	consentRec  *consent.Record
	callStart   time.Time
	watchCancel func()
	monitorStop func()

	seenMu sync.Mutex
	seen   map[string]struct{}

	sigCh chan *signal.Message

	// setupMu orders resource publication in Start against endWith, so a
	// teardown racing ahead of setup can never strand a watcher or driver.
	setupMu sync.Mutex
	endCh   chan struct{}
	endOnce sync.Once
	done    chan struct{}

	stalled atomic.Bool

	signalsSeen    atomic.Int64
	candidatesSeen atomic.Int64
	answersSeen    atomic.Int64
	offerSent      atomic.Bool
	remoteStream   atomic.Bool
	connected      atomic.Bool
}

// NewSession builds a session in the uninitialized state.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:   cfg,
		state: StateUninitialized,
		seen:  make(map[string]struct{}),
		sigCh: make(chan *signal.Message, 256),
		endCh: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the shared session identifier.
func (s *Session) ID() string { return s.cfg.SessionID }

// Role returns the fixed negotiation role.
func (s *Session) Role() Role { return s.cfg.Role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Ended reports whether the session reached a terminal state.
func (s *Session) Ended() bool { return s.State().Terminal() }

// Connected reports whether the peer connection is established.
func (s *Session) Connected() bool { return s.connected.Load() }

// Stats snapshots negotiation progress for diagnostics.
func (s *Session) Stats() Stats {
	return Stats{
		SignalsSeen:    s.signalsSeen.Load(),
		CandidatesSeen: s.candidatesSeen.Load(),
		AnswersSeen:    s.answersSeen.Load(),
		OfferSent:      s.offerSent.Load(),
		RemoteStream:   s.remoteStream.Load(),
		Connected:      s.connected.Load(),
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	// Terminal states are final: a setup step racing with teardown must not
	// resurrect an ended session.
	if !s.state.Terminal() {
		s.state = st
	}
	s.stateMu.Unlock()
}

// publish installs a resource for endWith to release, unless End already won
// the race.  On false the caller still owns the resource and releases it.
func (s *Session) publish(install func()) bool {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	select {
	case <-s.endCh:
		return false
	default:
	}
	install()
	return true
}

// Start runs the setup pipeline: consent, key derivation, media/driver
// construction, signal watch, then negotiation.  Consent and media failures
// are returned synchronously: nothing has touched the store at that point.
// A session that already ended fails fast with ErrSessionEnded, and a
// teardown racing with setup leaves no resource behind: every acquisition is
// published under the same guard endWith releases under.
func (s *Session) Start(ctx context.Context) error {
	if s.Ended() {
		return ErrSessionEnded
	}
	s.setState(StateAwaitingConsent)

	if s.cfg.Checker != nil {
		rec, err := s.cfg.Checker.Check(ctx)
		if err != nil {
			s.endWith(audit.OutcomeFailed, err.Error())
			return err
		}
		if !s.publish(func() { s.consentRec = rec }) {
			return ErrSessionEnded
		}
	}

	if s.cfg.Encrypt {
		key, err := consent.DeriveKey(s.cfg.SessionID)
		if err != nil {
			s.endWith(audit.OutcomeFailed, err.Error())
			return err
		}
		if !s.publish(func() { s.key = key }) {
			key.Destroy()
			return ErrSessionEnded
		}
	}

	drv, err := s.cfg.Factory(ctx, s.cfg.SessionID, s.cfg.Role)
	if err != nil {
		err = fmt.Errorf("negotiation driver: %w", err)
		s.endWith(audit.OutcomeFailed, err.Error())
		return err
	}
	if !s.publish(func() { s.driver = drv }) {
		_ = drv.Close()
		return ErrSessionEnded
	}

	cancel, err := s.cfg.Store.WatchSignals(s.cfg.SessionID, s.enqueueSignal)
	if err != nil {
		err = fmt.Errorf("watch signals: %w", err)
		s.endWith(audit.OutcomeFailed, err.Error())
		return err
	}
	if !s.publish(func() { s.watchCancel = cancel; s.callStart = time.Now() }) {
		cancel()
		return ErrSessionEnded
	}

	s.setState(StateNegotiating)
	go s.loop(ctx)

	if err := drv.Start(ctx); err != nil {
		err = fmt.Errorf("start negotiation: %w", err)
		s.endWith(audit.OutcomeFailed, err.Error())
		return err
	}

	if s.cfg.Monitor != nil {
		stop := s.cfg.Monitor.Watch(s)
		if !s.publish(func() { s.monitorStop = stop }) {
			stop()
			return ErrSessionEnded
		}
	}

	log.Printf("CALL [%s]: started as %s (polite=%v)", s.cfg.SessionID, s.cfg.Role, s.cfg.Role.Polite())
	return nil
}

// enqueueSignal is the store watch callback.  Echo filtering and id
// deduplication happen here, synchronously, before any decrypt work: a slow
// duplicate must never reach the loop twice.
func (s *Session) enqueueSignal(m *signal.Message) {
	s.seenMu.Lock()
	if _, dup := s.seen[m.ID]; dup {
		s.seenMu.Unlock()
		return
	}
	s.seen[m.ID] = struct{}{}
	s.seenMu.Unlock()

	if m.From == s.cfg.SelfID {
		return // own echo; marked seen so later redeliveries short-circuit
	}

	s.signalsSeen.Add(1)
	select {
	case s.sigCh <- m:
	case <-s.endCh:
	default:
		// The message is already marked seen and will never be processed,
		// so delete it from the store instead of stranding it there.
		log.Printf("CALL [%s]: signal queue full, dropping %s %s", s.cfg.SessionID, m.Type, m.ID)
		go s.removeSignal(m.ID)
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	events := s.driver.Events()
	for {
		select {
		case <-ctx.Done():
			s.endWith(audit.OutcomeClosed, "context canceled")
			return
		case <-s.endCh:
			return
		case m := <-s.sigCh:
			s.handleSignal(m)
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleDriverEvent(ev)
		}
	}
}

// handleSignal routes one deduplicated remote message.  Whatever happens -
// handled, ignored by the glare rule, malformed or undecryptable, the
// message is removed from the store afterwards so the channel stays small.
func (s *Session) handleSignal(m *signal.Message) {
	defer s.removeSignal(m.ID)

	msg := m
	if m.Encrypted {
		if s.key == nil {
			log.Printf("CALL [%s]: encrypted signal %s but no session key: dropped", s.cfg.SessionID, m.ID)
			return
		}
		var inner signal.Message
		if err := s.key.Open(m.Data, &inner); err != nil {
			log.Printf("CALL [%s]: undecryptable signal %s from %s: %v", s.cfg.SessionID, m.ID, m.From, err)
			return
		}
		inner.ID, inner.From, inner.Timestamp = m.ID, m.From, m.Timestamp
		msg = &inner
	}

	switch msg.Type {
	case signal.TypeOffer:
		if msg.Offer == nil {
			log.Printf("CALL [%s]: offer %s without description: dropped", s.cfg.SessionID, msg.ID)
			return
		}
		switch DecideOffer(s.cfg.Role.Polite(), s.negState) {
		case OfferIgnore:
			log.Printf("CALL [%s]: glare: ignoring remote offer, own offer stays in flight", s.cfg.SessionID)
			return
		case OfferRollbackAccept:
			log.Printf("CALL [%s]: glare: rolling back own offer for remote one", s.cfg.SessionID)
			if err := s.driver.Rollback(); err != nil {
				log.Printf("CALL [%s]: rollback failed: %v", s.cfg.SessionID, err)
				return
			}
			s.negState = NegIdle
		}
		if err := s.driver.HandleOffer(msg.Offer); err != nil {
			log.Printf("CALL [%s]: offer from %s rejected by driver: %v", s.cfg.SessionID, msg.From, err)
			return
		}
		s.negState = NegAnswering
		s.remoteSDPReady()

	case signal.TypeAnswer:
		if msg.Answer == nil {
			log.Printf("CALL [%s]: answer %s without description: dropped", s.cfg.SessionID, msg.ID)
			return
		}
		s.answersSeen.Add(1)
		if err := s.driver.HandleAnswer(msg.Answer); err != nil {
			log.Printf("CALL [%s]: answer from %s rejected by driver: %v", s.cfg.SessionID, msg.From, err)
			return
		}
		s.negState = NegStable
		s.remoteSDPReady()

	case signal.TypeCandidate:
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			log.Printf("CALL [%s]: candidate %s without payload: dropped", s.cfg.SessionID, msg.ID)
			return
		}
		s.candidatesSeen.Add(1)
		// Normalize to the three fields every stack understands; remote
		// implementations attach vendor extras that confuse the primitive.
		cand := &signal.Candidate{
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
		}
		if !s.haveRemoteSDP {
			// Candidates may overtake the offer/answer in the channel.
			s.pendingCands = append(s.pendingCands, cand)
			return
		}
		if err := s.driver.AddCandidate(cand); err != nil {
			log.Printf("CALL [%s]: candidate rejected by driver: %v", s.cfg.SessionID, err)
		}

	default:
		log.Printf("CALL [%s]: unknown signal type %q from %s: dropped", s.cfg.SessionID, msg.Type, msg.From)
	}
}

// remoteSDPReady flushes candidates that arrived before the remote description.
func (s *Session) remoteSDPReady() {
	s.haveRemoteSDP = true
	for _, cand := range s.pendingCands {
		if err := s.driver.AddCandidate(cand); err != nil {
			log.Printf("CALL [%s]: queued candidate rejected by driver: %v", s.cfg.SessionID, err)
		}
	}
	s.pendingCands = nil
}

func (s *Session) handleDriverEvent(ev DriverEvent) {
	switch ev.Kind {
	case DriverLocalSignal:
		s.relayLocalSignal(ev.Signal)

	case DriverLocalStream:
		if s.cfg.OnLocalStream != nil {
			s.cfg.OnLocalStream()
		}

	case DriverRemoteStream:
		s.remoteStream.Store(true)
		log.Printf("CALL [%s]: remote stream received", s.cfg.SessionID)
		if s.cfg.OnRemoteStream != nil {
			s.cfg.OnRemoteStream()
		}

	case DriverConnected:
		s.connected.Store(true)
		s.negState = NegStable
		s.setState(StateConnected)
		log.Printf("CALL [%s]: peer connection established after %s", s.cfg.SessionID, time.Since(s.callStart).Round(time.Millisecond))

	case DriverClosed:
		// Not an error: local or remote hang-up, or a close after media
		// already flowed.  Outcome depends on how far we got.
		s.endWith(s.successOutcome(), "peer connection closed")

	case DriverFailed:
		if s.remoteStream.Load() || s.connected.Load() {
			// Errors after media flowed are a successful-then-ended call.
			log.Printf("CALL [%s]: post-media error treated as normal end: %v", s.cfg.SessionID, ev.Err)
			s.endWith(audit.OutcomeConnected, "ended after media")
			return
		}
		if s.cfg.OnError != nil {
			s.cfg.OnError(ev.Err)
		}
		s.endWith(audit.OutcomeFailed, fmt.Sprintf("connection failed: %v", ev.Err))
	}
}

// relayLocalSignal sends a locally generated signal through the store,
// sealing it when the session has a key.
func (s *Session) relayLocalSignal(out *signal.Message) {
	if out == nil {
		return
	}
	out.From = s.cfg.SelfID
	out.Timestamp = time.Now().UnixMilli()

	if out.Type == signal.TypeOffer {
		s.negState = NegOffering
		s.offerSent.Store(true)
	} else if out.Type == signal.TypeAnswer {
		s.negState = NegStable
	}

	wire := out
	if s.key != nil {
		sealed, err := s.key.Seal(out)
		if err != nil {
			log.Printf("CALL [%s]: sealing %s failed: %v", s.cfg.SessionID, out.Type, err)
			return
		}
		wire = &signal.Message{
			Type:      out.Type,
			Data:      sealed,
			From:      s.cfg.SelfID,
			Timestamp: out.Timestamp,
			Encrypted: true,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
	defer cancel()
	id, err := s.cfg.Store.AppendSignal(ctx, s.cfg.SessionID, wire)
	if err != nil {
		log.Printf("CALL [%s]: relaying %s failed: %v", s.cfg.SessionID, out.Type, err)
		return
	}
	// Mark our own message seen so the watch echo is filtered without work.
	s.seenMu.Lock()
	s.seen[id] = struct{}{}
	s.seenMu.Unlock()
}

func (s *Session) removeSignal(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
	defer cancel()
	if err := s.cfg.Store.RemoveSignal(ctx, s.cfg.SessionID, id); err != nil {
		log.Printf("CALL [%s]: removing signal %s failed: %v", s.cfg.SessionID, id, err)
	}
}

// successOutcome classifies a benign close by how far the call got.  A call
// the monitor flagged as stalled and that never connected ends as a timeout.
func (s *Session) successOutcome() string {
	if s.connected.Load() || s.remoteStream.Load() {
		return audit.OutcomeConnected
	}
	if s.stalled.Load() {
		return audit.OutcomeTimeout
	}
	return audit.OutcomeClosed
}

// End tears the session down gracefully.  Idempotent and callable from any
// state, including before Start and after a failure.
func (s *Session) End(reason string) {
	s.endWith(s.successOutcome(), reason)
}

// endWith runs the full cleanup sequence exactly once: stop watchers, close
// the driver, destroy the key, scrub consent down to the audit tuple and
// clear the processed-message cache.
func (s *Session) endWith(outcome, reason string) {
	s.endOnce.Do(func() {
		// Close endCh under the setup guard: from here on Start's publish
		// calls fail and the caller releases its own resources, so this
		// snapshot is complete.
		s.setupMu.Lock()
		close(s.endCh)
		watchCancel, monitorStop := s.watchCancel, s.monitorStop
		driver, key := s.driver, s.key
		consentRec, callStart := s.consentRec, s.callStart
		s.setupMu.Unlock()

		if watchCancel != nil {
			watchCancel()
		}
		if monitorStop != nil {
			monitorStop()
		}
		if driver != nil {
			if err := driver.Close(); err != nil {
				log.Printf("CALL [%s]: driver close: %v", s.cfg.SessionID, err)
			}
		}
		if key != nil {
			key.Destroy()
		}

		s.seenMu.Lock()
		s.seen = make(map[string]struct{})
		s.seenMu.Unlock()

		var duration time.Duration
		if !callStart.IsZero() {
			duration = time.Since(callStart)
		}

		var consentedAt time.Time
		if consentRec != nil {
			tuple := consentRec.Scrub(callStart)
			consentedAt = tuple.ConsentedAt
		}

		if outcome == audit.OutcomeFailed {
			s.setState(StateFailed)
		} else {
			s.setState(StateEnded)
		}

		if s.cfg.Audit != nil && !consentedAt.IsZero() {
			err := s.cfg.Audit.Record(audit.Entry{
				SessionID:   s.cfg.SessionID,
				Role:        string(s.cfg.Role),
				ConsentedAt: consentedAt,
				Duration:    duration,
				Outcome:     outcome,
			})
			if err != nil {
				log.Printf("CALL [%s]: audit record: %v", s.cfg.SessionID, err)
			}
		}

		log.Printf("CALL [%s]: ended: outcome=%s reason=%q duration=%s", s.cfg.SessionID, outcome, reason, duration.Round(time.Millisecond))

		if s.cfg.OnEnded != nil {
			s.cfg.OnEnded(Summary{
				SessionID: s.cfg.SessionID,
				Role:      s.cfg.Role,
				Outcome:   outcome,
				Reason:    reason,
				Duration:  duration,
			})
		}
	})
}

// ToggleCamera flips the local video track.  Returns the new enabled state.
func (s *Session) ToggleCamera() bool {
	if s.driver == nil {
		return false
	}
	return s.driver.ToggleVideo()
}

// ToggleMicrophone flips the local audio track.  Returns the new enabled state.
func (s *Session) ToggleMicrophone() bool {
	if s.driver == nil {
		return false
	}
	return s.driver.ToggleAudio()
}
