package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryStore is the in-process Store used by tests, single-process demos and
// as the backing state of the relay server.  Watchers receive a replay of the
// session's current entries followed by live updates, in arrival order.
type MemoryStore struct {
	mu       sync.RWMutex
	closed   bool
	seq      atomic.Int64
	sessions map[string]*memorySession
}

type memorySession struct {
	order    []string // signal ids in arrival order
	signals  map[string]*Message
	requests map[string]*Request
	reqOrder []string

	sigWatch map[int]func(*Message)
	reqWatch map[int]func(*Request)
	watchSeq int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) session(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{
			signals:  make(map[string]*Message),
			requests: make(map[string]*Request),
			sigWatch: make(map[int]func(*Message)),
			reqWatch: make(map[int]func(*Request)),
		}
		s.sessions[id] = sess
	}
	return sess
}

// AppendSignal stores msg and fans it out to all watchers of the session.
func (s *MemoryStore) AppendSignal(ctx context.Context, sessionID string, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("store closed")
	}
	sess := s.session(sessionID)
	cp := *msg
	cp.ID = fmt.Sprintf("sig-%06d", s.seq.Add(1))
	sess.signals[cp.ID] = &cp
	sess.order = append(sess.order, cp.ID)
	watchers := snapshotWatchers(sess.sigWatch)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(&cp)
	}
	return cp.ID, nil
}

// WatchSignals replays stored signals then follows new appends.
func (s *MemoryStore) WatchSignals(sessionID string, fn func(*Message)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store closed")
	}
	sess := s.session(sessionID)
	id := sess.watchSeq
	sess.watchSeq++
	sess.sigWatch[id] = fn

	replay := make([]*Message, 0, len(sess.order))
	for _, sid := range sess.order {
		if m, ok := sess.signals[sid]; ok {
			replay = append(replay, m)
		}
	}
	s.mu.Unlock()

	for _, m := range replay {
		fn(m)
	}

	cancel := func() {
		s.mu.Lock()
		delete(sess.sigWatch, id)
		s.mu.Unlock()
	}
	return cancel, nil
}

// RemoveSignal deletes a signal by id.  Unknown ids are ignored; both
// endpoints may race to delete and the loser must not fail.
func (s *MemoryStore) RemoveSignal(ctx context.Context, sessionID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(sess.signals, id)
	for i, sid := range sess.order {
		if sid == id {
			sess.order = append(sess.order[:i], sess.order[i+1:]...)
			break
		}
	}
	return nil
}

// PutRequest stores a request and notifies watchers.
func (s *MemoryStore) PutRequest(ctx context.Context, sessionID string, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store closed")
	}
	sess := s.session(sessionID)
	cp := *req
	if _, exists := sess.requests[cp.RequestID]; !exists {
		sess.reqOrder = append(sess.reqOrder, cp.RequestID)
	}
	sess.requests[cp.RequestID] = &cp
	watchers := snapshotWatchers(sess.reqWatch)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(&cp)
	}
	return nil
}

// UpdateRequest transitions a pending request.  Already-terminal requests are
// left untouched and reported as unchanged.
func (s *MemoryStore) UpdateRequest(ctx context.Context, sessionID, requestID string, upd RequestUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	req, ok := sess.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	if req.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	applyUpdate(req, upd)
	cp := *req
	watchers := snapshotWatchers(sess.reqWatch)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(&cp)
	}
	return true, nil
}

// WatchRequests replays stored requests then follows transitions.
func (s *MemoryStore) WatchRequests(sessionID string, fn func(*Request)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store closed")
	}
	sess := s.session(sessionID)
	id := sess.watchSeq
	sess.watchSeq++
	sess.reqWatch[id] = fn

	replay := make([]*Request, 0, len(sess.reqOrder))
	for _, rid := range sess.reqOrder {
		if r, ok := sess.requests[rid]; ok {
			replay = append(replay, r)
		}
	}
	s.mu.Unlock()

	for _, r := range replay {
		fn(r)
	}

	cancel := func() {
		s.mu.Lock()
		delete(sess.reqWatch, id)
		s.mu.Unlock()
	}
	return cancel, nil
}

// Close drops all sessions and watchers.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.sessions = make(map[string]*memorySession)
	s.mu.Unlock()
	return nil
}

// SignalCount reports how many undeleted signals a session holds.
// Used by tests asserting the delete-after-processing contract.
func (s *MemoryStore) SignalCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(sess.signals)
}

// WatcherCount reports active signal watchers for a session.
func (s *MemoryStore) WatcherCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(sess.sigWatch)
}

func snapshotWatchers[T any](m map[int]func(T)) []func(T) {
	out := make([]func(T), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func applyUpdate(req *Request, upd RequestUpdate) {
	now := nowMilli()
	req.Status = upd.Status
	switch upd.Status {
	case StatusApproved:
		req.ApprovedAt = now
	case StatusRejected:
		req.RejectedAt = now
		req.Reason = upd.Reason
	}
}
