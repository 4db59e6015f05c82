package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peercall/internal/signal"
)

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("relay: client closed")

// Client speaks the relay protocol and implements signal.Store, so a
// coordinator can run against a remote relay exactly like against a local
// memory store.
type Client struct {
	ws  *websocket.Conn
	seq atomic.Int64

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	pending  map[int64]chan *Frame
	sigFns   map[string]map[int]func(*signal.Message)
	reqFns   map[string]map[int]func(*signal.Request)
	watchSeq int

	done chan struct{}
}

// Dial connects to a relay server, e.g. ws://host:port/relay.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[int64]chan *Frame),
		sigFns:  make(map[string]map[int]func(*signal.Message)),
		reqFns:  make(map[string]map[int]func(*signal.Request)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	log.Printf("RELAY: connected to %s", url)
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.failPending(err)
			return
		}
		switch f.Op {
		case opSignal:
			if f.Msg == nil {
				continue
			}
			for _, fn := range c.signalWatchers(f.SID) {
				fn(f.Msg)
			}
		case opRequest:
			if f.Req == nil {
				continue
			}
			for _, fn := range c.requestWatchers(f.SID) {
				fn(f.Req)
			}
		default: // reply
			c.mu.Lock()
			ch := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ch != nil {
				ch <- &f
			}
		}
	}
}

func (c *Client) signalWatchers(sid string) []func(*signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(*signal.Message), 0, len(c.sigFns[sid]))
	for _, fn := range c.sigFns[sid] {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Client) requestWatchers(sid string) []func(*signal.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(*signal.Request), 0, len(c.reqFns[sid]))
	for _, fn := range c.reqFns[sid] {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		ch <- &Frame{Op: opError, Seq: seq, Error: err.Error()}
	}
}

// call sends a request frame and waits for the matching reply.
func (c *Client) call(ctx context.Context, f *Frame) (*Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	f.Seq = c.seq.Add(1)
	ch := make(chan *Frame, 1)
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("relay write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case reply := <-ch:
		if reply.Op == opError {
			if reply.Error == signal.ErrNotFound.Error() {
				return nil, signal.ErrNotFound
			}
			return nil, errors.New("relay: " + reply.Error)
		}
		return reply, nil
	}
}

// AppendSignal relays the message and returns the server-assigned id.
func (c *Client) AppendSignal(ctx context.Context, sessionID string, msg *signal.Message) (string, error) {
	reply, err := c.call(ctx, &Frame{Op: opAppend, SID: sessionID, Msg: msg})
	if err != nil {
		return "", err
	}
	return reply.ID, nil
}

// WatchSignals subscribes to the session's signal stream.
func (c *Client) WatchSignals(sessionID string, fn func(*signal.Message)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.watchSeq++
	id := c.watchSeq
	if c.sigFns[sessionID] == nil {
		c.sigFns[sessionID] = make(map[int]func(*signal.Message))
	}
	c.sigFns[sessionID][id] = fn
	c.mu.Unlock()

	// Every subscriber re-issues the watch op: the server restarts its store
	// watch, replaying the backlog to this connection so a late subscriber
	// still sees existing signals.  Earlier subscribers receive duplicates,
	// which the at-least-once contract already requires them to absorb.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.call(ctx, &Frame{Op: opWatchSignals, SID: sessionID}); err != nil {
		c.mu.Lock()
		delete(c.sigFns[sessionID], id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.sigFns[sessionID], id)
			last := len(c.sigFns[sessionID]) == 0
			closed := c.closed
			c.mu.Unlock()
			if last && !closed {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = c.call(ctx, &Frame{Op: opUnwatchSignals, SID: sessionID})
			}
		})
	}, nil
}

// RemoveSignal deletes a processed message server-side.
func (c *Client) RemoveSignal(ctx context.Context, sessionID, id string) error {
	_, err := c.call(ctx, &Frame{Op: opRemove, SID: sessionID, ID: id})
	return err
}

// PutRequest relays a call request record.
func (c *Client) PutRequest(ctx context.Context, sessionID string, req *signal.Request) error {
	_, err := c.call(ctx, &Frame{Op: opPutRequest, SID: sessionID, Req: req})
	return err
}

// UpdateRequest relays a conditional status transition.
func (c *Client) UpdateRequest(ctx context.Context, sessionID, requestID string, upd signal.RequestUpdate) (bool, error) {
	reply, err := c.call(ctx, &Frame{Op: opUpdateRequest, SID: sessionID, ID: requestID, Update: &upd})
	if err != nil {
		return false, err
	}
	return reply.Changed, nil
}

// WatchRequests subscribes to the session's call request stream.
func (c *Client) WatchRequests(sessionID string, fn func(*signal.Request)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.watchSeq++
	id := c.watchSeq
	if c.reqFns[sessionID] == nil {
		c.reqFns[sessionID] = make(map[int]func(*signal.Request))
	}
	c.reqFns[sessionID][id] = fn
	c.mu.Unlock()

	// Re-issued per subscriber for the backlog replay, as in WatchSignals.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.call(ctx, &Frame{Op: opWatchRequests, SID: sessionID}); err != nil {
		c.mu.Lock()
		delete(c.reqFns[sessionID], id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.reqFns[sessionID], id)
			last := len(c.reqFns[sessionID]) == 0
			closed := c.closed
			c.mu.Unlock()
			if last && !closed {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = c.call(ctx, &Frame{Op: opUnwatchReqs, SID: sessionID})
			}
		})
	}, nil
}

// Close drops the connection.  In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}
