package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peercall/internal/signal"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Endpoints connect from arbitrary origins (desktop apps, localhost).
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Server hosts the canonical signal store and relays it over websockets.
type Server struct {
	store *signal.MemoryStore
	srv   *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer returns a relay server backed by a fresh in-memory store.
func NewServer() *Server {
	return &Server{
		store: signal.NewMemoryStore(),
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the websocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// ListenAndServe runs the relay on addr at path /relay until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/relay", s.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.srv = &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	log.Printf("RELAY: listening on %s", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close drops all connections and the backing store.
func (s *Server) Close() error {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()
	return s.store.Close()
}

// conn is one websocket client.  A single writer goroutine drains out;
// gorilla forbids concurrent writers.
type conn struct {
	ws  *websocket.Conn
	out chan *Frame

	mu        sync.Mutex
	sigCancel map[string]func()
	reqCancel map[string]func()
	closed    bool
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}

	c := &conn{
		ws:        ws,
		out:       make(chan *Frame, 256),
		sigCancel: make(map[string]func()),
		reqCancel: make(map[string]func()),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Printf("RELAY: client connected from %s", r.RemoteAddr)
	go c.writeLoop()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	log.Printf("RELAY: client from %s gone", r.RemoteAddr)
}

func (c *conn) writeLoop() {
	for f := range c.out {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(f); err != nil {
			return
		}
	}
}

// send queues a frame, dropping it when the client cannot keep up.  Watch
// deliveries are at-least-once end to end, so a dropped fanout frame is
// recovered by the client's replay on reconnect.
func (c *conn) send(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- f:
	default:
		log.Printf("RELAY: slow client, dropping %s frame", f.Op)
	}
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, cancel := range c.sigCancel {
		cancel()
	}
	for _, cancel := range c.reqCancel {
		cancel()
	}
	close(c.out)
	c.mu.Unlock()
	c.ws.Close()
}

func (s *Server) readLoop(c *conn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		s.dispatch(c, &f)
	}
}

func (s *Server) dispatch(c *conn, f *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch f.Op {
	case opAppend:
		if f.Msg == nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: "append without msg"})
			return
		}
		id, err := s.store.AppendSignal(ctx, f.SID, f.Msg)
		if err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq, ID: id})

	case opRemove:
		if err := s.store.RemoveSignal(ctx, f.SID, f.ID); err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	case opWatchSignals:
		sid := f.SID
		c.mu.Lock()
		prev := c.sigCancel[sid]
		delete(c.sigCancel, sid)
		c.mu.Unlock()
		// A repeated watch restarts the store watch so the backlog is
		// replayed to the connection for the client's new subscriber.
		if prev != nil {
			prev()
		}
		cancelWatch, err := s.store.WatchSignals(sid, func(m *signal.Message) {
			c.send(&Frame{Op: opSignal, SID: sid, Msg: m})
		})
		if err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cancelWatch()
			return
		}
		c.sigCancel[sid] = cancelWatch
		c.mu.Unlock()
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	case opUnwatchSignals:
		c.mu.Lock()
		cancelWatch := c.sigCancel[f.SID]
		delete(c.sigCancel, f.SID)
		c.mu.Unlock()
		if cancelWatch != nil {
			cancelWatch()
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	case opPutRequest:
		if f.Req == nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: "put-request without req"})
			return
		}
		if err := s.store.PutRequest(ctx, f.SID, f.Req); err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	case opUpdateRequest:
		if f.Update == nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: "update-request without update"})
			return
		}
		changed, err := s.store.UpdateRequest(ctx, f.SID, f.ID, *f.Update)
		if err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq, Changed: changed})

	case opWatchRequests:
		sid := f.SID
		c.mu.Lock()
		prev := c.reqCancel[sid]
		delete(c.reqCancel, sid)
		c.mu.Unlock()
		if prev != nil {
			prev()
		}
		cancelWatch, err := s.store.WatchRequests(sid, func(r *signal.Request) {
			c.send(&Frame{Op: opRequest, SID: sid, Req: r})
		})
		if err != nil {
			c.send(&Frame{Op: opError, Seq: f.Seq, Error: err.Error()})
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cancelWatch()
			return
		}
		c.reqCancel[sid] = cancelWatch
		c.mu.Unlock()
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	case opUnwatchReqs:
		c.mu.Lock()
		cancelWatch := c.reqCancel[f.SID]
		delete(c.reqCancel, f.SID)
		c.mu.Unlock()
		if cancelWatch != nil {
			cancelWatch()
		}
		c.send(&Frame{Op: opOK, Seq: f.Seq})

	default:
		c.send(&Frame{Op: opError, Seq: f.Seq, Error: "unknown op " + f.Op})
	}
}
