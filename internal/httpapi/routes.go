// Package httpapi is the local HTTP/SSE surface for a UI.  It carries no
// protocol logic: every route delegates to the coordinator.
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/petervdpas/peercall/internal/call"
)

// Register wires the call API onto mux.
func Register(mux *http.ServeMux, c *call.Coordinator, hub *Hub) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		if req.SessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if err := c.StartCall(r.Context(), req.SessionID); err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "started", "session_id": req.SessionID})
	})

	// POST /api/call/join
	handlePost(mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		if req.SessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if err := c.JoinCall(r.Context(), req.SessionID); err != nil {
			http.Error(w, fmt.Sprintf("join call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "session_id": req.SessionID})
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		if req.SessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if err := c.AnswerCall(r.Context(), req.SessionID); err != nil {
			http.Error(w, fmt.Sprintf("answer call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "answering", "session_id": req.SessionID})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, _ *http.Request, req struct {
		Reason string `json:"reason"`
	}) {
		c.EndCall(req.Reason)
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-camera
	handlePost(mux, "/api/call/toggle-camera", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"enabled": c.ToggleCamera()})
	})

	// POST /api/call/toggle-microphone
	handlePost(mux, "/api/call/toggle-microphone", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"enabled": c.ToggleMicrophone()})
	})

	// POST /api/request/send
	handlePost(mux, "/api/request/send", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetID  string `json:"target_id"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}) {
		if req.TargetID == "" || req.SessionID == "" {
			http.Error(w, "missing target_id or session_id", http.StatusBadRequest)
			return
		}
		id, err := c.SendRequest(r.Context(), req.TargetID, req.SessionID, req.Message)
		if err != nil {
			http.Error(w, fmt.Sprintf("send request failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "sent", "request_id": id})
	})

	// POST /api/request/approve
	handlePost(mux, "/api/request/approve", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
		RequestID string `json:"request_id"`
	}) {
		if req.SessionID == "" || req.RequestID == "" {
			http.Error(w, "missing session_id or request_id", http.StatusBadRequest)
			return
		}
		if err := c.ApproveRequest(r.Context(), req.SessionID, req.RequestID); err != nil {
			http.Error(w, fmt.Sprintf("approve failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "approved"})
	})

	// POST /api/request/reject
	handlePost(mux, "/api/request/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
		RequestID string `json:"request_id"`
		Reason    string `json:"reason"`
	}) {
		if req.SessionID == "" || req.RequestID == "" {
			http.Error(w, "missing session_id or request_id", http.StatusBadRequest)
			return
		}
		if err := c.RejectRequest(r.Context(), req.SessionID, req.RequestID, req.Reason); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// GET /api/call/status
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, _ *http.Request) {
		s := c.Current()
		if s == nil {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		stats := s.Stats()
		writeJSON(w, map[string]any{
			"active":          true,
			"session_id":      s.ID(),
			"role":            s.Role(),
			"state":           s.State(),
			"connected":       stats.Connected,
			"signals_seen":    stats.SignalsSeen,
			"candidates_seen": stats.CandidatesSeen,
		})
	})

	// GET /api/call/events, SSE stream: incoming requests, request status
	// changes, stream and call-ended notifications.  Each connection gets its
	// own subscription; unsubscribed on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := hub.subscribe()
		defer hub.unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-ch:
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
