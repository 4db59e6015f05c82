// Package relay carries signal traffic between endpoints that share no
// direct store: a Server hosts the canonical store and fans changes out to
// websocket clients, and Client implements signal.Store against it.
package relay

import (
	"github.com/petervdpas/peercall/internal/signal"
)

// Frame is one message of the relay protocol, both directions.  Requests
// carry a client-chosen seq; the reply echoes it.  Stream frames (op signal,
// request) have no seq.
type Frame struct {
	Op  string `json:"op"`
	Seq int64  `json:"seq,omitempty"`
	SID string `json:"sid,omitempty"`
	ID  string `json:"id,omitempty"`

	Msg     *signal.Message       `json:"msg,omitempty"`
	Req     *signal.Request       `json:"req,omitempty"`
	Update  *signal.RequestUpdate `json:"update,omitempty"`
	Changed bool                  `json:"changed,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Client-to-server ops.
const (
	opAppend         = "append"
	opRemove         = "remove"
	opWatchSignals   = "watch-signals"
	opUnwatchSignals = "unwatch-signals"
	opPutRequest     = "put-request"
	opUpdateRequest  = "update-request"
	opWatchRequests  = "watch-requests"
	opUnwatchReqs    = "unwatch-requests"
)

// Server-to-client ops.
const (
	opOK      = "ok"      // generic ack, carries ID/Changed where relevant
	opError   = "error"   // failed request, carries Error
	opSignal  = "signal"  // stream: one signal message
	opRequest = "request" // stream: one call request
)
