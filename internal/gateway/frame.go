package gateway

import (
	"encoding/json"

	"github.com/arbor-sh/arbor/internal/rpcerr"
)

// Frame types on the wire. Every message in either direction is one of
// these three.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// reqFrame is a client request: call method with params, answer with
// the same id.
type reqFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// resFrame answers one request. Exactly one of Payload and Error is
// set, matching OK.
type resFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Payload any           `json:"payload,omitempty"`
	Error   *rpcerr.Error `json:"error,omitempty"`
}

// eventFrame carries one subscription delivery. Seq is per-connection
// monotonic so clients can detect reordering; Gap marks the first
// delivery after the subscriber buffer overflowed and Dropped counts
// what was shed.
type eventFrame struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	SessionID string `json:"sessionId"`
	Event     any    `json:"event"`
	Gap       bool   `json:"gap,omitempty"`
	Dropped   int    `json:"dropped,omitempty"`
}

func okFrame(id string, payload any) resFrame {
	return resFrame{Type: frameResponse, ID: id, OK: true, Payload: payload}
}

func errFrame(id string, err error) resFrame {
	return resFrame{Type: frameResponse, ID: id, OK: false, Error: rpcerr.From(err)}
}
