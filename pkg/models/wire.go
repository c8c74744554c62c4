// Package models defines the messages exchanged over the control channel
// between the interception layer and the proxy.
package models

import "encoding/json"

// Kind discriminates the two message categories on the channel: correlated
// request/response pairs and unsolicited pushes from the proxy.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Op identifies the intercepted operation a request carries, or the event a
// notification carries.
type Op string

const (
	// handshake
	OpHandshake Op = "handshake"

	// socket ops
	OpConnect Op = "outgoing.connect"
	OpListen  Op = "incoming.listen"
	OpSend    Op = "conn.send"
	OpRecv    Op = "conn.recv"
	OpClose   Op = "conn.close"

	// file ops
	OpFileOpen  Op = "file.open"
	OpFileRead  Op = "file.read"
	OpFileWrite Op = "file.write"
	OpFileSeek  Op = "file.seek"
	OpFileClose Op = "file.close"

	// name resolution
	OpResolve Op = "dns.resolve"

	// notifications
	OpNewConnection Op = "incoming.newConnection"
	OpConnData      Op = "conn.data"
	OpConnClosed    Op = "conn.closed"
)

// Envelope is the unit framed onto the wire: a 4-byte big-endian length
// followed by the JSON encoding of this struct.
//
// Responses echo the request ID. Notifications carry ID zero and target a
// descriptor through their payload instead.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Op      Op              `json:"op"`
	Error   *WireError      `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireError is a remote failure to be replayed to the caller with the exact
// errno a local failure would have produced.
type WireError struct {
	Errno   int    `json:"errno"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return e.Message
}
