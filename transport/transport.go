// Package transport provides the reliable, message-oriented,
// DEALER/ROUTER-style fabric that zerofun's core assumes but treats as an
// external collaborator (spec.md section 1: "Transport ... specified only
// by interface"). It ships two concrete implementations (tcp.go, ws.go)
// plus an in-memory one for tests (inmem.go).
package transport

import "errors"

// ErrWouldBlock is returned by the non-blocking Recv methods when no
// message is currently pending.
var ErrWouldBlock = errors.New("transport: would block")

// ErrClosed is returned by Send/Recv on a connection or listener that has
// already been closed.
var ErrClosed = errors.New("transport: closed")

// ClientConn is the DEALER-style endpoint a ClientSocket is built on: a
// single outgoing connection with a stable identity, over which multi-part
// messages are sent and received in FIFO order.
type ClientConn interface {
	// Send writes one multi-part message. The transport delivers frames
	// of a single Send atomically with respect to other messages.
	Send(frames [][]byte) error

	// Recv returns the next pending message without blocking. It returns
	// ErrWouldBlock if none is available yet.
	Recv() ([][]byte, error)

	Close() error
}

// ServerConn is the ROUTER-style endpoint a ServerSocket is built on: it
// accepts messages from many peers, tagging each with a stable per-peer
// address, and can address a Send back to any specific peer.
type ServerConn interface {
	// Recv returns the next pending message's originating peer and
	// frames without blocking. It returns ErrWouldBlock if none is
	// available yet.
	Recv() (peer []byte, frames [][]byte, err error)

	// Send addresses a message to a specific peer. Peers that have
	// disconnected are silently dropped, matching the fire-and-forget
	// semantics of a ROUTER socket sending to a stale identity.
	Send(peer []byte, frames [][]byte) error

	// Peers lists the currently connected peer addresses.
	Peers() [][]byte

	Close() error
}

// Dialer creates a ClientConn connected to addr, identifying itself with
// identity (the 16-byte big-endian peer identity spec.md section 6
// describes).
type Dialer interface {
	Dial(addr string, identity []byte) (ClientConn, error)
}

// Binder creates a ServerConn listening on addr.
type Binder interface {
	Bind(addr string) (ServerConn, error)
}
