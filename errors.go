package zerofun

import "fmt"

// ConnectError is raised when ClientSocket.Connect could not complete
// before its timeout elapsed.
type ConnectError struct {
	Addr string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("zerofun: could not connect to %q", e.Addr)
}

// ProtocolError is raised when an unexpected message type is seen on the
// wire, e.g. a CALL received where only PING/PONG/RESULT were expected.
type ProtocolError struct {
	Type Type
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("zerofun: unexpected message type %s", e.Type)
}

// NotAliveError is raised by ClientSocket.Receive when maxage seconds have
// elapsed without a response despite keepalive pings.
type NotAliveError struct {
	SinceCall, SinceResponse, SincePing float64
}

func (e *NotAliveError) Error() string {
	return fmt.Sprintf(
		"zerofun: connection not alive (last call %.3fs ago, last response %.3fs ago, last ping %.3fs ago)",
		e.SinceCall, e.SinceResponse, e.SincePing)
}

// RemoteError is raised when the remote peer responded with an ERROR
// message for a specific request id.
type RemoteError struct {
	RID  uint64
	Text string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("zerofun: remote error (rid %d): %s", e.RID, e.Text)
}

// InvalidPayload is raised when the codec cannot pack or unpack a tree,
// e.g. a non-contiguous buffer, unsupported dtype, or empty payload.
type InvalidPayload struct {
	Reason string
}

func (e *InvalidPayload) Error() string {
	return fmt.Sprintf("zerofun: invalid payload: %s", e.Reason)
}

// Disconnected is raised when the transport reports that the peer is gone.
type Disconnected struct {
	Addr string
}

func (e *Disconnected) Error() string {
	return fmt.Sprintf("zerofun: disconnected from %q", e.Addr)
}
