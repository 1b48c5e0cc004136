package zerofun

import (
	"sync"
	"time"

	"github.com/danijar/zerofun/transport"
)

// ClientSocket is the connection state machine described in spec.md
// section 4.2, built on a transport.Dialer/ClientConn rather than a
// concrete socket library. It tracks exactly the fields
// original_source/zerofun/sockets.py's ClientSocket does.
type ClientSocket struct {
	mu sync.Mutex

	dialer   transport.Dialer
	identity []byte

	pings  time.Duration
	maxage time.Duration

	conn      transport.ClientConn
	addr      string
	connected bool

	lastCall     time.Time
	lastPing     time.Time
	lastResponse time.Time

	ridCounter uint64

	now func() time.Time
}

// NewClientSocket creates a disconnected ClientSocket identified by
// identity (conventionally a random 32-bit integer encoded into 16 bytes,
// per spec.md section 6). pings and maxage are zero to disable the
// corresponding keepalive behavior, matching spec.md section 8's boundary
// behaviors.
func NewClientSocket(dialer transport.Dialer, identity []byte, pings, maxage time.Duration) *ClientSocket {
	return &ClientSocket{
		dialer:       dialer,
		identity:     identity,
		pings:        pings,
		maxage:       maxage,
		lastCall:     time.Time{},
		lastPing:     time.Time{},
		lastResponse: time.Time{},
		now:          time.Now,
	}
}

// Connect dials addr, completing only once a PONG answers the PING it
// sends as a handshake, or returning ConnectError after timeout elapses.
// If already connected, it disconnects first (spec.md section 4.2).
func (c *ClientSocket) Connect(addr string, timeout time.Duration) error {
	c.Disconnect()

	c.mu.Lock()
	conn, err := c.dialer.Dial(addr, c.identity)
	if err != nil {
		c.mu.Unlock()
		return &ConnectError{Addr: addr}
	}
	c.conn = conn
	c.addr = addr
	rid := c.nextRID()
	if err := c.conn.Send(encodeMessage(TypePing, rid)); err != nil {
		c.mu.Unlock()
		return &ConnectError{Addr: addr}
	}
	c.mu.Unlock()

	deadline := c.deadline(timeout)
	for {
		c.mu.Lock()
		frames, err := c.conn.Recv()
		if err == nil {
			c.lastResponse = c.now()
		}
		c.mu.Unlock()

		if err == nil {
			typ, gotRID, _, derr := decodeMessage(frames)
			if derr != nil {
				return derr
			}
			if typ == TypePong && gotRID == rid {
				c.mu.Lock()
				c.connected = true
				c.mu.Unlock()
				return nil
			}
			return &ProtocolError{Type: typ}
		}

		if timeout > 0 && !deadline.IsZero() && c.now().After(deadline) {
			return &ConnectError{Addr: addr}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *ClientSocket) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return c.now().Add(timeout)
}

// Disconnect best-effort drops the current connection and clears
// Connected().
func (c *ClientSocket) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// Connected reports whether the socket believes it is connected.
func (c *ClientSocket) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *ClientSocket) nextRID() uint64 {
	c.ridCounter++
	return c.ridCounter
}

// SendCall emits a CALL message and returns its rid. It requires the
// socket to be connected.
func (c *ClientSocket) SendCall(name string, payload [][]byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, &Disconnected{Addr: c.addr}
	}
	rid := c.nextRID()
	extra := append([][]byte{[]byte(name)}, payload...)
	if err := c.conn.Send(encodeMessage(TypeCall, rid, extra...)); err != nil {
		return 0, &Disconnected{Addr: c.addr}
	}
	c.lastCall = c.now()
	return rid, nil
}

// SendPing emits a PING message and returns its rid.
func (c *ClientSocket) SendPing() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, &Disconnected{Addr: c.addr}
	}
	rid := c.nextRID()
	if err := c.conn.Send(encodeMessage(TypePing, rid)); err != nil {
		return 0, &Disconnected{Addr: c.addr}
	}
	c.lastPing = c.now()
	return rid, nil
}

// Receive polls for the next message without blocking. It returns
// (0, nil, nil) if nothing is pending yet (after running the keepalive
// state machine), (rid, payload, nil) for a RESULT, or an error: PONGs and
// PINGs are handled internally (a PING is answered with a PONG) and never
// surfaced. See spec.md section 4.2.
func (c *ClientSocket) Receive() (uint64, [][]byte, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return 0, nil, &Disconnected{Addr: c.addr}
	}
	now := c.now()
	frames, err := c.conn.Recv()
	if err == nil {
		c.lastResponse = now
	}
	c.mu.Unlock()

	if err != nil {
		return 0, nil, c.keepalive(now)
	}

	typ, rid, rest, derr := decodeMessage(frames)
	if derr != nil {
		return 0, nil, derr
	}

	switch typ {
	case TypePing:
		// Reply after releasing the lock above: spec.md §9 notes the
		// reentrant-lock requirement can instead be satisfied by
		// deferring the reply past Receive's own critical section.
		c.mu.Lock()
		if c.connected {
			c.conn.Send(encodeMessage(TypePong, rid))
		}
		c.mu.Unlock()
		return 0, nil, nil
	case TypePong:
		return 0, nil, nil
	case TypeResult:
		return rid, rest, nil
	case TypeError:
		text := ""
		if len(rest) > 0 {
			text = string(rest[0])
		}
		return 0, nil, &RemoteError{RID: rid, Text: text}
	default:
		return 0, nil, &ProtocolError{Type: typ}
	}
}

// keepalive implements spec.md section 4.2's keepalive state machine,
// invoked whenever Receive had nothing to return.
func (c *ClientSocket) keepalive(now time.Time) error {
	c.mu.Lock()
	lastPingOrResp := maxTime(c.lastResponse, c.lastPing)
	needPing := c.pings > 0 && now.Sub(lastPingOrResp) >= c.pings
	if needPing {
		c.lastPing = now
	}
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if needPing && connected && conn != nil {
		rid := c.nextRIDLocked()
		conn.Send(encodeMessage(TypePing, rid))
	}

	c.mu.Lock()
	lastCallOrResp := maxTime(c.lastCall, c.lastResponse)
	var sinceCall, sinceResp, sincePing float64
	if !c.lastCall.IsZero() {
		sinceCall = now.Sub(c.lastCall).Seconds()
	}
	if !c.lastResponse.IsZero() {
		sinceResp = now.Sub(c.lastResponse).Seconds()
	}
	if !c.lastPing.IsZero() {
		sincePing = now.Sub(c.lastPing).Seconds()
	}
	// The original initializes last_call/last_response to -inf, so maxage
	// can expire a connection that never sent or received anything. Go's
	// zero time has no such sentinel, so the !IsZero() guard instead skips
	// expiry until one of them is set; Connect always sets lastResponse
	// before a caller can observe Receive(), so this is a no-op in practice.
	expired := c.maxage > 0 && !lastCallOrResp.IsZero() && now.Sub(lastCallOrResp) >= c.maxage
	c.mu.Unlock()

	if expired {
		return &NotAliveError{SinceCall: sinceCall, SinceResponse: sinceResp, SincePing: sincePing}
	}
	return nil
}

func (c *ClientSocket) nextRIDLocked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRID()
}

// Close releases the underlying transport connection.
func (c *ClientSocket) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
