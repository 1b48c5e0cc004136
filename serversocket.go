package zerofun

import (
	"sync"
	"time"

	"github.com/danijar/zerofun/transport"
)

// ServerSocket is the per-peer liveness-tracking, routed-receive socket
// described in spec.md section 4.3, built on a transport.Binder/ServerConn.
type ServerSocket struct {
	mu sync.Mutex

	conn transport.ServerConn

	alive map[string]time.Time

	ridCounter uint64
	now        func() time.Time
}

// BindServerSocket binds addr via binder and starts tracking peer
// liveness.
func BindServerSocket(binder transport.Binder, addr string) (*ServerSocket, error) {
	conn, err := binder.Bind(addr)
	if err != nil {
		return nil, err
	}
	return &ServerSocket{
		conn:  conn,
		alive: make(map[string]time.Time),
		now:   time.Now,
	}, nil
}

// Clients lists peers seen within the last maxage (or ever, if maxage<=0).
// Entries are never evicted by the core; spec.md section 3 is explicit
// that staleness is only ever a filter on a live query, not a background
// sweep.
func (s *ServerSocket) Clients(maxage time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]string, 0, len(s.alive))
	for peer, seen := range s.alive {
		if maxage <= 0 || now.Sub(seen) <= maxage {
			out = append(out, peer)
		}
	}
	return out
}

// Receive polls for the next message without blocking. It returns
// ("", 0, "", nil, nil) if there's nothing pending or the frame was a
// PING/PONG handled internally; a CALL yields (peer, rid, method, payload, nil).
func (s *ServerSocket) Receive() (peer string, rid uint64, method string, payload [][]byte, err error) {
	s.mu.Lock()
	peerBytes, frames, recvErr := s.conn.Recv()
	if recvErr != nil {
		s.mu.Unlock()
		return "", 0, "", nil, nil
	}
	s.alive[string(peerBytes)] = s.now()
	s.mu.Unlock()

	typ, rid, rest, derr := decodeMessage(frames)
	if derr != nil {
		return "", 0, "", nil, derr
	}

	switch typ {
	case TypePing:
		s.mu.Lock()
		s.conn.Send(peerBytes, encodeMessage(TypePong, rid))
		s.mu.Unlock()
		return "", 0, "", nil, nil
	case TypePong:
		return "", 0, "", nil, nil
	case TypeCall:
		if len(rest) < 1 {
			s.SendError(string(peerBytes), rid, "missing method name")
			return "", 0, "", nil, nil
		}
		method := string(rest[0])
		return string(peerBytes), rid, method, rest[1:], nil
	default:
		s.SendError(string(peerBytes), rid, "unexpected message type")
		return "", 0, "", nil, nil
	}
}

// SendResult emits a RESULT message to peer.
func (s *ServerSocket) SendResult(peer string, rid uint64, payload [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Send([]byte(peer), encodeMessage(TypeResult, rid, payload...))
}

// SendError emits an ERROR message to peer.
func (s *ServerSocket) SendError(peer string, rid uint64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Send([]byte(peer), encodeMessage(TypeError, rid, []byte(text)))
}

// SendPing emits a PING message to peer and returns its rid.
func (s *ServerSocket) SendPing(peer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ridCounter++
	rid := s.ridCounter
	return rid, s.conn.Send([]byte(peer), encodeMessage(TypePing, rid))
}

// Close closes the underlying transport connection.
func (s *ServerSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
