package transport

import "sync"

// NewInMemory creates a connected ClientConn/ServerConn pair that exchange
// frames through buffered channels instead of a real socket, so unit tests
// can drive ClientSocket/ServerSocket deterministically and without a
// network stack (spec.md's tests describe exact message sequences; a real
// socket would add scheduling jitter the tests don't want).
func NewInMemory(identity []byte) (ClientConn, ServerConn) {
	toServer := make(chan [][]byte, 256)
	toClient := make(chan [][]byte, 256)

	client := &inmemClientConn{send: toServer, recv: toClient, closed: make(chan struct{})}

	inbound := make(chan routedFrames, 256)
	go func() {
		for frames := range toServer {
			inbound <- routedFrames{peer: identity, frames: frames}
		}
		close(inbound)
	}()

	server := &inmemServerConn{
		outbound: map[string]chan [][]byte{string(identity): toClient},
		inbound:  inbound,
	}
	return client, server
}

type inmemClientConn struct {
	send      chan [][]byte
	recv      chan [][]byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *inmemClientConn) Send(frames [][]byte) error {
	select {
	case c.send <- frames:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *inmemClientConn) Recv() ([][]byte, error) {
	select {
	case frames, ok := <-c.recv:
		if !ok {
			return nil, ErrClosed
		}
		return frames, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (c *inmemClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.send)
	})
	return nil
}

type inmemServerConn struct {
	mu       sync.Mutex
	outbound map[string]chan [][]byte // peer -> channel the peer's ClientConn reads from
	inbound  chan routedFrames
	closed   bool
}

func (s *inmemServerConn) Recv() ([]byte, [][]byte, error) {
	select {
	case rf, ok := <-s.inbound:
		if !ok {
			return nil, nil, ErrClosed
		}
		return rf.peer, rf.frames, nil
	default:
		return nil, nil, ErrWouldBlock
	}
}

func (s *inmemServerConn) Send(peer []byte, frames [][]byte) error {
	s.mu.Lock()
	ch, ok := s.outbound[string(peer)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- frames:
	default:
	}
	return nil
}

func (s *inmemServerConn) Peers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([][]byte, 0, len(s.outbound))
	for p := range s.outbound {
		peers = append(peers, []byte(p))
	}
	return peers
}

func (s *inmemServerConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.outbound {
		close(ch)
	}
	return nil
}
