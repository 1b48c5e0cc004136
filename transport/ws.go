package transport

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer and WSBinder implement ClientConn/ServerConn over
// github.com/gorilla/websocket, grounded on the teacher's wetsock codec
// package: one websocket.Conn guarded by independent read and write
// mutexes, since only one concurrent reader and one concurrent writer are
// allowed per the gorilla/websocket concurrency contract. They exist to
// demonstrate the transport spec.md section 1 calls "out of scope,
// specified only by interface" is genuinely pluggable.
type WSDialer struct{}

type WSBinder struct{}

func (WSDialer) Dial(addr string, identity []byte) (ClientConn, error) {
	url := strings.Replace(strings.Replace(addr, "tcp://", "ws://", 1), "ipc://", "ws+unix://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn}
	if err := c.writeFrames([][]byte{identity}); err != nil {
		conn.Close()
		return nil, err
	}
	c.startReading()
	return c, nil
}

// wsConn is shared by the client and server sides: both just need
// "send one multi-frame message, receive one multi-frame message" on top
// of a single websocket.Conn.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	readMu    sync.Mutex
	inbound   chan [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) writeFrames(frames [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var buf bytes.Buffer
	if err := writeMultipart(&buf, frames); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *wsConn) readFrames() ([][]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return readMultipart(bufio.NewReader(bytes.NewReader(data)))
}

func (c *wsConn) startReading() {
	c.inbound = make(chan [][]byte, 256)
	c.closed = make(chan struct{})
	go func() {
		defer close(c.inbound)
		for {
			frames, err := c.readFrames()
			if err != nil {
				return
			}
			select {
			case c.inbound <- frames:
			case <-c.closed:
				return
			}
		}
	}()
}

func (c *wsConn) Send(frames [][]byte) error { return c.writeFrames(frames) }

func (c *wsConn) Recv() ([][]byte, error) {
	select {
	case frames, ok := <-c.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return frames, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// wsServerConn fans many wsConn peers into one inbound queue, the way
// tcpServerConn does for plain TCP connections.
type wsServerConn struct {
	server  *http.Server
	mu      sync.Mutex
	peers   map[string]*wsConn
	inbound chan routedFrames
	closed  bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (WSBinder) Bind(addr string) (ServerConn, error) {
	network, target, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	listenAddr := bindTarget(network, target)

	s := &wsServerConn{
		peers:   make(map[string]*wsConn),
		inbound: make(chan routedFrames, 256),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Addr: listenAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
	case <-time.After(50 * time.Millisecond):
	}
	return s, nil
}

func (s *wsServerConn) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	handshake, err := c.readFrames()
	if err != nil || len(handshake) != 1 {
		conn.Close()
		return
	}
	peer := handshake[0]
	c.startReading()

	s.mu.Lock()
	s.peers[string(peer)] = c
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.peers, string(peer))
			s.mu.Unlock()
		}()
		for frames := range c.inbound {
			s.inbound <- routedFrames{peer: peer, frames: frames}
		}
	}()
}

func (s *wsServerConn) Recv() ([]byte, [][]byte, error) {
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

func (s *wsServerConn) Send(peer []byte, frames [][]byte) error {
	s.mu.Lock()
	c, ok := s.peers[string(peer)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Send(frames)
}

func (s *wsServerConn) Peers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([][]byte, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, []byte(p))
	}
	return peers
}

func (s *wsServerConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, c := range s.peers {
		c.Close()
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
