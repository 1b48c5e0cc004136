package zerofun

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/danijar/zerofun/internal/zlog"
	"github.com/danijar/zerofun/transport"
)

// WorkFunc implements one bound RPC method: it receives the unpacked
// argument tree and returns the result tree to send back, or an error.
type WorkFunc func(Value) (Value, error)

// BindOption configures a method bound with Server.Bind.
type BindOption func(*methodConfig)

// Workers sets how many calls to this method may run concurrently. The
// default, 0, runs the method inline on the dispatch loop, matching
// original_source/zerofun/server.py's single-threaded default.
func Workers(n int) BindOption {
	return func(m *methodConfig) { m.workers = n }
}

// Errors controls what happens when the work function returns an error (or
// panics). recoverable=true (the default) serializes it to the caller as an
// ERROR message; recoverable=false treats it as fatal and shuts the server
// down, for methods whose failure indicates corrupted state rather than bad
// input. See spec.md section 4.5.
func Errors(recoverable bool) BindOption {
	return func(m *methodConfig) { m.errors = recoverable }
}

// Logfn overrides how a method's errors are logged; it does not affect
// whether they are fatal.
func Logfn(fn func(error)) BindOption {
	return func(m *methodConfig) { m.logfn = fn }
}

type methodConfig struct {
	fn      WorkFunc
	workers int
	errors  bool
	logfn   func(error)
	pool    pond.Pool
}

// ServerOption configures a Server constructed with NewServer.
type ServerOption func(*Server)

func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithShutdownOn wires a Supervisor so a fatal method error (Errors(false))
// triggers a coordinated process shutdown instead of a bare panic.
func WithShutdownOn(sup *Supervisor) ServerOption {
	return func(s *Server) { s.supervisor = sup }
}

// Server is the dispatch side of spec.md section 4.5: it accepts CALLs on a
// ServerSocket, routes them by method name to a bound WorkFunc, and sends
// back a RESULT or ERROR. Each method may run on its own worker pool so a
// slow method doesn't stall the others.
type Server struct {
	socket *ServerSocket
	log    *slog.Logger

	supervisor *Supervisor

	mu      sync.RWMutex
	methods map[string]*methodConfig

	closed chan struct{}
}

// NewServer binds addr via binder and returns a Server ready to have
// methods registered with Bind before Serve is called.
func NewServer(binder transport.Binder, addr string, opts ...ServerOption) (*Server, error) {
	socket, err := BindServerSocket(binder, addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		socket:  socket,
		log:     zlog.New("server"),
		methods: make(map[string]*methodConfig),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bind registers fn under name. It is an error to bind the same name twice.
func (s *Server) Bind(name string, fn WorkFunc, opts ...BindOption) error {
	cfg := &methodConfig{fn: fn, errors: true}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workers > 0 {
		cfg.pool = pond.NewPool(cfg.workers)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		return fmt.Errorf("zerofun: method %q already bound", name)
	}
	s.methods[name] = cfg
	return nil
}

// Serve runs the dispatch loop until stop is closed or Close is called.
// Each CALL is unpacked, routed to its bound method (inline or on that
// method's worker pool), and its result packed back onto the wire.
func (s *Server) Serve(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-s.closed:
			return nil
		default:
		}

		peer, rid, method, payload, err := s.socket.Receive()
		if err != nil {
			s.log.Warn("server receive error", "err", err)
			continue
		}
		if method == "" {
			time.Sleep(time.Millisecond)
			continue
		}
		s.dispatch(peer, rid, method, payload)
	}
}

func (s *Server) dispatch(peer string, rid uint64, method string, payload [][]byte) {
	s.mu.RLock()
	cfg, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		s.socket.SendError(peer, rid, fmt.Sprintf("Unknown method %s.", method))
		return
	}

	work := func() { s.runOne(peer, rid, method, payload, cfg) }
	if cfg.pool != nil {
		cfg.pool.Submit(work)
	} else {
		work()
	}
}

func (s *Server) runOne(peer string, rid uint64, method string, payload [][]byte, cfg *methodConfig) {
	tree, err := Unpack(payload)
	var out [][]byte
	if err == nil {
		var result Value
		result, err = s.callSafely(method, tree, cfg.fn)
		if err == nil {
			out, err = Pack(result)
		}
	}
	if err == nil {
		s.socket.SendResult(peer, rid, out)
		return
	}

	if cfg.logfn != nil {
		cfg.logfn(err)
	} else {
		s.log.Warn("method error", "method", method, "err", err)
	}

	if cfg.errors {
		s.socket.SendError(peer, rid, err.Error())
		return
	}

	// errors=false: this method's failures are not meant to be recoverable
	// per-call conditions, so treat one as corrupting the whole server.
	s.log.Error("fatal method error, shutting down", "method", method, "err", err)
	if s.supervisor != nil {
		s.supervisor.Shutdown(1)
	} else {
		panic(fmt.Sprintf("zerofun: fatal error in method %q: %v", method, err))
	}
}

func (s *Server) callSafely(method string, tree Value, fn WorkFunc) (result Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in method %q: %v", method, p)
		}
	}()
	return fn(tree)
}

// Clients lists peers the underlying socket has seen within maxage.
func (s *Server) Clients(maxage time.Duration) []string {
	return s.socket.Clients(maxage)
}

// Close stops accepting work, drains each method's worker pool, and closes
// the socket.
func (s *Server) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.RLock()
	pools := make([]pond.Pool, 0, len(s.methods))
	for _, cfg := range s.methods {
		if cfg.pool != nil {
			pools = append(pools, cfg.pool)
		}
	}
	s.mu.RUnlock()
	for _, p := range pools {
		p.StopAndWait()
	}
	return s.socket.Close()
}
