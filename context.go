package zerofun

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/danijar/zerofun/internal/zlog"
)

// SupervisorOption configures a Supervisor passed to Setup.
type SupervisorOption func(*Supervisor)

func WithHostname(hostname string) SupervisorOption {
	return func(s *Supervisor) { s.hostname = hostname }
}

// WithErrFile points the supervisor's watcher at a sentinel file: any other
// process (e.g. a sibling worker under the same job) can force a shutdown
// of this one by creating the file.
func WithErrFile(path string) SupervisorOption {
	return func(s *Supervisor) { s.errfile = path }
}

func WithInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.interval = d }
}

// WithInitFns registers functions to run once, immediately, during Setup —
// for process-wide side effects like seeding a global RNG or configuring a
// logging backend.
func WithInitFns(fns ...func()) SupervisorOption {
	return func(s *Supervisor) { s.initfns = append(s.initfns, fns...) }
}

// Supervisor is the process-wide lifecycle coordinator described in
// spec.md section 9 and grounded on
// original_source/zerofun/contextlib.py's Context: it watches an optional
// error-sentinel file and tracks closeable children (Client/Server/
// BatchProxy instances) so a fatal error in one can bring the rest down in
// an orderly way.
type Supervisor struct {
	hostname string
	errfile  string
	interval time.Duration
	initfns  []func()
	log      *slog.Logger

	mu       sync.Mutex
	children []io.Closer

	printMu sync.Mutex

	done       chan struct{}
	closeOnce  sync.Once
	watcherWG  sync.WaitGroup
	watcherRun bool
}

// NewSupervisor returns a Supervisor with spec.md section 9's default
// 20-second error-file poll interval.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		interval: 20 * time.Second,
		log:      zlog.New("supervisor"),
		done:     make(chan struct{}),
	}
}

// Setup applies opts, running any newly added init functions immediately
// and starting the error-file watcher if one isn't already running.
func (s *Supervisor) Setup(opts ...SupervisorOption) {
	before := len(s.initfns)
	for _, opt := range opts {
		opt(s)
	}
	for _, fn := range s.initfns[before:] {
		fn()
	}

	s.mu.Lock()
	alreadyRunning := s.watcherRun
	if s.errfile != "" && !alreadyRunning {
		s.watcherRun = true
	}
	s.mu.Unlock()

	if s.errfile != "" && !alreadyRunning {
		s.watcherWG.Add(1)
		go s.watch()
	}
}

func (s *Supervisor) watch() {
	defer s.watcherWG.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := os.Stat(s.errfile); err == nil {
				s.log.Error("shutting down due to error file", "errfile", s.errfile)
				s.Shutdown(2)
			}
		}
	}
}

// ReportError logs a styled error message (mirroring the original's
// red-highlighted traceback dump) and, if an error file is configured,
// writes the message there so sibling processes watching it can react.
func (s *Supervisor) ReportError(name string, err error) {
	message := fmt.Sprintf("error in %q: %v", name, err)
	s.printMu.Lock()
	s.log.Error(message)
	s.printMu.Unlock()
	if s.errfile != "" {
		if werr := os.WriteFile(s.errfile, []byte(message), 0o644); werr == nil {
			s.log.Info("wrote error file", "errfile", s.errfile)
		}
	}
}

// AddChild registers a closeable component (Client, Server, BatchProxy) so
// Close cascades to it.
func (s *Supervisor) AddChild(child io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, child)
}

// Shutdown terminates the process with exitcode after closing registered
// children. It calls Close on each registered child before os.Exit; deferred
// functions of running goroutines are not run.
func (s *Supervisor) Shutdown(exitcode int) {
	s.mu.Lock()
	children := append([]io.Closer(nil), s.children...)
	s.mu.Unlock()
	for _, c := range children {
		c.Close()
	}
	os.Exit(exitcode)
}

// Close stops the watcher goroutine, if running, without exiting the
// process.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.watcherWG.Wait()
}
