package zerofun

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorRunsInitFnsImmediately(t *testing.T) {
	sup := NewSupervisor()
	ran := false
	sup.Setup(WithInitFns(func() { ran = true }))
	require.True(t, ran)
	sup.Close()
}

func TestSupervisorReportErrorWritesErrFile(t *testing.T) {
	errfile := filepath.Join(t.TempDir(), "err.txt")
	sup := NewSupervisor()
	// An hour-long poll interval keeps the watcher from ever firing
	// Shutdown (which calls os.Exit) during this test.
	sup.Setup(WithErrFile(errfile), WithInterval(time.Hour))
	t.Cleanup(sup.Close)

	sup.ReportError("worker-1", errors.New("disk full"))

	contents, err := os.ReadFile(errfile)
	require.NoError(t, err)
	require.Contains(t, string(contents), "worker-1")
	require.Contains(t, string(contents), "disk full")
}

func TestSupervisorAddChildRegistersCloser(t *testing.T) {
	sup := NewSupervisor()
	t.Cleanup(sup.Close)
	closed := false
	sup.AddChild(closerFunc(func() error { closed = true; return nil }))
	require.Len(t, sup.children, 1)
	require.False(t, closed) // AddChild alone must not invoke Close
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
