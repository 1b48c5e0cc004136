package zerofun

import "sync"

type futureStatus int32

const (
	futurePending futureStatus = iota
	futureOK
	futureErr
)

// Future is the handle Client.Call returns: a result that may not have
// arrived yet. See spec.md section 3.
type Future struct {
	mu     sync.Mutex
	status futureStatus
	result Value
	err    error

	// poll drives the receive loop far enough to resolve this future; it
	// is supplied by Client so Future itself has no knowledge of sockets.
	poll func(retry bool)
}

func newFuture(poll func(retry bool)) *Future {
	return &Future{poll: poll}
}

// Check polls once, non-blockingly.
func (f *Future) Check() {
	if f.Done() {
		return
	}
	f.poll(false)
}

// Done reports whether the future has resolved, successfully or not.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status != futurePending
}

// Result blocks (via repeated polling) until the future resolves, then
// returns its value or error.
func (f *Future) Result() (Value, error) {
	if f.Done() {
		return f.snapshot()
	}
	f.poll(true)
	return f.snapshot()
}

func (f *Future) snapshot() (Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.status {
	case futureOK:
		return f.result, nil
	case futureErr:
		return nil, f.err
	default:
		return nil, nil
	}
}

func (f *Future) setResult(v Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == futurePending {
		f.status = futureOK
		f.result = v
	}
}

func (f *Future) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == futurePending {
		f.status = futureErr
		f.err = err
	}
}
