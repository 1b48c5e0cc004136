package zerofun

import (
	"encoding/binary"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/danijar/zerofun/internal/zlog"
	"github.com/danijar/zerofun/transport"
)

// maxOutstandingFutures mirrors spec.md section 4.4's "assert len(futures) <
// 1000" misuse check: a caller that calls faster than it drains results is a
// bug, not a recoverable condition, so this fails loud rather than queuing
// unboundedly.
const maxOutstandingFutures = 1000

// Resolver rewrites an address before Client dials it, e.g. to turn a
// logical service name into a concrete host:port. See spec.md section 4.4.
type Resolver struct {
	Match   func(addr string) bool
	Rewrite func(addr string) string
}

// Stats reports the lifetime counters spec.md section 9 asks the client to
// expose for observability: successful connects, calls sent, and RESULT
// messages received (ERROR replies are not counted).
type Stats struct {
	Connects int64
	Sent     int64
	Received int64
}

// ClientOption configures a Client constructed with NewClient.
type ClientOption func(*Client)

func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

func WithIdentity(identity []byte) ClientOption {
	return func(c *Client) { c.identity = identity }
}

func WithPings(d time.Duration) ClientOption {
	return func(c *Client) { c.pings = d }
}

func WithMaxAge(d time.Duration) ClientOption {
	return func(c *Client) { c.maxage = d }
}

// WithMaxInflight bounds how many outstanding calls Client.Call will allow
// before it blocks, polling the oldest one, to keep the server's queue from
// growing without bound (spec.md section 4.4).
func WithMaxInflight(n int) ClientOption {
	return func(c *Client) { c.maxInflight = n }
}

// WithErrors controls whether Call drains completed calls off the front of
// the queue and raises their RemoteError before issuing a new request, so a
// caller that fires calls without awaiting each future still sees errors in
// FIFO order (spec.md section 4.4). Matches
// original_source/zerofun/client.py's `errors` constructor argument, which
// defaults to true.
func WithErrors(b bool) ClientOption {
	return func(c *Client) { c.errors = b }
}

func WithDialer(d transport.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithResolver registers an address resolver; the first whose Match returns
// true rewrites the address Connect dials.
func WithResolver(match func(string) bool, rewrite func(string) string) ClientOption {
	return func(c *Client) {
		c.resolvers = append(c.resolvers, Resolver{Match: match, Rewrite: rewrite})
	}
}

// Client is the caller-facing RPC handle described in spec.md section 4.4:
// it owns a ClientSocket, a registry of in-flight Futures, and the bounded
// in-flight window / FIFO draining logic that keeps a fast caller from
// overrunning a slow server.
type Client struct {
	name        string
	address     string
	identity    []byte
	dialer      transport.Dialer
	pings       time.Duration
	maxage      time.Duration
	maxInflight int
	errors      bool
	resolvers   []Resolver
	log         *slog.Logger

	socket *ClientSocket

	listenMu sync.Mutex

	mu      sync.Mutex
	futures map[uint64]*Future
	queue   []*Future // submission order, for the bounded in-flight window

	numConn atomic.Int64
	numSent atomic.Int64
	numRecv atomic.Int64
}

// NewClient builds a disconnected Client for address. Call Connect before
// issuing calls.
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		address:     address,
		dialer:      transport.TCPDialer{},
		pings:       10 * time.Second,
		maxInflight: 16,
		errors:      true,
		log:         zlog.New("client"),
		futures:     make(map[uint64]*Future),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.identity == nil {
		c.identity = randomIdentity()
	}
	c.socket = NewClientSocket(c.dialer, c.identity, c.pings, c.maxage)
	return c
}

func randomIdentity() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[12:], rand.Uint32())
	return buf
}

func (c *Client) resolve(addr string) string {
	for _, r := range c.resolvers {
		if r.Match(addr) {
			return r.Rewrite(addr)
		}
	}
	return addr
}

// Connect dials the (possibly resolved) address. If retry is true it keeps
// retrying with exponential backoff forever, matching the reconnect loop
// original_source/zerofun/sockets.py runs under `while True: try: ... except
// ConnectError: ...`; if false, a single failed attempt is returned as-is.
func (c *Client) Connect(retry bool, timeout time.Duration) error {
	addr := c.resolve(c.address)
	attempt := func() error {
		err := c.socket.Connect(addr, timeout)
		if err == nil {
			c.numConn.Add(1)
		}
		return err
	}
	if !retry {
		return attempt()
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		if err := attempt(); err != nil {
			c.log.Warn("connect failed, retrying", "addr", addr, "err", err)
			return err
		}
		return nil
	}, policy)
}

// Call packs tree, sends it as a CALL to method, and returns a Future for
// the RESULT/ERROR that eventually answers it. It blocks only long enough
// to respect the bounded in-flight window (spec.md section 4.4) and, if
// errors draining is enabled, to surface any RemoteError already sitting at
// the front of the queue — before this call is ever sent, not the next one.
func (c *Client) Call(method string, tree Value) (*Future, error) {
	c.mu.Lock()
	if len(c.futures) >= maxOutstandingFutures {
		c.mu.Unlock()
		panic("zerofun: more than 1000 outstanding futures; results are not being consumed")
	}
	c.mu.Unlock()

	if c.maxInflight > 0 {
		c.waitForSlot()
	}
	if c.errors {
		if err := c.drainErrors(); err != nil {
			return nil, err
		}
	}

	payload, err := Pack(tree)
	if err != nil {
		return nil, err
	}
	rid, err := c.socket.SendCall(method, payload)
	if err != nil {
		return nil, err
	}
	c.numSent.Add(1)

	fut := newFuture(func(retry bool) { c.waitFor(rid, retry) })
	c.mu.Lock()
	c.futures[rid] = fut
	if c.errors || c.maxInflight > 0 {
		c.queue = append(c.queue, fut)
	}
	c.mu.Unlock()
	return fut, nil
}

// waitForSlot blocks until fewer than maxInflight calls are still
// outstanding, polling the oldest one to give it a chance to resolve.
// Unlike drainErrors it never pops the queue — a resolved-but-undrained
// future simply stops counting toward the pending total, matching
// original_source/zerofun/client.py's
// `sum(not x.done() for x in queue) >= maxinflight` gate.
func (c *Client) waitForSlot() {
	for {
		c.mu.Lock()
		pending := 0
		for _, fut := range c.queue {
			if !fut.Done() {
				pending++
			}
		}
		if pending < c.maxInflight || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		front := c.queue[0]
		c.mu.Unlock()
		front.Check()
		time.Sleep(time.Millisecond)
	}
}

// drainErrors pops completed futures off the front of the queue in FIFO
// order, calling Result on each so a RemoteError from an earlier, unawaited
// call surfaces here instead of silently vanishing. It stops at the first
// error (returning it) or the first still-pending future, matching
// original_source/zerofun/client.py's
// `while queue[0].done(): queue.popleft().result()`.
func (c *Client) drainErrors() error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || !c.queue[0].Done() {
			c.mu.Unlock()
			return nil
		}
		front := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		if _, err := front.Result(); err != nil {
			return err
		}
	}
}

// waitFor drives listenOnce until rid's future resolves (retry=true) or
// until one non-blocking attempt has been made (retry=false), matching
// Future.Result/Check's respective blocking and non-blocking contracts.
func (c *Client) waitFor(rid uint64, retry bool) {
	for {
		c.mu.Lock()
		fut, ok := c.futures[rid]
		c.mu.Unlock()
		if !ok || fut.Done() {
			return
		}
		if err := c.listenOnce(); err != nil {
			c.mu.Lock()
			delete(c.futures, rid)
			c.mu.Unlock()
			fut.setError(err)
			return
		}
		if !retry {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// listenOnce makes one non-blocking attempt to receive from the socket and
// routes whatever it finds to the matching future. Calls are serialized
// through listenMu so concurrent Call/Result/Check callers share a single
// reader instead of racing the socket, mirroring the single-threaded
// receive loop the Python original relies on.
func (c *Client) listenOnce() error {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	rid, payload, err := c.socket.Receive()
	if err != nil {
		switch e := err.(type) {
		case *RemoteError:
			c.mu.Lock()
			fut, ok := c.futures[e.RID]
			if ok {
				delete(c.futures, e.RID)
			}
			c.mu.Unlock()
			if ok {
				fut.setError(e)
			} else {
				c.log.Warn("remote error for unknown request", "rid", e.RID, "text", e.Text)
			}
			return nil
		case *ProtocolError:
			c.log.Warn("protocol error from server", "err", e)
			return nil
		default:
			// NotAliveError and Disconnected are handed back to the
			// caller currently polling, per spec.md section 7.
			return err
		}
	}
	if payload == nil {
		return nil
	}
	c.numRecv.Add(1)

	tree, uerr := Unpack(payload)
	c.mu.Lock()
	fut, ok := c.futures[rid]
	if ok {
		delete(c.futures, rid)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if uerr != nil {
		fut.setError(uerr)
	} else {
		fut.setResult(tree)
	}
	return nil
}

// Stats returns lifetime counters for connects, calls sent, and results
// received.
func (c *Client) Stats() Stats {
	return Stats{
		Connects: c.numConn.Load(),
		Sent:     c.numSent.Load(),
		Received: c.numRecv.Load(),
	}
}

// Connected reports whether the underlying socket believes it is connected.
func (c *Client) Connected() bool {
	return c.socket.Connected()
}

// Close disconnects the client.
func (c *Client) Close() error {
	return c.socket.Close()
}
