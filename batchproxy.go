package zerofun

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danijar/zerofun/internal/zlog"
	"github.com/danijar/zerofun/transport"
)

// PrivateAddr generates a process-unique inner address for a BatchProxy's
// wrapped Server, so several proxies in one process never collide. It
// mirrors original_source/zerofun/proc_server.py's pattern of binding the
// wrapped worker on an ipc:// socket private to the parent process.
func PrivateAddr(name string) string {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("zerofun-batch-%s-%d-%d", name, os.Getpid(), privateAddrCounter.Add(1)))
	return "ipc://" + path
}

var privateAddrCounter atomic.Int64

type queuedCall struct {
	peer string
	rid  uint64
	tree Value // nil for a passthrough (unbatched) call
}

type pendingBatch struct {
	method string
	items  []queuedCall
}

// BatchProxyOption configures a BatchProxy constructed with NewBatchProxy.
type BatchProxyOption func(*BatchProxy)

func WithBatchProxyLogger(log *slog.Logger) BatchProxyOption {
	return func(p *BatchProxy) { p.log = log }
}

// BatchProxy is spec.md section 4.6's transparent batching front-end: it
// stands between many clients and one inner Server, stacking B concurrent
// calls to the same method into a single vectorized inner call and
// splitting the reply back out, so the wrapped method never has to know
// batching happened. Grounded on
// original_source/zerofun/proc_server.py's BatchServer.
type BatchProxy struct {
	outward *ServerSocket
	inner   *ClientSocket
	log     *slog.Logger

	mu         sync.Mutex
	batchsizes map[string]int
	queues     map[string][]queuedCall
	pending    map[uint64]pendingBatch

	closed chan struct{}
}

// NewBatchProxy binds outwardAddr for client traffic and dials innerAddr,
// where innerServer (already bound and Serve-ing, typically on a
// PrivateAddr) does the real work.
func NewBatchProxy(
	outwardBinder transport.Binder, outwardAddr string,
	innerDialer transport.Dialer, innerAddr string,
	opts ...BatchProxyOption,
) (*BatchProxy, error) {
	outward, err := BindServerSocket(outwardBinder, outwardAddr)
	if err != nil {
		return nil, err
	}
	inner := NewClientSocket(innerDialer, randomIdentity(), 0, 0)
	if err := inner.Connect(innerAddr, 10*time.Second); err != nil {
		outward.Close()
		return nil, err
	}
	p := &BatchProxy{
		outward:    outward,
		inner:      inner,
		log:        zlog.New("batchproxy"),
		batchsizes: make(map[string]int),
		queues:     make(map[string][]queuedCall),
		pending:    make(map[uint64]pendingBatch),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Bind registers method with batchsize B: B<=0 passes calls through
// one-for-one, B>0 accumulates B concurrent calls before forwarding one
// stacked inner call. Calls to a method never bound here are rejected with
// an error, matching Server.Bind's closed-registry semantics.
func (p *BatchProxy) Bind(method string, batchsize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchsizes[method] = batchsize
}

// PendingBatch reports how many calls to method are currently buffered
// waiting for their batch to fill. spec.md section 9 deliberately leaves
// out a max-wait timer (an Open Question resolved in DESIGN.md); callers
// that care about latency under low load can poll this and call Flush.
func (p *BatchProxy) PendingBatch(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[method])
}

// Flush forwards whatever is currently queued for method as a short batch,
// even if it hasn't reached its configured batch size. It is a no-op if
// nothing is queued.
func (p *BatchProxy) Flush(method string) {
	p.mu.Lock()
	batch := p.queues[method]
	delete(p.queues, method)
	p.mu.Unlock()
	if len(batch) > 0 {
		p.flushBatch(method, batch)
	}
}

// Serve runs the proxy's single-threaded cooperative loop — one pass over
// the outward (client-facing) socket followed by one pass over the inner
// (server-facing) socket — until stop is closed.
func (p *BatchProxy) Serve(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-p.closed:
			return nil
		default:
		}

		did := p.receiveOutward()
		did = p.receiveInner() || did
		if !did {
			time.Sleep(time.Millisecond)
		}
	}
}

func (p *BatchProxy) receiveOutward() bool {
	peer, rid, method, payload, err := p.outward.Receive()
	if err != nil {
		p.log.Warn("batchproxy outward receive error", "err", err)
		return true
	}
	if method == "" {
		return false
	}

	p.mu.Lock()
	batchsize, known := p.batchsizes[method]
	p.mu.Unlock()
	if !known {
		p.outward.SendError(peer, rid, fmt.Sprintf("Unknown method %s.", method))
		return true
	}

	if batchsize <= 0 {
		innerRID, err := p.inner.SendCall(method, payload)
		if err != nil {
			p.outward.SendError(peer, rid, err.Error())
			return true
		}
		p.mu.Lock()
		p.pending[innerRID] = pendingBatch{method: method, items: []queuedCall{{peer: peer, rid: rid}}}
		p.mu.Unlock()
		return true
	}

	tree, err := Unpack(payload)
	if err != nil {
		p.outward.SendError(peer, rid, err.Error())
		return true
	}

	p.mu.Lock()
	p.queues[method] = append(p.queues[method], queuedCall{peer: peer, rid: rid, tree: tree})
	var batch []queuedCall
	if len(p.queues[method]) >= batchsize {
		batch = p.queues[method][:batchsize]
		p.queues[method] = p.queues[method][batchsize:]
	}
	p.mu.Unlock()

	if batch != nil {
		p.flushBatch(method, batch)
	}
	return true
}

func (p *BatchProxy) flushBatch(method string, batch []queuedCall) {
	trees := make([]Value, len(batch))
	for i, item := range batch {
		trees[i] = item.tree
	}
	stacked, err := mapTrees(stackLeaves, trees...)
	if err != nil {
		p.failAll(batch, err)
		return
	}
	payload, err := Pack(stacked)
	if err != nil {
		p.failAll(batch, err)
		return
	}
	innerRID, err := p.inner.SendCall(method, payload)
	if err != nil {
		p.failAll(batch, err)
		return
	}
	p.mu.Lock()
	p.pending[innerRID] = pendingBatch{method: method, items: batch}
	p.mu.Unlock()
}

func (p *BatchProxy) failAll(batch []queuedCall, err error) {
	for _, item := range batch {
		p.outward.SendError(item.peer, item.rid, err.Error())
	}
}

func (p *BatchProxy) receiveInner() bool {
	rid, payload, err := p.inner.Receive()
	if err != nil {
		switch e := err.(type) {
		case *RemoteError:
			p.mu.Lock()
			pb, ok := p.pending[e.RID]
			delete(p.pending, e.RID)
			p.mu.Unlock()
			if ok {
				p.failAll(pb.items, e)
			}
			return true
		case *ProtocolError:
			p.log.Warn("batchproxy inner protocol error", "err", e)
			return true
		default:
			p.log.Warn("batchproxy inner connection error", "err", e)
			return true
		}
	}
	if payload == nil {
		return false
	}

	p.mu.Lock()
	pb, ok := p.pending[rid]
	delete(p.pending, rid)
	p.mu.Unlock()
	if !ok {
		return true
	}

	if len(pb.items) == 1 && pb.items[0].tree == nil {
		p.outward.SendResult(pb.items[0].peer, pb.items[0].rid, payload)
		return true
	}

	result, err := Unpack(payload)
	if err != nil {
		p.failAll(pb.items, err)
		return true
	}
	parts, err := splitLeading(result, len(pb.items))
	if err != nil {
		p.failAll(pb.items, err)
		return true
	}
	for i, item := range pb.items {
		out, perr := Pack(parts[i])
		if perr != nil {
			p.outward.SendError(item.peer, item.rid, perr.Error())
			continue
		}
		p.outward.SendResult(item.peer, item.rid, out)
	}
	return true
}

// Close shuts down both sockets.
func (p *BatchProxy) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	p.inner.Close()
	return p.outward.Close()
}

// stackLeaves concatenates B same-shaped, same-dtype leaves' buffers into
// one leaf with a new leading axis of size B, the vectorization step
// BatchProxy performs before forwarding a stacked inner call.
func stackLeaves(group []*Array) (*Array, error) {
	first := group[0]
	shape := append([]int{len(group)}, first.Shape...)
	data := make([]byte, 0, len(first.Data)*len(group))
	for _, a := range group {
		if a.DType != first.DType || !shapeEqual(a.Shape, first.Shape) {
			return nil, &InvalidPayload{Reason: "batched calls have mismatched argument shapes or dtypes"}
		}
		data = append(data, a.Data...)
	}
	return NewArray(first.DType, shape, data)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitLeading is the inverse of stackLeaves applied to a whole tree: it
// slices every leaf's leading axis of size b apart, producing b trees with
// the same structure.
func splitLeading(tree Value, b int) ([]Value, error) {
	leaves, structure, err := flatten(tree)
	if err != nil {
		return nil, err
	}
	perItem := make([][]*Array, b)
	for i := range perItem {
		perItem[i] = make([]*Array, len(leaves))
	}
	for li, leaf := range leaves {
		if len(leaf.Shape) == 0 || leaf.Shape[0] != b {
			return nil, &InvalidPayload{Reason: fmt.Sprintf(
				"result leaf shape %v lacks the expected leading batch dimension %d", leaf.Shape, b)}
		}
		itemShape := append([]int(nil), leaf.Shape[1:]...)
		itemsize, err := leaf.DType.itemsize()
		if err != nil {
			return nil, err
		}
		chunk := itemsize
		for _, d := range itemShape {
			chunk *= d
		}
		for i := 0; i < b; i++ {
			start, end := i*chunk, (i+1)*chunk
			arr, err := NewArray(leaf.DType, itemShape, leaf.Data[start:end])
			if err != nil {
				return nil, err
			}
			perItem[i][li] = arr
		}
	}
	out := make([]Value, b)
	for i := 0; i < b; i++ {
		v, err := unflatten(structure, perItem[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
