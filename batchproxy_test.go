package zerofun

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danijar/zerofun/transport"
)

func startDoublingServer(t *testing.T, addr string) *Server {
	t.Helper()
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	require.NoError(t, server.Bind("double", func(tree Value) (Value, error) {
		arr := tree.(*Array)
		out := make([]byte, len(arr.Data))
		for i, b := range arr.Data {
			out[i] = b * 2
		}
		return NewArray(arr.DType, arr.Shape, out)
	}))
	stop := make(chan struct{})
	go server.Serve(stop)
	t.Cleanup(func() { close(stop); server.Close() })
	return server
}

func TestBatchProxyStacksConcurrentCalls(t *testing.T) {
	innerAddr := testAddr(t)
	startDoublingServer(t, innerAddr)

	outwardAddr := testAddr(t)
	proxy, err := NewBatchProxy(transport.TCPBinder{}, outwardAddr, transport.TCPDialer{}, innerAddr)
	require.NoError(t, err)
	proxy.Bind("double", 3)
	stop := make(chan struct{})
	go proxy.Serve(stop)
	t.Cleanup(func() { close(stop); proxy.Close() })

	client := NewClient(outwardAddr, WithDialer(transport.TCPDialer{}))
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(false, 2*time.Second))

	var wg sync.WaitGroup
	results := make([]byte, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			arg := mustArray(t, Uint8, []int{1}, []byte{byte(i + 1)})
			fut, err := client.Call("double", arg)
			if err != nil {
				errs[i] = err
				return
			}
			result, err := fut.Result()
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = result.(*Array).Data[0]
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, byte((i+1)*2), results[i])
	}
}

func TestBatchProxyPassthrough(t *testing.T) {
	innerAddr := testAddr(t)
	startDoublingServer(t, innerAddr)

	outwardAddr := testAddr(t)
	proxy, err := NewBatchProxy(transport.TCPBinder{}, outwardAddr, transport.TCPDialer{}, innerAddr)
	require.NoError(t, err)
	proxy.Bind("double", 0)
	stop := make(chan struct{})
	go proxy.Serve(stop)
	t.Cleanup(func() { close(stop); proxy.Close() })

	client := NewClient(outwardAddr, WithDialer(transport.TCPDialer{}))
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(false, 2*time.Second))

	arg := mustArray(t, Uint8, []int{1}, []byte{21})
	fut, err := client.Call("double", arg)
	require.NoError(t, err)
	result, err := fut.Result()
	require.NoError(t, err)
	require.Equal(t, byte(42), result.(*Array).Data[0])
}

func TestBatchProxyUnknownMethod(t *testing.T) {
	innerAddr := testAddr(t)
	startDoublingServer(t, innerAddr)

	outwardAddr := testAddr(t)
	proxy, err := NewBatchProxy(transport.TCPBinder{}, outwardAddr, transport.TCPDialer{}, innerAddr)
	require.NoError(t, err)
	stop := make(chan struct{})
	go proxy.Serve(stop)
	t.Cleanup(func() { close(stop); proxy.Close() })

	client := NewClient(outwardAddr, WithDialer(transport.TCPDialer{}))
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(false, 2*time.Second))

	fut, err := client.Call("missing", mustArray(t, Int8, []int{1}, []byte{1}))
	require.NoError(t, err)
	_, err = fut.Result()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Text, "Unknown method missing")
}

func TestBatchProxyPendingBatchAndFlush(t *testing.T) {
	innerAddr := testAddr(t)
	startDoublingServer(t, innerAddr)

	outwardAddr := testAddr(t)
	proxy, err := NewBatchProxy(transport.TCPBinder{}, outwardAddr, transport.TCPDialer{}, innerAddr)
	require.NoError(t, err)
	proxy.Bind("double", 4)
	stop := make(chan struct{})
	go proxy.Serve(stop)
	t.Cleanup(func() { close(stop); proxy.Close() })

	client := NewClient(outwardAddr, WithDialer(transport.TCPDialer{}))
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(false, 2*time.Second))

	arg := mustArray(t, Uint8, []int{1}, []byte{5})
	fut, err := client.Call("double", arg)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && proxy.PendingBatch("double") == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, proxy.PendingBatch("double"))

	proxy.Flush("double")
	result, err := fut.Result()
	require.NoError(t, err)
	require.Equal(t, byte(10), result.(*Array).Data[0])
	require.Equal(t, 0, proxy.PendingBatch("double"))
}
