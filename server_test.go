package zerofun

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/danijar/zerofun/transport"
)

func testAddr(t *testing.T) string {
	t.Helper()
	return "ipc://" + filepath.Join(t.TempDir(), "zerofun-test.sock")
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	client := NewClient(addr, WithDialer(transport.TCPDialer{}), WithPings(0))
	require.NoError(t, client.Connect(false, 2*time.Second))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServerEchoCall(t *testing.T) {
	addr := testAddr(t)
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	require.NoError(t, server.Bind("echo", func(tree Value) (Value, error) { return tree, nil }))

	stop := make(chan struct{})
	go server.Serve(stop)
	t.Cleanup(func() { close(stop); server.Close() })

	client := newTestClient(t, addr)
	arg := mustArray(t, Uint8, []int{3}, []byte{9, 8, 7})
	future, err := client.Call("echo", arg)
	require.NoError(t, err)

	result, err := future.Result()
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Value(arg), result))
}

func TestServerUnknownMethod(t *testing.T) {
	addr := testAddr(t)
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	stop := make(chan struct{})
	go server.Serve(stop)
	t.Cleanup(func() { close(stop); server.Close() })

	client := newTestClient(t, addr)
	future, err := client.Call("missing", mustArray(t, Int8, []int{1}, []byte{1}))
	require.NoError(t, err)

	_, err = future.Result()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Text, "Unknown method missing")
}

func TestServerMethodError(t *testing.T) {
	addr := testAddr(t)
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	require.NoError(t, server.Bind("fails", func(Value) (Value, error) {
		return nil, fmt.Errorf("boom")
	}))
	stop := make(chan struct{})
	go server.Serve(stop)
	t.Cleanup(func() { close(stop); server.Close() })

	client := newTestClient(t, addr)
	future, err := client.Call("fails", mustArray(t, Int8, []int{1}, []byte{1}))
	require.NoError(t, err)

	_, err = future.Result()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Text, "boom")
}

func TestServerPooledWorkers(t *testing.T) {
	addr := testAddr(t)
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	require.NoError(t, server.Bind("double", func(tree Value) (Value, error) {
		arr := tree.(*Array)
		out := make([]byte, len(arr.Data))
		for i, b := range arr.Data {
			out[i] = b * 2
		}
		return NewArray(arr.DType, arr.Shape, out)
	}, Workers(4)))
	stop := make(chan struct{})
	go server.Serve(stop)
	t.Cleanup(func() { close(stop); server.Close() })

	client := newTestClient(t, addr)
	futures := make([]*Future, 8)
	for i := range futures {
		arg := mustArray(t, Uint8, []int{1}, []byte{byte(i)})
		fut, err := client.Call("double", arg)
		require.NoError(t, err)
		futures[i] = fut
	}
	for i, fut := range futures {
		result, err := fut.Result()
		require.NoError(t, err)
		require.Equal(t, byte(i*2), result.(*Array).Data[0])
	}
}

func TestServerRejectsDuplicateBind(t *testing.T) {
	addr := testAddr(t)
	server, err := NewServer(transport.TCPBinder{}, addr)
	require.NoError(t, err)
	require.NoError(t, server.Bind("dup", func(tree Value) (Value, error) { return tree, nil }))
	require.Error(t, server.Bind("dup", func(tree Value) (Value, error) { return tree, nil }))
	server.Close()
}
