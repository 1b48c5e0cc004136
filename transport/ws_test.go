package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freeTCPAddr picks a currently-free loopback port. WSBinder has no Addr()
// accessor to learn a port net.Listen(0) would assign after the fact, so
// tests probe one up front the way many net/http-adjacent test suites do.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "tcp://" + addr
}

func recvFramesWithin(t *testing.T, recv func() ([][]byte, error), d time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		frames, err := recv()
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return frames
	}
	t.Fatal("timed out waiting for frames")
	return nil
}

func recvRoutedWithin(t *testing.T, server ServerConn, d time.Duration) ([]byte, [][]byte) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		peer, frames, err := server.Recv()
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return peer, frames
	}
	t.Fatal("timed out waiting for routed frames")
	return nil, nil
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	addr := freeTCPAddr(t)
	server, err := WSBinder{}.Bind(addr)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	identity := []byte("ws-client")
	client, err := WSDialer{}.Dial(addr, identity)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Send([][]byte{[]byte("hello"), []byte("world")}))
	peer, frames := recvRoutedWithin(t, server, 2*time.Second)
	require.Equal(t, identity, peer)
	require.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, frames)

	require.NoError(t, server.Send(peer, [][]byte{[]byte("reply")}))
	reply := recvFramesWithin(t, client.Recv, 2*time.Second)
	require.Equal(t, [][]byte{[]byte("reply")}, reply)

	require.Contains(t, server.Peers(), identity)
}
