package zerofun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danijar/zerofun/transport"
)

// serveOnce drives a ServerSocket until it sees a single CALL, answering
// PINGs along the way, and returns the call's details.
func serveOnce(t *testing.T, s *ServerSocket, timeout time.Duration) (peer string, rid uint64, method string, payload [][]byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, r, m, pl, err := s.Receive()
		require.NoError(t, err)
		if m != "" {
			return p, r, m, pl
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a call")
	return "", 0, "", nil
}

func TestClientSocketConnectHandshake(t *testing.T) {
	identity := []byte("client-a")
	clientConn, serverConn := transport.NewInMemory(identity)
	server := &ServerSocket{conn: serverConn, alive: make(map[string]time.Time), now: time.Now}

	dialer := fixedDialer{conn: clientConn}
	client := NewClientSocket(dialer, identity, 0, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect("ignored-addr", time.Second) }()

	// Answer the handshake PING the way a running Server would.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, _, method, _, err := server.Receive()
		require.NoError(t, err)
		_ = method
		if client.Connected() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, <-errCh)
	require.True(t, client.Connected())
}

func TestClientSocketCallRoundTrip(t *testing.T) {
	identity := []byte("client-b")
	clientConn, serverConn := transport.NewInMemory(identity)
	server := &ServerSocket{conn: serverConn, alive: make(map[string]time.Time), now: time.Now}

	client := NewClientSocket(fixedDialer{conn: clientConn}, identity, 0, 0)
	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect("ignored-addr", time.Second) }()

	// Answer the handshake PING the way a running Server would.
	handshakeDeadline := time.Now().Add(time.Second)
	for time.Now().Before(handshakeDeadline) && !client.Connected() {
		_, _, _, _, err := server.Receive()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, <-errCh)

	payload := [][]byte{[]byte("meta"), []byte("leaf")}
	rid, err := client.SendCall("echo", payload)
	require.NoError(t, err)

	peer, gotRID, method, gotPayload := serveOnce(t, server, time.Second)
	require.Equal(t, "echo", method)
	require.Equal(t, rid, gotRID)
	require.NoError(t, server.SendResult(peer, gotRID, gotPayload))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		gotRid, result, err := client.Receive()
		require.NoError(t, err)
		if result != nil {
			require.Equal(t, rid, gotRid)
			require.Equal(t, payload, result)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for result")
}

func TestClientSocketKeepaliveNotAlive(t *testing.T) {
	identity := []byte("client-c")
	clientConn, _ := transport.NewInMemory(identity)

	client := NewClientSocket(fixedDialer{conn: clientConn}, identity, 0, 0)
	client.connected = true
	client.conn = clientConn

	fake := time.Now()
	client.now = func() time.Time { return fake }
	client.maxage = 50 * time.Millisecond
	client.lastCall = fake

	fake = fake.Add(100 * time.Millisecond)
	_, _, err := client.Receive()
	var notAlive *NotAliveError
	require.ErrorAs(t, err, &notAlive)
}

// fixedDialer ignores addr and always returns a pre-established connection,
// since transport.NewInMemory wires its pair up front rather than on Dial.
type fixedDialer struct {
	conn transport.ClientConn
}

func (d fixedDialer) Dial(addr string, identity []byte) (transport.ClientConn, error) {
	return d.conn, nil
}
