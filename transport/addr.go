package transport

import (
	"fmt"
	"strings"
)

// splitAddr maps a "tcp://host:port" or "ipc:///path" address (spec.md
// section 6) to the (network, address) pair net.Dial/net.Listen expect.
func splitAddr(addr string) (network, target string, err error) {
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	case strings.HasPrefix(addr, "ipc://"):
		return "unix", strings.TrimPrefix(addr, "ipc://"), nil
	default:
		return "", "", fmt.Errorf("transport: unsupported address %q (want tcp:// or ipc://)", addr)
	}
}

// bindTarget rewrites a tcp:// dial-style "host:port" target into
// ":port" the way a ROUTER socket binds to all interfaces, matching
// original_source/zerofun/sockets.py's ServerSocket.__init__
// ("tcp://*:{port}").
func bindTarget(network, target string) string {
	if network != "tcp" {
		return target
	}
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return target
	}
	return ":" + target[idx+1:]
}
