// Command zerofun-bench starts a Server, wraps it in a BatchProxy, drives
// it with N concurrent Clients, and reports completed/failed call counts,
// total elapsed time and calls per second. It exists
// to exercise the call path end to end; it is not part of the tested core.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danijar/zerofun"
	"github.com/danijar/zerofun/internal/zlog"
	"github.com/danijar/zerofun/transport"
)

func main() {
	var (
		serverAddr = flag.String("server_addr", zerofun.PrivateAddr("bench-server"), "address the inner server binds")
		proxyAddr  = flag.String("proxy_addr", "ipc:///tmp/zerofun-bench-proxy.sock", "address the batch proxy binds")
		batchsize  = flag.Int("batchsize", 8, "batch size the proxy stacks calls into")
		workers    = flag.Int("workers", 4, "inner server worker pool size")
		clients    = flag.Int("clients", 16, "number of concurrent clients")
		calls      = flag.Int("calls", 200, "calls per client")
		useProxy   = flag.Bool("proxy", true, "route calls through the batch proxy instead of straight to the server")
		transName  = flag.String("transport", "tcp", "transport to bind/dial: tcp or ws (ws needs tcp://host:port addresses, not ipc://)")
	)
	flag.Parse()

	log := zlog.New("bench")
	binder, dialer, err := resolveTransport(*transName)
	if err != nil {
		log.Error("bench failed", "err", err)
		os.Exit(1)
	}
	if err := run(log, binder, dialer, *serverAddr, *proxyAddr, *batchsize, *workers, *clients, *calls, *useProxy); err != nil {
		log.Error("bench failed", "err", err)
		os.Exit(1)
	}
}

// resolveTransport picks the Binder/Dialer pair "-transport" names, proving
// the transport the core treats as an external collaborator (spec.md
// section 1) is genuinely pluggable rather than only ever exercised as TCP.
func resolveTransport(name string) (transport.Binder, transport.Dialer, error) {
	switch name {
	case "tcp":
		return transport.TCPBinder{}, transport.TCPDialer{}, nil
	case "ws":
		return transport.WSBinder{}, transport.WSDialer{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown -transport %q (want tcp or ws)", name)
	}
}

func run(log *slog.Logger, binder transport.Binder, dialer transport.Dialer, serverAddr, proxyAddr string, batchsize, workers, numClients, callsPerClient int, useProxy bool) error {
	server, err := zerofun.NewServer(binder, serverAddr, zerofun.WithServerLogger(log))
	if err != nil {
		return fmt.Errorf("bind server: %w", err)
	}
	err = server.Bind("sum", func(tree zerofun.Value) (zerofun.Value, error) {
		arr, ok := tree.(*zerofun.Array)
		if !ok {
			return nil, fmt.Errorf("sum expects a single array argument")
		}
		if len(arr.Shape) == 2 {
			// Stacked by the batch proxy: one sum per row, keeping the
			// leading batch axis so the proxy can split the result.
			rows, cols := arr.Shape[0], arr.Shape[1]
			sums := make([]byte, rows)
			for r := 0; r < rows; r++ {
				for _, b := range arr.Data[r*cols : (r+1)*cols] {
					sums[r] += b
				}
			}
			return zerofun.NewArray(zerofun.Uint8, []int{rows, 1}, sums)
		}
		var total byte
		for _, b := range arr.Data {
			total += b
		}
		return zerofun.NewArray(zerofun.Uint8, []int{1}, []byte{total})
	}, zerofun.Workers(workers))
	if err != nil {
		return fmt.Errorf("bind method: %w", err)
	}

	stopServer := make(chan struct{})
	go server.Serve(stopServer)
	defer func() { close(stopServer); server.Close() }()

	dialAddr := serverAddr
	var proxy *zerofun.BatchProxy
	if useProxy {
		proxy, err = zerofun.NewBatchProxy(binder, proxyAddr, dialer, serverAddr,
			zerofun.WithBatchProxyLogger(log))
		if err != nil {
			return fmt.Errorf("start batch proxy: %w", err)
		}
		proxy.Bind("sum", batchsize)
		stopProxy := make(chan struct{})
		go proxy.Serve(stopProxy)
		defer func() { close(stopProxy); proxy.Close() }()
		dialAddr = proxyAddr
	}

	start := time.Now()
	var completed atomic.Int64
	var failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := zerofun.NewClient(dialAddr, zerofun.WithDialer(dialer), zerofun.WithLogger(log))
			defer client.Close()
			if err := client.Connect(true, 5*time.Second); err != nil {
				log.Error("client connect failed", "err", err)
				failed.Add(int64(callsPerClient))
				return
			}
			arg, err := zerofun.NewArray(zerofun.Uint8, []int{4}, []byte{1, 2, 3, 4})
			if err != nil {
				log.Error("building argument failed", "err", err)
				return
			}
			for j := 0; j < callsPerClient; j++ {
				future, err := client.Call("sum", arg)
				if err != nil {
					failed.Add(1)
					continue
				}
				if _, err := future.Result(); err != nil {
					failed.Add(1)
					continue
				}
				completed.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	log.Info("bench finished",
		"completed", completed.Load(),
		"failed", failed.Load(),
		"elapsed", elapsed,
		"calls_per_sec", float64(completed.Load())/elapsed.Seconds(),
	)
	return nil
}
