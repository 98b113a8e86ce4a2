// Command nsaas-recv registers with the NSaaS controller, attaches a
// channel, opens a listener, and reports incoming message throughput —
// the nsaas analogue of the teacher's cmd/recv AF_XDP packet counter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nsaas/nsaas-go/ctrlsock"
	"github.com/nsaas/nsaas-go/datapath"
	"github.com/nsaas/nsaas-go/flowplane"
	"github.com/nsaas/nsaas-go/wire"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fCtrl := flag.String("ctrl", "", "controller socket path (default: "+wire.ControllerDefaultPath+")")
	fLocalIP := flag.String("i", "", "local IP to listen on")
	fPort := flag.Uint("p", 0, "local port to listen on")
	fBufSize := flag.Uint("l", 65536, "receive buffer size in bytes")
	flag.Parse()

	if *fLocalIP == "" || *fPort == 0 {
		fmt.Fprintln(os.Stderr, "usage: nsaas-recv -i <local-ip> -p <port>")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := ctrlsock.New(*fCtrl)
	fatalIf(client.Init(ctx), "registering with controller")

	ch, err := client.Attach(ctx)
	fatalIf(err, "attaching channel")
	defer ch.Close()

	fatalIf(flowplane.Listen(ctx, ch, *fLocalIP, uint16(*fPort)), "opening listener")

	fmt.Fprintf(os.Stderr, "nsaas-recv: listening on %s:%d\n", *fLocalIP, *fPort)

	var totalMsgs atomic.Uint64
	var totalBytes atomic.Uint64

	go func() {
		buf := make([]byte, *fBufSize)
		var flow wire.FlowTuple
		for {
			n, err := datapath.Recv(ch, buf, &flow)
			if err != nil {
				// A corrupt chain aborts the process (spec §7,
				// "unrecoverable"); datapath.Recv itself panics before
				// this branch is reached for that case — any error
				// returned here is the caller-buffer-too-small case.
				fmt.Fprintf(os.Stderr, "recv: %v\n", err)
				continue
			}
			if n == 0 {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			totalMsgs.Add(1)
			totalBytes.Add(uint64(n))
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastMsgs, lastBytes uint64
	lastTime := time.Now()

	for range ticker.C {
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		msgs := totalMsgs.Load()
		bytes := totalBytes.Load()

		curMsgs := msgs - lastMsgs
		curBytes := bytes - lastBytes

		mps := float64(curMsgs) / elapsed
		mbps := float64(curBytes*8) / elapsed / 1e6

		fmt.Printf("total=%d | cur=%.0f msg/s %.2f Mbit/s\n", msgs, mps, mbps)

		lastMsgs = msgs
		lastBytes = bytes
		lastTime = now
	}
}
