// Command nsaas-send registers with the NSaaS controller, attaches a
// channel, opens a flow, and sends a configurable stream of
// fixed-size messages over it — the nsaas analogue of the teacher's
// cmd/send AF_XDP packet generator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nsaas/nsaas-go/ctrlsock"
	"github.com/nsaas/nsaas-go/datapath"
	"github.com/nsaas/nsaas-go/flowplane"
	"github.com/nsaas/nsaas-go/ratelimit"
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
	fSrcIP := flag.String("s", "", "source IP")
	fDstIP := flag.String("D", "", "destination IP")
	fPort := flag.Uint("p", 0, "destination port")
	fCount := flag.Uint64("n", 0, "messages to send")
	fMsgSize := flag.Uint("l", 256, "message size in bytes")
	fRate := flag.Uint64("r", 0, "messages per second (0 = unlimited)")
	fNotify := flag.Bool("notify", false, "request delivery notification")
	flag.Parse()

	if *fSrcIP == "" || *fDstIP == "" || *fPort == 0 || *fCount == 0 {
		fmt.Fprintln(os.Stderr, "usage: nsaas-send -s <src-ip> -D <dst-ip> -p <port> -n <count> [-l size] [-r rate]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := ctrlsock.New(*fCtrl)
	fatalIf(client.Init(ctx), "registering with controller")

	ch, err := client.Attach(ctx)
	fatalIf(err, "attaching channel")
	defer ch.Close()

	flow, err := flowplane.Connect(ctx, ch, *fSrcIP, *fDstIP, uint16(*fPort))
	fatalIf(err, "connecting flow")

	fmt.Fprintf(os.Stderr,
		"nsaas-send: src=%s dst=%s:%d count=%s size=%s rate=%s/s\n",
		*fSrcIP, *fDstIP, *fPort, humanize.Comma(int64(*fCount)),
		humanize.Bytes(uint64(*fMsgSize)), humanize.Comma(int64(*fRate)),
	)

	payload := make([]byte, *fMsgSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	throttle := ratelimit.New(*fRate)

	var sent, bytesSent uint64
	start := time.Now()

	for sent < *fCount {
		throttle.ThrottleN(ch, 1)

		hdr := &datapath.MsgHeader{
			Flow:           flow,
			Segments:       [][]byte{payload},
			NotifyDelivery: *fNotify,
		}
		if err := datapath.SendMsg(ch, hdr); err != nil {
			// The ring is SPSC and non-blocking: a full ring is a
			// transient backpressure signal, not a fatal error — retry
			// after giving the controller a moment to drain it.
			time.Sleep(time.Millisecond)
			continue
		}
		sent++
		bytesSent += uint64(len(payload))
	}

	elapsed := time.Since(start)
	mps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s bytes=%s duration=%s rate=%s msg/s\n",
		humanize.Comma(int64(sent)),
		humanize.Bytes(bytesSent),
		elapsed,
		humanize.Comma(int64(mps)),
	)
}
