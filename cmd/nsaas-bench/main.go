// Command nsaas-bench drives a single NSaaS channel at a configured
// rate and message size, reporting throughput and loss — the nsaas
// analogue of the teacher's cmd/bench egress/ingress AF_XDP benchmark,
// collapsed onto one channel since a channel's SQ/CQ and data rings
// already carry both directions between one application and the
// controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/ctrlsock"
	"github.com/nsaas/nsaas-go/datapath"
	"github.com/nsaas/nsaas-go/flowplane"
	"github.com/nsaas/nsaas-go/ratelimit"
	"github.com/nsaas/nsaas-go/wire"
)

type Config struct {
	Controller string `yaml:"controller"`

	Egress struct {
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		DstPort int    `yaml:"dst-port"`
		Rate    uint64 `yaml:"rate"`
	} `yaml:"egress"`

	Ingress struct {
		LocalIP   string `yaml:"local-ip"`
		LocalPort int    `yaml:"local-port"`
	} `yaml:"ingress"`

	MsgSize uint64 `yaml:"msg-size"`
	Count   uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "nsaas-bench.yaml", "path to config YAML file")
	fCtrl := flag.String("ctrl", "", "controller socket path")
	fSrcIP := flag.String("s", "", "egress src ip")
	fDstIP := flag.String("D", "", "egress dst ip")
	fPort := flag.Int("p", 0, "egress dst port")
	fLocalIP := flag.String("i", "", "ingress local ip")
	fLocalPort := flag.Int("P", 0, "ingress local port")
	fRate := flag.Uint64("r", 0, "messages per second (0 = unlimited)")
	fCount := flag.Uint64("n", 0, "message count")
	fMsgSize := flag.Uint64("l", 0, "message size in bytes")

	flag.Parse()

	var conf Config
	if b, err := os.ReadFile(*fConfig); err == nil {
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if *fCtrl != "" {
		conf.Controller = *fCtrl
	}
	if *fSrcIP != "" {
		conf.Egress.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fLocalIP != "" {
		conf.Ingress.LocalIP = *fLocalIP
	}
	if *fLocalPort != 0 {
		conf.Ingress.LocalPort = *fLocalPort
	}
	if *fRate != 0 {
		conf.Egress.Rate = *fRate
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMsgSize != 0 {
		conf.MsgSize = *fMsgSize
	}

	if conf.Egress.SrcIP == "" {
		return nil, errors.New("egress.src-ip must be set (or use -s)")
	}
	if net.ParseIP(conf.Egress.SrcIP) == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if conf.Egress.DstIP == "" {
		return nil, errors.New("egress.dst-ip must be set (or use -D)")
	}
	if net.ParseIP(conf.Egress.DstIP) == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Ingress.LocalIP == "" {
		return nil, errors.New("ingress.local-ip must be set (or use -i)")
	}
	if conf.Ingress.LocalPort <= 0 || conf.Ingress.LocalPort > 65535 {
		return nil, errors.New("ingress.local-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MsgSize == 0 {
		conf.MsgSize = 256
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type stats struct {
	sent      atomic.Uint64
	sentBad   atomic.Uint64
	recvd     atomic.Uint64
	recvBytes atomic.Uint64
}

// runSender and runReceiver drive the app-ring and stack-ring halves of
// one channel concurrently: the channel's SPSC rings already separate
// the two directions, so a single-writer sender and single-reader
// receiver never contend with each other on the same channel.
func runSender(ctx context.Context, ch *channel.Context, conf *Config, flow wire.FlowTuple, st *stats, wg *sync.WaitGroup) {
	defer wg.Done()

	payload := make([]byte, conf.MsgSize)
	throttle := ratelimit.New(conf.Egress.Rate)

	var sent uint64
	for sent < conf.Count {
		if ctx.Err() != nil {
			return
		}
		throttle.ThrottleN(ch, 1)
		if err := datapath.Send(ch, flow, payload); err != nil {
			st.sentBad.Add(1)
			time.Sleep(time.Millisecond)
			continue
		}
		sent++
		st.sent.Add(1)
	}
}

func runReceiver(ctx context.Context, ch *channel.Context, st *stats, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 1<<20)
	var flow wire.FlowTuple
	for ctx.Err() == nil {
		n, err := datapath.Recv(ch, buf, &flow)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recv: %v\n", err)
			continue
		}
		if n == 0 {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		st.recvd.Add(1)
		st.recvBytes.Add(uint64(n))
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "loading config")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := ctrlsock.New(conf.Controller)
	fatalIf(client.Init(ctx), "registering with controller")

	ch, err := client.Attach(ctx)
	fatalIf(err, "attaching channel")
	defer ch.Close()

	fatalIf(flowplane.Listen(ctx, ch, conf.Ingress.LocalIP, uint16(conf.Ingress.LocalPort)), "opening listener")

	flow, err := flowplane.Connect(ctx, ch, conf.Egress.SrcIP, conf.Egress.DstIP, uint16(conf.Egress.DstPort))
	fatalIf(err, "connecting flow")

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "nsaas-bench: %d messages of %d bytes, rate=%d/s\n",
		conf.Count, conf.MsgSize, conf.Egress.Rate)

	var st stats
	var wg sync.WaitGroup
	wg.Add(2)

	start := time.Now()
	go runReceiver(ctx, ch, &st, &wg)
	go runSender(ctx, ch, conf, flow, &st, &wg)

	// The benchmark is done once every message has been sent; give the
	// receiver a short grace period to drain whatever is still in
	// flight on the stack ring before the report is printed.
	for st.sent.Load() < conf.Count && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	elapsed := time.Since(start)

	p.Fprintf(os.Stderr,
		"finished: sent=%d failed=%d recvd=%d bytes=%s duration=%s rate=%.0f msg/s\n",
		st.sent.Load(), st.sentBad.Load(), st.recvd.Load(),
		humanize.Bytes(st.recvBytes.Load()), elapsed,
		float64(st.recvd.Load())/elapsed.Seconds(),
	)
}
