package flowplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/ctrlsock"
	"github.com/nsaas/nsaas-go/internal/ctrlstub"
	"github.com/nsaas/nsaas-go/wire"
)

// attachedChannel registers through a stub controller and returns both
// ends of the resulting channel: the application's view (ch) and the
// controller's own view (peer), which the test drives by hand to answer
// control-queue requests.
func attachedChannel(t *testing.T) (ch, peer *channel.Context) {
	t.Helper()
	stub := ctrlstub.Start(t, ctrlstub.WithChannelDims(64, 16, 8))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client := ctrlsock.New(stub.Addr())
	if err := client.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ch, err := client.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return ch, stub.PeerChannel(t)
}

func TestConnectCompletesSuccessfully(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	done := make(chan struct{})
	go serviceOneCreateFlow(peer, wire.FlowTuple{SrcIP: 0x0A000001, DstIP: 0x0A000002, SrcPort: 5555, DstPort: 80}, done)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	flow, err := Connect(ctx, ch, "10.0.0.1", "10.0.0.2", 80)
	<-done
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if flow.DstPort != 80 || flow.SrcPort != 5555 {
		t.Fatalf("flow = %+v, want dst_port=80 src_port=5555", flow)
	}
}

func TestConnectRejectsAnyDestination(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Connect(ctx, ch, "10.0.0.1", "0.0.0.0", 80); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Connect error = %v, want wrapping ErrInvalidAddress", err)
	}
}

func TestConnectRejectsUnparseableAddress(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Connect(ctx, ch, "not-an-ip", "10.0.0.2", 80); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Connect error = %v, want wrapping ErrInvalidAddress", err)
	}
}

func TestListenCompletesSuccessfully(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	done := make(chan struct{})
	go serviceOneListen(peer, done)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := Listen(ctx, ch, "10.0.0.1", 9000); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	<-done
}

func TestListenTimesOutWhenControllerNeverCompletes(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 11*time.Second)
	defer cancel()

	start := time.Now()
	err := Listen(ctx, ch, "10.0.0.1", 9000)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Listen error = %v, want ErrTimeout", err)
	}
	if elapsed < 8*time.Second {
		t.Fatalf("Listen returned after only %s, want close to the 10-attempt budget", elapsed)
	}
}

func TestConnectFailsOnIDMismatch(t *testing.T) {
	ch, peer := attachedChannel(t)
	defer ch.Close()
	defer peer.Close()

	go func() {
		var reqs [1]wire.CtrlQueueEntry
		for peer.CtrlSQDequeue(reqs[:]) != 1 {
			time.Sleep(10 * time.Millisecond)
		}
		peer.CtrlCQEnqueue(wire.CtrlQueueEntry{
			ID:     reqs[0].ID + 1, // deliberately wrong
			Status: wire.CQStatusOK,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := Connect(ctx, ch, "10.0.0.1", "10.0.0.2", 80); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("Connect error = %v, want wrapping ErrIDMismatch", err)
	}
}

func serviceOneCreateFlow(peer *channel.Context, assigned wire.FlowTuple, done chan struct{}) {
	defer close(done)
	var reqs [1]wire.CtrlQueueEntry
	for peer.CtrlSQDequeue(reqs[:]) != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	peer.CtrlCQEnqueue(wire.CtrlQueueEntry{
		ID:       reqs[0].ID,
		Opcode:   reqs[0].Opcode,
		Status:   wire.CQStatusOK,
		FlowInfo: assigned,
	})
}

func serviceOneListen(peer *channel.Context, done chan struct{}) {
	defer close(done)
	var reqs [1]wire.CtrlQueueEntry
	for peer.CtrlSQDequeue(reqs[:]) != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	peer.CtrlCQEnqueue(wire.CtrlQueueEntry{
		ID:     reqs[0].ID,
		Opcode: reqs[0].Opcode,
		Status: wire.CQStatusOK,
	})
}
