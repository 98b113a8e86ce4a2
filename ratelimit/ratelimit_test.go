package ratelimit

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nsaas/nsaas-go/channel"
)

// memfdChannel builds a tiny memfd-backed channel for exercising
// ThrottleN's backpressure path without a real controller.
func memfdChannel(t *testing.T, bufferCount, descRingSize uint32) *channel.Context {
	t.Helper()
	fd, err := unix.MemfdCreate("nsaas-ratelimit-test", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	size := channel.LayoutSize(64, bufferCount, descRingSize)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if err := channel.Create(mem, 64, bufferCount, descRingSize); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := unix.Munmap(mem); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	ctx, err := channel.Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestNewWithZeroRateIsANoOp(t *testing.T) {
	th := New(0)
	if th != nil {
		t.Fatal("New(0) should return nil")
	}
	// ThrottleN on a nil *Throttle must not panic or block.
	th.ThrottleN(nil, 5)
}

func TestThrottleNWithoutChannelPacesByRateAlone(t *testing.T) {
	th := New(1000)
	start := time.Now()
	for i := 0; i < 50; i++ {
		th.ThrottleN(nil, 1)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("50 messages at 1000/s took %v, too slow", elapsed)
	}
}

func TestThrottleNWaitsOutBufferExhaustion(t *testing.T) {
	ch := memfdChannel(t, 4, 8)

	// Drain the pool down to below lowWaterBufs so ThrottleN must block
	// on backpressure rather than the rate limiter.
	drained := make([]uint32, 3)
	if n := ch.AllocBulk(3, drained); n != 3 {
		t.Fatalf("AllocBulk = %d, want 3", n)
	}

	th := New(1_000_000) // effectively unthrottled by rate alone

	done := make(chan struct{})
	go func() {
		th.ThrottleN(ch, 1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ThrottleN returned while the channel was backpressured")
	case <-time.After(20 * time.Millisecond):
	}

	ch.FreeBulk(drained)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ThrottleN never returned after buffers were freed")
	}
}
