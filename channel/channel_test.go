package channel

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nsaas/nsaas-go/wire"
)

// memfdChannel creates an anonymous memfd, sizes it, and formats it as a
// fresh channel, returning the fd ready to hand to Bind (as the
// controller would after accepting a REQ_CHANNEL).
func memfdChannel(t *testing.T, bufMSS, bufferCount, descRingSize uint32) int {
	t.Helper()
	fd, err := unix.MemfdCreate("nsaas-test-channel", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	size := LayoutSize(bufMSS, bufferCount, descRingSize)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if err := Create(mem, bufMSS, bufferCount, descRingSize); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := unix.Munmap(mem); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	return fd
}

func TestBindValidatesMagic(t *testing.T) {
	fd, err := unix.MemfdCreate("nsaas-bad-magic", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, 4096); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	// The first 4 bytes are zero, not the channel magic: Bind must fail
	// cleanly, not crash (spec "Testable Properties" invariant 8).
	_, err = Bind(fd)
	if err == nil {
		t.Fatal("expected Bind to fail on bad magic")
	}
}

func TestBindAndBufferConservation(t *testing.T) {
	fd := memfdChannel(t, 128, 16, 8)
	ctx, err := Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ctx.Close()

	if ctx.BufMSS() != 128 {
		t.Fatalf("BufMSS = %d, want 128", ctx.BufMSS())
	}

	out := make([]uint32, 5)
	n := ctx.AllocBulk(5, out)
	if n != 5 {
		t.Fatalf("AllocBulk = %d, want 5", n)
	}

	freed := ctx.FreeBulk(out)
	if freed != 5 {
		t.Fatalf("FreeBulk = %d, want 5", freed)
	}

	// Buffer conservation: allocating the full pool back out must
	// succeed, because every buffer returned to baseline.
	full := make([]uint32, 16)
	if got := ctx.AllocBulk(16, full); got != 16 {
		t.Fatalf("AllocBulk(16) after free = %d, want 16", got)
	}
}

func TestAllocBulkFailsWhenExhausted(t *testing.T) {
	fd := memfdChannel(t, 64, 4, 8)
	ctx, err := Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ctx.Close()

	out := make([]uint32, 4)
	if n := ctx.AllocBulk(4, out); n != 4 {
		t.Fatalf("AllocBulk(4) = %d, want 4", n)
	}

	more := make([]uint32, 1)
	if n := ctx.AllocBulk(1, more); n != 0 {
		t.Fatalf("AllocBulk on exhausted pool = %d, want 0", n)
	}
}

func TestBufAppendAndDataOfsRoundTrip(t *testing.T) {
	fd := memfdChannel(t, 32, 4, 8)
	ctx, err := Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ctx.Close()

	var idx [1]uint32
	if ctx.AllocBulk(1, idx[:]) != 1 {
		t.Fatal("AllocBulk failed")
	}

	dst := ctx.BufAppend(idx[0], 5)
	copy(dst, "hello")

	if got := ctx.BufDataLen(idx[0]); got != 5 {
		t.Fatalf("BufDataLen = %d, want 5", got)
	}
	if got := ctx.BufTailroom(idx[0]); got != 27 {
		t.Fatalf("BufTailroom = %d, want 27", got)
	}
	if got := string(ctx.BufDataOfs(idx[0], 0)); got != "hello" {
		t.Fatalf("BufDataOfs = %q, want %q", got, "hello")
	}
	if b := ctx.Buf(idx[0]); b.Magic != wire.MsgBufMagic {
		t.Fatalf("buffer magic = %#x, want %#x", b.Magic, wire.MsgBufMagic)
	}
}

func TestDetachIsANoOp(t *testing.T) {
	fd := memfdChannel(t, 32, 4, 8)
	ctx, err := Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ctx.Close()

	// Detach must not unmap or otherwise disturb the channel: the ring
	// is still usable afterward.
	Detach(ctx)

	req := wire.CtrlQueueEntry{ID: ctx.NextReqID(), Opcode: wire.OpListen}
	if !ctx.CtrlSQEnqueue(req) {
		t.Fatal("channel unusable after Detach")
	}
}

func TestCtrlRingRoundTrip(t *testing.T) {
	fd := memfdChannel(t, 32, 4, 8)
	ctx, err := Bind(fd)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ctx.Close()

	req := wire.CtrlQueueEntry{ID: ctx.NextReqID(), Opcode: wire.OpListen}
	if !ctx.CtrlSQEnqueue(req) {
		t.Fatal("CtrlSQEnqueue failed")
	}

	// No peer is draining the SQ in this test, so the CQ stays empty.
	if _, ok := ctx.CtrlCQDequeue(); ok {
		t.Fatal("expected CQ to be empty with no peer")
	}
}
