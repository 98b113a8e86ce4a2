// Package channel implements the Channel Binder and the low-level
// shared-memory primitives spec §6.2 calls "helper operations assumed
// available": buffer allocation/free, ring enqueue/dequeue, and buffer
// accessors. Nothing else in this module provides them, so this package
// plays both roles.
//
// Layout and ring arithmetic are grounded on afxdp.Socket's mmap'd
// RX/TX/FQ/CQ rings (cached producer/consumer indices, unsafe.Slice
// overlays on a shared mapping).
package channel

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nsaas/nsaas-go/wire"
)

var (
	// ErrInvalidFD means fstat on the supplied descriptor failed.
	ErrInvalidFD = errors.New("channel: invalid file descriptor")
	// ErrBadMagic means the mapped region's header does not start with
	// the channel magic sentinel.
	ErrBadMagic = errors.New("channel: bad magic in mapped region")
	// ErrRingFull means a ring had no room for the requested entries.
	ErrRingFull = errors.New("channel: ring full")
	// ErrPoolExhausted means fewer buffers than requested were free.
	ErrPoolExhausted = errors.New("channel: buffer pool exhausted")
)

// Context is the opaque channel handle returned by Bind/Attach: the base
// address of the mapping plus every ring/pool view derived from it (the
// "arena + index" model of spec §9).
type Context struct {
	mem []byte
	hdr *wire.ChannelHeader

	appRing   *ring[uint32]
	stackRing *ring[uint32]
	sq        *ring[wire.CtrlQueueEntry]
	cq        *ring[wire.CtrlQueueEntry]
	free      *ring[uint32]

	bufBase unsafe.Pointer
	closed  bool
}

// Bind validates fd, maps it, and checks the channel magic. On any
// failure the fd is closed to avoid leaking it (spec §4.2, "Failure
// mode").
func Bind(fd int) (*Context, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: fstat: %v", ErrInvalidFD, err)
	}
	size := int(st.Size)
	if size < int(unsafe.Sizeof(wire.ChannelHeader{})) {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: mapping too small (%d bytes)", ErrBadMagic, size)
	}

	mem, err := mmapChannel(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("channel: mmap: %w", err)
	}

	hdr := (*wire.ChannelHeader)(unsafe.Pointer(&mem[0]))
	if hdr.Magic != wire.ChannelMagic {
		gotMagic := hdr.Magic
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrBadMagic, gotMagic, wire.ChannelMagic)
	}

	ctx := wireUpContext(mem, hdr)
	return ctx, nil
}

// mmapChannel maps length bytes of fd read-write shared, pre-populated
// and huge-page backed when the kernel allows it: unix.Mmap is called
// first with MAP_SHARED|MAP_POPULATE|MAP_HUGETLB, then again without
// MAP_HUGETLB if that fails.
func mmapChannel(fd int, length int) ([]byte, error) {
	flags := unix.MAP_SHARED | unix.MAP_POPULATE
	mem, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
	if err == nil {
		return mem, nil
	}
	// Huge pages aren't always available for an arbitrary-sized mapping;
	// fall back to the regular page size rather than failing the bind.
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
}

// wireUpContext derives every ring/pool view from a header that has
// already been validated and whose offsets have already been populated
// (either by the controller, across the wire, or by Create in this
// process for test fixtures).
func wireUpContext(mem []byte, hdr *wire.ChannelHeader) *Context {
	sqEntries := ringEntries[wire.CtrlQueueEntry](mem, hdr.CtrlCtx.SQOffs, hdr.CtrlCtx.SQ.Size)
	cqEntries := ringEntries[wire.CtrlQueueEntry](mem, hdr.CtrlCtx.CQOffs, hdr.CtrlCtx.CQ.Size)
	appEntries := ringEntries[uint32](mem, hdr.AppOffs, hdr.AppRing.Size)
	stackEntries := ringEntries[uint32](mem, hdr.StackOffs, hdr.StackRing.Size)
	freeEntries := ringEntries[uint32](mem, hdr.DataCtx.FreeOffs, hdr.DataCtx.FreeSize.Size)

	return &Context{
		mem:       mem,
		hdr:       hdr,
		sq:        newRing(&hdr.CtrlCtx.SQ, sqEntries),
		cq:        newRing(&hdr.CtrlCtx.CQ, cqEntries),
		appRing:   newRing(&hdr.AppRing, appEntries),
		stackRing: newRing(&hdr.StackRing, stackEntries),
		free:      newRing(&hdr.DataCtx.FreeSize, freeEntries),
		bufBase:   unsafe.Add(unsafe.Pointer(&mem[0]), hdr.DataCtx.BufPoolOffs),
	}
}

// Detach is the public detach(ctx) operation: a deliberate no-op. The
// channel mapping stays live until process exit; the controller's own
// de-registration path (triggered by the registration socket closing)
// is what actually releases every channel an application holds, so
// detach itself has nothing to do.
func Detach(ctx *Context) {}

// Close unmaps the channel. Detach never calls this; Close exists for
// process-controlled shutdown and test fixtures, resolving the mapping
// leak without changing the public detach contract.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Munmap(c.mem)
}

// Size returns the total mapped size in bytes.
func (c *Context) Size() int { return len(c.mem) }

// BufMSS returns the fixed maximum payload per buffer for this channel's
// lifetime (spec §3.3 invariant).
func (c *Context) BufMSS() uint32 { return c.hdr.DataCtx.BufMSS }

// NextReqID returns the next per-channel monotonic control request id
// (spec §4.3 step 2). Single-threaded per channel, so a plain
// read-increment suffices — no atomic needed beyond what the caller's
// own thread confinement already guarantees (spec §5).
func (c *Context) NextReqID() uint32 {
	id := c.hdr.CtrlCtx.ReqID
	c.hdr.CtrlCtx.ReqID++
	return id
}

// AllocBulk allocates up to n buffer slot indices into out (which must
// have length >= n), returning the count actually allocated; it returns
// fewer than n only when the pool holds fewer. Each allocated buffer is
// reset to an empty header (magic kept, no data, no flags). Spec §4.4
// step 3 requires the caller to treat anything less than n as failure.
func (c *Context) AllocBulk(n int, out []uint32) int {
	got := c.free.dequeue(out[:n])
	for _, idx := range out[:got] {
		b := c.Buf(idx)
		*b = wire.MsgBufHeader{Magic: b.Magic}
	}
	return got
}

// FreeBufs returns the number of buffer slots currently sitting in the
// pool, without allocating any of them — the backpressure signal a
// sender can poll before attempting SendMsg, rather than discovering
// pool exhaustion only after paying for a failed AllocBulk.
func (c *Context) FreeBufs() int {
	return int(c.free.avail(c.free.hdr.Size))
}

// AppRingRoom returns the number of entries the application -> stack
// ring currently has free, the other half of the backpressure a sender
// should watch: a controller that has stopped draining the app ring
// shows up here before AppRingEnqueue ever fails.
func (c *Context) AppRingRoom() int {
	return int(c.appRing.free(c.appRing.hdr.Size))
}

// FreeBulk returns the given slot indices to the pool, returning the
// count actually freed.
func (c *Context) FreeBulk(in []uint32) int {
	return c.free.enqueue(in)
}

// AppRingEnqueue publishes buffer slot indices on the application ->
// stack data ring.
func (c *Context) AppRingEnqueue(in []uint32) int {
	return c.appRing.enqueue(in)
}

// StackRingDequeue pops delivered buffer slot indices off the stack ->
// application data ring.
func (c *Context) StackRingDequeue(out []uint32) int {
	return c.stackRing.dequeue(out)
}

// AppRingDequeue pops buffer slot indices off the application -> stack
// data ring. The application side never calls this; it exists for the
// peer (the controller, or this module's own in-process test stub, which
// binds the same channel region from the other side) to drain what the
// application sent.
func (c *Context) AppRingDequeue(out []uint32) int {
	return c.appRing.dequeue(out)
}

// StackRingEnqueue publishes buffer slot indices on the stack ->
// application data ring. Mirrors AppRingDequeue: used by the peer side of
// the channel to deliver a message to the application.
func (c *Context) StackRingEnqueue(in []uint32) int {
	return c.stackRing.enqueue(in)
}

// CtrlSQEnqueue submits exactly one control-queue entry, returning false
// if the submission ring has no room (spec §4.3 step 3).
func (c *Context) CtrlSQEnqueue(e wire.CtrlQueueEntry) bool {
	return c.sq.enqueue([]wire.CtrlQueueEntry{e}) == 1
}

// CtrlCQDequeue pops exactly one completion entry, if any is available.
func (c *Context) CtrlCQDequeue() (wire.CtrlQueueEntry, bool) {
	var out [1]wire.CtrlQueueEntry
	if c.cq.dequeue(out[:]) == 1 {
		return out[0], true
	}
	return wire.CtrlQueueEntry{}, false
}

// CtrlSQDequeue and CtrlCQEnqueue are the peer side of CtrlSQEnqueue and
// CtrlCQDequeue: the controller drains the submission ring and publishes
// completions on it. No production code in this module calls these —
// the application never runs as its own controller — but this module's
// own tests call them on a second binding of the same channel region
// (such as the one internal/ctrlstub's PeerChannel returns) to stand in
// for a real controller.
func (c *Context) CtrlSQDequeue(out []wire.CtrlQueueEntry) int {
	return c.sq.dequeue(out)
}

func (c *Context) CtrlCQEnqueue(e wire.CtrlQueueEntry) bool {
	return c.cq.enqueue([]wire.CtrlQueueEntry{e}) == 1
}

// Buf returns a pointer to buffer slot idx's header, overlaid directly
// on the mapping.
func (c *Context) Buf(idx uint32) *wire.MsgBufHeader {
	off := uintptr(idx) * uintptr(c.hdr.DataCtx.BufStride)
	return (*wire.MsgBufHeader)(unsafe.Add(c.bufBase, off))
}

// bufPayload returns the full buf_mss-sized payload area following the
// header of buffer slot idx.
func (c *Context) bufPayload(idx uint32) []byte {
	off := uintptr(idx)*uintptr(c.hdr.DataCtx.BufStride) + unsafe.Sizeof(wire.MsgBufHeader{})
	ptr := unsafe.Add(c.bufBase, off)
	return unsafe.Slice((*byte)(ptr), c.hdr.DataCtx.BufMSS)
}

// BufDataLen returns the number of payload bytes already appended to
// buffer idx.
func (c *Context) BufDataLen(idx uint32) uint32 {
	return c.Buf(idx).DataLen
}

// BufTailroom returns the remaining writable payload capacity of buffer
// idx.
func (c *Context) BufTailroom(idx uint32) uint32 {
	return c.hdr.DataCtx.BufMSS - c.BufDataLen(idx)
}

// BufAppend reserves n bytes of tailroom in buffer idx, advances its
// DataLen, and returns a slice the caller can copy into. n must not
// exceed BufTailroom(idx); DataLen and BufMSS share the same uint32
// width, so this cannot wrap the way a narrower counter would.
func (c *Context) BufAppend(idx uint32, n uint32) []byte {
	b := c.Buf(idx)
	start := b.DataLen
	b.DataLen += n
	return c.bufPayload(idx)[start : start+n]
}

// BufDataOfs returns the payload bytes of buffer idx starting at offset
// ofs, for reading during recvmsg.
func (c *Context) BufDataOfs(idx uint32, ofs uint32) []byte {
	return c.bufPayload(idx)[ofs:c.BufDataLen(idx)]
}

// Create writes the static (never-changing-after-creation) parts of a
// freshly zeroed channel region: magic, ring sizes/offsets, buffer
// magics, and a fully-populated free list. Used by the in-process test
// controller (internal/ctrlstub) to build a realistic channel fixture
// without a real out-of-process controller. In production the controller
// builds the channel, not the application.
func Create(mem []byte, bufMSS, bufferCount, descRingSize uint32) error {
	descRingSize = nextPow2(descRingSize)
	need := LayoutSize(bufMSS, bufferCount, descRingSize)
	if len(mem) < need {
		return fmt.Errorf("channel: region too small: have %d, need %d", len(mem), need)
	}

	l := computeLayout(bufMSS, bufferCount, descRingSize)

	hdr := (*wire.ChannelHeader)(unsafe.Pointer(&mem[0]))
	hdr.Magic = wire.ChannelMagic
	hdr.CtrlCtx.ReqID = 0
	hdr.CtrlCtx.SQ = wire.RingHeader{Size: descRingSize}
	hdr.CtrlCtx.CQ = wire.RingHeader{Size: descRingSize}
	hdr.CtrlCtx.SQOffs = l.sqOffs
	hdr.CtrlCtx.CQOffs = l.cqOffs
	hdr.DataCtx.BufMSS = bufMSS
	hdr.DataCtx.BufferCount = bufferCount
	hdr.DataCtx.BufStride = l.bufStride
	hdr.DataCtx.BufPoolOffs = l.bufPoolOffs
	hdr.DataCtx.FreeOffs = l.freeOffs
	hdr.DataCtx.FreeSize = wire.RingHeader{Size: l.freeRingSize}
	hdr.AppRing = wire.RingHeader{Size: descRingSize}
	hdr.AppOffs = l.appOffs
	hdr.StackRing = wire.RingHeader{Size: descRingSize}
	hdr.StackOffs = l.stackOffs

	// Initialize every buffer slot's magic, then fill the free list with
	// every index so AllocBulk has something to hand out.
	bufBase := unsafe.Add(unsafe.Pointer(&mem[0]), l.bufPoolOffs)
	for i := uint32(0); i < bufferCount; i++ {
		b := (*wire.MsgBufHeader)(unsafe.Add(bufBase, uintptr(i)*uintptr(l.bufStride)))
		*b = wire.MsgBufHeader{Magic: wire.MsgBufMagic}
	}

	freeEntries := ringEntries[uint32](mem, l.freeOffs, l.freeRingSize)
	for i := uint32(0); i < bufferCount; i++ {
		freeEntries[i] = i
	}
	hdr.DataCtx.FreeSize.Producer = bufferCount

	return nil
}

type layout struct {
	sqOffs, cqOffs       uint32
	appOffs, stackOffs   uint32
	bufPoolOffs          uint32
	bufStride            uint32
	freeOffs             uint32
	freeRingSize         uint32
}

func computeLayout(bufMSS, bufferCount, descRingSize uint32) layout {
	align := func(n uint32) uint32 { return (n + 7) &^ 7 }

	var l layout
	off := align(uint32(unsafe.Sizeof(wire.ChannelHeader{})))

	l.sqOffs = off
	off += align(descRingSize * uint32(unsafe.Sizeof(wire.CtrlQueueEntry{})))

	l.cqOffs = off
	off += align(descRingSize * uint32(unsafe.Sizeof(wire.CtrlQueueEntry{})))

	l.appOffs = off
	off += align(descRingSize * 4)

	l.stackOffs = off
	off += align(descRingSize * 4)

	// The free list must be able to hold every buffer index at once, and
	// ring capacity must be a power of two.
	l.freeRingSize = nextPow2(bufferCount)
	l.freeOffs = off
	off += align(l.freeRingSize * 4)

	l.bufStride = align(uint32(unsafe.Sizeof(wire.MsgBufHeader{})) + bufMSS)
	l.bufPoolOffs = off

	return l
}

func LayoutSize(bufMSS, bufferCount, descRingSize uint32) int {
	l := computeLayout(bufMSS, bufferCount, descRingSize)
	return int(l.bufPoolOffs) + int(bufferCount)*int(l.bufStride)
}

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

