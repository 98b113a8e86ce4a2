// Package datapath implements segmented send and receive over a
// channel's shared-memory buffer chain (spec §4.4, §4.5): bulk
// allocation, scatter-gather copy, head/tail flagging, and bulk release.
//
// The batch-accumulate-then-flush shape of RecvMsg's release batch is
// grounded on afxdp.RunProcessor's releaseBuf/ReleaseBatch pattern; the
// allocate-fill-enqueue shape of SendMsg mirrors the same function's
// forward/flushPending batching of TX descriptors.
package datapath

import (
	"errors"
	"fmt"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/wire"
)

var (
	// ErrEmptyMessage means sendmsg was asked to send zero bytes.
	ErrEmptyMessage = errors.New("datapath: message must not be empty")
	// ErrMessageTooLarge means sendmsg was asked to send more than
	// wire.MsgMaxLen bytes.
	ErrMessageTooLarge = errors.New("datapath: message exceeds MsgMaxLen")
	// ErrSegmentTooSmall means the caller's receive segments could not
	// hold the whole delivered message; every buffer in the chain is
	// reclaimed before this is returned (spec §4.5 edge case, §7
	// "Receive over-length policy").
	ErrSegmentTooSmall = errors.New("datapath: receive segments too small for delivered message")
)

// releaseBatchCap is the small fixed-size free-buffer accumulator spec
// §4.5 step 2 describes ("a small fixed-size release_batch (capacity
// 16)").
const releaseBatchCap = 16

// MsgHeader is the segmented message header both SendMsg and RecvMsg
// operate on: Flow and Segments are set by the caller before SendMsg;
// RecvMsg fills caller-provided Segments in place and reports the
// delivered Flow and Size.
type MsgHeader struct {
	Flow           wire.FlowTuple
	Segments       [][]byte
	NotifyDelivery bool

	// Size is set by RecvMsg to the number of bytes actually delivered.
	// SendMsg ignores it on input.
	Size int
}

func totalLen(segs [][]byte) int {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return n
}

// Send wraps buf in a single-segment MsgHeader and calls SendMsg (spec
// §4.4, "send(...) is a convenience wrapper").
func Send(ch *channel.Context, flow wire.FlowTuple, buf []byte) error {
	return SendMsg(ch, &MsgHeader{Flow: flow, Segments: [][]byte{buf}})
}

// SendMsg segments hdr's payload across freshly allocated buffers,
// chains them with the SYN/FIN/SG flag convention (spec §3.4), and
// enqueues the head on the application ring. No partial sends are
// observable: if fewer buffers than needed are available, or the ring
// has no room once the chain is built, every allocated buffer is
// returned to the pool before SendMsg returns an error (spec §9
// resolved open question: the original source leaked buffers here on
// ring-full; this implementation frees them).
func SendMsg(ch *channel.Context, hdr *MsgHeader) error {
	size := totalLen(hdr.Segments)
	if size == 0 {
		return ErrEmptyMessage
	}
	if size > wire.MsgMaxLen {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, wire.MsgMaxLen)
	}

	mss := int(ch.BufMSS())
	n := (size + mss - 1) / mss

	slots := make([]uint32, n)
	if got := ch.AllocBulk(n, slots); got != n {
		ch.FreeBulk(slots[:got])
		return fmt.Errorf("%w: need %d buffers, got %d", channel.ErrPoolExhausted, n, got)
	}

	bufIdx := 0
	segIdx := 0
	segOfs := 0
	copied := 0

	for copied < size {
		seg := hdr.Segments[segIdx]
		if segOfs == len(seg) {
			segIdx++
			segOfs = 0
			continue
		}

		cur := slots[bufIdx]
		room := int(ch.BufTailroom(cur))
		if room == 0 {
			b := ch.Buf(cur)
			b.Flags |= wire.FlagSG
			b.Next = slots[bufIdx+1]
			bufIdx++
			continue
		}

		want := len(seg) - segOfs
		if want > room {
			want = room
		}
		dst := ch.BufAppend(cur, uint32(want))
		copy(dst, seg[segOfs:segOfs+want])
		segOfs += want
		copied += want
	}

	if copied != size {
		// Integrity violation: the buffer loop above is exhaustively
		// driven by copied < size, so this can only happen if the
		// channel's own bookkeeping is corrupt. Spec §7 classifies a
		// violation of this kind as unrecoverable.
		panic(fmt.Sprintf("datapath: total_bytes_copied(%d) != msg_size(%d)", copied, size))
	}

	head := slots[0]
	last := slots[n-1]
	hb := ch.Buf(head)
	lb := ch.Buf(last)

	lb.Flags |= wire.FlagFIN
	lb.Flags &^= wire.FlagSG

	hb.Flags |= wire.FlagSYN
	if hdr.NotifyDelivery {
		hb.Flags |= wire.FlagNotifyDelivery
	}
	hb.Flow = hdr.Flow
	hb.MsgLen = uint32(size)
	hb.Last = last

	if ch.AppRingEnqueue([]uint32{head}) != 1 {
		ch.FreeBulk(slots)
		return fmt.Errorf("%w: app ring has no room for the message head", channel.ErrRingFull)
	}
	return nil
}

// SendMMsg sends every header in hdrs in order, stopping at the first
// failure and returning the count successfully enqueued (spec §4.4,
// "sendmmsg").
func SendMMsg(ch *channel.Context, hdrs []*MsgHeader) (int, error) {
	for i, hdr := range hdrs {
		if err := SendMsg(ch, hdr); err != nil {
			return i, err
		}
	}
	return len(hdrs), nil
}

// Recv wraps buf in a single-segment MsgHeader and calls RecvMsg,
// returning the byte count on success, 0 if no message was available,
// and -1 on error (spec §4.5, "recv(...)").
func Recv(ch *channel.Context, buf []byte, flow *wire.FlowTuple) (int, error) {
	hdr := MsgHeader{Segments: [][]byte{buf}}
	n, err := RecvMsg(ch, &hdr)
	if err != nil {
		return -1, err
	}
	if n == 0 {
		return 0, nil
	}
	*flow = hdr.Flow
	return hdr.Size, nil
}

// RecvMsg dequeues at most one delivered message from the stack->app
// ring and scatters its payload across hdr.Segments (spec §4.5). It
// returns 1 with hdr.Size/hdr.Flow filled in on delivery, or 0 if the
// ring was empty (a non-blocking poll — RecvMsg never waits). If the
// message is longer than the caller's segment capacity, every buffer in
// the chain is still reclaimed before RecvMsg returns ErrSegmentTooSmall
// (spec §7, "no partial delivery is observable").
func RecvMsg(ch *channel.Context, hdr *MsgHeader) (int, error) {
	var head [1]uint32
	if ch.StackRingDequeue(head[:]) != 1 {
		return 0, nil
	}

	cur := head[0]
	checkMagic(ch, cur)
	flow := ch.Buf(cur).Flow

	release := make([]uint32, 0, releaseBatchCap)
	flush := func() {
		if len(release) > 0 {
			ch.FreeBulk(release)
			release = release[:0]
		}
	}

	total := 0
	segIdx := 0
	segOfs := 0
	bufOfs := uint32(0)

	for {
		b := ch.Buf(cur)
		dataLen := ch.BufDataLen(cur)

		for bufOfs < dataLen {
			if segIdx >= len(hdr.Segments) {
				// Caller's buffer is too small: reclaim the rest of the
				// chain (batch-freeing as we go) before failing, per
				// spec §4.5 step 3's explicit "but first walk the
				// remainder of the chain to reclaim every buffer".
				release = append(release, cur)
				for b.Flags&wire.FlagSG != 0 {
					next := b.Next
					if len(release) == releaseBatchCap {
						flush()
					}
					release = append(release, next)
					checkMagic(ch, next)
					b = ch.Buf(next)
				}
				flush()
				return 0, ErrSegmentTooSmall
			}

			seg := hdr.Segments[segIdx]
			if len(seg) == 0 {
				segIdx++
				continue
			}

			want := len(seg) - segOfs
			if remain := int(dataLen - bufOfs); want > remain {
				want = remain
			}
			copy(seg[segOfs:segOfs+want], ch.BufDataOfs(cur, bufOfs))
			segOfs += want
			bufOfs += uint32(want)
			total += want

			if segOfs == len(seg) {
				segIdx++
				segOfs = 0
			}
		}

		release = append(release, cur)
		if len(release) == releaseBatchCap {
			flush()
		}

		if b.Flags&wire.FlagSG == 0 {
			break
		}
		cur = b.Next
		checkMagic(ch, cur)
		bufOfs = 0
	}

	flush()
	hdr.Size = total
	hdr.Flow = flow
	return 1, nil
}

// checkMagic aborts the process on a corrupt buffer header: spec §7
// classifies a bad buffer magic as unrecoverable ("memory corruption or
// peer misbehavior"), the same taxonomy entry the C source enforces with
// abort().
func checkMagic(ch *channel.Context, idx uint32) {
	if b := ch.Buf(idx); b.Magic != wire.MsgBufMagic {
		panic(fmt.Sprintf("datapath: buffer %d has corrupt magic (got %#x, want %#x)", idx, b.Magic, wire.MsgBufMagic))
	}
}
