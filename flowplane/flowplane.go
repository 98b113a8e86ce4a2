// Package flowplane implements the Flow-Plane Client (spec §4.3):
// connect and listen, translated into control-queue descriptors on the
// shared channel and polled to completion with the bounded retry budget
// spec §9 calls "a placeholder for an event-driven completion".
//
// The poll loop is grounded on Segment.WaitForClient/WaitForServer in
// markrussinovich/grpc-go-shmem (other_examples retrieval: select on
// ctx.Done() vs. a ticker, re-checking the condition each tick).
package flowplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/wire"
)

var (
	// ErrInvalidAddress means an IP string failed to parse, or (for
	// Connect) the destination was INADDR_ANY.
	ErrInvalidAddress = errors.New("flowplane: invalid ip address")
	// ErrTimeout means the CQ poll budget was exhausted without a
	// matching completion.
	ErrTimeout = errors.New("flowplane: control-plane request timed out")
	// ErrIDMismatch means a dequeued completion's id didn't match the
	// outstanding request — a protocol violation, never retried.
	ErrIDMismatch = errors.New("flowplane: completion id mismatch")
	// ErrRequestFailed means the controller completed the request with
	// a non-OK status.
	ErrRequestFailed = errors.New("flowplane: request failed")
)

// pollAttempts and pollInterval bound every Connect/Listen call to at
// most pollAttempts*pollInterval of blocking, per spec §4.3 step 4 and
// §5's "~10 seconds (10 x 1s poll)".
const (
	pollAttempts = 10
	pollInterval = time.Second
)

// Connect issues a CREATE_FLOW request for the 4-tuple (srcIP, dstIP,
// dstPort) plus a controller-assigned source port, blocking until the
// controller completes it or the poll budget is exhausted. The assigned
// flow is copied into the return value on success (spec §4.3 step 7).
func Connect(ctx context.Context, ch *channel.Context, srcIP, dstIP string, dstPort uint16) (wire.FlowTuple, error) {
	src, err := parseHostOrderIPv4(srcIP)
	if err != nil {
		return wire.FlowTuple{}, err
	}
	dst, err := parseHostOrderIPv4(dstIP)
	if err != nil {
		return wire.FlowTuple{}, err
	}
	if dst == 0 {
		return wire.FlowTuple{}, fmt.Errorf("%w: connect destination must not be INADDR_ANY", ErrInvalidAddress)
	}

	req := wire.CtrlQueueEntry{
		ID:     ch.NextReqID(),
		Opcode: wire.OpCreateFlow,
		FlowInfo: wire.FlowTuple{
			SrcIP:   src,
			DstIP:   dst,
			DstPort: dstPort,
		},
	}

	entry, err := submitAndPoll(ctx, ch, req)
	if err != nil {
		return wire.FlowTuple{}, err
	}
	return entry.FlowInfo, nil
}

// Listen issues a LISTEN request for (localIP, localPort), blocking
// until the controller completes it or the poll budget is exhausted.
// INADDR_ANY is a valid local address for Listen (bind on every
// interface); only a plain parse failure (INADDR_NONE) is rejected.
func Listen(ctx context.Context, ch *channel.Context, localIP string, localPort uint16) error {
	ip, err := parseHostOrderIPv4(localIP)
	if err != nil {
		return err
	}

	req := wire.CtrlQueueEntry{
		ID:     ch.NextReqID(),
		Opcode: wire.OpListen,
		ListenerInfo: wire.ListenerInfo{
			IP:   ip,
			Port: localPort,
		},
	}

	_, err = submitAndPoll(ctx, ch, req)
	return err
}

// submitAndPoll implements spec §4.3 steps 3-6: exactly one SQ enqueue,
// a bounded CQ poll, an id-echo check, and a status check. There is no
// request tracking across calls (spec's state machine has no
// resubmission) — a timed-out request's completion, if the controller
// eventually produces one, is dequeued by whatever CQ poll happens to
// run next, which then fails that later call with ErrIDMismatch.
func submitAndPoll(ctx context.Context, ch *channel.Context, req wire.CtrlQueueEntry) (wire.CtrlQueueEntry, error) {
	if !ch.CtrlSQEnqueue(req) {
		return wire.CtrlQueueEntry{}, channel.ErrRingFull
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < pollAttempts; attempt++ {
		if entry, ok := ch.CtrlCQDequeue(); ok {
			if entry.ID != req.ID {
				return wire.CtrlQueueEntry{}, fmt.Errorf("%w: got id=%d, want id=%d", ErrIDMismatch, entry.ID, req.ID)
			}
			if entry.Status != wire.CQStatusOK {
				return wire.CtrlQueueEntry{}, fmt.Errorf("%w: status=%d", ErrRequestFailed, entry.Status)
			}
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return wire.CtrlQueueEntry{}, ctx.Err()
		case <-ticker.C:
		}
	}

	return wire.CtrlQueueEntry{}, ErrTimeout
}

// parseHostOrderIPv4 parses a presentation-form IPv4 address and returns
// it as a host-byte-order uint32 (spec §6.3: "the C source applies
// ntohl to the result of a parse that returns network byte order").
// net.ParseIP already yields the address bytes in network order
// (index 0 is the most significant octet); reading them big-endian
// produces exactly the integer ntohl would, independent of the local
// CPU's endianness.
func parseHostOrderIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%w: not an IPv4 address: %q", ErrInvalidAddress, s)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}
