// Package ratelimit paces outgoing NSaaS messages against a target rate
// and the channel's own backpressure, instead of a fixed clock schedule:
// a `golang.org/x/time/rate` token bucket (the same limiter
// tailscale's netstack retrieval uses for ICMP pacing) governs the
// steady-state rate, and a cheap poll of the channel's free-buffer pool
// and application-ring headroom holds the sender back before the rate
// wait whenever the controller is already behind, so a slow peer
// throttles the sender well before the configured rate ever would.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/nsaas/nsaas-go/channel"
)

// lowWaterBufs is the extra free-buffer headroom ThrottleN waits for
// beyond the buffers the next n messages will consume, so a sender never
// races the pool down to exactly zero before the rate limiter would have
// let it send again.
const lowWaterBufs = 2

// backpressurePoll is how often ThrottleN rechecks the channel while
// waiting out backpressure.
const backpressurePoll = 50 * time.Microsecond

// Throttle paces message submission to a target messages-per-second
// rate while deferring to the channel's own congestion signal. Not safe
// for concurrent use — callers pace a single sender thread, matching
// the per-channel single-writer model NSaaS channels require.
type Throttle struct {
	limiter *rate.Limiter
}

// New creates a limiter for mps messages per second, with a burst
// allowance of a tenth of a second's worth of messages (at least 1). If
// mps == 0, throttling is disabled and ThrottleN becomes a no-op.
func New(mps uint64) *Throttle {
	if mps == 0 {
		return nil
	}
	burst := int(mps / 10)
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(mps), burst)}
}

// ThrottleN blocks until n more messages are allowed to go out. ch, if
// non-nil, is consulted first: while ch reports fewer free buffers or
// less application-ring room than the next n messages need, ThrottleN
// waits for the channel to drain rather than spending rate-limiter
// tokens a full pool couldn't have absorbed anyway. Once the channel
// looks ready, pacing falls through to the configured rate.
func (t *Throttle) ThrottleN(ch *channel.Context, n uint64) {
	if t == nil || n == 0 {
		return
	}

	for ch != nil && backpressured(ch, n) {
		time.Sleep(backpressurePoll)
	}

	// burst is always >= 1 and callers pace one message (or a handful of
	// segments) at a time, but WaitN rejects any n above the configured
	// burst outright rather than waiting for it — fall back to pacing
	// one token at a time for a caller that asks for more than that.
	if int(n) > t.limiter.Burst() {
		for i := uint64(0); i < n; i++ {
			t.limiter.Wait(context.Background())
		}
		return
	}
	t.limiter.WaitN(context.Background(), int(n))
}

// backpressured reports whether ch's free-buffer pool or application
// ring has less headroom than the next n messages are likely to need.
func backpressured(ch *channel.Context, n uint64) bool {
	return ch.FreeBufs() < int(n)+lowWaterBufs || ch.AppRingRoom() < int(n)
}
