package channel

import (
	"sync/atomic"
	"unsafe"

	"github.com/nsaas/nsaas-go/wire"
)

// ring is a single-producer/single-consumer index ring living inside the
// mapped channel, mirroring the cached-producer/cached-consumer
// arithmetic of afxdp's xdpUQueue/xdpUMemQueue: the local side keeps a
// cached copy of the remote index and only re-reads the atomic when the
// cache says there isn't enough room/data, to keep the hot path free of
// unnecessary cross-process cache-line traffic.
//
// Per spec §3.3/§5, this is SPSC from the application's point of view:
// within one channel, exactly one application thread ever calls enqueue
// or dequeue on a given ring, and the controller is the only peer.
type ring[T any] struct {
	hdr        *wire.RingHeader
	entries    []T
	mask       uint32
	cachedProd uint32
	cachedCons uint32
}

// newRing builds a ring view over entries already addressed inside the
// channel's backing mapping. size must be a power of two.
func newRing[T any](hdr *wire.RingHeader, entries []T) *ring[T] {
	return &ring[T]{
		hdr:        hdr,
		entries:    entries,
		mask:       hdr.Size - 1,
		cachedProd: atomic.LoadUint32(&hdr.Producer),
		cachedCons: atomic.LoadUint32(&hdr.Consumer),
	}
}

// avail returns how many entries are available to dequeue, re-reading
// the producer index if the cached value shows fewer than want.
func (r *ring[T]) avail(want uint32) uint32 {
	n := r.cachedProd - r.cachedCons
	if n >= want {
		return n
	}
	r.cachedProd = atomic.LoadUint32(&r.hdr.Producer)
	return r.cachedProd - r.cachedCons
}

// free returns how many entries can currently be enqueued, re-reading
// the consumer index if the cached value shows less room than want.
func (r *ring[T]) free(want uint32) uint32 {
	used := r.cachedProd - r.cachedCons
	n := r.hdr.Size - used
	if n >= want {
		return n
	}
	r.cachedCons = atomic.LoadUint32(&r.hdr.Consumer)
	used = r.cachedProd - r.cachedCons
	return r.hdr.Size - used
}

// enqueue publishes up to len(in) entries, returning the count actually
// enqueued (0 if the ring has no room — the spec requires callers to
// fail outright rather than partially enqueue a single logical entry,
// but sendmmsg-style bulk ops rely on the partial count).
func (r *ring[T]) enqueue(in []T) int {
	n := uint32(len(in))
	if n == 0 {
		return 0
	}
	if avail := r.free(n); avail < n {
		n = avail
	}
	for i := uint32(0); i < n; i++ {
		r.entries[r.cachedProd&r.mask] = in[i]
		r.cachedProd++
	}
	if n > 0 {
		atomic.StoreUint32(&r.hdr.Producer, r.cachedProd)
	}
	return int(n)
}

// dequeue pops up to len(out) entries, returning the count dequeued.
func (r *ring[T]) dequeue(out []T) int {
	n := uint32(len(out))
	if n == 0 {
		return 0
	}
	if avail := r.avail(n); avail < n {
		n = avail
	}
	for i := uint32(0); i < n; i++ {
		out[i] = r.entries[r.cachedCons&r.mask]
		r.cachedCons++
	}
	if n > 0 {
		atomic.StoreUint32(&r.hdr.Consumer, r.cachedCons)
	}
	return int(n)
}

// ringEntries returns a slice view of size elements of T starting at
// byte offset off within mem, the same unsafe.Slice-over-mmap pattern
// afxdp.makeQueue uses for xdp_desc/uint64 ring entries.
func ringEntries[T any](mem []byte, off uint32, size uint32) []T {
	base := unsafe.Pointer(&mem[0])
	ptr := unsafe.Add(base, off)
	return unsafe.Slice((*T)(ptr), size)
}

