// Package ring implements PBufRing: the fixed-capacity single-producer,
// single-consumer ring that hands decoded packet buffers from the capture
// thread to the flush thread.
//
// The only shared mutable state in the whole pipeline lives here. In
// threaded mode, atomic head/tail cursors give release-acquire ordering
// between producer and consumer, and a condition-variable pair blocks a
// waiter on full/empty; an interrupt flag (checked by both waits) is how
// shutdown unblocks them without a mutex-guarded "quit" check on every
// iteration. Slot storage — and the per-slot payload buffer backing
// decode.PBuf.Payload so a slot survives past the capture buffer it was
// decoded from — is preallocated once via the teacher's memory-pool
// abstraction (github.com/fako1024/gotools/concurrency.MemPool, as used in
// github.com/els0r/goProbe pkg/capture/buffer.go), rather than allocated
// per packet.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/fako1024/gotools/concurrency"
	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/metrics"
)

// Mode selects whether the ring synchronizes producer and consumer across
// OS threads (Threaded) or is driven cooperatively by a single goroutine
// that alternates between producing and draining (SingleThread).
type Mode uint8

const (
	Threaded Mode = iota
	SingleThread
)

// PBufRing is a fixed-capacity SPSC ring of decode.PBuf slots.
type PBufRing struct {
	slots []decode.PBuf
	bufs  [][]byte
	pool  *concurrency.MemPool

	capacity uint64
	mask     uint64
	mode     Mode

	head atomic.Uint64
	tail atomic.Uint64

	mu          sync.Mutex
	notFull     *sync.Cond
	notEmpty    *sync.Cond
	interrupted atomic.Bool
}

// New returns a PBufRing with room for capacity packets (rounded up to the
// next power of two) and a per-slot payload buffer of maxPayload bytes.
func New(capacity, maxPayload int, mode Mode) *PBufRing {
	cap64 := nextPowerOfTwo(capacity)

	r := &PBufRing{
		slots:    make([]decode.PBuf, cap64),
		bufs:     make([][]byte, cap64),
		pool:     concurrency.NewMemPool(int(cap64)),
		capacity: cap64,
		mask:     cap64 - 1,
		mode:     mode,
	}
	r.notFull = sync.NewCond(&r.mu)
	r.notEmpty = sync.NewCond(&r.mu)

	for i := range r.bufs {
		r.bufs[i] = r.pool.Get(maxPayload)
		r.slots[i].Payload = r.bufs[i][:0]
	}
	return r
}

func nextPowerOfTwo(n int) uint64 {
	if n <= 1 {
		return 1
	}
	v := uint64(n - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// Cap returns the ring's slot capacity.
func (r *PBufRing) Cap() int { return int(r.capacity) }

// Len returns the number of currently occupied slots. It is a snapshot;
// under concurrent producer/consumer activity the true value may have
// already changed by the time the caller observes it.
func (r *PBufRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Interrupt unblocks any waiter in NextHead or NextTail, causing them to
// return ok=false. It is safe to call from a signal handler's cooperative
// follow-up (not from the handler itself).
func (r *PBufRing) Interrupt() {
	r.interrupted.Store(true)
	r.mu.Lock()
	r.notFull.Broadcast()
	r.notEmpty.Broadcast()
	r.mu.Unlock()
}

// NextHead returns the next writable slot for the producer. In Threaded
// mode it blocks while the ring is full; in SingleThread mode it returns
// ok=false immediately if full, so the caller can drain first. It always
// returns ok=false once Interrupt has been called.
func (r *PBufRing) NextHead() (slot *decode.PBuf, ok bool) {
	if r.interrupted.Load() {
		return nil, false
	}
	head := r.head.Load()
	if head-r.tail.Load() >= r.capacity {
		if r.interrupted.Load() {
			return nil, false
		}
		if r.mode == SingleThread {
			return nil, false
		}
		metrics.RingBlockedPush.Inc()
		r.mu.Lock()
		for head-r.tail.Load() >= r.capacity && !r.interrupted.Load() {
			r.notFull.Wait()
		}
		r.mu.Unlock()
		if r.interrupted.Load() {
			return nil, false
		}
	}
	idx := head & r.mask
	r.slots[idx].Reset()
	r.slots[idx].Payload = r.bufs[idx][:0]
	return &r.slots[idx], true
}

// Publish commits the slot most recently returned by NextHead, advancing
// the producer cursor and waking a blocked consumer.
func (r *PBufRing) Publish() {
	r.head.Add(1)
	metrics.RingDepth.Set(float64(r.Len()))
	r.mu.Lock()
	r.notEmpty.Signal()
	r.mu.Unlock()
}

// NextTail returns the next readable slot for the consumer, skipping
// invalid slots (Timestamp == 0, by the ring's invalid-slot convention) by
// advancing past them automatically. In Threaded mode it blocks while the
// ring is empty; in SingleThread mode it returns ok=false immediately. It
// always returns ok=false once Interrupt has been called and the ring has
// drained.
func (r *PBufRing) NextTail() (slot *decode.PBuf, ok bool) {
	for {
		tail := r.tail.Load()
		if tail == r.head.Load() {
			if r.interrupted.Load() {
				return nil, false
			}
			if r.mode == SingleThread {
				return nil, false
			}
			metrics.RingBlockedPop.Inc()
			r.mu.Lock()
			for tail == r.head.Load() && !r.interrupted.Load() {
				r.notEmpty.Wait()
			}
			r.mu.Unlock()
			if tail == r.head.Load() && r.interrupted.Load() {
				return nil, false
			}
			continue
		}
		idx := tail & r.mask
		s := &r.slots[idx]
		if !s.Valid() {
			r.Release()
			continue
		}
		return s, true
	}
}

// Release commits the slot most recently returned by NextTail, advancing
// the consumer cursor and waking a blocked producer.
func (r *PBufRing) Release() {
	r.tail.Add(1)
	metrics.RingDepth.Set(float64(r.Len()))
	r.mu.Lock()
	r.notFull.Signal()
	r.mu.Unlock()
}
