// Package fragtable reassembles IP fragments into whole datagrams under a
// bounded memory budget.
//
// It runs exclusively on the capture thread (see pkg/pipeline) alongside
// the Decoder, so — unlike the teacher's packages, which guard shared state
// with mutexes because goProbe's capture and rotation paths can race — it
// carries no internal locking.
//
// The bookkeeping (hash map keyed on source/dest/protocol/id, doubly-linked
// LRU, received-range tracking to know when a datagram is complete) follows
// the original YAF fragment table (original_source/include/yaf/yafrag.h:
// yfFragTabAlloc(idle_ms, max_frags, max_payload)) translated into Go the
// way firestige-Otus's internal/core/decoder/reassembly.go structures its
// own reassembler: container/list for LRU order, a map for O(1) lookup.
package fragtable

import (
	"container/list"
	"net/netip"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/metrics"
	"github.com/flowforge/yafgo/pkg/yafkey"
)

// Config tunes reassembly limits, mirroring yfFragTabAlloc's parameters.
type Config struct {
	// IdleMillis drops a fragment chain whose first fragment arrived more
	// than this long ago.
	IdleMillis int64
	// MaxFragments bounds the number of concurrently tracked fragment
	// chains (in-flight datagrams), not the fragments within one chain.
	MaxFragments int
	// MaxPayload caps the reassembled payload size; a datagram exceeding
	// it is truncated at the cap but still assembled once complete. Zero
	// disables reassembly: Insert never reports Completed, but still
	// tracks the initial fragment of each chain so FlowKey can recover its
	// key/header material for the fragments that follow.
	MaxPayload int
}

// Result reports what Insert did with a fragment.
type Result uint8

const (
	// Pending means more fragments are needed before reassembly completes.
	Pending Result = iota
	// Completed means the datagram is now whole; Insert's returned buffer
	// holds the reassembled payload.
	Completed
)

type key struct {
	proto uint8
	id    uint32
	src   netip.Addr
	dst   netip.Addr
}

type byteRange struct {
	start, end int // [start, end)
}

type node struct {
	key       key
	buf       []byte
	received  []byteRange
	totalLen  int // -1 until the last fragment (MF=0) is seen
	firstSeen int64
	flowKey   yafkey.Key
	elem      *list.Element
}

// FragTable holds in-flight fragment chains.
type FragTable struct {
	cfg   Config
	nodes map[key]*node
	lru   *list.List // front = most recently touched, back = least
}

// New returns a FragTable configured per cfg.
func New(cfg Config) *FragTable {
	return &FragTable{
		cfg:   cfg,
		nodes: make(map[key]*node),
		lru:   list.New(),
	}
}

// Len returns the number of fragment chains currently in flight.
func (t *FragTable) Len() int { return len(t.nodes) }

// Insert folds a fragment, described by frag and flowKey (the partially
// decoded key for this datagram) with its payload, into the fragment
// table. now is the current capture timestamp in epoch milliseconds.
//
// On Completed, the returned []byte is the reassembled payload (up to
// MaxPayload octets) and the caller should use the flow key the fragment
// table derived from the initial fragment (FlowKey()) rather than
// frag/flowKey, since later fragments carry no transport header.
func (t *FragTable) Insert(now int64, frag decode.FragInfo, flowKey yafkey.Key, payload []byte) (Result, []byte) {
	t.evictIdle(now)

	k := key{proto: flowKey.Proto, id: frag.ID, src: flowKey.SrcIP, dst: flowKey.DstIP}

	n, ok := t.nodes[k]
	if !ok {
		if t.cfg.MaxPayload == 0 {
			// Reassembly is disabled. Only the initial fragment (offset 0)
			// carries real transport-header material; remember just enough
			// of it to answer FlowKey() later. A non-initial fragment
			// arriving with no tracked chain has nothing to recover.
			if frag.Offset != 0 {
				return Pending, nil
			}
			if len(t.nodes) >= t.cfg.MaxFragments {
				t.evictOne()
			}
			n = &node{key: k, totalLen: -1, firstSeen: now, flowKey: flowKey}
			n.elem = t.lru.PushFront(n)
			t.nodes[k] = n
			metrics.FragmentsActive.Set(float64(len(t.nodes)))
			return Pending, nil
		}
		if len(t.nodes) >= t.cfg.MaxFragments {
			t.evictOne()
		}
		n = &node{key: k, totalLen: -1, firstSeen: now, flowKey: flowKey}
		n.buf = make([]byte, 0, min(t.cfg.MaxPayload, 4096))
		n.elem = t.lru.PushFront(n)
		t.nodes[k] = n
	} else {
		t.lru.MoveToFront(n.elem)
		if t.cfg.MaxPayload == 0 {
			return Pending, nil
		}
	}

	t.writeAt(n, int(frag.Offset), payload)
	if !frag.MoreFragments {
		n.totalLen = min(int(frag.Offset)+len(payload), t.cfg.MaxPayload)
	}

	if n.totalLen >= 0 && n.isComplete() {
		out := n.buf
		t.remove(n)
		metrics.FragmentsReassembled.Inc()
		metrics.FragmentsActive.Set(float64(len(t.nodes)))
		return Completed, out
	}
	metrics.FragmentsActive.Set(float64(len(t.nodes)))
	return Pending, nil
}

// FlowKey returns the flow key recorded from the initial fragment of the
// chain matching frag/flowKey, or the zero value and false if no such chain
// is tracked (e.g. the initial fragment hasn't arrived yet).
func (t *FragTable) FlowKey(frag decode.FragInfo, flowKey yafkey.Key) (yafkey.Key, bool) {
	k := key{proto: flowKey.Proto, id: frag.ID, src: flowKey.SrcIP, dst: flowKey.DstIP}
	n, ok := t.nodes[k]
	if !ok {
		return yafkey.Key{}, false
	}
	return n.flowKey, true
}

func (n *node) isComplete() bool {
	covered := 0
	for _, r := range n.received {
		covered += r.end - r.start
	}
	return covered >= n.totalLen
}

func (t *FragTable) writeAt(n *node, offset int, payload []byte) {
	if t.cfg.MaxPayload == 0 || len(payload) == 0 {
		return
	}
	end := offset + len(payload)
	if end > t.cfg.MaxPayload {
		end = t.cfg.MaxPayload
	}
	if end <= offset {
		return
	}
	if cap(n.buf) < end {
		grown := make([]byte, end)
		copy(grown, n.buf)
		n.buf = grown
	} else if len(n.buf) < end {
		n.buf = n.buf[:end]
	}
	copy(n.buf[offset:end], payload[:end-offset])
	n.received = insertRange(n.received, byteRange{offset, end})
}

// insertRange merges [r.start, r.end) into the sorted, non-overlapping
// range list, overwriting on overlap (last writer wins, matching the
// fragment table's documented overlap policy).
func insertRange(ranges []byteRange, r byteRange) []byteRange {
	merged := make([]byteRange, 0, len(ranges)+1)
	inserted := false
	for _, existing := range ranges {
		if existing.end < r.start {
			merged = append(merged, existing)
			continue
		}
		if existing.start > r.end {
			if !inserted {
				merged = append(merged, r)
				inserted = true
			}
			merged = append(merged, existing)
			continue
		}
		// overlaps or touches r: fold into it
		if existing.start < r.start {
			r.start = existing.start
		}
		if existing.end > r.end {
			r.end = existing.end
		}
	}
	if !inserted {
		merged = append(merged, r)
	}
	return merged
}

func (t *FragTable) remove(n *node) {
	t.lru.Remove(n.elem)
	delete(t.nodes, n.key)
}

// evictIdle walks from the LRU tail and drops chains whose first fragment
// is older than IdleMillis relative to now, stopping at the first chain
// that is not. The LRU is ordered by last touch, not by first fragment, so
// an expired chain in front of that one is not examined on this call.
func (t *FragTable) evictIdle(now int64) int {
	evicted := 0
	for e := t.lru.Back(); e != nil; {
		n := e.Value.(*node)
		if now-n.firstSeen <= t.cfg.IdleMillis {
			break
		}
		prev := e.Prev()
		t.remove(n)
		metrics.FragmentsExpired.Inc()
		evicted++
		e = prev
	}
	if evicted > 0 {
		metrics.FragmentsActive.Set(float64(len(t.nodes)))
	}
	return evicted
}

// evictOne drops the single least-recently-touched chain to make room.
func (t *FragTable) evictOne() {
	e := t.lru.Back()
	if e == nil {
		return
	}
	t.remove(e.Value.(*node))
	metrics.FragmentsEvicted.Inc()
}

