// Package pipeline wires the decoder, fragment table, packet ring, and flow
// table into the two long-lived loops spec.md's Pipeline component
// describes: a capture-side loop that decodes frames into ring slots, and a
// flush-side loop that drains the ring into the flow table and periodically
// hands terminated flows to a Writer.
//
// The split mirrors the teacher's own capture/flush separation
// (pkg/capture/capture.go's process() loop feeding FlowLog, rotated by
// pkg/capture/capture_manager.go on a timer) generalized from "one flow log
// rotated wholesale" into "one flow table aged continuously and flushed on
// thresholds, with its own independent writer-rotation schedule."
package pipeline

import (
	"sync/atomic"

	"github.com/fako1024/gopacket"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/fragtable"
	"github.com/flowforge/yafgo/pkg/metrics"
	"github.com/flowforge/yafgo/pkg/ring"
)

// Source is the capture-side packet driver contract (spec.md §6's capture
// source contract): timestamped, possibly link-layer-truncated frames, plus
// the on-wire length when the capture truncated to a snaplen shorter than
// the frame. A zero totalLen means "same as len(data)".
//
// NextPacket blocks until a packet is available. Returning a non-nil err
// ends the capture loop; use ErrSourceClosed for a graceful stop.
type Source interface {
	NextPacket() (data []byte, timestampMs int64, totalLen int, err error)
}

// errSourceClosed is returned by a Source to signal a graceful stop (the
// capture handle was closed, or a trace file was exhausted), distinct from
// a capture error that should abort the loop.
type errSourceClosed struct{}

func (errSourceClosed) Error() string { return "capture source closed" }

// ErrSourceClosed is the sentinel a Source returns to end the capture loop
// without it being treated as an error.
var ErrSourceClosed error = errSourceClosed{}

// CaptureLoop decodes packets from a Source into ring slots, reassembling
// IP fragments along the way. It runs on the capture thread alongside its
// Decoder and FragTable, which spec.md's concurrency model keeps
// exclusive to that thread (see pkg/fragtable's package doc).
type CaptureLoop struct {
	ring     *ring.PBufRing
	dec      *decode.Decoder
	frag     *fragtable.FragTable // nil disables fragment reassembly
	linkType gopacket.Decoder

	// errCounts tallies decode rejections by reason, indexed by
	// decode.RejectReason. Atomic because pkg/api's /errors handler reads
	// it from outside the capture thread, mirroring the teacher's
	// tryGetCaptureStats (pkg/capture/capture.go) reading capture
	// statistics without a full command round-trip.
	errCounts [decode.NumRejectReasons]atomic.Uint64
}

// NewCaptureLoop returns a CaptureLoop publishing decoded packets into r.
// frag may be nil to skip fragment reassembly entirely (every IP fragment
// is then decoded and published as-is, transport-header-less beyond the
// first).
func NewCaptureLoop(r *ring.PBufRing, dec *decode.Decoder, frag *fragtable.FragTable, linkType gopacket.Decoder) *CaptureLoop {
	return &CaptureLoop{ring: r, dec: dec, frag: frag, linkType: linkType}
}

// Run pulls packets from src and publishes decoded PBufs to the ring until
// src returns an error, or quit is set and the ring is interrupted (step 2
// of spec.md's capture-side loop: "ring.next_head() ... on shutdown flag
// set, break"). On either kind of stop it interrupts the ring so a blocked
// flush-side loop observes the shutdown even if the ring is empty.
func (c *CaptureLoop) Run(src Source, quit *atomic.Bool) error {
	for {
		if quit.Load() {
			c.ring.Interrupt()
			return nil
		}

		data, ts, totalLen, err := src.NextPacket()
		if err != nil {
			c.ring.Interrupt()
			if err == ErrSourceClosed {
				return nil
			}
			return err
		}

		slot, ok := c.ring.NextHead()
		if !ok {
			return nil
		}

		slot.Timestamp = ts
		slot.CapLen = uint16(len(data))
		if totalLen > 0 {
			slot.TotalLen = uint16(totalLen)
		} else {
			slot.TotalLen = slot.CapLen
		}

		c.dec.Decode(data, c.linkType, slot)
		if slot.Reject != decode.RejectNone {
			c.errCounts[slot.Reject].Add(1)
			metrics.PacketsRejected.WithLabelValues(slot.Reject.String()).Inc()
		} else {
			metrics.PacketsDecoded.Inc()
		}
		if slot.Valid() {
			c.handleFragment(slot)
		}

		c.ring.Publish()
	}
}

// Errors returns the current decode-rejection tally keyed by reason name,
// safe to call from any goroutine (pkg/api's /errors handler).
func (c *CaptureLoop) Errors() map[string]uint64 {
	out := make(map[string]uint64, decode.NumRejectReasons-1)
	for r := decode.RejectReason(1); r < decode.NumRejectReasons; r++ {
		if n := c.errCounts[r].Load(); n > 0 {
			out[r.String()] = n
		}
	}
	return out
}

// handleFragment folds a fragment slot into the fragment table. A pending
// (not yet complete) fragment is marked invalid so the ring's consumer
// skips it; a completed reassembly overwrites the slot's key (derived from
// the fragment chain's initial fragment, which carries the real transport
// header) and payload with the reassembled datagram.
func (c *CaptureLoop) handleFragment(slot *decode.PBuf) {
	if c.frag == nil || !slot.Frag.IsFragment {
		return
	}

	result, payload := c.frag.Insert(slot.Timestamp, slot.Frag, slot.Key, slot.Payload)
	if result == fragtable.Pending {
		slot.Timestamp = 0 // ring's invalid-slot convention (see pkg/ring)
		return
	}

	if key, ok := c.frag.FlowKey(slot.Frag, slot.Key); ok {
		slot.Key = key
	}
	slot.Payload = append(slot.Payload[:0], payload...)
}
