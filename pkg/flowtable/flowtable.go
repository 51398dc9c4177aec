// Package flowtable joins decoded packets into biflows, ages them, and
// emits them through a Writer once they terminate.
//
// It owns the only state the flush thread mutates (see pkg/pipeline): the
// flow index and the aging picklist. The index/reverse-lookup scheme
// mirrors the teacher's FlowLog.Add (pkg/capture/flow.go) — try the
// forward hash, then the reverse hash, update whichever hits, else insert
// a new flow — generalized from a flat byte-hash map to a canonical
// yafkey.Key keyed map plus a doubly-linked picklist for idle/active aging,
// which goProbe's own flow log (rotated wholesale on a fixed interval by
// its capture manager) does not need.
package flowtable

import (
	"container/list"

	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/metrics"
	"github.com/flowforge/yafgo/pkg/yafkey"
)

// Config tunes the flow table's aging, capture, and labeling behavior.
type Config struct {
	IdleTimeoutMillis   int64
	ActiveTimeoutMillis int64
	MaxFlows            int

	// UDPUniflowMillis, when nonzero, force-closes a UDP flow once it has
	// been open this long, bounding memory for long-lived connectionless
	// traffic that never naturally closes.
	UDPUniflowMillis int64

	// MaxPayload caps captured payload bytes per direction; 0 disables
	// payload capture.
	MaxPayload int

	EnableStats           bool
	SmallPacketThreshold  uint16
	LargePacketThreshold  uint16

	// LabelPackets is the number of packets (summed across both
	// directions) a flow must accumulate before the Labeler is invoked,
	// or the flow terminates first, whichever comes first. Every packet
	// counts toward it, whether or not it carries payload. Zero disables
	// labeling.
	LabelPackets int

	MPLSEnabled bool
}

// Writer is the flow emission sink. The core does not prescribe a wire
// format (see pkg/writer for a concrete implementation); FlowTable only
// needs to hand off a terminated flow and know the write succeeded.
type Writer interface {
	Write(*Flow) error
	Flush() error
	Close() error
}

// FlowTable is the central biflow store. It is not safe for concurrent
// use — spec.md's concurrency model confines it to the flush thread.
type FlowTable struct {
	cfg Config

	byForward   map[yafkey.Key]*Flow
	byReverse   map[yafkey.Key]*Flow // keyed on vlanless(flow.Key.Reverse())
	picklist    *list.List           // front = most recently touched
	closeQueue  []*Flow
	labeler     Labeler

	open    int
	emitted uint64
}

// New returns a FlowTable configured per cfg. labeler may be nil to
// disable the application-label hook entirely.
func New(cfg Config, labeler Labeler) *FlowTable {
	return &FlowTable{
		cfg:       cfg,
		byForward: make(map[yafkey.Key]*Flow),
		byReverse: make(map[yafkey.Key]*Flow),
		picklist:  list.New(),
		labeler:   labeler,
	}
}

// Open returns the number of currently open flows.
func (t *FlowTable) Open() int { return t.open }

// Emitted returns the total number of flows written out over the table's
// lifetime, across every Flush call.
func (t *FlowTable) Emitted() uint64 { return t.emitted }

// Summary is an immutable, point-in-time projection of an open flow,
// safe to hand to a reader outside the flush thread (see pkg/pipeline's
// status-request mechanism).
type Summary struct {
	Key        yafkey.Key
	STime      int64
	ETime      int64
	FwdPackets uint64
	RevPackets uint64
	FwdOctets  uint64
	RevOctets  uint64
	Label      uint16
}

// Snapshot returns a Summary for every currently open flow. byForward
// holds exactly one entry per open flow (index/unindex keep it in lock
// step with byReverse), so iterating it yields a duplicate-free list.
func (t *FlowTable) Snapshot() []Summary {
	out := make([]Summary, 0, len(t.byForward))
	for _, f := range t.byForward {
		s := Summary{
			Key:        f.Key,
			STime:      f.STime,
			ETime:      f.ETime,
			FwdPackets: f.Val.Packets,
			RevPackets: f.RVal.Packets,
			FwdOctets:  f.Val.Octets,
			RevOctets:  f.RVal.Octets,
			Label:      f.Label,
		}
		out = append(out, s)
	}
	return out
}

func vlanless(k yafkey.Key) yafkey.Key {
	k.VlanID = 0
	return k
}

// lookup finds the flow matching k, reporting whether k is the flow's
// forward or reverse direction. Reverse matching clears the VLAN-tag
// equality requirement, per spec.md's data-model note that "reverse
// matches require swapping source/destination fields and clearing the
// VLAN tag equality check" — traffic returning over a different VLAN
// encoding still joins the same biflow.
func (t *FlowTable) lookup(k yafkey.Key) (f *Flow, reverse bool) {
	if f, ok := t.byForward[k]; ok {
		return f, false
	}
	if f, ok := t.byReverse[vlanless(k)]; ok {
		return f, true
	}
	return nil, false
}

func (t *FlowTable) index(f *Flow) {
	t.byForward[f.Key] = f
	t.byReverse[vlanless(f.Key.Reverse())] = f
}

func (t *FlowTable) unindex(f *Flow) {
	delete(t.byForward, f.Key)
	delete(t.byReverse, vlanless(f.Key.Reverse()))
}

// Update folds one decoded packet into the flow table, creating, updating,
// or terminating flows as needed. now is the packet's capture timestamp in
// epoch milliseconds. Update uses it as given; a packet older than an open
// flow's etime does not move that etime backwards.
func (t *FlowTable) Update(now int64, pb *decode.PBuf) {
	f, reverse := t.lookup(pb.Key)

	if f == nil {
		f = newFlow(t.cfg, now, pb)
		t.index(f)
		t.picklist.PushFront(f)
		f.elem = t.picklist.Front()
		t.open++
		metrics.FlowsOpened.Inc()
		metrics.FlowsActive.Set(float64(t.open))
		t.maybeLabel(f, false)
		return
	}

	if reason, ok := t.expired(f, now); ok {
		t.terminate(f, reason, now)
		cont := newFlow(t.cfg, now, pb)
		cont.Continuation = reason == EndActive
		t.index(cont)
		t.picklist.PushFront(cont)
		cont.elem = t.picklist.Front()
		t.open++
		metrics.FlowsOpened.Inc()
		metrics.FlowsActive.Set(float64(t.open))
		t.maybeLabel(cont, false)
		return
	}

	if reverse {
		if f.RVal.Packets == 0 {
			f.RDTime = now - f.STime
			metrics.FlowsBiflowJoined.Inc()
		}
		f.RVal.update(now, pb, t.cfg)
	} else {
		f.Val.update(now, pb, t.cfg)
	}
	if now > f.ETime {
		f.ETime = now
	}
	t.picklist.MoveToFront(f.elem)

	if t.closedByTCP(f) {
		t.terminate(f, EndClosed, now)
		return
	}
	if t.cfg.UDPUniflowMillis > 0 && f.Key.Proto == yafkey.UDP && now-f.STime >= t.cfg.UDPUniflowMillis {
		t.terminate(f, EndUDPForce, now)
		return
	}

	t.maybeLabel(f, false)
}

// expired checks the idle/active timeouts, which are evaluated against
// the flow's prior state — before the current packet is folded in — so an
// idle-expired flow's triggering packet starts a fresh flow rather than
// extending the one that just timed out.
func (t *FlowTable) expired(f *Flow, now int64) (EndReason, bool) {
	if now-f.ETime > t.cfg.IdleTimeoutMillis {
		return EndIdle, true
	}
	if t.cfg.ActiveTimeoutMillis > 0 && now-f.STime > t.cfg.ActiveTimeoutMillis {
		return EndActive, true
	}
	return EndNone, false
}

func (t *FlowTable) closedByTCP(f *Flow) bool {
	if f.Key.Proto != yafkey.TCP {
		return false
	}
	const finBit, rstBit = decode.TCPFlagFIN, decode.TCPFlagRST
	if f.Val.UFlags&rstBit != 0 || f.RVal.UFlags&rstBit != 0 {
		return true
	}
	return f.Val.UFlags&finBit != 0 && f.RVal.UFlags&finBit != 0
}

// maybeLabel invokes the Labeler once f has accumulated LabelPackets
// packets (Flow.PacketCount, which also counts packets without payload).
// force skips that threshold check — used when a
// flow is about to terminate, per the labeling requirement that a flow be
// given a final labeling attempt before it is queued for emit even if it
// never reached the packet threshold.
func (t *FlowTable) maybeLabel(f *Flow, force bool) {
	if t.labeler == nil || f.labeled || t.cfg.LabelPackets <= 0 {
		return
	}
	if !force && int(f.PacketCount()) < t.cfg.LabelPackets {
		return
	}
	label := t.labeler.Scan(f.Val.PayloadCaptured, f, &f.Val)
	if label == 0 {
		label = t.labeler.Scan(f.RVal.PayloadCaptured, f, &f.RVal)
	}
	f.labeled = true
	if label == 0 {
		return
	}
	f.Label = label
	f.LabelCtx = t.labeler.Process(f, f.Val.PayloadCaptured)
}

// terminate removes f from the index and picklist and appends it to the
// close queue for the next Flush to emit.
func (t *FlowTable) terminate(f *Flow, reason EndReason, now int64) {
	t.maybeLabel(f, true)
	f.EndReason = reason
	if reason != EndIdle {
		f.ETime = now
	}
	t.unindex(f)
	t.picklist.Remove(f.elem)
	t.open--
	metrics.FlowsClosed.WithLabelValues(reason.String()).Inc()
	metrics.FlowsActive.Set(float64(t.open))
	t.closeQueue = append(t.closeQueue, f)
}

// Flush runs the four-step flush protocol: age the picklist tail, enforce
// the MaxFlows resource cap, emit the close queue, and — if forced — close
// out every remaining open flow.
func (t *FlowTable) Flush(now int64, forced bool, w Writer) error {
	t.ageTail(now)

	for t.open > t.cfg.MaxFlows && t.cfg.MaxFlows > 0 {
		tail := t.picklist.Back()
		if tail == nil {
			break
		}
		t.terminate(tail.Value.(*Flow), EndResource, now)
	}

	if err := t.emit(w); err != nil {
		return err
	}

	if forced {
		for e := t.picklist.Front(); e != nil; {
			next := e.Next()
			t.terminate(e.Value.(*Flow), EndForced, now)
			e = next
		}
		if err := t.emit(w); err != nil {
			return err
		}
	}

	return w.Flush()
}

// ageTail walks the picklist from the least-recently-touched end, closing
// every flow whose idle timeout has elapsed.
func (t *FlowTable) ageTail(now int64) {
	for e := t.picklist.Back(); e != nil; {
		f := e.Value.(*Flow)
		if now-f.ETime <= t.cfg.IdleTimeoutMillis {
			break
		}
		prev := e.Prev()
		t.terminate(f, EndIdle, now)
		e = prev
	}
}

// emit writes and releases every flow in the close queue, in the order
// flows entered it.
func (t *FlowTable) emit(w Writer) error {
	for _, f := range t.closeQueue {
		if err := w.Write(f); err != nil {
			t.closeQueue = nil
			return err
		}
		if f.LabelCtx != nil {
			f.LabelCtx.Free()
		}
		t.emitted++
	}
	t.closeQueue = t.closeQueue[:0]
	return nil
}
