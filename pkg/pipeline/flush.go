package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/flowforge/yafgo/pkg/flowtable"
	"github.com/flowforge/yafgo/pkg/metrics"
	"github.com/flowforge/yafgo/pkg/ring"
)

// WriterFactory opens the next writer a FlushLoop should write to — called
// once at start-up and again every time the rotation interval elapses.
// File naming, path layout, and rotation policy beyond "how often" are the
// caller's concern (spec.md §1 places file rotation outside the core); the
// factory is how pipeline stays agnostic to them.
type WriterFactory func() (flowtable.Writer, error)

// FlushConfig tunes how often FlushLoop calls FlowTable.Flush and rotates
// its writer, per spec.md §4.5's flush-side loop steps 2-3. All thresholds
// are evaluated against packet timestamps (the capture clock), not wall
// time, so replaying a trace file is deterministic and rotation/flush
// cadence survives clock skew between capture points.
type FlushConfig struct {
	// FlushEveryPackets triggers a flush once this many packets have been
	// folded into the table since the last flush.
	FlushEveryPackets int
	// FlushEveryMillis triggers a flush once this much capture-clock time
	// has elapsed since the last flush.
	FlushEveryMillis int64
	// RotateEveryMillis closes the current writer and opens a new one
	// once this much capture-clock time has elapsed. Zero disables
	// rotation: the same writer is used for the whole run.
	RotateEveryMillis int64
}

// FlushLoop drains a PBufRing into a FlowTable, periodically flushing
// terminated flows to a Writer and rotating that writer on a schedule,
// grounded on the teacher's capture_manager rotation timer
// (pkg/capture/capture_manager.go) generalized from a fixed external
// rotation tick into a self-contained, packet-clock-driven schedule.
type FlushLoop struct {
	ring  *ring.PBufRing
	table *flowtable.FlowTable
	newW  WriterFactory
	cfg   FlushConfig

	writer            flowtable.Writer
	packetsSinceFlush int
	lastFlushMs       int64
	lastRotateMs      int64
	haveClock         bool
	lastPacketMs      int64
	packetsProcessed  uint64

	statusCh chan StatusRequest
}

// Snapshot is a point-in-time read of the flow table's state, handed to
// pkg/api's /stats and /flows endpoints via RequestStatus. It is a plain
// value, safe to read after RequestStatus returns regardless of what the
// flush thread does next.
type Snapshot struct {
	OpenFlows        int
	PacketsProcessed uint64
	FlowsEmitted     uint64
	Flows            []flowtable.Summary
}

// StatusRequest is serviced by FlushLoop.Run between packets, never
// concurrently with table mutation — the same single-owner discipline as
// the teacher's captureCommandStatus (pkg/capture/capture.go's cmdChan),
// generalized from a capture-goroutine command channel to a flush-loop one.
type StatusRequest struct {
	reply chan Snapshot
}

// NewFlushLoop returns a FlushLoop. The writer is opened lazily, on the
// first call to drainOne or Run, so constructing a FlushLoop never fails.
func NewFlushLoop(r *ring.PBufRing, table *flowtable.FlowTable, newWriter WriterFactory, cfg FlushConfig) *FlushLoop {
	return &FlushLoop{ring: r, table: table, newW: newWriter, cfg: cfg, statusCh: make(chan StatusRequest, 4)}
}

func (f *FlushLoop) ensureWriter() error {
	if f.writer != nil {
		return nil
	}
	w, err := f.newW()
	if err != nil {
		return err
	}
	f.writer = w
	return nil
}

// drainOne pulls at most one packet from the ring tail, feeds it to the
// flow table, and runs the periodic flush/rotation checks. drained is false
// when the ring had nothing to offer — empty, in SingleThread mode, or
// interrupted in either mode — distinct from err, which reports a writer
// failure.
func (f *FlushLoop) drainOne() (drained bool, err error) {
	if err := f.ensureWriter(); err != nil {
		return false, err
	}

	pb, ok := f.ring.NextTail()
	if !ok {
		return false, nil
	}

	now := pb.Timestamp
	f.table.Update(now, pb)
	f.ring.Release()

	f.lastPacketMs = now
	f.packetsSinceFlush++
	f.packetsProcessed++
	if !f.haveClock {
		f.lastFlushMs = now
		f.lastRotateMs = now
		f.haveClock = true
	}

	if f.packetsSinceFlush >= f.cfg.FlushEveryPackets || now-f.lastFlushMs >= f.cfg.FlushEveryMillis {
		start := time.Now()
		err := f.table.Flush(now, false, f.writer)
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return true, err
		}
		f.packetsSinceFlush = 0
		f.lastFlushMs = now
	}

	if f.cfg.RotateEveryMillis > 0 && now-f.lastRotateMs >= f.cfg.RotateEveryMillis {
		if err := f.rotate(); err != nil {
			return true, err
		}
		f.lastRotateMs = now
	}

	return true, nil
}

// snapshot builds the current Snapshot. Only called from the flush thread.
func (f *FlushLoop) snapshot() Snapshot {
	return Snapshot{
		OpenFlows:        f.table.Open(),
		PacketsProcessed: f.packetsProcessed,
		FlowsEmitted:     f.table.Emitted(),
		Flows:            f.table.Snapshot(),
	}
}

// serviceStatus answers any StatusRequest queued on statusCh without
// blocking, mirroring the teacher's command-between-packets pattern
// (pkg/capture/capture.go's process(): "select{case <-c.rotationState.request:
// ...; default: c.capturePacket(pkt)}"). It drains the whole backlog so a
// burst of requests doesn't trickle out one per packet.
func (f *FlushLoop) serviceStatus() {
	for {
		select {
		case req := <-f.statusCh:
			req.reply <- f.snapshot()
		default:
			return
		}
	}
}

// RequestStatus asks the flush thread for a Snapshot and waits for the
// reply, or for ctx to be done. It is safe to call from any goroutine —
// pkg/api's handlers are the intended caller.
//
// A request can only be answered between packets: if the flush loop is
// blocked inside ring.NextTail's condition-variable wait on an idle ring
// (ring.Threaded mode), it will not see the request until the next packet
// arrives or the ring is interrupted. This is accepted as a reasonable
// limitation for a debug/stats endpoint, not a real-time guarantee.
func (f *FlushLoop) RequestStatus(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case f.statusCh <- StatusRequest{reply: reply}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (f *FlushLoop) rotate() error {
	if err := f.writer.Close(); err != nil {
		return err
	}
	w, err := f.newW()
	if err != nil {
		return err
	}
	f.writer = w
	return nil
}

// Run drains the ring until it is interrupted and quit is set (spec.md's
// shutdown protocol: the flush side "drains what remains" before acting on
// quit), then performs the forced flush and closes the writer.
func (f *FlushLoop) Run(quit *atomic.Bool) error {
	for {
		f.serviceStatus()

		drained, err := f.drainOne()
		if err != nil {
			return err
		}
		if !drained && quit.Load() {
			break
		}
	}
	f.serviceStatus()
	return f.shutdown()
}

// shutdown implements spec.md §4.5 flush-side step 4: a forced flush that
// closes and emits every remaining flow, then closes the writer.
func (f *FlushLoop) shutdown() error {
	if err := f.ensureWriter(); err != nil {
		return err
	}
	start := time.Now()
	err := f.table.Flush(f.lastPacketMs, true, f.writer)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		_ = f.writer.Close()
		return err
	}
	return f.writer.Close()
}
