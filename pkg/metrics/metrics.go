// Package metrics declares the Prometheus instrumentation surfaced by every
// stage of the flow meter: decode, fragment reassembly, the SPSC ring and
// the flow table. Unlike the teacher's package-level init()-registration,
// Register takes an explicit prometheus.Registerer so a caller (tests, or an
// embedding application) can use a private registry instead of the global
// one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "yafcore"

	decodeSubsystem    = "decode"
	fragtableSubsystem = "fragtable"
	ringSubsystem      = "ring"
	flowtableSubsystem = "flowtable"
	pipelineSubsystem  = "pipeline"
)

var (
	PacketsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: decodeSubsystem,
		Name:      "packets_decoded_total",
		Help:      "Number of packets successfully decoded into a PBuf",
	})

	PacketsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: decodeSubsystem,
		Name:      "packets_rejected_total",
		Help:      "Number of packets rejected during decode, labeled by reject reason",
	}, []string{"reason"})

	FragmentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: fragtableSubsystem,
		Name:      "fragments_active",
		Help:      "Number of fragment chains currently held in the fragment table",
	})

	FragmentsReassembled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: fragtableSubsystem,
		Name:      "fragments_reassembled_total",
		Help:      "Number of fragment chains successfully reassembled into a single PBuf",
	})

	FragmentsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: fragtableSubsystem,
		Name:      "fragments_expired_total",
		Help:      "Number of fragment chains dropped for exceeding idle_ms without completing",
	})

	FragmentsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: fragtableSubsystem,
		Name:      "fragments_evicted_total",
		Help:      "Number of fragment chains evicted by LRU pressure once max_frags was exceeded",
	})

	RingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: ringSubsystem,
		Name:      "depth",
		Help:      "Current number of occupied slots in the PBuf ring",
	})

	RingBlockedPush = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: ringSubsystem,
		Name:      "blocked_push_total",
		Help:      "Number of times the capture thread blocked because the ring was full",
	})

	RingBlockedPop = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: ringSubsystem,
		Name:      "blocked_pop_total",
		Help:      "Number of times the flush thread blocked because the ring was empty",
	})

	FlowsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: flowtableSubsystem,
		Name:      "flows_active",
		Help:      "Number of uniflow/biflow entries currently held in the flow table",
	})

	FlowsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: flowtableSubsystem,
		Name:      "flows_opened_total",
		Help:      "Number of new flow entries created",
	})

	FlowsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: flowtableSubsystem,
		Name:      "flows_closed_total",
		Help:      "Number of flow entries retired, labeled by end reason",
	}, []string{"reason"})

	FlowsBiflowJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: flowtableSubsystem,
		Name:      "biflows_joined_total",
		Help:      "Number of uniflow pairs successfully joined into a biflow",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: pipelineSubsystem,
		Name:      "flush_duration_seconds",
		Help:      "Time taken to sweep the flow table for expired/active-timeout flows",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// Register attaches all collectors to reg. Call it once per process (or
// once per isolated test registry); it is not safe to call twice against
// the same registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		PacketsDecoded,
		PacketsRejected,
		FragmentsActive,
		FragmentsReassembled,
		FragmentsExpired,
		FragmentsEvicted,
		RingDepth,
		RingBlockedPush,
		RingBlockedPop,
		FlowsActive,
		FlowsOpened,
		FlowsClosed,
		FlowsBiflowJoined,
		FlushDuration,
	)
}
