package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/flowforge/yafgo/pkg/pipeline"
)

const (
	infoPrefix = "/-"

	// HealthRoute denotes the route / URI path to the health endpoint.
	HealthRoute = infoPrefix + "/health"
	// InfoRoute denotes the route / URI path to the info endpoint.
	InfoRoute = infoPrefix + "/info"
	// ReadyRoute denotes the route / URI path to the ready endpoint.
	ReadyRoute = infoPrefix + "/ready"

	// StatsRoute reports open-flow counts and table-level counters.
	StatsRoute = "/stats"
	// ErrorsRoute reports the decode-rejection tally by reason.
	ErrorsRoute = "/errors"
	// FlowsRoute reports a snapshot of every currently open flow.
	FlowsRoute = "/flows"
	// MetricsRoute exposes pkg/metrics' collectors for scraping.
	MetricsRoute = "/metrics"

	// RuntimeIDHeaderKey is the header used by RecursionDetectorMiddleware
	// to recognize a request this same process already issued.
	RuntimeIDHeaderKey = "X-YAFGO-RUNTIME-ID"
)

// StatsSource is the live-pipeline read contract /stats and /flows serve
// from. pkg/pipeline.FlushLoop satisfies it via RequestStatus, which
// answers from the flush thread between packets (see its doc comment).
type StatsSource interface {
	RequestStatus(ctx context.Context) (pipeline.Snapshot, error)
}

// ErrorsSource is the decode-rejection tally /errors serves.
// pkg/pipeline.CaptureLoop satisfies it via Errors.
type ErrorsSource interface {
	Errors() map[string]uint64
}

// Option configures NewRouter.
type Option func(*routerConfig)

type routerConfig struct {
	serviceName string
	runtimeID   string
	debug       bool
	profiling   bool
	tracing     bool
}

// WithDebugMode runs gin without ReleaseMode, enabling its default request
// logger and richer panic output.
func WithDebugMode(enabled bool) Option {
	return func(c *routerConfig) { c.debug = enabled }
}

// WithProfiling mounts net/http/pprof's handlers under /debug/pprof.
func WithProfiling(enabled bool) Option {
	return func(c *routerConfig) { c.profiling = enabled }
}

// WithTracing wraps every non-info route with otelgin's span middleware.
func WithTracing(enabled bool) Option {
	return func(c *routerConfig) { c.tracing = enabled }
}

// WithRuntimeID sets the value RecursionDetectorMiddleware rejects a
// request for, so a distributed deployment can't query itself into a loop.
func WithRuntimeID(id string) Option {
	return func(c *routerConfig) { c.runtimeID = id }
}

// NewRouter builds the gin engine serving health/info routes plus
// /stats, /errors, and /flows, wired the way the teacher wires its own
// control server (pkg/api/server/server.go): gin.Recovery, cors.Default,
// an optional otelgin tracing layer excluding the info routes, then
// TraceIDMiddleware/RequestLoggingMiddleware/RecursionDetectorMiddleware,
// with pprof mounted last when enabled.
func NewRouter(serviceName string, stats StatsSource, errs ErrorsSource, opts ...Option) *gin.Engine {
	cfg := routerConfig{serviceName: serviceName}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	if cfg.tracing {
		router.Use(otelgin.Middleware(cfg.serviceName, otelgin.WithFilter(func(req *http.Request) bool {
			switch req.URL.Path {
			case HealthRoute, InfoRoute, ReadyRoute:
				return false
			default:
				return true
			}
		})))
	}

	router.Use(
		TraceIDMiddleware(),
		RequestLoggingMiddleware(),
		RecursionDetectorMiddleware(RuntimeIDHeaderKey, cfg.runtimeID),
	)

	registerInfoRoutes(router, cfg.serviceName)
	registerStatsRoutes(router, stats, errs)
	router.GET(MetricsRoute, gin.WrapH(promhttp.Handler()))

	if cfg.profiling {
		RegisterProfiling(router)
	}

	return router
}

func registerInfoRoutes(router *gin.Engine, serviceName string) {
	router.GET(HealthRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(ReadyRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET(InfoRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": serviceName})
	})
}

// statsTimeout bounds how long a /stats or /flows request waits on the
// flush thread, given RequestStatus can only be answered between packets
// (see pkg/pipeline.FlushLoop.RequestStatus's doc comment).
const statsTimeout = 5 * time.Second

func registerStatsRoutes(router *gin.Engine, stats StatsSource, errs ErrorsSource) {
	router.GET(StatsRoute, func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statsTimeout)
		defer cancel()

		snap, err := stats.RequestStatus(ctx)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"openFlows":        snap.OpenFlows,
			"packetsProcessed": snap.PacketsProcessed,
			"flowsEmitted":     snap.FlowsEmitted,
		})
	})

	router.GET(ErrorsRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, errs.Errors())
	})

	router.GET(FlowsRoute, func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statsTimeout)
		defer cancel()

		snap, err := stats.RequestStatus(ctx)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap.Flows)
	})
}
