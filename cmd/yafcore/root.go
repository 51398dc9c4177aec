package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowforge/yafgo/internal/config"
	"github.com/flowforge/yafgo/pkg/api"
	"github.com/flowforge/yafgo/pkg/api/server"
	"github.com/flowforge/yafgo/pkg/applabel"
	"github.com/flowforge/yafgo/pkg/decode"
	"github.com/flowforge/yafgo/pkg/flowtable"
	"github.com/flowforge/yafgo/pkg/fragtable"
	"github.com/flowforge/yafgo/pkg/logging"
	"github.com/flowforge/yafgo/pkg/metrics"
	"github.com/flowforge/yafgo/pkg/pipeline"
	"github.com/flowforge/yafgo/pkg/ring"
	"github.com/flowforge/yafgo/pkg/writer"
)

const shutdownGracePeriod = 30 * time.Second

const (
	flagConfig      = "config"
	flagPCAPFile    = "pcap-file"
	flagInterface   = "interface"
	flagOutput      = "output"
	flagAPIAddr     = "api.addr"
	flagAPIProfiling = "api.profiling"
	flagLogLevel    = "log.level"
	flagLogEncoding = "log.encoding"
)

func newRootCmd() *cobra.Command {
	var pcapFile, iface, outFile string

	rootCmd := &cobra.Command{
		Use:   "yafcore",
		Short: "yafcore decodes packets, reassembles fragments, and joins flows into biflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(iface)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := initLogging(cfg); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			return run(cmd.Context(), cfg, pcapFile, iface, outFile)
		},
	}

	pflags := rootCmd.PersistentFlags()
	pflags.String(flagConfig, "", "path to a JSON configuration file")
	pflags.StringVar(&pcapFile, flagPCAPFile, "", "pcap trace file to replay (required)")
	pflags.StringVar(&iface, flagInterface, "trace0", "interface name the trace is attributed to")
	pflags.StringVar(&outFile, flagOutput, "", "file to write flow JSON records to (default: stdout)")
	pflags.String(flagAPIAddr, "localhost:6060", "runtime-introspection API address (empty disables it)")
	pflags.Bool(flagAPIProfiling, false, "enable pprof routes on the API server")
	pflags.String(flagLogLevel, "info", "log level: debug, info, warn, error")
	pflags.String(flagLogEncoding, "logfmt", "log encoding: logfmt or json")
	if err := viper.BindPFlags(pflags); err != nil {
		panic(err) // flag registration failure is a programming error, not a runtime one
	}

	return rootCmd
}

// loadConfig layers a JSON config file (if given) under the default
// configuration, then overlays viper-bound flags/env vars, mirroring the
// teacher's initConfig (cmd/goProbe/cmd/root.go) minus its DB/auto-detect
// sections this binary has no use for.
func loadConfig(iface string) (*config.Config, error) {
	viper.SetEnvPrefix("yafcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	path := viper.GetString(flagConfig)

	var cfg *config.Config
	if path != "" {
		var err error
		cfg, err = config.ParseFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	} else {
		cfg = config.New()
	}

	if _, ok := cfg.Interfaces[iface]; !ok {
		cfg.Interfaces[iface] = config.CaptureConfig{
			RingBufferBlockSize: config.DefaultBlockSize,
			RingBufferNumBlocks: config.DefaultRingBufferSize,
			Snaplen:             config.DefaultSnaplen,
		}
	}

	cfg.Logging.Level = viper.GetString(flagLogLevel)
	cfg.Logging.Encoding = viper.GetString(flagLogEncoding)
	cfg.API.Addr = viper.GetString(flagAPIAddr)
	cfg.API.Profiling = viper.GetBool(flagAPIProfiling)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	return logging.Init(
		logging.LevelFromString(cfg.Logging.Level),
		logging.Encoding(cfg.Logging.Encoding),
		logging.WithName(config.ServiceName),
	)
}

func run(ctx context.Context, cfg *config.Config, pcapFile, iface, outFile string) error {
	if pcapFile == "" {
		return fmt.Errorf("--%s is required: the packet capture driver (libpcap/AF_PACKET/PF_RING) is an "+
			"external collaborator this binary does not implement; yafcore runs against a recorded trace", flagPCAPFile)
	}

	logger := logging.FromContext(ctx)
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	src, err := newPCAPFileSource(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open pcap trace: %w", err)
	}
	defer src.Close()

	linkType, ok := decode.LinkType(src.LinkType())
	if !ok {
		return fmt.Errorf("unsupported link type %d in trace file", src.LinkType())
	}

	ic := cfg.Interfaces[iface]
	pbufRing := ring.New(ic.RingBufferNumBlocks, ic.RingBufferBlockSize, ring.Threaded)

	dec := decode.New(decode.Config{})

	var frag *fragtable.FragTable
	if cfg.Fragments.MaxFragments > 0 {
		frag = fragtable.New(fragtable.Config{
			IdleMillis:   int64(time.Duration(cfg.Fragments.IdleTimeout) / time.Millisecond),
			MaxFragments: cfg.Fragments.MaxFragments,
			MaxPayload:   cfg.Fragments.MaxPayload,
		})
	}

	labeler := newChainLabeler(applabel.DefaultPortLabeler(), &applabel.SNILabeler{})

	table := flowtable.New(flowtable.Config{
		IdleTimeoutMillis:   int64(time.Duration(cfg.FlowTable.IdleTimeout) / time.Millisecond),
		ActiveTimeoutMillis: int64(time.Duration(cfg.FlowTable.ActiveTimeout) / time.Millisecond),
		MaxFlows:            cfg.FlowTable.MaxFlows,
		UDPUniflowMillis:    int64(time.Duration(cfg.FlowTable.UDPTimeout) / time.Millisecond),
		MaxPayload:          cfg.FlowTable.MaxPayload,
		LabelPackets:        1,
	}, labeler)

	newWriter, closeOut, err := writerFactory(outFile)
	if err != nil {
		return err
	}
	defer closeOut()

	captureLoop := pipeline.NewCaptureLoop(pbufRing, dec, frag, linkType)
	flushLoop := pipeline.NewFlushLoop(pbufRing, table, newWriter, pipeline.FlushConfig{
		FlushEveryPackets: 10_000,
		FlushEveryMillis:  time.Second.Milliseconds(),
	})

	var apiSrv *server.Server
	if cfg.API.Addr != "" {
		apiSrv = server.New(config.ServiceName, cfg.API.Addr, flushLoop, captureLoop,
			api.WithProfiling(cfg.API.Profiling),
		)
		go func() {
			logger.With("addr", cfg.API.Addr).Info("starting API server")
			if err := apiSrv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("API server stopped: %s", err)
			}
		}()
	}

	quit := &atomic.Bool{}
	captureErr := make(chan error, 1)
	go func() { captureErr <- captureLoop.Run(src, quit) }()

	flushErr := make(chan error, 1)
	go func() { flushErr <- flushLoop.Run(quit) }()

	logger.Info("yafcore started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		quit.Store(true)
		pbufRing.Interrupt()
	case err := <-captureErr:
		if err != nil {
			logger.Errorf("capture loop stopped: %s", err)
		}
		quit.Store(true)
		pbufRing.Interrupt()
	}

	<-flushErr

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced API server shutdown: %w", err)
		}
	}

	logger.Info("graceful shut down completed")
	return nil
}

// writerFactory returns a pipeline.WriterFactory opening out (or stdout,
// if out is empty) as a JSON writer; each call to the factory creates out
// afresh. The FlushLoop closes every writer it opens, at rotation and at
// shutdown, so the returned closeOut func does nothing.
func writerFactory(out string) (factory pipeline.WriterFactory, closeOut func(), err error) {
	if out == "" {
		return func() (flowtable.Writer, error) {
			return writer.NewJSONWriter(os.Stdout), nil
		}, func() {}, nil
	}

	return func() (flowtable.Writer, error) {
		f, err := os.Create(out)
		if err != nil {
			return nil, err
		}
		return writer.NewJSONWriter(f), nil
	}, func() {}, nil
}
