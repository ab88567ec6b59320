package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/back2basic/netwatch/bpfgo"
	"github.com/back2basic/netwatch/config"
	"github.com/back2basic/netwatch/live"
	"github.com/back2basic/netwatch/procs"
	"github.com/back2basic/netwatch/prom"
	"github.com/back2basic/netwatch/sockdiag"
	"github.com/back2basic/netwatch/storage"
	"github.com/back2basic/netwatch/ui"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "netwatch",
		Short: "Live network utilization by process, remote address and connection",
		Long: `netwatch samples the kernel's socket counters every tick and shows which
processes use the network, which hosts they talk to and over which connections.

Rates are smoothed with an exponential moving average so bursts do not jitter.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.StringP("interface", "i", "", "only count traffic through this interface")
	flags.Duration("tick", 0, "sampling interval (default 1s)")
	flags.String("capture", "", "capture backend: sockdiag or bpf (default sockdiag)")
	flags.BoolP("raw", "r", false, "print machine friendly lines instead of the dashboard")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("sqlite-path", "", "record per-process usage history in this SQLite file")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	for key, flag := range map[string]string{
		"interface":    "interface",
		"tick":         "tick",
		"capture":      "capture",
		"raw":          "raw",
		"metrics.addr": "metrics-addr",
		"sqlite.path":  "sqlite-path",
		"log.level":    "log-level",
	} {
		// Errors only on a nil flag, which the table above rules out.
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if !cfg.Raw && cfg.Log.File == "" {
		return zap.NewNop(), nil
	}

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logConfig := zap.NewProductionConfig()
	if level.Level() == zap.DebugLevel {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = level
	if cfg.Log.File != "" {
		logConfig.OutputPaths = []string{cfg.Log.File}
		logConfig.ErrorOutputPaths = []string{cfg.Log.File}
	}
	return logConfig.Build()
}

func run(parent context.Context, cfg *config.Config, stdout io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver := procs.NewResolver("/proc", sockdiag.Dump, logger)

	var source live.TrafficSource
	switch cfg.Capture {
	case config.CaptureBPF:
		var h *bpfgo.Handles
		if cfg.BPF.Object != "" {
			h, err = bpfgo.Load(cfg.Interface, cfg.BPF.Object, cfg.BPF.PinPath, logger)
		} else {
			h, err = bpfgo.Open(cfg.BPF.PinPath)
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := h.Close(); err != nil {
				logger.Warn("close bpf", zap.Error(err))
			}
		}()
		source = bpfgo.NewSource(h, logger)
	default:
		source = sockdiag.NewSource(sockdiag.Dump, sockdiag.RouteInterface, cfg.Interface, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	clk := clock.New()
	var sinks []live.Sink

	if cfg.Raw {
		sinks = append(sinks, live.NewRawPrinter(stdout))
	} else {
		dash, err := ui.Open(cfg.Tick)
		if err != nil {
			return err
		}
		defer dash.Close()
		sinks = append(sinks, dash)
		g.Go(func() error {
			err := dash.Run(gctx)
			// q quits the whole program.
			cancel()
			return err
		})
	}

	if cfg.Metrics.Addr != "" {
		collector := prom.New()
		sinks = append(sinks, collector)
		g.Go(func() error { return prom.Serve(gctx, cfg.Metrics.Addr, collector, logger) })
	}

	if cfg.SQLite.Path != "" {
		hostname, err := os.Hostname()
		if err != nil {
			logger.Warn("get hostname", zap.Error(err))
		}
		db, err := storage.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		recorder := storage.NewRecorder(db, hostname, cfg.SQLite.FlushInterval, clk, logger)
		sinks = append(sinks, recorder)
		defer func() {
			if err := recorder.Flush(); err != nil {
				logger.Error("final flush", zap.Error(err))
			}
		}()

		if cfg.Appwrite.Enabled() {
			remote := storage.NewAppwrite(cfg.Appwrite, logger)
			pusher := storage.NewPusher(db, remote, hostname, cfg.Appwrite.Interval, clk, logger)
			g.Go(func() error { return pusher.Run(gctx) })
		} else {
			logger.Info("appwrite not configured, daily push disabled")
		}
	}

	loop := live.New(resolver, source, cfg.Tick, logger, live.WithClock(clk), live.WithSinks(sinks...))
	g.Go(func() error { return loop.Run(gctx) })

	logger.Info("netwatch started",
		zap.String("capture", cfg.Capture),
		zap.String("interface", cfg.Interface),
		zap.Duration("tick", cfg.Tick),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
