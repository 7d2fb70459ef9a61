// Command rdma-server runs an echoing request/response server over
// the fabric, grounded on teranos-QNTX's cobra root command shape
// (cmd/qntx/main.go) paired with this module's own viper-backed
// config.Load.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Achillessanger/SmartWN/config"
	"github.com/Achillessanger/SmartWN/internal/logging"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	"github.com/Achillessanger/SmartWN/session/server"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
)

var (
	configPath  string
	metricsAddr string
	dev         bool
	supervised  bool
)

var rootCmd = &cobra.Command{
	Use:   "rdma-server",
	Short: "Run a fabric server that echoes every request back to its sender",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (spec.md §6.3 option table)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables it")
	rootCmd.Flags().BoolVar(&dev, "dev", false, "development logging (human-readable, debug level)")
	rootCmd.Flags().BoolVar(&supervised, "supervised", false, "log QP errors and continue instead of exiting the process")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{Development: dev})
	if err != nil {
		return fmt.Errorf("logging.New: %w", err)
	}
	defer logger.Sync()

	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if metricsAddr != "" {
		go serveMetrics(logger, registry, metricsAddr)
	}
	if opts.PrintThp {
		stop := metrics.StartThroughputPrinter(logger, m, 5*time.Second)
		defer stop()
	}

	sup := supervisor.New(logger, supervised)
	d := soft.NewDevice(verbs.GIDFromIndex(opts.Gid), opts.InlineThreshold)

	ctx, err := rdmacontext.New(d, opts, logger, sup, m)
	if err != nil {
		return fmt.Errorf("rdmacontext.New: %w", err)
	}

	sess := server.New(ctx)
	sess.SetCallback(func(callCtx uint64, in []byte) []byte {
		out := make([]byte, len(in))
		copy(out, in)
		return out
	})

	if err := sess.Listen(); err != nil {
		return fmt.Errorf("Listen: %w", err)
	}
	logger.Infow("listening", "port", opts.Port)

	sess.Start()
	drainSupervisorEvents(logger, sup)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh
	logger.Infow("shutdown signal received")

	if err := ctx.Close(); err != nil {
		logger.Errorw("listener close failed", "error", err)
	}
	if err := sess.Stop(); err != nil {
		logger.Errorw("session stop failed", "error", err)
	}
	logger.Infow("shutdown complete")
	return nil
}

func drainSupervisorEvents(logger *zap.SugaredLogger, sup *supervisor.FailureSupervisor) {
	go func() {
		for ev := range sup.Events() {
			logger.Warnw("qp error event", "engine", ev.EngineIndex, "wr_id", ev.WrID, "opcode", ev.Opcode, "status", ev.Status)
		}
	}()
}

func serveMetrics(logger *zap.SugaredLogger, registry *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorw("metrics server exited", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
