// Command rdma-client connects to one or more rdma-server peers and
// issues N request/response calls against them, grounded on
// teranos-QNTX's cobra root command shape paired with this module's
// session/client façade.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Achillessanger/SmartWN/config"
	"github.com/Achillessanger/SmartWN/internal/logging"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	"github.com/Achillessanger/SmartWN/session/client"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
)

var (
	configPath string
	hostsFlag  string
	port       int
	calls      int
	payloadLen int
	dev        bool
)

var rootCmd = &cobra.Command{
	Use:   "rdma-client",
	Short: "Connect to one or more fabric servers and issue N request/response calls",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (spec.md §6.3 option table)")
	rootCmd.Flags().StringVar(&hostsFlag, "hosts", "127.0.0.1", "comma-separated list of server addresses to connect to")
	rootCmd.Flags().IntVar(&port, "port", 18515, "server port")
	rootCmd.Flags().IntVar(&calls, "calls", 1, "number of request/response calls to issue")
	rootCmd.Flags().IntVar(&payloadLen, "payload", 64, "request payload size in bytes")
	rootCmd.Flags().BoolVar(&dev, "dev", false, "development logging")
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
	opts.Port = port

	sup := supervisor.New(logger, true)
	m := metrics.New(prometheus.NewRegistry())
	d := soft.NewDevice(verbs.GIDFromIndex(opts.Gid), opts.InlineThreshold)

	ctx, err := rdmacontext.New(d, opts, logger, sup, m)
	if err != nil {
		return fmt.Errorf("rdmacontext.New: %w", err)
	}

	hosts := strings.Split(hostsFlag, ",")
	for _, h := range hosts {
		if err := ctx.Connect(h, port); err != nil {
			return fmt.Errorf("connect %s: %w", h, err)
		}
	}

	sess := client.New(ctx)
	sess.Start()
	defer sess.Stop()

	payload := make([]byte, payloadLen)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < calls; i++ {
		wg.Add(1)
		dest := hosts[i%len(hosts)]
		eng := sess.GetEngine(i % len(ctx.Engines))
		callCtx := uint64(i)
		if err := eng.Send(func(_ uint64, _ []byte) { wg.Done() }, callCtx, payload, dest); err != nil {
			wg.Done()
			logger.Errorw("send failed", "dest", dest, "error", err)
		}
	}
	wg.Wait()

	logger.Infow("done", "calls", calls, "elapsed", time.Since(start))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
