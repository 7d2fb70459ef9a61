package server_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Achillessanger/SmartWN/config"
	"github.com/Achillessanger/SmartWN/internal/logging"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	clientsess "github.com/Achillessanger/SmartWN/session/client"
	"github.com/Achillessanger/SmartWN/session/server"
	"github.com/Achillessanger/SmartWN/verbs/soft"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestContext(t *testing.T, port int) *rdmacontext.Context {
	t.Helper()
	opts := config.Defaults()
	opts.Port = port
	opts.IoEngineNum = 1
	opts.CQNum = 1
	opts.QPNum = 1
	opts.BufNum = 8
	opts.SendBufSize = 256
	opts.RecvBufSize = 256
	opts.ConnectRetries = 10
	opts.ConnectBackoff = 10 * time.Millisecond

	dev := soft.NewDevice([16]byte{}, opts.InlineThreshold)
	logger := logging.Nop()
	sup := supervisor.New(logger, true)
	m := metrics.New(prometheus.NewRegistry())

	ctx, err := rdmacontext.New(dev, opts, logger, sup, m)
	require.NoError(t, err)
	return ctx
}

// TestServerRepliesWithHandlerOutput drives a full end-to-end round trip
// through real TCP: a server Session answers every request by
// incrementing each payload byte, and a client Session's registered
// callback observes the transformed reply.
func TestServerRepliesWithHandlerOutput(t *testing.T) {
	srvCtx := newTestContext(t, 28515)
	require.NoError(t, srvCtx.Listen())
	defer srvCtx.Close()

	srv := server.New(srvCtx)
	srv.SetCallback(func(ctx uint64, in []byte) []byte {
		out := make([]byte, len(in))
		for i, b := range in {
			out[i] = b + 1
		}
		return out
	})
	srv.Start()
	defer srv.Stop()

	cliCtx := newTestContext(t, 28516)
	require.NoError(t, cliCtx.Connect("127.0.0.1", 28515))

	cli := clientsess.New(cliCtx)
	cli.Start()
	defer cli.Stop()

	replies := make(chan []byte, 1)
	eng := cli.GetEngine(0)
	require.NoError(t, eng.Send(func(ctx uint64, payload []byte) {
		replies <- payload
	}, 42, []byte{1, 2, 3}, "127.0.0.1"))

	select {
	case got := <-replies:
		require.Equal(t, []byte{2, 3, 4}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
