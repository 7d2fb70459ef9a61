package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Achillessanger/SmartWN/config"
	"github.com/Achillessanger/SmartWN/internal/logging"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	"github.com/Achillessanger/SmartWN/session/client"
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

// TestClientSendRoutesRepliesByTag sends two requests before either
// reply has arrived and checks each callback fires with its own
// reply, not the other's — exercising the callback_tag registry under
// concurrent outstanding requests.
func TestClientSendRoutesRepliesByTag(t *testing.T) {
	srvCtx := newTestContext(t, 28615)
	require.NoError(t, srvCtx.Listen())
	defer srvCtx.Close()

	srv := server.New(srvCtx)
	srv.SetCallback(func(ctx uint64, in []byte) []byte {
		out := make([]byte, len(in))
		copy(out, in)
		return out
	})
	srv.Start()
	defer srv.Stop()

	cliCtx := newTestContext(t, 28616)
	require.NoError(t, cliCtx.Connect("127.0.0.1", 28615))

	sess := client.New(cliCtx)
	sess.Start()
	defer sess.Stop()

	eng := sess.GetEngine(0)

	repliesA := make(chan []byte, 1)
	repliesB := make(chan []byte, 1)

	require.NoError(t, eng.Send(func(ctx uint64, payload []byte) { repliesA <- payload }, 1, []byte("alpha"), "127.0.0.1"))
	require.NoError(t, eng.Send(func(ctx uint64, payload []byte) { repliesB <- payload }, 2, []byte("beta"), "127.0.0.1"))

	deadline := time.After(2 * time.Second)
	var gotA, gotB []byte
	for gotA == nil || gotB == nil {
		select {
		case gotA = <-repliesA:
		case gotB = <-repliesB:
		case <-deadline:
			t.Fatalf("timed out waiting for replies")
		}
	}
	require.Equal(t, "alpha", string(gotA))
	require.Equal(t, "beta", string(gotB))
}
