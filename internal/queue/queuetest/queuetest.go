// Package queuetest runs a throwaway JetStream server for tests.
package queuetest

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartServer starts an in-memory JetStream server on a random port and
// stops it when the test ends.
func StartServer(tb testing.TB) *natsserver.Server {
	tb.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       tb.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(tb, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		tb.Fatal("NATS server not ready")
	}

	tb.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

// Connect starts a server and returns a connection to it.
func Connect(tb testing.TB) *nats.Conn {
	tb.Helper()
	server := StartServer(tb)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(tb, err)
	tb.Cleanup(nc.Close)
	return nc
}
