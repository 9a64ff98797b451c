package queue

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
)

// StartEmbedded runs a JetStream-enabled nats-server inside the process, for
// single-host deployments that do not want to operate NATS separately.
// The caller must Shutdown the returned server.
func StartEmbedded(cfg config.NATSConfig) (*server.Server, error) {
	opts := &server.Options{
		ServerName:     "exambuddy-embedded",
		Host:           "127.0.0.1",
		Port:           cfg.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       cfg.StoreDir,
	}
	if opts.Port == 0 {
		opts.Port = -1 // random
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return ns, nil
}
