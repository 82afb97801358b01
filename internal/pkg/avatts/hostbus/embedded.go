package hostbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// StartEmbedded runs an in-process NATS server so the service can be used
// without external infrastructure. Port -1 picks a random port.
func StartEmbedded(host string, port int, logger zerolog.Logger) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}
	logger.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")
	return ns, nil
}
