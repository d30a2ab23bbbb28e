package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the publish side of JetStream used by the status feed.
type ClientInterface interface {
	// SetupStream creates the stream or updates it when the config drifted.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// Publish publishes a message to a subject with optional headers
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error

	// IsConnected reports whether the underlying connection is up.
	IsConnected() bool

	// Close drains and closes the NATS connection
	Close()
}
