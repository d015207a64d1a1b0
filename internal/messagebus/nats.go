package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edforge/edforge/pkg/config"
	"github.com/edforge/edforge/pkg/messages"
)

// NatsBus publishes progress events to NATS JetStream so platform
// services can consume them durably. It is the Broadcaster's transport;
// the core never depends on delivery succeeding.
type NatsBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string
}

// NewNatsBus connects to NATS and ensures the progress stream exists.
func NewNatsBus(cfg config.NatsConfig) (*NatsBus, error) {
	url := cfg.URL
	if url == "" {
		url = "nats://localhost:4222"
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "EDFORGE"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	nc, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &NatsBus{conn: nc, js: js, streamName: streamName, url: url}
	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[NATS] Connected to %s with JetStream stream %s", url, streamName)
	return bus, nil
}

// ensureStream creates or updates the progress stream. LimitsPolicy so
// multiple platform consumers can read the same events.
func (b *NatsBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"edforge.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[NATS] Created JetStream stream: %s", b.streamName)
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishProgress implements progress.Transport. Events go to a
// per-execution subject so consumers can filter by execution.
func (b *NatsBus) PublishProgress(ctx context.Context, event *messages.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	subject := fmt.Sprintf("edforge.progress.%s", event.ExecutionID)
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeProgress sets up a durable subscription over all executions'
// progress events, for platform-side consumers embedded in this process.
func (b *NatsBus) SubscribeProgress(consumerName string, handler func(*messages.ProgressEvent)) error {
	_, err := b.js.Subscribe("edforge.progress.>", func(msg *nats.Msg) {
		var event messages.ProgressEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[NATS] Failed to unmarshal progress event: %v", err)
			msg.Nak()
			return
		}
		handler(&event)
		msg.Ack()
	},
		nats.Durable(consumerName),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to progress events: %w", err)
	}
	return nil
}

// Health reports connection and stream status.
func (b *NatsBus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *NatsBus) Close() error {
	b.conn.Close()
	log.Printf("[NATS] Closed connection")
	return nil
}
