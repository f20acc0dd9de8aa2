// Package eventbus implements the publish side of the "detections:{stream_id}"
// pub/sub channel over MQTT. Grounded on internal/mqtt/client.go's
// hostname-resolve-then-connect flow and exponential reconnect backoff,
// adapted to the multi-topic publish-only contract this system needs:
// subscribers are external and never addressed here.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
)

// Config configures the MQTT-backed Bus.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string // "detections" -> topic "detections/{stream_id}"
	ConnectTimeout time.Duration
}

// Bus publishes JSON payloads to per-stream MQTT topics. Publish failures
// are logged and swallowed: the worker calling Publish must never observe
// a bus outage as a fatal error.
type Bus struct {
	cfg    Config
	mu     sync.Mutex
	client mqtt.Client
	logger *slog.Logger

	reconnectStop chan struct{}
	connected     bool
}

// New constructs a Bus. Connect must be called before Publish will succeed;
// until then, Publish logs and swallows a "not connected" failure exactly
// like any other publish failure.
func New(cfg Config) *Bus {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Bus{
		cfg:           cfg,
		logger:        logging.ForService("eventbus"),
		reconnectStop: make(chan struct{}),
	}
}

// Connect resolves the broker hostname and establishes the MQTT session.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Bus) connectLocked(ctx context.Context) error {
	if err := resolveBrokerHostname(b.cfg.Broker); err != nil {
		return fmt.Errorf("resolve broker hostname: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %s", b.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	b.client = client
	b.connected = true
	b.logger.Info("event bus connected", "broker", b.cfg.Broker)
	return nil
}

func resolveBrokerHostname(broker string) error {
	u, err := url.Parse(broker)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	if _, err := net.LookupHost(u.Hostname()); err != nil {
		return fmt.Errorf("lookup host %s: %w", u.Hostname(), err)
	}
	return nil
}

func (b *Bus) onConnectionLost(_ mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.logger.Warn("event bus connection lost", "error", err)
	go b.reconnectWithBackoff()
}

// reconnectWithBackoff retries Connect with exponential backoff (0.5s
// initial, doubling, capped at 30s) until it succeeds or Close is called.
func (b *Bus) reconnectWithBackoff() {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		b.mu.Lock()
		err := b.connectLocked(ctx)
		b.mu.Unlock()
		cancel()

		if err == nil {
			b.logger.Info("event bus reconnected")
			return
		}
		b.logger.Warn("event bus reconnect failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-b.reconnectStop:
			return
		}
	}
}

// Topic returns the MQTT topic for a stream id: "{TopicPrefix}/{streamID}".
func (b *Bus) Topic(streamID string) string {
	return b.cfg.TopicPrefix + "/" + streamID
}

// Publish sends payload (already-serialized JSON) to the stream's topic.
// On any failure — not connected, publish timeout, broker error — the
// failure is logged and swallowed; the caller never sees an error.
func (b *Bus) Publish(streamID string, payload []byte) {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.mu.Unlock()

	if !connected || client == nil {
		b.logger.Debug("event bus publish skipped, not connected", "stream_id", streamID)
		return
	}

	topic := b.Topic(streamID)
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		b.logger.Warn("event bus publish timeout", "stream_id", streamID, "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("event bus publish failed", "stream_id", streamID, "topic", topic, "error", err)
	}
}

// Close disconnects from the broker and stops any in-flight reconnect loop.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.reconnectStop:
	default:
		close(b.reconnectStop)
	}
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.connected = false
}
