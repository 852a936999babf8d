package command

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/multierr"

	"firestige.xyz/ramrod/internal/config"
)

// KafkaCommand is the wire format of commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "node-01",
//	  "command":    "mac_add",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"queue": 0, "mac": "02:00:00:00:00:01"}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`    // Protocol version ("v1")
	Target    string          `json:"target"`     // Node hostname or "*" for broadcast
	Command   string          `json:"command"`    // Command name (e.g., "mac_add")
	Timestamp time.Time       `json:"timestamp"`  // When the command was issued
	RequestID string          `json:"request_id"` // Unique request ID for tracing
	Payload   json.RawMessage `json:"payload"`    // Command-specific parameters
}

// KafkaResponse is published to the response topic for every executed
// command.
type KafkaResponse struct {
	Version   string      `json:"version"`
	Node      string      `json:"node"`
	Command   string      `json:"command"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches them
// to the handler.
type KafkaCommandConsumer struct {
	ccConfig config.CommandChannelConfig
	hostname string // local node hostname for target matching
	reader   messageReader
	writer   messageWriter // nil when no response topic is configured
	handler  Dispatcher
	ttl      time.Duration // command TTL for stale-command rejection
	retry    *backoff.Backoff
}

// NewKafkaCommandConsumer creates a consumer for ccConfig.Kafka.
func NewKafkaCommandConsumer(ccConfig config.CommandChannelConfig, hostname string, handler Dispatcher) (*KafkaCommandConsumer, error) {
	kc := ccConfig.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	dialer, transport, err := kafkaDialer(kc)
	if err != nil {
		return nil, err
	}

	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	default:
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		Dialer:         dialer,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        1 * time.Second,
	})

	var writer messageWriter
	if kc.ResponseTopic != "" {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(kc.Brokers...),
			Topic:                  kc.ResponseTopic,
			Balancer:               &kafka.Hash{},
			Transport:              transport,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}

	return newKafkaConsumer(ccConfig, hostname, reader, writer, handler), nil
}

func newKafkaConsumer(cc config.CommandChannelConfig, hostname string, r messageReader, w messageWriter, handler Dispatcher) *KafkaCommandConsumer {
	ttl := cc.CommandTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KafkaCommandConsumer{
		ccConfig: cc,
		hostname: hostname,
		reader:   r,
		writer:   w,
		handler:  handler,
		ttl:      ttl,
		retry: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

func kafkaDialer(kc config.CommandKafkaConfig) (*kafka.Dialer, *kafka.Transport, error) {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{}

	if kc.SASL.Enabled {
		switch strings.ToUpper(kc.SASL.Mechanism) {
		case "", "PLAIN":
			m := plain.Mechanism{Username: kc.SASL.Username, Password: kc.SASL.Password}
			dialer.SASLMechanism = m
			transport.SASL = m
		default:
			return nil, nil, fmt.Errorf("unsupported sasl mechanism %q", kc.SASL.Mechanism)
		}
	}
	if kc.TLS.Enabled {
		tc, err := tlsConfig(kc.TLS)
		if err != nil {
			return nil, nil, err
		}
		dialer.TLS = tc
		transport.TLS = tc
	}
	return dialer, transport, nil
}

func tlsConfig(c config.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %s: no certificates found", c.CACert)
		}
		tc.RootCAs = pool
	}
	if c.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Start consumes commands until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("kafka command consumer started",
		"brokers", c.ccConfig.Kafka.Brokers,
		"topic", c.ccConfig.Kafka.Topic,
		"response_topic", c.ccConfig.Kafka.ResponseTopic,
		"group_id", c.ccConfig.Kafka.GroupID,
		"hostname", c.hostname,
		"ttl", c.ttl,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				slog.Info("kafka command consumer stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			wait := c.retry.Duration()
			slog.Error("failed to fetch kafka message", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		c.retry.Reset()

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

// processMessage handles one message. Commands for other nodes and stale
// commands are skipped without a response.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		slog.Debug("skipping command not targeting this node",
			"target", kCmd.Target,
			"hostname", c.hostname,
			"request_id", kCmd.RequestID,
		)
		return nil
	}

	if !kCmd.Timestamp.IsZero() && time.Since(kCmd.Timestamp) > c.ttl {
		slog.Warn("skipping stale command",
			"command", kCmd.Command,
			"request_id", kCmd.RequestID,
			"timestamp", kCmd.Timestamp,
			"age", time.Since(kCmd.Timestamp),
			"ttl", c.ttl,
		)
		return nil
	}

	slog.Info("received kafka command",
		"command", kCmd.Command,
		"request_id", kCmd.RequestID,
		"target", kCmd.Target,
		"version", kCmd.Version,
	)

	response := c.handler.Handle(ctx, Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	})

	if err := c.publish(ctx, kCmd, response); err != nil {
		slog.Warn("failed to publish response", "request_id", kCmd.RequestID, "error", err)
	}

	if response.Error != nil {
		return fmt.Errorf("command %s failed: %s", kCmd.Command, response.Error.Message)
	}
	slog.Info("command executed successfully", "method", kCmd.Command, "request_id", kCmd.RequestID)
	return nil
}

func (c *KafkaCommandConsumer) publish(ctx context.Context, kCmd KafkaCommand, resp Response) error {
	if c.writer == nil {
		return nil
	}
	value, err := json.Marshal(KafkaResponse{
		Version:   "v1",
		Node:      c.hostname,
		Command:   kCmd.Command,
		RequestID: kCmd.RequestID,
		Timestamp: time.Now().UTC(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.hostname), Value: value})
}

// Stop closes the reader and writer. It is safe to call more than once.
func (c *KafkaCommandConsumer) Stop() error {
	var errs error
	if c.reader != nil {
		slog.Info("closing kafka command consumer")
		if err := c.reader.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
		}
		c.reader = nil
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
		c.writer = nil
	}
	return errs
}
