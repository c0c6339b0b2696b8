package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// LogSink writes action requests to the log. Used when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Enqueue logs req.
func (s *LogSink) Enqueue(_ context.Context, req Request) error {
	s.logger.Info("action requested",
		"request_id", req.ID,
		"alert_id", req.AlertID,
		"action_id", req.ActionID,
		"connector_type", req.ConnectorType,
		"rule_id", req.RuleInstanceID,
		"execution_id", req.ExecutionID,
	)
	return nil
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
	RequiredAcks int
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes action requests to a Kafka topic, keyed by alert id so
// every action of an alert lands on the same partition.
type KafkaSink struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaSink creates a sink backed by a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka action sink initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
	)
	return &KafkaSink{writer: writer, logger: logger}, nil
}

// Enqueue writes req as JSON. The request id travels as a header.
func (s *KafkaSink) Enqueue(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal action request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.AlertID.String()),
		Value: data,
		Time:  req.ScheduledAt,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(req.ID.String())},
			{Key: "connector_type", Value: []byte(req.ConnectorType)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write action request: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// msgPublisher is the subset of *nats.Conn the sink uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes action requests to a NATS subject. The request id is
// sent as Nats-Msg-Id so JetStream streams deduplicate redeliveries.
type NATSSink struct {
	conn    msgPublisher
	subject string
	closer  func()
}

// NewNATSSink connects to url and publishes to subject.
func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats: subject is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("detection-engine"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &NATSSink{
		conn:    conn,
		subject: subject,
		closer: func() {
			_ = conn.Drain()
		},
	}, nil
}

// Enqueue publishes req as JSON.
func (s *NATSSink) Enqueue(_ context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nats: failed to marshal action request: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, req.ID.String())
	msg.Header.Set("Connector-Type", req.ConnectorType)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish action request: %w", err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if s.closer != nil {
		s.closer()
	}
}
