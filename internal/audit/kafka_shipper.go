package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

// messageWriter is the subset of *kafka.Writer the shipper uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaShipper publishes committed entries to a Kafka topic, keyed by tenant
// so one tenant's events stay ordered within a partition.
type KafkaShipper struct {
	topic  string
	writer messageWriter
}

// NewKafkaShipper creates a synchronous producer for cfg.Topic.
func NewKafkaShipper(cfg *config.AuditKafkaConfig) (*KafkaShipper, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  retries,
		BatchTimeout: time.Duration(cfg.BatchMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaShipper{topic: cfg.Topic, writer: w}, nil
}

// Ship publishes one entry.
func (ks *KafkaShipper) Ship(ctx context.Context, entry *models.AuditLogEntry) error {
	ctx, span := telemetry.Tracer().Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", ks.topic),
	)
	defer span.End()

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(entry.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(entry.Category + "." + entry.Action)},
			{Key: "audit_log_id", Value: []byte(strconv.FormatInt(entry.ID, 10))},
		},
	}
	if err := ks.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (ks *KafkaShipper) Close() error {
	if ks.writer == nil {
		return nil
	}
	return ks.writer.Close()
}
