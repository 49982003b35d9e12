// Package ingest consumes KPI update streams from Kafka and feeds them
// onto the in-process bus for rule evaluation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/proppulse/backend/internal/config"
	"github.com/proppulse/backend/internal/logger"
	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/pubsub"
)

// Consumer reads KPI updates from a Kafka topic as part of a consumer
// group and publishes them to the bus. Offsets are committed after the
// message is handed off, so a crash re-delivers at-least-once.
type Consumer struct {
	reader *kafka.Reader
	bus    *pubsub.Bus
	log    zerolog.Logger
}

func NewConsumer(cfg config.KafkaConfig, bus *pubsub.Bus) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
		}),
		bus: bus,
		log: logger.WithComponent("ingest"),
	}
}

// Run blocks until ctx is cancelled, consuming one message at a time.
// Malformed payloads are logged and skipped, never retried.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info().Str("topic", c.reader.Config().Topic).Msg("kafka consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		var u models.KPIUpdate
		if err := json.Unmarshal(msg.Value, &u); err != nil {
			metrics.KPIUpdatesTotal.WithLabelValues("unknown", "malformed").Inc()
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed kpi update")
			continue
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = msg.Time
		}
		metrics.KPIUpdatesTotal.WithLabelValues(u.KPIType, "consumed").Inc()
		c.bus.PublishKPIUpdate(u)
	}
}
