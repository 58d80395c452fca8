// Package events publishes executed trades to downstream consumers (OHLC
// aggregation, leaderboards). Delivery is best effort; the store holds the
// authoritative trade record.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/pkg/models"
)

// KafkaPublisher writes trade events to a kafka topic, keyed by market so
// per-market ordering is preserved.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a trade event publisher.
func NewKafkaPublisher(logger *zap.Logger, brokers []string, topic string) *KafkaPublisher {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishTrades emits one message per executed trade.
func (p *KafkaPublisher) PublishTrades(ctx context.Context, trades []*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(trades))
	for _, trade := range trades {
		payload, err := json.Marshal(trade)
		if err != nil {
			return fmt.Errorf("failed to encode trade event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(trade.MarketID.String()),
			Value: payload,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish trade events: %w", err)
	}
	p.logger.Debug("trade events published", zap.Int("count", len(msgs)))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
