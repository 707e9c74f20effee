package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"licensegate/internal/config"
	"licensegate/internal/license"
)

// PurchaseEvent is the message published on the purchases topic.
type PurchaseEvent struct {
	SaleID   string `json:"saleId"`
	Identity string `json:"identity"`
}

// EventHandler processes one purchase event.
type EventHandler interface {
	HandlePurchaseEvent(ctx context.Context, saleID, identity string) (Receipt, error)
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds purchase events from Kafka into an EventHandler. Offsets
// are committed only after the handler succeeds or the message is
// rejected as unprocessable.
type Consumer struct {
	reader     messageReader
	handler    EventHandler
	log        *license.ActionLogger
	newBackOff func() backoff.BackOff
}

// NewKafkaConsumer creates a consumer-group reader for cfg.Topic.
func NewKafkaConsumer(cfg config.KafkaConfig, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(reader, handler, logger), nil
}

func newConsumer(reader messageReader, handler EventHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		handler: handler,
		log:     license.NewActionLogger(logger, "purchase_consumer"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch purchase event: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit purchase event: %w", err)
		}
	}
}

// handle processes msg, retrying transient failures until ctx ends.
// Unprocessable messages are logged and skipped.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var event PurchaseEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.log.Error(ctx, "consume", "Skipping undecodable purchase event",
			slog.Int64("offset", msg.Offset),
			slog.Int("partition", msg.Partition),
			slog.String("error", err.Error()),
		)
		return nil
	}

	op := func() error {
		_, err := c.handler.HandlePurchaseEvent(ctx, event.SaleID, event.Identity)
		if errors.Is(err, ErrInvalidPurchase) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn(ctx, "consume", "Purchase event failed, retrying",
			slog.String("sale_id", event.SaleID),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	if errors.Is(err, ErrInvalidPurchase) {
		c.log.Error(ctx, "consume", "Skipping invalid purchase event",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
