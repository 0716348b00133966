package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/pkg/retryx"
)

// Handler processes one record body. Returning an error retries the record
// in place; errors wrapping domain.ErrInvalidArgument mark the record as
// poison, which is logged and dropped rather than redelivered forever.
type Handler func(ctx context.Context, key string, value []byte) error

// Consumer is a group consumer that processes one record at a time and
// commits only after the handler returns, giving prefetch-1 semantics with
// redelivery of unacked records after a crash.
type Consumer struct {
	client  *kgo.Client
	topic   string
	groupID string
	handler Handler
}

// NewConsumer constructs a Consumer for one topic and group.
func NewConsumer(ctx context.Context, brokers []string, topic, groupID string, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.new_consumer: missing required group ID")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(2*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_consumer: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Consumer{client: client, topic: topic, groupID: groupID, handler: handler}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer started", slog.String("topic", c.topic), slog.String("group_id", c.groupID))
	for {
		fetches := c.client.PollRecords(ctx, 1)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("consumer stopping", slog.String("topic", c.topic))
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			continue
		}

		var failed bool
		fetches.EachRecord(func(record *kgo.Record) {
			if failed {
				return
			}
			if err := c.process(ctx, record); err != nil {
				// Leave the offset uncommitted; the record comes back after
				// restart or rebalance.
				slog.Error("record processing failed, leaving unacked",
					slog.String("topic", record.Topic),
					slog.String("key", string(record.Key)),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				failed = true
				return
			}
			if err := c.client.CommitRecords(ctx, record); err != nil {
				slog.Error("offset commit failed",
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
		})
		if failed {
			// Brief pause so a persistently failing dependency does not spin.
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// process runs the handler with a bounded in-place retry. Malformed payloads
// (ErrInvalidArgument) are logged and acked so a poison message cannot wedge
// the partition.
func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	err := retryx.Do(ctx, retryx.Publish, func() error {
		return c.handler(ctx, string(record.Key), record.Value)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidArgument) {
		slog.Error("dropping poison message",
			slog.String("topic", record.Topic),
			slog.String("key", string(record.Key)),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return nil
	}
	return err
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
