// Package redpanda provides the message-bus adapters for the scripts, video,
// and publish pipeline topics.
//
// Delivery is at-least-once: the producer is idempotent with acks-all, and
// consumers commit offsets only after their handler returns, so duplicate
// deliveries are possible and every consumer must be idempotent on job_id.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Producer publishes pipeline messages keyed by job_id.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer and ensures the pipeline topics exist.
func NewProducer(ctx context.Context, brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_producer: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_producer: %w", err)
	}

	for _, topic := range []string{TopicScripts, TopicVideo, TopicPublish} {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return &Producer{client: client}, nil
}

// PublishPrompt sends a prompt to the scripts topic.
func (p *Producer) PublishPrompt(ctx domain.Context, payload domain.PromptJob) error {
	return p.publish(ctx, TopicScripts, payload.JobID, payload)
}

// PublishDialog sends a generated script to the video topic.
func (p *Producer) PublishDialog(ctx domain.Context, payload domain.DialogJob) error {
	return p.publish(ctx, TopicVideo, payload.JobID, payload)
}

// PublishRender sends a rendered artifact to the publish topic.
func (p *Producer) PublishRender(ctx domain.Context, payload domain.PublishJob) error {
	return p.publish(ctx, TopicPublish, payload.JobID, payload)
}

func (p *Producer) publish(ctx domain.Context, topic, jobID string, payload any) error {
	if jobID == "" {
		return fmt.Errorf("op=queue.publish: job id empty: %w", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(jobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(jobID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.publish: topic %s: %w", topic, err)
	}
	slog.Debug("message published", slog.String("topic", topic), slog.String("job_id", jobID))
	return nil
}

// Ping verifies broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
