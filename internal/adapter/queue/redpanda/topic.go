package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Pipeline topics. Messages are keyed by job_id so per-job ordering holds
// within a partition.
const (
	TopicScripts = "scripts"
	TopicVideo   = "video"
	TopicPublish = "publish"
)

// GroupRenderWorkers is the render-worker consumer group. The queue monitor
// measures backlog as this group's lag on the video topic, so probe and
// consumer must agree on the name.
const GroupRenderWorkers = "rabbitreels-render-workers"

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// "already exists" as success so every binary can ensure its topics on boot.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)),
			slog.Int("replication_factor", int(replicationFactor)))
	}
	return nil
}

// EnsureTopics creates the three pipeline topics if missing.
func EnsureTopics(ctx context.Context, brokers []string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=queue.ensure_topics: %w", err)
	}
	defer client.Close()
	for _, topic := range []string{TopicScripts, TopicVideo, TopicPublish} {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			return fmt.Errorf("op=queue.ensure_topics: %s: %w", topic, err)
		}
	}
	return nil
}
