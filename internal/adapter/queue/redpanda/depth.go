package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DepthProbe reports queue backlog: end offsets minus the consumer group's
// committed offsets.
type DepthProbe struct {
	client  *kgo.Client
	adm     *kadm.Client
	groupID string
}

// NewDepthProbe constructs a probe against the given group.
func NewDepthProbe(brokers []string, groupID string) (*DepthProbe, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_depth_probe: no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_depth_probe: %w", err)
	}
	return &DepthProbe{client: client, adm: kadm.NewClient(client), groupID: groupID}, nil
}

// Depth returns the unconsumed record count for a topic. A group with no
// commits yet counts the whole topic as backlog.
func (d *DepthProbe) Depth(ctx context.Context, topic string) (int64, error) {
	ends, err := d.adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("op=queue.depth: end offsets: %w", err)
	}
	committed, err := d.adm.FetchOffsets(ctx, d.groupID)
	if err != nil {
		return 0, fmt.Errorf("op=queue.depth: group offsets: %w", err)
	}

	var depth int64
	ends.Each(func(lo kadm.ListedOffset) {
		end := lo.Offset
		var start int64
		if o, ok := committed.Lookup(lo.Topic, lo.Partition); ok {
			start = o.At
		}
		if end > start {
			depth += end - start
		}
	})
	return depth, nil
}

// Close closes the probe.
func (d *DepthProbe) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
