package queue

import (
	"context"
	"fmt"

	"github.com/fpang/photo-batch-pipeline/internal/shard"
)

// ShardSet fans messages out over a fixed set of shard queues. Messages with
// the same routing key always land on the same queue, which is what keeps all
// events of one upload session on one consumer.
type ShardSet struct {
	queues []Queue
}

// NewShardSet wraps an ordered list of shard queues. The order must match the
// deployment's queue list; reordering changes routing.
func NewShardSet(queues []Queue) (*ShardSet, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("shard set requires at least one queue")
	}
	return &ShardSet{queues: queues}, nil
}

// Count returns the number of shards.
func (s *ShardSet) Count() int {
	return len(s.queues)
}

// Send routes one message to the shard owning the routing key.
func (s *ShardSet) Send(ctx context.Context, routingKey string, msg any) error {
	idx := shard.Route(routingKey, len(s.queues))
	if err := s.queues[idx].Send(ctx, msg); err != nil {
		return fmt.Errorf("shard %d: %w", idx, err)
	}
	return nil
}
