// Package config reads pipeline configuration from the environment and
// validates the cross-cutting startup invariants. Misconfiguration is fatal
// at init, never discovered mid-flight.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/photo-batch-pipeline/internal/queue"
	"github.com/fpang/photo-batch-pipeline/internal/shard"
)

// DefaultGracePeriod is the quiet window after the completion marker before
// the grouping job is created.
const DefaultGracePeriod = 60 * time.Second

// Router holds the shard router's configuration.
type Router struct {
	ShardCount     int
	ShardQueueURLs []string
}

// Aggregator holds the upload aggregator's configuration.
type Aggregator struct {
	GracePeriod   time.Duration
	ShardQueueURL string
	WorkQueueURL  string
}

// LoadRouter reads SHARD_COUNT and SHARD_QUEUE_URLS (comma-separated) and
// enforces that they agree. A mismatch means hash routing would send events
// to queues that do not exist, so it is a hard error.
func LoadRouter() (Router, error) {
	countStr := os.Getenv("SHARD_COUNT")
	if countStr == "" {
		return Router{}, fmt.Errorf("SHARD_COUNT is required")
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return Router{}, fmt.Errorf("SHARD_COUNT %q: %w", countStr, err)
	}

	urls := splitNonEmpty(os.Getenv("SHARD_QUEUE_URLS"))
	if len(urls) == 0 {
		return Router{}, fmt.Errorf("SHARD_QUEUE_URLS is required")
	}

	if err := shard.ValidateShardConfig(count, len(urls)); err != nil {
		return Router{}, err
	}
	return Router{ShardCount: count, ShardQueueURLs: urls}, nil
}

// LoadAggregator reads the aggregator's grace period and queue URLs. The
// grace period must fit within one SQS delivery delay: the trigger re-enqueue
// defers by the remaining grace, and a grace longer than the queue's max
// delay could never be honored.
func LoadAggregator() (Aggregator, error) {
	cfg := Aggregator{
		GracePeriod:   DefaultGracePeriod,
		ShardQueueURL: os.Getenv("SHARD_QUEUE_URL"),
		WorkQueueURL:  os.Getenv("WORK_QUEUE_URL"),
	}

	if v := os.Getenv("GRACE_PERIOD_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Aggregator{}, fmt.Errorf("GRACE_PERIOD_SECONDS %q: %w", v, err)
		}
		cfg.GracePeriod = time.Duration(secs) * time.Second
	}

	if cfg.GracePeriod <= 0 {
		return Aggregator{}, fmt.Errorf("grace period must be positive, got %s", cfg.GracePeriod)
	}
	if cfg.GracePeriod > queue.MaxDelay {
		return Aggregator{}, fmt.Errorf("grace period %s exceeds max queue delivery delay %s", cfg.GracePeriod, queue.MaxDelay)
	}
	if cfg.ShardQueueURL == "" {
		return Aggregator{}, fmt.Errorf("SHARD_QUEUE_URL is required")
	}
	if cfg.WorkQueueURL == "" {
		return Aggregator{}, fmt.Errorf("WORK_QUEUE_URL is required")
	}
	return cfg, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
