// Package shard maps arriving upload notifications onto one of N parallel
// queues. The mapping is a content-derived hash over the tenant-qualified
// session id, so all traffic for one upload session lands on the same shard
// and keeps its ordering affinity even though the queues themselves give no
// global order.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Key builds the tenant-qualified affinity key for a notification. Sessions
// hash by session id; notifications without one fall back to the object key.
func Key(tenantID, sessionID, objectKey string) string {
	if sessionID != "" {
		return tenantID + ":" + sessionID
	}
	return tenantID + ":" + objectKey
}

// Route returns the shard index for the given affinity key. Deterministic:
// the same key always routes to the same shard for a fixed shardCount.
func Route(key string, shardCount int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}

// ValidateShardConfig checks the deployment invariant that the configured
// shard count matches the number of shard queues. A mismatch is a fatal
// configuration error: per-session affinity would silently break.
func ValidateShardConfig(shardCount, queueCount int) error {
	if shardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	if shardCount != queueCount {
		return fmt.Errorf("shard count %d does not match shard queue count %d", shardCount, queueCount)
	}
	return nil
}
