// Package main provides the shard router Lambda entry point.
//
// Triggered by S3 ObjectCreated events on the upload bucket. Each event is
// normalized into a typed queue message and routed to one of N shard queues
// by a hash of the tenant-qualified session id, so every message for one
// upload session lands on the same shard. An object whose key ends in
// ".upload-complete" is the uploader's completion marker and produces a
// trigger message instead of an object message.
//
// Memory: 128 MB
// Timeout: 30 seconds
package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/config"
	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/metrics"
	"github.com/fpang/photo-batch-pipeline/internal/queue"
	"github.com/fpang/photo-batch-pipeline/internal/shard"
)

// completionMarkerSuffix marks the last object the uploader writes for a
// session.
const completionMarkerSuffix = ".upload-complete"

var coldStart = true

// Initialized at cold start.
var (
	shardSet   *queue.ShardSet
	shardCount int
)

func init() {
	initStart := time.Now()
	logging.Init()

	routerCfg, err := config.LoadRouter()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid router configuration")
	}
	shardCount = routerCfg.ShardCount

	awsClients := lambdaboot.InitAWS()
	shardSet = lambdaboot.InitShardSet(awsClients.Config, routerCfg.ShardQueueURLs)

	startup := lambdaboot.StartupLog("router-lambda", initStart).
		Config("shardCount", fmt.Sprintf("%d", shardCount))
	for i, u := range routerCfg.ShardQueueURLs {
		startup = startup.SQSQueue(fmt.Sprintf("shard%d", i), u)
	}
	startup.Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, s3Event events.S3Event) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "router-lambda").Msg("Cold start — first invocation")
	}

	for _, record := range s3Event.Records {
		if err := routeRecord(ctx, record); err != nil {
			// Fail the whole batch so S3 redelivers it; routing is
			// idempotent downstream.
			return err
		}
	}
	return nil
}

func routeRecord(ctx context.Context, record events.S3EventRecord) error {
	bucket := record.S3.Bucket.Name
	// S3 event keys arrive URL-encoded.
	key, err := url.QueryUnescape(record.S3.Object.Key)
	if err != nil {
		key = record.S3.Object.Key
	}

	tenantID, sessionID, err := parseObjectKey(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Unroutable object key skipped")
		return nil
	}

	occurredAt := record.EventTime
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	var msg any
	if strings.HasSuffix(key, completionMarkerSuffix) {
		msg = &message.TriggerMessage{
			TenantID:   tenantID,
			SessionID:  sessionID,
			OccurredAt: occurredAt,
		}
	} else {
		msg = &message.ObjectMessage{
			Bucket:     bucket,
			ObjectKey:  key,
			TenantID:   tenantID,
			SessionID:  sessionID,
			OccurredAt: occurredAt,
		}
	}

	routingKey := shard.Key(tenantID, sessionID, key)
	if err := shardSet.Send(ctx, routingKey, msg); err != nil {
		return fmt.Errorf("route %s: %w", key, err)
	}

	log.Debug().
		Str("key", key).
		Str("sessionId", sessionID).
		Int("shard", shard.Route(routingKey, shardCount)).
		Msg("Notification routed")

	metrics.ForPhase("router").
		Count("RoutedNotifications").
		Property("sessionId", sessionID).
		Flush()
	return nil
}

// parseObjectKey extracts tenant and session from the upload key layout
// {tenantId}/{sessionId}/{filename}.
func parseObjectKey(key string) (tenantID, sessionID string, err error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("key %q does not match {tenant}/{session}/{file}", key)
	}
	return parts[0], parts[1], nil
}
