// Package main provides the upload aggregator Lambda entry point.
//
// Triggered by one shard queue. Object messages accumulate idempotently on
// the session record; trigger messages drive the completion-detection
// protocol: anchor the completion marker, wait out the grace period via
// delayed re-enqueue, then create the grouping job exactly once and hand it
// to the work queue.
//
// Memory: 256 MB
// Timeout: 1 minute
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/aggregate"
	"github.com/fpang/photo-batch-pipeline/internal/config"
	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/message"
)

var coldStart = true

var handlerImpl *aggregate.Handler

func init() {
	initStart := time.Now()
	logging.Init()

	aggCfg, err := config.LoadAggregator()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid aggregator configuration")
	}

	awsClients := lambdaboot.InitAWS()
	sessionStore := lambdaboot.InitDynamo(awsClients.Config, "DYNAMO_TABLE_NAME")
	shardQueue := lambdaboot.InitQueue(awsClients.Config, aggCfg.ShardQueueURL)
	workQueue := lambdaboot.InitQueue(awsClients.Config, aggCfg.WorkQueueURL)

	groupingEnabled := os.Getenv("GROUPING_ENABLED") != "false"

	handlerImpl = aggregate.NewHandler(sessionStore, shardQueue, workQueue, aggCfg.GracePeriod, groupingEnabled)

	lambdaboot.StartupLog("aggregator-lambda", initStart).
		DynamoTable("sessions", os.Getenv("DYNAMO_TABLE_NAME")).
		SQSQueue("shard", aggCfg.ShardQueueURL).
		SQSQueue("work", aggCfg.WorkQueueURL).
		Config("gracePeriod", aggCfg.GracePeriod.String()).
		Feature("grouping", groupingEnabled).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, sqsEvent events.SQSEvent) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "aggregator-lambda").Msg("Cold start — first invocation")
	}

	for _, record := range sqsEvent.Records {
		decoded, err := message.Decode([]byte(record.Body))
		if err != nil {
			// Unknown or malformed messages are parked for the DLQ, not
			// retried forever.
			log.Error().Err(err).Str("messageId", record.MessageId).Msg("Undecodable shard message")
			return err
		}

		switch msg := decoded.(type) {
		case message.ObjectMessage:
			err = handlerImpl.HandleObject(ctx, &msg)
		case message.TriggerMessage:
			err = handlerImpl.HandleTrigger(ctx, &msg)
		default:
			err = fmt.Errorf("unexpected message variant %T on shard queue", decoded)
		}
		if err != nil {
			log.Error().Err(err).Str("messageId", record.MessageId).Msg("Shard message failed")
			return err
		}
	}
	return nil
}
