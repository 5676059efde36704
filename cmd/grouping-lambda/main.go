// Package main provides the grouping Lambda entry point (processing phase 1).
//
// Triggered by the work queue. For each grouping job it fans out proxy
// generation over the session's items, invokes the clustering collaborator,
// and dispatches one transform job per resulting group onto the transform
// queue. Proxy generation decodes and resizes images, so this Lambda runs
// with more memory than the control-plane functions.
//
// Memory: 1 GB
// Timeout: 10 minutes
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/collab"
	"github.com/fpang/photo-batch-pipeline/internal/grouping"
	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/notify"
)

var coldStart = true

var pipeline *grouping.Pipeline

func init() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	sessionStore := lambdaboot.InitDynamo(awsClients.Config, "DYNAMO_TABLE_NAME")
	s3s := lambdaboot.InitS3(awsClients.Config, "PROXY_BUCKET_NAME")

	clustererArn := os.Getenv("CLUSTERER_FUNCTION_ARN")
	if clustererArn == "" {
		log.Fatal().Msg("CLUSTERER_FUNCTION_ARN environment variable is required")
	}
	clusterer := collab.NewLambdaClusterer(lambdaboot.InitLambdaInvoke(awsClients.Config), clustererArn)

	transformQueueURL := os.Getenv("TRANSFORM_QUEUE_URL")
	transformQueue := lambdaboot.InitQueue(awsClients.Config, transformQueueURL)

	eventBus := os.Getenv("EVENT_BUS_NAME")
	notifier := notify.NewNotifier(lambdaboot.InitEventBridge(awsClients.Config), eventBus)

	pipeline = grouping.NewPipeline(
		sessionStore,
		collab.NewS3ProxyGenerator(s3s.Client, s3s.Bucket),
		clusterer,
		transformQueue,
		notifier,
	)

	lambdaboot.StartupLog("grouping-lambda", initStart).
		DynamoTable("sessions", os.Getenv("DYNAMO_TABLE_NAME")).
		S3Bucket("proxies", s3s.Bucket).
		SQSQueue("transform", transformQueueURL).
		LambdaFunc("clusterer", clustererArn).
		EventBus("notifications", eventBus).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, sqsEvent events.SQSEvent) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "grouping-lambda").Msg("Cold start — first invocation")
	}

	for _, record := range sqsEvent.Records {
		decoded, err := message.Decode([]byte(record.Body))
		if err != nil {
			log.Error().Err(err).Str("messageId", record.MessageId).Msg("Undecodable work message")
			return err
		}
		msg, ok := decoded.(message.GroupingJobMessage)
		if !ok {
			return fmt.Errorf("unexpected message variant %T on work queue", decoded)
		}
		if err := pipeline.Run(ctx, &msg); err != nil {
			log.Error().Err(err).Str("jobId", msg.JobID).Msg("Grouping run failed")
			return err
		}
	}
	return nil
}
