// Package main provides the transform Lambda entry point (processing phase 2).
//
// Triggered by the transform queue, one message per approved group. The
// worker resumes from recorded item states, so a re-delivered message after
// a timeout or crash picks up where the previous run stopped instead of
// redoing settled work. On total failure the ledger debit recorded at job
// creation is reversed.
//
// Memory: 512 MB
// Timeout: 15 minutes
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
	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/ledger"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/notify"
	"github.com/fpang/photo-batch-pipeline/internal/pipeline"
)

var coldStart = true

var worker *pipeline.Worker

func init() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	sessionStore := lambdaboot.InitDynamo(awsClients.Config, "DYNAMO_TABLE_NAME")
	s3s := lambdaboot.InitS3(awsClients.Config, "RESULTS_BUCKET_NAME")

	transformerArn := os.Getenv("TRANSFORMER_FUNCTION_ARN")
	if transformerArn == "" {
		log.Fatal().Msg("TRANSFORMER_FUNCTION_ARN environment variable is required")
	}
	transformer := collab.NewLambdaTransformer(lambdaboot.InitLambdaInvoke(awsClients.Config), transformerArn)

	// Compensation is optional: without a ledger key the worker still
	// settles jobs, it just cannot reverse debits.
	var reverser pipeline.Reverser
	ledgerURL := os.Getenv("LEDGER_BASE_URL")
	if ledgerURL != "" {
		if key := lambdaboot.LoadLedgerKey(awsClients.SSM); key != "" {
			reverser = ledger.NewClient(ledgerURL, key)
		}
	}

	manifests, err := pipeline.NewS3ManifestWriter(s3s.Client, s3s.Bucket)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create manifest writer")
	}

	eventBus := os.Getenv("EVENT_BUS_NAME")
	notifier := notify.NewNotifier(lambdaboot.InitEventBridge(awsClients.Config), eventBus)

	worker = pipeline.NewWorker(sessionStore, transformer, reverser, manifests, notifier)

	lambdaboot.StartupLog("transform-lambda", initStart).
		DynamoTable("sessions", os.Getenv("DYNAMO_TABLE_NAME")).
		S3Bucket("results", s3s.Bucket).
		LambdaFunc("transformer", transformerArn).
		Config("ledgerBaseUrl", ledgerURL).
		EventBus("notifications", eventBus).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, sqsEvent events.SQSEvent) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "transform-lambda").Msg("Cold start — first invocation")
	}

	for _, record := range sqsEvent.Records {
		decoded, err := message.Decode([]byte(record.Body))
		if err != nil {
			log.Error().Err(err).Str("messageId", record.MessageId).Msg("Undecodable transform message")
			return err
		}
		msg, ok := decoded.(message.TransformJobMessage)
		if !ok {
			return fmt.Errorf("unexpected message variant %T on transform queue", decoded)
		}
		if err := worker.Run(ctx, &msg); err != nil {
			log.Error().Err(err).Str("jobId", msg.JobID).Msg("Transform run failed")
			return err
		}
	}
	return nil
}
