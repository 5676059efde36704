// Package lambdaboot provides shared Lambda cold-start bootstrap logic.
//
// Every Lambda in the pipeline needs some subset of: AWS config, S3,
// DynamoDB, SQS, EventBridge, SSM parameter fetch, and startup logging. This
// package extracts the common init patterns so each Lambda's init() is a
// short composition of helpers.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/queue"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds S3 client, presigner, and bucket name.
type S3Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitS3 creates an S3 client, presigner, and reads the bucket name from the
// given environment variable. Fatals if the env var is empty.
func InitS3(cfg aws.Config, bucketEnvVar string) S3Clients {
	client := s3.NewFromConfig(cfg)
	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		log.Fatal().Str("envVar", bucketEnvVar).Msg("Bucket environment variable is required")
	}
	return S3Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
	}
}

// InitDynamo creates a DynamoDB job store from the given config and table
// name environment variable. Fatals if the env var is empty.
func InitDynamo(cfg aws.Config, tableEnvVar string) *store.DynamoStore {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Fatal().Str("envVar", tableEnvVar).Msg("DynamoDB table environment variable is required")
	}
	ddbClient := dynamodb.NewFromConfig(cfg)
	return store.NewDynamoStore(ddbClient, tableName)
}

// InitQueue creates an SQS-backed queue for the given URL. Fatals if the URL
// is empty.
func InitQueue(cfg aws.Config, queueURL string) *queue.SQSQueue {
	if queueURL == "" {
		log.Fatal().Msg("Queue URL is required")
	}
	return queue.NewSQSQueue(sqs.NewFromConfig(cfg), queueURL)
}

// InitShardSet creates the shard queue fan-out from an ordered list of queue
// URLs. One SQS client is shared across all shard queues.
func InitShardSet(cfg aws.Config, queueURLs []string) *queue.ShardSet {
	client := sqs.NewFromConfig(cfg)
	queues := make([]queue.Queue, len(queueURLs))
	for i, url := range queueURLs {
		queues[i] = queue.NewSQSQueue(client, url)
	}
	set, err := queue.NewShardSet(queues)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build shard set")
	}
	return set
}

// InitEventBridge creates an EventBridge client for job notifications.
func InitEventBridge(cfg aws.Config) *eventbridge.Client {
	return eventbridge.NewFromConfig(cfg)
}

// InitLambdaInvoke creates a Lambda client for invoking collaborator functions.
func InitLambdaInvoke(cfg aws.Config) *lambda.Client {
	return lambda.NewFromConfig(cfg)
}

// LoadLedgerKey fetches the ledger service API key from SSM Parameter Store
// if not already set via LEDGER_API_KEY. Returns the key, or "" (with a
// warning) when compensation is not configured; a missing key must not take
// a Lambda down at init.
func LoadLedgerKey(ssmClient *ssm.Client) string {
	if key := os.Getenv("LEDGER_API_KEY"); key != "" {
		return key
	}
	paramName := logging.EnvOrDefault("SSM_LEDGER_KEY_PARAM", "/photo-batch-pipeline/prod/ledger-api-key")

	ssmStart := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Warn().Err(err).Str("param", paramName).Msg("Ledger API key not found in SSM, compensation disabled")
		return ""
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Ledger API key loaded from SSM")
	return *result.Parameter.Value
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
