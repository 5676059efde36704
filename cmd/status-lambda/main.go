// Package main provides the status facade Lambda entry point.
//
// A lightweight HTTP Lambda behind API Gateway serving job progress reads
// and the cancellation endpoint:
//
//   - GET  /jobs/{id}?offset&limit — status, progress counters, item page
//   - POST /jobs/{id}/cancel      — cooperative cancellation
//   - GET  /health
//
// Memory: 128 MB
// Timeout: 10 seconds
package main

import (
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"

	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/status"
)

var api *status.API

func init() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	sessionStore := lambdaboot.InitDynamo(awsClients.Config, "DYNAMO_TABLE_NAME")
	api = status.NewAPI(sessionStore)

	lambdaboot.StartupLog("status-lambda", initStart).
		DynamoTable("sessions", os.Getenv("DYNAMO_TABLE_NAME")).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(api.Router())
	lambda.Start(adapter.ProxyWithContext)
}
