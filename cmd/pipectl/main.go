// Package main provides pipectl, the operator CLI for the pipeline.
//
// pipectl talks to the job store and queues directly with the caller's AWS
// credentials. It covers the operational loop the status API does not:
// inspecting a job in the terminal, cancelling it, and re-enqueueing a
// resumable transform job after its failure cause is fixed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/photo-batch-pipeline/internal/lambdaboot"
	"github.com/fpang/photo-batch-pipeline/internal/logging"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/pipeline"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// CLI flags
var (
	tenantFlag  string
	tableFlag   string
	sessionFlag string
	queueFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "Operator tooling for the photo batch pipeline",
	Long: `pipectl inspects and manages pipeline jobs directly against the job store.

Examples:
  pipectl status --tenant t1 grp-session-42
  pipectl status --tenant t1 --session session-42
  pipectl cancel --tenant t1 tf-pg_8c1f...
  pipectl requeue --tenant t1 --queue https://sqs.../transform tf-pg_8c1f...`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant id (required)")
	rootCmd.PersistentFlags().StringVar(&tableFlag, "table", "", "DynamoDB table name (defaults to DYNAMO_TABLE_NAME)")
	rootCmd.MarkPersistentFlagRequired("tenant")

	statusCmd.Flags().StringVar(&sessionFlag, "session", "", "List all jobs for a session instead of one job")
	requeueCmd.Flags().StringVar(&queueFlag, "queue", "", "Transform queue URL (defaults to TRANSFORM_QUEUE_URL)")

	rootCmd.AddCommand(statusCmd, cancelCmd, requeueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore builds the DynamoDB store from flags and environment.
func openStore() *store.DynamoStore {
	if tableFlag != "" {
		os.Setenv("DYNAMO_TABLE_NAME", tableFlag)
	}
	awsClients := lambdaboot.InitAWS()
	return lambdaboot.InitDynamo(awsClients.Config, "DYNAMO_TABLE_NAME")
}

var statusCmd = &cobra.Command{
	Use:   "status [jobID]",
	Short: "Show a job's status and progress, or all jobs for a session",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init()
		st := openStore()
		ctx := context.Background()

		if sessionFlag != "" {
			jobs, err := st.QueryJobsBySession(ctx, tenantFlag, sessionFlag)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to list session jobs")
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs for session", sessionFlag)
				return
			}
			for _, job := range jobs {
				printJob(job)
			}
			return
		}

		if len(args) == 0 {
			log.Fatal().Msg("Provide a job id or --session")
		}
		job, err := st.GetJob(ctx, tenantFlag, args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load job")
		}
		if job == nil {
			log.Fatal().Str("jobId", args[0]).Msg("Job not found")
		}
		printJob(job)

		states, err := st.GetItemStates(ctx, tenantFlag, args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load item states")
		}
		for _, s := range states {
			line := fmt.Sprintf("  %-40s %-10s attempts=%d", s.Ref, s.Status, s.Attempts)
			if s.Error != "" {
				line += "  error=" + s.Error
			}
			fmt.Println(line)
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <jobID>",
	Short: "Cancel a pending or processing job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init()
		st := openStore()
		ctx := context.Background()

		cancelled := store.JobCancelled
		err := st.UpdateJob(ctx, tenantFlag, args[0], store.JobPatch{
			Status:   &cancelled,
			StatusIf: []string{store.JobPending, store.JobProcessing},
		})
		if errors.Is(err, store.ErrConditionFailed) {
			job, getErr := st.GetJob(ctx, tenantFlag, args[0])
			if getErr != nil || job == nil {
				log.Fatal().Str("jobId", args[0]).Msg("Job not found")
			}
			fmt.Printf("job %s is already %s\n", args[0], job.Status)
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to cancel job")
		}
		fmt.Printf("job %s cancelled\n", args[0])
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <jobID>",
	Short: "Re-enqueue a resumable transform job",
	Long: `Re-enqueue retries a failed-but-resumable job after the failure cause is
fixed: failed items move back to pending with a fresh attempt budget,
completed items keep their results, and a new transform message is sent.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init()
		st := openStore()
		ctx := context.Background()

		job, err := st.GetJob(ctx, tenantFlag, args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load job")
		}
		if job == nil {
			log.Fatal().Str("jobId", args[0]).Msg("Job not found")
		}
		if job.Type != store.JobTypeTransform {
			log.Fatal().Str("type", job.Type).Msg("Only transform jobs can be re-enqueued")
		}

		queueURL := queueFlag
		if queueURL == "" {
			queueURL = os.Getenv("TRANSFORM_QUEUE_URL")
		}
		if queueURL == "" {
			log.Fatal().Msg("Provide --queue or TRANSFORM_QUEUE_URL")
		}

		memberRefs, err := pipeline.PrepareRequeue(ctx, st, job)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare job for requeue")
		}

		awsClients := lambdaboot.InitAWS()
		q := lambdaboot.InitQueue(awsClients.Config, queueURL)
		err = q.Send(ctx, &message.TransformJobMessage{
			TenantID:      tenantFlag,
			SessionID:     job.SessionID,
			JobID:         job.ID,
			GroupID:       job.GroupID,
			MemberRefs:    memberRefs,
			LedgerEntryID: job.LedgerEntryID,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to enqueue transform message")
		}
		fmt.Printf("job %s re-enqueued with %d items\n", job.ID, len(memberRefs))
	},
}

func printJob(job *store.Job) {
	progress, _ := json.Marshal(job.Progress())
	fmt.Printf("%-32s %-10s %-10s %s\n", job.ID, job.Type, job.Status, progress)
	if job.Reason != "" {
		fmt.Printf("  reason: %s\n", job.Reason)
	}
	if job.ResultManifestKey != "" {
		fmt.Printf("  manifest: %s\n", job.ResultManifestKey)
	}
	if job.CreatedAt > 0 {
		fmt.Printf("  created: %s\n", time.Unix(job.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
}
