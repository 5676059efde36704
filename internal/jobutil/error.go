// Package jobutil provides shared helpers for job lifecycle operations used
// by the grouping and transform handlers.
package jobutil

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// FailJob logs the error and moves the job to failed with a human-readable
// reason, guarded so a job already terminal (completed, cancelled) is left
// untouched. The lost-race case is reported as success: some other actor
// already settled the job.
func FailJob(ctx context.Context, st store.Store, tenantID, jobID, reason string) error {
	log.Error().
		Str("tenantId", tenantID).
		Str("jobId", jobID).
		Str("error", reason).
		Msg("Job failed")

	status := store.JobFailed
	err := st.UpdateJob(ctx, tenantID, jobID, store.JobPatch{
		Status:   &status,
		StatusIf: []string{store.JobPending, store.JobProcessing},
		Reason:   &reason,
	})
	if errors.Is(err, store.ErrConditionFailed) {
		log.Debug().Str("jobId", jobID).Msg("Job already terminal, failure not recorded")
		return nil
	}
	return err
}
