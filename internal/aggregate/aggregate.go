// Package aggregate implements the upload-completion detection protocol.
//
// Object notifications for a session arrive out of order, possibly
// duplicated, and there is no reliable "last item" signal other than the
// completion marker the uploader writes last. The aggregator accumulates
// items idempotently, anchors the first marker sighting, and keeps
// re-enqueuing a delayed trigger until a full grace period has passed with
// the marker in place. Only then is the grouping job created, conditionally,
// so concurrent trigger re-deliveries collapse to exactly one job.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/jobs"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/metrics"
	"github.com/fpang/photo-batch-pipeline/internal/queue"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// Handler consumes routed object/trigger messages for the sessions owned by
// one shard.
type Handler struct {
	store      store.Store
	shardQueue queue.Queue
	workQueue  queue.Queue
	grace      time.Duration

	// groupingEnabled is the administrative kill switch. When off, sessions
	// still aggregate but completion writes a terminal placeholder job.
	groupingEnabled bool

	// now is injectable for tests.
	now func() time.Time
}

// NewHandler creates an aggregator. shardQueue must be this consumer's own
// queue; trigger re-enqueues go back through it to preserve session affinity.
func NewHandler(st store.Store, shardQueue, workQueue queue.Queue, grace time.Duration, groupingEnabled bool) *Handler {
	return &Handler{
		store:           st,
		shardQueue:      shardQueue,
		workQueue:       workQueue,
		grace:           grace,
		groupingEnabled: groupingEnabled,
		now:             time.Now,
	}
}

// HandleObject accumulates one object notification. Safe under duplicate and
// out-of-order delivery: the session create and the item append are both
// conditional, so replays are no-ops.
func (h *Handler) HandleObject(ctx context.Context, msg *message.ObjectMessage) error {
	if err := h.ensureSession(ctx, msg.TenantID, msg.SessionID); err != nil {
		return err
	}

	first, err := h.store.AddSessionItem(ctx, &store.SessionItem{
		TenantID:   msg.TenantID,
		SessionID:  msg.SessionID,
		Bucket:     msg.Bucket,
		ObjectKey:  msg.ObjectKey,
		OccurredAt: msg.OccurredAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("accumulate item %s: %w", msg.ObjectKey, err)
	}

	if !first {
		log.Debug().
			Str("sessionId", msg.SessionID).
			Str("objectKey", msg.ObjectKey).
			Msg("Duplicate object notification ignored")
	}
	return nil
}

// HandleTrigger advances the completion-detection protocol by one step.
func (h *Handler) HandleTrigger(ctx context.Context, msg *message.TriggerMessage) error {
	// The marker can land before any object notification is processed.
	if err := h.ensureSession(ctx, msg.TenantID, msg.SessionID); err != nil {
		return err
	}

	session, err := h.store.GetSession(ctx, msg.TenantID, msg.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s vanished mid-trigger", msg.SessionID)
	}

	now := h.now()

	// First sighting of the marker: anchor it and schedule one re-check a
	// full grace period out. Even if no further events arrive, at least one
	// more evaluation is guaranteed.
	if session.CompletionMarkerAt == 0 {
		if _, err := h.store.SetCompletionMarker(ctx, msg.TenantID, msg.SessionID, now.Unix()); err != nil {
			return err
		}
		log.Info().
			Str("tenantId", msg.TenantID).
			Str("sessionId", msg.SessionID).
			Dur("grace", h.grace).
			Msg("Completion marker observed, grace period started")
		return h.requeueTrigger(ctx, msg, h.grace)
	}

	// Inside the grace window: late object events may still be landing.
	// Defer by exactly the remaining grace.
	elapsed := now.Sub(time.Unix(session.CompletionMarkerAt, 0))
	if elapsed < h.grace {
		remaining := h.grace - elapsed
		log.Debug().
			Str("sessionId", msg.SessionID).
			Dur("elapsed", elapsed).
			Dur("remaining", remaining).
			Msg("Grace period still running, trigger deferred")
		return h.requeueTrigger(ctx, msg, remaining)
	}

	// Grace elapsed. A terminal session means a previous trigger already won.
	if session.Status != store.SessionCollecting {
		log.Debug().
			Str("sessionId", msg.SessionID).
			Str("status", session.Status).
			Msg("Session already past collecting, trigger is a no-op")
		return nil
	}

	if !h.groupingEnabled {
		return h.disableSession(ctx, msg, session)
	}
	return h.startGrouping(ctx, msg)
}

// ensureSession conditionally creates the session aggregate; losing the
// creation race is the expected common case.
func (h *Handler) ensureSession(ctx context.Context, tenantID, sessionID string) error {
	err := h.store.CreateSession(ctx, &store.UploadSession{
		TenantID: tenantID,
		ID:       sessionID,
		Status:   store.SessionCollecting,
	})
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return nil
}

// startGrouping transitions the session to processing and creates the
// phase-1 job exactly once.
func (h *Handler) startGrouping(ctx context.Context, msg *message.TriggerMessage) error {
	err := h.store.UpdateSessionStatus(ctx, msg.TenantID, msg.SessionID, store.SessionProcessing, store.SessionCollecting)
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("transition session %s to processing: %w", msg.SessionID, err)
	}

	// Count the actual item records rather than trusting the session
	// counter: the counter bump is a separate write from the item put, so a
	// crash between the two leaves it short.
	items, err := h.store.ListSessionItems(ctx, msg.TenantID, msg.SessionID)
	if err != nil {
		return fmt.Errorf("list session items for %s: %w", msg.SessionID, err)
	}
	total := len(items)

	jobID := jobs.GroupingJobID(msg.SessionID)
	job := &store.Job{
		TenantID:     msg.TenantID,
		ID:           jobID,
		SessionID:    msg.SessionID,
		Type:         store.JobTypeGrouping,
		Status:       store.JobPending,
		TotalCount:   total,
		PendingCount: total,
	}

	created := true
	if err := h.store.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("create grouping job %s: %w", jobID, err)
		}
		created = false
	}

	if created {
		metrics.ForPhase("aggregate").
			Count("GroupingJobCreated").
			Property("sessionId", msg.SessionID).
			Property("itemCount", total).
			Flush()
		log.Info().
			Str("tenantId", msg.TenantID).
			Str("sessionId", msg.SessionID).
			Str("jobId", jobID).
			Int("itemCount", total).
			Msg("Grouping job created")
	}

	// Dispatch the work message whenever the job is still pending. A replay
	// that lost the creation race but found a pending job re-sends; the
	// grouping handler's own status transition absorbs duplicates.
	existing, err := h.store.GetJob(ctx, msg.TenantID, jobID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != store.JobPending {
		return nil
	}

	return h.workQueue.Send(ctx, &message.GroupingJobMessage{
		TenantID:  msg.TenantID,
		SessionID: msg.SessionID,
		JobID:     jobID,
	})
}

// disableSession writes the terminal placeholder so status consumers get a
// deterministic answer rather than silence.
func (h *Handler) disableSession(ctx context.Context, msg *message.TriggerMessage, session *store.UploadSession) error {
	err := h.store.UpdateSessionStatus(ctx, msg.TenantID, msg.SessionID, store.SessionDisabled, store.SessionCollecting)
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("disable session %s: %w", msg.SessionID, err)
	}

	job := &store.Job{
		TenantID:   msg.TenantID,
		ID:         jobs.GroupingJobID(msg.SessionID),
		SessionID:  msg.SessionID,
		Type:       store.JobTypeGrouping,
		Status:     store.JobFailed,
		Reason:     "grouping administratively disabled",
		TotalCount: session.ItemCount,
	}
	if err := h.store.CreateJob(ctx, job); err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("create disabled placeholder job: %w", err)
	}

	log.Warn().
		Str("tenantId", msg.TenantID).
		Str("sessionId", msg.SessionID).
		Msg("Session disabled, placeholder job written")
	return nil
}

func (h *Handler) requeueTrigger(ctx context.Context, msg *message.TriggerMessage, delay time.Duration) error {
	if delay > queue.MaxDelay {
		delay = queue.MaxDelay
	}
	if err := h.shardQueue.SendDelayed(ctx, msg, delay); err != nil {
		return fmt.Errorf("requeue trigger for %s: %w", msg.SessionID, err)
	}
	return nil
}
