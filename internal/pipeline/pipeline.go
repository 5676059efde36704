// Package pipeline implements the second processing phase: the resumable
// per-group transform worker. Each run walks the group's item states,
// skips work that already settled, and processes the remainder in bounded
// concurrency windows with a checkpoint and a cancellation check between
// windows. A run that dies mid-way leaves enough state behind for the next
// delivery of the same message to pick up where it stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/collab"
	"github.com/fpang/photo-batch-pipeline/internal/jobs"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/metrics"
	"github.com/fpang/photo-batch-pipeline/internal/notify"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

const (
	// MaxAttempts is the per-item attempt ceiling across all runs of a job.
	// An operator requeue restores the budget for failed items.
	MaxAttempts = 3

	// DefaultPoolSize bounds the number of concurrent transform invocations.
	DefaultPoolSize = 5

	stepFetch     = "fetch"
	stepTransform = "transform"
	stepPersist   = "persist"
)

// Transformer processes one item of a group.
type Transformer interface {
	Transform(ctx context.Context, req *collab.TransformRequest) (*collab.TransformResult, error)
}

// Reverser undoes the ledger debit recorded when a transform job was created.
type Reverser interface {
	Reverse(ctx context.Context, ledgerEntryID string) error
}

// ManifestWriter stages a terminal result manifest and returns its blob key.
type ManifestWriter interface {
	WriteManifest(ctx context.Context, tenantID, jobID string, data []byte) (string, error)
}

// Worker drives one transform job run.
type Worker struct {
	store       store.Store
	transformer Transformer
	ledger      Reverser
	manifests   ManifestWriter
	notifier    *notify.Notifier
	poolSize    int

	// sleep is swapped out in tests so backoff does not slow them down.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewWorker wires the transform phase. ledger, manifests, and notifier may
// each be nil when the corresponding side effect is not configured.
func NewWorker(st store.Store, transformer Transformer, ledger Reverser, manifests ManifestWriter, notifier *notify.Notifier) *Worker {
	return &Worker{
		store:       st,
		transformer: transformer,
		ledger:      ledger,
		manifests:   manifests,
		notifier:    notifier,
		poolSize:    DefaultPoolSize,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// backoffDelay grows exponentially with the attempt number: 2s after the
// first failure, 4s after the second.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// workItem is one ref scheduled for this run, with the state it starts from.
type workItem struct {
	ref        string
	bucket     string
	proxyKey   string
	attempts   int
	fromStatus string
}

// Run executes (or resumes) the transform job named by msg.
func (w *Worker) Run(ctx context.Context, msg *message.TransformJobMessage) error {
	job, err := w.ensureJob(ctx, msg)
	if err != nil {
		return err
	}
	if job == nil {
		// Terminal or cancelled; nothing to resume.
		return nil
	}

	pending, err := w.loadWork(ctx, msg)
	if err != nil {
		return err
	}

	start := time.Now()
	cancelled := false

	for len(pending) > 0 {
		window := pending
		if len(window) > w.poolSize {
			window = window[:w.poolSize]
		}
		pending = pending[len(window):]

		w.runWindow(ctx, msg, window)

		// Checkpoint: counters were persisted per transition; between
		// windows, refresh the cancellation token.
		if len(pending) > 0 {
			current, err := w.store.GetJob(ctx, msg.TenantID, msg.JobID)
			if err != nil {
				return err
			}
			if current == nil || current.Status == store.JobCancelled {
				cancelled = true
				break
			}
		}
	}

	if cancelled {
		log.Info().
			Str("jobId", msg.JobID).
			Int("remaining", len(pending)).
			Msg("Transform job cancelled, stopping between windows")
		return nil
	}

	metrics.ForPhase("transform").
		Metric("RunDurationMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Property("jobId", msg.JobID).
		Flush()

	return w.finalize(ctx, msg)
}

// ensureJob loads the job, creating it from the message on first receipt,
// and moves it to processing. Returns (nil, nil) when the job is already
// terminal and the delivery should be dropped.
func (w *Worker) ensureJob(ctx context.Context, msg *message.TransformJobMessage) (*store.Job, error) {
	job, err := w.store.GetJob(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job = &store.Job{
			TenantID:      msg.TenantID,
			ID:            msg.JobID,
			SessionID:     msg.SessionID,
			Type:          store.JobTypeTransform,
			GroupID:       msg.GroupID,
			Status:        store.JobPending,
			TotalCount:    len(msg.MemberRefs),
			PendingCount:  len(msg.MemberRefs),
			LedgerEntryID: msg.LedgerEntryID,
		}
		if err := w.store.CreateJob(ctx, job); err != nil && !errors.Is(err, store.ErrConditionFailed) {
			return nil, err
		}
		if job, err = w.store.GetJob(ctx, msg.TenantID, msg.JobID); err != nil || job == nil {
			return nil, fmt.Errorf("transform job %s vanished after create: %w", msg.JobID, err)
		}
	}

	status := store.JobProcessing
	err = w.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{
		Status:   &status,
		StatusIf: []string{store.JobPending, store.JobProcessing},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		log.Debug().
			Str("jobId", msg.JobID).
			Str("status", job.Status).
			Msg("Transform job already terminal, delivery dropped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Status = store.JobProcessing
	return job, nil
}

// loadWork reconciles the message's member refs against recorded item states
// and returns the refs this run still has to process. Completed items and
// items that exhausted their attempts are skipped.
func (w *Worker) loadWork(ctx context.Context, msg *message.TransformJobMessage) ([]workItem, error) {
	items, err := w.store.ListSessionItems(ctx, msg.TenantID, msg.SessionID)
	if err != nil {
		return nil, err
	}
	buckets := make(map[string]string, len(items))
	for _, item := range items {
		buckets[item.ObjectKey] = item.Bucket
	}

	states, err := w.store.GetItemStates(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return nil, err
	}
	byRef := make(map[string]store.ItemState, len(states))
	for _, s := range states {
		byRef[s.Ref] = s
	}

	// Proxy keys were recorded by the grouping job for this session.
	proxyKeys := make(map[string]string)
	groupingStates, err := w.store.GetItemStates(ctx, msg.TenantID, jobs.GroupingJobID(msg.SessionID))
	if err != nil {
		return nil, err
	}
	for _, s := range groupingStates {
		if s.ProxyKey != "" {
			proxyKeys[s.Ref] = s.ProxyKey
		}
	}

	var work []workItem
	for _, ref := range msg.MemberRefs {
		state, seen := byRef[ref]
		if !seen {
			if _, err := w.store.PutItemStateIfAbsent(ctx, &store.ItemState{
				TenantID: msg.TenantID,
				JobID:    msg.JobID,
				Ref:      ref,
				Status:   store.ItemPending,
			}); err != nil {
				return nil, err
			}
			state = store.ItemState{Ref: ref, Status: store.ItemPending}
		}

		switch {
		case state.Status == store.ItemCompleted:
			continue
		case state.Status == store.ItemFailed && state.Attempts >= MaxAttempts:
			continue
		}

		work = append(work, workItem{
			ref:        ref,
			bucket:     buckets[ref],
			proxyKey:   proxyKeys[ref],
			attempts:   state.Attempts,
			fromStatus: state.Status,
		})
	}
	return work, nil
}

// runWindow processes one concurrency window. Failures inside the window are
// recorded per item; they never abort the siblings.
func (w *Worker) runWindow(ctx context.Context, msg *message.TransformJobMessage, window []workItem) {
	var wg sync.WaitGroup
	for _, item := range window {
		it := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processItem(ctx, msg, it)
		}()
	}
	wg.Wait()
}

// processItem runs the fetch/transform/persist steps for one ref, retrying
// with exponential backoff until success or the attempt ceiling.
func (w *Worker) processItem(ctx context.Context, msg *message.TransformJobMessage, item workItem) {
	w.transitionItem(ctx, msg, item.ref, item.fromStatus, store.ItemProcessing)

	attempts := item.attempts
	for {
		attempts++
		err := w.attemptItem(ctx, msg, item)
		if err == nil {
			w.settleItem(ctx, msg, item.ref, store.ItemCompleted, "")
			return
		}

		log.Warn().
			Err(err).
			Str("ref", item.ref).
			Int("attempt", attempts).
			Msg("Transform attempt failed")

		if attempts >= MaxAttempts {
			w.settleItem(ctx, msg, item.ref, store.ItemFailed, err.Error())
			return
		}
		w.sleep(backoffDelay(attempts))
	}
}

// attemptItem performs one attempt, recording the current sub-step so a
// post-crash resume can see how far the item got.
func (w *Worker) attemptItem(ctx context.Context, msg *message.TransformJobMessage, item workItem) error {
	lastAttempt := w.now().Unix()
	if err := w.markStep(ctx, msg, item.ref, stepFetch, store.ItemPatch{
		AttemptsDelta: 1,
		LastAttemptAt: &lastAttempt,
	}); err != nil {
		return err
	}
	if item.bucket == "" {
		return fmt.Errorf("no source bucket recorded for %s", item.ref)
	}

	if err := w.markStep(ctx, msg, item.ref, stepTransform, store.ItemPatch{}); err != nil {
		return err
	}
	result, err := w.transformer.Transform(ctx, &collab.TransformRequest{
		TenantID:  msg.TenantID,
		SessionID: msg.SessionID,
		GroupID:   msg.GroupID,
		Ref:       item.ref,
		Bucket:    item.bucket,
		ObjectKey: item.ref,
		ProxyKey:  item.proxyKey,
	})
	if err != nil {
		return err
	}

	resultRef := result.OutputRef
	if err := w.markStep(ctx, msg, item.ref, stepPersist, store.ItemPatch{
		ResultRef: &resultRef,
	}); err != nil {
		return err
	}
	return nil
}

func (w *Worker) markStep(ctx context.Context, msg *message.TransformJobMessage, ref, step string, patch store.ItemPatch) error {
	patch.CurrentStep = &step
	return w.store.UpdateItemState(ctx, msg.TenantID, msg.JobID, ref, patch)
}

// transitionItem moves one item to a new status with the paired counter
// adjustment derived from where it came from.
func (w *Worker) transitionItem(ctx context.Context, msg *message.TransformJobMessage, ref, from, to string) {
	status := to
	if err := w.store.UpdateItemState(ctx, msg.TenantID, msg.JobID, ref, store.ItemPatch{
		Status: &status,
	}); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to update item status")
	}

	delta := counterShift(from, to)
	if delta == (store.CounterDelta{}) {
		return
	}
	if err := w.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{Counters: &delta}); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to update job counters")
	}
}

// settleItem records an item's terminal status for this run.
func (w *Worker) settleItem(ctx context.Context, msg *message.TransformJobMessage, ref, to, errMsg string) {
	status := to
	cleared := ""
	patch := store.ItemPatch{Status: &status, CurrentStep: &cleared}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if err := w.store.UpdateItemState(ctx, msg.TenantID, msg.JobID, ref, patch); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to settle item state")
	}

	delta := counterShift(store.ItemProcessing, to)
	if err := w.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{Counters: &delta}); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to update job counters")
	}
}

// counterShift builds the paired delta for a status move so the progress
// counters always sum to the total.
func counterShift(from, to string) store.CounterDelta {
	var d store.CounterDelta
	switch from {
	case store.ItemPending:
		d.Pending = -1
	case store.ItemProcessing:
		d.Processing = -1
	case store.ItemFailed:
		d.Failed = -1
	case store.ItemCompleted:
		d.Completed = -1
	}
	switch to {
	case store.ItemPending:
		d.Pending++
	case store.ItemProcessing:
		d.Processing++
	case store.ItemFailed:
		d.Failed++
	case store.ItemCompleted:
		d.Completed++
	}
	if from == to {
		return store.CounterDelta{}
	}
	return d
}

// manifest is the terminal result document staged to the blob store.
type manifest struct {
	JobID     string         `json:"jobId"`
	SessionID string         `json:"sessionId"`
	GroupID   string         `json:"groupId"`
	Items     []manifestItem `json:"items"`
}

type manifestItem struct {
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	ResultRef string `json:"resultRef,omitempty"`
	Error     string `json:"error,omitempty"`
}

// finalize settles the job: completed when at least one item succeeded,
// failed otherwise. The conditional terminal transition makes the loser of a
// concurrent race drop out, so compensation and notification fire once.
func (w *Worker) finalize(ctx context.Context, msg *message.TransformJobMessage) error {
	states, err := w.store.GetItemStates(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return err
	}

	var completed, failed int
	doc := manifest{JobID: msg.JobID, SessionID: msg.SessionID, GroupID: msg.GroupID}
	for _, s := range states {
		switch s.Status {
		case store.ItemCompleted:
			completed++
		case store.ItemFailed:
			failed++
		}
		doc.Items = append(doc.Items, manifestItem{
			Ref:       s.Ref,
			Status:    s.Status,
			ResultRef: s.ResultRef,
			Error:     s.Error,
		})
	}

	status := store.JobCompleted
	reason := ""
	if completed == 0 {
		status = store.JobFailed
		reason = "all items failed"
	}
	canResume := failed > 0 && failed < len(states)

	patch := store.JobPatch{
		Status:    &status,
		StatusIf:  []string{store.JobProcessing},
		CanResume: &canResume,
	}
	if reason != "" {
		patch.Reason = &reason
	}

	if status == store.JobCompleted && w.manifests != nil {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal result manifest: %w", err)
		}
		key, err := w.manifests.WriteManifest(ctx, msg.TenantID, msg.JobID, body)
		if err != nil {
			return fmt.Errorf("stage result manifest: %w", err)
		}
		patch.ResultManifestKey = &key
	}

	err = w.store.UpdateJob(ctx, msg.TenantID, msg.JobID, patch)
	if errors.Is(err, store.ErrConditionFailed) {
		log.Debug().Str("jobId", msg.JobID).Msg("Transform job settled by another actor")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("jobId", msg.JobID).
		Str("status", status).
		Int("completed", completed).
		Int("failed", failed).
		Msg("Transform job finished")

	if status == store.JobFailed {
		w.compensate(ctx, msg)
	}

	if notifyErr := w.notifier.JobStateChanged(ctx, notify.JobStateChanged{
		TenantID:  msg.TenantID,
		SessionID: msg.SessionID,
		JobID:     msg.JobID,
		JobType:   store.JobTypeTransform,
		Status:    status,
		Reason:    reason,
	}); notifyErr != nil {
		log.Warn().Err(notifyErr).Str("jobId", msg.JobID).Msg("Job state notification failed")
	}
	return nil
}

// PrepareRequeue readies a terminal, resumable job for another run: failed
// items move back to pending with their attempt budget restored, the paired
// counter deltas keep the progress invariant intact, and the job itself
// returns to pending. Completed items keep their results. Returns the full
// member ref list for the fresh queue message.
func PrepareRequeue(ctx context.Context, st store.Store, job *store.Job) ([]string, error) {
	if !job.CanResume {
		return nil, fmt.Errorf("job %s is not resumable", job.ID)
	}

	states, err := st.GetItemStates(ctx, job.TenantID, job.ID)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("job %s has no item states to rebuild membership from", job.ID)
	}

	refs := make([]string, 0, len(states))
	for _, s := range states {
		refs = append(refs, s.Ref)
		if s.Status != store.ItemFailed {
			continue
		}

		pending := store.ItemPending
		cleared := ""
		if err := st.UpdateItemState(ctx, job.TenantID, job.ID, s.Ref, store.ItemPatch{
			Status:        &pending,
			AttemptsDelta: -s.Attempts,
			Error:         &cleared,
		}); err != nil {
			return nil, fmt.Errorf("reset item %s: %w", s.Ref, err)
		}
		delta := counterShift(store.ItemFailed, store.ItemPending)
		if err := st.UpdateJob(ctx, job.TenantID, job.ID, store.JobPatch{Counters: &delta}); err != nil {
			return nil, fmt.Errorf("reset counters for %s: %w", s.Ref, err)
		}
	}

	pending := store.JobPending
	err = st.UpdateJob(ctx, job.TenantID, job.ID, store.JobPatch{
		Status:   &pending,
		StatusIf: []string{store.JobFailed, store.JobCompleted},
	})
	if err != nil {
		return nil, fmt.Errorf("reset job status: %w", err)
	}
	return refs, nil
}

// compensate reverses the ledger debit for a failed job. Reversal errors are
// logged, never propagated: the job outcome stands either way and the ledger
// is reconciled out of band.
func (w *Worker) compensate(ctx context.Context, msg *message.TransformJobMessage) {
	if w.ledger == nil || msg.LedgerEntryID == "" {
		return
	}
	if err := w.ledger.Reverse(ctx, msg.LedgerEntryID); err != nil {
		log.Error().
			Err(err).
			Str("jobId", msg.JobID).
			Str("ledgerEntryId", msg.LedgerEntryID).
			Msg("Ledger reversal failed, manual reconciliation required")
		return
	}
	log.Info().
		Str("jobId", msg.JobID).
		Str("ledgerEntryId", msg.LedgerEntryID).
		Msg("Ledger entry reversed")
}
