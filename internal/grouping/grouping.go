// Package grouping implements the first processing phase: proxy fan-out over
// every item in a session, clustering of the successful proxies, and creation
// of one transform job per resulting group.
//
// Correctness here is "every uploaded item ends up in exactly one group", not
// "grouping quality is optimal": when too few proxies succeed or the
// clusterer is unreachable, the phase degrades to singleton groups instead of
// failing the job.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-batch-pipeline/internal/collab"
	"github.com/fpang/photo-batch-pipeline/internal/jobs"
	"github.com/fpang/photo-batch-pipeline/internal/jobutil"
	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/metrics"
	"github.com/fpang/photo-batch-pipeline/internal/notify"
	"github.com/fpang/photo-batch-pipeline/internal/queue"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// ProxyGenerator produces one clustering proxy per source object.
type ProxyGenerator interface {
	Generate(ctx context.Context, sessionID, ref, sourceBucket, sourceKey string) (*collab.Proxy, error)
}

// Clusterer partitions proxies into groups plus an ungrouped remainder.
type Clusterer interface {
	Cluster(ctx context.Context, req *collab.ClusterRequest) (*collab.ClusterResult, error)
}

// Pipeline drives one grouping job end to end.
type Pipeline struct {
	store     store.Store
	proxies   ProxyGenerator
	clusterer Clusterer
	workQueue queue.Queue
	notifier  *notify.Notifier
}

// NewPipeline wires the grouping phase. notifier may be nil.
func NewPipeline(st store.Store, proxies ProxyGenerator, clusterer Clusterer, workQueue queue.Queue, notifier *notify.Notifier) *Pipeline {
	return &Pipeline{
		store:     st,
		proxies:   proxies,
		clusterer: clusterer,
		workQueue: workQueue,
		notifier:  notifier,
	}
}

// minViable returns the minimum number of successful proxies required to
// attempt real clustering: max(2, floor(N*0.3)).
func minViable(n int) int {
	v := n * 3 / 10
	if v < 2 {
		v = 2
	}
	return v
}

// Run executes the grouping job named by msg. Duplicate deliveries collapse
// on the pending->processing transition.
func (p *Pipeline) Run(ctx context.Context, msg *message.GroupingJobMessage) error {
	job, err := p.store.GetJob(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("grouping job %s not found", msg.JobID)
	}

	status := store.JobProcessing
	err = p.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{
		Status:   &status,
		StatusIf: []string{store.JobPending},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		// A completed job whose result never reached phase 2 (crash after
		// the terminal write, before dispatch) is recovered here: transform
		// job creation is conditional, so re-dispatching from the persisted
		// result is safe and only re-sends for still-pending jobs.
		if job.Status == store.JobCompleted && !job.FallbackMode && job.Result != nil {
			log.Info().
				Str("jobId", msg.JobID).
				Int("groups", len(job.Result.Groups)).
				Msg("Re-dispatching transform jobs from persisted grouping result")
			return p.dispatchTransformJobs(ctx, msg, job.Result.Groups)
		}
		log.Debug().
			Str("jobId", msg.JobID).
			Str("status", job.Status).
			Msg("Grouping job not pending, duplicate delivery ignored")
		return nil
	}
	if err != nil {
		return err
	}

	items, err := p.store.ListSessionItems(ctx, msg.TenantID, msg.SessionID)
	if err != nil {
		return jobutil.FailJob(ctx, p.store, msg.TenantID, msg.JobID, fmt.Sprintf("list session items: %v", err))
	}
	if len(items) == 0 {
		return jobutil.FailJob(ctx, p.store, msg.TenantID, msg.JobID, "session has no items")
	}

	start := time.Now()
	succeeded := p.generateProxies(ctx, msg, items)

	log.Info().
		Str("jobId", msg.JobID).
		Int("total", len(items)).
		Int("succeeded", len(succeeded)).
		Int("minViable", minViable(len(items))).
		Dur("elapsed", time.Since(start)).
		Msg("Proxy fan-out settled")

	var result *store.JobResult
	fallback := false

	if len(succeeded) < minViable(len(items)) {
		result = p.fallbackResult(items)
		fallback = true
	} else {
		clustered, err := p.clusterer.Cluster(ctx, &collab.ClusterRequest{
			SessionID: msg.SessionID,
			Proxies:   succeeded,
		})
		if err != nil {
			// Unreachable clusterer degrades to singletons rather than
			// failing the job.
			log.Warn().Err(err).Str("jobId", msg.JobID).Msg("Clusterer unavailable, falling back to singleton groups")
			result = p.fallbackResult(items)
			fallback = true
		} else {
			result = p.mergeResult(clustered, items)
		}
	}

	metrics.ForPhase("grouping").
		Metric("ProxySuccessCount", float64(len(succeeded)), metrics.UnitCount).
		Metric("GroupCount", float64(len(result.Groups)), metrics.UnitCount).
		Property("jobId", msg.JobID).
		Property("fallbackMode", fallback).
		Flush()

	return p.complete(ctx, msg, result, fallback)
}

// generateProxies launches all proxy generations concurrently, each updating
// its own item state. One item's failure never cancels its siblings:
// settle all, collect results.
func (p *Pipeline) generateProxies(ctx context.Context, msg *message.GroupingJobMessage, items []store.SessionItem) []*collab.Proxy {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []*collab.Proxy
	)

	for _, item := range items {
		it := item
		wg.Add(1)
		go func() {
			defer wg.Done()

			ref := it.ObjectKey
			if _, err := p.store.PutItemStateIfAbsent(ctx, &store.ItemState{
				TenantID: msg.TenantID,
				JobID:    msg.JobID,
				Ref:      ref,
				Status:   store.ItemPending,
			}); err != nil {
				log.Error().Err(err).Str("ref", ref).Msg("Failed to initialize item state")
				return
			}

			p.markItem(ctx, msg, ref, store.ItemProcessing, "", store.CounterDelta{Pending: -1, Processing: 1})

			proxy, err := p.proxies.Generate(ctx, msg.SessionID, ref, it.Bucket, it.ObjectKey)
			if err != nil {
				log.Warn().Err(err).Str("ref", ref).Msg("Proxy generation failed")
				p.markItem(ctx, msg, ref, store.ItemFailed, err.Error(), store.CounterDelta{Processing: -1, Failed: 1})
				return
			}

			proxyKey := proxy.ProxyKey
			itemStatus := store.ItemCompleted
			if err := p.store.UpdateItemState(ctx, msg.TenantID, msg.JobID, ref, store.ItemPatch{
				Status:   &itemStatus,
				ProxyKey: &proxyKey,
			}); err != nil {
				log.Error().Err(err).Str("ref", ref).Msg("Failed to record proxy key")
			}
			if err := p.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{
				Counters: &store.CounterDelta{Processing: -1, Completed: 1},
			}); err != nil {
				log.Error().Err(err).Str("ref", ref).Msg("Failed to update job counters")
			}

			mu.Lock()
			succeeded = append(succeeded, proxy)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return succeeded
}

func (p *Pipeline) markItem(ctx context.Context, msg *message.GroupingJobMessage, ref, status, errMsg string, delta store.CounterDelta) {
	patch := store.ItemPatch{Status: &status}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if err := p.store.UpdateItemState(ctx, msg.TenantID, msg.JobID, ref, patch); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to update item state")
	}
	if err := p.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{Counters: &delta}); err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("Failed to update job counters")
	}
}

// fallbackResult synthesizes one singleton group per original item. Degraded
// quality, guaranteed forward progress.
func (p *Pipeline) fallbackResult(items []store.SessionItem) *store.JobResult {
	result := &store.JobResult{}
	for _, item := range items {
		result.Groups = append(result.Groups, store.Group{
			ID:         jobs.NewGroupID(),
			MemberRefs: []string{item.ObjectKey},
		})
	}
	return result
}

// mergeResult converts the clusterer's verdict into the final partition.
// Ungrouped refs and refs the clusterer never saw (failed proxies) become
// singletons, so every item lands in exactly one group.
func (p *Pipeline) mergeResult(clustered *collab.ClusterResult, items []store.SessionItem) *store.JobResult {
	result := &store.JobResult{}
	placed := make(map[string]bool)

	for _, g := range clustered.Groups {
		if len(g.MemberRefs) == 0 {
			continue
		}
		result.Groups = append(result.Groups, store.Group{
			ID:         jobs.NewGroupID(),
			MemberRefs: g.MemberRefs,
			Confidence: g.Confidence,
		})
		for _, ref := range g.MemberRefs {
			placed[ref] = true
		}
	}

	for _, ref := range clustered.Ungrouped {
		if placed[ref] {
			continue
		}
		placed[ref] = true
		result.Ungrouped = append(result.Ungrouped, ref)
		result.Groups = append(result.Groups, store.Group{
			ID:         jobs.NewGroupID(),
			MemberRefs: []string{ref},
		})
	}

	for _, item := range items {
		if placed[item.ObjectKey] {
			continue
		}
		result.Groups = append(result.Groups, store.Group{
			ID:         jobs.NewGroupID(),
			MemberRefs: []string{item.ObjectKey},
		})
	}

	return result
}

// complete writes the terminal grouping result and, outside fallback mode,
// creates and dispatches one transform job per group.
func (p *Pipeline) complete(ctx context.Context, msg *message.GroupingJobMessage, result *store.JobResult, fallback bool) error {
	status := store.JobCompleted
	err := p.store.UpdateJob(ctx, msg.TenantID, msg.JobID, store.JobPatch{
		Status:       &status,
		StatusIf:     []string{store.JobProcessing},
		Result:       result,
		FallbackMode: &fallback,
	})
	if errors.Is(err, store.ErrConditionFailed) {
		log.Debug().Str("jobId", msg.JobID).Msg("Grouping job settled by another actor")
		return nil
	}
	if err != nil {
		return err
	}

	if notifyErr := p.notifier.JobStateChanged(ctx, notify.JobStateChanged{
		TenantID:  msg.TenantID,
		SessionID: msg.SessionID,
		JobID:     msg.JobID,
		JobType:   store.JobTypeGrouping,
		Status:    store.JobCompleted,
	}); notifyErr != nil {
		log.Warn().Err(notifyErr).Str("jobId", msg.JobID).Msg("Job state notification failed")
	}

	if fallback {
		// Degenerate groups are not sent to the heavyweight phase; the
		// session settles with the singleton partition.
		if err := p.store.UpdateSessionStatus(ctx, msg.TenantID, msg.SessionID, store.SessionCompleted, store.SessionProcessing); err != nil && !errors.Is(err, store.ErrConditionFailed) {
			return err
		}
		return nil
	}

	return p.dispatchTransformJobs(ctx, msg, result.Groups)
}

// dispatchTransformJobs creates one phase-2 job per group. Job IDs derive
// from group IDs, so replays cannot double-create; a replay that finds a
// pending job re-sends its message and the transform handler absorbs the
// duplicate.
func (p *Pipeline) dispatchTransformJobs(ctx context.Context, msg *message.GroupingJobMessage, groups []store.Group) error {
	for _, group := range groups {
		jobID := jobs.TransformJobID(group.ID)
		ledgerEntryID := jobs.GenerateID("ledger-")

		job := &store.Job{
			TenantID:      msg.TenantID,
			ID:            jobID,
			SessionID:     msg.SessionID,
			Type:          store.JobTypeTransform,
			GroupID:       group.ID,
			Status:        store.JobPending,
			TotalCount:    len(group.MemberRefs),
			PendingCount:  len(group.MemberRefs),
			LedgerEntryID: ledgerEntryID,
		}
		if err := p.store.CreateJob(ctx, job); err != nil {
			if !errors.Is(err, store.ErrConditionFailed) {
				return fmt.Errorf("create transform job %s: %w", jobID, err)
			}
			existing, err := p.store.GetJob(ctx, msg.TenantID, jobID)
			if err != nil {
				return err
			}
			if existing == nil || existing.Status != store.JobPending {
				continue
			}
			ledgerEntryID = existing.LedgerEntryID
		}

		if err := p.workQueue.Send(ctx, &message.TransformJobMessage{
			TenantID:      msg.TenantID,
			SessionID:     msg.SessionID,
			JobID:         jobID,
			GroupID:       group.ID,
			MemberRefs:    group.MemberRefs,
			LedgerEntryID: ledgerEntryID,
		}); err != nil {
			return fmt.Errorf("dispatch transform job %s: %w", jobID, err)
		}

		log.Info().
			Str("jobId", jobID).
			Str("groupId", group.ID).
			Int("members", len(group.MemberRefs)).
			Msg("Transform job dispatched")
	}
	return nil
}
