// Package store provides the persistent job state storage for the upload
// batch pipeline. It replaces any in-memory bookkeeping in the Lambda
// handlers with DynamoDB-backed storage that survives container recycling,
// concurrent invocations, and deployments.
//
// The package uses a single-table DynamoDB design. Upload sessions live under
// a partition key TENANT#{tenant}#SESSION#{sessionId} with sort keys META and
// ITEM#{objectKey}; jobs live under TENANT#{tenant}#JOB#{jobId} with sort keys
// META and ITEM#{ref}. A TTL attribute (expiresAt) auto-deletes records after
// 7 days. A global secondary index (GSI1) resolves jobs by session id.
//
// All mutation is via conditional, field-scoped updates — never full-document
// overwrite — so concurrent shard workers acting on disjoint fields of the
// same record never clobber each other. The one read-modify-write pattern,
// job creation, is guarded by a create-if-absent condition; racing creators
// receive ErrConditionFailed and treat it as success by another actor.
package store

import (
	"context"
	"errors"
	"time"
)

// RecordTTL is the default time-to-live for all records. Sessions and jobs
// are operational state, not an archive; results are staged to S3.
const RecordTTL = 7 * 24 * time.Hour

// ErrConditionFailed is returned when a conditional write is already
// satisfied by a racing worker. Call sites that race by design treat it as
// success by another actor, not as an error.
var ErrConditionFailed = errors.New("conditional write failed")

// Upload session statuses. Status only moves forward
// (collecting -> processing -> completed|disabled) and never regresses.
const (
	SessionCollecting = "collecting"
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionDisabled   = "disabled"
)

// Job statuses. pending -> processing -> {completed|failed}, with cancelled
// reachable from pending/processing via the status mutation endpoint.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Item statuses. failed items re-enter processing until attempts reaches the
// retry policy's limit, after which failed is permanent.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// Job types.
const (
	JobTypeGrouping  = "grouping"
	JobTypeTransform = "transform"
)

// UploadSession is the per-session aggregate record (SK = META).
// CompletionMarkerAt is zero until the completion marker is first observed;
// it is set exactly once and anchors the grace-period check.
type UploadSession struct {
	TenantID           string `json:"tenantId" dynamodbav:"-"`
	ID                 string `json:"id" dynamodbav:"-"`
	Status             string `json:"status" dynamodbav:"status"`
	ItemCount          int    `json:"itemCount" dynamodbav:"itemCount"`
	CompletionMarkerAt int64  `json:"completionMarkerAt,omitempty" dynamodbav:"completionMarkerAt,omitempty"`
	CreatedAt          int64  `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt" dynamodbav:"updatedAt"`
}

// SessionItem is one accumulated upload descriptor (SK = ITEM#{objectKey}).
// Created conditionally, so duplicate notification delivery never duplicates
// logical membership.
type SessionItem struct {
	TenantID   string `json:"-" dynamodbav:"-"`
	SessionID  string `json:"-" dynamodbav:"-"`
	Bucket     string `json:"bucket" dynamodbav:"bucket"`
	ObjectKey  string `json:"objectKey" dynamodbav:"-"`
	OccurredAt int64  `json:"occurredAt" dynamodbav:"occurredAt"`
}

// Group is one cluster of items in a grouping result.
type Group struct {
	ID         string   `json:"id" dynamodbav:"id"`
	MemberRefs []string `json:"memberRefs" dynamodbav:"memberRefs"`
	Confidence float64  `json:"confidence" dynamodbav:"confidence"`
}

// JobResult is the terminal payload of a job. Summary may carry long-form
// generated text; the status facade strips it from the default view.
type JobResult struct {
	Groups    []Group  `json:"groups,omitempty" dynamodbav:"groups,omitempty"`
	Ungrouped []string `json:"ungrouped,omitempty" dynamodbav:"ungrouped,omitempty"`
	Summary   string   `json:"summary,omitempty" dynamodbav:"summary,omitempty"`
	Errors    []string `json:"errors,omitempty" dynamodbav:"errors,omitempty"`
}

// Job represents one processing run (SK = META). Grouping jobs are 1:1 with
// an upload session; transform jobs are 1:N, one per approved group.
//
// Invariant: PendingCount+ProcessingCount+CompletedCount+FailedCount ==
// TotalCount at all times after initialization. Every item transition applies
// a paired counter delta in a single atomic update.
type Job struct {
	TenantID          string     `json:"tenantId" dynamodbav:"-"`
	ID                string     `json:"id" dynamodbav:"-"`
	SessionID         string     `json:"sessionId" dynamodbav:"sessionId"`
	Type              string     `json:"type" dynamodbav:"jobType"`
	GroupID           string     `json:"groupId,omitempty" dynamodbav:"groupId,omitempty"`
	Status            string     `json:"status" dynamodbav:"status"`
	TotalCount        int        `json:"totalCount" dynamodbav:"totalCount"`
	PendingCount      int        `json:"pendingCount" dynamodbav:"pendingCount"`
	ProcessingCount   int        `json:"processingCount" dynamodbav:"processingCount"`
	CompletedCount    int        `json:"completedCount" dynamodbav:"completedCount"`
	FailedCount       int        `json:"failedCount" dynamodbav:"failedCount"`
	FallbackMode      bool       `json:"fallbackMode,omitempty" dynamodbav:"fallbackMode,omitempty"`
	CanResume         bool       `json:"canResume,omitempty" dynamodbav:"canResume,omitempty"`
	LedgerEntryID     string     `json:"ledgerEntryId,omitempty" dynamodbav:"ledgerEntryId,omitempty"`
	Reason            string     `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	Result            *JobResult `json:"result,omitempty" dynamodbav:"result,omitempty"`
	ResultManifestKey string     `json:"resultManifestKey,omitempty" dynamodbav:"resultManifestKey,omitempty"`
	CreatedAt         int64      `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt         int64      `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Progress is the aggregated counter view served by the status facade.
type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Progress derives the counter snapshot from the job record.
func (j *Job) Progress() Progress {
	return Progress{
		Total:      j.TotalCount,
		Pending:    j.PendingCount,
		Processing: j.ProcessingCount,
		Completed:  j.CompletedCount,
		Failed:     j.FailedCount,
	}
}

// ItemState is the unit of resumable work inside a job (SK = ITEM#{ref}).
// Attempts only increases; an item with Attempts >= the retry limit and
// status failed is permanently excluded from retry but still counted in the
// job's final accounting.
type ItemState struct {
	TenantID      string `json:"-" dynamodbav:"-"`
	JobID         string `json:"-" dynamodbav:"-"`
	Ref           string `json:"ref" dynamodbav:"-"`
	Status        string `json:"status" dynamodbav:"status"`
	Attempts      int    `json:"attempts" dynamodbav:"attempts"`
	LastAttemptAt int64  `json:"lastAttemptAt,omitempty" dynamodbav:"lastAttemptAt,omitempty"`
	CurrentStep   string `json:"currentStep,omitempty" dynamodbav:"currentStep,omitempty"`
	Error         string `json:"error,omitempty" dynamodbav:"error,omitempty"`
	ProxyKey      string `json:"proxyKey,omitempty" dynamodbav:"proxyKey,omitempty"`
	ResultRef     string `json:"resultRef,omitempty" dynamodbav:"resultRef,omitempty"`
}

// CounterDelta is a paired adjustment of the job progress counters, applied
// atomically in one update so the progress invariant is never observable as
// violated.
type CounterDelta struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// JobPatch is the closed set of job fields a phase may update. Each non-nil
// field maps to one clause of a single atomic, field-scoped update; StatusIf
// restricts the transition to the listed current statuses (forward-only state
// machine enforcement).
type JobPatch struct {
	Status            *string
	StatusIf          []string
	Reason            *string
	Result            *JobResult
	ResultManifestKey *string
	FallbackMode      *bool
	CanResume         *bool
	TotalCount        *int
	LedgerEntryID     *string
	Counters          *CounterDelta
}

// ItemPatch is the closed set of per-item fields the workers may update.
type ItemPatch struct {
	Status        *string
	AttemptsDelta int
	LastAttemptAt *int64
	CurrentStep   *string
	Error         *string
	ProxyKey      *string
	ResultRef     *string
}

// Store defines the persistence interface for pipeline state. Each method is
// safe for concurrent use. Get methods return (nil, nil) when the requested
// record does not exist. Conditional methods return ErrConditionFailed when
// the condition is already satisfied by another actor.
type Store interface {
	// --- Upload sessions ---

	// CreateSession creates the session aggregate if absent.
	CreateSession(ctx context.Context, session *UploadSession) error

	// GetSession retrieves a session aggregate. Returns nil, nil if not found.
	GetSession(ctx context.Context, tenantID, sessionID string) (*UploadSession, error)

	// AddSessionItem appends one item descriptor if not already present and
	// bumps the session's itemCount on first sight. Returns false when the
	// item was already recorded (duplicate delivery).
	AddSessionItem(ctx context.Context, item *SessionItem) (bool, error)

	// ListSessionItems returns all accumulated item descriptors for a session.
	ListSessionItems(ctx context.Context, tenantID, sessionID string) ([]SessionItem, error)

	// SetCompletionMarker records the first observation of the completion
	// marker. Returns false if the marker timestamp was already set.
	SetCompletionMarker(ctx context.Context, tenantID, sessionID string, at int64) (bool, error)

	// UpdateSessionStatus transitions the session status, conditioned on the
	// current status being one of allowedFrom. ErrConditionFailed on a lost race.
	UpdateSessionStatus(ctx context.Context, tenantID, sessionID, status string, allowedFrom ...string) error

	// --- Jobs ---

	// CreateJob creates the job record if absent. This is the idempotence
	// boundary for exactly-once job creation under at-least-once delivery.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job record. Returns nil, nil if not found.
	GetJob(ctx context.Context, tenantID, jobID string) (*Job, error)

	// UpdateJob applies a typed patch to the job record.
	UpdateJob(ctx context.Context, tenantID, jobID string, patch JobPatch) error

	// QueryJobsBySession returns all jobs created for a session (GSI1).
	QueryJobsBySession(ctx context.Context, tenantID, sessionID string) ([]*Job, error)

	// --- Item states ---

	// PutItemStateIfAbsent initializes one item state record. Returns false
	// when the record already exists (resume path keeps the persisted state).
	PutItemStateIfAbsent(ctx context.Context, item *ItemState) (bool, error)

	// GetItemStates returns all item states for a job, ordered by ref.
	GetItemStates(ctx context.Context, tenantID, jobID string) ([]ItemState, error)

	// UpdateItemState applies a typed patch to one item state record.
	UpdateItemState(ctx context.Context, tenantID, jobID, ref string, patch ItemPatch) error
}
