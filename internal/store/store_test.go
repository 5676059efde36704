package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func strPtr(s string) *string { return &s }

func TestBuildJobUpdateStatusWithCondition(t *testing.T) {
	patch := JobPatch{
		Status:   strPtr(JobProcessing),
		StatusIf: []string{JobPending, JobProcessing},
	}

	expr, err := buildJobUpdate(patch, 1700000000)
	if err != nil {
		t.Fatalf("buildJobUpdate: %v", err)
	}

	got := expr.expression()
	if !strings.Contains(got, "#status = :status") {
		t.Errorf("expression missing status clause: %q", got)
	}
	if !strings.Contains(got, "#updatedAt = :updatedAt") {
		t.Errorf("expression missing updatedAt clause: %q", got)
	}
	if expr.condition != "#status IN (:sif0, :sif1)" {
		t.Errorf("condition = %q, want status IN guard", expr.condition)
	}
	if v, ok := expr.values[":sif0"].(*types.AttributeValueMemberS); !ok || v.Value != JobPending {
		t.Errorf(":sif0 = %v, want %q", expr.values[":sif0"], JobPending)
	}
}

func TestBuildJobUpdateCounters(t *testing.T) {
	patch := JobPatch{
		Counters: &CounterDelta{Pending: -1, Processing: 1},
	}

	expr, err := buildJobUpdate(patch, 1700000000)
	if err != nil {
		t.Fatalf("buildJobUpdate: %v", err)
	}

	got := expr.expression()
	if !strings.Contains(got, "ADD ") {
		t.Fatalf("expression has no ADD section: %q", got)
	}
	if v, ok := expr.values[":d_pendingCount"].(*types.AttributeValueMemberN); !ok || v.Value != "-1" {
		t.Errorf("pending delta = %v, want -1", expr.values[":d_pendingCount"])
	}
	if v, ok := expr.values[":d_processingCount"].(*types.AttributeValueMemberN); !ok || v.Value != "1" {
		t.Errorf("processing delta = %v, want 1", expr.values[":d_processingCount"])
	}
	// Zero deltas must not emit clauses.
	if _, ok := expr.values[":d_completedCount"]; ok {
		t.Error("zero completed delta emitted a clause")
	}
	if expr.condition != "" {
		t.Errorf("counter-only patch should be unconditional, got %q", expr.condition)
	}
}

func TestBuildItemUpdate(t *testing.T) {
	patch := ItemPatch{
		Status:        strPtr(ItemProcessing),
		AttemptsDelta: 1,
		CurrentStep:   strPtr("transform"),
	}

	expr := buildItemUpdate(patch)
	got := expr.expression()
	if !strings.Contains(got, "SET ") || !strings.Contains(got, "ADD ") {
		t.Errorf("expected SET and ADD sections, got %q", got)
	}
	if v, ok := expr.values[":d_attempts"].(*types.AttributeValueMemberN); !ok || v.Value != "1" {
		t.Errorf("attempts delta = %v, want 1", expr.values[":d_attempts"])
	}
}

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	session := &UploadSession{TenantID: "t1", ID: "s1"}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, session); !errors.Is(err, ErrConditionFailed) {
		t.Errorf("duplicate CreateSession err = %v, want ErrConditionFailed", err)
	}

	got, err := s.GetSession(ctx, "t1", "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.Status != SessionCollecting {
		t.Fatalf("GetSession = %+v, want collecting session", got)
	}

	// Missing session is (nil, nil), not an error.
	missing, err := s.GetSession(ctx, "t1", "nope")
	if err != nil || missing != nil {
		t.Errorf("GetSession(missing) = %v, %v, want nil, nil", missing, err)
	}
}

func TestMemoryStoreAddSessionItemIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateSession(ctx, &UploadSession{TenantID: "t1", ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	item := &SessionItem{TenantID: "t1", SessionID: "s1", Bucket: "b", ObjectKey: "k1", OccurredAt: 100}
	first, err := s.AddSessionItem(ctx, item)
	if err != nil || !first {
		t.Fatalf("AddSessionItem first = %v, %v, want true, nil", first, err)
	}
	again, err := s.AddSessionItem(ctx, item)
	if err != nil || again {
		t.Fatalf("AddSessionItem duplicate = %v, %v, want false, nil", again, err)
	}

	session, _ := s.GetSession(ctx, "t1", "s1")
	if session.ItemCount != 1 {
		t.Errorf("ItemCount = %d after duplicate delivery, want 1", session.ItemCount)
	}
}

func TestMemoryStoreCompletionMarkerSetOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateSession(ctx, &UploadSession{TenantID: "t1", ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	set, err := s.SetCompletionMarker(ctx, "t1", "s1", 1000)
	if err != nil || !set {
		t.Fatalf("first SetCompletionMarker = %v, %v, want true, nil", set, err)
	}
	set, err = s.SetCompletionMarker(ctx, "t1", "s1", 2000)
	if err != nil || set {
		t.Fatalf("second SetCompletionMarker = %v, %v, want false, nil", set, err)
	}

	session, _ := s.GetSession(ctx, "t1", "s1")
	if session.CompletionMarkerAt != 1000 {
		t.Errorf("CompletionMarkerAt = %d, want first observation 1000", session.CompletionMarkerAt)
	}
}

func TestMemoryStoreSessionStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateSession(ctx, &UploadSession{TenantID: "t1", ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.UpdateSessionStatus(ctx, "t1", "s1", SessionProcessing, SessionCollecting); err != nil {
		t.Fatalf("collecting -> processing: %v", err)
	}
	// A second transition from collecting must lose the race.
	err := s.UpdateSessionStatus(ctx, "t1", "s1", SessionProcessing, SessionCollecting)
	if !errors.Is(err, ErrConditionFailed) {
		t.Errorf("repeat transition err = %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStoreJobCreateExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := &Job{TenantID: "t1", ID: "grp-s1", SessionID: "s1", Type: JobTypeGrouping}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, job); !errors.Is(err, ErrConditionFailed) {
		t.Errorf("duplicate CreateJob err = %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStoreUpdateJobCountersPreserveTotal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := &Job{
		TenantID: "t1", ID: "tf-g1", SessionID: "s1", Type: JobTypeTransform,
		TotalCount: 3, PendingCount: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// pending -> processing -> completed for one item, each step one paired delta.
	for _, delta := range []CounterDelta{
		{Pending: -1, Processing: 1},
		{Processing: -1, Completed: 1},
	} {
		d := delta
		if err := s.UpdateJob(ctx, "t1", "tf-g1", JobPatch{Counters: &d}); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		got, _ := s.GetJob(ctx, "t1", "tf-g1")
		sum := got.PendingCount + got.ProcessingCount + got.CompletedCount + got.FailedCount
		if sum != got.TotalCount {
			t.Fatalf("counter sum = %d, want total %d", sum, got.TotalCount)
		}
	}
}

func TestMemoryStoreUpdateJobStatusGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateJob(ctx, &Job{TenantID: "t1", ID: "j1", SessionID: "s1", Type: JobTypeGrouping}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	patch := JobPatch{Status: strPtr(JobCancelled), StatusIf: []string{JobPending, JobProcessing}}
	if err := s.UpdateJob(ctx, "t1", "j1", patch); err != nil {
		t.Fatalf("cancel pending job: %v", err)
	}

	// Terminal states reject further transitions.
	patch = JobPatch{Status: strPtr(JobProcessing), StatusIf: []string{JobPending}}
	if err := s.UpdateJob(ctx, "t1", "j1", patch); !errors.Is(err, ErrConditionFailed) {
		t.Errorf("transition from cancelled err = %v, want ErrConditionFailed", err)
	}
}

func TestMemoryStoreItemStateResume(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	item := &ItemState{TenantID: "t1", JobID: "j1", Ref: "r1", Status: ItemPending}
	created, err := s.PutItemStateIfAbsent(ctx, item)
	if err != nil || !created {
		t.Fatalf("PutItemStateIfAbsent = %v, %v, want true, nil", created, err)
	}

	if err := s.UpdateItemState(ctx, "t1", "j1", "r1", ItemPatch{
		Status:        strPtr(ItemCompleted),
		AttemptsDelta: 1,
		ResultRef:     strPtr("out/r1"),
	}); err != nil {
		t.Fatalf("UpdateItemState: %v", err)
	}

	// Resume must not reset the persisted state.
	created, err = s.PutItemStateIfAbsent(ctx, &ItemState{TenantID: "t1", JobID: "j1", Ref: "r1", Status: ItemPending})
	if err != nil || created {
		t.Fatalf("resume PutItemStateIfAbsent = %v, %v, want false, nil", created, err)
	}

	states, err := s.GetItemStates(ctx, "t1", "j1")
	if err != nil || len(states) != 1 {
		t.Fatalf("GetItemStates = %v, %v, want one state", states, err)
	}
	if states[0].Status != ItemCompleted || states[0].Attempts != 1 {
		t.Errorf("resumed state = %+v, want completed with 1 attempt", states[0])
	}
}

func TestJobProgressSnapshot(t *testing.T) {
	job := &Job{TotalCount: 5, PendingCount: 1, ProcessingCount: 1, CompletedCount: 2, FailedCount: 1}
	p := job.Progress()
	if p.Total != 5 || p.Pending != 1 || p.Processing != 1 || p.Completed != 2 || p.Failed != 1 {
		t.Errorf("Progress = %+v", p)
	}
}

func TestMemoryStoreQueryJobsBySession(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"grp-s1", "tf-g1", "tf-g2"} {
		if err := s.CreateJob(ctx, &Job{TenantID: "t1", ID: id, SessionID: "s1"}); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}
	if err := s.CreateJob(ctx, &Job{TenantID: "t1", ID: "grp-s2", SessionID: "s2"}); err != nil {
		t.Fatalf("CreateJob other session: %v", err)
	}

	jobs, err := s.QueryJobsBySession(ctx, "t1", "s1")
	if err != nil {
		t.Fatalf("QueryJobsBySession: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	for _, j := range jobs {
		if j.SessionID != "s1" {
			t.Errorf("job %s has sessionId %s", j.ID, j.SessionID)
		}
	}
}
