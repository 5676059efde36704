package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/fpang/photo-batch-pipeline/internal/message"
	"github.com/fpang/photo-batch-pipeline/internal/store"
)

// fakeQueue records sent messages and their delays.
type fakeQueue struct {
	sent   []any
	delays []time.Duration
}

func (q *fakeQueue) Send(ctx context.Context, msg any) error {
	return q.SendDelayed(ctx, msg, 0)
}

func (q *fakeQueue) SendDelayed(_ context.Context, msg any, delay time.Duration) error {
	q.sent = append(q.sent, msg)
	q.delays = append(q.delays, delay)
	return nil
}

const testGrace = 20 * time.Second

func newTestHandler(st store.Store) (*Handler, *fakeQueue, *fakeQueue, *time.Time) {
	shardQ := &fakeQueue{}
	workQ := &fakeQueue{}
	h := NewHandler(st, shardQ, workQ, testGrace, true)

	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }
	return h, shardQ, workQ, &now
}

func objMsg(key string) *message.ObjectMessage {
	return &message.ObjectMessage{
		Bucket:     "uploads",
		ObjectKey:  key,
		TenantID:   "t1",
		SessionID:  "s1",
		OccurredAt: time.Unix(1699999000, 0),
	}
}

func trgMsg() *message.TriggerMessage {
	return &message.TriggerMessage{
		TenantID:   "t1",
		SessionID:  "s1",
		OccurredAt: time.Unix(1699999900, 0),
	}
}

func TestHandleObjectIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, _, _, _ := newTestHandler(st)

	for i := 0; i < 2; i++ {
		if err := h.HandleObject(ctx, objMsg("photos/a.jpg")); err != nil {
			t.Fatalf("HandleObject: %v", err)
		}
	}
	if err := h.HandleObject(ctx, objMsg("photos/b.jpg")); err != nil {
		t.Fatalf("HandleObject: %v", err)
	}

	session, err := st.GetSession(ctx, "t1", "s1")
	if err != nil || session == nil {
		t.Fatalf("GetSession = %v, %v", session, err)
	}
	if session.ItemCount != 2 {
		t.Errorf("ItemCount = %d after duplicate delivery, want 2", session.ItemCount)
	}

	items, _ := st.ListSessionItems(ctx, "t1", "s1")
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestFirstTriggerAnchorsMarkerAndDefersFullGrace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, shardQ, workQ, _ := newTestHandler(st)

	if err := h.HandleObject(ctx, objMsg("photos/a.jpg")); err != nil {
		t.Fatalf("HandleObject: %v", err)
	}
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	if len(shardQ.sent) != 1 {
		t.Fatalf("shard queue got %d messages, want 1 re-enqueued trigger", len(shardQ.sent))
	}
	if _, ok := shardQ.sent[0].(*message.TriggerMessage); !ok {
		t.Errorf("re-enqueued message is %T, want TriggerMessage", shardQ.sent[0])
	}
	if shardQ.delays[0] != testGrace {
		t.Errorf("delay = %s, want full grace %s", shardQ.delays[0], testGrace)
	}
	if len(workQ.sent) != 0 {
		t.Errorf("work queue got %d messages before grace elapsed", len(workQ.sent))
	}

	session, _ := st.GetSession(ctx, "t1", "s1")
	if session.CompletionMarkerAt == 0 {
		t.Error("completion marker not anchored")
	}
}

func TestTriggerInsideGraceDefersRemainder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, shardQ, _, now := newTestHandler(st)

	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	*now = now.Add(5 * time.Second)
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if len(shardQ.sent) != 2 {
		t.Fatalf("shard queue got %d messages, want 2", len(shardQ.sent))
	}
	if want := testGrace - 5*time.Second; shardQ.delays[1] != want {
		t.Errorf("second delay = %s, want remaining grace %s", shardQ.delays[1], want)
	}
}

func TestGraceElapsedCreatesJobExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, _, workQ, now := newTestHandler(st)

	for _, key := range []string{"photos/a.jpg", "photos/b.jpg", "photos/c.jpg"} {
		if err := h.HandleObject(ctx, objMsg(key)); err != nil {
			t.Fatalf("HandleObject: %v", err)
		}
	}
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("anchor trigger: %v", err)
	}

	*now = now.Add(testGrace + time.Second)

	// Concurrent re-deliveries racing past the grace check.
	for i := 0; i < 3; i++ {
		if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
			t.Fatalf("post-grace trigger %d: %v", i, err)
		}
	}

	jobs, err := st.QueryJobsBySession(ctx, "t1", "s1")
	if err != nil {
		t.Fatalf("QueryJobsBySession: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want exactly 1", len(jobs))
	}
	job := jobs[0]
	if job.ID != "grp-s1" || job.Type != store.JobTypeGrouping {
		t.Errorf("job = %s/%s", job.ID, job.Type)
	}
	if job.TotalCount != 3 || job.PendingCount != 3 {
		t.Errorf("counts = total %d pending %d, want 3/3", job.TotalCount, job.PendingCount)
	}

	session, _ := st.GetSession(ctx, "t1", "s1")
	if session.Status != store.SessionProcessing {
		t.Errorf("session status = %s, want processing", session.Status)
	}

	if len(workQ.sent) == 0 {
		t.Fatal("no grouping job message dispatched")
	}
	if gm, ok := workQ.sent[0].(*message.GroupingJobMessage); !ok || gm.JobID != "grp-s1" {
		t.Errorf("work message = %#v", workQ.sent[0])
	}
}

func TestGroupingJobCountsItemsNotSessionCounter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, _, _, now := newTestHandler(st)

	// An item record that never made it into the session counter, as when
	// the process dies between the item put and the counter bump.
	if _, err := st.AddSessionItem(ctx, &store.SessionItem{
		TenantID:  "t1",
		SessionID: "s1",
		Bucket:    "uploads",
		ObjectKey: "photos/orphan.jpg",
	}); err != nil {
		t.Fatalf("AddSessionItem: %v", err)
	}

	for _, key := range []string{"photos/a.jpg", "photos/b.jpg"} {
		if err := h.HandleObject(ctx, objMsg(key)); err != nil {
			t.Fatalf("HandleObject: %v", err)
		}
	}

	session, _ := st.GetSession(ctx, "t1", "s1")
	if session.ItemCount >= 3 {
		t.Fatalf("ItemCount = %d, expected undercount below 3", session.ItemCount)
	}

	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("anchor trigger: %v", err)
	}
	*now = now.Add(testGrace + time.Second)
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("post-grace trigger: %v", err)
	}

	job, err := st.GetJob(ctx, "t1", "grp-s1")
	if err != nil || job == nil {
		t.Fatalf("GetJob = %v, %v", job, err)
	}
	if job.TotalCount != 3 || job.PendingCount != 3 {
		t.Errorf("counts = total %d pending %d, want 3/3 from the item records", job.TotalCount, job.PendingCount)
	}
}

func TestLateObjectsInsideGraceAreIncluded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, _, _, now := newTestHandler(st)

	if err := h.HandleObject(ctx, objMsg("photos/a.jpg")); err != nil {
		t.Fatalf("HandleObject: %v", err)
	}
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("anchor trigger: %v", err)
	}

	// Late arrivals within the grace window still count.
	*now = now.Add(10 * time.Second)
	if err := h.HandleObject(ctx, objMsg("photos/late.jpg")); err != nil {
		t.Fatalf("late HandleObject: %v", err)
	}

	*now = now.Add(testGrace)
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("post-grace trigger: %v", err)
	}

	job, _ := st.GetJob(ctx, "t1", "grp-s1")
	if job == nil {
		t.Fatal("grouping job not created")
	}
	if job.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2 including late arrival", job.TotalCount)
	}
}

func TestTriggerBeforeAnyObjectCreatesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h, shardQ, _, _ := newTestHandler(st)

	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	session, err := st.GetSession(ctx, "t1", "s1")
	if err != nil || session == nil {
		t.Fatalf("session not created: %v, %v", session, err)
	}
	if len(shardQ.sent) != 1 {
		t.Errorf("expected one re-enqueued trigger, got %d", len(shardQ.sent))
	}
}

func TestGroupingDisabledWritesPlaceholderJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	shardQ := &fakeQueue{}
	workQ := &fakeQueue{}
	h := NewHandler(st, shardQ, workQ, testGrace, false)
	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }

	if err := h.HandleObject(ctx, objMsg("photos/a.jpg")); err != nil {
		t.Fatalf("HandleObject: %v", err)
	}
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("anchor trigger: %v", err)
	}

	now = now.Add(testGrace + time.Second)
	if err := h.HandleTrigger(ctx, trgMsg()); err != nil {
		t.Fatalf("post-grace trigger: %v", err)
	}

	session, _ := st.GetSession(ctx, "t1", "s1")
	if session.Status != store.SessionDisabled {
		t.Errorf("session status = %s, want disabled", session.Status)
	}

	job, _ := st.GetJob(ctx, "t1", "grp-s1")
	if job == nil {
		t.Fatal("placeholder job not written")
	}
	if job.Status != store.JobFailed || job.Reason == "" {
		t.Errorf("placeholder job = status %s reason %q, want failed with reason", job.Status, job.Reason)
	}
	if len(workQ.sent) != 0 {
		t.Errorf("work queue got %d messages for disabled session", len(workQ.sent))
	}
}
