package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fpang/photo-batch-pipeline/internal/store"
)

func seedJob(t *testing.T, st store.Store, itemCount int) string {
	t.Helper()
	ctx := context.Background()
	jobID := "tf-g1"

	if err := st.CreateJob(ctx, &store.Job{
		TenantID:       "t1",
		ID:             jobID,
		SessionID:      "s1",
		Type:           store.JobTypeTransform,
		GroupID:        "g1",
		Status:         store.JobProcessing,
		TotalCount:     itemCount,
		PendingCount:   itemCount - 1,
		CompletedCount: 1,
		Result: &store.JobResult{
			Groups: []store.Group{{ID: "pg_1", MemberRefs: []string{"a", "b"}}},
		},
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i := 0; i < itemCount; i++ {
		status := store.ItemPending
		if i == 0 {
			status = store.ItemCompleted
		}
		if _, err := st.PutItemStateIfAbsent(ctx, &store.ItemState{
			TenantID: "t1",
			JobID:    jobID,
			Ref:      fmt.Sprintf("img-%03d.jpg", i),
			Status:   status,
		}); err != nil {
			t.Fatalf("PutItemStateIfAbsent: %v", err)
		}
	}
	return jobID
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(tenantHeader, "t1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	api := NewAPI(store.NewMemoryStore())
	rec := doRequest(t, api.Router(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestGetJobRequiresTenantHeader(t *testing.T) {
	api := NewAPI(store.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/jobs/tf-g1", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant header = %d, want 400", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	api := NewAPI(store.NewMemoryStore())
	rec := doRequest(t, api.Router(), http.MethodGet, "/jobs/unknown")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job = %d, want 404", rec.Code)
	}
}

func TestGetJobProgressSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 3)
	api := NewAPI(st)

	rec := doRequest(t, api.Router(), http.MethodGet, "/jobs/"+jobID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job = %d, body %s", rec.Code, rec.Body.String())
	}

	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != store.JobProcessing {
		t.Errorf("status = %s", view.Status)
	}
	if view.Progress.Total != 3 || view.Progress.Completed != 1 || view.Progress.Pending != 2 {
		t.Errorf("progress = %+v", view.Progress)
	}
	if len(view.Items) != 3 {
		t.Errorf("items = %d, want 3", len(view.Items))
	}
	// The nested grouping result stays out of the default view.
	if view.Result != nil {
		t.Error("result present in default view")
	}
}

func TestGetJobIncludeResult(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 2)
	api := NewAPI(st)

	rec := doRequest(t, api.Router(), http.MethodGet, "/jobs/"+jobID+"?include=result")
	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Result == nil || len(view.Result.Groups) != 1 {
		t.Fatalf("result = %+v, want one group", view.Result)
	}
}

func TestPaginationRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 37)
	api := NewAPI(st)

	seen := make(map[string]bool)
	offset := 0
	pages := 0
	for {
		rec := doRequest(t, api.Router(), http.MethodGet,
			fmt.Sprintf("/jobs/%s?offset=%d&limit=10", jobID, offset))
		if rec.Code != http.StatusOK {
			t.Fatalf("page at offset %d = %d", offset, rec.Code)
		}
		var view jobView
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode: %v", err)
		}
		pages++
		for _, item := range view.Items {
			if seen[item.Ref] {
				t.Errorf("ref %s returned twice", item.Ref)
			}
			seen[item.Ref] = true
		}
		if !view.Pagination.HasMore {
			break
		}
		offset = view.Pagination.NextOffset
	}

	if pages != 4 {
		t.Errorf("walked %d pages, want 4", pages)
	}
	if len(seen) != 37 {
		t.Errorf("collected %d refs, want 37", len(seen))
	}
}

func TestPaginationLimitClamp(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 60)
	api := NewAPI(st)

	rec := doRequest(t, api.Router(), http.MethodGet, "/jobs/"+jobID+"?limit=500")
	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Pagination.Limit != maxPageLimit {
		t.Errorf("limit = %d, want %d", view.Pagination.Limit, maxPageLimit)
	}
	if len(view.Items) != maxPageLimit {
		t.Errorf("items = %d, want %d", len(view.Items), maxPageLimit)
	}
}

func TestPaginationOffsetPastEnd(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 3)
	api := NewAPI(st)

	rec := doRequest(t, api.Router(), http.MethodGet, "/jobs/"+jobID+"?offset=100")
	if rec.Code != http.StatusOK {
		t.Fatalf("offset past end = %d, want 200", rec.Code)
	}
	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Items) != 0 || view.Pagination.HasMore {
		t.Errorf("items=%d hasMore=%v, want empty final page", len(view.Items), view.Pagination.HasMore)
	}
}

func TestCancelActiveJob(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 2)
	api := NewAPI(st)

	rec := doRequest(t, api.Router(), http.MethodPost, "/jobs/"+jobID+"/cancel")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	var resp cancelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != store.JobCancelled || resp.Conflict != "" {
		t.Errorf("cancel response = %+v", resp)
	}

	job, _ := st.GetJob(context.Background(), "t1", jobID)
	if job.Status != store.JobCancelled {
		t.Errorf("job status = %s", job.Status)
	}
}

func TestCancelSettledJobReportsConflictInBody(t *testing.T) {
	st := store.NewMemoryStore()
	jobID := seedJob(t, st, 2)
	api := NewAPI(st)
	ctx := context.Background()

	completed := store.JobCompleted
	if err := st.UpdateJob(ctx, "t1", jobID, store.JobPatch{
		Status:   &completed,
		StatusIf: []string{store.JobProcessing},
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	rec := doRequest(t, api.Router(), http.MethodPost, "/jobs/"+jobID+"/cancel")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel settled = %d, want 200", rec.Code)
	}
	var resp cancelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != store.JobCompleted || resp.Conflict == "" {
		t.Errorf("conflict response = %+v", resp)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	api := NewAPI(store.NewMemoryStore())
	rec := doRequest(t, api.Router(), http.MethodPost, "/jobs/nope/cancel")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d, want 404", rec.Code)
	}
}
