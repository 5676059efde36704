package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation with the same conditional
// semantics as DynamoStore. It backs unit tests and local runs of the
// pipeline; it is not meant for production use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession          // key: tenantID|sessionID
	items    map[string]map[string]*SessionItem // key: tenantID|sessionID -> objectKey
	jobs     map[string]*Job                    // key: tenantID|jobID
	states   map[string]map[string]*ItemState   // key: tenantID|jobID -> ref
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*UploadSession),
		items:    make(map[string]map[string]*SessionItem),
		jobs:     make(map[string]*Job),
		states:   make(map[string]map[string]*ItemState),
	}
}

func memKey(tenantID, id string) string {
	return tenantID + "|" + id
}

// --- Upload session operations ---

func (s *MemoryStore) CreateSession(_ context.Context, session *UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(session.TenantID, session.ID)
	if _, exists := s.sessions[key]; exists {
		return ErrConditionFailed
	}

	now := time.Now().Unix()
	cp := *session
	if cp.CreatedAt == 0 {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = now
	}
	if cp.Status == "" {
		cp.Status = SessionCollecting
	}
	s.sessions[key] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, tenantID, sessionID string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[memKey(tenantID, sessionID)]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) AddSessionItem(_ context.Context, item *SessionItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(item.TenantID, item.SessionID)
	bucket := s.items[key]
	if bucket == nil {
		bucket = make(map[string]*SessionItem)
		s.items[key] = bucket
	}
	if _, exists := bucket[item.ObjectKey]; exists {
		return false, nil
	}

	cp := *item
	bucket[item.ObjectKey] = &cp
	if session, ok := s.sessions[key]; ok {
		session.ItemCount++
		session.UpdatedAt = time.Now().Unix()
	}
	return true, nil
}

func (s *MemoryStore) ListSessionItems(_ context.Context, tenantID, sessionID string) ([]SessionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.items[memKey(tenantID, sessionID)]
	items := make([]SessionItem, 0, len(bucket))
	for _, item := range bucket {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ObjectKey < items[j].ObjectKey })
	return items, nil
}

func (s *MemoryStore) SetCompletionMarker(_ context.Context, tenantID, sessionID string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[memKey(tenantID, sessionID)]
	if !ok || session.CompletionMarkerAt != 0 {
		return false, nil
	}
	session.CompletionMarkerAt = at
	session.UpdatedAt = time.Now().Unix()
	return true, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, tenantID, sessionID, status string, allowedFrom ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[memKey(tenantID, sessionID)]
	if !ok {
		return ErrConditionFailed
	}
	if len(allowedFrom) > 0 && !contains(allowedFrom, session.Status) {
		return ErrConditionFailed
	}
	session.Status = status
	session.UpdatedAt = time.Now().Unix()
	return nil
}

// --- Job operations ---

func (s *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(job.TenantID, job.ID)
	if _, exists := s.jobs[key]; exists {
		return ErrConditionFailed
	}

	now := time.Now().Unix()
	cp := *job
	if cp.CreatedAt == 0 {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = now
	}
	if cp.Status == "" {
		cp.Status = JobPending
	}
	s.jobs[key] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, tenantID, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[memKey(tenantID, jobID)]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, tenantID, jobID string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[memKey(tenantID, jobID)]
	if !ok {
		return ErrConditionFailed
	}

	if patch.Status != nil {
		if len(patch.StatusIf) > 0 && !contains(patch.StatusIf, job.Status) {
			return ErrConditionFailed
		}
		job.Status = *patch.Status
	}
	if patch.Reason != nil {
		job.Reason = *patch.Reason
	}
	if patch.Result != nil {
		cp := *patch.Result
		job.Result = &cp
	}
	if patch.ResultManifestKey != nil {
		job.ResultManifestKey = *patch.ResultManifestKey
	}
	if patch.FallbackMode != nil {
		job.FallbackMode = *patch.FallbackMode
	}
	if patch.CanResume != nil {
		job.CanResume = *patch.CanResume
	}
	if patch.TotalCount != nil {
		job.TotalCount = *patch.TotalCount
	}
	if patch.LedgerEntryID != nil {
		job.LedgerEntryID = *patch.LedgerEntryID
	}
	if patch.Counters != nil {
		job.PendingCount += patch.Counters.Pending
		job.ProcessingCount += patch.Counters.Processing
		job.CompletedCount += patch.Counters.Completed
		job.FailedCount += patch.Counters.Failed
	}
	job.UpdatedAt = time.Now().Unix()
	return nil
}

func (s *MemoryStore) QueryJobsBySession(_ context.Context, tenantID, sessionID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*Job
	for _, job := range s.jobs {
		if job.TenantID == tenantID && job.SessionID == sessionID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// --- Item state operations ---

func (s *MemoryStore) PutItemStateIfAbsent(_ context.Context, item *ItemState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(item.TenantID, item.JobID)
	bucket := s.states[key]
	if bucket == nil {
		bucket = make(map[string]*ItemState)
		s.states[key] = bucket
	}
	if _, exists := bucket[item.Ref]; exists {
		return false, nil
	}

	cp := *item
	bucket[item.Ref] = &cp
	return true, nil
}

func (s *MemoryStore) GetItemStates(_ context.Context, tenantID, jobID string) ([]ItemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.states[memKey(tenantID, jobID)]
	states := make([]ItemState, 0, len(bucket))
	for _, state := range bucket {
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Ref < states[j].Ref })
	return states, nil
}

func (s *MemoryStore) UpdateItemState(_ context.Context, tenantID, jobID, ref string, patch ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.states[memKey(tenantID, jobID)]
	state, ok := bucket[ref]
	if !ok {
		return ErrConditionFailed
	}

	if patch.Status != nil {
		state.Status = *patch.Status
	}
	state.Attempts += patch.AttemptsDelta
	if patch.LastAttemptAt != nil {
		state.LastAttemptAt = *patch.LastAttemptAt
	}
	if patch.CurrentStep != nil {
		state.CurrentStep = *patch.CurrentStep
	}
	if patch.Error != nil {
		state.Error = *patch.Error
	}
	if patch.ProxyKey != nil {
		state.ProxyKey = *patch.ProxyKey
	}
	if patch.ResultRef != nil {
		state.ResultRef = *patch.ResultRef
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
