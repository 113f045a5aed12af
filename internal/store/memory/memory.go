// Package memory is an in-process store used by tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

// Store keeps every record in maps guarded by one mutex. Audit appends and
// outbox relays take an additional per-tenant lock so they never interleave.
type Store struct {
	mu sync.RWMutex

	idempotency map[string]models.IdempotencyRecord
	jobs        map[string]models.Job
	jobOrder    []string
	checkpoints map[string][]models.WorkflowCheckpoint
	tokens      map[string]models.ResumeToken
	reports     map[string]models.EvaluationReport
	outbox      map[string]models.OutboxEvent
	outboxOrder []string
	deliveries  map[string]models.OutboxDelivery
	dlq         map[string]models.DLQItem
	dlqOrder    []string
	holds       map[string]models.LegalHold
	holdOrder   []string
	assessments map[string]models.ReleaseReadinessAssessment
	policies    map[string]models.RolloutPolicy
	replays     map[string]models.ReplayRun

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	audit   map[string][]models.AuditEntry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		idempotency: make(map[string]models.IdempotencyRecord),
		jobs:        make(map[string]models.Job),
		checkpoints: make(map[string][]models.WorkflowCheckpoint),
		tokens:      make(map[string]models.ResumeToken),
		reports:     make(map[string]models.EvaluationReport),
		outbox:      make(map[string]models.OutboxEvent),
		deliveries:  make(map[string]models.OutboxDelivery),
		dlq:         make(map[string]models.DLQItem),
		holds:       make(map[string]models.LegalHold),
		assessments: make(map[string]models.ReleaseReadinessAssessment),
		policies:    make(map[string]models.RolloutPolicy),
		replays:     make(map[string]models.ReplayRun),
		locks:       make(map[string]*sync.Mutex),
		audit:       make(map[string][]models.AuditEntry),
	}
}

func (s *Store) Close() {}

func scopeKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

func (s *Store) GetIdempotency(_ context.Context, tenantID, endpoint, key string) (models.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[scopeKey(tenantID, endpoint, key)]
	return rec, ok, nil
}

func (s *Store) PutIdempotencyIfAbsent(_ context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey(rec.TenantID, rec.Endpoint, rec.Key)
	if existing, ok := s.idempotency[k]; ok {
		return existing, false, nil
	}
	s.idempotency[k] = rec
	return rec, true, nil
}

func (s *Store) CreateJob(_ context.Context, job models.Job, events ...models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrStaleStatus
	}
	s.jobs[job.ID] = cloneJob(job)
	s.jobOrder = append(s.jobOrder, job.ID)
	for _, ev := range events {
		s.appendOutboxLocked(ev)
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) UpdateJob(_ context.Context, job models.Job, from models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return store.ErrStaleStatus
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if f.TenantID != "" && job.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.ThreadID != "" && job.ThreadID != f.ThreadID {
			continue
		}
		out = append(out, cloneJob(job))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendCheckpoint(_ context.Context, cp models.WorkflowCheckpoint) (models.WorkflowCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[cp.ThreadID]
	cp.Seq = int64(len(list) + 1)
	s.checkpoints[cp.ThreadID] = append(list, cloneCheckpoint(cp))
	return cp, nil
}

func (s *Store) ListCheckpoints(_ context.Context, tenantID, threadID string) ([]models.WorkflowCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WorkflowCheckpoint, 0, len(s.checkpoints[threadID]))
	for _, cp := range s.checkpoints[threadID] {
		if cp.TenantID == tenantID {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	return out, nil
}

func (s *Store) PutResumeToken(_ context.Context, tok models.ResumeToken) (models.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokens[tok.EvaluationID]; ok {
		return existing, nil
	}
	s.tokens[tok.EvaluationID] = tok
	return tok, nil
}

func (s *Store) GetResumeToken(_ context.Context, evaluationID string) (models.ResumeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[evaluationID]
	if !ok {
		return models.ResumeToken{}, store.ErrNotFound
	}
	return tok, nil
}

func (s *Store) ConsumeResumeToken(_ context.Context, tenantID, evaluationID, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[evaluationID]
	if !ok || tok.Token != token || tok.TenantID != tenantID || !tok.Usable(now) {
		return false, nil
	}
	tok.Consumed = true
	tok.ConsumedAt = &now
	s.tokens[evaluationID] = tok
	return true, nil
}

func (s *Store) RestoreResumeToken(_ context.Context, tenantID, evaluationID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[evaluationID]
	if !ok || tok.Token != token || tok.TenantID != tenantID {
		return store.ErrNotFound
	}
	tok.Consumed = false
	tok.ConsumedAt = nil
	s.tokens[evaluationID] = tok
	return nil
}

func (s *Store) PutReport(_ context.Context, report models.EvaluationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.EvaluationID] = cloneReport(report)
	return nil
}

func (s *Store) GetReport(_ context.Context, evaluationID string) (models.EvaluationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[evaluationID]
	if !ok {
		return models.EvaluationReport{}, store.ErrNotFound
	}
	return cloneReport(r), nil
}

func (s *Store) appendOutboxLocked(ev models.OutboxEvent) {
	k := scopeKey(ev.TenantID, ev.EventID)
	if _, ok := s.outbox[k]; ok {
		return
	}
	s.outbox[k] = cloneEvent(ev)
	s.outboxOrder = append(s.outboxOrder, k)
}

func (s *Store) AppendOutboxEvent(_ context.Context, ev models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendOutboxLocked(ev)
	return nil
}

func (s *Store) GetOutboxEvent(_ context.Context, tenantID, eventID string) (models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.outbox[scopeKey(tenantID, eventID)]
	if !ok {
		return models.OutboxEvent{}, store.ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *Store) ListOutboxEvents(_ context.Context, tenantID, status string, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutboxEvent, 0)
	for _, k := range s.outboxOrder {
		ev := s.outbox[k]
		if ev.TenantID != tenantID || (status != "" && ev.Status != status) {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PendingOutboxTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, ev := range s.outbox {
		if ev.Status == models.OutboxPending {
			seen[ev.TenantID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, tenantID, eventID string, at time.Time) (models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey(tenantID, eventID)
	ev, ok := s.outbox[k]
	if !ok {
		return models.OutboxEvent{}, store.ErrNotFound
	}
	if ev.Status != models.OutboxPublished {
		ev.Status = models.OutboxPublished
		ev.PublishedAt = &at
		s.outbox[k] = ev
	}
	return cloneEvent(ev), nil
}

func (s *Store) GetDelivery(_ context.Context, tenantID, eventID, consumer string) (models.OutboxDelivery, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[scopeKey(tenantID, eventID, consumer)]
	return d, ok, nil
}

func (s *Store) PutDelivery(_ context.Context, d models.OutboxDelivery) (models.OutboxDelivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey(d.TenantID, d.EventID, d.ConsumerName)
	if existing, ok := s.deliveries[k]; ok {
		return existing, false, nil
	}
	s.deliveries[k] = d
	return d, true, nil
}

func (s *Store) LockOutboxTenant(_ context.Context, tenantID string) (func(), error) {
	l := s.lockFor("outbox", tenantID)
	l.Lock()
	return l.Unlock, nil
}

func (s *Store) CreateDLQItem(_ context.Context, item models.DLQItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq[item.DLQID] = item
	s.dlqOrder = append(s.dlqOrder, item.DLQID)
	return nil
}

func (s *Store) GetDLQItem(_ context.Context, dlqID string) (models.DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.dlq[dlqID]
	if !ok {
		return models.DLQItem{}, store.ErrNotFound
	}
	return item, nil
}

func (s *Store) UpdateDLQItem(_ context.Context, item models.DLQItem, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.dlq[item.DLQID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return store.ErrStaleStatus
	}
	s.dlq[item.DLQID] = item
	return nil
}

func (s *Store) ListDLQItems(_ context.Context, tenantID, status string) ([]models.DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DLQItem, 0)
	for _, id := range s.dlqOrder {
		item := s.dlq[id]
		if item.TenantID == tenantID && (status == "" || item.Status == status) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) lockFor(scope, tenantID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	k := scopeKey(scope, tenantID)
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *Store) AppendAudit(_ context.Context, tenantID string, build store.AuditBuilder) (models.AuditEntry, error) {
	l := s.lockFor("audit", tenantID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	chain := s.audit[tenantID]
	prev := ""
	if n := len(chain); n > 0 {
		prev = chain[n-1].EntryHash
	}
	s.mu.RUnlock()

	entry, err := build(prev)
	if err != nil {
		return models.AuditEntry{}, err
	}
	s.mu.Lock()
	s.audit[tenantID] = append(s.audit[tenantID], cloneAudit(entry))
	s.mu.Unlock()
	return entry, nil
}

func (s *Store) ListAudit(_ context.Context, tenantID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditEntry, len(s.audit[tenantID]))
	for i, e := range s.audit[tenantID] {
		out[i] = cloneAudit(e)
	}
	return out, nil
}

// TamperAudit overwrites one stored entry. Tests use it to exercise integrity verification.
func (s *Store) TamperAudit(tenantID string, index int, mutate func(*models.AuditEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.audit[tenantID]) {
		mutate(&s.audit[tenantID][index])
	}
}

func (s *Store) CreateLegalHold(_ context.Context, hold models.LegalHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[hold.HoldID] = hold
	s.holdOrder = append(s.holdOrder, hold.HoldID)
	return nil
}

func (s *Store) GetLegalHold(_ context.Context, holdID string) (models.LegalHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[holdID]
	if !ok {
		return models.LegalHold{}, store.ErrNotFound
	}
	return h, nil
}

func (s *Store) UpdateLegalHold(_ context.Context, hold models.LegalHold, from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.holds[hold.HoldID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return store.ErrStaleStatus
	}
	s.holds[hold.HoldID] = hold
	return nil
}

func (s *Store) ListLegalHolds(_ context.Context, tenantID, status string) ([]models.LegalHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LegalHold, 0)
	for _, id := range s.holdOrder {
		h := s.holds[id]
		if h.TenantID == tenantID && (status == "" || h.Status == status) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) FindActiveLegalHold(_ context.Context, tenantID, objectType, objectID string) (models.LegalHold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.holdOrder {
		h := s.holds[id]
		if h.TenantID == tenantID && h.ObjectType == objectType && h.ObjectID == objectID && h.Status == models.HoldActive {
			return h, true, nil
		}
	}
	return models.LegalHold{}, false, nil
}

func (s *Store) PutAssessment(_ context.Context, a models.ReleaseReadinessAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.AssessmentID] = a
	return nil
}

func (s *Store) GetAssessment(_ context.Context, assessmentID string) (models.ReleaseReadinessAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assessments[assessmentID]
	if !ok {
		return models.ReleaseReadinessAssessment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) PutRolloutPolicy(_ context.Context, p models.RolloutPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ReleaseID] = p
	return nil
}

func (s *Store) GetRolloutPolicy(_ context.Context, releaseID string) (models.RolloutPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[releaseID]
	if !ok {
		return models.RolloutPolicy{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutReplayRun(_ context.Context, r models.ReplayRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays[r.ReplayRunID] = r
	return nil
}
