package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type ledgerKey struct {
	user   string
	action string
}

// InMemoryStore is a process-local Store used in tests and when no DSN is configured.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[models.ConversationKey]models.Conversation
	subjects      map[string]models.Subject
	ledger        map[ledgerKey]models.LedgerEntry
	sessions      map[string]models.SessionRecord
	readings      map[string]models.Reading
	metrics       map[string]models.AnalysisMetrics
	thresholds    map[string]models.AlertThreshold
	jobs          map[string]Job
	dedup         map[string]DedupRecord
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[models.ConversationKey]models.Conversation),
		subjects:      make(map[string]models.Subject),
		ledger:        make(map[ledgerKey]models.LedgerEntry),
		sessions:      make(map[string]models.SessionRecord),
		readings:      make(map[string]models.Reading),
		metrics:       make(map[string]models.AnalysisMetrics),
		thresholds:    make(map[string]models.AlertThreshold),
		jobs:          make(map[string]Job),
		dedup:         make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	s.conversations[conv.Key] = conv
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key)
	return nil
}

func (s *InMemoryStore) GetSubject(ctx context.Context, identityKey string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[identityKey]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *InMemoryStore) GetSubjectByDevice(ctx context.Context, deviceID string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Subject
	for _, sub := range s.subjects {
		if sub.DeviceID != deviceID {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			cp := sub
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) UpsertSubject(ctx context.Context, sub models.Subject) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.DeviceID != "" {
		for key, other := range s.subjects {
			if key != sub.IdentityKey && other.DeviceID == sub.DeviceID {
				return false, models.ErrDeviceTaken
			}
		}
	}
	now := time.Now()
	prev, exists := s.subjects[sub.IdentityKey]
	if exists {
		sub.CreatedAt = prev.CreatedAt
		if prev.DeviceID == sub.DeviceID {
			sub.Calibrated = prev.Calibrated
		}
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subjects[sub.IdentityKey] = sub
	return !exists, nil
}

func (s *InMemoryStore) SetCalibrated(ctx context.Context, identityKey string, calibrated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[identityKey]
	if !ok {
		return models.ErrSubjectNotFound
	}
	sub.Calibrated = calibrated
	sub.UpdatedAt = time.Now()
	s.subjects[identityKey] = sub
	return nil
}

func (s *InMemoryStore) GetLedgerEntry(ctx context.Context, userID, actionKey string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ledger[ledgerKey{userID, actionKey}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) SaveLedgerEntry(ctx context.Context, e models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	s.ledger[ledgerKey{e.UserID, e.ActionKey}] = e
	return nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = models.SessionStatusActive
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.readings, id)
	return nil
}

func (s *InMemoryStore) CloseSession(ctx context.Context, id string, status models.SessionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || rec.Status != models.SessionStatusActive {
		return false, nil
	}
	rec.Status = status
	rec.FinalizedAt = &at
	s.sessions[id] = rec
	return true, nil
}

func (s *InMemoryStore) GetActiveSessionForSubject(ctx context.Context, subjectID string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.SessionRecord
	for _, rec := range s.sessions {
		if rec.SubjectID != subjectID || rec.Status != models.SessionStatusActive {
			continue
		}
		if found == nil || rec.CreatedAt.After(found.CreatedAt) {
			cp := rec
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) ListActiveSessions(ctx context.Context) ([]models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionRecord
	for _, rec := range s.sessions {
		if rec.Status == models.SessionStatusActive {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddReading(ctx context.Context, sessionID string, r models.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.readings[sessionID]
	t.Add(r)
	s.readings[sessionID] = t
	return nil
}

func (s *InMemoryStore) GetReadingTally(ctx context.Context, sessionID string) (models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readings[sessionID], nil
}

func (s *InMemoryStore) SaveMetrics(ctx context.Context, m models.AnalysisMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.SessionID] = m
	return nil
}

func (s *InMemoryStore) GetMetrics(ctx context.Context, sessionID string) (*models.AnalysisMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[sessionID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) GetAlertThreshold(ctx context.Context, deviceID string) (*models.AlertThreshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.thresholds[deviceID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) SaveAlertThreshold(ctx context.Context, t models.AlertThreshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	s.thresholds[t.DeviceID] = t
	return nil
}

func (s *InMemoryStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: 3,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) setJobStatus(id string, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
		s.jobs[id] = j
	}
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	s.setJobStatus(id, JobStatusDone)
	return nil
}

func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	s.setJobStatus(id, JobStatusCanceled)
	return nil
}

func (s *InMemoryStore) CancelJobsByDedupeKey(ctx context.Context, dedupeKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
			j.Status = JobStatusCanceled
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
		s.dedup[messageID] = r
	}
	return nil
}
