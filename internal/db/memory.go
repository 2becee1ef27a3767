package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process job store with the same claim and completion
// contracts as Repository. A single mutex makes every operation atomic. It
// backs local development (STORE_BACKEND=memory) and tests.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*Job
	settings     *MailSettings
	claimTimeout time.Duration
}

// NewMemoryStore creates an empty store. A zero claimTimeout uses
// DefaultClaimTimeout.
func NewMemoryStore(claimTimeout time.Duration) *MemoryStore {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &MemoryStore{
		jobs:         make(map[uuid.UUID]*Job),
		claimTimeout: claimTimeout,
	}
}

// SetMailSettings replaces the active delivery configuration
func (m *MemoryStore) SetMailSettings(s *MailSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		m.settings = nil
		return
	}
	cp := *s
	m.settings = &cp
}

func (m *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(job.RegistrationID, job.Kind) != nil {
		return ErrDuplicateJob
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) FindActive(ctx context.Context, registrationID string, kind Kind) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job := m.activeLocked(registrationID, kind); job != nil {
		return cloneJob(job), nil
	}
	return nil, nil
}

func (m *MemoryStore) activeLocked(registrationID string, kind Kind) *Job {
	for _, job := range m.jobs {
		if job.RegistrationID == registrationID && job.Kind == kind && job.Status != StatusCancelled {
			return job
		}
	}
	return nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, limit int, workerID string, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := now.Add(-m.claimTimeout)
	var due []*Job
	for _, job := range m.jobs {
		switch {
		case job.Status == StatusPending && !job.ScheduledAt.After(now):
			due = append(due, job)
		case job.Status == StatusClaimed && job.ClaimedAt != nil && !job.ClaimedAt.After(expired):
			due = append(due, job)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, job := range due {
		if job.Status == StatusClaimed {
			// The previous owner never completed; that counts as an attempt
			job.AttemptCount++
			job.LastError = errorPtr(ClaimExpiredError)
		}
		claimedAt := now
		owner := workerID
		job.Status = StatusClaimed
		job.ClaimedAt = &claimedAt
		job.ClaimedBy = &owner
		job.UpdatedAt = now
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

func (m *MemoryStore) Complete(ctx context.Context, id uuid.UUID, workerID string, outcome Outcome, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != StatusClaimed || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
		return nil, ErrClaimConflict
	}

	applyOutcome(job, outcome, now)
	return cloneJob(job), nil
}

func (m *MemoryStore) CancelByRegistration(ctx context.Context, registrationID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := now.Add(-m.claimTimeout)
	cancelled := 0
	for _, job := range m.jobs {
		if job.RegistrationID != registrationID {
			continue
		}
		stale := job.Status == StatusClaimed && job.ClaimedAt != nil && !job.ClaimedAt.After(expired)
		if job.Status == StatusPending || stale {
			job.Status = StatusCancelled
			job.ClaimedAt = nil
			job.ClaimedBy = nil
			job.UpdatedAt = now
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *MemoryStore) Withdrawn(ctx context.Context, registrationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := false
	for _, job := range m.jobs {
		if job.RegistrationID != registrationID {
			continue
		}
		switch job.Status {
		case StatusCancelled:
			cancelled = true
		case StatusPending, StatusClaimed:
			return false, nil
		}
	}
	return cancelled, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]*Job, error) {
	return m.list(func(j *Job) bool { return j.EventID == eventID }, limit, offset), nil
}

func (m *MemoryStore) ListByRegistration(ctx context.Context, registrationID string, limit, offset int) ([]*Job, error) {
	return m.list(func(j *Job) bool { return j.RegistrationID == registrationID }, limit, offset), nil
}

func (m *MemoryStore) list(match func(*Job) bool, limit, offset int) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*Job
	for _, job := range m.jobs {
		if match(job) {
			jobs = append(jobs, cloneJob(job))
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].Kind < jobs[j].Kind
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})

	if offset >= len(jobs) {
		return nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func (m *MemoryStore) ActiveMailSettings(ctx context.Context) (*MailSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings == nil {
		return nil, ErrNoMailSettings
	}
	cp := *m.settings
	return &cp, nil
}

func cloneJob(j *Job) *Job {
	cp := *j
	if j.LastError != nil {
		v := *j.LastError
		cp.LastError = &v
	}
	if j.ClaimedAt != nil {
		v := *j.ClaimedAt
		cp.ClaimedAt = &v
	}
	if j.ClaimedBy != nil {
		v := *j.ClaimedBy
		cp.ClaimedBy = &v
	}
	if j.SentAt != nil {
		v := *j.SentAt
		cp.SentAt = &v
	}
	if j.Snapshot.CPDPoints != nil {
		v := *j.Snapshot.CPDPoints
		cp.Snapshot.CPDPoints = &v
	}
	return &cp
}
