package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type bucketID struct {
	key   BucketKey
	start time.Time
	width int
}

// MemoryStore holds engine state in process. Every method runs under one lock,
// which gives it the same per-statement atomicity as the SQL repository.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[bucketID]int64
	incidents map[string]*Incident
	events    []IncidentEvent
	jobs      map[string]*Job
	outputs   []Output
	nextEvent int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:   map[bucketID]int64{},
		incidents: map[string]*Incident{},
		jobs:      map[string]*Job{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) IncrementBucket(ctx context.Context, key BucketKey, bucketStart time.Time, bucketSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// org is not part of the bucket identity
	key.OrgID = ""
	m.buckets[bucketID{key: key, start: bucketStart.UTC(), width: bucketSeconds}]++
	return nil
}

func (m *MemoryStore) SumBuckets(ctx context.Context, key BucketKey, start, end time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.OrgID = ""
	var total int64
	for id, value := range m.buckets {
		if id.key != key {
			continue
		}
		if id.start.Before(start) || !id.start.Before(end) {
			continue
		}
		total += value
	}
	return total, nil
}

func (m *MemoryStore) findOpen(projectID, environment, fingerprint string) *Incident {
	var found *Incident
	for _, inc := range m.incidents {
		if inc.Status != IncidentOpen || inc.ProjectID != projectID || inc.Environment != environment || inc.Fingerprint != fingerprint {
			continue
		}
		if found == nil || inc.OpenedAt.Before(found.OpenedAt) {
			found = inc
		}
	}
	return found
}

func (m *MemoryStore) FindOpenIncident(ctx context.Context, projectID, environment, fingerprint string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc := m.findOpen(projectID, environment, fingerprint); inc != nil {
		return *inc, nil
	}
	return Incident{}, ErrNotFound
}

func (m *MemoryStore) CreateIncident(ctx context.Context, inc Incident) (Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.findOpen(inc.ProjectID, inc.Environment, inc.Fingerprint); existing != nil {
		return *existing, false, nil
	}
	inc.Status = IncidentOpen
	inc.ResolvedAt = nil
	stored := inc
	m.incidents[inc.ID] = &stored
	return inc, true, nil
}

func (m *MemoryStore) TouchIncident(ctx context.Context, id string, seenAt time.Time, severity string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, ErrNotFound
	}
	inc.LastSeenAt = seenAt
	if SeverityRank(severity) > SeverityRank(inc.Severity) {
		inc.Severity = severity
	}
	return *inc, nil
}

func (m *MemoryStore) AddIncidentEvent(ctx context.Context, evt IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[evt.IncidentID]; !ok {
		return ErrNotFound
	}
	m.nextEvent++
	evt.ID = m.nextEvent
	m.events = append(m.events, evt)
	return nil
}

func (m *MemoryStore) GetIncident(ctx context.Context, id string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, ErrNotFound
	}
	return *inc, nil
}

func (m *MemoryStore) ListIncidentEvents(ctx context.Context, incidentID string, limit int) ([]IncidentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := []IncidentEvent{}
	for _, evt := range m.events {
		if evt.IncidentID == incidentID {
			results = append(results, evt)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].OccurredAt.After(results[j].OccurredAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.Status = IncidentResolved
	resolvedAt := at
	inc.ResolvedAt = &resolvedAt
	return nil
}

func (m *MemoryStore) MarkInvestigating(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok || inc.Status != IncidentOpen {
		return ErrNotFound
	}
	inc.Status = IncidentInvestigating
	return nil
}

func (m *MemoryStore) ListStaleIncidents(ctx context.Context, cutoff time.Time) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := []Incident{}
	for _, inc := range m.incidents {
		if inc.Status == IncidentOpen && inc.LastSeenAt.Before(cutoff) {
			results = append(results, *inc)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastSeenAt.Before(results[j].LastSeenAt)
	})
	return results, nil
}

func (m *MemoryStore) InsertJob(ctx context.Context, job Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[job.IncidentID]; !ok {
		return Job{}, ErrNotFound
	}
	job.UpdatedAt = job.CreatedAt
	stored := job
	m.jobs[job.ID] = &stored
	return job, nil
}

func eligible(job *Job, now time.Time) bool {
	if job.AttemptCount >= job.MaxAttempts {
		return false
	}
	switch job.Status {
	case JobQueued:
		return !job.RunAfter.After(now) && (job.LeasedUntil == nil || !job.LeasedUntil.After(now))
	case JobRunning:
		return job.LeasedUntil != nil && !job.LeasedUntil.After(now)
	}
	return false
}

func (m *MemoryStore) AcquireJob(ctx context.Context, now, leaseUntil time.Time) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var picked *Job
	for _, job := range m.jobs {
		if !eligible(job, now) {
			continue
		}
		if picked == nil || job.RunAfter.Before(picked.RunAfter) ||
			(job.RunAfter.Equal(picked.RunAfter) && job.CreatedAt.Before(picked.CreatedAt)) {
			picked = job
		}
	}
	if picked == nil {
		return Job{}, ErrNoJob
	}
	until := leaseUntil
	picked.Status = JobRunning
	picked.LeasedUntil = &until
	picked.AttemptCount++
	picked.UpdatedAt = now
	return copyJob(picked), nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobSucceeded
	job.LeasedUntil = nil
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) FailJob(ctx context.Context, id string, failure JobFailure, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	msg := failure.LastError
	job.Status = failure.Status
	job.LastError = &msg
	job.LeasedUntil = nil
	if failure.RunAfter != nil {
		job.RunAfter = *failure.RunAfter
	}
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RenewJob(ctx context.Context, id string, leaseUntil, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != JobRunning {
		return ErrNotFound
	}
	until := leaseUntil
	job.LeasedUntil = &until
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) JobStats(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{JobQueued: 0, JobRunning: 0, JobSucceeded: 0, JobFailed: 0}
	for _, job := range m.jobs {
		stats[job.Status]++
	}
	return stats, nil
}

// SetJob overwrites a job row; tests use it to stage lease states.
func (m *MemoryStore) SetJob(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := job
	m.jobs[job.ID] = &stored
}

// SetIncident overwrites an incident row; tests use it to stage stale or claimed incidents.
func (m *MemoryStore) SetIncident(inc Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := inc
	m.incidents[inc.ID] = &stored
}

func (m *MemoryStore) InsertOutput(ctx context.Context, out Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *MemoryStore) LatestOutput(ctx context.Context, incidentID string) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Output
	for i := range m.outputs {
		out := &m.outputs[i]
		if out.IncidentID != incidentID {
			continue
		}
		if latest == nil || !out.CreatedAt.Before(latest.CreatedAt) {
			latest = out
		}
	}
	if latest == nil {
		return Output{}, ErrNotFound
	}
	return *latest, nil
}

func copyJob(job *Job) Job {
	out := *job
	if job.LeasedUntil != nil {
		until := *job.LeasedUntil
		out.LeasedUntil = &until
	}
	if job.LastError != nil {
		msg := *job.LastError
		out.LastError = &msg
	}
	return out
}
