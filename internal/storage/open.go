package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Backend is the persistence surface shared by Repository and MemoryStore.
type Backend interface {
	Ping(ctx context.Context) error

	IncrementBucket(ctx context.Context, key BucketKey, bucketStart time.Time, bucketSeconds int) error
	SumBuckets(ctx context.Context, key BucketKey, start, end time.Time) (int64, error)

	FindOpenIncident(ctx context.Context, projectID, environment, fingerprint string) (Incident, error)
	CreateIncident(ctx context.Context, inc Incident) (Incident, bool, error)
	TouchIncident(ctx context.Context, id string, seenAt time.Time, severity string) (Incident, error)
	AddIncidentEvent(ctx context.Context, evt IncidentEvent) error
	GetIncident(ctx context.Context, id string) (Incident, error)
	ListIncidentEvents(ctx context.Context, incidentID string, limit int) ([]IncidentEvent, error)
	ResolveIncident(ctx context.Context, id string, at time.Time) error
	MarkInvestigating(ctx context.Context, id string) error
	ListStaleIncidents(ctx context.Context, cutoff time.Time) ([]Incident, error)

	InsertJob(ctx context.Context, job Job) (Job, error)
	AcquireJob(ctx context.Context, now, leaseUntil time.Time) (Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	FailJob(ctx context.Context, id string, failure JobFailure, now time.Time) error
	RenewJob(ctx context.Context, id string, leaseUntil, now time.Time) error
	GetJob(ctx context.Context, id string) (Job, error)
	JobStats(ctx context.Context) (map[string]int, error)

	InsertOutput(ctx context.Context, out Output) error
	LatestOutput(ctx context.Context, incidentID string) (Output, error)
}

var (
	_ Backend = (*Repository)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Open returns the backend selected by driver and a func releasing it.
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Backend, func(), error) {
	switch driver {
	case "", DriverPostgres:
		store, err := NewStore(ctx, dsn, maxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return NewRepository(store), store.Close, nil
	case DriverMemory:
		return NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
}
