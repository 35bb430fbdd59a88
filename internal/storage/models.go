package storage

import (
	"encoding/json"
	"time"
)

const (
	IncidentOpen          = "open"
	IncidentInvestigating = "investigating"
	IncidentResolved      = "resolved"

	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"

	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"

	JobTypeIncidentSummary = "incident_summary"
	OutputTypeSummary      = "summary"
)

// SeverityRank orders incident severities; unknown values rank lowest.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityWarn:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type BucketKey struct {
	OrgID       string
	ProjectID   string
	Environment string
	MetricName  string
	Fingerprint string
}

type Incident struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	ProjectID   string     `json:"project_id"`
	Environment string     `json:"environment"`
	Fingerprint string     `json:"fingerprint"`
	Status      string     `json:"status"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	OpenedAt    time.Time  `json:"opened_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type IncidentEvent struct {
	ID         int64
	IncidentID string
	EventID    string
	OccurredAt time.Time
	EventType  string
	Severity   string
	Attributes map[string]any
}

type Job struct {
	ID           string     `json:"id"`
	IncidentID   string     `json:"incident_id"`
	JobType      string     `json:"job_type"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	RunAfter     time.Time  `json:"run_after"`
	LeasedUntil  *time.Time `json:"leased_until,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Output struct {
	ID         string
	IncidentID string
	OutputType string
	Model      string
	Content    json.RawMessage
	CreatedAt  time.Time
}

// JobFailure is the state written by a failed attempt. RunAfter is nil for terminal failures.
type JobFailure struct {
	Status    string
	LastError string
	RunAfter  *time.Time
}
