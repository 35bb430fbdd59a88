package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signals-backend/internal/events"
	"signals-backend/internal/metrics"
	"signals-backend/internal/rules"
	"signals-backend/internal/storage"
)

type Store interface {
	FindOpenIncident(ctx context.Context, projectID, environment, fingerprint string) (storage.Incident, error)
	CreateIncident(ctx context.Context, inc storage.Incident) (storage.Incident, bool, error)
	TouchIncident(ctx context.Context, id string, seenAt time.Time, severity string) (storage.Incident, error)
	AddIncidentEvent(ctx context.Context, evt storage.IncidentEvent) error
	GetIncident(ctx context.Context, id string) (storage.Incident, error)
	ResolveIncident(ctx context.Context, id string, at time.Time) error
	MarkInvestigating(ctx context.Context, id string) error
	ListStaleIncidents(ctx context.Context, cutoff time.Time) ([]storage.Incident, error)
}

var (
	_ Store = (*storage.Repository)(nil)
	_ Store = (*storage.MemoryStore)(nil)
)

type Manager struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Outranks reports whether severity a is strictly higher than b.
func Outranks(a, b string) bool {
	return storage.SeverityRank(a) > storage.SeverityRank(b)
}

// ProcessTrigger attaches a triggering event to the open incident for its
// fingerprint, creating one when none is open. isNew is true only for the call
// that created the incident, and stays true when the event link then fails.
func (m *Manager) ProcessTrigger(ctx context.Context, e events.Envelope, result rules.Result) (storage.Incident, bool, error) {
	now := m.now().UTC()
	inc, err := m.store.FindOpenIncident(ctx, e.ProjectID, e.Environment, result.Fingerprint)
	isNew := false
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		inc, isNew, err = m.store.CreateIncident(ctx, storage.Incident{
			ID:          uuid.NewString(),
			OrgID:       e.OrgID,
			ProjectID:   e.ProjectID,
			Environment: e.Environment,
			Fingerprint: result.Fingerprint,
			Status:      storage.IncidentOpen,
			Severity:    result.Severity,
			Title:       result.Title,
			OpenedAt:    now,
			LastSeenAt:  now,
		})
		if err != nil {
			return storage.Incident{}, false, fmt.Errorf("create incident: %w", err)
		}
	default:
		return storage.Incident{}, false, fmt.Errorf("find open incident: %w", err)
	}

	if isNew {
		metrics.IncidentOpened(result.RuleType, inc.Severity)
		m.logger.Info("incident opened",
			slog.String("incident_id", inc.ID),
			slog.String("fingerprint", inc.Fingerprint),
			slog.String("severity", inc.Severity),
			slog.String("rule", result.RuleType))
	} else {
		previous := inc.Severity
		inc, err = m.store.TouchIncident(ctx, inc.ID, now, result.Severity)
		if err != nil {
			return storage.Incident{}, false, fmt.Errorf("update incident: %w", err)
		}
		escalated := Outranks(inc.Severity, previous)
		metrics.IncidentUpdated(escalated)
		if escalated {
			m.logger.Info("incident escalated",
				slog.String("incident_id", inc.ID),
				slog.String("from", previous),
				slog.String("to", inc.Severity))
		}
	}

	link := storage.IncidentEvent{
		IncidentID: inc.ID,
		EventID:    e.EventID,
		OccurredAt: e.OccurredAt,
		EventType:  e.EventType,
		Severity:   e.Severity,
		Attributes: e.Attributes,
	}
	if err := m.store.AddIncidentEvent(ctx, link); err != nil {
		return inc, isNew, fmt.Errorf("link event %s: %w", e.EventID, err)
	}
	return inc, isNew, nil
}

// Resolve closes an incident regardless of its current status.
func (m *Manager) Resolve(ctx context.Context, id string) error {
	if err := m.store.ResolveIncident(ctx, id, m.now().UTC()); err != nil {
		return fmt.Errorf("resolve incident %s: %w", id, err)
	}
	metrics.IncidentResolved()
	return nil
}

// MarkInvestigating records an operator claim, which exempts the incident from auto-resolution.
func (m *Manager) MarkInvestigating(ctx context.Context, id string) error {
	if err := m.store.MarkInvestigating(ctx, id); err != nil {
		return fmt.Errorf("claim incident %s: %w", id, err)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (storage.Incident, error) {
	return m.store.GetIncident(ctx, id)
}

// FindStale lists open incidents not seen for staleAfter before ref.
func (m *Manager) FindStale(ctx context.Context, staleAfter time.Duration, ref time.Time) ([]storage.Incident, error) {
	return m.store.ListStaleIncidents(ctx, ref.Add(-staleAfter))
}
