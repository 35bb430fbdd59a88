package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const incidentColumns = `id, org_id, project_id, environment, fingerprint, status, severity, title, opened_at, last_seen_at, resolved_at`

func scanIncident(row pgx.Row) (Incident, error) {
	var inc Incident
	err := row.Scan(&inc.ID, &inc.OrgID, &inc.ProjectID, &inc.Environment, &inc.Fingerprint,
		&inc.Status, &inc.Severity, &inc.Title, &inc.OpenedAt, &inc.LastSeenAt, &inc.ResolvedAt)
	return inc, err
}

func (r *Repository) FindOpenIncident(ctx context.Context, projectID, environment, fingerprint string) (Incident, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE project_id=$1 AND environment=$2 AND fingerprint=$3 AND status='open'
		ORDER BY opened_at LIMIT 1`, projectID, environment, fingerprint)
	inc, err := scanIncident(row)
	if err != nil {
		return Incident{}, notFound(err, ErrNotFound)
	}
	return inc, nil
}

// CreateIncident inserts an open incident. When another writer already holds the
// open slot for the fingerprint, the existing incident is returned with created=false.
func (r *Repository) CreateIncident(ctx context.Context, inc Incident) (Incident, bool, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1,$2,$3,$4,$5,'open',$6,$7,$8,$9,NULL)
		ON CONFLICT (project_id, environment, fingerprint) WHERE status = 'open' DO NOTHING
		RETURNING `+incidentColumns,
		inc.ID, inc.OrgID, inc.ProjectID, inc.Environment, inc.Fingerprint, inc.Severity, inc.Title, inc.OpenedAt, inc.LastSeenAt)
	created, err := scanIncident(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, false, err
	}
	existing, err := r.FindOpenIncident(ctx, inc.ProjectID, inc.Environment, inc.Fingerprint)
	if err != nil {
		return Incident{}, false, err
	}
	return existing, false, nil
}

// TouchIncident advances last_seen_at and raises severity when the new value outranks the stored one.
func (r *Repository) TouchIncident(ctx context.Context, id string, seenAt time.Time, severity string) (Incident, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		UPDATE incidents SET last_seen_at=$2,
			severity = CASE
				WHEN array_position(ARRAY['warn','error','critical'], $3::text) > COALESCE(array_position(ARRAY['warn','error','critical'], severity), 0)
				THEN $3::text ELSE severity END
		WHERE id=$1
		RETURNING `+incidentColumns, id, seenAt, severity)
	inc, err := scanIncident(row)
	if err != nil {
		return Incident{}, notFound(err, ErrNotFound)
	}
	return inc, nil
}

func (r *Repository) AddIncidentEvent(ctx context.Context, evt IncidentEvent) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO incident_events (incident_id, event_id, occurred_at, event_type, severity, attributes_json)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		evt.IncidentID, evt.EventID, evt.OccurredAt, evt.EventType, evt.Severity, evt.Attributes)
	return err
}

func (r *Repository) GetIncident(ctx context.Context, id string) (Incident, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=$1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		return Incident{}, notFound(err, ErrNotFound)
	}
	return inc, nil
}

func (r *Repository) ListIncidentEvents(ctx context.Context, incidentID string, limit int) ([]IncidentEvent, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, incident_id, event_id, occurred_at, event_type, severity, attributes_json
		FROM incident_events WHERE incident_id=$1
		ORDER BY occurred_at DESC LIMIT $2`, incidentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []IncidentEvent{}
	for rows.Next() {
		var evt IncidentEvent
		if err := rows.Scan(&evt.ID, &evt.IncidentID, &evt.EventID, &evt.OccurredAt, &evt.EventType, &evt.Severity, &evt.Attributes); err != nil {
			return nil, err
		}
		results = append(results, evt)
	}
	return results, rows.Err()
}

func (r *Repository) ResolveIncident(ctx context.Context, id string, at time.Time) error {
	tag, err := r.Store.Pool.Exec(ctx, `UPDATE incidents SET status='resolved', resolved_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkInvestigating(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `UPDATE incidents SET status='investigating' WHERE id=$1 AND status='open'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListStaleIncidents(ctx context.Context, cutoff time.Time) ([]Incident, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE status='open' AND last_seen_at < $1
		ORDER BY last_seen_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, inc)
	}
	return results, rows.Err()
}
