package storage

import "context"

func (r *Repository) InsertOutput(ctx context.Context, out Output) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO ai_outputs (id, incident_id, output_type, model, content_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		out.ID, out.IncidentID, out.OutputType, out.Model, out.Content, out.CreatedAt)
	return err
}

func (r *Repository) LatestOutput(ctx context.Context, incidentID string) (Output, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, incident_id, output_type, model, content_json, created_at
		FROM ai_outputs WHERE incident_id=$1
		ORDER BY created_at DESC LIMIT 1`, incidentID)
	var out Output
	if err := row.Scan(&out.ID, &out.IncidentID, &out.OutputType, &out.Model, &out.Content, &out.CreatedAt); err != nil {
		return Output{}, notFound(err, ErrNotFound)
	}
	return out, nil
}
