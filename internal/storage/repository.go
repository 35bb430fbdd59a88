package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) IncrementBucket(ctx context.Context, key BucketKey, bucketStart time.Time, bucketSeconds int) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO metrics_buckets (org_id, project_id, environment, metric_name, fingerprint, bucket_start, bucket_seconds, value, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1,now())
		ON CONFLICT (project_id, environment, metric_name, fingerprint, bucket_start, bucket_seconds)
		DO UPDATE SET value = metrics_buckets.value + 1, updated_at = now()`,
		key.OrgID, key.ProjectID, key.Environment, key.MetricName, key.Fingerprint, bucketStart.UTC(), bucketSeconds)
	return err
}

func (r *Repository) SumBuckets(ctx context.Context, key BucketKey, start, end time.Time) (int64, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0)::bigint FROM metrics_buckets
		WHERE project_id=$1 AND environment=$2 AND metric_name=$3 AND fingerprint=$4
		AND bucket_start >= $5 AND bucket_start < $6`,
		key.ProjectID, key.Environment, key.MetricName, key.Fingerprint, start.UTC(), end.UTC())
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.Store.Ping(ctx)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
