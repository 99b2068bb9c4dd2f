package repository

import (
	"context"
	"database/sql"

	"github.com/rentgrid/backend/internal/model"
)

// PostgresMetricsRepository implements MetricsRepository for PostgreSQL.
type PostgresMetricsRepository struct {
	db *sql.DB
}

// NewPostgresMetricsRepository creates a new PostgresMetricsRepository.
func NewPostgresMetricsRepository(db *sql.DB) *PostgresMetricsRepository {
	return &PostgresMetricsRepository{db: db}
}

func (r *PostgresMetricsRepository) Append(ctx context.Context, s *model.MetricsSample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metric_samples (resource_id, cpu_usage, memory_usage, disk_usage, network_in, network_out,
			response_time, availability, cost, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ResourceID, s.CPUUsage, s.MemoryUsage, s.DiskUsage, s.NetworkIn, s.NetworkOut, s.ResponseTime,
		s.Availability, s.Cost, s.Timestamp)
	return err
}

func (r *PostgresMetricsRepository) Recent(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT resource_id, cpu_usage, memory_usage, disk_usage, network_in, network_out, response_time,
			availability, cost, recorded_at
		FROM metric_samples WHERE resource_id = $1
		ORDER BY recorded_at DESC LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []*model.MetricsSample{}
	for rows.Next() {
		var s model.MetricsSample
		if err := rows.Scan(&s.ResourceID, &s.CPUUsage, &s.MemoryUsage, &s.DiskUsage, &s.NetworkIn, &s.NetworkOut,
			&s.ResponseTime, &s.Availability, &s.Cost, &s.Timestamp); err != nil {
			return nil, err
		}
		samples = append(samples, &s)
	}
	return samples, rows.Err()
}
