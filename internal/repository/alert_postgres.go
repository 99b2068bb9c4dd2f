package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/model"
)

const alertColumns = `id, resource_id, type, severity, message, created_at, resolved, resolved_at, detail`

// PostgresAlertRepository implements AlertRepository for PostgreSQL.
type PostgresAlertRepository struct {
	db *sql.DB
}

// NewPostgresAlertRepository creates a new PostgresAlertRepository.
func NewPostgresAlertRepository(db *sql.DB) *PostgresAlertRepository {
	return &PostgresAlertRepository{db: db}
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		a                   model.Alert
		alertType, severity string
		resolvedAt          sql.NullTime
		detailJSON          []byte
	)
	err := row.Scan(&a.ID, &a.ResourceID, &alertType, &severity, &a.Message, &a.Timestamp, &a.Resolved, &resolvedAt, &detailJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Type = model.AlertType(alertType)
	a.Severity = model.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if a.Detail, err = model.DecodeAlertDetail(a.Type, detailJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresAlertRepository) Create(ctx context.Context, alert *model.Alert) error {
	var detail []byte
	if alert.Detail != nil {
		var err error
		if detail, err = json.Marshal(alert.Detail); err != nil {
			return fmt.Errorf("encode alert detail: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, alert.ID, alert.ResourceID, string(alert.Type), string(alert.Severity), alert.Message, alert.Timestamp,
		alert.Resolved, nullTime(alert.ResolvedAt), detail)
	return err
}

func (r *PostgresAlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	return scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
}

func (r *PostgresAlertRepository) List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.Type != nil {
		add("type = $%d", string(*filter.Type))
	}
	if filter.Severity != nil {
		add("severity = $%d", string(*filter.Severity))
	}
	if filter.Resolved != nil {
		add("resolved = $%d", *filter.Resolved)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (r *PostgresAlertRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) (*model.Alert, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE alerts SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
		RETURNING `+alertColumns, id, at)
	return scanAlert(row)
}
