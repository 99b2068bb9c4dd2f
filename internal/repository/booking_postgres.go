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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/rentgrid/backend/internal/model"
)

// exclusion_violation
const pgExclusionViolation = "23P01"

const bookingColumns = `id, resource_id, consumer, provider, start_time, end_time, duration_hours, total_cost,
	escrow_id, status, is_disputed, resource_specs, metrics, sla, cancellation_reason, cancelled_by,
	cancelled_at, completed_at, status_reason, reviews, created_at, updated_at`

// PostgresBookingRepository implements BookingRepository for PostgreSQL.
type PostgresBookingRepository struct {
	db *sql.DB
}

// NewPostgresBookingRepository creates a new PostgresBookingRepository.
func NewPostgresBookingRepository(db *sql.DB) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b                               model.Booking
		status                          string
		specsJSON, metricsJSON, slaJSON []byte
		reviewsJSON                     []byte
		cancelledAt, completedAt        sql.NullTime
	)
	err := row.Scan(&b.ID, &b.ResourceID, &b.Consumer, &b.Provider, &b.StartTime, &b.EndTime, &b.DurationHours,
		&b.TotalCost, &b.EscrowID, &status, &b.IsDisputed, &specsJSON, &metricsJSON, &slaJSON,
		&b.CancellationReason, &b.CancelledBy, &cancelledAt, &completedAt, &b.StatusReason, &reviewsJSON,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	if err := json.Unmarshal(specsJSON, &b.ResourceSpecs); err != nil {
		return nil, fmt.Errorf("decode resource_specs: %w", err)
	}
	if err := json.Unmarshal(slaJSON, &b.SLA); err != nil {
		return nil, fmt.Errorf("decode sla: %w", err)
	}
	if len(metricsJSON) > 0 {
		var m model.BookingMetrics
		if err := json.Unmarshal(metricsJSON, &m); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		b.Metrics = &m
	}
	if len(reviewsJSON) > 0 {
		if err := json.Unmarshal(reviewsJSON, &b.Reviews); err != nil {
			return nil, fmt.Errorf("decode reviews: %w", err)
		}
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

type bookingJSONColumns struct {
	specs, metrics, sla, reviews []byte
}

func encodeBookingColumns(b *model.Booking) (bookingJSONColumns, error) {
	var (
		out bookingJSONColumns
		err error
	)
	if out.specs, err = json.Marshal(b.ResourceSpecs); err != nil {
		return out, err
	}
	if out.sla, err = json.Marshal(b.SLA); err != nil {
		return out, err
	}
	if b.Metrics != nil {
		if out.metrics, err = json.Marshal(b.Metrics); err != nil {
			return out, err
		}
	}
	reviews := b.Reviews
	if reviews == nil {
		reviews = []model.Review{}
	}
	if out.reviews, err = json.Marshal(reviews); err != nil {
		return out, err
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation
}

func (r *PostgresBookingRepository) Reserve(ctx context.Context, b *model.Booking, fund FundFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serializes reservations on one resource for the life of the transaction.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, b.ResourceID); err != nil {
		return fmt.Errorf("lock resource: %w", err)
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE resource_id = $1 AND status IN ('pending', 'active')
			  AND start_time < $3 AND end_time > $2
		)
	`, b.ResourceID, b.StartTime, b.EndTime).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if exists {
		return ErrOverlap
	}

	if fund != nil {
		if err := fund(ctx, b); err != nil {
			return err
		}
	}

	cols, err := encodeBookingColumns(b)
	if err != nil {
		return fmt.Errorf("encode booking: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, b.ID, b.ResourceID, b.Consumer, b.Provider, b.StartTime, b.EndTime, b.DurationHours, b.TotalCost,
		b.EscrowID, string(b.Status), b.IsDisputed, cols.specs, cols.metrics, cols.sla, b.CancellationReason,
		b.CancelledBy, nullTime(b.CancelledAt), nullTime(b.CompletedAt), b.StatusReason, cols.reviews,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return ErrOverlap
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresBookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func buildBookingWhere(filter model.BookingFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Consumer != "" {
		add("consumer = $%d", filter.Consumer)
	}
	if filter.Provider != "" {
		add("provider = $%d", filter.Provider)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if !filter.DateRange.Start.IsZero() {
		add("end_time > $%d", filter.DateRange.Start)
	}
	if !filter.DateRange.End.IsZero() {
		add("start_time < $%d", filter.DateRange.End)
	}
	if !filter.EndBefore.IsZero() {
		add("end_time <= $%d", filter.EndBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *PostgresBookingRepository) List(ctx context.Context, filter model.BookingFilter, pagination model.Pagination) ([]*model.Booking, int, error) {
	pagination = pagination.Normalize()
	where, args := buildBookingWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", pagination.PageSize, pagination.Offset())
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bookings := []*model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		bookings = append(bookings, b)
	}
	return bookings, total, rows.Err()
}

func (r *PostgresBookingRepository) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, b); err != nil {
		return nil, err
	}

	cols, err := encodeBookingColumns(b)
	if err != nil {
		return nil, fmt.Errorf("encode booking: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE bookings SET status = $2, is_disputed = $3, resource_specs = $4, metrics = $5, sla = $6,
			cancellation_reason = $7, cancelled_by = $8, cancelled_at = $9, completed_at = $10,
			status_reason = $11, reviews = $12, updated_at = $13
		WHERE id = $1
	`, b.ID, string(b.Status), b.IsDisputed, cols.specs, cols.metrics, cols.sla, b.CancellationReason,
		b.CancelledBy, nullTime(b.CancelledAt), nullTime(b.CompletedAt), b.StatusReason, cols.reviews, b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PostgresBookingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresBookingRepository) Analytics(ctx context.Context, filter model.BookingFilter) (*model.BookingAnalytics, error) {
	where, args := buildBookingWhere(filter)
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_cost), 0), COALESCE(SUM(duration_hours), 0),
			COALESCE(SUM((sla->>'violations')::int), 0), COUNT(*) FILTER (WHERE is_disputed)
		FROM bookings`+where+`
		GROUP BY status
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := aggregate(nil)
	hours := 0
	for rows.Next() {
		var (
			status                                string
			count, sumHours, violations, disputed int
			volume                                decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &volume, &sumHours, &violations, &disputed); err != nil {
			return nil, err
		}
		out.ByStatus[model.BookingStatus(status)] = count
		out.TotalCount += count
		out.TotalVolume = out.TotalVolume.Add(volume)
		out.TotalViolations += violations
		out.DisputedCount += disputed
		hours += sumHours
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out.TotalCount > 0 {
		out.AvgDurationHours = float64(hours) / float64(out.TotalCount)
	}
	return out, nil
}

func (r *PostgresBookingRepository) ActiveResources(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT resource_id FROM bookings
		WHERE status = 'active' AND start_time <= $1 AND end_time > $1
		ORDER BY resource_id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
