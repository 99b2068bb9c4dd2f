package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/model"
)

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// MemoryBookingRepository implements BookingRepository in process memory.
// Reservations are serialized per resource and mutations per booking.
type MemoryBookingRepository struct {
	mu        sync.RWMutex
	bookings  map[uuid.UUID]*model.Booking
	resources keyedMutex
	rows      keyedMutex
}

// NewMemoryBookingRepository creates an empty MemoryBookingRepository.
func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[uuid.UUID]*model.Booking)}
}

func (r *MemoryBookingRepository) Reserve(ctx context.Context, b *model.Booking, fund FundFunc) error {
	unlock := r.resources.lock(b.ResourceID)
	defer unlock()

	r.mu.RLock()
	for _, existing := range r.bookings {
		if existing.ResourceID == b.ResourceID && existing.Status.Holding() && existing.Overlaps(b.StartTime, b.EndTime) {
			r.mu.RUnlock()
			return ErrOverlap
		}
	}
	r.mu.RUnlock()

	if fund != nil {
		if err := fund(ctx, b); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.bookings[b.ID] = b.Clone()
	r.mu.Unlock()
	return nil
}

func (r *MemoryBookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (r *MemoryBookingRepository) matching(filter model.BookingFilter) []*model.Booking {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Booking
	for _, b := range r.bookings {
		if filter.Matches(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryBookingRepository) List(ctx context.Context, filter model.BookingFilter, pagination model.Pagination) ([]*model.Booking, int, error) {
	all := r.matching(filter)
	pagination = pagination.Normalize()
	total := len(all)
	start := pagination.Offset()
	if start >= total {
		return []*model.Booking{}, total, nil
	}
	end := start + pagination.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MemoryBookingRepository) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Booking, error) {
	unlock := r.rows.lock(id.String())
	defer unlock()

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, current); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[id]; !ok {
		return nil, ErrNotFound
	}
	r.bookings[id] = current.Clone()
	return current, nil
}

func (r *MemoryBookingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[id]; !ok {
		return ErrNotFound
	}
	delete(r.bookings, id)
	return nil
}

func (r *MemoryBookingRepository) Analytics(ctx context.Context, filter model.BookingFilter) (*model.BookingAnalytics, error) {
	return aggregate(r.matching(filter)), nil
}

func (r *MemoryBookingRepository) ActiveResources(ctx context.Context, now time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, b := range r.bookings {
		if b.Status != model.BookingStatusActive || seen[b.ResourceID] {
			continue
		}
		if b.StartTime.After(now) || !b.EndTime.After(now) {
			continue
		}
		seen[b.ResourceID] = true
		out = append(out, b.ResourceID)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryAlertRepository implements AlertRepository in process memory.
type MemoryAlertRepository struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*model.Alert
}

// NewMemoryAlertRepository creates an empty MemoryAlertRepository.
func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{alerts: make(map[uuid.UUID]*model.Alert)}
}

func cloneAlert(a *model.Alert) *model.Alert {
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (r *MemoryAlertRepository) Create(ctx context.Context, alert *model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (r *MemoryAlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(a), nil
}

func (r *MemoryAlertRepository) List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	r.mu.RLock()
	var out []*model.Alert
	for _, a := range r.alerts {
		if filter.Matches(a) {
			out = append(out, cloneAlert(a))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryAlertRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) (*model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.Resolved {
		a.Resolved = true
		a.ResolvedAt = &at
	}
	return cloneAlert(a), nil
}

// MemoryMetricsRepository implements MetricsRepository in process memory,
// keeping at most capacity samples per resource.
type MemoryMetricsRepository struct {
	mu       sync.RWMutex
	capacity int
	samples  map[string][]*model.MetricsSample
}

// NewMemoryMetricsRepository creates a MemoryMetricsRepository.
func NewMemoryMetricsRepository(capacity int) *MemoryMetricsRepository {
	if capacity < 1 {
		capacity = 1000
	}
	return &MemoryMetricsRepository{capacity: capacity, samples: make(map[string][]*model.MetricsSample)}
}

func (r *MemoryMetricsRepository) Append(ctx context.Context, sample *model.MetricsSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *sample
	list := append(r.samples[sample.ResourceID], &s)
	if len(list) > r.capacity {
		list = list[len(list)-r.capacity:]
	}
	r.samples[sample.ResourceID] = list
	return nil
}

func (r *MemoryMetricsRepository) Recent(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.samples[resourceID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*model.MetricsSample, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		s := *list[i]
		out = append(out, &s)
	}
	return out, nil
}
