// Package alerts raises, resolves and lists resource alerts.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/catalog"
	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/realtime"
	"github.com/rentgrid/backend/internal/repository"
	"github.com/rentgrid/backend/internal/telemetry"
)

// Notifier forwards alerts to operators.
type Notifier interface {
	SendResourceAlert(ctx context.Context, alert *model.Alert, provider string) error
}

// RaiseRequest describes a new alert.
type RaiseRequest struct {
	ResourceID string
	Type       model.AlertType
	Severity   model.Severity
	Message    string
	Detail     model.AlertDetail
}

// Config holds the evaluation settings.
type Config struct {
	Thresholds  config.Thresholds
	AutoResolve bool
}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	Catalog   catalog.Catalog
	Notifier  Notifier
	Publisher realtime.Publisher
	Metrics   *telemetry.Metrics
}

// Manager owns the alert lifecycle.
type Manager struct {
	repo   repository.AlertRepository
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu         sync.Mutex
	lastRaised map[string]time.Time

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(repo repository.AlertRepository, cfg Config, deps Deps, logger *slog.Logger) *Manager {
	return &Manager{
		repo:       repo,
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		lastRaised: make(map[string]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// timestamp returns now at storage precision, so round-tripped values compare equal.
func (m *Manager) timestamp() time.Time {
	return m.now().Truncate(time.Microsecond)
}

// Raise always creates a new unresolved alert.
func (m *Manager) Raise(ctx context.Context, req RaiseRequest) (*model.Alert, error) {
	if req.ResourceID == "" {
		return nil, apierrors.Validation("resource id is required")
	}
	if !req.Type.Valid() {
		return nil, apierrors.Validation("unknown alert type %q", req.Type)
	}
	if !req.Severity.Valid() {
		return nil, apierrors.Validation("unknown alert severity %q", req.Severity)
	}
	if req.Detail != nil && req.Detail.AlertType() != req.Type {
		return nil, apierrors.Validation("%s detail does not match alert type %s", req.Detail.AlertType(), req.Type)
	}

	alert := &model.Alert{
		ID:         uuid.New(),
		ResourceID: req.ResourceID,
		Type:       req.Type,
		Severity:   req.Severity,
		Message:    req.Message,
		Timestamp:  m.timestamp(),
		Detail:     req.Detail,
	}
	if err := m.repo.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	m.deps.Metrics.AlertRaised(string(alert.Type), string(alert.Severity))
	m.logger.Info("alert raised", "alert_id", alert.ID, "resource_id", alert.ResourceID,
		"type", alert.Type, "severity", alert.Severity)

	provider := m.provider(ctx, alert.ResourceID)
	m.publish(realtime.EventAlertCreated, alert, provider)
	if m.deps.Notifier != nil && (alert.Severity == model.SeverityHigh || alert.Severity == model.SeverityCritical) {
		go m.notify(alert, provider)
	}
	return alert, nil
}

func (m *Manager) notify(alert *model.Alert, provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.deps.Notifier.SendResourceAlert(ctx, alert, provider); err != nil {
		m.logger.Warn("alert notification failed", "alert_id", alert.ID, "error", err)
	}
}

// provider returns the owner of resourceID, or "" when unknown.
func (m *Manager) provider(ctx context.Context, resourceID string) string {
	if m.deps.Catalog == nil {
		return ""
	}
	r, err := m.deps.Catalog.FindByID(ctx, resourceID)
	if err != nil {
		m.logger.Debug("alert provider lookup failed", "resource_id", resourceID, "error", err)
		return ""
	}
	return r.Provider
}

func (m *Manager) publish(eventType string, alert *model.Alert, provider string) {
	if m.deps.Publisher == nil {
		return
	}
	m.deps.Publisher.Publish(realtime.TopicAlerts, eventType, alert)
	if provider != "" {
		m.deps.Publisher.Publish(realtime.UserAlertsTopic(provider), eventType, alert)
	}
}

// Resolve marks an alert resolved. Resolving twice returns the alert unchanged.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	at := m.timestamp()
	alert, err := m.repo.Resolve(ctx, id, at)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierrors.NotFound("alert %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}

	if alert.ResolvedAt != nil && alert.ResolvedAt.Equal(at) {
		m.logger.Info("alert resolved", "alert_id", id, "resource_id", alert.ResourceID)
		m.publish(realtime.EventAlertResolved, alert, m.provider(ctx, alert.ResourceID))
	}
	return alert, nil
}

// List returns matching alerts newest first.
func (m *Manager) List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, error) {
	alerts, err := m.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Active returns the unresolved alerts of a resource.
func (m *Manager) Active(ctx context.Context, resourceID string) ([]*model.Alert, error) {
	resolved := false
	return m.List(ctx, model.AlertFilter{ResourceID: resourceID, Resolved: &resolved})
}
