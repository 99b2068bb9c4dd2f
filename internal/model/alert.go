package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertType classifies the cause of an alert.
type AlertType string

const (
	AlertTypePerformance  AlertType = "performance"
	AlertTypeCost         AlertType = "cost"
	AlertTypeAvailability AlertType = "availability"
	AlertTypeSecurity     AlertType = "security"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypePerformance, AlertTypeCost, AlertTypeAvailability, AlertTypeSecurity:
		return true
	}
	return false
}

// AlertDetail is the type-specific payload of an alert. Exactly one
// implementation exists per AlertType.
type AlertDetail interface {
	AlertType() AlertType
}

// PerformanceDetail carries the metric and measured value that crossed a threshold.
type PerformanceDetail struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

func (PerformanceDetail) AlertType() AlertType { return AlertTypePerformance }

// CostDetail describes a spend anomaly on a resource.
type CostDetail struct {
	Amount   float64 `json:"amount"`
	Expected float64 `json:"expected"`
	Currency string  `json:"currency,omitempty"`
}

func (CostDetail) AlertType() AlertType { return AlertTypeCost }

// AvailabilityDetail carries the measured availability against the threshold.
type AvailabilityDetail struct {
	Availability float64 `json:"availability"`
	Threshold    float64 `json:"threshold"`
}

func (AvailabilityDetail) AlertType() AlertType { return AlertTypeAvailability }

// SecurityDetail describes a security finding on a resource.
type SecurityDetail struct {
	Finding string `json:"finding"`
	Source  string `json:"source,omitempty"`
}

func (SecurityDetail) AlertType() AlertType { return AlertTypeSecurity }

// Alert is a raised condition on a resource. It is mutated only once, when resolved.
type Alert struct {
	ID         uuid.UUID   `json:"id"`
	ResourceID string      `json:"resource_id"`
	Type       AlertType   `json:"type"`
	Severity   Severity    `json:"severity"`
	Message    string      `json:"message"`
	Timestamp  time.Time   `json:"timestamp"`
	Resolved   bool        `json:"resolved"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Detail     AlertDetail `json:"-"`
}

type alertJSON struct {
	ID         uuid.UUID       `json:"id"`
	ResourceID string          `json:"resource_id"`
	Type       AlertType       `json:"type"`
	Severity   Severity        `json:"severity"`
	Message    string          `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// MarshalJSON encodes the detail under "detail", keyed by Type.
func (a Alert) MarshalJSON() ([]byte, error) {
	out := alertJSON{
		ID:         a.ID,
		ResourceID: a.ResourceID,
		Type:       a.Type,
		Severity:   a.Severity,
		Message:    a.Message,
		Timestamp:  a.Timestamp,
		Resolved:   a.Resolved,
		ResolvedAt: a.ResolvedAt,
	}
	if a.Detail != nil {
		raw, err := json.Marshal(a.Detail)
		if err != nil {
			return nil, err
		}
		out.Detail = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the detail according to Type.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var in alertJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	detail, err := DecodeAlertDetail(in.Type, in.Detail)
	if err != nil {
		return err
	}
	*a = Alert{
		ID:         in.ID,
		ResourceID: in.ResourceID,
		Type:       in.Type,
		Severity:   in.Severity,
		Message:    in.Message,
		Timestamp:  in.Timestamp,
		Resolved:   in.Resolved,
		ResolvedAt: in.ResolvedAt,
		Detail:     detail,
	}
	return nil
}

// DecodeAlertDetail decodes raw into the detail variant for t.
// An empty payload yields a nil detail.
func DecodeAlertDetail(t AlertType, raw []byte) (AlertDetail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		detail AlertDetail
		err    error
	)
	switch t {
	case AlertTypePerformance:
		var d PerformanceDetail
		err = json.Unmarshal(raw, &d)
		detail = d
	case AlertTypeCost:
		var d CostDetail
		err = json.Unmarshal(raw, &d)
		detail = d
	case AlertTypeAvailability:
		var d AvailabilityDetail
		err = json.Unmarshal(raw, &d)
		detail = d
	case AlertTypeSecurity:
		var d SecurityDetail
		err = json.Unmarshal(raw, &d)
		detail = d
	default:
		return nil, fmt.Errorf("unknown alert type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", t, err)
	}
	return detail, nil
}

// AlertFilter defines filtering options for alert queries. Nil fields match everything.
type AlertFilter struct {
	ResourceID string
	Type       *AlertType
	Severity   *Severity
	Resolved   *bool
	Limit      int
}

// Matches reports whether a passes the filter.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.ResourceID != "" && f.ResourceID != a.ResourceID {
		return false
	}
	if f.Type != nil && *f.Type != a.Type {
		return false
	}
	if f.Severity != nil && *f.Severity != a.Severity {
		return false
	}
	if f.Resolved != nil && *f.Resolved != a.Resolved {
		return false
	}
	return true
}
