package alerts

import (
	"context"
	"fmt"

	"github.com/rentgrid/backend/internal/config"
	"github.com/rentgrid/backend/internal/model"
)

// breach is one threshold crossing found in a sample.
type breach struct {
	metric    string
	severity  model.Severity
	value     float64
	threshold float64
}

// above checks a usage metric that alerts when it exceeds its levels.
func above(metric string, value float64, lvl config.ThresholdLevel) (breach, bool) {
	switch {
	case value > lvl.Critical:
		return breach{metric, model.SeverityCritical, value, lvl.Critical}, true
	case value > lvl.Warning:
		return breach{metric, model.SeverityMedium, value, lvl.Warning}, true
	}
	return breach{}, false
}

// below checks availability, which alerts when it drops under its levels.
func below(value float64, lvl config.ThresholdLevel) (breach, bool) {
	switch {
	case value < lvl.Critical:
		return breach{"availability", model.SeverityCritical, value, lvl.Critical}, true
	case value < lvl.Warning:
		return breach{"availability", model.SeverityMedium, value, lvl.Warning}, true
	}
	return breach{}, false
}

var metricLabels = map[string]string{
	"cpu":          "CPU usage",
	"memory":       "Memory usage",
	"disk":         "Disk usage",
	"availability": "Availability",
}

func (b breach) request(resourceID string) RaiseRequest {
	level := "warning"
	if b.severity == model.SeverityCritical {
		level = "critical"
	}
	if b.metric == "availability" {
		return RaiseRequest{
			ResourceID: resourceID,
			Type:       model.AlertTypeAvailability,
			Severity:   b.severity,
			Message:    fmt.Sprintf("Availability %.2f%% below %s threshold %.2f%%", b.value, level, b.threshold),
			Detail:     model.AvailabilityDetail{Availability: b.value, Threshold: b.threshold},
		}
	}
	return RaiseRequest{
		ResourceID: resourceID,
		Type:       model.AlertTypePerformance,
		Severity:   b.severity,
		Message:    fmt.Sprintf("%s %.1f%% above %s threshold %.1f%%", metricLabels[b.metric], b.value, level, b.threshold),
		Detail:     model.PerformanceDetail{Metric: b.metric, Value: b.value, Threshold: b.threshold},
	}
}

// breaches returns every threshold the sample crosses.
func breaches(t config.Thresholds, s *model.MetricsSample) []breach {
	var out []breach
	if b, ok := above("cpu", s.CPUUsage, t.CPU); ok {
		out = append(out, b)
	}
	if b, ok := above("memory", s.MemoryUsage, t.Memory); ok {
		out = append(out, b)
	}
	if b, ok := above("disk", s.DiskUsage, t.Disk); ok {
		out = append(out, b)
	}
	if b, ok := below(s.Availability, t.Availability); ok {
		out = append(out, b)
	}
	return out
}

// Evaluate applies the threshold table to a sample and raises one alert per
// crossing. With no suppression window every crossing raises, so a metric
// that stays high raises on every cycle.
func (m *Manager) Evaluate(ctx context.Context, resourceID string, sample *model.MetricsSample) ([]*model.Alert, error) {
	found := breaches(m.cfg.Thresholds, sample)

	var raised []*model.Alert
	for _, b := range found {
		if m.suppressed(resourceID, b) {
			m.logger.Debug("alert suppressed", "resource_id", resourceID, "metric", b.metric, "severity", b.severity)
			continue
		}
		alert, err := m.Raise(ctx, b.request(resourceID))
		if err != nil {
			return raised, err
		}
		raised = append(raised, alert)
	}

	if m.cfg.AutoResolve {
		if err := m.resolveRecovered(ctx, resourceID, found); err != nil {
			return raised, err
		}
	}
	return raised, nil
}

// suppressed reports whether an identical alert was raised inside the
// suppression window, and records this one otherwise.
func (m *Manager) suppressed(resourceID string, b breach) bool {
	window := m.cfg.Thresholds.SuppressionWindow
	if window <= 0 {
		return false
	}
	key := resourceID + "|" + b.metric + "|" + string(b.severity)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < window {
		return true
	}
	for k, t := range m.lastRaised {
		if now.Sub(t) >= window {
			delete(m.lastRaised, k)
		}
	}
	m.lastRaised[key] = now
	return false
}

// alertMetric returns the metric an evaluated alert was raised for.
func alertMetric(a *model.Alert) string {
	switch d := a.Detail.(type) {
	case model.PerformanceDetail:
		return d.Metric
	case model.AvailabilityDetail:
		return "availability"
	}
	return ""
}

// resolveRecovered resolves open threshold alerts whose metric is no longer
// breached.
func (m *Manager) resolveRecovered(ctx context.Context, resourceID string, found []breach) error {
	open, err := m.Active(ctx, resourceID)
	if err != nil {
		return err
	}
	still := make(map[string]bool, len(found))
	for _, b := range found {
		still[b.metric] = true
	}
	for _, a := range open {
		metric := alertMetric(a)
		if metric == "" || still[metric] {
			continue
		}
		if _, err := m.Resolve(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}
