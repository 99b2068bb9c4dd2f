// Package monitoring checks SLA compliance and scores resource health.
package monitoring

import (
	"math"

	"github.com/rentgrid/backend/internal/model"
)

// Violation reasons reported by CheckCompliance.
const (
	ReasonUptime = "Uptime below SLA target"
	ReasonCPU    = "High CPU usage"
	ReasonMemory = "High memory usage"
)

// usageLimit is the fixed operational ceiling for CPU and memory usage.
const usageLimit = 90.0

// CheckCompliance returns the violation reasons for the booking's current
// metrics snapshot. A booking without metrics has no violations.
func CheckCompliance(b *model.Booking) []string {
	m := b.Metrics
	if m == nil {
		return nil
	}
	var reasons []string
	if m.Uptime != nil && *m.Uptime < b.SLA.UptimeTarget {
		reasons = append(reasons, ReasonUptime)
	}
	if m.CPUUsage > usageLimit {
		reasons = append(reasons, ReasonCPU)
	}
	if m.MemoryUsage > usageLimit {
		reasons = append(reasons, ReasonMemory)
	}
	return reasons
}

// Averages returns the mean of the samples.
func Averages(samples []*model.MetricsSample) model.MetricAverages {
	avg := model.MetricAverages{Samples: len(samples)}
	if len(samples) == 0 {
		return avg
	}
	for _, s := range samples {
		avg.CPUUsage += s.CPUUsage
		avg.MemoryUsage += s.MemoryUsage
		avg.DiskUsage += s.DiskUsage
		avg.ResponseTime += s.ResponseTime
		avg.Availability += s.Availability
	}
	n := float64(len(samples))
	avg.CPUUsage /= n
	avg.MemoryUsage /= n
	avg.DiskUsage /= n
	avg.ResponseTime /= n
	avg.Availability /= n
	return avg
}

// HealthScore combines inverted usage and availability into [0,100].
// With no samples the score is 0.
func HealthScore(avg model.MetricAverages) float64 {
	if avg.Samples == 0 {
		return 0
	}
	score := ((100 - avg.CPUUsage) + (100 - avg.MemoryUsage) + (100 - avg.DiskUsage) + avg.Availability) / 4
	return math.Max(0, math.Min(100, score))
}

// StatusFor classifies a score.
func StatusFor(score float64) model.HealthStatus {
	switch {
	case score >= 80:
		return model.HealthStatusHealthy
	case score >= 60:
		return model.HealthStatusWarning
	case score >= 20:
		return model.HealthStatusCritical
	}
	return model.HealthStatusOffline
}
