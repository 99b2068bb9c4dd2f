package model

import "time"

// HealthStatus classifies a resource by its health score.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusCritical HealthStatus = "critical"
	HealthStatusOffline  HealthStatus = "offline"
)

// MetricsSample is one collected snapshot of a resource's metrics.
// Usage fields and Availability are percentages in [0,100].
type MetricsSample struct {
	ResourceID   string    `json:"resource_id"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	DiskUsage    float64   `json:"disk_usage"`
	NetworkIn    float64   `json:"network_in"`
	NetworkOut   float64   `json:"network_out"`
	ResponseTime float64   `json:"response_time"`
	Availability float64   `json:"availability"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// MetricAverages holds the averages over the recent sample window.
type MetricAverages struct {
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
	DiskUsage    float64 `json:"disk_usage"`
	ResponseTime float64 `json:"response_time"`
	Availability float64 `json:"availability"`
	Samples      int     `json:"samples"`
}

// ResourceHealth is the derived health view of a resource.
type ResourceHealth struct {
	ResourceID   string         `json:"resource_id"`
	Status       HealthStatus   `json:"status"`
	Score        float64        `json:"score"`
	Averages     MetricAverages `json:"averages"`
	ActiveAlerts []*Alert       `json:"active_alerts"`
	LastUpdated  time.Time      `json:"last_updated"`
}
