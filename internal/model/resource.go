package model

import "github.com/shopspring/decimal"

// Resource is a rentable compute or storage slot as described by the resource catalog.
type Resource struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	PricePerHour decimal.Decimal `json:"price_per_hour"`
	CPU          int             `json:"cpu"`
	RAM          int             `json:"ram"`
	Storage      int             `json:"storage"`
	ResourceType string          `json:"resource_type"`
	SLA          SLATargets      `json:"sla"`
	IsActive     bool            `json:"is_active"`

	// Region and InstanceID are set for resources backed by a cloud instance.
	Region     string `json:"region,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Specs returns the resource configuration snapshot stored on a booking.
func (r *Resource) Specs() ResourceSpecs {
	return ResourceSpecs{
		CPU:          r.CPU,
		RAM:          r.RAM,
		Storage:      r.Storage,
		ResourceType: r.ResourceType,
	}
}
