package notification

import (
	"context"
	"fmt"

	"github.com/rentgrid/backend/internal/model"
)

// SendResourceAlert forwards a raised alert.
func (s *Service) SendResourceAlert(ctx context.Context, alert *model.Alert, provider string) error {
	data := map[string]any{
		"Resource": alert.ResourceID,
		"Type":     string(alert.Type),
		"Alert ID": alert.ID.String(),
	}
	if provider != "" {
		data["Provider"] = provider
	}
	switch d := alert.Detail.(type) {
	case model.PerformanceDetail:
		data["Metric"] = d.Metric
		data["Value"] = fmt.Sprintf("%.1f", d.Value)
		data["Threshold"] = fmt.Sprintf("%.1f", d.Threshold)
	case model.AvailabilityDetail:
		data["Availability"] = fmt.Sprintf("%.2f%%", d.Availability)
		data["Threshold"] = fmt.Sprintf("%.2f%%", d.Threshold)
	case model.CostDetail:
		data["Amount"] = fmt.Sprintf("%.2f %s", d.Amount, d.Currency)
		data["Expected"] = fmt.Sprintf("%.2f %s", d.Expected, d.Currency)
	case model.SecurityDetail:
		data["Finding"] = d.Finding
		data["Source"] = d.Source
	}

	return s.Send(ctx, Message{
		EventType: EventAlertRaised,
		Title:     fmt.Sprintf("%s alert on %s", alert.Severity, alert.ResourceID),
		Body:      alert.Message,
		Severity:  string(alert.Severity),
		Data:      data,
		Timestamp: alert.Timestamp,
	})
}

// SendBookingDisputed notifies operators that a booking entered dispute.
func (s *Service) SendBookingDisputed(ctx context.Context, b *model.Booking, reason string) error {
	return s.Send(ctx, Message{
		EventType: EventBookingDisputed,
		Title:     fmt.Sprintf("Booking disputed: %s", b.ID),
		Body:      fmt.Sprintf("Booking %s on resource %s was disputed. Reason: %s", b.ID, b.ResourceID, reason),
		Severity:  "high",
		Data: map[string]any{
			"Booking":  b.ID.String(),
			"Resource": b.ResourceID,
			"Consumer": b.Consumer,
			"Provider": b.Provider,
			"Escrow":   b.EscrowID,
		},
	})
}
