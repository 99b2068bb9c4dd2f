package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/model"
	"github.com/rentgrid/backend/internal/monitoring"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// ResourceHandler serves resource health and metrics.
type ResourceHandler struct {
	monitor *monitoring.Monitor
}

func NewResourceHandler(monitor *monitoring.Monitor) *ResourceHandler {
	return &ResourceHandler{monitor: monitor}
}

func (h *ResourceHandler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.monitor.Health(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, health)
}

func (h *ResourceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parseInt(v)
		if err != nil || n < 1 {
			writeError(w, r, apierrors.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	samples, err := h.monitor.RecentMetrics(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []*model.MetricsSample{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": samples, "total": len(samples)})
}

// Ingest accepts a metrics sample pushed by a resource agent. Admin only.
func (h *ResourceHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var sample model.MetricsSample
	if !decode(w, r, &sample) {
		return
	}
	sample.ResourceID = chi.URLParam(r, "id")
	health, err := h.monitor.Ingest(r.Context(), &sample)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, health)
}
