package handler

import (
	"net/http"
	"strconv"

	"github.com/rentgrid/backend/internal/alerts"
	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/model"
)

// AlertHandler serves resource alerts.
type AlertHandler struct {
	manager *alerts.Manager
}

func NewAlertHandler(manager *alerts.Manager) *AlertHandler {
	return &AlertHandler{manager: manager}
}

func alertFilter(r *http.Request) (model.AlertFilter, error) {
	q := r.URL.Query()
	filter := model.AlertFilter{ResourceID: q.Get("resource_id")}
	if v := q.Get("type"); v != "" {
		t := model.AlertType(v)
		if !t.Valid() {
			return filter, apierrors.Validation("unknown alert type %q", v)
		}
		filter.Type = &t
	}
	if v := q.Get("severity"); v != "" {
		s := model.Severity(v)
		if !s.Valid() {
			return filter, apierrors.Validation("unknown severity %q", v)
		}
		filter.Severity = &s
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			return filter, apierrors.Validation("resolved must be true or false")
		}
		filter.Resolved = &resolved
	}
	if v := q.Get("limit"); v != "" {
		n, err := parseInt(v)
		if err != nil || n < 1 {
			return filter, apierrors.Validation("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

// List returns alerts newest first.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.manager.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Alert{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

type raiseRequest struct {
	ResourceID string          `json:"resource_id"`
	Type       model.AlertType `json:"type"`
	Severity   model.Severity  `json:"severity"`
	Message    string          `json:"message"`
}

// Raise creates a manual alert. Admin only.
func (h *AlertHandler) Raise(w http.ResponseWriter, r *http.Request) {
	var req raiseRequest
	if !decode(w, r, &req) {
		return
	}
	alert, err := h.manager.Raise(r.Context(), alerts.RaiseRequest{
		ResourceID: req.ResourceID,
		Type:       req.Type,
		Severity:   req.Severity,
		Message:    req.Message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, alert)
}

// Resolve resolves an alert. Resolving twice succeeds.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.manager.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, alert)
}
