package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/booking"
	"github.com/rentgrid/backend/internal/model"
)

// BookingHandler serves the booking ledger.
type BookingHandler struct {
	svc *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{svc: svc}
}

// authorize loads the booking and checks that the caller is a party or an admin.
func (h *BookingHandler) authorize(r *http.Request, id uuid.UUID) (*model.Booking, error) {
	b, err := h.svc.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	address, admin := caller(r)
	if !admin && !b.IsParty(address) {
		return nil, apierrors.Forbidden("not a party to booking %s", id)
	}
	return b, nil
}

// Create books a resource for the caller.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.BookingCreateRequest
	if !decode(w, r, &req) {
		return
	}
	address, admin := caller(r)
	switch {
	case req.Consumer == "":
		req.Consumer = address
	case req.Consumer != address && !admin:
		writeError(w, r, apierrors.Forbidden("cannot book on behalf of %s", req.Consumer))
		return
	}

	b, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, b)
}

func bookingFilter(r *http.Request) (model.BookingFilter, error) {
	q := r.URL.Query()
	filter := model.BookingFilter{
		Consumer:   q.Get("consumer"),
		Provider:   q.Get("provider"),
		ResourceID: q.Get("resource_id"),
	}
	for _, s := range splitQuery(r, "status") {
		status := model.BookingStatus(s)
		if !status.Valid() {
			return filter, apierrors.Validation("unknown booking status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	var err error
	if filter.DateRange.Start, err = parseTime(r, "start"); err != nil {
		return filter, err
	}
	if filter.DateRange.End, err = parseTime(r, "end"); err != nil {
		return filter, err
	}
	return filter, nil
}

// List returns bookings. Non-admin callers only see bookings they are a party to.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := bookingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	address, admin := caller(r)
	if !admin && filter.Consumer != address && filter.Provider != address {
		filter.Consumer = address
	}

	p := pagination(r)
	bookings, total, err := h.svc.List(r.Context(), filter, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newPage(bookings, total, p))
}

// ListActive returns active bookings. Admin only.
func (h *BookingHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	p := pagination(r)
	bookings, total, err := h.svc.ListActive(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newPage(bookings, total, p))
}

// ListExpired returns active bookings whose window has ended. Admin only.
func (h *BookingHandler) ListExpired(w http.ResponseWriter, r *http.Request) {
	now, err := parseTime(r, "now")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if now.IsZero() {
		now = timeNow()
	}
	p := pagination(r)
	bookings, total, err := h.svc.ListExpired(r.Context(), now, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newPage(bookings, total, p))
}

// Analytics aggregates bookings matching the query filter. Admin only.
func (h *BookingHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	filter, err := bookingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.svc.Analytics(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

func (h *BookingHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.authorize(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *BookingHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.BookingUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.authorize(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// Delete removes a booking. Admin only.
func (h *BookingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.BookingStatusRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.authorize(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.svc.UpdateStatus(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

// UpdateMetrics records a metrics snapshot pushed by the provider or an admin.
func (h *BookingHandler) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.BookingMetrics
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if address, admin := caller(r); !admin && address != b.Provider {
		writeError(w, r, apierrors.Forbidden("only the provider can push metrics for booking %s", id))
		return
	}
	res, err := h.svc.UpdateMetrics(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// AddReview records a review by the caller.
func (h *BookingHandler) AddReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.ReviewCreateRequest
	if !decode(w, r, &req) {
		return
	}
	req.Reviewer, _ = caller(r)
	b, err := h.svc.AddReview(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, b)
}

// Cancel cancels on behalf of the caller.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req model.BookingCancelRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor, _ = caller(r)
	b, err := h.svc.Cancel(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.authorize(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.svc.Complete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

type disputeRequest struct {
	Disputed bool   `json:"disputed"`
	Reason   string `json:"reason,omitempty"`
}

func (h *BookingHandler) SetDisputed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.authorize(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.svc.SetDisputed(r.Context(), id, req.Disputed, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}
