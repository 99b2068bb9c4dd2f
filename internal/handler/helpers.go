// Package handler implements the HTTP API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/auth"
	"github.com/rentgrid/backend/internal/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes err as a structured API error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierrors.FromError(err).Write(w, r)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.NewBadRequestError("invalid request body").Write(w, r)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apierrors.NewBadRequestError("invalid id").Write(w, r)
		return uuid.Nil, false
	}
	return id, true
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func pagination(r *http.Request) model.Pagination {
	p := model.Pagination{}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := parseInt(v); err == nil {
			p.Page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := parseInt(v); err == nil {
			p.PageSize = n
		}
	}
	return p.Normalize()
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apierrors.Validation("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}

func splitQuery(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// caller returns the authenticated address and whether it has the admin role.
func caller(r *http.Request) (string, bool) {
	claims := auth.GetClaimsFromContext(r.Context())
	if claims == nil {
		return "", false
	}
	return claims.Address, claims.Role == auth.RoleAdmin
}

type page[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func newPage[T any](data []T, total int, p model.Pagination) page[T] {
	if data == nil {
		data = []T{}
	}
	return page[T]{Data: data, Total: total, Page: p.Page, PageSize: p.PageSize}
}
