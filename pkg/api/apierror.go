// Package api — the HTTP boundary: RFC 7807 problem responses, auth and
// rate-limit middleware, and thin handlers over the ingest, ledger and job
// services.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/caseward/ecl/pkg/errs"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Code is the stable machine-readable error code.
	Code string `json:"code,omitempty"`
	// Retriable tells the caller whether the same request may succeed later.
	Retriable bool `json:"retriable"`
	// TraceID links to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblemJSON(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblemJSON(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://ecl.caseward.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteProblem maps a service error onto its problem response: the kind
// picks the status, the stable code and retriability ride along.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(kind)

	detail := err.Error()
	if kind == errs.KindInternal {
		// Internal causes are logged, never exposed.
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred."
	}

	writeProblemJSON(w, &ProblemDetail{
		Type:      fmt.Sprintf("https://ecl.caseward.dev/errors/%s", code),
		Title:     string(kind),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      code,
		Retriable: errs.Retriable(err),
		TraceID:   w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
