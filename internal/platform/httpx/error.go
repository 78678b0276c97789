// Package httpx holds the JSON error envelope shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecomcore/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
	maxTraceLen   = 64
)

// Error is an API error ready to be serialised. Code is a stable
// machine-readable identifier; Message is human-readable prose.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clampLine(code, maxCodeLen),
		Message: clampLine(message, maxMessageLen),
		Status:  status,
	}
}

// WithRequestID returns a copy of the error carrying the request identifier.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clampLine(id, maxIDLen)
	return e
}

// WithTraceID returns a copy of the error carrying the trace identifier.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clampLine(id, maxTraceLen)
	return e
}

// WithDetails returns a copy of the error with extra top-level payload
// fields. The map is copied so later mutation by the caller has no effect.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError renders the error envelope as JSON. Request and trace
// identifiers missing from the error are filled in from the context.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := requestID(ctx, err); id != "" {
		payload["request_id"] = id
	}
	if id := traceID(ctx, err); id != "" {
		payload["trace_id"] = id
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestID(ctx context.Context, err Error) string {
	if err.RequestID != "" {
		return err.RequestID
	}
	return clampLine(middleware.GetReqID(ctx), maxIDLen)
}

func traceID(ctx context.Context, err Error) string {
	if err.TraceID != "" {
		return err.TraceID
	}
	return clampLine(requestctx.TraceID(ctx), maxTraceLen)
}

// clampLine flattens newlines and bounds the value to limit bytes.
func clampLine(value string, limit int) string {
	value = strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
