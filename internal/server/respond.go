package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

// statusClientClosed is the nginx convention for a request the client
// abandoned before the response was ready.
const statusClientClosed = 499

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		File    string `json:"file,omitempty"`
		Line    int    `json:"line,omitempty"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// jobErrorResponse describes a failed job. Worker faults keep their source
// location.
func jobErrorResponse(err error) apiError {
	var e apiError
	e.Error.Message = err.Error()
	e.Error.Type = errorType(err)
	var f *lzmux.Fault
	if errors.As(err, &f) {
		e.Error.Message = f.Message
		e.Error.File = f.Filename
		e.Error.Line = f.Line
	}
	return e
}

func errorType(err error) string {
	switch {
	case errors.Is(err, lzmux.ErrBadRequest):
		return "invalid_request_error"
	case errors.Is(err, lzmux.ErrWorkerFault), errors.Is(err, lzmux.ErrNoResult):
		return "worker_error"
	case errors.Is(err, lzmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout_error"
	case errors.Is(err, lzmux.ErrCancelled):
		return "cancelled"
	case errors.Is(err, lzmux.ErrUnavailable), errors.Is(err, lzmux.ErrWorkerExited),
		errors.Is(err, lzmux.ErrTableFull), errors.Is(err, lzmux.ErrClosed):
		return "unavailable_error"
	default:
		return "internal_error"
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, lzmux.ErrBadRequest), errors.Is(err, lzmux.ErrUnknownCodec):
		return http.StatusBadRequest
	case errors.Is(err, lzmux.ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, lzmux.ErrWorkerFault), errors.Is(err, lzmux.ErrNoResult):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lzmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, lzmux.ErrCancelled), errors.Is(err, context.Canceled):
		return statusClientClosed
	case errors.Is(err, lzmux.ErrUnavailable), errors.Is(err, lzmux.ErrWorkerExited),
		errors.Is(err, lzmux.ErrTableFull), errors.Is(err, lzmux.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice for direct map assignment.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes an error on
// failure. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return false
	}
	return true
}

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params and
// normalizes them to UTC. Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *string
	}{{"since", &since}, {"until", &until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid "+p.name+" format, use RFC3339"))
			return "", "", false
		}
		*p.dst = t.UTC().Format(time.RFC3339)
	}
	return since, until, true
}
