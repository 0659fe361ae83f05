// Package lzmux defines domain types for the lzmux LZMA job dispatcher.
// This package has no project imports -- it is the dependency root.
package lzmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// --- Wire protocol ---

// Action tags every message exchanged with the worker.
type Action int

const (
	ActionCompress   Action = 1
	ActionDecompress Action = 2
	ActionProgress   Action = 3
)

// String returns the lowercase action name used in logs, metrics and storage.
func (a Action) String() string {
	switch a {
	case ActionCompress:
		return "compress"
	case ActionDecompress:
		return "decompress"
	case ActionProgress:
		return "progress"
	default:
		return "action(" + strconv.Itoa(int(a)) + ")"
	}
}

// Terminal reports whether a reply with this action retires its job.
func (a Action) Terminal() bool {
	return a == ActionCompress || a == ActionDecompress
}

// ParseAction is the inverse of Action.String for job kinds.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "compress":
		return ActionCompress, true
	case "decompress":
		return ActionDecompress, true
	}
	return 0, false
}

// RequestID correlates an outbound job with its inbound events.
type RequestID uint32

// Mode is an LZMA compression level.
type Mode int

const (
	MinMode     Mode = 1
	MaxMode     Mode = 9
	DefaultMode Mode = 1
)

// Valid reports whether m is a supported compression level.
func (m Mode) Valid() bool { return m >= MinMode && m <= MaxMode }

// Request is one outbound message, sent once per job.
type Request struct {
	Action Action
	ID     RequestID
	Text   string // compress payload
	Data   []byte // decompress payload
	Mode   Mode   // zero for decompress (false on the wire)
}

// Result is the payload of an inbound reply.
type Result struct {
	Data     []byte
	Text     bool    // Data holds UTF-8 text (decompressed string)
	Progress float64 // 0..1, progress replies only
}

// String returns Data as a string.
func (r Result) String() string { return string(r.Data) }

// Reply is one inbound message. A reply without an id is a worker fault
// that cannot be attributed to a request by the worker itself.
type Reply struct {
	Action Action
	ID     RequestID
	HasID  bool
	Result Result
	Err    error // *Fault, ErrNoResult, or nil
}

// IsFault reports whether the reply is an unattributed worker fault.
func (r *Reply) IsFault() bool { return !r.HasID }

// Fault is an error raised inside the worker, mirroring an uncaught
// error event: message, source file and line.
type Fault struct {
	Message  string
	Filename string
	Line     int
}

func (f *Fault) Error() string {
	return f.Message + " (" + f.Filename + ":" + strconv.Itoa(f.Line) + ")"
}

// Is makes every Fault match ErrWorkerFault.
func (f *Fault) Is(target error) bool { return target == ErrWorkerFault }

// --- Jobs ---

// Handlers are the reactions a caller attaches to a job. Any may be nil.
type Handlers struct {
	OnFinish   func(Result)
	OnProgress func(float64)
	OnError    func(error)
}

// Job is one compress or decompress request submitted by a caller.
type Job struct {
	Action   Action
	Text     string
	Data     []byte
	Mode     Mode
	Handlers Handlers
}

// Request builds the outbound message for the job under id.
func (j *Job) Request(id RequestID) *Request {
	return &Request{Action: j.Action, ID: id, Text: j.Text, Data: j.Data, Mode: j.Mode}
}

// Size returns the payload size in bytes.
func (j *Job) Size() int {
	if j.Action == ActionCompress {
		return len(j.Text)
	}
	return len(j.Data)
}

// Validate checks the job kind, payload and mode.
func (j *Job) Validate() error {
	switch j.Action {
	case ActionCompress:
		if !j.Mode.Valid() {
			return fmt.Errorf("%w: mode %d out of range [%d, %d]", ErrBadRequest, j.Mode, MinMode, MaxMode)
		}
	case ActionDecompress:
		if len(j.Data) == 0 {
			return fmt.Errorf("%w: empty payload", ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unsupported action %s", ErrBadRequest, j.Action)
	}
	return nil
}

// --- Job history ---

// Job outcome statuses.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// StatusOf maps a job's terminal error to a status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// JobRecord is the persisted outcome of one job.
type JobRecord struct {
	ID          string    `json:"id"`
	RequestID   RequestID `json:"request_id"`
	Action      string    `json:"action"`
	Mode        int       `json:"mode,omitempty"`
	InputBytes  int       `json:"input_bytes"`
	OutputBytes int       `json:"output_bytes"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Cached      bool      `json:"cached"`
	DurationMs  int       `json:"duration_ms"`
	TraceID     string    `json:"trace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobFilter narrows job history queries. Empty fields match everything.
type JobFilter struct {
	Action string
	Status string
	Since  string // RFC 3339
	Until  string // RFC 3339
	Offset int
	Limit  int
}

// RollupFilter narrows rollup queries. Empty fields match everything.
type RollupFilter struct {
	Action string
	Period string
	Since  string // RFC 3339, inclusive bucket start
	Until  string // RFC 3339, exclusive bucket start
}

// JobRollup aggregates job records per action, status and time bucket.
type JobRollup struct {
	Action          string `json:"action"`
	Status          string `json:"status"`
	Period          string `json:"period"`
	Bucket          string `json:"bucket"`
	JobCount        int    `json:"job_count"`
	CachedCount     int    `json:"cached_count"`
	InputBytes      int64  `json:"input_bytes"`
	OutputBytes     int64  `json:"output_bytes"`
	TotalDurationMs int64  `json:"total_duration_ms"`
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the HTTP request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given HTTP request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
