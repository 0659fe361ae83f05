package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

type compressRequest struct {
	Text   string `json:"text"`
	Mode   int    `json:"mode,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

type decompressRequest struct {
	Data   []byte `json:"data"` // base64
	Stream bool   `json:"stream,omitempty"`
}

// jobResponse is the body of a finished job, and the final frame of a stream.
// Data is base64 encoded; Text is set instead when a decompressed payload
// was valid UTF-8.
type jobResponse struct {
	Data        []byte  `json:"data,omitempty"`
	Text        *string `json:"text,omitempty"`
	InputBytes  int     `json:"input_bytes"`
	OutputBytes int     `json:"output_bytes"`
}

type progressEvent struct {
	Progress float64 `json:"progress"`
}

// keepAliveEvery spaces SSE comments on long-running jobs.
const keepAliveEvery = 15 * time.Second

func (s *server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if !decodeJSON(w, r, s.deps.MaxBodyBytes, &req) {
		return
	}
	mode := lzmux.Mode(req.Mode)
	if mode == 0 {
		mode = lzmux.DefaultMode
	}
	job := lzmux.Job{Action: lzmux.ActionCompress, Text: req.Text, Mode: mode}
	if err := job.Validate(); err != nil {
		writeJSON(w, errorStatus(err), jobErrorResponse(err))
		return
	}

	run := func(ctx context.Context, progress func(float64)) (jobResponse, error) {
		out, err := s.deps.Service.Compress(ctx, req.Text, mode, progress)
		return jobResponse{Data: out, InputBytes: len(req.Text), OutputBytes: len(out)}, err
	}
	s.respond(w, r, req.Stream, run)
}

func (s *server) handleDecompress(w http.ResponseWriter, r *http.Request) {
	var req decompressRequest
	if !decodeJSON(w, r, s.deps.MaxBodyBytes, &req) {
		return
	}
	job := lzmux.Job{Action: lzmux.ActionDecompress, Data: req.Data}
	if err := job.Validate(); err != nil {
		writeJSON(w, errorStatus(err), jobErrorResponse(err))
		return
	}

	run := func(ctx context.Context, progress func(float64)) (jobResponse, error) {
		res, err := s.deps.Service.Decompress(ctx, req.Data, progress)
		resp := jobResponse{InputBytes: len(req.Data), OutputBytes: len(res.Data)}
		if res.Text {
			text := res.String()
			resp.Text = &text
		} else {
			resp.Data = res.Data
		}
		return resp, err
	}
	s.respond(w, r, req.Stream, run)
}

type jobFunc func(ctx context.Context, progress func(float64)) (jobResponse, error)

func (s *server) respond(w http.ResponseWriter, r *http.Request, stream bool, run jobFunc) {
	if stream {
		s.stream(w, r, run)
		return
	}
	resp, err := run(r.Context(), nil)
	if err != nil {
		writeJSON(w, errorStatus(err), jobErrorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobOutcome struct {
	resp jobResponse
	err  error
}

// stream runs the job in the background and relays its progress as SSE
// frames, then one final frame with the result or error, then [DONE].
func (s *server) stream(w http.ResponseWriter, r *http.Request, run jobFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}

	// Progress is delivered on the dispatcher's goroutine and must not block;
	// a slow client misses intermediate values, never the final frame.
	progress := make(chan float64, 64)
	done := make(chan jobOutcome, 1)
	go func() {
		resp, err := run(r.Context(), func(p float64) {
			select {
			case progress <- p:
			default:
				if s.deps.Metrics != nil {
					s.deps.Metrics.EventsDropped.WithLabelValues("slow_client").Inc()
				}
			}
		})
		done <- jobOutcome{resp: resp, err: err}
	}()

	writeSSEHeaders(w)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case p := <-progress:
			writeSSEJSON(w, progressEvent{Progress: p})
			flusher.Flush()

		case o := <-done:
			// Progress queued before the terminal event goes out first.
			for drained := false; !drained; {
				select {
				case p := <-progress:
					writeSSEJSON(w, progressEvent{Progress: p})
				default:
					drained = true
				}
			}
			if o.err != nil {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "job failed",
					slog.String("error", o.err.Error()),
					slog.String("request_id", lzmux.RequestIDFromContext(r.Context())),
				)
				writeSSEJSON(w, jobErrorResponse(o.err))
			} else {
				writeSSEJSON(w, o.resp)
			}
			writeSSEDone(w)
			flusher.Flush()
			return

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// The service cancels the job when its ctx ends.
			<-done
			return
		}
	}
}
