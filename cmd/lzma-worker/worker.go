package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/codec"
)

type worker struct {
	enc codec.Encoder
}

// serve handles requests until the input ends. Frames that cannot be decoded
// are reported as faults without an id.
func (w *worker) serve(dec codec.Decoder) error {
	for {
		req, err := dec.DecodeRequest()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, codec.ErrMalformedFrame):
			slog.Warn("malformed request", "error", err)
			if err := w.fault(err.Error(), "", 0); err != nil {
				return err
			}
			continue
		case err != nil:
			_ = w.fault(err.Error(), "", 0)
			return fmt.Errorf("read request: %w", err)
		}
		if err := w.handle(req); err != nil {
			return err
		}
	}
}

// handle runs one job. A panic is reported as a fault with no id, the way an
// uncaught error surfaces from a worker; the loop keeps serving.
func (w *worker) handle(req *lzmux.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			file, line := panicSite()
			slog.Error("job panicked", "callback_num", req.ID, "panic", r)
			err = w.fault(fmt.Sprint(r), file, line)
		}
	}()

	progress := func(p float64) {
		_ = w.enc.EncodeReply(&lzmux.Reply{
			Action: lzmux.ActionProgress,
			ID:     req.ID,
			HasID:  true,
			Result: lzmux.Result{Progress: p},
		})
	}

	rep := &lzmux.Reply{Action: req.Action, ID: req.ID, HasID: true}
	switch req.Action {
	case lzmux.ActionCompress:
		mode := req.Mode
		if mode == 0 {
			mode = lzmux.DefaultMode
		}
		out, cerr := compress(req.Text, mode, progress)
		rep.Result = lzmux.Result{Data: out}
		rep.Err = jobError(cerr)
	case lzmux.ActionDecompress:
		res, derr := decompress(req.Data, progress)
		rep.Result = res
		rep.Err = jobError(derr)
	default:
		return w.fault(fmt.Sprintf("unsupported action %d", req.Action), "", 0)
	}
	if err := w.enc.EncodeReply(rep); err != nil {
		return fmt.Errorf("write reply %d: %w", req.ID, err)
	}
	return nil
}

func (w *worker) fault(msg, file string, line int) error {
	if err := w.enc.EncodeReply(&lzmux.Reply{Err: &lzmux.Fault{Message: msg, Filename: file, Line: line}}); err != nil {
		return fmt.Errorf("write fault: %w", err)
	}
	return nil
}

// jobError turns a job failure into a fault carried by the job's own reply.
func jobError(err error) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &lzmux.Fault{Message: err.Error(), Filename: filepath.Base(file), Line: line}
}

// panicSite returns the location of the innermost non-runtime frame of a
// panicking goroutine. Must be called from the deferred recover function.
func panicSite() (file string, line int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			return filepath.Base(f.File), f.Line
		}
		if !more {
			return "", 0
		}
	}
}
