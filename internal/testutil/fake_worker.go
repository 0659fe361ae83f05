// Package testutil provides configurable test fakes for lzmux interfaces.
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/codec"
	"github.com/eugener/lzmux/internal/proxy"
)

// FakeWorker is an in-process stand-in for the worker executable. It speaks
// the wire protocol over io.Pipe and satisfies proxy.Process.
type FakeWorker struct {
	// HandleFn returns the replies for one request. A nil HandleFn replies
	// with a terminal result echoing the payload. Returning nil keeps the
	// worker silent for that request.
	HandleFn func(req *lzmux.Request) []*lzmux.Reply
	// StayAlive keeps the worker running after stdin is closed, so only
	// Kill stops it.
	StayAlive bool
	// ReadGate, if set, holds off reading requests until it is closed.
	ReadGate chan struct{}

	codec codec.Codec

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu sync.Mutex
	enc     codec.Encoder

	mu       sync.Mutex
	requests []*lzmux.Request
	received chan *lzmux.Request

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// NewFakeWorker returns a worker speaking c (JSON if nil). Call Start, or
// hand it to a proxy through Launch.
func NewFakeWorker(c codec.Codec) *FakeWorker {
	if c == nil {
		c = codec.JSON{}
	}
	f := &FakeWorker{
		codec:    c,
		received: make(chan *lzmux.Request, 1024),
		exited:   make(chan struct{}),
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	f.enc = c.NewEncoder(f.stdoutW)
	return f
}

var _ proxy.Process = (*FakeWorker)(nil)

// Launch starts serving and returns the worker itself, so a FakeWorker can be
// used as proxy.LauncherFunc(f.Launch).
func (f *FakeWorker) Launch(context.Context) (proxy.Process, error) {
	go f.serve()
	return f, nil
}

func (f *FakeWorker) serve() {
	if f.ReadGate != nil {
		select {
		case <-f.ReadGate:
		case <-f.exited:
			return
		}
	}
	dec := f.codec.NewDecoder(f.stdinR, 0)
	for {
		req, err := dec.DecodeRequest()
		if err != nil {
			if errors.Is(err, codec.ErrMalformedFrame) {
				continue
			}
			if !f.StayAlive {
				f.exit(nil)
			}
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		select {
		case f.received <- req:
		default:
		}

		replies := f.handle(req)
		for _, rep := range replies {
			if err := f.Emit(rep); err != nil {
				return
			}
		}
	}
}

func (f *FakeWorker) handle(req *lzmux.Request) []*lzmux.Reply {
	if f.HandleFn != nil {
		return f.HandleFn(req)
	}
	return []*lzmux.Reply{EchoReply(req)}
}

// EchoReply is the default terminal reply: compress returns the text bytes,
// decompress returns the data as text.
func EchoReply(req *lzmux.Request) *lzmux.Reply {
	rep := &lzmux.Reply{Action: req.Action, ID: req.ID, HasID: true}
	if req.Action == lzmux.ActionCompress {
		rep.Result = lzmux.Result{Data: []byte(req.Text)}
	} else {
		rep.Result = lzmux.Result{Data: req.Data, Text: true}
	}
	return rep
}

// ProgressReply builds a progress event for req.
func ProgressReply(req *lzmux.Request, p float64) *lzmux.Reply {
	return &lzmux.Reply{Action: lzmux.ActionProgress, ID: req.ID, HasID: true, Result: lzmux.Result{Progress: p}}
}

// FaultReply builds a fault that carries no request id.
func FaultReply(msg, file string, line int) *lzmux.Reply {
	return &lzmux.Reply{Action: lzmux.ActionCompress, Err: &lzmux.Fault{Message: msg, Filename: file, Line: line}}
}

// Emit writes an unsolicited reply to the worker's stdout.
func (f *FakeWorker) Emit(rep *lzmux.Reply) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.enc.EncodeReply(rep)
}

// WriteRaw writes bytes to stdout as-is.
func (f *FakeWorker) WriteRaw(b []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := f.stdoutW.Write(b)
	return err
}

// LogStderr writes one line to the worker's stderr.
func (f *FakeWorker) LogStderr(line string) error {
	_, err := f.stderrW.Write([]byte(line + "\n"))
	return err
}

// Requests returns every request decoded so far.
func (f *FakeWorker) Requests() []*lzmux.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*lzmux.Request(nil), f.requests...)
}

// Received delivers requests as they are decoded.
func (f *FakeWorker) Received() <-chan *lzmux.Request { return f.received }

// Crash terminates the worker with err as its exit error.
func (f *FakeWorker) Crash(err error) { f.exit(err) }

// Exited is closed once the worker has stopped.
func (f *FakeWorker) Exited() <-chan struct{} { return f.exited }

func (f *FakeWorker) exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		_ = f.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = f.stdoutW.Close()
		_ = f.stderrW.Close()
		close(f.exited)
	})
}

// --- proxy.Process ---

func (f *FakeWorker) Stdin() io.WriteCloser { return f.stdinW }
func (f *FakeWorker) Stdout() io.Reader     { return f.stdoutR }
func (f *FakeWorker) Stderr() io.Reader     { return f.stderrR }
func (f *FakeWorker) Pid() int              { return 4242 }

// Wait blocks until the worker stops.
func (f *FakeWorker) Wait() error {
	<-f.exited
	return f.exitErr
}

// Kill stops the worker immediately.
func (f *FakeWorker) Kill() error {
	f.exit(errors.New("signal: killed"))
	return nil
}
