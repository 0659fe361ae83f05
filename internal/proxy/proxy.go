// Package proxy owns the worker process: it starts it, feeds it encoded
// requests, decodes its replies and hands them to a Dispatcher.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/codec"
)

// Defaults applied by Open.
const (
	DefaultQueueSize   = 256
	DefaultStopTimeout = 5 * time.Second
)

// Dispatcher receives decoded worker output. *router.Router implements it.
type Dispatcher interface {
	// Dispatch forwards a progress or terminal reply for id.
	Dispatch(action lzmux.Action, id lzmux.RequestID, res lzmux.Result) bool
	// DispatchFailure forwards a reply that carries both an id and an error.
	DispatchFailure(id lzmux.RequestID, err error) bool
	// DispatchError forwards a fault that carries no id.
	DispatchError(err error) bool
	// Close fails everything still pending once the worker is gone.
	Close(cause error) int
}

// Config describes how to run the worker.
type Config struct {
	Launcher     Launcher      // ExecLauncher{Path: DefaultPath} if nil
	Codec        codec.Codec   // JSON if nil
	QueueSize    int           // outbound requests buffered ahead of the writer
	MaxFrameSize int           // largest accepted inbound frame
	StopTimeout  time.Duration // grace period between closing stdin and killing
}

// Proxy is a handle to one running worker process. Safe for concurrent use.
type Proxy struct {
	cfg  Config
	proc Process
	d    Dispatcher

	queue   chan *lzmux.Request
	quit    chan struct{} // closed by Close
	broken  chan struct{} // closed when writing to the worker fails
	exited  chan struct{} // closed once the process has been reaped
	done    chan struct{} // closed after exit handling completes
	closing atomic.Bool
	once    sync.Once

	mu       sync.Mutex
	err      error
	writeErr error
}

// Open starts the worker and begins forwarding its output to d. A failure to
// start the process is returned here and nothing is running afterwards.
func Open(ctx context.Context, cfg Config, d Dispatcher) (*Proxy, error) {
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{Path: DefaultPath}
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	proc, err := cfg.Launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	p := &Proxy{
		cfg:    cfg,
		proc:   proc,
		d:      d,
		queue:  make(chan *lzmux.Request, cfg.QueueSize),
		quit:   make(chan struct{}),
		broken: make(chan struct{}),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.writeLoop()
	go p.supervise()

	slog.Info("worker started",
		"pid", proc.Pid(),
		"codec", cfg.Codec.Name(),
	)
	return p, nil
}

// Send queues req for the worker. It blocks only while the queue is full.
func (p *Proxy) Send(ctx context.Context, req *lzmux.Request) error {
	if p.closing.Load() {
		return lzmux.ErrClosed
	}
	select {
	case <-p.exited:
		return lzmux.ErrWorkerExited
	case <-p.broken:
		return p.brokenErr()
	default:
	}

	select {
	case p.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return lzmux.ErrClosed
	case <-p.exited:
		return lzmux.ErrWorkerExited
	case <-p.broken:
		return p.brokenErr()
	}
}

func (p *Proxy) brokenErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErr
}

// Alive reports whether the worker is running and accepting requests.
func (p *Proxy) Alive() bool {
	if p.closing.Load() {
		return false
	}
	select {
	case <-p.exited:
		return false
	case <-p.broken:
		return false
	default:
		return true
	}
}

// Pid returns the worker's process id.
func (p *Proxy) Pid() int { return p.proc.Pid() }

// Done is closed once the worker has exited and its exit has been handled.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Err returns why the worker stopped: nil while running or after a clean
// Close, an error matching lzmux.ErrWorkerExited after an unexpected exit.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the worker: stdin is closed so it can finish and exit, and it
// is killed if still running after StopTimeout. Close waits for the exit and
// returns Err.
func (p *Proxy) Close() error {
	p.once.Do(func() {
		p.closing.Store(true)
		close(p.quit)

		timer := time.NewTimer(p.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			slog.Warn("worker did not exit in time, killing",
				"pid", p.proc.Pid(),
				"timeout", p.cfg.StopTimeout,
			)
			if err := p.proc.Kill(); err != nil {
				slog.Error("kill worker", "pid", p.proc.Pid(), "error", err)
			}
		}
	})
	<-p.done
	return p.Err()
}

// supervise reads the worker's output until both streams end, reaps the
// process and reports unexpected exits to the dispatcher.
func (p *Proxy) supervise() {
	var g errgroup.Group
	g.Go(p.readLoop)
	g.Go(p.relayStderr)
	readErr := g.Wait()

	waitErr := p.proc.Wait()
	close(p.exited)

	if !p.closing.Load() {
		cause := errors.Join(readErr, waitErr)
		if cause == nil {
			cause = errors.New("exit status 0")
		}
		err := fmt.Errorf("%w: %w", lzmux.ErrWorkerExited, cause)
		slog.Error("worker exited unexpectedly",
			"pid", p.proc.Pid(),
			"error", cause,
		)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()

		p.d.DispatchError(err)
		p.d.Close(err)
	} else {
		slog.Info("worker stopped", "pid", p.proc.Pid())
	}
	close(p.done)
}

// writeLoop encodes queued requests to the worker's stdin. After a write
// fails, stdin is closed and every request still reaching the queue is failed
// until the proxy stops.
func (p *Proxy) writeLoop() {
	stdin := p.proc.Stdin()
	enc := p.cfg.Codec.NewEncoder(stdin)
	var werr error
	defer func() {
		if werr == nil {
			stdin.Close()
		}
	}()
	for {
		select {
		case req := <-p.queue:
			if werr == nil {
				err := enc.EncodeRequest(req)
				if err == nil {
					continue
				}
				slog.LogAttrs(context.Background(), slog.LevelError, "write to worker failed",
					slog.Uint64("request_id", uint64(req.ID)),
					slog.String("error", err.Error()),
				)
				werr = fmt.Errorf("%w: write request: %w", lzmux.ErrWorkerExited, err)
				p.mu.Lock()
				p.writeErr = werr
				p.mu.Unlock()
				close(p.broken)
				p.d.DispatchFailure(req.ID, werr)
				stdin.Close()
				continue
			}
			p.d.DispatchFailure(req.ID, werr)
		case <-p.quit:
			return
		case <-p.exited:
			return
		}
	}
}

func (p *Proxy) readLoop() error {
	dec := p.cfg.Codec.NewDecoder(p.proc.Stdout(), p.cfg.MaxFrameSize)
	for {
		rep, err := dec.DecodeReply()
		switch {
		case err == nil:
			p.forward(rep)
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, codec.ErrMalformedFrame):
			slog.LogAttrs(context.Background(), slog.LevelWarn, "malformed worker frame skipped",
				slog.Int("worker_pid", p.proc.Pid()),
				slog.String("error", err.Error()),
			)
		default:
			if p.closing.Load() {
				return nil
			}
			// The stream cannot be resynchronized.
			_ = p.proc.Kill()
			return fmt.Errorf("read worker output: %w", err)
		}
	}
}

func (p *Proxy) forward(rep *lzmux.Reply) {
	switch {
	case rep.IsFault():
		p.d.DispatchError(rep.Err)
	case rep.Err != nil:
		p.d.DispatchFailure(rep.ID, rep.Err)
	default:
		p.d.Dispatch(rep.Action, rep.ID, rep.Result)
	}
}

func (p *Proxy) relayStderr() error {
	s := bufio.NewScanner(p.proc.Stderr())
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "worker stderr",
			slog.Int("worker_pid", p.proc.Pid()),
			slog.String("line", s.Text()),
		)
	}
	if err := s.Err(); err != nil {
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, p.proc.Stderr())
	}
	return nil
}
