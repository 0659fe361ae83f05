// Package lzma is the caller-facing API of the dispatcher. A Client runs one
// worker process and resolves compress and decompress jobs through callbacks
// or futures.
package lzma

import (
	"context"
	"fmt"
	"sync"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/proxy"
	"github.com/eugener/lzmux/internal/router"
	"github.com/eugener/lzmux/internal/telemetry"
)

// Config configures a Client.
type Config struct {
	Worker      proxy.Config
	IDRange     uint32
	MaxDraws    int
	MaxPending  int
	Attribution router.Attribution
	Metrics     *telemetry.Metrics
}

// Client dispatches jobs to a single worker process. Safe for concurrent use.
type Client struct {
	router  *router.Router
	proxy   *proxy.Proxy
	stop    context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// Open starts the worker and the delivery loop.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{stopped: make(chan struct{})}
	c.router = router.New(
		router.SenderFunc(func(ctx context.Context, req *lzmux.Request) error {
			return c.proxy.Send(ctx, req)
		}),
		router.WithIDRange(cfg.IDRange),
		router.WithMaxDraws(cfg.MaxDraws),
		router.WithMaxPending(cfg.MaxPending),
		router.WithAttribution(cfg.Attribution),
		router.WithMetrics(cfg.Metrics),
	)

	p, err := proxy.Open(ctx, cfg.Worker, c.router)
	if err != nil {
		return nil, err
	}
	c.proxy = p

	runCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go func() {
		defer close(c.stopped)
		_ = c.router.Run(runCtx)
	}()
	return c, nil
}

// Submit validates job and hands it to the worker. Results arrive through
// job.Handlers on the client's delivery goroutine.
func (c *Client) Submit(ctx context.Context, job *lzmux.Job) (lzmux.RequestID, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	return c.router.Submit(ctx, job)
}

// Compress submits text for compression at mode.
func (c *Client) Compress(ctx context.Context, text string, mode lzmux.Mode, h lzmux.Handlers) (lzmux.RequestID, error) {
	return c.Submit(ctx, &lzmux.Job{Action: lzmux.ActionCompress, Text: text, Mode: mode, Handlers: h})
}

// Decompress submits an LZMA stream for decompression.
func (c *Client) Decompress(ctx context.Context, data []byte, h lzmux.Handlers) (lzmux.RequestID, error) {
	return c.Submit(ctx, &lzmux.Job{Action: lzmux.ActionDecompress, Data: data, Handlers: h})
}

// CompressAsync is Compress returning a future of the compressed bytes.
// Cancelling ctx cancels the job.
func (c *Client) CompressAsync(ctx context.Context, text string, mode lzmux.Mode) *Future[[]byte] {
	f := newFuture[[]byte]()
	job := &lzmux.Job{
		Action: lzmux.ActionCompress,
		Text:   text,
		Mode:   mode,
		Handlers: lzmux.Handlers{
			OnFinish: func(res lzmux.Result) { f.settle(res.Data, nil) },
			OnError:  func(err error) { f.settle(nil, err) },
		},
	}
	c.submitAsync(ctx, job, &f.id, f.done, func(err error) { f.settle(nil, err) })
	return f
}

// DecompressAsync is Decompress returning a future of the result. The result
// is text when the decompressed bytes were valid UTF-8.
// Cancelling ctx cancels the job.
func (c *Client) DecompressAsync(ctx context.Context, data []byte) *Future[lzmux.Result] {
	f := newFuture[lzmux.Result]()
	job := &lzmux.Job{
		Action: lzmux.ActionDecompress,
		Data:   data,
		Handlers: lzmux.Handlers{
			OnFinish: func(res lzmux.Result) { f.settle(res, nil) },
			OnError:  func(err error) { f.settle(lzmux.Result{}, err) },
		},
	}
	c.submitAsync(ctx, job, &f.id, f.done, func(err error) { f.settle(lzmux.Result{}, err) })
	return f
}

func (c *Client) submitAsync(ctx context.Context, job *lzmux.Job, id *lzmux.RequestID, done <-chan struct{}, reject func(error)) {
	n, err := c.Submit(ctx, job)
	if err != nil {
		reject(err)
		return
	}
	*id = n
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() {
		c.router.Cancel(n, fmt.Errorf("%w: %w", lzmux.ErrCancelled, context.Cause(ctx)))
	})
	go func() {
		<-done
		stop()
	}()
}

// Cancel fails a pending job with lzmux.ErrCancelled. It reports whether the
// job was still pending.
func (c *Client) Cancel(id lzmux.RequestID) bool {
	return c.router.Cancel(id, nil)
}

// Pending reports whether id is still awaiting a terminal event.
func (c *Client) Pending(id lzmux.RequestID) bool { return c.router.Pending(id) }

// Len returns the number of pending jobs.
func (c *Client) Len() int { return c.router.Len() }

// Alive reports whether the worker is running.
func (c *Client) Alive() bool { return c.proxy.Alive() }

// Pid returns the worker's process id.
func (c *Client) Pid() int { return c.proxy.Pid() }

// Done is closed when the worker has stopped, for any reason.
func (c *Client) Done() <-chan struct{} { return c.proxy.Done() }

// Err reports why the worker stopped unexpectedly, if it did.
func (c *Client) Err() error { return c.proxy.Err() }

// ExpireBefore fails jobs submitted before cutoff with lzmux.ErrTimeout.
func (c *Client) ExpireBefore(cutoff time.Time) int { return c.router.ExpireBefore(cutoff) }

// Close fails every pending job with lzmux.ErrClosed, stops the worker and
// waits for outstanding handler calls to finish. It returns Err.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.router.Close(nil)
		_ = c.proxy.Close()
		c.stop()
		<-c.stopped
	})
	return c.proxy.Err()
}
