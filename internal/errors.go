package lzmux

import "errors"

// Sentinel errors for the dispatcher domain.
var (
	ErrTableFull     = errors.New("request table exhausted")
	ErrClosed        = errors.New("dispatcher closed")
	ErrCancelled     = errors.New("job cancelled")
	ErrTimeout       = errors.New("job timed out")
	ErrWorkerFault   = errors.New("worker fault")
	ErrWorkerExited  = errors.New("worker exited")
	ErrNoResult      = errors.New("worker returned no result")
	ErrUnavailable   = errors.New("worker unavailable")
	ErrBadRequest    = errors.New("bad request")
	ErrUnknownCodec  = errors.New("unknown codec")
	ErrFrameTooLarge = errors.New("frame too large")
)
