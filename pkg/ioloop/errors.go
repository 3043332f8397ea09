package ioloop

import "errors"

// Sentinel errors returned by this package and its sub-packages. The
// original C library returned negative errno values from every function;
// these replace that convention with idiomatic Go errors, wrapping
// golang.org/x/sys/unix.Errno where a specific errno is meaningful.
var (
	// ErrArgument is returned for invalid arguments (nil callback, negative
	// fd, zero-length buffer where one is required, ...).
	ErrArgument = errors.New("ioloop: invalid argument")

	// ErrClosed is returned by operations attempted on a Source or Monitor
	// after it has been closed/removed.
	ErrClosed = errors.New("ioloop: use of closed source")

	// ErrAlreadyRegistered is returned by Monitor.Add when the source (or
	// its fd) is already registered on that monitor.
	ErrAlreadyRegistered = errors.New("ioloop: source already registered")

	// ErrNotRegistered is returned by Monitor.Remove/ActivateIn/ActivateOut
	// when the source isn't registered on that monitor.
	ErrNotRegistered = errors.New("ioloop: source not registered")

	// ErrNoBuffers mirrors -ENOBUFS from the original write path: returned
	// when a duplex IO's write side has seen too many consecutive EAGAINs
	// and gives up on the current buffer.
	ErrNoBuffers = errors.New("ioloop: write ready but kernel buffers are exhausted")

	// ErrWriteTimeout is returned when a write buffer is not accepted by the
	// kernel within the configured write-ready timeout.
	ErrWriteTimeout = errors.New("ioloop: write-ready timeout")

	// ErrWriteAborted is returned to pending write callbacks when
	// io.Write abort/Close discards the queue.
	ErrWriteAborted = errors.New("ioloop: write aborted")
)
