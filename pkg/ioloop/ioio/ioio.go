// Package ioio implements a duplex IO source: managed, non-blocking reads
// into a ring buffer plus a FIFO write queue with write-ready timeout and
// abort support. It is the Go counterpart of the original library's
// io_io, adapted from the read/write-loop pattern in the teacher repo's
// internal/ptyio package — but driven by a single ioloop.Monitor dispatch
// instead of background goroutines, since everything here runs on
// whichever goroutine calls Monitor.Poll.
package ioio

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/ioloop/internal/dllist"
	"github.com/srg/ioloop/internal/ringbuf"
	"github.com/srg/ioloop/pkg/ioloop"
	"github.com/srg/ioloop/pkg/ioloop/iosrc"
)

// readState/writeState mirror enum io_io_state from the original library.
type ioState int

const (
	stateStopped ioState = iota
	stateStarted
	stateError
)

// ReadCallback receives newly read bytes through rb. Return true to keep
// reading, false to pause (equivalent to calling ReadStop from inside the
// callback).
type ReadCallback func(io *IO, rb *ringbuf.RingBuffer) bool

// WriteStatus reports the outcome of a queued write buffer.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	WriteError
	WriteTimeout
	WriteAborted
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteError:
		return "error"
	case WriteTimeout:
		return "timeout"
	case WriteAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// WriteCallback is invoked once for every WriteBuffer handed to WriteAdd,
// when it has been fully written, failed, timed out, or been aborted.
type WriteCallback func(buf *WriteBuffer, status WriteStatus, err error)

// WriteBuffer is a buffer queued for writing through WriteAdd. Order is
// preserved: buffers are written in the order they were added.
type WriteBuffer struct {
	Data []byte
	Cb   WriteCallback

	off int
}

// maxConsecutiveEagain bounds how many back-to-back EAGAINs a single write
// attempt will tolerate before giving up on the current buffer. Ordinarily
// epoll reporting EPOLLOUT means the next write will succeed; a long EAGAIN
// streak means the kernel's send buffer is being starved faster than it
// drains, so further spinning just burns CPU.
const maxConsecutiveEagain = 20

// DefaultReadBufferSize is the ring buffer capacity used when New is given
// readBufSize <= 0.
const DefaultReadBufferSize = 2048

// DefaultWriteTimeout is the write-ready timeout used when New is given a
// zero writeTimeout, matching pkg/config's WriteTimeout default.
const DefaultWriteTimeout = 10 * time.Second

// IO is a duplex (or half-duplex, if fdIn != fdOut) IO source: reads are
// buffered into a ring buffer and delivered through a ReadCallback, writes
// are queued through WriteAdd and drained as the fd becomes writable.
type IO struct {
	mon  *ioloop.Monitor
	name string

	fdIn, fdOut int
	duplex      bool

	readSrc  *ioloop.Source
	writeSrc *ioloop.Source

	readState ioState
	readBuf   *ringbuf.RingBuffer
	readCb    ReadCallback
	ignEOF    bool
	scratch   []byte

	writeState   ioState
	writeQueue   *dllist.List[*WriteBuffer]
	writeTimer   *iosrc.Timer
	writeTimeout time.Duration
	eagainCount  int

	logRX, logTX func(string)
	logger       *logrus.Logger
}

// New creates an IO over fdIn/fdOut (equal for a duplex fd such as a
// connected socket or a pty master) and registers its source(s) with mon.
// ignoreEOF keeps reading after a zero-byte read instead of treating it as
// a terminal read error. readBufSize <= 0 uses DefaultReadBufferSize, and
// writeTimeout <= 0 uses DefaultWriteTimeout.
func New(mon *ioloop.Monitor, name string, fdIn, fdOut int, ignoreEOF bool, readBufSize int, writeTimeout time.Duration, logger *logrus.Logger) (*IO, error) {
	if mon == nil {
		return nil, ioloop.ErrArgument
	}
	if readBufSize <= 0 {
		readBufSize = DefaultReadBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	io := &IO{
		mon:          mon,
		name:         name,
		fdIn:         fdIn,
		fdOut:        fdOut,
		duplex:       fdIn == fdOut,
		readBuf:      ringbuf.New(readBufSize),
		ignEOF:       ignoreEOF,
		scratch:      make([]byte, 4096),
		writeQueue:   dllist.New[*WriteBuffer](),
		writeTimeout: writeTimeout,
		logger:       logger,
	}

	if io.duplex {
		// A single fd serving both directions needs one Source whose
		// callback inspects which of In/Out actually fired.
		combined, err := ioloop.NewSource(name, fdIn, ioloop.None, io.onDuplexReady)
		if err != nil {
			return nil, err
		}
		io.readSrc = combined
		io.writeSrc = combined
	} else {
		readSrc, err := ioloop.NewSource(name+".read", fdIn, ioloop.None, io.onReadReady)
		if err != nil {
			return nil, err
		}
		writeSrc, err := ioloop.NewSource(name+".write", fdOut, ioloop.None, io.onWriteReady)
		if err != nil {
			return nil, err
		}
		io.readSrc = readSrc
		io.writeSrc = writeSrc
	}

	if err := mon.Add(io.readSrc); err != nil {
		return nil, err
	}
	if !io.duplex {
		if err := mon.Add(io.writeSrc); err != nil {
			_ = mon.Remove(io.readSrc)
			return nil, err
		}
	}

	timer, err := iosrc.NewTimer(name+".write-timeout", 0, 0, io.onWriteTimeout)
	if err != nil {
		_ = mon.RemoveSources(io.readSrc, io.writeSrc)
		return nil, err
	}
	if err := mon.Add(&timer.Source); err != nil {
		_ = timer.Close()
		_ = mon.RemoveSources(io.readSrc, io.writeSrc)
		return nil, err
	}
	io.writeTimer = timer

	return io, nil
}

// Name returns the diagnostic name given to this IO.
func (io *IO) Name() string { return io.name }

// LogRX sets (or clears, with nil) a function called with every chunk of
// raw bytes read, for traffic logging.
func (io *IO) LogRX(fn func(string)) { io.logRX = fn }

// LogTX sets (or clears, with nil) a function called with every buffer
// written, for traffic logging.
func (io *IO) LogTX(fn func(string)) { io.logTX = fn }

// ReadStart arms read interest and begins delivering data to cb. If clear
// is true, any bytes already buffered from before are discarded first.
func (io *IO) ReadStart(cb ReadCallback, clear bool) error {
	if cb == nil {
		return ioloop.ErrArgument
	}
	if clear {
		io.readBuf.Reset()
	}
	io.readCb = cb
	io.readState = stateStarted
	return io.mon.ActivateIn(io.readSrc)
}

// ReadStop disarms read interest. Buffered, already-read data is kept.
func (io *IO) ReadStop() error {
	io.readState = stateStopped
	return io.mon.DeactivateIn(io.readSrc)
}

// IsReadStarted reports whether reads are currently armed.
func (io *IO) IsReadStarted() bool { return io.readState == stateStarted }

// HasReadError reports whether the read side has hit a terminal error
// (anything other than a clean, ignored EOF).
func (io *IO) HasReadError() bool { return io.readState == stateError }

// WriteAdd appends buf to the write queue. If nothing was previously
// queued, this arms write readiness and the write-ready timeout.
func (io *IO) WriteAdd(buf *WriteBuffer) error {
	if buf == nil || len(buf.Data) == 0 {
		return ioloop.ErrArgument
	}
	wasEmpty := io.writeQueue.Len() == 0 && io.writeState != stateStarted
	io.writeQueue.PushBack(buf)
	if wasEmpty {
		io.writeState = stateStarted
		io.eagainCount = 0
		if err := io.mon.ActivateOut(io.writeSrc); err != nil {
			return err
		}
		_ = io.writeTimer.Set(io.writeTimeout, 0)
	}
	return nil
}

// WriteAbort discards every buffer currently queued (including one
// partially written), invoking each one's callback with WriteAborted.
func (io *IO) WriteAbort() error {
	if node := io.currentNode(); node != nil {
		io.finishCurrent(node, WriteAborted, ioloop.ErrWriteAborted)
	}
	io.writeQueue.Drain(func(buf *WriteBuffer) {
		if buf.Cb != nil {
			buf.Cb(buf, WriteAborted, ioloop.ErrWriteAborted)
		}
	})
	io.writeState = stateStopped
	_ = io.writeTimer.Set(0, 0)
	return io.mon.DeactivateOut(io.writeSrc)
}

// currentNode and finishCurrent exist so WriteAbort and the write
// dispatcher share the same "front of queue is the in-flight buffer" model
// without a separate field to keep in sync.
func (io *IO) currentNode() *dllist.Node[*WriteBuffer] {
	return io.writeQueue.Front()
}

func (io *IO) finishCurrent(node *dllist.Node[*WriteBuffer], status WriteStatus, err error) {
	buf := io.writeQueue.Remove(node)
	if buf != nil && buf.Cb != nil {
		buf.Cb(buf, status, err)
	}
}

// Close deregisters every Source this IO owns from its Monitor and closes
// the write-ready timer. It does not close fdIn/fdOut: their lifetime
// belongs to whoever created them.
func (io *IO) Close() error {
	_ = io.WriteAbort()
	srcs := []*ioloop.Source{io.readSrc}
	if !io.duplex {
		srcs = append(srcs, io.writeSrc)
	}
	err := io.mon.RemoveSources(srcs...)
	_ = io.mon.Remove(&io.writeTimer.Source)
	if closeErr := io.writeTimer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (io *IO) onDuplexReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		io.readState = stateError
		io.drainReadError()
		return
	}
	if events.Has(ioloop.In) {
		io.doRead()
	}
	if events.Has(ioloop.Out) {
		io.doWrite()
	}
}

func (io *IO) onReadReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		io.readState = stateError
		io.drainReadError()
		return
	}
	io.doRead()
}

func (io *IO) onWriteReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		if node := io.currentNode(); node != nil {
			io.finishCurrent(node, WriteError, unix.EIO)
		}
		return
	}
	io.doWrite()
}

func (io *IO) drainReadError() {
	if io.readCb != nil {
		io.readCb(io, io.readBuf)
	}
}

func (io *IO) doRead() {
	for {
		n, err := unix.Read(io.fdIn, io.scratch)
		if n > 0 {
			chunk := io.scratch[:n]
			written, werr := io.readBuf.Write(chunk)
			if werr != nil {
				io.logger.Warnf("ioio(%s): ring buffer write error: %v", io.name, werr)
			}
			if io.logRX != nil {
				io.logRX(string(chunk[:written]))
			}
			if io.readCb != nil && io.readState == stateStarted {
				if more := io.readCb(io, io.readBuf); !more {
					_ = io.ReadStop()
					return
				}
			}
		}

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			io.readState = stateError
			io.drainReadError()
			return
		}
		if n == 0 {
			if !io.ignEOF {
				io.readState = stateError
				io.drainReadError()
			}
			return
		}
	}
}

func (io *IO) doWrite() {
	for {
		node := io.currentNode()
		if node == nil {
			io.writeState = stateStopped
			_ = io.writeTimer.Set(0, 0)
			_ = io.mon.DeactivateOut(io.writeSrc)
			return
		}
		buf := node.Value

		n, err := unix.Write(io.fdOut, buf.Data[buf.off:])
		if n > 0 {
			buf.off += n
			io.eagainCount = 0
			_ = io.writeTimer.Set(io.writeTimeout, 0)
			if io.logTX != nil {
				io.logTX(string(buf.Data[buf.off-n : buf.off]))
			}
			if buf.off == len(buf.Data) {
				io.finishCurrent(node, WriteOK, nil)
				continue
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
				io.eagainCount++
				if io.eagainCount >= maxConsecutiveEagain {
					io.finishCurrent(node, WriteError, ioloop.ErrNoBuffers)
					io.eagainCount = 0
					continue
				}
				return
			default:
				io.finishCurrent(node, WriteError, err)
				continue
			}
		}
	}
}

func (io *IO) onWriteTimeout(_ *iosrc.Timer, _ uint64) {
	if node := io.currentNode(); node != nil {
		io.finishCurrent(node, WriteTimeout, ioloop.ErrWriteTimeout)
	}
	if io.writeQueue.Len() == 0 {
		io.writeState = stateStopped
		_ = io.mon.DeactivateOut(io.writeSrc)
	} else {
		_ = io.writeTimer.Set(io.writeTimeout, 0)
	}
}
