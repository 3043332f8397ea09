package iosrc

import (
	"context"
	"runtime/pprof"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// ThreadCallback is invoked exactly once, on the Monitor's goroutine, once
// the worker function passed to NewThread has returned.
type ThreadCallback func(t *Thread, err error)

// Thread runs a blocking job function on its own goroutine and reports its
// completion through the Monitor like any other readiness event, via a
// self-pipe the worker writes to when it's done. This is the Go analogue of
// the original library's io_src_thread, which used a worker pthread and a
// wakeup pipe for the same purpose.
type Thread struct {
	ioloop.Source
	writeFD int
	cb      ThreadCallback
	err     error
}

// NewThread spawns job on a new goroutine, labeled with name for pprof, and
// creates a Thread source that fires cb once job returns.
func NewThread(name string, job func() error, cb ThreadCallback) (*Thread, error) {
	if job == nil || cb == nil {
		return nil, ioloop.ErrArgument
	}

	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	readFD, writeFD := fds[0], fds[1]

	t := &Thread{writeFD: writeFD, cb: cb}
	src, err := ioloop.NewSource(name, readFD, ioloop.In, t.onReady)
	if err != nil {
		_ = unix.Close(readFD)
		_ = unix.Close(writeFD)
		return nil, err
	}
	t.Source = *src

	labels := pprof.Labels("iosrc_thread", name)
	go pprof.Do(context.Background(), labels, func(context.Context) {
		t.err = job()
		_, _ = unix.Write(t.writeFD, []byte{1})
	})

	return t, nil
}

func (t *Thread) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	var buf [1]byte
	_, _ = unix.Read(t.FD(), buf[:])
	t.cb(t, t.err)
}

// Close closes both ends of the wakeup pipe. The worker goroutine has
// already returned by the time the Monitor fired the completion callback,
// so this is safe to call immediately after.
func (t *Thread) Close() error {
	err1 := unix.Close(t.FD())
	err2 := unix.Close(t.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}
