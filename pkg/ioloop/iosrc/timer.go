// Package iosrc contains the specialized event sources: timers, signals,
// eventfds, worker threads, pid watches, delimiter-framed reads, fixed
// length messages (including Unix abstract-namespace socket variants), and
// inotify watches. Each wraps a *ioloop.Source and is registered with a
// Monitor the same way a plain Source would be.
package iosrc

import (
	"encoding/binary"
	"time"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// TimerCallback is invoked when a Timer fires, with the number of
// expirations that occurred since the last callback (normally 1, but can be
// >1 if the event loop fell behind the timer's period).
type TimerCallback func(t *Timer, expirations uint64)

// Timer is a periodic or one-shot timer backed by timerfd.
type Timer struct {
	ioloop.Source
	cb TimerCallback
}

// NewTimer creates a Timer armed to fire once after initial, then every
// interval (interval == 0 means one-shot). Both use CLOCK_MONOTONIC so they
// are unaffected by wall-clock adjustments, matching the original library's
// choice for io_src_tmr.
func NewTimer(name string, initial, interval time.Duration, cb TimerCallback) (*Timer, error) {
	if cb == nil {
		return nil, ioloop.ErrArgument
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	t := &Timer{cb: cb}
	src, err := ioloop.NewSource(name, fd, ioloop.In, t.onReady)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	t.Source = *src

	if err := t.Set(initial, interval); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Set rearms the timer. Passing initial == 0 disarms it.
func (t *Timer) Set(initial, interval time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.FD(), 0, &spec, nil)
}

func (t *Timer) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	var buf [8]byte
	n, err := unix.Read(t.FD(), buf[:])
	if err != nil || n != 8 {
		return
	}
	t.cb(t, binary.NativeEndian.Uint64(buf[:]))
}

// Close closes the underlying timerfd. The Timer must already have been
// removed from any Monitor it was registered on.
func (t *Timer) Close() error {
	return unix.Close(t.FD())
}
