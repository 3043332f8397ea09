package iosrc

import (
	"encoding/binary"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// EventFDCallback is invoked with the accumulated counter value every time
// an EventFD becomes readable.
type EventFDCallback func(e *EventFD, value uint64)

// EventFD is a lightweight, wakeable event source backed by Linux's
// eventfd(2). It is the usual way to poke a Monitor from outside its own
// goroutine (e.g. to wake it up after queuing work on a Thread source).
type EventFD struct {
	ioloop.Source
	cb EventFDCallback
}

// NewEventFD creates an EventFD with an initial counter value of 0.
func NewEventFD(name string, cb EventFDCallback) (*EventFD, error) {
	if cb == nil {
		return nil, ioloop.ErrArgument
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	e := &EventFD{cb: cb}
	src, err := ioloop.NewSource(name, fd, ioloop.In, e.onReady)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	e.Source = *src
	return e, nil
}

// Signal adds delta to the eventfd's counter, waking up anything polling
// it. It is safe to call from any goroutine.
func (e *EventFD) Signal(delta uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], delta)
	_, err := unix.Write(e.FD(), buf[:])
	return err
}

func (e *EventFD) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	var buf [8]byte
	n, err := unix.Read(e.FD(), buf[:])
	if err != nil || n != 8 {
		return
	}
	e.cb(e, binary.NativeEndian.Uint64(buf[:]))
}

// Close closes the underlying eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.FD())
}
