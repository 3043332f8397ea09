// Package ioloop implements a single-threaded, cooperative epoll event loop.
//
// A Monitor owns one epoll instance and dispatches readiness events to the
// Source values registered on it. Sources never block: all file descriptors
// registered on a Monitor must be non-blocking, and Source callbacks are
// expected to return quickly since they run on whichever goroutine calls
// Monitor.Poll or Monitor.ProcessEvents.
package ioloop

import (
	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of epoll readiness events.
type EventMask uint32

const (
	// None means no event is requested or active.
	None EventMask = 0
	// In is readiness for reading (EPOLLIN).
	In EventMask = EventMask(unix.EPOLLIN)
	// Out is readiness for writing (EPOLLOUT).
	Out EventMask = EventMask(unix.EPOLLOUT)
	// Duplex requests both directions.
	Duplex EventMask = In | Out
)

// ErrorMask is the set of events that always indicate a fatal condition on a
// file descriptor, regardless of what was requested. Epoll reports these
// even when not part of the registered interest mask.
const ErrorMask EventMask = EventMask(unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP)

// Has reports whether m contains every bit of other.
func (m EventMask) Has(other EventMask) bool { return m&other == other }

// Any reports whether m shares any bit with other.
func (m EventMask) Any(other EventMask) bool { return m&other != 0 }

func (m EventMask) String() string {
	var s string
	if m.Has(In) {
		s += "IN"
	}
	if m.Has(Out) {
		if s != "" {
			s += "|"
		}
		s += "OUT"
	}
	if m.Any(ErrorMask) {
		if s != "" {
			s += "|"
		}
		s += "ERR"
	}
	if s == "" {
		s = "NONE"
	}
	return s
}

// Callback is invoked by a Monitor when a Source's registered events fire.
// events holds the epoll events actually reported for this pass, which may
// include bits from ErrorMask even if they weren't part of Active().
type Callback func(src *Source, events EventMask)

// Source is the generic event source: a file descriptor, an interest mask,
// and a callback. Specialized sources (timers, signals, separators, duplex
// IO, ...) embed a Source by value and register its address with a Monitor.
//
// Source has no exported constructor arguments beyond the essentials; it
// mirrors the role of struct io_src in the original library, minus the
// "memset to zero" reset pattern: once closed a Source cannot be reused.
type Source struct {
	name   string
	fd     int
	events EventMask // interest mask the callback wants to receive
	active EventMask // interest mask currently registered with epoll
	last   EventMask // last events reported by epoll for this source
	cb     Callback

	mon    *Monitor
	closed bool
}

// NewSource creates a generic Source over fd, interested in events, invoking
// cb whenever those events (or an error condition) fire. fd must already be
// in non-blocking mode; Source never sets it itself since ownership of the
// fd's blocking mode is the caller's.
func NewSource(name string, fd int, events EventMask, cb Callback) (*Source, error) {
	if fd < 0 {
		return nil, ErrArgument
	}
	if cb == nil {
		return nil, ErrArgument
	}
	return &Source{name: name, fd: fd, events: events, cb: cb}, nil
}

// Name returns the diagnostic name given to the source at creation time.
func (s *Source) Name() string { return s.name }

// FD returns the underlying file descriptor.
func (s *Source) FD() int { return s.fd }

// Events returns the mask of events this source wants to be notified about.
func (s *Source) Events() EventMask { return s.events }

// Active returns the mask currently armed with epoll for this source. It can
// differ from Events after ActivateIn/ActivateOut or DeactivateIn/
// DeactivateOut change one direction.
func (s *Source) Active() EventMask { return s.active }

// LastEvents returns the events reported by the most recent dispatch.
func (s *Source) LastEvents() EventMask { return s.last }

// HasError reports whether the last dispatch reported an error condition.
func (s *Source) HasError() bool { return s.last.Any(ErrorMask) }

// IsRegistered reports whether the source is currently registered with a
// Monitor.
func (s *Source) IsRegistered() bool { return s.mon != nil }

// Closed reports whether the source has been marked closed. Monitor.Remove
// and RemoveSources neither close the file descriptor nor set this flag, and
// no other function in this package sets it.
func (s *Source) Closed() bool { return s.closed }

func (s *Source) dispatch(events EventMask) {
	s.last = events
	s.cb(s, events)
}
