package ioloop

import (
	"errors"
	"strconv"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultMaxEvents is the size of the epoll_wait ready-list every Monitor
// created by NewMonitor uses.
const DefaultMaxEvents = 32

// Monitor owns one epoll instance and the set of Sources registered on it.
// A Monitor is not safe for concurrent use: Add/Remove/Poll are expected to
// be called from a single goroutine, matching the single-threaded event
// loop this package implements.
type Monitor struct {
	fd       int
	sources  *hashmap.Map[int, *Source]
	events   []unix.EpollEvent
	closed   bool
	logger   *logrus.Logger
	nsources int
}

// NewMonitor creates a Monitor backed by a fresh epoll instance.
func NewMonitor(logger *logrus.Logger) (*Monitor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = noopLogger()
	}
	return &Monitor{
		fd:      fd,
		sources: hashmap.New[int, *Source](),
		events:  make([]unix.EpollEvent, DefaultMaxEvents),
		logger:  logger,
	}, nil
}

// FD returns the Monitor's own epoll file descriptor. Registering this fd as
// a Source on another Monitor nests the two event loops: the outer loop
// wakes when the inner one has pending events, and its callback should call
// ProcessEvents on the inner Monitor to drain them.
func (m *Monitor) FD() int { return m.fd }

// Source looks up the Source currently registered for fd.
func (m *Monitor) Source(fd int) (*Source, bool) {
	return m.sources.Get(fd)
}

// Add registers src with the monitor, arming interest in src.Events().
func (m *Monitor) Add(src *Source) error {
	if m.closed {
		return ErrClosed
	}
	if src == nil {
		return ErrArgument
	}
	if src.closed {
		return ErrClosed
	}
	if src.mon != nil {
		return ErrAlreadyRegistered
	}
	if _, exists := m.sources.Get(src.fd); exists {
		return ErrAlreadyRegistered
	}

	ev := unix.EpollEvent{Events: uint32(src.events), Fd: int32(src.fd)}
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_ADD, src.fd, &ev); err != nil {
		return err
	}

	src.active = src.events
	src.mon = m
	m.sources.Set(src.fd, src)
	m.nsources++
	return nil
}

// AddSources registers every source in srcs. On the first failure it
// unwinds (removes) every source already added so the monitor is left in
// the state it was in before the call.
func (m *Monitor) AddSources(srcs ...*Source) error {
	for i, src := range srcs {
		if err := m.Add(src); err != nil {
			for j := 0; j < i; j++ {
				_ = m.Remove(srcs[j])
			}
			return err
		}
	}
	return nil
}

// Remove deregisters src from the monitor. It does not close src's file
// descriptor: ownership of the fd stays with whatever created the source.
func (m *Monitor) Remove(src *Source) error {
	if src == nil {
		return ErrArgument
	}
	if src.mon != m {
		return ErrNotRegistered
	}
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, src.fd, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	m.sources.Del(src.fd)
	src.mon = nil
	src.active = None
	m.nsources--
	return nil
}

// RemoveSources deregisters every source in srcs, continuing past
// individual failures and returning their combined error, if any.
func (m *Monitor) RemoveSources(srcs ...*Source) error {
	var errs []error
	for _, src := range srcs {
		if err := m.Remove(src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRegistered reports whether src is currently registered on m.
func (m *Monitor) IsRegistered(src *Source) bool {
	return src != nil && src.mon == m
}

// NumSources returns the number of sources currently registered.
func (m *Monitor) NumSources() int { return m.nsources }

func (m *Monitor) setActive(src *Source, want EventMask) error {
	if src.mon != m {
		return ErrNotRegistered
	}
	if src.active == want {
		return nil
	}
	ev := unix.EpollEvent{Events: uint32(want), Fd: int32(src.fd)}
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_MOD, src.fd, &ev); err != nil {
		return err
	}
	src.active = want
	return nil
}

// ActivateIn arms read readiness on src.
func (m *Monitor) ActivateIn(src *Source) error { return m.setActive(src, src.active|In) }

// DeactivateIn disarms read readiness on src.
func (m *Monitor) DeactivateIn(src *Source) error { return m.setActive(src, src.active&^In) }

// ActivateOut arms write readiness on src.
func (m *Monitor) ActivateOut(src *Source) error { return m.setActive(src, src.active|Out) }

// DeactivateOut disarms write readiness on src.
func (m *Monitor) DeactivateOut(src *Source) error { return m.setActive(src, src.active&^Out) }

// ProcessEvents runs one non-blocking pass: it drains whatever is already
// ready without waiting. This is the method a nested Monitor's owning
// Source callback should call, since the outer epoll_wait already
// confirmed the inner Monitor's fd is readable.
func (m *Monitor) ProcessEvents() error {
	return m.wait(0)
}

// Poll blocks for up to timeoutMs milliseconds (negative means forever)
// waiting for at least one registered Source to become ready, then
// dispatches every ready Source's callback. It returns nil on a timeout
// with no events.
func (m *Monitor) Poll(timeoutMs int) error {
	return m.wait(timeoutMs)
}

func (m *Monitor) wait(timeoutMs int) error {
	if m.closed {
		return ErrClosed
	}

	var n int
	for {
		var err error
		n, err = unix.EpollWait(m.fd, m.events, timeoutMs)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(m.events[i].Fd)
		src, ok := m.sources.Get(fd)
		if !ok {
			// Source was removed by an earlier callback in this same batch.
			continue
		}

		events := EventMask(m.events[i].Events)
		// Discard events for interests the source no longer has armed: an
		// earlier callback in this batch may have deactivated a direction
		// or re-armed the fd for something else entirely.
		if !events.Any(src.active | ErrorMask) {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("ioloop: source %q callback panicked (recovered): %v", src.name, r)
				}
			}()
			src.dispatch(events)
		}()

		// Error-driven auto-removal: a callback that saw an error bit may
		// already have removed itself (or been closed entirely); only act
		// if it's still registered on this monitor.
		if events.Any(ErrorMask) && src.mon == m {
			if err := m.Remove(src); err != nil {
				m.logger.Errorf("ioloop: removing errored source %q: %v", src.name, err)
			}
		}
	}

	return nil
}

// DumpEvents renders the currently registered sources and their armed
// interest masks, for diagnostics.
func (m *Monitor) DumpEvents() []string {
	var lines []string
	m.sources.Range(func(fd int, src *Source) bool {
		lines = append(lines, src.name+" fd="+strconv.Itoa(fd)+" active="+src.active.String())
		return true
	})
	return lines
}

// Close deregisters every source still attached (without closing their file
// descriptors) and closes the monitor's own epoll fd. Close is idempotent.
func (m *Monitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	m.sources.Range(func(fd int, src *Source) bool {
		src.mon = nil
		src.active = None
		return true
	})

	return unix.Close(m.fd)
}

func noopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
