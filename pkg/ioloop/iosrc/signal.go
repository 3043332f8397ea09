package iosrc

import (
	"unsafe"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// SignalCallback is invoked with the full siginfo for each delivered signal.
type SignalCallback func(s *Signal, info *unix.SignalfdSiginfo)

// Signal delivers a set of Unix signals through signalfd instead of a
// traditional signal handler, so they can be consumed on the Monitor's
// goroutine like any other readiness event. The listed signals are blocked
// with pthread_sigmask, which applies to the calling OS thread only, for as
// long as the Signal is open, matching the original library's io_src_sig.
type Signal struct {
	ioloop.Source
	mask unix.Sigset_t
	cb   SignalCallback
}

var sizeofSiginfo = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	set.Val[(int(sig)-1)/64] |= 1 << (uint(sig-1) % 64)
}

// NewSignal creates a Signal source watching for the given signals.
func NewSignal(name string, cb SignalCallback, signals ...unix.Signal) (*Signal, error) {
	if cb == nil {
		return nil, ioloop.ErrArgument
	}

	var set unix.Sigset_t
	for _, sig := range signals {
		sigaddset(&set, sig)
	}

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, err
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	s := &Signal{mask: set, cb: cb}
	src, err := ioloop.NewSource(name, fd, ioloop.In, s.onReady)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s.Source = *src
	return s, nil
}

func (s *Signal) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	buf := make([]byte, sizeofSiginfo)
	for {
		n, err := unix.Read(s.FD(), buf)
		if err != nil || n != sizeofSiginfo {
			return
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		s.cb(s, info)
	}
}

// Close closes the signalfd and unblocks the signals it was watching.
func (s *Signal) Close() error {
	_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &s.mask, nil)
	return unix.Close(s.FD())
}
