package iosrc

import (
	"github.com/srg/ioloop/internal/pidwatch"
	"github.com/srg/ioloop/pkg/ioloop"
)

// PidCallback is invoked once, when the watched process exits.
type PidCallback func(p *Pid, ev pidwatch.ExitEvent)

// Pid is a one-shot source that fires when a specific process exits. It
// wraps a pidwatch.Watcher (a NETLINK_CONNECTOR process-events socket).
type Pid struct {
	ioloop.Source
	watcher *pidwatch.Watcher
	cb      PidCallback
	fired   bool
}

// NewPid creates a Pid source watching pid for its exit.
func NewPid(name string, pid int, cb PidCallback) (*Pid, error) {
	if cb == nil {
		return nil, ioloop.ErrArgument
	}
	w, err := pidwatch.New(pid)
	if err != nil {
		return nil, err
	}

	p := &Pid{watcher: w, cb: cb}
	src, err := ioloop.NewSource(name, w.FD(), ioloop.In, p.onReady)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	p.Source = *src
	return p, nil
}

func (p *Pid) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) || p.fired {
		return
	}
	evs, err := p.watcher.Drain()
	if err != nil {
		return
	}
	for _, ev := range evs {
		p.fired = true
		p.cb(p, ev)
		return
	}
}

// Fired reports whether the watched process's exit has already been
// reported.
func (p *Pid) Fired() bool { return p.fired }

// Close closes the underlying pidwatch socket.
func (p *Pid) Close() error {
	return p.watcher.Close()
}
