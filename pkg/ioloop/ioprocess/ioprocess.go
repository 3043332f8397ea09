// Package ioprocess launches a child process and exposes its lifecycle and
// standard streams as ioloop sources: spawn, read what it writes to stdout
// and stderr, feed its stdin, kill it, be notified when it terminates. It is
// the Go counterpart of the original library's io_process.
package ioprocess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/ioloop/internal/pidwatch"
	"github.com/srg/ioloop/pkg/ioloop"
	"github.com/srg/ioloop/pkg/ioloop/iosrc"
)

// State is the lifecycle of a Process. A Process only ever moves forward:
// initialized -> started -> dead. There is no "memset to zero" reuse, unlike
// the original C structure.
type State int

const (
	// StateInitialized is the state right after New, while stdin/stdout/
	// stderr sources can still be configured.
	StateInitialized State = iota + 1
	// StateStarted is set once Launch has forked and exec'd the child.
	StateStarted
	// StateDead is set once the pid source has reported the child's exit;
	// internal resources are released right after, by Wait or
	// ProcessEvents.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StreamKind distinguishes the child's stdout from its stderr in RawCallback
// and SeparatorCallback invocations.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// TerminationFunc is invoked once, when the watched process has exited.
type TerminationFunc func(p *Process, pid int, ev pidwatch.ExitEvent)

// StdinCallback is invoked whenever the process' stdin pipe is writable and
// no input buffer was configured; it is the caller's job to write to fd and
// deactivate/close the source once done.
type StdinCallback func(p *Process, fd int)

// RawCallback is invoked with whatever bytes were just read from the given
// stream. The slice is only valid until the callback returns.
type RawCallback func(p *Process, stream StreamKind, data []byte)

// SeparatorCallback is invoked with each delimiter-terminated line read from
// the given stream, not including the delimiter.
type SeparatorCallback func(p *Process, stream StreamKind, line []byte)

// ProcessParameters bundles the optional, post-New configuration for a
// Process, mirroring io_process_parameters so a caller can configure a
// Process with a single Prepare call instead of one SetXXX call per concern.
// Zero-value fields are populated by DefaultProcessParameters using
// mcuadros/go-defaults struct tags.
type ProcessParameters struct {
	// InputBuffer, if non-nil, is written to the process' stdin and the
	// pipe closed once exhausted. Mutually exclusive with StdinCallback.
	InputBuffer []byte
	// CopyInputBuffer, if true, copies InputBuffer internally instead of
	// keeping a reference to the caller's slice.
	CopyInputBuffer bool `default:"true"`
	// StdinCallback, if set, is notified whenever the process' stdin is
	// writable. Mutually exclusive with InputBuffer.
	StdinCallback StdinCallback

	// StdoutSeparatorCallback, if set, reassembles the process' stdout
	// into delimiter-terminated lines. Mutually exclusive with
	// StdoutCallback.
	StdoutSeparatorCallback SeparatorCallback
	StdoutSep1              byte `default:"10"`
	StdoutSep2              int  `default:"-1"`
	// StdoutCallback, if set, is notified with raw chunks of stdout.
	StdoutCallback RawCallback
	// StdoutCollector, if set, additionally captures every separated
	// stdout line into a LineCollector. Requires StdoutSeparatorCallback
	// or will be ignored.
	StdoutCollector *LineCollector

	StderrSeparatorCallback SeparatorCallback
	StderrSep1              byte `default:"10"`
	StderrSep2              int  `default:"-1"`
	StderrCallback          RawCallback
	StderrCollector         *LineCollector

	// Timeout, if non-zero, arms a watchdog: Signum is sent to the process
	// if it hasn't exited by the time Timeout elapses. The timer starts
	// when Prepare arms it, not at Launch.
	Timeout time.Duration
	Signum  unix.Signal `default:"9"`

	// ReadBufferSize sizes the scratch buffer used by raw stdout/stderr
	// sources.
	ReadBufferSize int `default:"4096"`
}

// NoSecondSeparator disables the two-byte separator sequence on a
// Stdout/StderrSep2 field, matching iosrc.NoSecondSeparator.
const NoSecondSeparator = iosrc.NoSecondSeparator

// DefaultProcessParameters returns a ProcessParameters populated with the
// struct-tag defaults above.
func DefaultProcessParameters() ProcessParameters {
	p := ProcessParameters{StdoutSep2: NoSecondSeparator, StderrSep2: NoSecondSeparator}
	defaults.SetDefaults(&p)
	return p
}

// Process wraps a child process: its command line, its standard streams as
// ioloop sources, a watchdog timer and an exit watcher, all multiplexed
// through a private nested Monitor so the whole thing can be registered as a
// single Source on a caller's own Monitor.
type Process struct {
	mon    *ioloop.Monitor
	src    ioloop.Source
	name   string
	argv   []string
	logger *logrus.Logger
	state  State

	cmd *exec.Cmd

	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	stdinSrc  *ioloop.Source
	stdoutSrc *ioloop.Source
	stderrSrc *ioloop.Source
	stdoutSep *iosrc.Separator
	stderrSep *iosrc.Separator

	stdinBuf []byte
	stdinOff int
	stdinCb  StdinCallback

	stdoutCb        RawCallback
	stderrCb        RawCallback
	readBufSize     int
	stdoutScratch   []byte
	stderrScratch   []byte
	stdoutCollector *LineCollector
	stderrCollector *LineCollector

	pidSrc *iosrc.Pid

	timeoutSrc *iosrc.Timer
	signum     unix.Signal

	termCb TerminationFunc
}

// New creates a Process in the initialized state for the given command line.
// argv[0] is resolved with exec.LookPath semantics if it isn't already an
// absolute path. termCb is invoked once the process has exited and its exit
// status has been collected.
func New(logger *logrus.Logger, termCb TerminationFunc, argv ...string) (*Process, error) {
	if len(argv) == 0 {
		return nil, ioloop.ErrArgument
	}
	if termCb == nil {
		return nil, ioloop.ErrArgument
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	mon, err := ioloop.NewMonitor(logger)
	if err != nil {
		return nil, err
	}

	p := &Process{
		mon:         mon,
		name:        argv[0],
		argv:        append([]string(nil), argv...),
		logger:      logger,
		state:       StateInitialized,
		termCb:      termCb,
		readBufSize: 4096,
	}
	src, err := ioloop.NewSource(p.name+".process", mon.FD(), ioloop.In, p.onMonitorReady)
	if err != nil {
		_ = mon.Close()
		return nil, err
	}
	p.src = *src
	return p, nil
}

// Source returns the facade Source wrapping the process' private Monitor,
// suitable for registering on an outer Monitor.
func (p *Process) Source() *ioloop.Source { return &p.src }

// FD returns the private Monitor's epoll fd, equivalent to Source().FD().
func (p *Process) FD() int { return p.mon.FD() }

// State returns the process' current lifecycle state.
func (p *Process) State() State { return p.state }

// StdoutCollector returns the LineCollector configured for stdout, if any.
func (p *Process) StdoutCollector() *LineCollector { return p.stdoutCollector }

// StderrCollector returns the LineCollector configured for stderr, if any.
func (p *Process) StderrCollector() *LineCollector { return p.stderrCollector }

func (p *Process) onMonitorReady(_ *ioloop.Source, _ ioloop.EventMask) {
	_ = p.ProcessEvents()
}

// ProcessEvents drains whatever events are already pending on the private
// Monitor. Call this from the owning callback when Source() was registered
// on another Monitor, or directly after an external poll confirmed FD() is
// readable.
func (p *Process) ProcessEvents() error {
	if p.state == StateDead {
		return ioloop.ErrClosed
	}
	err := p.mon.ProcessEvents()
	if p.state == StateDead {
		p.cleanup()
	}
	return err
}

// SetInputBuffer arranges for buf to be written to the process' stdin, the
// pipe being closed once every byte has been written. Mutually exclusive
// with SetStdinSource.
func (p *Process) SetInputBuffer(buf []byte, copyBuf bool) error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}
	if p.stdinW != nil {
		return ioloop.ErrAlreadyRegistered
	}
	if len(buf) == 0 {
		return ioloop.ErrArgument
	}

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return err
	}

	if copyBuf {
		p.stdinBuf = append([]byte(nil), buf...)
	} else {
		p.stdinBuf = buf
	}
	p.stdinR, p.stdinW = r, w

	src, err := ioloop.NewSource(p.name+".stdin", int(w.Fd()), ioloop.Out, p.onStdinReady)
	if err != nil {
		return err
	}
	p.stdinSrc = src
	return nil
}

// SetStdinSource registers cb to be called whenever the process' stdin pipe
// is writable. Mutually exclusive with SetInputBuffer.
func (p *Process) SetStdinSource(cb StdinCallback) error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}
	if p.stdinW != nil {
		return ioloop.ErrAlreadyRegistered
	}
	if cb == nil {
		return ioloop.ErrArgument
	}

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return err
	}

	p.stdinR, p.stdinW = r, w
	p.stdinCb = cb

	src, err := ioloop.NewSource(p.name+".stdin", int(w.Fd()), ioloop.Out, p.onStdinReady)
	if err != nil {
		return err
	}
	p.stdinSrc = src
	return nil
}

func (p *Process) onStdinReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	if p.stdinCb != nil {
		p.stdinCb(p, int(p.stdinW.Fd()))
		return
	}

	n, err := unix.Write(int(p.stdinW.Fd()), p.stdinBuf[p.stdinOff:])
	if n > 0 {
		p.stdinOff += n
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		p.logger.Warnf("ioprocess %s: stdin write: %v", p.name, err)
		return
	}
	if p.stdinOff >= len(p.stdinBuf) {
		_ = p.mon.Remove(p.stdinSrc)
		_ = p.stdinW.Close()
		p.stdinW = nil
	}
}

// SetStdoutRawSource registers cb to be called with raw chunks of whatever
// the process writes to stdout. Mutually exclusive with
// SetStdoutSeparatorSource.
func (p *Process) SetStdoutRawSource(cb RawCallback) error {
	return p.setOutRaw(Stdout, cb)
}

// SetStderrRawSource is the stderr counterpart of SetStdoutRawSource.
func (p *Process) SetStderrRawSource(cb RawCallback) error {
	return p.setOutRaw(Stderr, cb)
}

func (p *Process) setOutRaw(stream StreamKind, cb RawCallback) error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}
	if cb == nil {
		return ioloop.ErrArgument
	}

	r, _, err := p.newOutputPipe(stream)
	if err != nil {
		return err
	}

	name := p.name + "." + stream.String()
	var srcPtr **ioloop.Source
	if stream == Stdout {
		p.stdoutCb = cb
		p.stdoutScratch = make([]byte, p.bufSize())
		srcPtr = &p.stdoutSrc
	} else {
		p.stderrCb = cb
		p.stderrScratch = make([]byte, p.bufSize())
		srcPtr = &p.stderrSrc
	}

	cbFn := func(s *ioloop.Source, events ioloop.EventMask) { p.onOutRawReady(stream, s, events) }
	src, err := ioloop.NewSource(name, int(r.Fd()), ioloop.In, cbFn)
	if err != nil {
		return err
	}
	*srcPtr = src
	return nil
}

func (p *Process) bufSize() int {
	if p.readBufSize > 0 {
		return p.readBufSize
	}
	return 4096
}

func (p *Process) onOutRawReady(stream StreamKind, s *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	scratch, cb := p.stdoutScratch, p.stdoutCb
	if stream == Stderr {
		scratch, cb = p.stderrScratch, p.stderrCb
	}
	for {
		n, err := unix.Read(s.FD(), scratch)
		if n > 0 {
			cb(p, stream, scratch[:n])
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// SetStdoutSeparatorSource reassembles the process' stdout into
// delimiter-terminated lines. sep2 == NoSecondSeparator uses a single-byte
// delimiter. Mutually exclusive with SetStdoutRawSource.
func (p *Process) SetStdoutSeparatorSource(cb SeparatorCallback, sep1 byte, sep2 int) error {
	return p.setOutSep(Stdout, cb, sep1, sep2, nil)
}

// SetStderrSeparatorSource is the stderr counterpart of
// SetStdoutSeparatorSource.
func (p *Process) SetStderrSeparatorSource(cb SeparatorCallback, sep1 byte, sep2 int) error {
	return p.setOutSep(Stderr, cb, sep1, sep2, nil)
}

func (p *Process) setOutSep(stream StreamKind, cb SeparatorCallback, sep1 byte, sep2 int, collector *LineCollector) error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}
	if cb == nil {
		return ioloop.ErrArgument
	}

	r, _, err := p.newOutputPipe(stream)
	if err != nil {
		return err
	}

	name := p.name + "." + stream.String() + ".sep"
	wrapped := func(s *iosrc.Separator, line []byte) {
		// The nil marker only signals end of stream/error on the
		// underlying pipe; process termination is reported separately
		// through the TerminationFunc, so it isn't forwarded here. Empty
		// lines arrive as non-nil zero-length slices and are forwarded.
		if line == nil {
			if s.HasError() {
				p.logger.Warnf("ioprocess: %s %s pipe error", p.name, stream)
			}
			return
		}
		cb(p, stream, line)
		if collector != nil {
			_ = collector.Add(LineRecord{Stream: stream, Line: append([]byte(nil), line...)})
		}
	}
	sep, err := iosrc.NewSeparator(name, int(r.Fd()), sep1, sep2, 0, false, wrapped)
	if err != nil {
		return err
	}

	if stream == Stdout {
		p.stdoutSep = sep
		p.stdoutCollector = collector
	} else {
		p.stderrSep = sep
		p.stderrCollector = collector
	}
	return nil
}

// newOutputPipe creates the pipe backing a stdout/stderr source: r is the
// parent's (non-blocking) read end, w is the end later dup2'd into the
// child.
func (p *Process) newOutputPipe(stream StreamKind) (r, w *os.File, err error) {
	existing := p.stdoutR
	if stream == Stderr {
		existing = p.stderrR
	}
	if existing != nil {
		return nil, nil, ioloop.ErrAlreadyRegistered
	}

	r, w, err = os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, err
	}

	if stream == Stdout {
		p.stdoutR, p.stdoutW = r, w
	} else {
		p.stderrR, p.stderrW = r, w
	}
	return r, w, nil
}

// SetTimeout arms (or rearms, watchdog-style) a timer that sends signum to
// the process if it hasn't exited within timeout.
func (p *Process) SetTimeout(timeout time.Duration, signum unix.Signal) error {
	if p.state == StateDead {
		return ioloop.ErrClosed
	}
	if timeout <= 0 || signum <= 0 {
		return ioloop.ErrArgument
	}
	p.signum = signum

	if p.timeoutSrc == nil {
		timer, err := iosrc.NewTimer(p.name+".timeout", timeout, 0, p.onTimeout)
		if err != nil {
			return err
		}
		p.timeoutSrc = timer
		if p.state == StateStarted {
			if err := p.mon.Add(&timer.Source); err != nil {
				return err
			}
		}
		return nil
	}
	return p.timeoutSrc.Set(timeout, 0)
}

func (p *Process) onTimeout(_ *iosrc.Timer, _ uint64) {
	_ = p.Signal(p.signum)
}

// Prepare applies every non-zero field of params, equivalent to calling the
// matching SetXXX method for each one. It must be called before Launch.
func (p *Process) Prepare(params ProcessParameters) error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}
	if params.ReadBufferSize > 0 {
		p.readBufSize = params.ReadBufferSize
	}

	if len(params.InputBuffer) > 0 {
		if err := p.SetInputBuffer(params.InputBuffer, params.CopyInputBuffer); err != nil {
			return err
		}
	} else if params.StdinCallback != nil {
		if err := p.SetStdinSource(params.StdinCallback); err != nil {
			return err
		}
	}

	if params.StdoutSeparatorCallback != nil {
		if err := p.setOutSep(Stdout, params.StdoutSeparatorCallback, params.StdoutSep1, params.StdoutSep2, params.StdoutCollector); err != nil {
			return err
		}
	} else if params.StdoutCallback != nil {
		if err := p.SetStdoutRawSource(params.StdoutCallback); err != nil {
			return err
		}
	}

	if params.StderrSeparatorCallback != nil {
		if err := p.setOutSep(Stderr, params.StderrSeparatorCallback, params.StderrSep1, params.StderrSep2, params.StderrCollector); err != nil {
			return err
		}
	} else if params.StderrCallback != nil {
		if err := p.SetStderrRawSource(params.StderrCallback); err != nil {
			return err
		}
	}

	if params.Timeout > 0 {
		if err := p.SetTimeout(params.Timeout, params.Signum); err != nil {
			return err
		}
	}

	return nil
}

// Launch forks and execs the configured command line. The streams and
// watchdog configured so far start being monitored once this returns.
func (p *Process) Launch() error {
	if p.state != StateInitialized {
		return ioloop.ErrClosed
	}

	p.cmd = exec.Command(p.argv[0], p.argv[1:]...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
	if p.stdinR != nil {
		p.cmd.Stdin = p.stdinR
	}
	if p.stdoutW != nil {
		p.cmd.Stdout = p.stdoutW
	}
	if p.stderrW != nil {
		p.cmd.Stderr = p.stderrW
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("ioprocess: launch %s: %w", p.argv[0], err)
	}

	// The child now owns its own dup of these fds; close the parent's
	// copies of the ends it doesn't read/write itself.
	if p.stdinR != nil {
		_ = p.stdinR.Close()
		p.stdinR = nil
	}
	if p.stdoutW != nil {
		_ = p.stdoutW.Close()
		p.stdoutW = nil
	}
	if p.stderrW != nil {
		_ = p.stderrW.Close()
		p.stderrW = nil
	}

	pidSrc, err := iosrc.NewPid(p.name+".pid", p.cmd.Process.Pid, p.onExit)
	if err != nil {
		_ = p.cmd.Process.Kill()
		return err
	}
	p.pidSrc = pidSrc
	if err := p.mon.Add(&pidSrc.Source); err != nil {
		return err
	}

	for _, src := range []*ioloop.Source{p.stdinSrc, p.stdoutSrc, p.stderrSrc} {
		if src == nil {
			continue
		}
		if err := p.mon.Add(src); err != nil {
			return err
		}
	}
	for _, sep := range []*iosrc.Separator{p.stdoutSep, p.stderrSep} {
		if sep == nil {
			continue
		}
		if err := p.mon.Add(&sep.Source); err != nil {
			return err
		}
	}
	if p.timeoutSrc != nil {
		if err := p.mon.Add(&p.timeoutSrc.Source); err != nil {
			return err
		}
	}

	p.state = StateStarted
	return nil
}

func (p *Process) onExit(_ *iosrc.Pid, ev pidwatch.ExitEvent) {
	p.state = StateDead
	if p.cmd != nil && p.cmd.Process != nil {
		// The exit event already carries the status; Wait only reaps the
		// zombie, its own error (already-exited processes return one) is
		// expected and ignored.
		_ = p.cmd.Wait()
	}
	p.termCb(p, ev.Pid, ev)
}

// Wait blocks until the process has exited, dispatching every source on the
// private Monitor in the meantime. The termination callback given to New
// will have run by the time Wait returns.
func (p *Process) Wait() error {
	if p.state == StateInitialized {
		return ioloop.ErrArgument
	}
	for p.state == StateStarted {
		if err := p.mon.Poll(-1); err != nil {
			return err
		}
	}
	p.cleanup()
	return nil
}

// LaunchAndWait launches the process then blocks until it exits.
func (p *Process) LaunchAndWait() error {
	if err := p.Launch(); err != nil {
		return err
	}
	return p.Wait()
}

// Kill sends SIGKILL and waits for the process to die. It is a no-op unless
// the process is in the started state.
func (p *Process) Kill() error {
	if p.state != StateStarted {
		return nil
	}
	if err := p.Signal(unix.SIGKILL); err != nil {
		return err
	}
	return p.Wait()
}

// Signal sends signum to the process. It is a no-op once the process has
// already exited.
func (p *Process) Signal(signum unix.Signal) error {
	if p.state != StateStarted || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(signum)
}

// cleanup releases the private Monitor and every source registered on it,
// once the process is known dead, and closes the parent's remaining pipe
// ends (stdin's write end, stdout's and stderr's read ends).
func (p *Process) cleanup() {
	if p.pidSrc != nil {
		_ = p.mon.Remove(&p.pidSrc.Source)
		_ = p.pidSrc.Close()
	}
	if p.timeoutSrc != nil {
		_ = p.mon.Remove(&p.timeoutSrc.Source)
		_ = p.timeoutSrc.Close()
	}
	if p.stdinSrc != nil {
		_ = p.mon.Remove(p.stdinSrc)
	}
	if p.stdoutSrc != nil {
		_ = p.mon.Remove(p.stdoutSrc)
	}
	if p.stderrSrc != nil {
		_ = p.mon.Remove(p.stderrSrc)
	}
	if p.stdoutSep != nil {
		_ = p.mon.Remove(&p.stdoutSep.Source)
	}
	if p.stderrSep != nil {
		_ = p.mon.Remove(&p.stderrSep.Source)
	}
	if p.stdinW != nil {
		_ = p.stdinW.Close()
	}
	if p.stdoutR != nil {
		_ = p.stdoutR.Close()
	}
	if p.stderrR != nil {
		_ = p.stderrR.Close()
	}
	_ = p.mon.Close()
}
