package iosrc_test

import (
	"os"
	"testing"
	"time"

	"github.com/srg/ioloop/pkg/ioloop"
	"github.com/srg/ioloop/pkg/ioloop/iosrc"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newMonitor(t *testing.T) *ioloop.Monitor {
	t.Helper()
	mon, err := ioloop.NewMonitor(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mon.Close() })
	return mon
}

func TestTimerFiresOnce(t *testing.T) {
	mon := newMonitor(t)

	fired := make(chan uint64, 1)
	timer, err := iosrc.NewTimer("t", 10*time.Millisecond, 0, func(t *iosrc.Timer, n uint64) {
		fired <- n
	})
	require.NoError(t, err)
	defer timer.Close()
	require.NoError(t, mon.Add(&timer.Source))

	require.NoError(t, mon.Poll(500))
	select {
	case n := <-fired:
		require.GreaterOrEqual(t, n, uint64(1))
	default:
		t.Fatal("timer did not fire")
	}
}

func TestEventFDSignalWakesPoll(t *testing.T) {
	mon := newMonitor(t)

	got := make(chan uint64, 1)
	efd, err := iosrc.NewEventFD("e", func(e *iosrc.EventFD, v uint64) {
		got <- v
	})
	require.NoError(t, err)
	defer efd.Close()
	require.NoError(t, mon.Add(&efd.Source))

	require.NoError(t, efd.Signal(3))
	require.NoError(t, mon.Poll(500))

	select {
	case v := <-got:
		require.Equal(t, uint64(3), v)
	default:
		t.Fatal("eventfd callback not invoked")
	}
}

func TestSeparatorSplitsOnNewline(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var lines []string
	sep, err := iosrc.NewSeparator("sep", fds[0], '\n', iosrc.NoSecondSeparator, 0, false, func(s *iosrc.Separator, line []byte) {
		lines = append(lines, string(line))
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&sep.Source))

	_, err = unix.Write(fds[1], []byte("hello\nworld\npartial"))
	require.NoError(t, err)

	require.NoError(t, mon.Poll(500))
	require.Equal(t, []string{"hello", "world"}, lines)
}

func TestSeparatorSplitsOnTwoByteDelimiter(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var lines []string
	sep, err := iosrc.NewSeparator("sep2", fds[0], '\r', int('\n'), 0, false, func(s *iosrc.Separator, line []byte) {
		lines = append(lines, string(line))
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&sep.Source))

	// A lone '\r' not followed by '\n' must not split the line.
	_, err = unix.Write(fds[1], []byte("hello\rworld\r\npartial"))
	require.NoError(t, err)

	require.NoError(t, mon.Poll(500))
	require.Equal(t, []string{"hello\rworld"}, lines)
}

func TestSeparatorNotifiesEOFWithFlushAndZeroLenMarker(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var calls [][]byte
	sep, err := iosrc.NewSeparator("sep", fds[0], '\n', iosrc.NoSecondSeparator, 0, false, func(s *iosrc.Separator, line []byte) {
		calls = append(calls, append([]byte(nil), line...))
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&sep.Source))

	// Shutting down only the peer's write side gives a clean EOF (EPOLLIN,
	// no EPOLLHUP); closing the peer entirely would be an error event, see
	// TestSeparatorNotifiesOnErrorEvents.
	_, err = unix.Write(fds[1], []byte("partial"))
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(fds[1], unix.SHUT_WR))

	require.NoError(t, mon.Poll(500))
	require.Equal(t, [][]byte{[]byte("partial"), nil}, calls)
	require.False(t, sep.HasError())
}

func TestSeparatorNotifiesOnErrorEvents(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	called := false
	var hadError bool
	sep, err := iosrc.NewSeparator("sep", fds[0], '\n', iosrc.NoSecondSeparator, 0, false, func(s *iosrc.Separator, line []byte) {
		called = true
		hadError = s.HasError()
		require.Empty(t, line)
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&sep.Source))

	// Closing the peer end without ever writing delivers EPOLLHUP/RDHUP,
	// which must notify the client rather than being silently dropped.
	require.NoError(t, unix.Close(fds[1]))
	require.NoError(t, mon.Poll(500))

	require.True(t, called, "separator must notify the client on an error event")
	require.True(t, hadError)
}

func TestSignalDeliversSiginfo(t *testing.T) {
	mon := newMonitor(t)

	got := make(chan int32, 1)
	sig, err := iosrc.NewSignal("sig", func(_ *iosrc.Signal, info *unix.SignalfdSiginfo) {
		got <- int32(info.Signo)
	}, unix.SIGUSR1)
	require.NoError(t, err)
	defer sig.Close()
	require.NoError(t, mon.Add(&sig.Source))

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	require.NoError(t, mon.Poll(500))

	select {
	case signo := <-got:
		require.Equal(t, int32(unix.SIGUSR1), signo)
	default:
		t.Fatal("signal source did not deliver SIGUSR1")
	}
}
