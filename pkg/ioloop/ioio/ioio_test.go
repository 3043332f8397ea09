package ioio_test

import (
	"testing"
	"time"

	"github.com/srg/ioloop/internal/ringbuf"
	"github.com/srg/ioloop/pkg/ioloop"
	"github.com/srg/ioloop/pkg/ioloop/ioio"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestIOReadLoopback(t *testing.T) {
	mon, err := ioloop.NewMonitor(nil)
	require.NoError(t, err)
	defer mon.Close()

	a, b := newSocketpair(t)

	io, err := ioio.New(mon, "loop", a, a, false, 0, 0, nil)
	require.NoError(t, err)
	defer io.Close()

	received := make(chan string, 1)
	require.NoError(t, io.ReadStart(func(io *ioio.IO, rb *ringbuf.RingBuffer) bool {
		buf := make([]byte, rb.Length())
		n, _ := rb.TryRead(buf)
		received <- string(buf[:n])
		return true
	}, true))

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	require.NoError(t, mon.Poll(1000))
	select {
	case s := <-received:
		require.Equal(t, "ping", s)
	default:
		t.Fatal("read callback was not invoked")
	}
}

func TestIOWriteAddDeliversData(t *testing.T) {
	mon, err := ioloop.NewMonitor(nil)
	require.NoError(t, err)
	defer mon.Close()

	a, b := newSocketpair(t)

	io, err := ioio.New(mon, "writer", a, a, false, 0, time.Second, nil)
	require.NoError(t, err)
	defer io.Close()

	done := make(chan ioio.WriteStatus, 1)
	require.NoError(t, io.WriteAdd(&ioio.WriteBuffer{
		Data: []byte("pong"),
		Cb: func(buf *ioio.WriteBuffer, status ioio.WriteStatus, err error) {
			done <- status
		},
	}))

	require.NoError(t, mon.Poll(1000))

	select {
	case status := <-done:
		require.Equal(t, ioio.WriteOK, status)
	default:
		t.Fatal("write callback was not invoked")
	}

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestIOWriteAbortInvokesCallback(t *testing.T) {
	mon, err := ioloop.NewMonitor(nil)
	require.NoError(t, err)
	defer mon.Close()

	a, _ := newSocketpair(t)

	io, err := ioio.New(mon, "aborter", a, a, false, 0, time.Second, nil)
	require.NoError(t, err)
	defer io.Close()

	status := make(chan ioio.WriteStatus, 1)
	require.NoError(t, io.WriteAdd(&ioio.WriteBuffer{
		Data: []byte("never sent"),
		Cb: func(buf *ioio.WriteBuffer, s ioio.WriteStatus, err error) {
			status <- s
		},
	}))
	require.NoError(t, io.WriteAbort())

	select {
	case s := <-status:
		require.Equal(t, ioio.WriteAborted, s)
	default:
		t.Fatal("abort callback was not invoked")
	}
}
