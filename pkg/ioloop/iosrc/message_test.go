package iosrc_test

import (
	"fmt"
	"testing"

	"github.com/srg/ioloop/pkg/ioloop/iosrc"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMessageDeliversExactFrameReadPerEvent(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var frames [][]byte
	msg, err := iosrc.NewMessage("m", fds[0], 4, func(_ *iosrc.Message, data []byte) {
		frame := make([]byte, len(data))
		copy(frame, data)
		frames = append(frames, frame)
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&msg.Source))

	// A full frame's worth of bytes, sent as a single write, is delivered
	// whole by one read on one readiness notification.
	_, err = unix.Write(fds[1], []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, mon.Poll(500))
	require.Equal(t, [][]byte{{1, 2, 3, 4}}, frames)

	_, err = unix.Write(fds[1], []byte{5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, mon.Poll(500))
	require.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, frames)
}

func TestMessageTreatsShortReadAsTerminalError(t *testing.T) {
	mon := newMonitor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var calls int
	var lastMsg []byte
	sawMsg := false
	msg, err := iosrc.NewMessage("m", fds[0], 4, func(_ *iosrc.Message, data []byte) {
		calls++
		lastMsg = data
		sawMsg = data != nil
	})
	require.NoError(t, err)
	require.NoError(t, mon.Add(&msg.Source))

	// Fewer bytes than one frame, with the peer still open: the single
	// read for this readiness event returns 2 of the 4 required bytes,
	// which must be reported as a terminal error, not buffered for a
	// later read to complete.
	_, err = unix.Write(fds[1], []byte{1, 2})
	require.NoError(t, err)

	require.NoError(t, mon.Poll(500))
	require.Equal(t, 1, calls, "a short read must notify exactly once, never reassemble")
	require.Nil(t, lastMsg)
	require.False(t, sawMsg)

	// A subsequent readiness notification (the fd is still registered,
	// since nothing here removed it) must not deliver a second callback.
	require.NoError(t, mon.Poll(50))
	require.Equal(t, 1, calls)
}

func TestUADRoundTripsAbstractNamespaceDatagrams(t *testing.T) {
	mon := newMonitor(t)

	serverName := fmt.Sprintf("ioloop-test-uad-server-%d", unix.Getpid())
	clientName := fmt.Sprintf("ioloop-test-uad-client-%d", unix.Getpid())

	got := make(chan string, 1)
	server, err := iosrc.NewUAD("uad-server", serverName, 256, func(_ *iosrc.Datagram, msg []byte) {
		got <- string(msg)
	})
	require.NoError(t, err)
	defer unix.Close(server.FD())
	require.NoError(t, mon.Add(&server.Source))

	client, err := iosrc.NewUAD("uad-client", clientName, 256, func(*iosrc.Datagram, []byte) {})
	require.NoError(t, err)
	defer unix.Close(client.FD())

	require.NoError(t, client.Send(serverName, []byte("ping")))
	require.NoError(t, mon.Poll(500))

	select {
	case msg := <-got:
		require.Equal(t, "ping", msg)
	default:
		t.Fatal("server did not receive the datagram")
	}

	require.NoError(t, server.Send(clientName, []byte("pong")))
}
