package ioprocess_test

import (
	"testing"
	"time"

	"github.com/srg/ioloop/internal/pidwatch"
	"github.com/srg/ioloop/pkg/ioloop/ioprocess"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProcessLaunchAndWaitCapturesStdout(t *testing.T) {
	var lines []string
	var exitEvent pidwatch.ExitEvent
	termCalled := false

	p, err := ioprocess.New(nil, func(_ *ioprocess.Process, pid int, ev pidwatch.ExitEvent) {
		termCalled = true
		exitEvent = ev
	}, "/bin/echo", "hello", "world")
	require.NoError(t, err)

	require.NoError(t, p.SetStdoutSeparatorSource(func(_ *ioprocess.Process, stream ioprocess.StreamKind, line []byte) {
		require.Equal(t, ioprocess.Stdout, stream)
		lines = append(lines, string(line))
	}, '\n', ioprocess.NoSecondSeparator))

	require.NoError(t, p.LaunchAndWait())

	require.True(t, termCalled)
	require.Equal(t, ioprocess.StateDead, p.State())
	require.Equal(t, []string{"hello world"}, lines)
	require.Equal(t, uint32(0), exitEvent.ExitCode)
}

func TestProcessInputBufferFeedsStdin(t *testing.T) {
	var lines []string

	p, err := ioprocess.New(nil, func(*ioprocess.Process, int, pidwatch.ExitEvent) {}, "/bin/cat")
	require.NoError(t, err)

	require.NoError(t, p.SetInputBuffer([]byte("ping\n"), true))
	require.NoError(t, p.SetStdoutSeparatorSource(func(_ *ioprocess.Process, _ ioprocess.StreamKind, line []byte) {
		lines = append(lines, string(line))
	}, '\n', ioprocess.NoSecondSeparator))

	require.NoError(t, p.LaunchAndWait())
	require.Equal(t, []string{"ping"}, lines)
}

func TestProcessTimeoutKillsHungProcess(t *testing.T) {
	done := make(chan pidwatch.ExitEvent, 1)

	p, err := ioprocess.New(nil, func(_ *ioprocess.Process, _ int, ev pidwatch.ExitEvent) {
		done <- ev
	}, "/bin/sleep", "5")
	require.NoError(t, err)
	require.NoError(t, p.SetTimeout(50*time.Millisecond, unix.SIGKILL))

	require.NoError(t, p.LaunchAndWait())

	select {
	case ev := <-done:
		require.Equal(t, uint32(unix.SIGKILL), ev.ExitSignal)
	default:
		t.Fatal("termination callback was not invoked")
	}
}

func TestProcessPrepareAppliesParameters(t *testing.T) {
	var out []string

	params := ioprocess.DefaultProcessParameters()
	params.InputBuffer = []byte("pong\n")
	params.StdoutSeparatorCallback = func(_ *ioprocess.Process, _ ioprocess.StreamKind, line []byte) {
		out = append(out, string(line))
	}

	p, err := ioprocess.New(nil, func(*ioprocess.Process, int, pidwatch.ExitEvent) {}, "/bin/cat")
	require.NoError(t, err)
	require.NoError(t, p.Prepare(params))
	require.NoError(t, p.LaunchAndWait())

	require.Equal(t, []string{"pong"}, out)
}
