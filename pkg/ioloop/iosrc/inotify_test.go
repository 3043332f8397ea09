package iosrc_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/ioloop/pkg/ioloop/iosrc"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInotifyReportsCreateAndConsumesIgnoredEvents(t *testing.T) {
	mon := newMonitor(t)
	dir := t.TempDir()

	in, err := iosrc.NewInotify("inotify")
	require.NoError(t, err)
	defer in.Close()
	require.NoError(t, mon.Add(&in.Source))

	var masks []uint32
	var names []string
	require.NoError(t, in.AddWatch(dir, unix.IN_CREATE|unix.IN_DELETE_SELF, func(_ string, mask uint32, name string) {
		masks = append(masks, mask)
		names = append(names, name)
	}))

	f, err := os.Create(filepath.Join(dir, "touched"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, mon.Poll(500))
	require.Contains(t, masks, uint32(unix.IN_CREATE))
	require.Contains(t, names, "touched")

	// Removing the watched directory itself fires IN_DELETE_SELF followed
	// by IN_IGNORED, which must drop the watch from both indexes.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, mon.Poll(500))
	require.Contains(t, masks, uint32(unix.IN_DELETE_SELF))
	require.NotContains(t, masks, uint32(unix.IN_IGNORED), "IN_IGNORED must be consumed internally, never surfaced to the watch callback")

	err = in.RemoveWatch(dir)
	require.Error(t, err, "watch should already have been forgotten on IN_IGNORED")
}
