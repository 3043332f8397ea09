package iosrc

import (
	"bytes"
	"errors"
	"unsafe"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// WatchCallback is invoked for every inotify event reported against a
// watched path, with the event's mask and, for directory watches, the name
// of the affected entry (empty for watches on a plain file).
type WatchCallback func(path string, mask uint32, name string)

type watchEntry struct {
	wd   int
	path string
	cb   WatchCallback
}

var sizeofInotifyEvent = int(unsafe.Sizeof(unix.InotifyEvent{}))

// Inotify multiplexes any number of filesystem watches over a single
// inotify instance, keeping the kernel's watch descriptor and the caller's
// path in sync through two ordered indexes (byPath and byWd), mirroring
// the original library's dual-tree bookkeeping in io_src_inot.
type Inotify struct {
	ioloop.Source
	byPath *orderedmap.OrderedMap[string, *watchEntry]
	byWd   *orderedmap.OrderedMap[int, *watchEntry]
}

// NewInotify creates an Inotify source with no watches yet; add them with
// AddWatch.
func NewInotify(name string) (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}

	in := &Inotify{
		byPath: orderedmap.New[string, *watchEntry](),
		byWd:   orderedmap.New[int, *watchEntry](),
	}
	src, err := ioloop.NewSource(name, fd, ioloop.In, in.onReady)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	in.Source = *src
	return in, nil
}

// AddWatch starts watching path for the events in mask (an IN_* bitmask),
// invoking cb for each. Watching the same path twice replaces the previous
// mask and callback, matching inotify_add_watch(2)'s own semantics.
func (in *Inotify) AddWatch(path string, mask uint32, cb WatchCallback) error {
	if cb == nil {
		return ioloop.ErrArgument
	}
	wd, err := unix.InotifyAddWatch(in.FD(), path, mask)
	if err != nil {
		return err
	}

	entry := &watchEntry{wd: wd, path: path, cb: cb}
	in.byPath.Set(path, entry)
	in.byWd.Set(wd, entry)
	return nil
}

// RemoveWatch stops watching path.
func (in *Inotify) RemoveWatch(path string) error {
	entry, ok := in.byPath.Get(path)
	if !ok {
		return ioloop.ErrNotRegistered
	}
	if err := unix.InotifyRmWatch(in.FD(), uint32(entry.wd)); err != nil {
		return err
	}
	in.forget(entry)
	return nil
}

func (in *Inotify) forget(entry *watchEntry) {
	in.byPath.Delete(entry.path)
	in.byWd.Delete(entry.wd)
}

func (in *Inotify) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}

	buf := make([]byte, 64*(sizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		n, err := unix.Read(in.FD(), buf)
		if n > 0 {
			in.dispatch(buf[:n])
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

func (in *Inotify) dispatch(b []byte) {
	for len(b) >= sizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		total := sizeofInotifyEvent + int(raw.Len)
		if total > len(b) {
			return
		}

		var name string
		if raw.Len > 0 {
			nameBytes := b[sizeofInotifyEvent:total]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
		}

		entry, ok := in.byWd.Get(int(raw.Wd))
		if ok {
			// IN_IGNORED just confirms the watch is gone (rm -rf'd,
			// unmounted, or explicitly removed); it carries no
			// information the caller asked for, so it's consumed here
			// instead of reaching cb.
			if raw.Mask&unix.IN_IGNORED != 0 {
				in.forget(entry)
			} else {
				entry.cb(entry.path, raw.Mask, name)
			}
		}

		b = b[total:]
	}
}

// Close closes the inotify instance. Every outstanding watch is implicitly
// dropped by the kernel when the fd closes.
func (in *Inotify) Close() error {
	return unix.Close(in.FD())
}
