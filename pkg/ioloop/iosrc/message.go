package iosrc

import (
	"errors"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// MessageCallback is invoked once a complete fixed-size message has been
// assembled. The slice is only valid until the callback returns. A nil msg
// marks a terminal error (short read, EOF mid-frame, or an epoll error
// event); no further messages will be delivered afterward.
type MessageCallback func(m *Message, msg []byte)

// Message reads a stream fd (a connected SOCK_STREAM socket or a pipe) as a
// sequence of fixed-size frames, the same framing io_src_msg uses: exactly
// one read() per readiness notification, which must return exactly Size()
// bytes. A peer is expected to write whole frames atomically (e.g. over a
// datagram or SEQPACKET socket, or a pipe under PIPE_BUF); a short read can
// never be completed by a later one, since it would resume mid-frame, so
// it is treated as a terminal I/O error rather than reassembled.
type Message struct {
	ioloop.Source
	size   int
	buf    []byte
	cb     MessageCallback
	failed bool
}

// NewMessage creates a Message source reading size-byte frames from fd.
func NewMessage(name string, fd int, size int, cb MessageCallback) (*Message, error) {
	if cb == nil || size <= 0 {
		return nil, ioloop.ErrArgument
	}
	m := &Message{size: size, buf: make([]byte, size), cb: cb}
	src, err := ioloop.NewSource(name, fd, ioloop.In, m.onReady)
	if err != nil {
		return nil, err
	}
	m.Source = *src
	return m, nil
}

func (m *Message) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if m.failed {
		return
	}
	if events.Any(ioloop.ErrorMask) {
		m.fail()
		return
	}

	var n int
	var err error
	for {
		n, err = unix.Read(m.FD(), m.buf)
		if err != nil && errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}

	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		m.fail()
		return
	}
	if n != m.size {
		m.fail()
		return
	}

	m.cb(m, m.buf)
}

// fail marks the source permanently failed and notifies the client once
// with a nil message. Subsequent readiness events are ignored.
func (m *Message) fail() {
	if m.failed {
		return
	}
	m.failed = true
	m.cb(m, nil)
}

// Send writes msg (which must be exactly Size() bytes) to the fd, retrying
// on EINTR. It does not queue: on EAGAIN it returns immediately, leaving
// the caller to retry once the fd is writable again.
func (m *Message) Send(msg []byte) error {
	if len(msg) != m.size {
		return ioloop.ErrArgument
	}
	off := 0
	for off < len(msg) {
		n, err := unix.Write(m.FD(), msg[off:])
		if n > 0 {
			off += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// Size returns the fixed frame size this Message was created with.
func (m *Message) Size() int { return m.size }
