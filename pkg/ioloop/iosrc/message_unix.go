package iosrc

import (
	"errors"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// abstractAddr builds a SockaddrUnix for Linux's abstract namespace: the
// first byte of the path is NUL, which keeps the socket off the
// filesystem and cleans it up automatically when every fd referencing it
// closes.
func abstractAddr(name string) *unix.SockaddrUnix {
	return &unix.SockaddrUnix{Name: "\x00" + name}
}

// NewUAD creates a Datagram source bound to an abstract-namespace
// SOCK_DGRAM socket (UAD: Unix Abstract Datagram), the connectionless
// specialization of the fixed-message source used for lightweight
// request/notification protocols that don't need a byte stream.
func NewUAD(name, localName string, maxSize int, cb DatagramCallback) (*Datagram, error) {
	if cb == nil || maxSize <= 0 {
		return nil, ioloop.ErrArgument
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, abstractAddr(localName)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return newDatagram(name, fd, maxSize, cb)
}

// NewUAS dials an abstract-namespace SOCK_STREAM socket (UAS: Unix
// Abstract Stream) listening at remoteName and wraps the connected fd in a
// fixed-size Message source.
func NewUAS(name, remoteName string, size int, cb MessageCallback) (*Message, error) {
	if cb == nil || size <= 0 {
		return nil, ioloop.ErrArgument
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, abstractAddr(remoteName)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return NewMessage(name, fd, size, cb)
}

// DatagramCallback is invoked with each datagram received, up to the
// configured maximum size. The slice is only valid until the callback
// returns.
type DatagramCallback func(d *Datagram, msg []byte)

// Datagram reads whole SOCK_DGRAM packets of any size up to maxSize,
// unlike Message, which requires every read to return exactly one
// fixed-size frame.
type Datagram struct {
	ioloop.Source
	maxSize int
	buf     []byte
	cb      DatagramCallback
}

func newDatagram(name string, fd, maxSize int, cb DatagramCallback) (*Datagram, error) {
	d := &Datagram{maxSize: maxSize, buf: make([]byte, maxSize), cb: cb}
	src, err := ioloop.NewSource(name, fd, ioloop.In, d.onReady)
	if err != nil {
		return nil, err
	}
	d.Source = *src
	return d, nil
}

func (d *Datagram) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		return
	}
	for {
		n, _, err := unix.Recvfrom(d.FD(), d.buf, 0)
		if n > 0 {
			d.cb(d, d.buf[:n])
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

// Send transmits msg to the peer bound at remoteName.
func (d *Datagram) Send(remoteName string, msg []byte) error {
	return unix.Sendto(d.FD(), msg, 0, abstractAddr(remoteName))
}
