package iosrc

import (
	"bytes"
	"errors"

	"github.com/srg/ioloop/pkg/ioloop"
	"golang.org/x/sys/unix"
)

// SeparatorCallback is invoked with each delimiter-terminated line found in
// the stream, not including the delimiter itself. The slice is only valid
// until the callback returns; callers must copy it to retain it. A call
// with a nil line marks end of stream or error; s.HasError reports which.
// An empty line between two consecutive delimiters is delivered as a
// non-nil, zero-length slice.
type SeparatorCallback func(s *Separator, line []byte)

// DefaultMaxLineLength bounds how many unterminated bytes a Separator will
// accumulate before forcing a line boundary, to keep a misbehaving or
// binary peer from growing the internal buffer without limit.
const DefaultMaxLineLength = 64 * 1024

// NoSecondSeparator disables the two-byte separator sequence, matching the
// original library's IO_SRC_SEP_NO_SEP2 sentinel.
const NoSecondSeparator = -1

// Separator reassembles a byte stream into delimiter-terminated lines (the
// common case being '\n', or a two-byte sequence like "\r\n"), the same
// role as the original library's io_src_sep. Unlike the duplex IO source it
// doesn't use the shared ring buffer wrapper: splitting on a delimiter needs
// to scan and compact the unconsumed prefix in place, which the ring
// buffer's copy-only TryRead doesn't support, so it keeps its own growable
// slice instead.
type Separator struct {
	ioloop.Source
	sep1, sep2 byte
	twoByte    bool
	maxLine    int
	pending    []byte
	scratch    []byte
	cb         SeparatorCallback
	ignEOF     bool
}

// NewSeparator creates a Separator reading fd. If sep2 is NoSecondSeparator,
// lines are split on every occurrence of sep1; otherwise a line ends only
// where sep1 is immediately followed by sep2. maxLine <= 0 uses
// DefaultMaxLineLength. ignoreEOF, when true, keeps the source registered
// after a zero-byte read instead of treating it as the end of the stream
// (useful for fds where EOF can be transient, e.g. a pty).
func NewSeparator(name string, fd int, sep1 byte, sep2 int, maxLine int, ignoreEOF bool, cb SeparatorCallback) (*Separator, error) {
	if cb == nil {
		return nil, ioloop.ErrArgument
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}

	s := &Separator{sep1: sep1, maxLine: maxLine, scratch: make([]byte, 4096), cb: cb, ignEOF: ignoreEOF}
	if sep2 != NoSecondSeparator {
		s.twoByte = true
		s.sep2 = byte(sep2)
	}
	src, err := ioloop.NewSource(name, fd, ioloop.In, s.onReady)
	if err != nil {
		return nil, err
	}
	s.Source = *src
	return s, nil
}

func (s *Separator) onReady(_ *ioloop.Source, events ioloop.EventMask) {
	if events.Any(ioloop.ErrorMask) {
		s.terminate()
		return
	}

	for {
		n, err := unix.Read(s.FD(), s.scratch)
		if n > 0 {
			s.pending = append(s.pending, s.scratch[:n]...)
			s.extractLines()
		}

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			s.terminate()
			return
		}
		if n == 0 {
			if !s.ignEOF {
				s.terminate()
			}
			return
		}
	}
}

// terminate flushes any unterminated trailing bytes as one last line, then
// notifies the client with a zero-length marker: end of stream if the last
// reported events had no error bit, or the client's cue to inspect
// s.HasError() otherwise.
func (s *Separator) terminate() {
	if len(s.pending) > 0 {
		line := s.pending
		s.pending = nil
		s.cb(s, line)
	}
	s.cb(s, nil)
}

// extractLines splits s.pending on every occurrence of the delimiter,
// invoking the callback for each complete line, then forces a boundary if
// the unterminated remainder grows past maxLine.
func (s *Separator) extractLines() {
	for {
		i := s.indexDelimiter()
		if i < 0 {
			break
		}
		delimLen := 1
		if s.twoByte {
			delimLen = 2
		}
		line := s.pending[:i]
		s.cb(s, line)
		s.pending = s.pending[i+delimLen:]
	}

	for len(s.pending) > s.maxLine {
		forced := s.pending[:s.maxLine]
		s.cb(s, forced)
		s.pending = s.pending[s.maxLine:]
	}
}

// indexDelimiter returns the offset of the delimiter in s.pending, or -1 if
// not present yet.
func (s *Separator) indexDelimiter() int {
	if !s.twoByte {
		return bytes.IndexByte(s.pending, s.sep1)
	}

	for i := 0; i+1 < len(s.pending); i++ {
		if s.pending[i] == s.sep1 && s.pending[i+1] == s.sep2 {
			return i
		}
	}
	return -1
}
