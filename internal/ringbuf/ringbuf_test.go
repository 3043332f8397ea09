package ringbuf_test

import (
	"testing"

	"github.com/srg/ioloop/internal/ringbuf"
	"github.com/stretchr/testify/require"
)

func TestRingBufferRoundTrip(t *testing.T) {
	rb := ringbuf.New(10) // rounds up to 16
	require.Equal(t, 16, rb.Capacity())

	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, rb.Length())

	buf := make([]byte, 16)
	n, err = rb.TryRead(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, rb.IsEmpty())
}

func TestRingBufferTryReadOnEmptyReturnsZero(t *testing.T) {
	rb := ringbuf.New(4)
	buf := make([]byte, 4)
	n, err := rb.TryRead(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
