package ioprocess_test

import (
	"testing"

	"github.com/srg/ioloop/pkg/ioloop/ioprocess"
	"github.com/stretchr/testify/require"
)

func TestLineCollectorDrainReturnsInOrder(t *testing.T) {
	c, err := ioprocess.NewLineCollector(8)
	require.NoError(t, err)

	require.NoError(t, c.Add(ioprocess.LineRecord{Stream: ioprocess.Stdout, Line: []byte("one")}))
	require.NoError(t, c.Add(ioprocess.LineRecord{Stream: ioprocess.Stdout, Line: []byte("two")}))

	records, err := c.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "one", string(records[0].Line))
	require.Equal(t, "two", string(records[1].Line))
	require.EqualValues(t, 2, c.Metrics().LinesProcessed)
}

func TestNewLineCollectorRejectsZeroSize(t *testing.T) {
	_, err := ioprocess.NewLineCollector(0)
	require.Error(t, err)
}
