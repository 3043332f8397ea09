package ioprocess

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// LineRecord is one line captured from a process' stdout or stderr by a
// LineCollector.
type LineRecord struct {
	Stream StreamKind
	Line   []byte
}

// LineCollectorMetrics tracks lock-free counters for a LineCollector. All
// fields are read/written through atomic operations.
type LineCollectorMetrics struct {
	LinesProcessed   int64
	LinesOverwritten int64
}

func (m *LineCollectorMetrics) incProcessed() { atomic.AddInt64(&m.LinesProcessed, 1) }
func (m *LineCollectorMetrics) incOverwritten(n uint32) {
	atomic.AddInt64(&m.LinesOverwritten, int64(n))
}

// GetLinesProcessed atomically reads the processed-line counter.
func (m *LineCollectorMetrics) GetLinesProcessed() int64 { return atomic.LoadInt64(&m.LinesProcessed) }

// GetLinesOverwritten atomically reads the overwritten-line counter.
func (m *LineCollectorMetrics) GetLinesOverwritten() int64 {
	return atomic.LoadInt64(&m.LinesOverwritten)
}

// MaxLineCollectorSize upper-bounds a LineCollector's ring buffer size, to
// guard against an accidental misconfiguration.
const MaxLineCollectorSize uint32 = 1024 * 1024

// LineCollector accumulates captured stdout/stderr lines from a Process
// into a fixed-size ring buffer with lock-free metrics, the same shape as
// the teacher's LuaOutputCollector, minus its background goroutine: a
// process source's stdout/stderr callbacks already run on the owning
// Monitor's single goroutine, so Add is called synchronously from there
// instead of over a channel.
type LineCollector struct {
	buffer  mpmc.RichOverlappedRingBuffer[LineRecord]
	metrics LineCollectorMetrics
}

// NewLineCollector creates a LineCollector whose ring buffer holds at most
// bufferSize records, oldest dropped first once full.
func NewLineCollector(bufferSize uint32) (*LineCollector, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("ioprocess: line collector buffer size must be > 0")
	}
	if bufferSize > MaxLineCollectorSize {
		return nil, fmt.Errorf("ioprocess: line collector buffer size %d exceeds maximum %d", bufferSize, MaxLineCollectorSize)
	}
	return &LineCollector{buffer: mpmc.NewOverlappedRingBuffer[LineRecord](bufferSize)}, nil
}

// Add enqueues rec, recording an overwritten-line count if the buffer was
// full.
func (c *LineCollector) Add(rec LineRecord) error {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		return fmt.Errorf("ioprocess: line collector enqueue: %w", err)
	}
	c.metrics.incOverwritten(overwrites)
	c.metrics.incProcessed()
	return nil
}

// Drain removes and returns every line currently buffered, oldest first.
func (c *LineCollector) Drain() ([]LineRecord, error) {
	var out []LineRecord
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("ioprocess: line collector dequeue: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Metrics returns a snapshot of the collector's counters.
func (c *LineCollector) Metrics() LineCollectorMetrics {
	return LineCollectorMetrics{
		LinesProcessed:   c.metrics.GetLinesProcessed(),
		LinesOverwritten: c.metrics.GetLinesOverwritten(),
	}
}
