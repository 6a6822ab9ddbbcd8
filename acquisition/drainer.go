package acquisition

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/tcspc/phlib"
	"github.com/nasa-jpl/tcspc/picoharp"
)

// FIFOSource reads TTTR records without waiting
type FIFOSource interface {
	ReadFIFO(buf []uint32) (int, error)
}

// EventSink receives drained blocks in drain order.  The block is only valid
// for the duration of the call
type EventSink interface {
	Append(block []uint32) error
}

// Flusher is implemented by sinks that buffer
type Flusher interface {
	Flush() error
}

// BlockCapacity rounds n down to the FIFO read step and clamps it to
// [phlib.FIFOReadStep, phlib.TTReadMax].  Zero or less means TTReadMax
func BlockCapacity(n int) int {
	if n <= 0 || n > phlib.TTReadMax {
		return phlib.TTReadMax
	}
	n -= n % phlib.FIFOReadStep
	if n < phlib.FIFOReadStep {
		n = phlib.FIFOReadStep
	}
	return n
}

// Drainer moves records from the FIFO to an EventSink
type Drainer struct {
	src  FIFOSource
	sink EventSink
	buf  []uint32

	progress uint64
	drains   int
	blocks   int

	// Unwritten holds a copy of the block the sink rejected, if any
	Unwritten []uint32

	report  func(uint64)
	limiter *rate.Limiter
}

// NewDrainer returns a drainer reading up to capacity records per drain
func NewDrainer(src FIFOSource, sink EventSink, capacity int) *Drainer {
	return &Drainer{src: src, sink: sink, buf: make([]uint32, BlockCapacity(capacity))}
}

// OnProgress calls fn with the record count after appends, at most once per interval
func (d *Drainer) OnProgress(fn func(records uint64), interval time.Duration) {
	d.report = fn
	d.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

// Capacity is the most records one DrainOnce returns
func (d *Drainer) Capacity() int {
	return len(d.buf)
}

// DrainOnce reads whatever is in the FIFO right now, up to Capacity records.
// An empty block means nothing was ready.  The block is reused by the next call
func (d *Drainer) DrainOnce() ([]uint32, error) {
	d.drains++
	n, err := d.src.ReadFIFO(d.buf)
	if err != nil {
		return nil, err
	}
	return d.buf[:n], nil
}

// Append hands block to the sink and counts it.  When the sink fails the
// block is kept in Unwritten and an Error of KindIO is returned
func (d *Drainer) Append(block []uint32) error {
	if len(block) == 0 {
		return nil
	}
	if err := d.sink.Append(block); err != nil {
		d.Unwritten = append([]uint32(nil), block...)
		return &picoharp.Error{Kind: picoharp.KindIO, Step: picoharp.StepWrite, Channel: picoharp.NoChannel, Err: err}
	}
	d.progress += uint64(len(block))
	d.blocks++
	if d.report != nil && d.limiter.Allow() {
		d.report(d.progress)
	}
	return nil
}

// Flush flushes the sink if it buffers and sends a final progress report
func (d *Drainer) Flush() error {
	if d.report != nil {
		d.report(d.progress)
	}
	f, ok := d.sink.(Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(); err != nil {
		return &picoharp.Error{Kind: picoharp.KindIO, Step: picoharp.StepWrite, Channel: picoharp.NoChannel, Err: err}
	}
	return nil
}

// Progress is the number of records appended
func (d *Drainer) Progress() uint64 {
	return d.progress
}

// Drains is the number of DrainOnce calls
func (d *Drainer) Drains() int {
	return d.drains
}

// Blocks is the number of non-empty blocks appended
func (d *Drainer) Blocks() int {
	return d.blocks
}
