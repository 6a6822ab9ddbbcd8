package sink

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/snksoft/crc"
	"go.uber.org/multierr"
)

var crc32Table = crc.NewTable(crc.CRC32)

// EventFile writes TTTR records as consecutive little-endian uint32 words
// with no header, the same layout as the vendor demos.  It keeps a running
// CRC-32 of the bytes written.  It is not thread safe
type EventFile struct {
	// Path is the file name, empty when writing to an arbitrary io.Writer
	Path string

	w       *bufio.Writer
	c       io.Closer
	crc     uint64
	records uint64
	scratch []byte
}

// NewEventWriter returns an EventFile writing to w.  Close closes w if it is an io.Closer
func NewEventWriter(w io.Writer) *EventFile {
	e := &EventFile{w: bufio.NewWriterSize(w, 1<<20), crc: crc32Table.InitCrc()}
	if c, ok := w.(io.Closer); ok {
		e.c = c
	}
	return e
}

// CreateEventFile creates or truncates the file at path
func CreateEventFile(path string) (*EventFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	e := NewEventWriter(f)
	e.Path = path
	return e, nil
}

// Append writes block.  On error nothing of block is counted
func (e *EventFile) Append(block []uint32) error {
	if n := 4 * len(block); cap(e.scratch) < n {
		e.scratch = make([]byte, n)
	}
	buf := e.scratch[:4*len(block)]
	for i, rec := range block {
		binary.LittleEndian.PutUint32(buf[4*i:], rec)
	}
	if _, err := e.w.Write(buf); err != nil {
		return err
	}
	e.crc = crc32Table.UpdateCrc(e.crc, buf)
	e.records += uint64(len(block))
	return nil
}

// Records is the number of records appended
func (e *EventFile) Records() uint64 {
	return e.records
}

// Bytes is the number of bytes appended
func (e *EventFile) Bytes() uint64 {
	return 4 * e.records
}

// CRC32 is the IEEE CRC-32 of everything appended so far
func (e *EventFile) CRC32() uint32 {
	return crc32Table.CRC32(e.crc)
}

// Flush writes buffered records through
func (e *EventFile) Flush() error {
	return e.w.Flush()
}

// Close flushes and closes the underlying writer
func (e *EventFile) Close() error {
	err := e.w.Flush()
	if e.c != nil {
		err = multierr.Append(err, e.c.Close())
	}
	return err
}
