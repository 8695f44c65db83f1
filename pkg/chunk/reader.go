package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/edsrzf/mmap-go"
)

// ErrChunkClosed is returned for reads after Close.
var ErrChunkClosed = errors.New("chunk is closed")

// Chunk is a sealed output unit opened for reading. The file content is
// memory-mapped; records returned by Record alias the mapping and must
// not be retained past Close.
type Chunk struct {
	f    *os.File
	data mmap.MMap
	fr   *ipc.FileReader
}

// OpenChunk memory-maps one output unit and prepares an Arrow IPC
// reader over it.
func OpenChunk(path string) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap chunk: %w", err)
	}

	fr, err := ipc.NewFileReader(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("read chunk container: %w", err)
	}

	return &Chunk{f: f, data: data, fr: fr}, nil
}

// Schema returns the unit's schema, including the static calibration
// metadata.
func (c *Chunk) Schema() *arrow.Schema { return c.fr.Schema() }

// Metadata returns the unit's schema-level metadata.
func (c *Chunk) Metadata() arrow.Metadata { return c.fr.Schema().Metadata() }

// NumRecords returns the number of record batches in the unit. The
// writer produces exactly one batch per chunk.
func (c *Chunk) NumRecords() int { return c.fr.NumRecords() }

// Record returns batch i. The record is only valid until the next call
// or Close.
func (c *Chunk) Record(i int) (arrow.Record, error) {
	if c.fr == nil {
		return nil, ErrChunkClosed
	}
	rec, err := c.fr.Record(i)
	if err != nil {
		return nil, fmt.Errorf("read chunk batch %d: %w", i, err)
	}
	return rec, nil
}

// Rows returns the total number of aligned records persisted in the unit.
func (c *Chunk) Rows() (int64, error) {
	var total int64
	for i := 0; i < c.NumRecords(); i++ {
		rec, err := c.Record(i)
		if err != nil {
			return 0, err
		}
		total += rec.NumRows()
	}
	return total, nil
}

// Close releases the reader and the mapping.
func (c *Chunk) Close() error {
	if c.fr == nil {
		return nil
	}
	var errs []error
	if err := c.fr.Close(); err != nil {
		errs = append(errs, err)
	}
	c.fr = nil
	if err := c.data.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := c.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
