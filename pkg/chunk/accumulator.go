package chunk

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/syncap/syncap/pkg/decode"
	"github.com/syncap/syncap/pkg/timesync"
)

var (
	// ErrMissingField is returned when an aligned record lacks a payload
	// for a registered field.
	ErrMissingField = errors.New("record is missing a field payload")

	// ErrFieldMismatch is returned when a payload's type or shape does
	// not match the field it was recorded under.
	ErrFieldMismatch = errors.New("payload does not match field spec")

	// ErrInvalidChunkSize is returned when the accumulator chunk size is
	// not positive.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

// Accumulator collects aligned records into per-field Arrow builders
// and hands a complete chunk to the Writer once the configured record
// count is reached. All builder sequences grow in lockstep: a record is
// validated in full before any field is appended, so a rejected record
// never skews the buffers. Accumulator is owned by the single consumer
// goroutine.
type Accumulator struct {
	writer    *Writer
	fields    []FieldSpec
	chunkSize int

	timeB  *array.Float64Builder
	fieldB []*array.FixedSizeListBuilder

	count      int
	firstStamp int64
	lastStamp  int64
}

// NewAccumulator builds an Accumulator over the writer's schema. The
// field list must match the one the schema was built from.
func NewAccumulator(w *Writer, fields []FieldSpec, chunkSize int) (*Accumulator, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}

	a := &Accumulator{
		writer:    w,
		fields:    fields,
		chunkSize: chunkSize,
		timeB:     array.NewFloat64Builder(w.mem),
		fieldB:    make([]*array.FixedSizeListBuilder, len(fields)),
	}
	for i, f := range fields {
		et, err := elemType(f.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		a.fieldB[i] = array.NewFixedSizeListBuilder(w.mem, int32(f.FlatLen()), et)
	}
	return a, nil
}

// Pending returns the number of records buffered since the last flush.
func (a *Accumulator) Pending() int { return a.count }

// Append adds one aligned record to the chunk buffer and flushes
// synchronously when the chunk size is reached. A record failing
// validation is rejected whole and the buffers are left untouched;
// only storage errors from a triggered flush are fatal.
func (a *Accumulator) Append(rec timesync.Record) error {
	if err := a.validate(rec); err != nil {
		return err
	}

	a.timeB.Append(float64(rec.Stamp) / 1e9)
	for i, f := range a.fields {
		lb := a.fieldB[i]
		lb.Append(true)
		switch p := rec.Payloads[f.Name].(type) {
		case decode.Image:
			lb.ValueBuilder().(*array.Uint8Builder).AppendValues(p.Pix, nil)
		case decode.Depth:
			lb.ValueBuilder().(*array.Float32Builder).AppendValues(p.Z, nil)
		case decode.Pose:
			lb.ValueBuilder().(*array.Float64Builder).AppendValues(p[:], nil)
		}
	}

	if a.count == 0 {
		a.firstStamp = rec.Stamp
	}
	a.lastStamp = rec.Stamp
	a.count++

	if a.count >= a.chunkSize {
		return a.Flush()
	}
	return nil
}

func (a *Accumulator) validate(rec timesync.Record) error {
	for _, f := range a.fields {
		payload, ok := rec.Payloads[f.Name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, f.Name)
		}
		var (
			kind decode.Kind
			n    int
		)
		switch p := payload.(type) {
		case decode.Image:
			kind, n = decode.KindImage, p.FlatLen()
		case decode.Depth:
			kind, n = decode.KindDepth, p.FlatLen()
		case decode.Pose:
			kind, n = decode.KindPose, p.FlatLen()
		default:
			return fmt.Errorf("%w: %q: unexpected payload %T", ErrFieldMismatch, f.Name, payload)
		}
		if kind != f.Kind || n != f.FlatLen() {
			return fmt.Errorf("%w: %q: got %s[%d], want %s[%d]",
				ErrFieldMismatch, f.Name, kind, n, f.Kind, f.FlatLen())
		}
	}
	return nil
}

// Flush persists the buffered records as one output unit and resets
// the buffers. Flushing an empty buffer is a no-op, so the terminal
// shutdown flush is safe regardless of pending count.
func (a *Accumulator) Flush() error {
	if a.count == 0 {
		return nil
	}

	cols := make([]arrow.Array, 0, len(a.fieldB)+1)
	timeArr := a.timeB.NewFloat64Array()
	cols = append(cols, timeArr)
	for _, b := range a.fieldB {
		cols = append(cols, b.NewArray())
	}

	rec := array.NewRecord(a.writer.schema, cols, int64(a.count))
	err := a.writer.WriteChunk(rec, a.firstStamp, a.lastStamp)

	rec.Release()
	for _, col := range cols {
		col.Release()
	}

	if err != nil {
		return err
	}
	a.count = 0
	a.firstStamp = 0
	a.lastStamp = 0
	return nil
}

// Release frees the underlying builders. The accumulator must not be
// used afterwards.
func (a *Accumulator) Release() {
	a.timeB.Release()
	for _, b := range a.fieldB {
		b.Release()
	}
}
