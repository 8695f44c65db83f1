package chunk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
)

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("chunk writer is closed")

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithAllocator overrides the Arrow allocator.
func WithAllocator(mem memory.Allocator) WriterOption {
	return func(w *Writer) { w.mem = mem }
}

// WithManifest enables the Avro session manifest next to the chunks.
func WithManifest() WriterOption {
	return func(w *Writer) { w.wantManifest = true }
}

// WithLogger overrides the writer's logger.
func WithLogger(log *slog.Logger) WriterOption {
	return func(w *Writer) { w.log = log }
}

// Writer persists chunk buffers as a numbered series of Arrow IPC
// files in one directory. Files are named
// "<session-start>_<index>.arrow"; the monotonically increasing index
// guarantees uniqueness across rapid successive flushes within the
// same second. Writer is used from the single consumer goroutine only.
type Writer struct {
	dir     string
	session string
	schema  *arrow.Schema
	mem     memory.Allocator
	log     *slog.Logger

	index        int64
	written      int64
	wantManifest bool
	manifest     *Manifest
	closed       bool
}

// NewWriter creates the output directory if absent and prepares the
// first output unit. Storage errors here are fatal to the recording.
func NewWriter(dir string, schema *arrow.Schema, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	w := &Writer{
		dir:     dir,
		session: time.Now().Format("20060102_150405"),
		schema:  schema,
		mem:     memory.DefaultAllocator,
		log:     slog.Default(),
		index:   1,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.wantManifest {
		m, err := CreateManifest(dir)
		if err != nil {
			return nil, err
		}
		w.manifest = m
	}
	return w, nil
}

// UnitPath returns the file path of the output unit with the given index.
func (w *Writer) UnitPath(index int64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%06d%s", w.session, index, FileExt))
}

// NextIndex returns the index the next flush will be written under.
func (w *Writer) NextIndex() int64 { return w.index }

// ChunksWritten returns the number of sealed output units.
func (w *Writer) ChunksWritten() int64 { return w.written }

// WriteChunk materializes one complete output unit from rec and
// advances to the next unit. The record carries one row per aligned
// record; firstStamp and lastStamp bound the chunk's time range for
// the manifest. Either the unit is fully written and synced or an
// error is returned and the recording must stop.
func (w *Writer) WriteChunk(rec arrow.Record, firstStamp, lastStamp int64) error {
	if w.closed {
		return ErrWriterClosed
	}

	path := w.UnitPath(w.index)
	if err := w.writeUnit(path, rec); err != nil {
		return err
	}
	if err := syncDir(w.dir); err != nil {
		return fmt.Errorf("fsync output directory: %w", err)
	}

	if w.manifest != nil {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat output unit: %w", err)
		}
		digest, err := fileDigest(path)
		if err != nil {
			return err
		}
		entry := ManifestEntry{
			ChunkIndex: w.index,
			Path:       filepath.Base(path),
			Records:    rec.NumRows(),
			FirstStamp: firstStamp,
			LastStamp:  lastStamp,
			Bytes:      info.Size(),
			Digest:     int64(digest),
		}
		if err := w.manifest.Append(entry); err != nil {
			return err
		}
	}

	w.log.Info("chunk written",
		slog.String("path", path),
		slog.Int64("records", rec.NumRows()),
	)

	w.index++
	w.written++
	return nil
}

// writeUnit writes rec into one Arrow IPC file and seals it. The file
// only becomes visible under its final name once complete.
func (w *Writer) writeUnit(path string, rec arrow.Record) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("create output unit: %w", err)
	}

	fw, err := ipc.NewFileWriter(f, ipc.WithSchema(w.schema), ipc.WithAllocator(w.mem))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("open unit writer: %w", err)
	}

	if err := fw.Write(rec); err != nil {
		fw.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("seal output unit: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync output unit: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close output unit: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize output unit: %w", err)
	}
	return nil
}

// Close finalizes the manifest. The terminal partial chunk, if any,
// must have been flushed by the accumulator before calling Close.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.manifest != nil {
		if err := w.manifest.Close(); err != nil {
			return err
		}
	}
	return nil
}

func fileDigest(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("digest output unit: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// fsync on the file alone does not ensure the directory entry reached
// disk; the directory needs its own fsync.
func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
