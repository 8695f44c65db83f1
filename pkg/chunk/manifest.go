package chunk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hamba/avro/v2/ocf"
)

// ManifestName is the session manifest file created next to the chunks.
const ManifestName = "manifest.avro"

// manifestSchema is the Avro schema of one manifest entry. Digest is
// the xxhash64 of the chunk file content, bit-cast to a signed long.
const manifestSchema = `{
  "type": "record",
  "name": "ChunkEntry",
  "namespace": "syncap.manifest",
  "fields": [
    {"name": "chunk_index", "type": "long"},
    {"name": "path", "type": "string"},
    {"name": "records", "type": "long"},
    {"name": "first_stamp", "type": "long"},
    {"name": "last_stamp", "type": "long"},
    {"name": "bytes", "type": "long"},
    {"name": "digest", "type": "long"}
  ]
}`

// ManifestEntry indexes one flushed chunk file.
type ManifestEntry struct {
	ChunkIndex int64  `avro:"chunk_index"`
	Path       string `avro:"path"`
	Records    int64  `avro:"records"`
	// FirstStamp and LastStamp are wall-clock nanoseconds of the first
	// and last aligned record in the chunk.
	FirstStamp int64 `avro:"first_stamp"`
	LastStamp  int64 `avro:"last_stamp"`
	Bytes      int64 `avro:"bytes"`
	Digest     int64 `avro:"digest"`
}

// Manifest appends one entry per flushed chunk to an Avro object
// container file, giving operators an index over the chunk series.
// It is used from the single consumer goroutine only.
type Manifest struct {
	f   *os.File
	enc *ocf.Encoder
}

// CreateManifest opens a fresh manifest in dir, truncating any
// previous one.
func CreateManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	enc, err := ocf.NewEncoder(manifestSchema, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("manifest encoder: %w", err)
	}
	return &Manifest{f: f, enc: enc}, nil
}

// Append records one flushed chunk and flushes the container block so
// the manifest stays readable even if the process dies mid-session.
func (m *Manifest) Append(e ManifestEntry) error {
	if err := m.enc.Encode(e); err != nil {
		return fmt.Errorf("manifest append: %w", err)
	}
	if err := m.enc.Flush(); err != nil {
		return fmt.Errorf("manifest flush: %w", err)
	}
	return nil
}

// Close finalizes the container and syncs it to disk.
func (m *Manifest) Close() error {
	if err := m.enc.Close(); err != nil {
		m.f.Close()
		return fmt.Errorf("manifest close: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		m.f.Close()
		return fmt.Errorf("manifest sync: %w", err)
	}
	return m.f.Close()
}

// ReadManifest decodes every entry of a session manifest.
func ReadManifest(dir string) ([]ManifestEntry, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	dec, err := ocf.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("manifest decoder: %w", err)
	}

	var entries []ManifestEntry
	for dec.HasNext() {
		var e ManifestEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("manifest decode: %w", err)
		}
		entries = append(entries, e)
	}
	if err := dec.Error(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("manifest read: %w", err)
	}
	return entries, nil
}
