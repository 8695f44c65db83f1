package chunk_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncap/syncap/pkg/calib"
	"github.com/syncap/syncap/pkg/chunk"
	"github.com/syncap/syncap/pkg/decode"
	"github.com/syncap/syncap/pkg/timesync"
)

var testFields = []chunk.FieldSpec{
	{Name: "l_img", Kind: decode.KindImage, Shape: []int{2, 2, 3}},
	{Name: "depth", Kind: decode.KindDepth, Shape: []int{2, 2}},
	{Name: "pose_cam", Kind: decode.KindPose, Shape: []int{7}},
}

func testMetadata() chunk.Metadata {
	baseline := 0.065
	return chunk.Metadata{
		Intrinsic: calib.Matrix3{{240, 0, 320}, {0, 240, 240}, {0, 0, 1}},
		Extrinsic: calib.DefaultExtrinsic,
		Baseline:  &baseline,
		SessionID: "test-session",
	}
}

func testRecord(stamp int64, seed uint8) timesync.Record {
	pix := make([]uint8, 12)
	for i := range pix {
		pix[i] = seed + uint8(i)
	}
	z := []float32{float32(seed), 1, 2, 3}
	return timesync.Record{
		Stamp: stamp,
		Payloads: map[string]any{
			"l_img":    decode.Image{Height: 2, Width: 2, Pix: pix},
			"depth":    decode.Depth{Height: 2, Width: 2, Z: z},
			"pose_cam": decode.Pose{float64(seed), 0, 0, 0, 0, 0, 1},
		},
	}
}

func newTestPipeline(t *testing.T, dir string, chunkSize int, opts ...chunk.WriterOption) (*chunk.Writer, *chunk.Accumulator) {
	t.Helper()
	schema, err := chunk.BuildSchema(testFields, testMetadata())
	require.NoError(t, err)
	w, err := chunk.NewWriter(dir, schema, opts...)
	require.NoError(t, err)
	acc, err := chunk.NewAccumulator(w, testFields, chunkSize)
	require.NoError(t, err)
	t.Cleanup(acc.Release)
	return w, acc
}

func TestBuildSchema(t *testing.T) {
	schema, err := chunk.BuildSchema(testFields, testMetadata())
	require.NoError(t, err)

	require.Equal(t, 4, schema.NumFields())
	assert.Equal(t, chunk.TimeField, schema.Field(0).Name)
	assert.Equal(t, "l_img", schema.Field(1).Name)

	shape, ok := chunk.FieldShape(schema.Field(1))
	require.True(t, ok)
	assert.Equal(t, []int{2, 2, 3}, shape)

	meta := schema.Metadata()
	for _, key := range []string{
		chunk.MetaIntrinsic, chunk.MetaExtrinsic, chunk.MetaBaseline,
		chunk.MetaReadme, chunk.MetaSession,
	} {
		_, ok := meta.GetValue(key)
		assert.True(t, ok, "missing metadata key %q", key)
	}
	readme, _ := meta.GetValue(chunk.MetaReadme)
	assert.Contains(t, readme, "meters")
}

func TestBuildSchema_NoBaseline(t *testing.T) {
	meta := testMetadata()
	meta.Baseline = nil
	schema, err := chunk.BuildSchema(testFields, meta)
	require.NoError(t, err)

	_, ok := schema.Metadata().GetValue(chunk.MetaBaseline)
	assert.False(t, ok)
}

func TestBuildSchema_Errors(t *testing.T) {
	_, err := chunk.BuildSchema(nil, testMetadata())
	assert.ErrorIs(t, err, chunk.ErrNoFields)

	_, err = chunk.BuildSchema([]chunk.FieldSpec{
		{Name: chunk.TimeField, Kind: decode.KindPose, Shape: []int{7}},
	}, testMetadata())
	assert.ErrorIs(t, err, chunk.ErrReservedFieldName)
}

func TestAccumulator_FlushAtChunkSizeExactly(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 3)

	for i := int64(0); i < 2; i++ {
		require.NoError(t, acc.Append(testRecord(i*1e6, uint8(i))))
		assert.Equal(t, int64(0), w.ChunksWritten(), "no flush before chunk size")
	}
	require.NoError(t, acc.Append(testRecord(2e6, 2)))
	assert.Equal(t, int64(1), w.ChunksWritten())
	assert.Zero(t, acc.Pending(), "next chunk begins empty")

	// a fourth record starts the second chunk without flushing
	require.NoError(t, acc.Append(testRecord(3e6, 3)))
	assert.Equal(t, int64(1), w.ChunksWritten())
	assert.Equal(t, 1, acc.Pending())
}

func TestAccumulator_TerminalPartialFlush(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 100)

	require.NoError(t, acc.Append(testRecord(1e6, 1)))
	require.NoError(t, acc.Append(testRecord(2e6, 2)))

	require.NoError(t, acc.Flush())
	assert.Equal(t, int64(1), w.ChunksWritten())

	// flushing again with nothing pending writes nothing
	require.NoError(t, acc.Flush())
	assert.Equal(t, int64(1), w.ChunksWritten())
}

func TestAccumulator_RejectsBadRecordWhole(t *testing.T) {
	dir := t.TempDir()
	_, acc := newTestPipeline(t, dir, 10)

	bad := testRecord(1e6, 1)
	delete(bad.Payloads, "depth")
	err := acc.Append(bad)
	assert.ErrorIs(t, err, chunk.ErrMissingField)
	assert.Zero(t, acc.Pending())

	wrong := testRecord(2e6, 2)
	wrong.Payloads["depth"] = decode.Depth{Height: 1, Width: 1, Z: []float32{1}}
	err = acc.Append(wrong)
	assert.ErrorIs(t, err, chunk.ErrFieldMismatch)
	assert.Zero(t, acc.Pending())

	// buffers stayed consistent: a good record still works
	require.NoError(t, acc.Append(testRecord(3e6, 3)))
	assert.Equal(t, 1, acc.Pending())
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 3)

	stamps := []int64{5e6, 105e6, 205e6}
	for i, s := range stamps {
		require.NoError(t, acc.Append(testRecord(s, uint8(i+1))))
	}
	require.Equal(t, int64(1), w.ChunksWritten())

	c, err := chunk.OpenChunk(w.UnitPath(1))
	require.NoError(t, err)
	defer c.Close()

	rows, err := c.Rows()
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	require.Equal(t, 1, c.NumRecords())
	rec, err := c.Record(0)
	require.NoError(t, err)

	// time column preserves arrival order, converted to seconds
	times := rec.Column(0).(*array.Float64)
	for i, s := range stamps {
		assert.InDelta(t, float64(s)/1e9, times.Value(i), 1e-12)
	}

	// image payloads round-trip by row
	imgs := rec.Column(1).(*array.FixedSizeList)
	pix := imgs.ListValues().(*array.Uint8)
	assert.Equal(t, uint8(1), pix.Value(0))
	assert.Equal(t, uint8(2), pix.Value(12))
	assert.Equal(t, uint8(3), pix.Value(24))

	poses := rec.Column(3).(*array.FixedSizeList)
	pv := poses.ListValues().(*array.Float64)
	assert.Equal(t, 2.0, pv.Value(7))
	assert.Equal(t, 1.0, pv.Value(6), "qw of first pose")

	// static metadata travels with every unit
	intrinsic, ok := c.Metadata().GetValue(chunk.MetaIntrinsic)
	require.True(t, ok)
	assert.Contains(t, intrinsic, "240")
	session, _ := c.Metadata().GetValue(chunk.MetaSession)
	assert.Equal(t, "test-session", session)
}

func TestWriter_SequentialUnitNames(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 1)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, acc.Append(testRecord(i*1e6, uint8(i))))
	}
	require.NoError(t, w.Close())

	for i := int64(1); i <= 3; i++ {
		path := w.UnitPath(i)
		_, err := os.Stat(path)
		assert.NoError(t, err, "expected unit %s", path)
		assert.Contains(t, filepath.Base(path), fmt.Sprintf("_%06d", i))
	}
}

func TestWriter_Manifest(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 2, chunk.WithManifest())

	for i := int64(0); i < 5; i++ {
		require.NoError(t, acc.Append(testRecord(i*1e6, uint8(i))))
	}
	require.NoError(t, acc.Flush()) // terminal partial chunk of 1
	require.NoError(t, w.Close())

	entries, err := chunk.ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, int64(1), entries[0].ChunkIndex)
	assert.Equal(t, int64(2), entries[0].Records)
	assert.Equal(t, int64(1), entries[2].Records)
	assert.Equal(t, int64(0), entries[0].FirstStamp)
	assert.Equal(t, int64(1e6), entries[0].LastStamp)

	// digest matches the file content
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Path))
	require.NoError(t, err)
	assert.Equal(t, int64(xxhash.Sum64(data)), entries[0].Digest)
	assert.Equal(t, int64(len(data)), entries[0].Bytes)
}

func TestWriter_ClosedRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	w, acc := newTestPipeline(t, dir, 1)

	require.NoError(t, w.Close())
	err := acc.Append(testRecord(1e6, 1))
	assert.ErrorIs(t, err, chunk.ErrWriterClosed)
}
