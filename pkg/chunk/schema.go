// Package chunk accumulates aligned records into per-field buffers and
// persists them as bounded-size Arrow IPC files, one file per chunk.
//
// Every output unit is self-describing: static calibration metadata is
// carried in the Arrow schema metadata of each file, and every field
// records its logical N-d shape so a chunk can be interpreted without
// the recorder's configuration.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/syncap/syncap/pkg/calib"
	"github.com/syncap/syncap/pkg/decode"
)

const (
	// TimeField is the representative timestamp column, in seconds.
	TimeField = "time"

	// FileExt is the output unit file extension.
	FileExt = ".arrow"

	// Readme documents the recording conventions, written once per unit.
	Readme = "All position information is in meters unless specified otherwise.\n" +
		"Quaternion is a list in the order of [qx, qy, qz, qw].\n" +
		"Poses are defined to be T_world_obj.\n" +
		"Depth is in the OpenCV camera convention (corrected by the extrinsic, T_cv_src).\n"
)

// Schema metadata keys.
const (
	MetaIntrinsic = "camera_intrinsic"
	MetaExtrinsic = "camera_extrinsic"
	MetaBaseline  = "baseline"
	MetaReadme    = "README"
	MetaSession   = "session_id"

	// field-level keys
	fieldMetaKind  = "kind"
	fieldMetaShape = "shape"
)

var (
	// ErrNoFields is returned when a schema is built without channels.
	ErrNoFields = errors.New("at least one field is required")

	// ErrReservedFieldName is returned when a channel shadows the time column.
	ErrReservedFieldName = errors.New("field name is reserved")
)

// FieldSpec describes one recorded channel field: its name, payload
// kind and fixed per-record shape.
type FieldSpec struct {
	Name  string
	Kind  decode.Kind
	Shape []int
}

// FlatLen returns the flattened element count of one payload.
func (f FieldSpec) FlatLen() int {
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// Metadata is the static per-unit information written into every
// output file's schema metadata.
type Metadata struct {
	Intrinsic calib.Matrix3
	Extrinsic calib.Matrix4
	// Baseline is the optional stereo baseline in meters.
	Baseline  *float64
	SessionID string
}

func elemType(kind decode.Kind) (arrow.DataType, error) {
	switch kind {
	case decode.KindImage:
		return arrow.PrimitiveTypes.Uint8, nil
	case decode.KindDepth:
		return arrow.PrimitiveTypes.Float32, nil
	case decode.KindPose:
		return arrow.PrimitiveTypes.Float64, nil
	}
	return nil, fmt.Errorf("%w: %q", decode.ErrUnknownKind, kind)
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// BuildSchema creates the Arrow schema for a recording: a float64 time
// column followed by one fixed-size-list column per channel field, in
// registration order, plus the static calibration metadata.
func BuildSchema(fields []FieldSpec, meta Metadata) (*arrow.Schema, error) {
	if len(fields) == 0 {
		return nil, ErrNoFields
	}

	arrowFields := make([]arrow.Field, 0, len(fields)+1)
	arrowFields = append(arrowFields, arrow.Field{
		Name: TimeField,
		Type: arrow.PrimitiveTypes.Float64,
	})

	for _, f := range fields {
		if f.Name == TimeField {
			return nil, fmt.Errorf("%w: %q", ErrReservedFieldName, f.Name)
		}
		et, err := elemType(f.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		arrowFields = append(arrowFields, arrow.Field{
			Name: f.Name,
			Type: arrow.FixedSizeListOf(int32(f.FlatLen()), et),
			Metadata: arrow.NewMetadata(
				[]string{fieldMetaKind, fieldMetaShape},
				[]string{string(f.Kind), shapeString(f.Shape)},
			),
		})
	}

	schemaMeta, err := buildSchemaMetadata(meta)
	if err != nil {
		return nil, err
	}
	return arrow.NewSchema(arrowFields, schemaMeta), nil
}

func buildSchemaMetadata(meta Metadata) (*arrow.Metadata, error) {
	intrinsic, err := json.Marshal(meta.Intrinsic)
	if err != nil {
		return nil, fmt.Errorf("marshal intrinsic: %w", err)
	}
	extrinsic, err := json.Marshal(meta.Extrinsic)
	if err != nil {
		return nil, fmt.Errorf("marshal extrinsic: %w", err)
	}

	keys := []string{MetaIntrinsic, MetaExtrinsic, MetaReadme, MetaSession}
	vals := []string{string(intrinsic), string(extrinsic), Readme, meta.SessionID}
	if meta.Baseline != nil {
		keys = append(keys, MetaBaseline)
		vals = append(vals, strconv.FormatFloat(*meta.Baseline, 'g', -1, 64))
	}

	m := arrow.NewMetadata(keys, vals)
	return &m, nil
}

// FieldShape parses the shape metadata of an Arrow field written by
// BuildSchema.
func FieldShape(f arrow.Field) ([]int, bool) {
	raw, ok := f.Metadata.GetValue(fieldMetaShape)
	if !ok {
		return nil, false
	}
	parts := strings.Split(raw, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		shape[i] = d
	}
	return shape, true
}
