// Package decode converts raw bus payloads into typed record fields.
//
// Decoders are pure per-message transforms: image bytes into an HxWx3
// matrix, point clouds into a per-pixel depth map in the OpenCV
// convention, and pose messages into a 7-element position/quaternion
// vector. Point-cloud and pose payloads travel msgpack-encoded on the
// bus; images are raw interleaved BGR8.
package decode

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syncap/syncap/pkg/calib"
)

var (
	// ErrPayloadSize is returned when a raw payload does not match the
	// configured resolution.
	ErrPayloadSize = errors.New("payload size does not match resolution")

	// ErrBadEncoding is returned when a msgpack payload cannot be decoded.
	ErrBadEncoding = errors.New("malformed payload encoding")

	// ErrUnknownKind is returned for a channel kind with no decoder.
	ErrUnknownKind = errors.New("unknown channel kind")
)

// Kind identifies the payload type carried by a channel.
type Kind string

const (
	KindImage Kind = "image"
	KindDepth Kind = "depth"
	KindPose  Kind = "pose"
)

// Valid reports whether k names a supported payload kind.
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindDepth, KindPose:
		return true
	}
	return false
}

// Payload is one decoded record field.
type Payload interface {
	// Shape returns the logical N-d shape of the field.
	Shape() []int
	// FlatLen returns the flattened element count, the product of Shape.
	FlatLen() int
}

// Image is an HxWx3 interleaved BGR8 matrix.
type Image struct {
	Height, Width int
	Pix           []uint8
}

func (im Image) Shape() []int { return []int{im.Height, im.Width, 3} }
func (im Image) FlatLen() int { return im.Height * im.Width * 3 }

// Depth is an HxW map of z-values in meters, OpenCV camera convention.
type Depth struct {
	Height, Width int
	Z             []float32
}

func (d Depth) Shape() []int { return []int{d.Height, d.Width} }
func (d Depth) FlatLen() int { return d.Height * d.Width }

// Pose is [x y z qx qy qz qw]: position in meters, orientation quaternion.
type Pose [7]float64

func (Pose) Shape() []int { return []int{7} }
func (Pose) FlatLen() int { return 7 }

// PointCloud is the wire form of a depth message: xyz triplets in
// row-major pixel order, in source units.
type PointCloud struct {
	Points []float32 `msgpack:"points"`
}

// PoseState is the wire form of a rigid body state message.
type PoseState struct {
	PX float64 `msgpack:"px"`
	PY float64 `msgpack:"py"`
	PZ float64 `msgpack:"pz"`
	QX float64 `msgpack:"qx"`
	QY float64 `msgpack:"qy"`
	QZ float64 `msgpack:"qz"`
	QW float64 `msgpack:"qw"`
}

// Decoder holds the calibration inputs shared by all channel decoders.
type Decoder struct {
	height, width int
	// scale converts source length units to meters.
	scale float64
	// rotation is the upper 3x3 of the extrinsic, applied to depth points.
	rotation calib.Matrix3
}

// NewDecoder returns a Decoder for the given publish resolution,
// unit-conversion factor and extrinsic transform.
func NewDecoder(height, width int, scale float64, extrinsic calib.Matrix4) *Decoder {
	return &Decoder{
		height:   height,
		width:    width,
		scale:    scale,
		rotation: extrinsic.Rotation(),
	}
}

// Decode dispatches raw to the decoder for the channel kind.
func (d *Decoder) Decode(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindImage:
		return d.Image(raw)
	case KindDepth:
		return d.Depth(raw)
	case KindPose:
		return d.Pose(raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Image validates raw interleaved BGR8 bytes against the configured
// resolution. The returned Image aliases raw.
func (d *Decoder) Image(raw []byte) (Image, error) {
	want := d.height * d.width * 3
	if len(raw) != want {
		return Image{}, fmt.Errorf("%w: image %d bytes, want %d", ErrPayloadSize, len(raw), want)
	}
	return Image{Height: d.height, Width: d.width, Pix: raw}, nil
}

// Depth decodes a msgpack point cloud into a per-pixel z map.
//
// Points are scaled to meters, rows are reversed to undo the source's
// bottom-up framebuffer layout, and each point is rotated by the
// extrinsic rotation before the z component is kept.
func (d *Decoder) Depth(raw []byte) (Depth, error) {
	var pc PointCloud
	if err := msgpack.Unmarshal(raw, &pc); err != nil {
		return Depth{}, fmt.Errorf("%w: point cloud: %v", ErrBadEncoding, err)
	}
	want := d.height * d.width * 3
	if len(pc.Points) != want {
		return Depth{}, fmt.Errorf("%w: point cloud %d values, want %d", ErrPayloadSize, len(pc.Points), want)
	}

	r := d.rotation
	z := make([]float32, d.height*d.width)
	for row := 0; row < d.height; row++ {
		// reverse height direction
		src := (d.height - 1 - row) * d.width
		for col := 0; col < d.width; col++ {
			i := (src + col) * 3
			x := float64(pc.Points[i]) * d.scale
			y := float64(pc.Points[i+1]) * d.scale
			pz := float64(pc.Points[i+2]) * d.scale
			z[row*d.width+col] = float32(r[2][0]*x + r[2][1]*y + r[2][2]*pz)
		}
	}
	return Depth{Height: d.height, Width: d.width, Z: z}, nil
}

// Pose decodes a msgpack rigid body state into a scaled 7-vector.
func (d *Decoder) Pose(raw []byte) (Pose, error) {
	var st PoseState
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return Pose{}, fmt.Errorf("%w: pose: %v", ErrBadEncoding, err)
	}
	return Pose{
		st.PX * d.scale,
		st.PY * d.scale,
		st.PZ * d.scale,
		st.QX,
		st.QY,
		st.QZ,
		st.QW,
	}, nil
}
