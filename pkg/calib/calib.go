// Package calib derives camera calibration from recorder configuration.
//
// All position information is in meters after applying the world
// conversion factor. The extrinsic matrix maps the simulator frame into
// the OpenCV camera convention (T_cv_src) and pre-multiplies recorded
// poses and depth points.
package calib

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidResolution is returned when width or height is not positive.
	ErrInvalidResolution = errors.New("image resolution must be positive")

	// ErrInvalidFieldOfView is returned when the field-of-view angle is outside (0, pi).
	ErrInvalidFieldOfView = errors.New("field view angle must be in (0, pi)")
)

// Matrix3 is a row-major 3x3 matrix.
type Matrix3 [3][3]float64

// Matrix4 is a row-major 4x4 homogeneous transform.
type Matrix4 [4][4]float64

// DefaultExtrinsic is T_cv_src, the fixed rotation that reshapes
// simulator-frame data into the OpenCV camera convention.
var DefaultExtrinsic = Matrix4{
	{0, 1, 0, 0},
	{0, 0, -1, 0},
	{-1, 0, 0, 0},
	{0, 0, 0, 1},
}

// Rotation returns the upper-left 3x3 block of m.
func (m Matrix4) Rotation() Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j]
		}
	}
	return r
}

// Intrinsics computes the pinhole intrinsic matrix of a perspective
// camera from its vertical field-of-view angle (radians) and publish
// resolution:
//
//	focal = height / (2 * tan(fov/2))
//	c_x   = width / 2
//	c_y   = height / 2
func Intrinsics(fieldViewAngle float64, height, width int) (Matrix3, error) {
	if height <= 0 || width <= 0 {
		return Matrix3{}, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}
	if fieldViewAngle <= 0 || fieldViewAngle >= math.Pi {
		return Matrix3{}, fmt.Errorf("%w: %v", ErrInvalidFieldOfView, fieldViewAngle)
	}

	focal := float64(height) / (2 * math.Tan(fieldViewAngle/2))
	return Matrix3{
		{focal, 0, float64(width) / 2},
		{0, focal, float64(height) / 2},
		{0, 0, 1},
	}, nil
}

// Baseline computes the stereo baseline as the absolute difference of
// the two camera mounting offsets, scaled into meters by the world
// conversion factor.
func Baseline(leftOffset, rightOffset, conversionFactor float64) float64 {
	return math.Abs(leftOffset-rightOffset) * conversionFactor
}
