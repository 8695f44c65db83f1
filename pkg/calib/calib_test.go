package calib_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncap/syncap/pkg/calib"
)

func TestIntrinsics(t *testing.T) {
	m, err := calib.Intrinsics(math.Pi/2, 480, 640)
	require.NoError(t, err)

	// tan(pi/4) == 1, so focal == height/2.
	assert.InDelta(t, 240.0, m[0][0], 1e-9)
	assert.InDelta(t, 240.0, m[1][1], 1e-9)
	assert.InDelta(t, 320.0, m[0][2], 1e-9)
	assert.InDelta(t, 240.0, m[1][2], 1e-9)
	assert.Equal(t, 1.0, m[2][2])
}

func TestIntrinsics_Invalid(t *testing.T) {
	_, err := calib.Intrinsics(math.Pi/2, 0, 640)
	assert.ErrorIs(t, err, calib.ErrInvalidResolution)

	_, err = calib.Intrinsics(0, 480, 640)
	assert.ErrorIs(t, err, calib.ErrInvalidFieldOfView)

	_, err = calib.Intrinsics(math.Pi, 480, 640)
	assert.ErrorIs(t, err, calib.ErrInvalidFieldOfView)
}

func TestBaseline(t *testing.T) {
	assert.InDelta(t, 0.065, calib.Baseline(0.0325, -0.0325, 1.0), 1e-9)
	assert.InDelta(t, 0.65, calib.Baseline(-0.0325, 0.0325, 10.0), 1e-9)
	assert.Equal(t, 0.0, calib.Baseline(0.5, 0.5, 2.0))
}

func TestDefaultExtrinsicRotation(t *testing.T) {
	r := calib.DefaultExtrinsic.Rotation()
	assert.Equal(t, calib.Matrix3{{0, 1, 0}, {0, 0, -1}, {-1, 0, 0}}, r)
}
