package photprep

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveWeightUnboundedIsExactSqrt(t *testing.T) {
	img := matFromRows([][]float32{{1, 2, 3}, {4, 5, 6}})
	defer img.Close()
	ivar := matFromRows([][]float32{{0, 0.25, 2}, {9, 1e-8, 12345.678}})
	defer ivar.Close()

	mask, err := MaskSaturation(img, math.Inf(1))
	require.NoError(t, err)
	weight, err := DeriveWeight(ivar, mask)
	require.NoError(t, err)
	defer weight.Close()

	iv := ivar.DataFloat32()
	wd := weight.DataFloat32()
	for i := 0; i < 6; i++ {
		require.Equal(t, float32(math.Sqrt(float64(iv[i]))), wd[i])
	}
}

func TestDeriveWeightZeroUnderMask(t *testing.T) {
	img := matFromRows([][]float32{
		{10, 10, 10, 10, 10, 10, 10, 10},
		{10, 900, 10, 10, 10, 10, 10, 10},
		{10, 10, 10, 10, 10, 10, 10, 10},
		{10, 10, 10, 10, 10, 10, 10, 10},
		{10, 10, 10, 10, 10, 10, 10, 10},
	})
	defer img.Close()
	ivar := FilledMat(5, 8, 1e6)
	defer ivar.Close()

	mask, err := MaskSaturation(img, 100)
	require.NoError(t, err)
	defer mask.Close()
	weight, err := DeriveWeight(ivar, mask)
	require.NoError(t, err)
	defer weight.Close()

	wd := weight.DataFloat32()
	for r := 0; r < 5; r++ {
		for c := 0; c < 8; c++ {
			if mask.At(r, c) {
				require.Equal(t, float32(0), wd[r*8+c])
			} else {
				require.Equal(t, float32(1000), wd[r*8+c])
			}
		}
	}
	require.Equal(t, 4*4, mask.Count())
	// input untouched
	require.Equal(t, float32(1e6), ivar.DataFloat32()[1*8+1])
}

func TestDeriveWeightRejectsNegativeVariance(t *testing.T) {
	ivar := matFromRows([][]float32{{1, 1}, {1, -0.5}})
	defer ivar.Close()
	mask := SaturationMask{rows: 2, cols: 2}

	_, err := DeriveWeight(ivar, mask)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidInput))
	require.Contains(t, err.Error(), "x=1, y=1")
}

func TestDeriveWeightRejectsNaN(t *testing.T) {
	ivar := matFromRows([][]float32{{1, float32(math.NaN())}})
	defer ivar.Close()

	_, err := DeriveWeight(ivar, SaturationMask{rows: 1, cols: 2})
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestDeriveWeightRejectsInfinitePrecision(t *testing.T) {
	ivar := matFromRows([][]float32{{1, float32(math.Inf(1))}})
	defer ivar.Close()

	_, err := DeriveWeight(ivar, SaturationMask{rows: 1, cols: 2})
	require.True(t, errors.Is(err, ErrInvalidInput))
	require.Contains(t, err.Error(), "x=1, y=0")
}

func TestDoublePrecisionVarianceOutsideFloat32(t *testing.T) {
	for _, values := range [][]float64{{1e-50, 1}, {1, 1e40}, {1, -1e39}} {
		path := writeRawFits(t, -64, 2, 1, float64Bytes(values...))
		_, err := ReadImage(path)
		require.True(t, errors.Is(err, ErrInvalidInput), "%v: %v", values, err)
		require.False(t, errors.Is(err, ErrIO))
	}
	path := writeRawFits(t, -64, 2, 1, float64Bytes(1e-50, 1e40))
	_, err := ReadImage(path)
	require.ErrorContains(t, err, "x=0, y=0")

	// wide but representable values keep sqrt(ivar)
	path = writeRawFits(t, -64, 2, 1, float64Bytes(1e-30, 1e30))
	ivar, err := ReadImage(path)
	require.NoError(t, err)
	defer ivar.Close()
	weight, err := DeriveWeight(ivar, SaturationMask{rows: 1, cols: 2})
	require.NoError(t, err)
	defer weight.Close()
	require.InEpsilon(t, 1e-15, float64(weight.DataFloat32()[0]), 1e-6)
	require.InEpsilon(t, 1e15, float64(weight.DataFloat32()[1]), 1e-6)
}

func TestDeriveWeightShapeMismatch(t *testing.T) {
	ivar := FilledMat(3, 3, 1)
	defer ivar.Close()

	_, err := DeriveWeight(ivar, SaturationMask{rows: 3, cols: 4})
	require.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = DeriveWeight(NewMat(), SaturationMask{})
	require.True(t, errors.Is(err, ErrInvalidInput))
}
