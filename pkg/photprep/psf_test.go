package photprep

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStampPSFNormalizesPositiveStamp(t *testing.T) {
	stamp := matFromRows([][]float32{
		{1, 2, 1},
		{2, 8, 2},
		{1, 2, 1},
	})
	defer stamp.Close()

	psf, err := NewStampPSF(stamp, StampProvenance{Path: "star.fits"})
	require.NoError(t, err)

	s := psf.Stamp()
	defer s.Close()
	require.InDelta(t, 1.0, SumMat(s), 1e-6)
	require.InDelta(t, 8.0/20.0, float64(s.DataFloat32()[4]), 1e-6)
	require.InDelta(t, 8.0/20.0, psf.Evaluate(0, 0), 1e-6)
	require.Equal(t, PSFKindStamp, psf.Kind())
	require.Equal(t, "star.fits", psf.Provenance.Path)
	// caller's stamp untouched
	require.Equal(t, float32(8), stamp.DataFloat32()[4])
}

func TestNewStampPSFClipsNegatives(t *testing.T) {
	stamp := matFromRows([][]float32{
		{-1, 1, -3},
		{1, 4, 1},
		{-2, 1, 0},
	})
	defer stamp.Close()

	psf, err := NewStampPSF(stamp, StampProvenance{})
	require.NoError(t, err)

	s := psf.Stamp()
	defer s.Close()
	require.InDelta(t, 1.0, SumMat(s), 1e-6)
	for _, v := range s.DataFloat32()[:9] {
		require.GreaterOrEqual(t, v, float32(0))
	}
	require.Equal(t, float32(0), s.DataFloat32()[0])
	require.InDelta(t, 0.5, float64(s.DataFloat32()[4]), 1e-6)
}

func TestNewStampPSFRejectsDegenerateStamps(t *testing.T) {
	tiny := FilledMat(2, 5, 1)
	defer tiny.Close()
	_, err := NewStampPSF(tiny, StampProvenance{})
	require.True(t, errors.Is(err, ErrInvalidInput))

	negative := FilledMat(3, 3, -1)
	defer negative.Close()
	_, err = NewStampPSF(negative, StampProvenance{})
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestParametricPSFProfile(t *testing.T) {
	psf, err := NewParametricPSF(DefaultMoffatFWHM, DefaultMoffatBeta, DefaultMoffatStampSize)
	require.NoError(t, err)

	rows, cols := psf.Size()
	require.Equal(t, 59, rows)
	require.Equal(t, 59, cols)
	require.Equal(t, PSFKindParametric, psf.Kind())

	s := psf.Stamp()
	defer s.Close()
	require.InDelta(t, 1.0, SumMat(s), 1e-5)

	// half maximum at half the FWHM
	centre := psf.Evaluate(0, 0)
	require.InDelta(t, centre/2, psf.Evaluate(DefaultMoffatFWHM/2, 0), 1e-9)
	require.InDelta(t, psf.Evaluate(1, 2), psf.Evaluate(-2, 1), 1e-12)
	require.Zero(t, psf.Evaluate(30, 0))

	_, err = NewParametricPSF(2.5, 1, 59)
	require.True(t, errors.Is(err, ErrInvalidInput))
	_, err = NewParametricPSF(2.5, 2.5, 58)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestBuildPSFFallsBackToMoffatWithNotice(t *testing.T) {
	buf := captureLog(t)

	psf, err := BuildPSF("")
	require.NoError(t, err)
	require.Equal(t, PSFKindParametric, psf.Kind())
	p, ok := psf.(*ParametricPSF)
	require.True(t, ok)
	require.Equal(t, 2.5, p.FWHM)
	require.Equal(t, 2.5, p.Beta)
	require.Contains(t, buf.String(), "using moffat")
}

func TestBuildPSFFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psf.fits")
	stamp := matFromRows([][]float32{
		{0, 1, 0},
		{1, -4, 1},
		{0, 1, 0},
	})
	defer stamp.Close()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeFitsImage(f, stamp, true))
	require.NoError(t, f.Close())

	psf, err := BuildPSF(path)
	require.NoError(t, err)
	sp, ok := psf.(*StampPSF)
	require.True(t, ok)
	require.Equal(t, path, sp.Provenance.Path)
	require.Len(t, sp.Provenance.Digest, 64)

	s := sp.Stamp()
	defer s.Close()
	require.InDelta(t, 1.0, SumMat(s), 1e-6)
	require.Equal(t, float32(0), s.DataFloat32()[4])
	require.InDelta(t, 0.25, float64(s.DataFloat32()[1]), 1e-6)
}

func TestBuildPSFLoadFailureIsInvalidInput(t *testing.T) {
	_, err := BuildPSF(filepath.Join(t.TempDir(), "missing.fits"))
	require.True(t, errors.Is(err, ErrInvalidInput))
	require.True(t, errors.Is(err, os.ErrNotExist))

	junk := filepath.Join(t.TempDir(), "junk.fits")
	require.NoError(t, os.WriteFile(junk, []byte("not a fits file"), 0o644))
	_, err = BuildPSF(junk)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestBuildPSFOversizedHeaderIsInvalidInput(t *testing.T) {
	for _, dims := range [][2]int{{2000000000, 2000000000}, {64, 64}, {-3, 5}} {
		path := writeRawFits(t, -64, dims[0], dims[1], nil)
		require.NotPanics(t, func() {
			_, err := BuildPSF(path)
			require.True(t, errors.Is(err, ErrInvalidInput), "%v: %v", dims, err)
			require.ErrorContains(t, err, "reading FITS header")
		})
	}
}

func TestMoffatAlphaRoundTrip(t *testing.T) {
	for _, beta := range []float64{1.5, 2.5, 4.765} {
		alpha := moffatAlpha(3.2, beta)
		require.InDelta(t, 3.2, moffatFWHM(alpha, beta), 1e-12)
		require.False(t, math.IsNaN(alpha))
	}
}
