package photprep

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// moffatCutout renders a Moffat star of the given flux on a size x size grid,
// centred (dx, dy) away from the middle pixel.
func moffatCutout(t *testing.T, fwhm, beta float64, size int, dx, dy, flux float64) Mat {
	t.Helper()
	p, err := NewParametricPSF(fwhm, beta, size)
	require.NoError(t, err)
	m := NewMatWithSize(size, size)
	d := m.DataFloat32()
	half := size / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			d[y*size+x] = float32(flux * p.Evaluate(float64(x-half)-dx, float64(y-half)-dy))
		}
	}
	return m
}

func TestRefitMoffatRecoversProfile(t *testing.T) {
	base, err := NewParametricPSF(2.5, 2.5, 21)
	require.NoError(t, err)

	var samples []PSFSample
	for i, flux := range []float64{500, 1200, 3000} {
		samples = append(samples, PSFSample{Cutout: moffatCutout(t, 3.5, 3, 21, 0, 0, flux), Flux: flux})
		defer samples[i].Cutout.Close()
	}

	refit, err := RefitPSF(base, samples)
	require.NoError(t, err)
	p, ok := refit.(*ParametricPSF)
	require.True(t, ok)
	require.InDelta(t, 3.5, p.FWHM, 0.1)
	require.InDelta(t, 3.0, p.Beta, 0.3)
	require.Equal(t, 21, p.StampSize)
	// base unchanged
	require.Equal(t, 2.5, base.FWHM)
}

func TestRefitStampKeepsProvenance(t *testing.T) {
	raw := moffatCutout(t, 2.5, 2.5, 11, 0, 0, 1)
	defer raw.Close()
	prov := StampProvenance{Path: "psf.fits", Digest: "abc"}
	base, err := NewStampPSF(raw, prov)
	require.NoError(t, err)

	cut := moffatCutout(t, 4, 2.5, 15, 0.3, -0.2, 800)
	defer cut.Close()

	refit, err := RefitPSF(base, []PSFSample{{Cutout: cut, DX: 0.3, DY: -0.2, Flux: 800}})
	require.NoError(t, err)
	sp, ok := refit.(*StampPSF)
	require.True(t, ok)
	require.Equal(t, prov, sp.Provenance)

	s := sp.Stamp()
	defer s.Close()
	rows, cols := sp.Size()
	require.Equal(t, 11, rows)
	require.Equal(t, 11, cols)
	require.InDelta(t, 1.0, SumMat(s), 1e-5)
	for _, v := range s.DataFloat32()[:rows*cols] {
		require.GreaterOrEqual(t, v, float32(0))
	}
	// a broader sample lowers the peak
	require.Less(t, sp.Evaluate(0, 0), base.Evaluate(0, 0))
}

func TestRefitRejectsBadSamples(t *testing.T) {
	base, err := NewParametricPSF(2.5, 2.5, 11)
	require.NoError(t, err)

	_, err = RefitPSF(base, nil)
	require.True(t, errors.Is(err, ErrInvalidInput))

	small := FilledMat(5, 5, 1)
	defer small.Close()
	_, err = RefitPSF(base, []PSFSample{{Cutout: small, Flux: 1}})
	require.True(t, errors.Is(err, ErrShapeMismatch))

	big := FilledMat(11, 11, 1)
	defer big.Close()
	_, err = RefitPSF(base, []PSFSample{{Cutout: big, Flux: 0}})
	require.True(t, errors.Is(err, ErrInvalidInput))

	_, err = RefitPSF(nil, []PSFSample{{Cutout: big, Flux: 1}})
	require.True(t, errors.Is(err, ErrInvalidInput))
}
