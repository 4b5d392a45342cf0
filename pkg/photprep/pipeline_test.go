package photprep

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessConstantImageAboveLimitGivesZeroWeight(t *testing.T) {
	buf := captureLog(t)

	exp := Exposure{
		Image:           FilledMat(10, 10, 100),
		InverseVariance: FilledMat(10, 10, 1),
		Flags:           NewFlagMap(10, 10),
	}
	defer exp.Close()
	psf, err := BuildPSF("")
	require.NoError(t, err)
	require.Contains(t, buf.String(), "using moffat")

	cfg := DefaultConfig()
	cfg.SatLimit = 50
	cfg.Tiles = SingleTile
	eng := &fakeEngine{}
	strategy, err := SelectStrategy(cfg.Tiles, eng, nil)
	require.NoError(t, err)

	run, err := Process(context.Background(), exp, psf, strategy, cfg)
	require.NoError(t, err)
	defer run.Close()

	require.Equal(t, 100, run.Mask.Count())
	require.Equal(t, 1, eng.fitCalls)
	require.Len(t, eng.weight, 100)
	for _, w := range eng.weight {
		require.Equal(t, float32(0), w)
	}
	require.Equal(t, PSFKindParametric, eng.psf.Kind())
	require.Equal(t, 50.0, eng.opts.SatLimit)
	require.Len(t, run.Sections, 1)
	require.Equal(t, 100, run.Sections[0].ZeroWeight)
}

func TestProcessHotPixel(t *testing.T) {
	pix := make([]float32, 25)
	for i := range pix {
		pix[i] = 10
	}
	pix[2*5+2] = 1000
	exp := Exposure{
		Image:           MatFromFloat32(pix, 5, 5),
		InverseVariance: FilledMat(5, 5, 4),
		Flags:           NewFlagMap(5, 5),
	}
	defer exp.Close()
	psf, err := NewParametricPSF(2.5, 2.5, 5)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SatLimit = 500
	eng := &fakeEngine{}
	strategy, err := SelectStrategy(cfg.Tiles, nil, eng)
	require.NoError(t, err)

	run, err := Process(context.Background(), exp, psf, strategy, cfg)
	require.NoError(t, err)
	defer run.Close()

	// the 5x5 element centred on the hot pixel covers the whole 5x5 frame
	require.Equal(t, 25, run.Mask.Count())
	require.Equal(t, 1, eng.tiledCalls)
	require.Equal(t, 4, eng.ncols)
	require.Len(t, run.Sections, 16)
}

func TestProcessUnboundedLimitPassesSqrtWeights(t *testing.T) {
	exp := Exposure{
		Image:           FilledMat(6, 4, 1e9),
		InverseVariance: FilledMat(6, 4, 16),
		Flags:           NewFlagMap(6, 4),
	}
	defer exp.Close()
	psf, err := NewParametricPSF(2.5, 2.5, 5)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SatLimit = math.Inf(1)
	cfg.Tiles = SingleTile
	eng := &fakeEngine{}
	strategy, err := SelectStrategy(cfg.Tiles, eng, nil)
	require.NoError(t, err)

	run, err := Process(context.Background(), exp, psf, strategy, cfg)
	require.NoError(t, err)
	defer run.Close()

	require.Zero(t, run.Mask.Count())
	for _, w := range eng.weight {
		require.Equal(t, float32(4), w)
	}
	// flags pass through untouched
	require.Equal(t, exp.Flags, eng.flags)
}

func TestProcessFailsFast(t *testing.T) {
	psf, err := NewParametricPSF(2.5, 2.5, 5)
	require.NoError(t, err)
	newExp := func(ivar float32) Exposure {
		return Exposure{
			Image:           FilledMat(4, 4, 1),
			InverseVariance: FilledMat(4, 4, ivar),
			Flags:           NewFlagMap(4, 4),
		}
	}

	t.Run("negative variance", func(t *testing.T) {
		eng := &fakeEngine{}
		exp := newExp(-1)
		defer exp.Close()
		_, err := Process(context.Background(), exp, psf, WholeImage{Engine: eng}, DefaultConfig())
		require.True(t, errors.Is(err, ErrInvalidInput))
		require.Zero(t, eng.fitCalls)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		eng := &fakeEngine{}
		exp := newExp(1)
		defer exp.Close()
		exp.Flags = NewFlagMap(4, 5)
		_, err := Process(context.Background(), exp, psf, WholeImage{Engine: eng}, DefaultConfig())
		require.True(t, errors.Is(err, ErrShapeMismatch))
		require.Zero(t, eng.fitCalls)
	})

	t.Run("engine failure", func(t *testing.T) {
		cause := errors.New("mosaic exploded")
		eng := &fakeEngine{err: cause}
		exp := newExp(1)
		defer exp.Close()
		_, err := Process(context.Background(), exp, psf, WholeImage{Engine: eng}, DefaultConfig())
		require.True(t, errors.Is(err, ErrEngine))
		require.True(t, errors.Is(err, cause))
		require.Equal(t, 1, eng.fitCalls)
	})

	t.Run("result shape", func(t *testing.T) {
		eng := &fakeEngine{layerRows: 3, layerCols: 3}
		exp := newExp(1)
		defer exp.Close()
		_, err := Process(context.Background(), exp, psf, WholeImage{Engine: eng}, DefaultConfig())
		require.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("NaN limit", func(t *testing.T) {
		exp := newExp(1)
		defer exp.Close()
		cfg := DefaultConfig()
		cfg.SatLimit = math.NaN()
		_, err := Process(context.Background(), exp, psf, WholeImage{Engine: &fakeEngine{}}, cfg)
		require.True(t, errors.Is(err, ErrInvalidInput))
	})
}

func TestProcessDebayer(t *testing.T) {
	// RGGB cell with a hot red channel; luminance stays below the limit
	raw := matFromRows([][]float32{
		{900, 10, 900, 10},
		{10, 10, 10, 10},
		{900, 10, 900, 10},
		{10, 10, 10, 10},
	})
	exp := Exposure{Image: raw, InverseVariance: FilledMat(4, 4, 1), Flags: NewFlagMap(4, 4)}
	defer exp.Close()
	psf, err := NewParametricPSF(2.5, 2.5, 5)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SatLimit = 500
	cfg.Tiles = SingleTile
	cfg.Debayer = true
	run, err := Process(context.Background(), exp, psf, WholeImage{Engine: &fakeEngine{}}, cfg)
	require.NoError(t, err)
	defer run.Close()
	require.Zero(t, run.Mask.Count())

	cfg.Debayer = false
	run2, err := Process(context.Background(), exp, psf, WholeImage{Engine: &fakeEngine{}}, cfg)
	require.NoError(t, err)
	defer run2.Close()
	require.Equal(t, 16, run2.Mask.Count())
}
