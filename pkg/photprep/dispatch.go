package photprep

import (
	"context"
	"fmt"
)

// FitEngine fits the whole image in one call.
type FitEngine interface {
	Fit(ctx context.Context, image Mat, psf PSF, weight Mat, flags FlagMap, opts FitOptions) (FitResult, error)
}

// MosaicEngine partitions the image into ncols x nrows sections, fits each,
// and returns a result covering the full image.
type MosaicEngine interface {
	FitTiled(ctx context.Context, image Mat, psf PSF, ncols, nrows int, weight Mat, flags FlagMap, opts FitOptions) (FitResult, error)
}

// FitInput is everything a strategy hands to its engine.
type FitInput struct {
	Image   Mat
	PSF     PSF
	Weight  Mat
	Flags   FlagMap
	Options FitOptions
}

// FitStrategy runs one fit. Engine failures come back wrapped in ErrEngine.
type FitStrategy interface {
	Name() string
	Run(ctx context.Context, in FitInput) (FitResult, error)
}

// WholeImage calls the single-shot engine exactly once.
type WholeImage struct {
	Engine FitEngine
}

func (s WholeImage) Name() string { return "whole-image" }

func (s WholeImage) Run(ctx context.Context, in FitInput) (FitResult, error) {
	res, err := s.Engine.Fit(ctx, in.Image, in.PSF, in.Weight, in.Flags, in.Options)
	if err != nil {
		return FitResult{}, engineError("fitting whole image", err)
	}
	return res, nil
}

// Tiled calls the mosaic engine exactly once with the grid's dimensions.
type Tiled struct {
	Engine MosaicEngine
	Grid   TileGrid
}

func (s Tiled) Name() string { return fmt.Sprintf("tiled %s", s.Grid) }

func (s Tiled) Run(ctx context.Context, in FitInput) (FitResult, error) {
	res, err := s.Engine.FitTiled(ctx, in.Image, in.PSF, s.Grid.Columns, s.Grid.Rows, in.Weight, in.Flags, in.Options)
	if err != nil {
		return FitResult{}, engineError(fmt.Sprintf("fitting %s mosaic", s.Grid), err)
	}
	return res, nil
}

// SelectStrategy picks the fit strategy for grid: the whole-image engine for
// {1, 1}, the mosaic engine for anything else. Only the selected engine needs
// to be non-nil.
func SelectStrategy(grid TileGrid, fit FitEngine, mosaic MosaicEngine) (FitStrategy, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if grid.IsSingle() {
		if fit == nil {
			return nil, invalidf("selecting fit strategy", "grid %s needs a whole-image engine", grid)
		}
		return WholeImage{Engine: fit}, nil
	}
	if mosaic == nil {
		return nil, invalidf("selecting fit strategy", "grid %s needs a mosaic engine", grid)
	}
	return Tiled{Engine: mosaic, Grid: grid}, nil
}
