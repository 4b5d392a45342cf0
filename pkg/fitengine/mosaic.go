package fitengine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"photprep/pkg/photprep"
)

// DefaultOverlap is the padding, in pixels, added around each section so
// sources near a section edge are fit with their full profile.
const DefaultOverlap = 16

// Mosaic fits an image section by section with a whole-image engine and
// stitches the sections back together.
type Mosaic struct {
	Engine photprep.FitEngine
	// Overlap pads every section on all sides; only the unpadded core of each
	// section's result is kept.
	Overlap int
	// Workers bounds the number of sections fit at once. Zero means one per CPU.
	Workers int
}

// NewMosaic wraps engine with DefaultOverlap and one worker per CPU.
func NewMosaic(engine photprep.FitEngine) *Mosaic {
	return &Mosaic{Engine: engine, Overlap: DefaultOverlap}
}

// FitTiled implements photprep.MosaicEngine. The first section that fails
// cancels the others and its error is returned.
func (m *Mosaic) FitTiled(ctx context.Context, img photprep.Mat, psf photprep.PSF, ncols, nrows int, weight photprep.Mat, flags photprep.FlagMap, opts photprep.FitOptions) (photprep.FitResult, error) {
	if m.Engine == nil {
		return photprep.FitResult{}, errors.New("mosaic: no section engine")
	}
	rows, cols := img.Rows(), img.Cols()
	if ncols < 1 || nrows < 1 {
		return photprep.FitResult{}, fmt.Errorf("mosaic: grid %dx%d must be positive", ncols, nrows)
	}
	if ncols > cols || nrows > rows {
		return photprep.FitResult{}, fmt.Errorf("mosaic: grid %dx%d is finer than the %dx%d image", ncols, nrows, cols, rows)
	}
	if weight.Rows() != rows || weight.Cols() != cols {
		return photprep.FitResult{}, fmt.Errorf("mosaic: weight is %dx%d, image is %dx%d", weight.Cols(), weight.Rows(), cols, rows)
	}

	workers := m.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	overlap := max(m.Overlap, 0)
	full := image.Rect(0, 0, cols, rows)

	var out photprep.FitResult
	for i := range out.Layers {
		out.Layers[i] = photprep.NewMatWithSize(rows, cols)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for row := 0; row < nrows; row++ {
		for col := 0; col < ncols; col++ {
			row, col := row, col
			core := photprep.TileBounds(cols, rows, ncols, nrows, col, row)
			padded := core.Inset(-overlap).Intersect(full)
			g.Go(func() error {
				sources, err := m.fitSection(gctx, img, psf, weight, flags, opts, core, padded, &out)
				if err != nil {
					return fmt.Errorf("section %d,%d: %w", col, row, err)
				}
				mu.Lock()
				out.Sources = append(out.Sources, sources...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		out.Close()
		return photprep.FitResult{}, err
	}

	sort.Slice(out.Sources, func(i, j int) bool {
		if out.Sources[i].Y != out.Sources[j].Y {
			return out.Sources[i].Y < out.Sources[j].Y
		}
		return out.Sources[i].X < out.Sources[j].X
	})
	log.Debug().Int("sections", ncols*nrows).Int("sources", len(out.Sources)).Msg("mosaic stitched")
	return out, nil
}

// fitSection fits the padded section and copies its core into out. Sections
// write disjoint regions of out, so no locking is needed for the layers.
func (m *Mosaic) fitSection(ctx context.Context, img photprep.Mat, psf photprep.PSF, weight photprep.Mat, flags photprep.FlagMap, opts photprep.FitOptions, core, padded image.Rectangle, out *photprep.FitResult) ([]photprep.Source, error) {
	subImg := cloneRegion(img, padded)
	defer subImg.Close()
	subWeight := cloneRegion(weight, padded)
	defer subWeight.Close()
	var subFlags photprep.FlagMap
	if !flags.Empty() {
		subFlags = flags.Sub(padded.Min.X, padded.Min.Y, padded.Max.X, padded.Max.Y)
	}

	res, err := m.Engine.Fit(ctx, subImg, psf, subWeight, subFlags, opts)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	local := core.Sub(padded.Min)
	for i, layer := range res.Layers {
		if layer.Rows() != padded.Dy() || layer.Cols() != padded.Dx() {
			return nil, fmt.Errorf("layer %d is %dx%d, section is %dx%d", i, layer.Cols(), layer.Rows(), padded.Dx(), padded.Dy())
		}
		src := layer.Region(local)
		dst := out.Layers[i].Region(core)
		photprep.CopyMatTo(src, &dst)
		src.Close()
		dst.Close()
	}

	var kept []photprep.Source
	for _, s := range res.Sources {
		s.X += float64(padded.Min.X)
		s.Y += float64(padded.Min.Y)
		if inCore(s, core) {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

func cloneRegion(m photprep.Mat, r image.Rectangle) photprep.Mat {
	view := m.Region(r)
	defer view.Close()
	return view.Clone()
}

// inCore reports whether a source centre rounds to a pixel inside core.
func inCore(s photprep.Source, core image.Rectangle) bool {
	x := int(s.X + 0.5)
	y := int(s.Y + 0.5)
	return image.Pt(x, y).In(core)
}
