// Package fitengine holds reference implementations of the photprep fitting
// engine contracts: a single-pass PSF photometry engine and a mosaic wrapper
// that fits sections of the image concurrently.
package fitengine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"photprep/pkg/photprep"
)

// Layer positions produced by Simple.
const (
	LayerModel = iota
	LayerSky
	LayerResidual
)

// LayerNames describes the layers of a Simple result, in order.
var LayerNames = []string{"model", "sky", "residual"}

// Params tune detection and photometry.
type Params struct {
	// Sensitivity is the detection threshold in units of the smoothed sky noise.
	Sensitivity float64
	// SmoothingSize is the Gaussian kernel applied before peak finding.
	SmoothingSize int
	// ClippingMultiplier is the kappa of the kappa-sigma sky estimate.
	ClippingMultiplier float64
	MaxSources         int
	// FluxSweeps is the number of Gauss-Seidel passes over all sources.
	FluxSweeps int
	// RefitSources caps how many bright sources feed a PSF refit.
	RefitSources int
}

// DefaultParams returns the parameters used by the CLI.
func DefaultParams() Params {
	return Params{
		Sensitivity:        5,
		SmoothingSize:      3,
		ClippingMultiplier: 3,
		MaxSources:         1000,
		FluxSweeps:         2,
		RefitSources:       25,
	}
}

// Simple detects peaks and fits their fluxes against a fixed PSF on a flat sky.
type Simple struct {
	Params Params
}

// NewSimple returns an engine with DefaultParams.
func NewSimple() *Simple { return &Simple{Params: DefaultParams()} }

// source is a detection plus its cached PSF footprint.
type source struct {
	x, y      float64
	peak      float64
	flux      float64
	footprint image.Rectangle
	profile   []float64
}

// Fit implements photprep.FitEngine. Layers are model, sky and residual.
func (e *Simple) Fit(ctx context.Context, img photprep.Mat, psf photprep.PSF, weight photprep.Mat, flags photprep.FlagMap, opts photprep.FitOptions) (photprep.FitResult, error) {
	rows, cols := img.Rows(), img.Cols()
	if img.Empty() {
		return photprep.FitResult{}, errors.New("simple engine: empty image")
	}
	if weight.Rows() != rows || weight.Cols() != cols {
		return photprep.FitResult{}, fmt.Errorf("simple engine: weight is %dx%d, image is %dx%d", weight.Cols(), weight.Rows(), cols, rows)
	}
	if psf == nil {
		return photprep.FitResult{}, errors.New("simple engine: no PSF")
	}
	p := e.Params
	logger := engineLogger(opts)

	wd := weight.DataFloat32()
	usable := photprep.NewMatWithSize(rows, cols)
	defer usable.Close()
	ud := usable.DataFloat32()
	for i := range ud[:rows*cols] {
		if wd[i] > 0 {
			ud[i] = 1
		}
	}

	sky := photprep.KappaSigmaNoiseEstimate(img, usable, p.ClippingMultiplier, 1e-5, 10)
	logger.Debug().Float64("sky", sky.BackgroundMean).Float64("sigma", sky.Sigma).Int("iterations", sky.NumIterations).Msg("sky estimated")

	sources, err := e.detect(ctx, img, weight, flags, sky.BackgroundMean)
	if err != nil {
		return photprep.FitResult{}, err
	}
	logger.Debug().Int("sources", len(sources)).Msg("peaks detected")

	model := make([]float64, rows*cols)
	if err := e.fitFluxes(ctx, img, weight, psf, sources, sky.BackgroundMean, model); err != nil {
		return photprep.FitResult{}, err
	}

	if opts.RefitPSF && len(sources) > 0 {
		refit, rerr := e.refit(img, weight, psf, sources, sky.BackgroundMean)
		if rerr != nil {
			logger.Warn().Err(rerr).Msg("PSF refit failed, keeping input PSF")
		} else {
			logger.Debug().Str("kind", refit.Kind().String()).Msg("PSF refit, fitting fluxes again")
			for i := range model {
				model[i] = 0
			}
			for _, s := range sources {
				s.flux = 0
			}
			if err := e.fitFluxes(ctx, img, weight, refit, sources, sky.BackgroundMean, model); err != nil {
				return photprep.FitResult{}, err
			}
		}
	}

	res := photprep.FitResult{}
	res.Layers[LayerModel] = photprep.NewMatWithSize(rows, cols)
	res.Layers[LayerSky] = photprep.FilledMat(rows, cols, float32(sky.BackgroundMean))
	res.Layers[LayerResidual] = photprep.NewMatWithSize(rows, cols)
	md := res.Layers[LayerModel].DataFloat32()
	rd := res.Layers[LayerResidual].DataFloat32()
	id := img.DataFloat32()
	for i := 0; i < rows*cols; i++ {
		m := sky.BackgroundMean + model[i]
		md[i] = float32(m)
		rd[i] = float32(float64(id[i]) - m)
	}
	for _, s := range sources {
		res.Sources = append(res.Sources, photprep.Source{X: s.x, Y: s.y, Flux: s.flux, Peak: s.peak})
	}
	logger.Info().Int("sources", len(res.Sources)).Msg("simple fit done")
	return res, nil
}

func engineLogger(opts photprep.FitOptions) zerolog.Logger {
	l := log.With().Str("engine", "simple").Logger()
	if opts.Verbose {
		return l.Level(zerolog.DebugLevel)
	}
	return l
}

// detect finds local maxima of the smoothed image that rise Sensitivity sigma
// above the sky. Pixels with zero weight or any flag bit set never seed a source.
func (e *Simple) detect(ctx context.Context, img, weight photprep.Mat, flags photprep.FlagMap, sky float64) ([]*source, error) {
	rows, cols := img.Rows(), img.Cols()
	p := e.Params

	smoothed := photprep.NewMat()
	defer smoothed.Close()
	src := img
	photprep.ConvolveGaussian(&src, &smoothed, p.SmoothingSize)

	noMask := photprep.NewMat()
	defer noMask.Close()
	noise := photprep.KappaSigmaNoiseEstimate(smoothed, noMask, p.ClippingMultiplier, 1e-5, 10)
	// noise-free frames still need a margin above float rounding of the sky
	sigma := math.Max(noise.Sigma, 1e-3*math.Abs(noise.BackgroundMean)+1e-6)
	threshold := noise.BackgroundMean + p.Sensitivity*sigma

	sd := smoothed.DataFloat32()
	wd := weight.DataFloat32()
	id := img.DataFloat32()
	var found []*source
	for y := 0; y < rows; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < cols; x++ {
			i := y*cols + x
			v := sd[i]
			if float64(v) <= threshold || wd[i] == 0 {
				continue
			}
			if !flags.Empty() && flags.At(y, x) != 0 {
				continue
			}
			if !isLocalMax(sd, cols, rows, x, y) {
				continue
			}
			cx, cy := centroid(id, wd, cols, rows, x, y, sky)
			found = append(found, &source{x: cx, y: cy, peak: float64(id[i]) - sky})
		}
	}

	sort.SliceStable(found, func(a, b int) bool { return found[a].peak > found[b].peak })
	if p.MaxSources > 0 && len(found) > p.MaxSources {
		found = found[:p.MaxSources]
	}
	return found, nil
}

// isLocalMax reports whether (x, y) is the maximum of its 3x3 neighbourhood.
// Ties go to the first pixel in row-major order.
func isLocalMax(data []float32, cols, rows, x, y int) bool {
	v := data[y*cols+x]
	for yy := max(0, y-1); yy <= min(rows-1, y+1); yy++ {
		for xx := max(0, x-1); xx <= min(cols-1, x+1); xx++ {
			if xx == x && yy == y {
				continue
			}
			n := data[yy*cols+xx]
			before := yy < y || (yy == y && xx < x)
			if n > v || (before && n == v) {
				return false
			}
		}
	}
	return true
}

// centroid returns the first moment of the sky-subtracted usable pixels in the
// 3x3 box around (x, y).
func centroid(data, weight []float32, cols, rows, x, y int, sky float64) (float64, float64) {
	var sx, sy, sum float64
	for yy := max(0, y-1); yy <= min(rows-1, y+1); yy++ {
		for xx := max(0, x-1); xx <= min(cols-1, x+1); xx++ {
			i := yy*cols + xx
			v := float64(data[i]) - sky
			if v <= 0 || weight[i] == 0 {
				continue
			}
			sx += v * float64(xx)
			sy += v * float64(yy)
			sum += v
		}
	}
	if sum == 0 {
		return float64(x), float64(y)
	}
	return sx / sum, sy / sum
}

// fitFluxes solves the weighted linear least-squares flux of every source with
// Gauss-Seidel sweeps. model receives the sum of all scaled profiles.
func (e *Simple) fitFluxes(ctx context.Context, img, weight photprep.Mat, psf photprep.PSF, sources []*source, sky float64, model []float64) error {
	rows, cols := img.Rows(), img.Cols()
	prows, pcols := psf.Size()
	bounds := image.Rect(0, 0, cols, rows)
	for _, s := range sources {
		cx, cy := int(math.Round(s.x)), int(math.Round(s.y))
		s.footprint = image.Rect(cx-pcols/2, cy-prows/2, cx+pcols/2+1, cy+prows/2+1).Intersect(bounds)
		s.profile = make([]float64, 0, s.footprint.Dx()*s.footprint.Dy())
		for y := s.footprint.Min.Y; y < s.footprint.Max.Y; y++ {
			for x := s.footprint.Min.X; x < s.footprint.Max.X; x++ {
				s.profile = append(s.profile, psf.Evaluate(float64(x)-s.x, float64(y)-s.y))
			}
		}
	}

	id := img.DataFloat32()
	wd := weight.DataFloat32()
	for sweep := 0; sweep < max(1, e.Params.FluxSweeps); sweep++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, s := range sources {
			var num, den float64
			k := 0
			for y := s.footprint.Min.Y; y < s.footprint.Max.Y; y++ {
				for x := s.footprint.Min.X; x < s.footprint.Max.X; x++ {
					i := y*cols + x
					pv := s.profile[k]
					k++
					w2 := float64(wd[i]) * float64(wd[i])
					if w2 == 0 || pv == 0 {
						continue
					}
					r := float64(id[i]) - sky - (model[i] - s.flux*pv)
					num += w2 * pv * r
					den += w2 * pv * pv
				}
			}
			newFlux := 0.0
			if den > 0 {
				newFlux = num / den
			}
			delta := newFlux - s.flux
			k = 0
			for y := s.footprint.Min.Y; y < s.footprint.Max.Y; y++ {
				for x := s.footprint.Min.X; x < s.footprint.Max.X; x++ {
					model[y*cols+x] += delta * s.profile[k]
					k++
				}
			}
			s.flux = newFlux
		}
	}
	return nil
}

// refit cuts PSF-sized stamps around the brightest sources that lie fully
// inside the image and carry no zero-weight pixels, then refines psf from them.
func (e *Simple) refit(img, weight photprep.Mat, psf photprep.PSF, sources []*source, sky float64) (photprep.PSF, error) {
	rows, cols := img.Rows(), img.Cols()
	prows, pcols := psf.Size()
	wd := weight.DataFloat32()

	var samples []photprep.PSFSample
	defer func() {
		for i := range samples {
			samples[i].Cutout.Close()
		}
	}()

	for _, s := range sources {
		if len(samples) >= e.Params.RefitSources {
			break
		}
		if !(s.flux > 0) {
			continue
		}
		cx, cy := int(math.Round(s.x)), int(math.Round(s.y))
		r := image.Rect(cx-pcols/2, cy-prows/2, cx+pcols/2+1, cy+prows/2+1)
		if !r.In(image.Rect(0, 0, cols, rows)) || !allWeighted(wd, cols, r) {
			continue
		}
		view := img.Region(r)
		cut := view.Clone()
		view.Close()
		cd := cut.DataFloat32()
		for i := range cd[:r.Dx()*r.Dy()] {
			cd[i] -= float32(sky)
		}
		samples = append(samples, photprep.PSFSample{Cutout: cut, DX: s.x - float64(cx), DY: s.y - float64(cy), Flux: s.flux})
	}
	if len(samples) == 0 {
		return nil, errors.New("no isolated unmasked sources to refit from")
	}
	return photprep.RefitPSF(psf, samples)
}

func allWeighted(wd []float32, cols int, r image.Rectangle) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if wd[y*cols+x] == 0 {
				return false
			}
		}
	}
	return true
}
