package photprep

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Run is the outcome of one Process call. Mask and Weight are the prepared
// inputs the engine saw; Sections summarize them per tile of the configured grid.
type Run struct {
	Result   FitResult
	Mask     SaturationMask
	Weight   Mat
	Sections []SectionStats
	Strategy string
	Grid     TileGrid
	PSF      PSF
	Elapsed  time.Duration
}

// Close releases the result layers, the mask and the weight map.
func (r *Run) Close() {
	if r == nil {
		return
	}
	r.Result.Close()
	r.Mask.Close()
	r.Weight.Close()
}

// Process masks saturation, derives weights and hands the exposure to
// strategy exactly once. The first failure stops the run; nothing is retried.
// exp is not modified.
func Process(ctx context.Context, exp Exposure, psf PSF, strategy FitStrategy, cfg Config) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	if psf == nil {
		return nil, invalidf("processing exposure", "no PSF given")
	}
	if strategy == nil {
		return nil, invalidf("processing exposure", "no fit strategy given")
	}
	start := time.Now()

	image := exp.Image
	if cfg.Debayer {
		lum, err := Debayer(exp.Image)
		if err != nil {
			return nil, err
		}
		defer lum.Close()
		image = lum
		log.Debug().Msg("science frame debayered to luminance")
	}

	mask, err := MaskSaturation(image, cfg.SatLimit)
	if err != nil {
		return nil, err
	}
	weight, err := DeriveWeight(exp.InverseVariance, mask)
	if err != nil {
		mask.Close()
		return nil, err
	}
	log.Debug().
		Float64("satlimit", cfg.SatLimit).
		Str("masked", humanize.Comma(int64(mask.Count()))).
		Msg("saturation mask applied")

	fail := func(err error) (*Run, error) {
		mask.Close()
		weight.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	log.Info().Str("strategy", strategy.Name()).Str("psf", psf.Kind().String()).Msg("fitting")
	res, err := strategy.Run(ctx, FitInput{
		Image:   image,
		PSF:     psf,
		Weight:  weight,
		Flags:   exp.Flags,
		Options: cfg.FitOptions(),
	})
	if err != nil {
		return fail(err)
	}
	for i, l := range res.Layers {
		if l.Empty() || !sameShape(l, image) {
			res.Close()
			return fail(shapef("checking fit result", "layer %d is %dx%d, image is %dx%d",
				i, l.Cols(), l.Rows(), image.Cols(), image.Rows()))
		}
	}

	run := &Run{
		Result:   res,
		Mask:     mask,
		Weight:   weight,
		Sections: AnalyzeSections(mask, weight, cfg.Tiles),
		Strategy: strategy.Name(),
		Grid:     cfg.Tiles,
		PSF:      psf,
		Elapsed:  time.Since(start),
	}
	log.Info().
		Int("sources", len(res.Sources)).
		Dur("elapsed", run.Elapsed).
		Msg("fit complete")
	return run, nil
}
