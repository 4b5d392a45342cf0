package photprep

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// stampPriorWeight is how many sources the base stamp counts for when a
// refit blends it with the stacked samples.
const stampPriorWeight = 5.0

// minMoffatRSquared rejects Moffat refits that explain too little of the stack.
const minMoffatRSquared = 0.5

// PSFSample is one isolated source used to refine the PSF. Cutout is centred
// on the source's nearest pixel; DX and DY give the true centre relative to
// the cutout centre. Flux must be positive.
type PSFSample struct {
	Cutout Mat
	DX     float64
	DY     float64
	Flux   float64
}

// RefitPSF refines psf from samples. The result has the same variant as psf;
// a stamp PSF keeps its provenance. psf is not modified.
func RefitPSF(psf PSF, samples []PSFSample) (PSF, error) {
	switch p := psf.(type) {
	case *StampPSF:
		stamp := p.Stamp()
		defer stamp.Close()
		return RefitStamp(p.Provenance, stamp, samples)
	case *ParametricPSF:
		return RefitMoffat(p, samples)
	case nil:
		return nil, invalidf("refitting PSF", "no PSF given")
	default:
		return nil, invalidf("refitting PSF", "unsupported PSF type %T", psf)
	}
}

// RefitStamp stacks the samples on the grid of base, blends the stack with
// base and returns a new stamp PSF carrying prov.
func RefitStamp(prov StampProvenance, base Mat, samples []PSFSample) (*StampPSF, error) {
	stack, n, err := stackSamples(base.Rows(), base.Cols(), samples)
	if err != nil {
		return nil, err
	}
	defer stack.Close()

	blended := base.Clone()
	defer blended.Close()
	ScaleInPlace(&blended, 1/SumMat(base))

	bd := blended.DataFloat32()
	sd := stack.DataFloat32()
	w := float64(n)
	for i := range sd[:base.Rows()*base.Cols()] {
		bd[i] = float32((stampPriorWeight*float64(bd[i]) + w*float64(sd[i])) / (stampPriorWeight + w))
	}

	psf, err := NewStampPSF(blended, prov)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("stamp", prov.String()).Int("samples", n).Msg("stamp PSF refit")
	return psf, nil
}

// RefitMoffat fits FWHM and beta to the stacked samples, starting from base.
func RefitMoffat(base *ParametricPSF, samples []PSFSample) (*ParametricPSF, error) {
	if base == nil {
		return nil, invalidf("refitting Moffat PSF", "no base profile given")
	}
	stack, n, err := stackSamples(base.StampSize, base.StampSize, samples)
	if err != nil {
		return nil, err
	}
	defer stack.Close()

	fit, ok := fitMoffatStamp(stack, base.alpha, base.Beta)
	if !ok || fit.RSquared < minMoffatRSquared {
		return nil, invalidf("refitting Moffat PSF", "stack of %d sources does not constrain a Moffat profile (R²=%.3f)", n, fit.RSquared)
	}

	psf, err := NewParametricPSF(moffatFWHM(fit.Alpha, fit.Beta), fit.Beta, base.StampSize)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("samples", n).
		Float64("fwhm", psf.FWHM).
		Float64("beta", psf.Beta).
		Float64("r2", fit.RSquared).
		Msg("Moffat PSF refit")
	return psf, nil
}

// stackSamples resamples every cutout onto a rows x cols grid centred on the
// source, scales it to unit flux and averages the result weighted by flux.
func stackSamples(rows, cols int, samples []PSFSample) (Mat, int, error) {
	if len(samples) == 0 {
		return Mat{}, 0, invalidf("stacking PSF samples", "no samples given")
	}

	stack := NewMatWithSize(rows, cols)
	acc := make([]float64, rows*cols)
	half := [2]float64{float64(rows-1) / 2, float64(cols-1) / 2}
	var totalFlux float64

	for i, s := range samples {
		if s.Cutout.Empty() {
			stack.Close()
			return Mat{}, 0, invalidf("stacking PSF samples", "sample %d has no cutout", i)
		}
		if !(s.Flux > 0) || math.IsInf(s.Flux, 0) {
			stack.Close()
			return Mat{}, 0, invalidf("stacking PSF samples", "sample %d flux %g is not positive", i, s.Flux)
		}
		if s.Cutout.Rows() < rows || s.Cutout.Cols() < cols {
			stack.Close()
			return Mat{}, 0, shapef("stacking PSF samples",
				"sample %d cutout is %dx%d, need at least %dx%d", i, s.Cutout.Cols(), s.Cutout.Rows(), cols, rows)
		}

		cy := float64(s.Cutout.Rows()-1)/2 + s.DY
		cx := float64(s.Cutout.Cols()-1)/2 + s.DX
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				v := BilinearSamplePixelValue(s.Cutout, cy+float64(y)-half[0], cx+float64(x)-half[1])
				// v/Flux weighted by Flux
				acc[y*cols+x] += v
			}
		}
		totalFlux += s.Flux
	}

	data := stack.DataFloat32()
	for i, v := range acc {
		data[i] = float32(v / totalFlux)
	}
	return stack, len(samples), nil
}

func (p *StampPSF) String() string {
	rows, cols := p.Size()
	return fmt.Sprintf("Stamp{%dx%d, %s}", cols, rows, p.Provenance)
}
