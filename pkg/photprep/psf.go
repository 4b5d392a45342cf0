package photprep

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"
)

// PSF is the fitting kernel handed to the engines.
type PSF interface {
	Kind() PSFKind
	// Evaluate returns the normalized PSF value at an offset (dx, dy) in pixels
	// from the PSF centre; 0 outside the support.
	Evaluate(dx, dy float64) float64
	// Stamp returns a unit-sum copy of the PSF sampled on its pixel grid.
	Stamp() Mat
	Size() (rows, cols int)
}

// StampProvenance identifies the file a stamp PSF was built from. Refits
// carry it forward so later stages know where the model came from.
type StampProvenance struct {
	Path   string
	Digest string // hex SHA-256 of the file bytes
}

func (p StampProvenance) String() string {
	if p.Digest == "" {
		return p.Path
	}
	return fmt.Sprintf("%s (sha256:%.12s)", p.Path, p.Digest)
}

// StampPSF is an empirical PSF: a non-negative, unit-sum image centred on
// its middle pixel.
type StampPSF struct {
	stamp      Mat
	Provenance StampProvenance
}

// NewStampPSF clips negative pixels to zero and normalizes the stamp to unit
// sum. The input is not modified.
func NewStampPSF(stamp Mat, prov StampProvenance) (*StampPSF, error) {
	if stamp.Empty() || stamp.Rows() < 3 || stamp.Cols() < 3 {
		return nil, invalidf("building stamp PSF", "stamp is degenerate (%dx%d)", stamp.Cols(), stamp.Rows())
	}
	s := stamp.Clone()
	ClampMinInPlace(&s, 0)
	sum := SumMat(s)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		s.Close()
		return nil, invalidf("building stamp PSF", "stamp sum %g cannot be normalized", sum)
	}
	ScaleInPlace(&s, 1/sum)
	return &StampPSF{stamp: s, Provenance: prov}, nil
}

func (p *StampPSF) Kind() PSFKind { return PSFKindStamp }

func (p *StampPSF) Evaluate(dx, dy float64) float64 {
	cy := float64(p.stamp.Rows()-1) / 2
	cx := float64(p.stamp.Cols()-1) / 2
	return BilinearSamplePixelValue(p.stamp, cy+dy, cx+dx)
}

func (p *StampPSF) Stamp() Mat { return p.stamp.Clone() }

func (p *StampPSF) Size() (int, int) { return p.stamp.Rows(), p.stamp.Cols() }

// ParametricPSF is a circular Moffat profile, I(r) = (1 + (r/alpha)^2)^-beta,
// with alpha derived from the FWHM.
type ParametricPSF struct {
	FWHM      float64
	Beta      float64
	StampSize int
	alpha     float64
	norm      float64
	stamp     Mat
}

// NewParametricPSF renders a unit-sum Moffat profile on a size x size grid.
func NewParametricPSF(fwhm, beta float64, size int) (*ParametricPSF, error) {
	if !(fwhm > 0) || math.IsInf(fwhm, 0) {
		return nil, invalidf("building Moffat PSF", "fwhm must be positive, got %g", fwhm)
	}
	if !(beta > 1) || math.IsInf(beta, 0) {
		return nil, invalidf("building Moffat PSF", "beta must exceed 1, got %g", beta)
	}
	if size < 3 || size%2 == 0 {
		return nil, invalidf("building Moffat PSF", "stamp size must be odd and >= 3, got %d", size)
	}

	p := &ParametricPSF{
		FWHM:      fwhm,
		Beta:      beta,
		StampSize: size,
		alpha:     moffatAlpha(fwhm, beta),
		norm:      1,
	}
	stamp := NewMatWithSize(size, size)
	data := stamp.DataFloat32()
	half := size / 2
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := p.profile(float64(x-half), float64(y-half))
			data[y*size+x] = float32(v)
			sum += v
		}
	}
	p.norm = sum
	ScaleInPlace(&stamp, 1/sum)
	p.stamp = stamp
	return p, nil
}

func moffatAlpha(fwhm, beta float64) float64 {
	return fwhm / (2 * math.Sqrt(math.Pow(2, 1/beta)-1))
}

func moffatFWHM(alpha, beta float64) float64 {
	return 2 * alpha * math.Sqrt(math.Pow(2, 1/beta)-1)
}

func (p *ParametricPSF) profile(dx, dy float64) float64 {
	r2 := (dx*dx + dy*dy) / (p.alpha * p.alpha)
	return math.Pow(1+r2, -p.Beta)
}

func (p *ParametricPSF) Kind() PSFKind { return PSFKindParametric }

func (p *ParametricPSF) Evaluate(dx, dy float64) float64 {
	half := float64(p.StampSize / 2)
	if math.Abs(dx) > half || math.Abs(dy) > half {
		return 0
	}
	return p.profile(dx, dy) / p.norm
}

func (p *ParametricPSF) Stamp() Mat { return p.stamp.Clone() }

func (p *ParametricPSF) Size() (int, int) { return p.StampSize, p.StampSize }

func (p *ParametricPSF) String() string {
	return fmt.Sprintf("Moffat{FWHM=%.3f, Beta=%.3f, Size=%d}", p.FWHM, p.Beta, p.StampSize)
}

// BuildPSF loads the stamp at stampPath, or falls back to the default Moffat
// profile when stampPath is empty.
func BuildPSF(stampPath string) (PSF, error) {
	if stampPath == "" {
		log.Info().
			Float64("fwhm", DefaultMoffatFWHM).
			Float64("beta", DefaultMoffatBeta).
			Msg("no PSF stamp supplied, using moffat")
		return NewParametricPSF(DefaultMoffatFWHM, DefaultMoffatBeta, DefaultMoffatStampSize)
	}

	raw, err := os.ReadFile(stampPath)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidInput, Op: "loading PSF stamp", Err: err}
	}
	data, err := ReadFitsFromBytes(raw)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidInput, Op: "loading PSF stamp " + stampPath, Err: err}
	}
	digest := sha256.Sum256(raw)

	stamp := MatFromFloat64(data.Pixels, data.Width, data.Height)
	defer stamp.Close()
	psf, err := NewStampPSF(stamp, StampProvenance{Path: stampPath, Digest: hex.EncodeToString(digest[:])})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("stamp", psf.Provenance.String()).Int("width", data.Width).Int("height", data.Height).Msg("PSF stamp loaded")
	return psf, nil
}
