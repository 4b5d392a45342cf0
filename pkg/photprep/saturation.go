package photprep

import (
	"math"
)

// SaturationMask marks pixels above the saturation limit and their
// SaturationDilationSize neighbourhood. The zero value is an all-false mask
// of unknown shape; use Rows/Cols from the mask returned by MaskSaturation.
type SaturationMask struct {
	bits    Mat // 1 where masked; only set when hasBits
	hasBits bool
	rows    int
	cols    int
}

func (s SaturationMask) Rows() int { return s.rows }
func (s SaturationMask) Cols() int { return s.cols }

// At reports whether the pixel at (row, col) is masked.
func (s SaturationMask) At(row, col int) bool {
	if !s.hasBits {
		return false
	}
	return s.bits.DataFloat32()[row*s.cols+col] != 0
}

// Count returns the number of masked pixels.
func (s SaturationMask) Count() int {
	if !s.hasBits {
		return 0
	}
	return countNonZero(s.bits)
}

// Any reports whether at least one pixel is masked.
func (s SaturationMask) Any() bool { return s.Count() > 0 }

func (s *SaturationMask) Close() {
	if s.hasBits {
		s.bits.Close()
		s.hasBits = false
	}
}

// MaskSaturation flags pixels brighter than limit and grows the flagged set
// once by a SaturationDilationSize square. A non-finite limit disables masking
// and returns an all-false mask without touching the pixels.
func MaskSaturation(img Mat, limit float64) (SaturationMask, error) {
	if math.IsInf(limit, 0) || math.IsNaN(limit) {
		return SaturationMask{rows: img.Rows(), cols: img.Cols()}, nil
	}
	if img.Empty() {
		return SaturationMask{}, shapef("masking saturation", "finite limit %g given without an image", limit)
	}

	raw := NewMat()
	defer raw.Close()
	thresholdGreater(img, &raw, float32Floor(limit))

	if countNonZero(raw) == 0 {
		return SaturationMask{rows: img.Rows(), cols: img.Cols()}, nil
	}

	grown := NewMat()
	morphDilateRect(raw, &grown, SaturationDilationSize)
	return SaturationMask{bits: grown, hasBits: true, rows: img.Rows(), cols: img.Cols()}, nil
}

// float32Floor returns the largest float32 not above v. For any float32 pixel
// p, p > v exactly when p > float32Floor(v), so both Mat backends can compare
// in float32 without disagreeing on limits float32 cannot hold.
func float32Floor(v float64) float32 {
	switch {
	case v >= math.MaxFloat32:
		return math.MaxFloat32
	case v < -math.MaxFloat32:
		return float32(math.Inf(-1))
	}
	f := float32(v)
	if float64(f) > v {
		f = math.Nextafter32(f, float32(math.Inf(-1)))
	}
	return f
}
