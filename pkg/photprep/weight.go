package photprep

import (
	"math"
)

// DeriveWeight converts an inverse-variance map into per-pixel fit weights,
// sqrt(ivar), and forces the weight to exactly zero under the saturation mask.
// ivar is not modified.
func DeriveWeight(ivar Mat, mask SaturationMask) (Mat, error) {
	if ivar.Empty() {
		return Mat{}, invalidf("deriving weight", "inverse variance is empty")
	}
	if mask.Rows() != ivar.Rows() || mask.Cols() != ivar.Cols() {
		return Mat{}, shapef("deriving weight", "mask is %dx%d, inverse variance is %dx%d",
			mask.Cols(), mask.Rows(), ivar.Cols(), ivar.Rows())
	}

	cols := ivar.Cols()
	data := ivar.DataFloat32()
	for i := 0; i < ivar.Rows()*cols; i++ {
		v := data[i]
		if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			return Mat{}, invalidf("deriving weight", "inverse variance %g at (x=%d, y=%d) is not a valid precision",
				v, i%cols, i/cols)
		}
	}

	weight := NewMat()
	matSqrt(ivar, &weight)
	if mask.hasBits {
		zeroWhereMask(&weight, mask.bits)
	}
	return weight, nil
}
