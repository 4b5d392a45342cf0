//go:build gocv && !js

package photprep

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat { return Mat{m: gocv.NewMat()} }

// NewMatWithSize returns a zero-filled rows x cols matrix.
func NewMatWithSize(rows, cols int) Mat {
	return Mat{m: gocv.Zeros(rows, cols, gocv.MatTypeCV32F)}
}

func (mat Mat) Rows() int                    { return mat.m.Rows() }
func (mat Mat) Cols() int                    { return mat.m.Cols() }
func (mat Mat) Empty() bool                  { return mat.m.Empty() }
func (mat Mat) Clone() Mat                   { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close()                      { mat.m.Close() }
func (mat Mat) Region(r image.Rectangle) Mat { return Mat{m: mat.m.Region(r)} }

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// CopyMatTo copies src into dst. dst may be a Region of a larger matrix.
func CopyMatTo(src Mat, dst *Mat) {
	src.m.CopyTo(&dst.m)
}

// --- CV operations ---

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderReflect)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	k := gocv.GetGaussianKernel(size, sigma)
	defer k.Close()
	out := gocv.NewMat()
	k.ConvertTo(&out, gocv.MatTypeCV32F)
	return Mat{m: out}
}

// thresholdGreater writes 1 where src > thresh and 0 elsewhere. The comparison
// is in float32, as in the pure backend.
func thresholdGreater(src Mat, dst *Mat, thresh float32) {
	gocv.Threshold(src.m, &dst.m, thresh, 1, gocv.ThresholdBinary)
}

func countNonZero(src Mat) int {
	return gocv.CountNonZero(src.m)
}

// morphDilateRect grows non-zero pixels by a kernelSize x kernelSize square.
// The default constant border never contributes to the maximum.
func morphDilateRect(src Mat, dst *Mat, kernelSize int) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()
	gocv.Dilate(src.m, &dst.m, kernel)
}

// matSqrt writes the elementwise square root of src into dst.
func matSqrt(src Mat, dst *Mat) {
	gocv.Sqrt(src.m, &dst.m)
}

// zeroWhereMask sets dst to 0 wherever mask is non-zero.
func zeroWhereMask(dst *Mat, mask Mat) {
	mask8 := gocv.NewMat()
	defer mask8.Close()
	mask.m.ConvertTo(&mask8, gocv.MatTypeCV8U)
	zeros := gocv.Zeros(dst.Rows(), dst.Cols(), gocv.MatTypeCV32F)
	defer zeros.Close()
	zeros.CopyToWithMask(&dst.m, mask8)
}

func inRangeScalar(src Mat, lower, upper float32, dst *Mat) {
	lo := gocv.NewMatFromScalar(gocv.NewScalar(float64(lower), 0, 0, 0), gocv.MatTypeCV32F)
	defer lo.Close()
	hi := gocv.NewMatFromScalar(gocv.NewScalar(float64(upper), 0, 0, 0), gocv.MatTypeCV32F)
	defer hi.Close()
	mask8 := gocv.NewMat()
	defer mask8.Close()
	gocv.InRange(src.m, lo, hi, &mask8)
	// InRange outputs CV_8U with 255; scale to 0/1 float so DataFloat32() works
	mask8.ConvertToWithParams(&dst.m, gocv.MatTypeCV32F, 1.0/255.0, 0)
}
