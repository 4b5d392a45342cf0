/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package photprep

import (
	"math"
)

// KappaSigmaResult holds noise estimation results.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

// MatFromFloat64 copies row-major physical pixel values into a float32 Mat.
func MatFromFloat64(pixels []float64, width, height int) Mat {
	data := NewMatWithSize(height, width)
	dest := data.DataFloat32()
	numPixels := width * height
	for i := 0; i < numPixels; i++ {
		dest[i] = float32(pixels[i])
	}
	return data
}

// MatFromFloat32 copies row-major float32 values into a new Mat.
func MatFromFloat32(values []float32, width, height int) Mat {
	data := NewMatWithSize(height, width)
	copy(data.DataFloat32(), values[:width*height])
	return data
}

// FilledMat returns a rows x cols Mat with every pixel set to v.
func FilledMat(rows, cols int, v float32) Mat {
	m := NewMatWithSize(rows, cols)
	data := m.DataFloat32()
	for i := 0; i < rows*cols; i++ {
		data[i] = v
	}
	return m
}

func sameShape(a, b Mat) bool {
	return a.Rows() == b.Rows() && a.Cols() == b.Cols()
}

// ConvolveGaussian applies a separated Gaussian convolution.
func ConvolveGaussian(src, dst *Mat, kernelSize int) {
	if kernelSize < 3 || kernelSize%2 == 0 {
		panic("kernelSize must be a positive odd number >= 3")
	}
	sigma := 0.159758 * float64(kernelSize)
	kernel := getGaussianKernel1D(kernelSize, sigma)
	defer kernel.Close()
	sepFilter2DReflect(*src, dst, kernel, kernel)
}

// SumMat returns the float64 sum of all pixels.
func SumMat(m Mat) float64 {
	data := m.DataFloat32()
	n := m.Rows() * m.Cols()
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(data[i])
	}
	return sum
}

// ClampMinInPlace raises every value below lo to lo.
func ClampMinInPlace(src *Mat, lo float32) {
	data := src.DataFloat32()
	n := src.Rows() * src.Cols()
	for i := 0; i < n; i++ {
		if data[i] < lo {
			data[i] = lo
		}
	}
}

// ScaleInPlace multiplies every pixel by s.
func ScaleInPlace(src *Mat, s float64) {
	data := src.DataFloat32()
	n := src.Rows() * src.Cols()
	for i := 0; i < n; i++ {
		data[i] = float32(float64(data[i]) * s)
	}
}

// BilinearSamplePixelValue samples a pixel value using bilinear interpolation.
// Coordinates outside [0, rows-1] x [0, cols-1] sample as 0.
func BilinearSamplePixelValue(img Mat, y, x float64) float64 {
	rows, cols := img.Rows(), img.Cols()
	if y < 0 || x < 0 || y > float64(rows-1) || x > float64(cols-1) {
		return 0
	}
	y0 := int(math.Floor(y))
	y1 := y0 + 1
	if y1 > rows-1 {
		y1 = rows - 1
	}
	x0 := int(math.Floor(x))
	x1 := x0 + 1
	if x1 > cols-1 {
		x1 = cols - 1
	}
	yRatio := y - float64(y0)
	xRatio := x - float64(x0)

	data := img.DataFloat32()
	p00 := float64(data[y0*cols+x0])
	p01 := float64(data[y0*cols+x1])
	p10 := float64(data[y1*cols+x0])
	p11 := float64(data[y1*cols+x1])
	interpolatedX0 := p00 + xRatio*(p01-p00)
	interpolatedX1 := p10 + xRatio*(p11-p10)
	return interpolatedX0 + yRatio*(interpolatedX1-interpolatedX0)
}

// KappaSigmaNoiseEstimate performs iterative kappa-sigma noise estimation.
// Pixels where mask is zero are ignored when mask is non-empty.
func KappaSigmaNoiseEstimate(img Mat, mask Mat, clippingMultiplier float64, allowedError float64, maxIterations int) KappaSigmaResult {
	rangeMask := NewMat()
	defer rangeMask.Close()

	lower := float32(-math.MaxFloat32)
	upper := float32(math.MaxFloat32)
	lastSigma := 1.0
	lastBackgroundMean := 0.0
	numIterations := 0

	var excluded Mat
	if !mask.Empty() {
		excluded = invertMask(mask)
		defer excluded.Close()
	}

	for numIterations < maxIterations {
		inRangeScalar(img, lower, upper, &rangeMask)
		if !mask.Empty() {
			zeroWhereMask(&rangeMask, excluded)
		}
		meanVal, sigmaVal, n := meanStdDevWithMask(img, rangeMask)
		if n == 0 {
			// clipped everything away, keep the previous estimate
			break
		}

		numIterations++
		if numIterations > 1 && math.Abs(sigmaVal-lastSigma) <= allowedError {
			lastSigma = sigmaVal
			lastBackgroundMean = meanVal
			break
		}
		lower = float32(meanVal - clippingMultiplier*sigmaVal)
		upper = float32(meanVal + clippingMultiplier*sigmaVal)
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
	}
}

func invertMask(mask Mat) Mat {
	out := NewMatWithSize(mask.Rows(), mask.Cols())
	src, dst := mask.DataFloat32(), out.DataFloat32()
	for i := 0; i < mask.Rows()*mask.Cols(); i++ {
		if src[i] == 0 {
			dst[i] = 1
		}
	}
	return out
}

// meanStdDevWithMask computes mean and stddev of pixels where mask is non-zero,
// and how many pixels contributed.
func meanStdDevWithMask(img Mat, mask Mat) (float64, float64, int64) {
	imgData := img.DataFloat32()
	maskData := mask.DataFloat32()
	numPixels := img.Rows() * img.Cols()

	var sum float64
	var count int64
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			sum += float64(imgData[i])
			count++
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	mean := sum / float64(count)

	var sse float64
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			diff := float64(imgData[i]) - mean
			sse += diff * diff
		}
	}
	return mean, math.Sqrt(sse / float64(count)), count
}
