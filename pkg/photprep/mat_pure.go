//go:build !gocv || js

package photprep

import (
	"image"
	"math"
)

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data    []float32
	rows    int
	cols    int
	stride  int // elements per row in backing array (may differ from cols for sub-matrices)
	dataOff int // offset into data for sub-matrices
	owned   bool
}

func NewMat() Mat { return Mat{} }

// NewMatWithSize returns a zero-filled rows x cols matrix.
func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data:   make([]float32, rows*cols),
		rows:   rows,
		cols:   cols,
		stride: cols,
		owned:  true,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m Mat) Clone() Mat {
	newData := make([]float32, m.rows*m.cols)
	for r := 0; r < m.rows; r++ {
		srcOff := m.dataOff + r*m.stride
		copy(newData[r*m.cols:], m.data[srcOff:srcOff+m.cols])
	}
	return Mat{data: newData, rows: m.rows, cols: m.cols, stride: m.cols, owned: true}
}

func (m *Mat) Close() {
	if m.owned {
		m.data = nil
	}
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (m Mat) DataFloat32() []float32 {
	return m.data[m.dataOff:]
}

func (m Mat) Region(r image.Rectangle) Mat {
	return Mat{
		data:    m.data,
		rows:    r.Dy(),
		cols:    r.Dx(),
		stride:  m.stride,
		dataOff: m.dataOff + r.Min.Y*m.stride + r.Min.X,
		owned:   false,
	}
}

// CopyMatTo copies src into dst, reallocating dst when the shapes differ.
// dst may be a Region of a larger matrix.
func CopyMatTo(src Mat, dst *Mat) {
	if dst.rows != src.rows || dst.cols != src.cols || dst.data == nil {
		*dst = NewMatWithSize(src.rows, src.cols)
	}
	for r := 0; r < src.rows; r++ {
		srcOff := src.dataOff + r*src.stride
		dstOff := dst.dataOff + r*dst.stride
		copy(dst.data[dstOff:dstOff+src.cols], src.data[srcOff:srcOff+src.cols])
	}
}

// --- Pure Go CV operations ---

func reflectIndex(idx, size int) int {
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

func ensureShape(dst *Mat, rows, cols int) {
	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	srcData := src.DataFloat32()
	kx := kernelX.DataFloat32()
	ky := kernelY.DataFloat32()
	kxLen := kernelX.rows * kernelX.cols
	kyLen := kernelY.rows * kernelY.cols
	kxHalf := kxLen / 2
	kyHalf := kyLen / 2

	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := 0; k < kxLen; k++ {
				cc := c + k - kxHalf
				if cc < 0 || cc >= cols {
					cc = reflectIndex(cc, cols)
				}
				sum += srcData[rowOff+cc] * kx[k]
			}
			temp[rowOff+c] = sum
		}
	}

	ensureShape(dst, rows, cols)
	dstData := dst.DataFloat32()
	rowOffs := make([]int, kyLen)
	for r := 0; r < rows; r++ {
		for k := 0; k < kyLen; k++ {
			rr := r + k - kyHalf
			if rr < 0 || rr >= rows {
				rr = reflectIndex(rr, rows)
			}
			rowOffs[k] = rr * cols
		}
		dstOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := 0; k < kyLen; k++ {
				sum += temp[rowOffs[k]+c] * ky[k]
			}
			dstData[dstOff+c] = sum
		}
	}
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	data := m.DataFloat32()
	half := size / 2
	sum := 0.0
	for i := 0; i < size; i++ {
		x := float64(i - half)
		val := math.Exp(-x * x / (2 * sigma * sigma))
		data[i] = float32(val)
		sum += val
	}
	for i := range data[:size] {
		data[i] = float32(float64(data[i]) / sum)
	}
	return m
}

// thresholdGreater writes 1 where src > thresh and 0 elsewhere.
func thresholdGreater(src Mat, dst *Mat, thresh float32) {
	n := src.rows * src.cols
	sd := src.DataFloat32()
	ensureShape(dst, src.rows, src.cols)
	dd := dst.DataFloat32()
	for i := 0; i < n; i++ {
		if sd[i] > thresh {
			dd[i] = 1
		} else {
			dd[i] = 0
		}
	}
}

func countNonZero(src Mat) int {
	data := src.DataFloat32()
	n := src.rows * src.cols
	count := 0
	for i := 0; i < n; i++ {
		if data[i] != 0 {
			count++
		}
	}
	return count
}

// morphDilateRect grows non-zero pixels by a kernelSize x kernelSize square.
// Pixels outside the image never contribute.
func morphDilateRect(src Mat, dst *Mat, kernelSize int) {
	rows, cols := src.rows, src.cols
	half := kernelSize / 2
	sd := src.DataFloat32()

	// Separable: a square max filter is a row pass followed by a column pass.
	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		off := r * cols
		for c := 0; c < cols; c++ {
			maxVal := sd[off+c]
			for cc := max(0, c-half); cc <= min(cols-1, c+half); cc++ {
				if v := sd[off+cc]; v > maxVal {
					maxVal = v
				}
			}
			temp[off+c] = maxVal
		}
	}

	ensureShape(dst, rows, cols)
	dd := dst.DataFloat32()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			maxVal := temp[r*cols+c]
			for rr := max(0, r-half); rr <= min(rows-1, r+half); rr++ {
				if v := temp[rr*cols+c]; v > maxVal {
					maxVal = v
				}
			}
			dd[r*cols+c] = maxVal
		}
	}
}

// matSqrt writes the elementwise square root of src into dst.
func matSqrt(src Mat, dst *Mat) {
	n := src.rows * src.cols
	sd := src.DataFloat32()
	ensureShape(dst, src.rows, src.cols)
	dd := dst.DataFloat32()
	for i := 0; i < n; i++ {
		dd[i] = float32(math.Sqrt(float64(sd[i])))
	}
}

// zeroWhereMask sets dst to 0 wherever mask is non-zero.
func zeroWhereMask(dst *Mat, mask Mat) {
	n := dst.rows * dst.cols
	dd, md := dst.DataFloat32(), mask.DataFloat32()
	for i := 0; i < n; i++ {
		if md[i] != 0 {
			dd[i] = 0
		}
	}
}

func inRangeScalar(src Mat, lower, upper float32, dst *Mat) {
	n := src.rows * src.cols
	sd := src.DataFloat32()
	ensureShape(dst, src.rows, src.cols)
	dd := dst.DataFloat32()
	for i := 0; i < n; i++ {
		if sd[i] >= lower && sd[i] <= upper {
			dd[i] = 1.0
		} else {
			dd[i] = 0
		}
	}
}
