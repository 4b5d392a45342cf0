package photprep

// bayerColor returns the RGGB filter colour at (x, y): 0 red, 1 green, 2 blue.
//
//	(even row, even col) = R
//	(even row, odd  col) = G
//	(odd  row, even col) = G
//	(odd  row, odd  col) = B
func bayerColor(x, y int) int {
	switch {
	case y%2 == 0 && x%2 == 0:
		return 0
	case y%2 == 1 && x%2 == 1:
		return 2
	default:
		return 1
	}
}

// Debayer interpolates a raw RGGB frame bilinearly and returns its luminance,
// (R + G + B) / 3 per pixel. A channel a pixel does not sample is the mean of
// that channel's pixels in the surrounding 3x3 window; neighbours outside the
// frame are skipped. raw is not modified.
func Debayer(raw Mat) (Mat, error) {
	if raw.Empty() {
		return Mat{}, invalidf("debayering", "raw frame is empty")
	}
	rows, cols := raw.Rows(), raw.Cols()
	if rows < 2 || cols < 2 {
		return Mat{}, invalidf("debayering", "raw frame %dx%d is smaller than one Bayer cell", cols, rows)
	}

	src := raw.DataFloat32()
	out := NewMatWithSize(rows, cols)
	dst := out.DataFloat32()

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var sum [3]float64
			var n [3]int
			for yy := max(0, y-1); yy <= min(rows-1, y+1); yy++ {
				for xx := max(0, x-1); xx <= min(cols-1, x+1); xx++ {
					c := bayerColor(xx, yy)
					sum[c] += float64(src[yy*cols+xx])
					n[c]++
				}
			}

			own := bayerColor(x, y)
			var lum float64
			for c := 0; c < 3; c++ {
				switch {
				case c == own:
					lum += float64(src[y*cols+x])
				case n[c] > 0:
					lum += sum[c] / float64(n[c])
				}
			}
			dst[y*cols+x] = float32(lum / 3)
		}
	}
	return out, nil
}
