package photprep

import (
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SectionStats summarizes the prepared inputs inside one tile of the grid.
type SectionStats struct {
	Label        string          `yaml:"label"`
	Column       int             `yaml:"column"`
	Row          int             `yaml:"row"`
	Bounds       image.Rectangle `yaml:"-"`
	Pixels       int             `yaml:"pixels"`
	Saturated    int             `yaml:"saturated"`
	ZeroWeight   int             `yaml:"zero_weight"`
	MedianWeight float64         `yaml:"median_weight"`
}

// TileBounds returns the pixel rectangle of section (col, row) when a
// width x height image is split into ncols x nrows sections. Sections tile
// the image exactly; sizes differ by at most one pixel.
func TileBounds(width, height, ncols, nrows, col, row int) image.Rectangle {
	return image.Rect(
		col*width/ncols, row*height/nrows,
		(col+1)*width/ncols, (row+1)*height/nrows,
	)
}

// AnalyzeSections computes per-section mask and weight statistics for grid,
// in row-major order starting at the top-left section.
func AnalyzeSections(mask SaturationMask, weight Mat, grid TileGrid) []SectionStats {
	if grid.Validate() != nil || weight.Empty() {
		return nil
	}
	width, height := weight.Cols(), weight.Rows()
	wd := weight.DataFloat32()

	stats := make([]SectionStats, 0, grid.Columns*grid.Rows)
	for row := 0; row < grid.Rows; row++ {
		for col := 0; col < grid.Columns; col++ {
			b := TileBounds(width, height, grid.Columns, grid.Rows, col, row)
			s := SectionStats{
				Label:  fmt.Sprintf("%d,%d", col, row),
				Column: col,
				Row:    row,
				Bounds: b,
				Pixels: b.Dx() * b.Dy(),
			}
			values := make([]float64, 0, s.Pixels)
			for y := b.Min.Y; y < b.Max.Y; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					if mask.At(y, x) {
						s.Saturated++
					}
					w := float64(wd[y*width+x])
					if w == 0 {
						s.ZeroWeight++
					}
					values = append(values, w)
				}
			}
			if len(values) > 0 {
				sort.Float64s(values)
				s.MedianWeight = stat.Quantile(0.5, stat.Empirical, values, nil)
			}
			stats = append(stats, s)
		}
	}
	return stats
}
