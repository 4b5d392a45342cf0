package photprep

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const previewWidth = 800

var (
	weightLow  = colorful.Color{R: 0.05, G: 0.05, B: 0.20}
	weightHigh = colorful.Color{R: 0.95, G: 0.90, B: 0.55}
	saturated  = color.RGBA{230, 40, 40, 255}
	gridColor  = color.RGBA{255, 255, 255, 180}
	textColor  = color.RGBA{255, 255, 255, 255}
)

// RenderPreview writes a JPEG of the run's weight map: brighter is higher
// weight, masked pixels in red, with the tile grid and per-section saturated
// counts drawn on top.
func RenderPreview(run *Run, outputPath string) error {
	b, err := RenderPreviewBytes(run)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, b, 0o644); err != nil {
		return ioError("writing preview", err)
	}
	return nil
}

// RenderPreviewBytes renders the preview and returns it as JPEG bytes.
func RenderPreviewBytes(run *Run) ([]byte, error) {
	img, err := renderPreviewImage(run)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, ioError("encoding preview", err)
	}
	return buf.Bytes(), nil
}

func renderPreviewImage(run *Run) (*image.RGBA, error) {
	if run == nil || run.Weight.Empty() {
		return nil, invalidf("rendering preview", "no weight map to render")
	}
	width, height := run.Weight.Cols(), run.Weight.Rows()

	scale := float64(previewWidth) / float64(width)
	imgW := previewWidth
	imgH := max(int(float64(height)*scale), 1)
	const summaryH = 40
	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH+summaryH))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	wd := run.Weight.DataFloat32()
	var maxW float32
	for _, w := range wd[:width*height] {
		maxW = max(maxW, w)
	}
	if maxW == 0 {
		maxW = 1
	}

	// nearest-neighbour resample of the weight map
	for y := 0; y < imgH; y++ {
		sy := min(int(float64(y)/scale), height-1)
		for x := 0; x < imgW; x++ {
			sx := min(int(float64(x)/scale), width-1)
			if run.Mask.At(sy, sx) {
				img.SetRGBA(x, y, saturated)
				continue
			}
			t := float64(wd[sy*width+sx] / maxW)
			r, g, bl := weightLow.BlendLab(weightHigh, t).Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, bl, 255})
		}
	}

	face := basicfont.Face7x13
	for _, s := range run.Sections {
		x0 := int(float64(s.Bounds.Min.X) * scale)
		y0 := int(float64(s.Bounds.Min.Y) * scale)
		x1 := int(float64(s.Bounds.Max.X) * scale)
		y1 := int(float64(s.Bounds.Max.Y) * scale)
		if s.Column > 0 {
			for y := y0; y < y1; y++ {
				img.Set(x0, y, gridColor)
			}
		}
		if s.Row > 0 {
			for x := x0; x < x1; x++ {
				img.Set(x, y0, gridColor)
			}
		}
		drawCenteredText(img, face, fmt.Sprintf("sat=%s", humanize.Comma(int64(s.Saturated))), (x0+x1)/2, (y0+y1)/2, textColor)
	}

	summary := fmt.Sprintf("%s  saturated: %s px  sources: %d",
		run.Strategy, humanize.Comma(int64(run.Mask.Count())), len(run.Result.Sources))
	drawText(img, face, summary, 10, imgH+24, textColor)
	return img, nil
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}
