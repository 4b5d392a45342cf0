// Package photprep prepares a single exposure for point-source photometry:
// saturation masking, fit weights, PSF setup, and dispatch to a whole-image or
// tiled fitting engine, followed by packaging of the engine's layers.
package photprep

import (
	"fmt"
	"math"
)

// SaturationDilationSize is the side of the square structuring element used
// to grow saturated cores over bleed trails and halos.
const SaturationDilationSize = 5

// LayerCount is the number of layers every fit result and artifact carries.
const LayerCount = 3

// Default Moffat profile used when no PSF stamp is supplied.
const (
	DefaultMoffatFWHM      = 2.5
	DefaultMoffatBeta      = 2.5
	DefaultMoffatStampSize = 59
)

// PSFKind identifies the PSF variant.
type PSFKind int

const (
	PSFKindStamp PSFKind = iota
	PSFKindParametric
)

func (k PSFKind) String() string {
	switch k {
	case PSFKindStamp:
		return "Stamp"
	case PSFKindParametric:
		return "Moffat"
	default:
		return "Unknown"
	}
}

// TileGrid is the number of non-overlapping sections the image is fit in.
// {1, 1} means the whole image is fit at once.
type TileGrid struct {
	Columns int
	Rows    int
}

// SingleTile fits the image without partitioning.
var SingleTile = TileGrid{Columns: 1, Rows: 1}

func (g TileGrid) IsSingle() bool { return g.Columns == 1 && g.Rows == 1 }

func (g TileGrid) Validate() error {
	if g.Columns < 1 || g.Rows < 1 {
		return invalidf("validating tile grid", "entries must be positive, got %dx%d", g.Columns, g.Rows)
	}
	return nil
}

func (g TileGrid) String() string {
	return fmt.Sprintf("%dx%d", g.Columns, g.Rows)
}

// FlagMap holds per-pixel data-quality bits. It is handed to the engine as is.
type FlagMap struct {
	Rows int
	Cols int
	Data []int32
}

// NewFlagMap returns an all-clear flag map.
func NewFlagMap(rows, cols int) FlagMap {
	return FlagMap{Rows: rows, Cols: cols, Data: make([]int32, rows*cols)}
}

func (f FlagMap) At(row, col int) int32 { return f.Data[row*f.Cols+col] }

func (f FlagMap) Empty() bool { return f.Rows == 0 || f.Cols == 0 }

// Sub returns a copy of the flags inside the rectangle [x0,x1) x [y0,y1).
func (f FlagMap) Sub(x0, y0, x1, y1 int) FlagMap {
	out := NewFlagMap(y1-y0, x1-x0)
	for r := y0; r < y1; r++ {
		copy(out.Data[(r-y0)*out.Cols:], f.Data[r*f.Cols+x0:r*f.Cols+x1])
	}
	return out
}

// Exposure is one science frame with its inverse variance and flags.
type Exposure struct {
	Image           Mat
	InverseVariance Mat
	Flags           FlagMap
}

// Validate checks that all three arrays are present and share one shape.
func (e Exposure) Validate() error {
	if e.Image.Empty() {
		return invalidf("validating exposure", "science image is empty")
	}
	rows, cols := e.Image.Rows(), e.Image.Cols()
	if !sameShape(e.Image, e.InverseVariance) {
		return shapef("validating exposure", "inverse variance is %dx%d, image is %dx%d",
			e.InverseVariance.Cols(), e.InverseVariance.Rows(), cols, rows)
	}
	if e.Flags.Rows != rows || e.Flags.Cols != cols || len(e.Flags.Data) != rows*cols {
		return shapef("validating exposure", "flags are %dx%d, image is %dx%d",
			e.Flags.Cols, e.Flags.Rows, cols, rows)
	}
	return nil
}

// Close releases the exposure's matrices.
func (e *Exposure) Close() {
	e.Image.Close()
	e.InverseVariance.Close()
}

// FitOptions are passed through to the fitting engines untouched.
type FitOptions struct {
	RefitPSF bool
	Verbose  bool
	// SatLimit is informational for the engine; masking has already happened.
	SatLimit float64
}

// Source is one fitted point source, in image pixel coordinates.
type Source struct {
	X    float64
	Y    float64
	Flux float64
	Peak float64
}

// FitResult is the engine output. Layers are positional; their meaning is
// defined by the engine.
type FitResult struct {
	Layers  [LayerCount]Mat
	Sources []Source
}

// Close releases all layers.
func (r *FitResult) Close() {
	for i := range r.Layers {
		r.Layers[i].Close()
	}
}

// Config controls one pipeline invocation.
type Config struct {
	// SatLimit is the brightness above which pixels are treated as saturated.
	// +Inf disables masking.
	SatLimit float64
	Tiles    TileGrid
	RefitPSF bool
	Verbose  bool
	// Debayer converts an RGGB raw science frame to luminance before masking.
	Debayer bool
}

// DefaultConfig returns the configuration of the reference invocation.
func DefaultConfig() Config {
	return Config{
		SatLimit: math.Inf(1),
		Tiles:    TileGrid{Columns: 4, Rows: 4},
		RefitPSF: false,
		Verbose:  false,
	}
}

func (c Config) Validate() error {
	if math.IsNaN(c.SatLimit) {
		return invalidf("validating config", "saturation limit is NaN")
	}
	return c.Tiles.Validate()
}

// FitOptions derives the pass-through engine options.
func (c Config) FitOptions() FitOptions {
	return FitOptions{RefitPSF: c.RefitPSF, Verbose: c.Verbose, SatLimit: c.SatLimit}
}
