package photprep

import (
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ReportInputs names the files a run was built from.
type ReportInputs struct {
	Image           string `yaml:"image"`
	InverseVariance string `yaml:"inverse_variance"`
	Flags           string `yaml:"flags"`
	PSF             string `yaml:"psf,omitempty"`
	Output          string `yaml:"output"`
}

// ReportPSF describes the PSF handed to the engine.
type ReportPSF struct {
	Kind   string  `yaml:"kind"`
	Source string  `yaml:"source,omitempty"`
	Digest string  `yaml:"sha256,omitempty"`
	FWHM   float64 `yaml:"fwhm,omitempty"`
	Beta   float64 `yaml:"beta,omitempty"`
	Size   string  `yaml:"size"`
}

// Report is the YAML summary written next to an artifact.
type Report struct {
	RunID      string         `yaml:"run_id"`
	Created    time.Time      `yaml:"created"`
	Inputs     ReportInputs   `yaml:"inputs"`
	Width      int            `yaml:"width"`
	Height     int            `yaml:"height"`
	SatLimit   string         `yaml:"saturation_limit"`
	Saturated  string         `yaml:"saturated_pixels"`
	Strategy   string         `yaml:"strategy"`
	Tiles      string         `yaml:"tiles"`
	RefitPSF   bool           `yaml:"refit_psf"`
	PSF        ReportPSF      `yaml:"psf"`
	Layers     []string       `yaml:"layers"`
	LayerNames []string       `yaml:"layer_names,omitempty"`
	Sources    int            `yaml:"sources"`
	Elapsed    string         `yaml:"elapsed"`
	Sections   []SectionStats `yaml:"sections"`
}

// NewReport summarizes run. layerNames optionally gives the engine's meaning
// for each layer position.
func NewReport(run *Run, cfg Config, inputs ReportInputs, layerNames []string) Report {
	r := Report{
		RunID:      uuid.NewString(),
		Created:    time.Now().UTC(),
		Inputs:     inputs,
		Width:      run.Weight.Cols(),
		Height:     run.Weight.Rows(),
		SatLimit:   formatLimit(cfg.SatLimit),
		Saturated:  humanize.Comma(int64(run.Mask.Count())),
		Strategy:   run.Strategy,
		Tiles:      run.Grid.String(),
		RefitPSF:   cfg.RefitPSF,
		LayerNames: layerNames,
		Sources:    len(run.Result.Sources),
		Elapsed:    run.Elapsed.Round(time.Millisecond).String(),
		Sections:   run.Sections,
	}
	for i := 0; i < LayerCount; i++ {
		r.Layers = append(r.Layers, LayerName(i))
	}

	if run.PSF != nil {
		rows, cols := run.PSF.Size()
		r.PSF = ReportPSF{Kind: run.PSF.Kind().String(), Size: TileGrid{Columns: cols, Rows: rows}.String()}
		switch p := run.PSF.(type) {
		case *StampPSF:
			r.PSF.Source = p.Provenance.Path
			r.PSF.Digest = p.Provenance.Digest
		case *ParametricPSF:
			r.PSF.FWHM = p.FWHM
			r.PSF.Beta = p.Beta
		}
	}
	return r
}

func formatLimit(v float64) string {
	if math.IsInf(v, 1) {
		return "none"
	}
	return humanize.Ftoa(v)
}

// WriteReport marshals report as YAML to path.
func WriteReport(path string, report Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return ioError("encoding report", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ioError("writing report", err)
	}
	return nil
}
