package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"photprep/pkg/fitengine"
	"photprep/pkg/photprep"
)

const (
	EnvSatLimit = "PHOTPREP_SATLIMIT"
	EnvTiles    = "PHOTPREP_TILES"
	EnvPSF      = "PHOTPREP_PSF"
	EnvWorkers  = "PHOTPREP_WORKERS"
)

// options is the fully resolved invocation: defaults, then the config file,
// then the environment, then command-line flags.
type options struct {
	Config      photprep.Config
	PSFPath     string
	ReportPath  string
	PreviewPath string
	Engine      fitengine.Params
	Overlap     int
	Workers     int
}

func defaultOptions() options {
	return options{
		Config:  photprep.DefaultConfig(),
		Engine:  fitengine.DefaultParams(),
		Overlap: fitengine.DefaultOverlap,
	}
}

// photprep config.toml key mapping.
type fileConfig struct {
	SatLimit float64          `toml:"satlimit"`
	Tiles    string           `toml:"tiles"`
	RefitPSF bool             `toml:"refit_psf"`
	Verbose  bool             `toml:"verbose"`
	Debayer  bool             `toml:"debayer"`
	PSF      string           `toml:"psf"`
	Report   string           `toml:"report"`
	Preview  string           `toml:"preview"`
	Engine   engineFileConfig `toml:"engine"`
}

type engineFileConfig struct {
	Sensitivity  float64 `toml:"sensitivity"`
	MaxSources   int     `toml:"max_sources"`
	FluxSweeps   int     `toml:"flux_sweeps"`
	RefitSources int     `toml:"refit_sources"`
	Overlap      int     `toml:"overlap"`
	Workers      int     `toml:"workers"`
}

// applyFile overlays the keys present in the TOML file at path.
func applyFile(opts *options, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load photprep config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load photprep config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("satlimit") {
		opts.Config.SatLimit = raw.SatLimit
	}
	if meta.IsDefined("tiles") {
		grid, err := parseTiles(raw.Tiles)
		if err != nil {
			return fmt.Errorf("load photprep config: %w", err)
		}
		opts.Config.Tiles = grid
	}
	if meta.IsDefined("refit_psf") {
		opts.Config.RefitPSF = raw.RefitPSF
	}
	if meta.IsDefined("verbose") {
		opts.Config.Verbose = raw.Verbose
	}
	if meta.IsDefined("debayer") {
		opts.Config.Debayer = raw.Debayer
	}
	if meta.IsDefined("psf") {
		opts.PSFPath = strings.TrimSpace(raw.PSF)
	}
	if meta.IsDefined("report") {
		opts.ReportPath = strings.TrimSpace(raw.Report)
	}
	if meta.IsDefined("preview") {
		opts.PreviewPath = strings.TrimSpace(raw.Preview)
	}
	if meta.IsDefined("engine", "sensitivity") {
		opts.Engine.Sensitivity = raw.Engine.Sensitivity
	}
	if meta.IsDefined("engine", "max_sources") {
		opts.Engine.MaxSources = raw.Engine.MaxSources
	}
	if meta.IsDefined("engine", "flux_sweeps") {
		opts.Engine.FluxSweeps = raw.Engine.FluxSweeps
	}
	if meta.IsDefined("engine", "refit_sources") {
		opts.Engine.RefitSources = raw.Engine.RefitSources
	}
	if meta.IsDefined("engine", "overlap") {
		opts.Overlap = raw.Engine.Overlap
	}
	if meta.IsDefined("engine", "workers") {
		opts.Workers = raw.Engine.Workers
	}
	return nil
}

// loadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

// applyEnv overlays the PHOTPREP_* variables returned by getenv.
func applyEnv(opts *options, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvSatLimit)); v != "" {
		limit, err := parseSatLimit(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSatLimit, err)
		}
		opts.Config.SatLimit = limit
	}
	if v := strings.TrimSpace(getenv(EnvTiles)); v != "" {
		grid, err := parseTiles(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTiles, err)
		}
		opts.Config.Tiles = grid
	}
	if v := strings.TrimSpace(getenv(EnvPSF)); v != "" {
		opts.PSFPath = v
	}
	if v := strings.TrimSpace(getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid worker count %q", EnvWorkers, v)
		}
		opts.Workers = n
	}
	return nil
}

// parseTiles accepts "CxR" or "C,R".
func parseTiles(raw string) (photprep.TileGrid, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == 'x' || r == ',' })
	if len(parts) != 2 {
		return photprep.TileGrid{}, fmt.Errorf("invalid tile grid %q, want CxR", raw)
	}
	c, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	r, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return photprep.TileGrid{}, fmt.Errorf("invalid tile grid %q, want CxR", raw)
	}
	grid := photprep.TileGrid{Columns: c, Rows: r}
	if err := grid.Validate(); err != nil {
		return photprep.TileGrid{}, err
	}
	return grid, nil
}

// parseSatLimit accepts any float, including "inf".
func parseSatLimit(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid saturation limit %q", raw)
	}
	return v, nil
}

func resolveOptions(configPath string, getenv func(string) string) (options, error) {
	opts := defaultOptions()
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return options{}, fmt.Errorf("load photprep config: %w", err)
		}
		if err := applyFile(&opts, configPath); err != nil {
			return options{}, err
		}
	}
	if err := applyEnv(&opts, getenv); err != nil {
		return options{}, err
	}
	return opts, nil
}
