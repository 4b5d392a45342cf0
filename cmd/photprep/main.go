package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"photprep/internal/logging"
	"photprep/pkg/fitengine"
	pp "photprep/pkg/photprep"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		flagOpts   = defaultOptions()
		satLimit   string
		tiles      string
	)

	cmd := &cobra.Command{
		Use:   "photprep IMAGE IVAR FLAGS OUT",
		Short: "Mask saturation, derive weights and fit an exposure",
		Long: "photprep reads a science image, its inverse variance and data-quality flags,\n" +
			"masks saturated pixels, and writes the fitting engine's three layers to OUT.",
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			loadDotEnv()

			opts, err := resolveOptions(configPath, os.Getenv)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &opts, flagOpts, satLimit, tiles); err != nil {
				return err
			}
			logging.SetVerbose(opts.Config.Verbose)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPrep(ctx, args[0], args[1], args[2], args[3], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "TOML config file")
	f.StringVarP(&flagOpts.PSFPath, "psf", "p", "", "FITS image of the PSF, centroid at the centre")
	f.BoolVarP(&flagOpts.Config.RefitPSF, "refit-psf", "r", false, "let the engine refine the PSF")
	f.BoolVarP(&flagOpts.Config.Verbose, "verbose", "v", false, "debug logging")
	f.StringVarP(&satLimit, "satlimit", "s", "inf", "pixel brightness limit for saturation")
	f.StringVar(&tiles, "tiles", "4x4", "section grid CxR; 1x1 fits the whole image at once")
	f.BoolVar(&flagOpts.Config.Debayer, "debayer", false, "treat the science image as raw RGGB")
	f.StringVar(&flagOpts.ReportPath, "report", "", "write a YAML run report")
	f.StringVar(&flagOpts.PreviewPath, "preview", "", "write a JPEG preview of the weight map")
	f.IntVar(&flagOpts.Workers, "workers", 0, "sections fit in parallel (0: one per CPU)")

	cmd.AddCommand(newInspectCommand())
	return cmd
}

// applyFlags overlays only the flags the user actually set.
func applyFlags(cmd *cobra.Command, opts *options, flagOpts options, satLimit, tiles string) error {
	f := cmd.Flags()
	if f.Changed("psf") {
		opts.PSFPath = flagOpts.PSFPath
	}
	if f.Changed("refit-psf") {
		opts.Config.RefitPSF = flagOpts.Config.RefitPSF
	}
	if f.Changed("verbose") {
		opts.Config.Verbose = flagOpts.Config.Verbose
	}
	if f.Changed("debayer") {
		opts.Config.Debayer = flagOpts.Config.Debayer
	}
	if f.Changed("report") {
		opts.ReportPath = flagOpts.ReportPath
	}
	if f.Changed("preview") {
		opts.PreviewPath = flagOpts.PreviewPath
	}
	if f.Changed("workers") {
		opts.Workers = flagOpts.Workers
	}
	if f.Changed("satlimit") {
		v, err := parseSatLimit(satLimit)
		if err != nil {
			return err
		}
		opts.Config.SatLimit = v
	}
	if f.Changed("tiles") {
		grid, err := parseTiles(tiles)
		if err != nil {
			return err
		}
		opts.Config.Tiles = grid
	}
	return nil
}

func runPrep(ctx context.Context, imagePath, ivarPath, flagsPath, outPath string, opts options) error {
	img, err := pp.ReadImage(imagePath)
	if err != nil {
		return err
	}
	ivar, err := pp.ReadImage(ivarPath)
	if err != nil {
		img.Close()
		return err
	}
	flags, err := pp.ReadFlags(flagsPath)
	if err != nil {
		img.Close()
		ivar.Close()
		return err
	}
	exp := pp.Exposure{Image: img, InverseVariance: ivar, Flags: flags}
	defer exp.Close()
	log.Debug().Int("width", img.Cols()).Int("height", img.Rows()).Msg("exposure loaded")

	psf, err := pp.BuildPSF(opts.PSFPath)
	if err != nil {
		return err
	}

	simple := &fitengine.Simple{Params: opts.Engine}
	mosaic := &fitengine.Mosaic{Engine: simple, Overlap: opts.Overlap, Workers: opts.Workers}
	strategy, err := pp.SelectStrategy(opts.Config.Tiles, simple, mosaic)
	if err != nil {
		return err
	}

	run, err := pp.Process(ctx, exp, psf, strategy, opts.Config)
	if err != nil {
		return err
	}
	defer run.Close()

	if err := pp.WriteArtifact(outPath, run.Result); err != nil {
		return err
	}

	if opts.ReportPath != "" {
		report := pp.NewReport(run, opts.Config, pp.ReportInputs{
			Image:           imagePath,
			InverseVariance: ivarPath,
			Flags:           flagsPath,
			PSF:             opts.PSFPath,
			Output:          outPath,
		}, fitengine.LayerNames)
		if err := pp.WriteReport(opts.ReportPath, report); err != nil {
			return err
		}
	}
	if opts.PreviewPath != "" {
		if err := pp.RenderPreview(run, opts.PreviewPath); err != nil {
			return err
		}
	}

	fmt.Printf("%s: %d sources, %s saturated px, %s (%.1fs)\n",
		outPath, len(run.Result.Sources), humanize.Comma(int64(run.Mask.Count())), run.Strategy, run.Elapsed.Seconds())
	return nil
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ARTIFACT",
		Short: "List the layers of an output artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdus, err := pp.ReadFitsAll(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, h := range hdus {
				name := h.Metadata.ExtName()
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(out, "%d  %-8s %dx%d  BITPIX=%d\n", i, name, h.Width, h.Height, h.Bitpix)
			}
			return nil
		},
	}
}
