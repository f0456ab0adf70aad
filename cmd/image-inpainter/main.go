package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	imageinpainter "github.com/menta2k/image-inpainter"
	"github.com/menta2k/image-inpainter/internal/config"
	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/internal/server"
	"github.com/menta2k/image-inpainter/internal/utils"
	"github.com/menta2k/image-inpainter/pkg/analyzer"
	"github.com/menta2k/image-inpainter/pkg/mask"
	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/strokes"
	"github.com/menta2k/image-inpainter/pkg/types"
)

const usage = `usage: %s <command> [flags]

commands:
  mask     rasterize a strokes file into a mask for an image
  submit   upload image and mask and run an inpainting prediction
  serve    run the HTTP and websocket editing server
  config   write the default configuration file
  version  print the version

run "%s <command> -h" for the flags of a command
`

func main() {
	log.SetFlags(0)
	name := filepath.Base(os.Args[0])
	if len(os.Args) < 2 {
		log.Fatalf(usage, name, name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "mask":
		err = runMask(ctx, args)
	case "submit":
		err = runSubmit(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "config":
		err = runConfig(args)
	case "version":
		fmt.Println(imageinpainter.GetVersion())
	default:
		log.Fatalf(usage, name, name)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// commonFlags are shared by every command that needs the configuration
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
}

func (c *commonFlags) load() (*config.Config, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	path := c.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("using config %s", path)
	}
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runMask(ctx context.Context, args []string) error {
	var common commonFlags
	var in, strokesPath, outDir, display string
	var overlay bool

	fs := flag.NewFlagSet("mask", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&in, "in", "", "input image path or URL")
	fs.StringVar(&strokesPath, "strokes", "", "JSON file with strokes in display coordinates")
	fs.StringVar(&outDir, "out", "", "output directory (default output.output_dir)")
	fs.StringVar(&display, "display", "", "canvas size the strokes were drawn on, WIDTHxHEIGHT (default: fitted to display.max_dimension)")
	fs.BoolVar(&overlay, "overlay", false, "also write the image with the mask tinted over it")
	fs.Parse(args)

	if in == "" || strokesPath == "" {
		return fmt.Errorf("usage: mask -in photo.jpg -strokes strokes.json [-display 512x384] [-out dir] [-overlay]")
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if outDir == "" {
		outDir = cfg.Output.OutputDir
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	sc := imageinpainter.SessionConfig(cfg)
	proc := processing.NewProcessorWithConfig(sc.Fetch)
	data, err := proc.ReadSource(ctx, in)
	if err != nil {
		return err
	}
	img, info, err := analyzer.NewWithConfig(sc.Analyzer).Analyze(data)
	if err != nil {
		return err
	}

	canvas := info.Display
	if display != "" {
		w, h, err := utils.ParseSize(display)
		if err != nil {
			return err
		}
		canvas = types.Dimensions{Width: w, Height: h}
	}

	f, err := os.Open(strokesPath)
	if err != nil {
		return fmt.Errorf("failed to open strokes: %w", err)
	}
	store := strokes.New()
	n, err := store.Load(f)
	f.Close()
	if err != nil {
		return err
	}

	m := mask.NewWithConfig(sc.Mask).Rasterize(store.All(), canvas, info.Native())
	log.Printf("image=%s %s canvas=%s strokes=%d selected=%d px", info.Format, info.Native(), canvas, n, mask.Coverage(m))
	if mask.IsBlank(m) {
		log.Printf("warning: mask is empty")
	}

	maskPath := utils.GenerateOutputFilename(in, outDir, cfg.Output.Prefix, cfg.Output.MaskSuffix, "png")
	if err := proc.SaveImage(m, maskPath, "png", 100, true); err != nil {
		return fmt.Errorf("failed to save mask: %w", err)
	}
	log.Printf("wrote %s", maskPath)

	if overlay {
		ov := proc.CreateMaskOverlay(img, m, color.NRGBA{R: 255, A: 110})
		ovPath := utils.GenerateOutputFilename(in, outDir, cfg.Output.Prefix, "_overlay", cfg.Output.DefaultFormat)
		if err := proc.SaveImage(ov, ovPath, cfg.Output.DefaultFormat, cfg.Output.Quality, false); err != nil {
			return fmt.Errorf("failed to save overlay: %w", err)
		}
		log.Printf("wrote %s", ovPath)
	}
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	var common commonFlags
	var in, strokesPath, selectText, segmentText, prompt, outDir, display string

	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&in, "in", "", "input image path or URL")
	fs.StringVar(&strokesPath, "strokes", "", "JSON file with strokes in display coordinates")
	fs.StringVar(&selectText, "select", "", "describe the region to edit instead of drawing it (needs vision.backend)")
	fs.StringVar(&segmentText, "segment", "", "let the mask model select the region (needs inpaint.mask_model)")
	fs.StringVar(&prompt, "prompt", "", "what to paint into the selected region")
	fs.StringVar(&outDir, "out", "", "output directory (default output.output_dir)")
	fs.StringVar(&display, "display", "", "canvas size the strokes were drawn on, WIDTHxHEIGHT")
	fs.Parse(args)

	if in == "" || prompt == "" || (strokesPath == "" && selectText == "" && segmentText == "") {
		return fmt.Errorf("usage: submit -in photo.jpg -prompt \"...\" (-strokes strokes.json | -select \"the red car\" | -segment topwear) [-out dir]")
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if outDir == "" {
		outDir = cfg.Output.OutputDir
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	inp, err := imageinpainter.New(cfg)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "local" {
		log.Printf("warning: local storage URLs must be reachable by the inpainting service (%s)", cfg.Storage.BaseURL)
	}

	data, err := processing.NewProcessorWithConfig(imageinpainter.SessionConfig(cfg).Fetch).ReadSource(ctx, in)
	if err != nil {
		return err
	}

	sess := inp.NewSession()
	defer sess.Close()
	if err := sess.LoadImage(data); err != nil {
		return err
	}
	if display != "" {
		w, h, err := utils.ParseSize(display)
		if err != nil {
			return err
		}
		if err := sess.Resize(types.Dimensions{Width: w, Height: h}); err != nil {
			return err
		}
	}

	if strokesPath != "" {
		raw, err := os.ReadFile(strokesPath)
		if err != nil {
			return fmt.Errorf("failed to read strokes: %w", err)
		}
		var list []types.Stroke
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("failed to decode strokes: %w", err)
		}
		for i, st := range list {
			if err := sess.Surface().AddStroke(st); err != nil {
				return fmt.Errorf("stroke %d: %w", i, err)
			}
		}
	}
	if selectText != "" {
		region, err := sess.AutoSelect(ctx, selectText)
		if err != nil {
			return err
		}
		log.Printf("selected %q conf=%.2f box=%v", region.Label, region.Confidence,
			processing.BoxToRect(region.Box, sess.NativeDimensions()))
	}

	if segmentText != "" {
		n, err := sess.SegmentSelect(ctx, segmentText)
		if err != nil {
			return err
		}
		log.Printf("segmented %q into %d strokes", segmentText, n)
	}

	res, err := sess.Submit(ctx, prompt)
	if err != nil {
		return err
	}
	log.Printf("prediction %s %s: %s", res.ID, res.Status, res.OutputURL)

	img, err := sess.FetchResult(ctx)
	if err != nil {
		return err
	}
	outPath := utils.GenerateOutputFilename(in, outDir, cfg.Output.Prefix, cfg.Output.ResultSuffix, cfg.Output.DefaultFormat)
	if err := processing.NewProcessor().SaveImage(img, outPath, cfg.Output.DefaultFormat, cfg.Output.Quality, false); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	log.Printf("wrote %s", outPath)

	js, _ := json.MarshalIndent(res, "", "  ")
	_ = os.WriteFile(filepath.Join(outDir, "prediction.json"), js, 0o644)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	var addr string

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&addr, "addr", "", "listen address (default server.addr)")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	inp, err := imageinpainter.New(cfg)
	if err != nil {
		return err
	}
	srv := server.New(cfg.Server, inp.NewSession, inp.FileHandler())
	log.Printf("serving on %s (storage=%s, auto-select=%v, segmentation=%v)", addr, cfg.Storage.Backend, inp.AutoSelectEnabled(), inp.SegmentationEnabled())
	return srv.ListenAndServe(ctx, addr)
}

func runConfig(args []string) error {
	var path string
	var force bool

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.StringVar(&path, "o", config.GetConfigPath(), "where to write the configuration")
	fs.BoolVar(&force, "f", false, "overwrite an existing file")
	fs.Parse(args)

	if utils.FileExists(path) && !force {
		return fmt.Errorf("%s already exists (use -f to overwrite)", path)
	}
	if err := config.Default().SaveToFile(path); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}
