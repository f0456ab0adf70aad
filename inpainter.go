// Package imageinpainter builds masks for image inpainting and runs editing
// sessions against an inpainting backend.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"os"
//
//		imageinpainter "github.com/menta2k/image-inpainter"
//		"github.com/menta2k/image-inpainter/internal/config"
//		"github.com/menta2k/image-inpainter/pkg/types"
//	)
//
//	func main() {
//		cfg := config.Default()
//		inp, err := imageinpainter.New(cfg)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		sess := inp.NewSession()
//		data, _ := os.ReadFile("photo.jpg")
//		if err := sess.LoadImage(data); err != nil {
//			log.Fatal(err)
//		}
//
//		// Strokes are drawn in display coordinates
//		stroke := types.Stroke{
//			Points: []types.Point{{X: 100, Y: 120}, {X: 180, Y: 140}},
//			Width:  20,
//			Mode:   types.ModeAdd,
//		}
//		if err := sess.Surface().AddStroke(stroke); err != nil {
//			log.Fatal(err)
//		}
//
//		res, err := sess.Submit(context.Background(), "a red scarf")
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("result: %s", res.OutputURL)
//	}
//
// The module consists of these components:
//
//  1. Mask (pkg/mask): rasterizes display-space strokes at native resolution
//  2. Surface (pkg/surface): headless drawing surface that records gestures
//  3. Session (pkg/session): editing state machine and submission flow
//  4. Storage (pkg/storage): local or bucket artifact stores with signed URLs
//  5. Replicate (pkg/replicate): predictions API client
//  6. Automask (pkg/automask): text-prompted selection through a vision model
//     or a segmentation model
package imageinpainter

import (
	"fmt"
	"net/http"

	"github.com/menta2k/image-inpainter/internal/config"
	"github.com/menta2k/image-inpainter/pkg/analyzer"
	"github.com/menta2k/image-inpainter/pkg/automask"
	"github.com/menta2k/image-inpainter/pkg/client"
	"github.com/menta2k/image-inpainter/pkg/llamacpp"
	"github.com/menta2k/image-inpainter/pkg/mask"
	"github.com/menta2k/image-inpainter/pkg/ollama"
	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/replicate"
	"github.com/menta2k/image-inpainter/pkg/session"
	"github.com/menta2k/image-inpainter/pkg/storage"
)

// Version of the image inpainter library
const Version = "1.0.0"

// Inpainter wires the configured collaborators shared by all sessions
type Inpainter struct {
	config    *config.Config
	store     client.ArtifactStore
	local     *storage.LocalStore
	inpainter client.InpaintClient
	segmenter client.MaskClient
	locator   *automask.Locator
}

// Option replaces a collaborator built from the configuration
type Option func(*Inpainter)

// WithStore uses store instead of the configured storage backend
func WithStore(store client.ArtifactStore) Option {
	return func(i *Inpainter) {
		i.store = store
		i.local = nil
	}
}

// WithInpaintClient uses ic instead of the predictions API client
func WithInpaintClient(ic client.InpaintClient) Option {
	return func(i *Inpainter) { i.inpainter = ic }
}

// WithMaskClient enables model-made selections through mc regardless of
// inpaint.mask_model
func WithMaskClient(mc client.MaskClient) Option {
	return func(i *Inpainter) { i.segmenter = mc }
}

// WithVisionClient enables auto-select through vc regardless of vision.backend
func WithVisionClient(vc client.VisionClient) Option {
	return func(i *Inpainter) {
		i.locator = automask.NewLocator(vc, locatorConfig(i.config))
	}
}

// New builds the storage, inpainting and vision clients from cfg. Secrets
// written as "env:NAME" must already be resolved.
func New(cfg *config.Config, opts ...Option) (*Inpainter, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	i := &Inpainter{config: cfg}
	for _, opt := range opts {
		opt(i)
	}

	if i.store == nil {
		if err := i.buildStore(); err != nil {
			return nil, err
		}
	}

	if i.inpainter == nil {
		rc, err := replicate.NewClient(replicate.Config{
			BaseURL:      cfg.Inpaint.BaseURL,
			Token:        cfg.Inpaint.APIToken,
			Model:        cfg.Inpaint.Model,
			PollInterval: cfg.Inpaint.PollInterval(),
			Timeout:      cfg.Inpaint.Timeout(),
			Input:        cfg.Inpaint.Input,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create inpainting client: %w", err)
		}
		i.inpainter = rc
	}

	if i.segmenter == nil && cfg.Inpaint.MaskModel != "" {
		mc, err := replicate.NewClient(replicate.Config{
			BaseURL:      cfg.Inpaint.BaseURL,
			Token:        cfg.Inpaint.APIToken,
			Model:        cfg.Inpaint.MaskModel,
			PollInterval: cfg.Inpaint.PollInterval(),
			Timeout:      cfg.Inpaint.Timeout(),
			Input:        cfg.Inpaint.MaskInput,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create segmentation client: %w", err)
		}
		i.segmenter = mc
	}

	if i.locator == nil && cfg.Vision.Backend != "" {
		vc, err := newVisionClient(cfg.Vision)
		if err != nil {
			return nil, err
		}
		i.locator = automask.NewLocator(vc, locatorConfig(cfg))
	}

	return i, nil
}

func (i *Inpainter) buildStore() error {
	sc := i.config.Storage
	switch sc.Backend {
	case "bucket":
		bs, err := storage.NewBucketStore(storage.BucketConfig{
			URL:    sc.URL,
			Bucket: sc.Bucket,
			APIKey: sc.APIKey,
			TTL:    sc.TTL(),
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket store: %w", err)
		}
		i.store = bs
	default:
		ls, err := storage.NewLocalStore(sc.Dir, sc.BaseURL, []byte(sc.SigningKey), sc.TTL())
		if err != nil {
			return fmt.Errorf("failed to create local store: %w", err)
		}
		i.store = ls
		i.local = ls
	}
	return nil
}

func newVisionClient(vc config.VisionConfig) (client.VisionClient, error) {
	switch vc.Backend {
	case "ollama":
		c, err := ollama.NewClient(vc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(vc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown vision backend: %s", vc.Backend)
	}
}

func locatorConfig(cfg *config.Config) automask.Config {
	lc := automask.DefaultConfig()
	if cfg.Vision.Model != "" {
		lc.Model = cfg.Vision.Model
	}
	lc.MinConfidence = cfg.Vision.MinConfidence
	if cfg.Vision.MaxImageSize > 0 {
		lc.MaxImageSize = cfg.Vision.MaxImageSize
	}
	return lc
}

// SessionConfig converts the application configuration into session settings
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Analyzer: analyzer.Config{
			SupportedFormats: cfg.Analyzer.SupportedFormats,
			MinImageSize:     cfg.Analyzer.MinImageSize,
			MaxDimension:     cfg.DisplayMax(),
		},
		Mask: mask.Config{
			PassFactors: cfg.Mask.PassFactors,
			Threshold:   cfg.Mask.Threshold,
		},
		Fetch: processing.Config{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    cfg.Fetch.Timeout(),
			Retries:    cfg.Fetch.Retries,
			RetryDelay: cfg.Fetch.RetryDelay(),
		},
		BrushWidth:     cfg.Brush.Default,
		MinBrushWidth:  cfg.Brush.Min,
		MaxBrushWidth:  cfg.Brush.Max,
		OverlayOpacity: cfg.Display.OverlayOpacity,
	}
}

// NewSession starts an empty editing session
func (i *Inpainter) NewSession() *session.Controller {
	var opts []session.Option
	if i.locator != nil {
		opts = append(opts, session.WithLocator(i.locator))
	}
	if i.segmenter != nil {
		opts = append(opts, session.WithMaskClient(i.segmenter))
	}
	return session.New(SessionConfig(i.config), i.store, i.inpainter, opts...)
}

// Config returns the configuration the inpainter was built from
func (i *Inpainter) Config() *config.Config {
	return i.config
}

// AutoSelectEnabled reports whether sessions can select regions from text
func (i *Inpainter) AutoSelectEnabled() bool {
	return i.locator != nil
}

// SegmentationEnabled reports whether sessions can ask a model for a mask
func (i *Inpainter) SegmentationEnabled() bool {
	return i.segmenter != nil
}

// FileHandler serves artifacts of the local store, or nil for other backends
func (i *Inpainter) FileHandler() http.Handler {
	if i.local == nil {
		return nil
	}
	return i.local.Handler()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
