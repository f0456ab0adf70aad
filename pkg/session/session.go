// Package session sequences one editing session: an uploaded image, the
// strokes drawn over it, the mask derived from them and the generated result.
//
// A Controller moves through Empty, ImageLoaded, Submitting and ResultReady.
// Submit publishes the original image and the mask through an ArtifactStore
// and hands both URLs to an InpaintClient. Failures return the session to
// ImageLoaded with strokes intact so the caller can retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/analyzer"
	"github.com/menta2k/image-inpainter/pkg/automask"
	"github.com/menta2k/image-inpainter/pkg/client"
	"github.com/menta2k/image-inpainter/pkg/mask"
	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/strokes"
	"github.com/menta2k/image-inpainter/pkg/surface"
	"github.com/menta2k/image-inpainter/pkg/types"
)

var (
	// ErrUnsupportedFormat is returned by LoadImage for bytes that cannot be decoded
	ErrUnsupportedFormat = processing.ErrUnsupportedFormat
	// ErrEmptyMask is returned by Submit when nothing is selected
	ErrEmptyMask = errors.New("mask is empty")
	// ErrStorageUnavailable wraps failures to publish the image or the mask
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInpaintingFailed wraps failures of the inpainting backend
	ErrInpaintingFailed = errors.New("inpainting failed")
	// ErrNoImage is returned by operations that need a loaded image
	ErrNoImage = errors.New("no image loaded")
	// ErrBusy is returned while a submission is in flight
	ErrBusy = errors.New("submission in progress")
	// ErrNoResult is returned by FetchResult before a result exists
	ErrNoResult = errors.New("no result available")
	// ErrAutoSelectUnavailable is returned by AutoSelect without a vision
	// backend and by SegmentSelect without a mask model
	ErrAutoSelectUnavailable = errors.New("auto-select is not configured")
	// ErrSegmentationFailed wraps failures of the mask model or of fetching its output
	ErrSegmentationFailed = errors.New("segmentation failed")
)

// State is the lifecycle position of a session
type State int

const (
	Empty State = iota
	ImageLoaded
	Submitting
	ResultReady
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case ImageLoaded:
		return "image_loaded"
	case Submitting:
		return "submitting"
	case ResultReady:
		return "result_ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Empty, ImageLoaded, Submitting, ResultReady} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Config holds configuration for a session
type Config struct {
	Analyzer       analyzer.Config
	Mask           mask.Config
	Fetch          processing.Config
	BrushWidth     float64
	MinBrushWidth  float64
	MaxBrushWidth  float64
	OverlayOpacity uint8
}

// DefaultConfig returns the session defaults
func DefaultConfig() Config {
	return Config{
		Analyzer:       analyzer.DefaultConfig(),
		Mask:           mask.DefaultConfig(),
		Fetch:          processing.Config{Retries: 3, RetryDelay: 2 * time.Second},
		BrushWidth:     surface.DefaultBrushWidth,
		MinBrushWidth:  surface.DefaultMinBrushWidth,
		MaxBrushWidth:  surface.DefaultMaxBrushWidth,
		OverlayOpacity: surface.DefaultOverlayOpacity,
	}
}

// FetchFunc downloads a result image
type FetchFunc func(ctx context.Context, url string) (image.Image, error)

// Option configures a Controller
type Option func(*Controller)

// WithLocator enables AutoSelect
func WithLocator(l *automask.Locator) Option {
	return func(c *Controller) { c.locator = l }
}

// WithMaskClient enables SegmentSelect
func WithMaskClient(mc client.MaskClient) Option {
	return func(c *Controller) { c.segmenter = mc }
}

// WithFetcher replaces the result downloader
func WithFetcher(fn FetchFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.fetch = fn
		}
	}
}

// Outcome is the result of an asynchronous submission
type Outcome struct {
	Result *types.InpaintResult
	Err    error
}

// Status is a point-in-time view of a session
type Status struct {
	State      State                `json:"state"`
	Native     types.Dimensions     `json:"native"`
	Display    types.Dimensions     `json:"display"`
	Format     string               `json:"format,omitempty"`
	Strokes    int                  `json:"strokes"`
	Tool       types.Mode           `json:"tool"`
	BrushWidth float64              `json:"brush_width"`
	Result     *types.InpaintResult `json:"result,omitempty"`
}

// Controller owns the state of one editing session. It is safe for
// concurrent use.
type Controller struct {
	mu sync.Mutex

	cfg        Config
	store      client.ArtifactStore
	inpainter  client.InpaintClient
	locator    *automask.Locator
	segmenter  client.MaskClient
	analyzer   *analyzer.ImageAnalyzer
	rasterizer *mask.Rasterizer
	fetch      FetchFunc

	surface *surface.Surface
	strokes *strokes.Store
	tool    types.Mode
	width   float64

	state    State
	gen      uint64
	original []byte
	img      image.Image
	info     analyzer.ImageInfo

	maskImg     *image.RGBA
	maskVersion uint64

	result      *types.InpaintResult
	resultImage image.Image
}

// New creates a session in the Empty state
func New(cfg Config, store client.ArtifactStore, inpainter client.InpaintClient, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		store:      store,
		inpainter:  inpainter,
		analyzer:   analyzer.NewWithConfig(cfg.Analyzer),
		rasterizer: mask.NewWithConfig(cfg.Mask),
		strokes:    strokes.New(),
		tool:       types.ModeAdd,
		state:      Empty,
	}
	c.fetch = processing.NewProcessorWithConfig(cfg.Fetch).FetchImage
	c.surface = c.newSurface()
	c.width = c.surface.BrushWidth()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) newSurface() *surface.Surface {
	opts := []surface.Option{
		surface.WithOverlayOpacity(c.cfg.OverlayOpacity),
		surface.WithStrokeSource(c.strokes.All),
	}
	if c.cfg.MinBrushWidth > 0 && c.cfg.MaxBrushWidth >= c.cfg.MinBrushWidth {
		opts = append(opts, surface.WithBrushLimits(c.cfg.MinBrushWidth, c.cfg.MaxBrushWidth))
	}
	if c.cfg.BrushWidth > 0 {
		opts = append(opts, surface.WithBrushWidth(c.cfg.BrushWidth))
	}
	s := surface.New(opts...)
	s.OnStrokeComplete(c.strokes.Append)
	s.OnClear(c.strokes.Clear)
	return s
}

// LoadImage decodes an upload and starts a new session on it. Strokes, mask
// and result of the previous image are discarded.
func (c *Controller) LoadImage(data []byte) error {
	img, info, err := c.analyzer.Analyze(data)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Submitting {
		return ErrBusy
	}

	s := c.newSurface()
	s.SetTool(c.tool)
	s.SetBrushWidth(c.width)
	if err := s.Initialize(info.Display); err != nil {
		return err
	}
	if err := s.SetBackground(img); err != nil {
		return err
	}

	c.surface.Dispose()
	c.surface = s
	c.strokes.Clear()
	c.original = append([]byte(nil), data...)
	c.img = img
	c.info = info
	c.gen++
	c.clearArtifactsLocked()
	c.state = ImageLoaded

	logging.Logger().Info("session: image loaded",
		"format", info.Format, "native", info.Native().String(), "display", info.Display.String())
	return nil
}

// Surface returns the drawing surface of the current image. A new surface
// replaces it on every LoadImage and Reset.
func (c *Controller) Surface() *surface.Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface
}

// Strokes returns the stroke store of the session
func (c *Controller) Strokes() *strokes.Store {
	return c.strokes
}

// SetTool selects Add or Remove for subsequent strokes
func (c *Controller) SetTool(mode types.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tool = mode
	c.surface.SetTool(mode)
}

// SetBrushWidth sets the width of subsequent strokes and returns the clamped value
func (c *Controller) SetBrushWidth(px float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width = c.surface.SetBrushWidth(px)
	return c.width
}

// Resize changes the display size of the drawing surface. Recorded strokes
// keep their coordinates.
func (c *Controller) Resize(display types.Dimensions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Empty {
		return ErrNoImage
	}
	if err := c.surface.Resize(display); err != nil {
		return err
	}
	c.maskImg = nil
	return nil
}

// NativeDimensions returns the size of the loaded image
func (c *Controller) NativeDimensions() types.Dimensions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.Native()
}

// DisplayDimensions returns the size of the drawing surface
func (c *Controller) DisplayDimensions() types.Dimensions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Empty {
		return types.Dimensions{}
	}
	return c.surface.Display()
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a submission is in flight
func (c *Controller) Busy() bool {
	return c.State() == Submitting
}

// Result returns the last successful result, if any
func (c *Controller) Result() *types.InpaintResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Status returns a snapshot of the session
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:      c.state,
		Strokes:    c.strokes.Len(),
		Tool:       c.tool,
		BrushWidth: c.width,
		Result:     c.result,
	}
	if c.state != Empty {
		st.Native = c.info.Native()
		st.Display = c.surface.Display()
		st.Format = c.info.Format
	}
	return st
}

// Mask rasterizes the current strokes at native resolution. The bitmap is
// cached until the strokes change; callers receive their own copy.
func (c *Controller) Mask() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.maskLocked()
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(m.Bounds())
	draw.Draw(out, out.Bounds(), m, m.Bounds().Min, draw.Src)
	return out, nil
}

func (c *Controller) maskLocked() (*image.RGBA, error) {
	if c.state == Empty {
		return nil, ErrNoImage
	}
	version := c.strokes.Version()
	if c.maskImg == nil || c.maskVersion != version {
		c.maskImg = c.rasterizer.Rasterize(c.strokes.All(), c.surface.Display(), c.info.Native())
		c.maskVersion = version
	}
	return c.maskImg, nil
}

// Submit publishes the image and the mask and asks the inpainting backend for
// a result. An empty selection is rejected before any network call. On
// failure the session returns to ImageLoaded with its strokes intact.
func (c *Controller) Submit(ctx context.Context, prompt string) (*types.InpaintResult, error) {
	original, format, maskPNG, err := c.beginSubmit()
	if err != nil {
		return nil, err
	}

	logging.Logger().Info("session: submitting", "prompt", prompt, "mask_bytes", len(maskPNG))

	res, err := c.publishAndGenerate(ctx, original, format, maskPNG, prompt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = ImageLoaded
		logging.Logger().Warn("session: submission failed", "error", err)
		return nil, err
	}
	c.result = res
	c.state = ResultReady
	logging.Logger().Info("session: result ready", "id", res.ID, "output", res.OutputURL)
	return res, nil
}

// beginSubmit checks the session can be submitted, encodes the mask and
// moves to Submitting.
func (c *Controller) beginSubmit() (original []byte, format string, maskPNG []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Empty:
		return nil, "", nil, ErrNoImage
	case Submitting:
		return nil, "", nil, ErrBusy
	}
	if c.strokes.Len() == 0 {
		return nil, "", nil, ErrEmptyMask
	}
	m, err := c.maskLocked()
	if err != nil {
		return nil, "", nil, err
	}
	if mask.IsBlank(m) {
		return nil, "", nil, ErrEmptyMask
	}
	maskPNG, err = mask.EncodePNG(m)
	if err != nil {
		return nil, "", nil, err
	}

	c.result = nil
	c.resultImage = nil
	c.state = Submitting
	return c.original, c.info.Format, maskPNG, nil
}

func (c *Controller) publishAndGenerate(ctx context.Context, original []byte, format string, maskPNG []byte, prompt string) (*types.InpaintResult, error) {
	var imageURL, maskURL string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		url, err := c.store.Store(gctx, "original."+extension(format), original, contentType(format))
		if err != nil {
			return fmt.Errorf("failed to store original image: %w", err)
		}
		imageURL = url
		return nil
	})
	g.Go(func() error {
		url, err := c.store.Store(gctx, "mask.png", maskPNG, mask.ContentType)
		if err != nil {
			return fmt.Errorf("failed to store mask: %w", err)
		}
		maskURL = url
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	res, err := c.inpainter.Generate(ctx, types.InpaintRequest{
		ImageURL: imageURL,
		MaskURL:  maskURL,
		Prompt:   prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInpaintingFailed, err)
	}
	if res == nil || res.OutputURL == "" {
		return nil, fmt.Errorf("%w: backend returned no output", ErrInpaintingFailed)
	}
	return res, nil
}

// SubmitAsync runs Submit on its own goroutine. The channel receives exactly
// one Outcome.
func (c *Controller) SubmitAsync(ctx context.Context, prompt string) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		res, err := c.Submit(ctx, prompt)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

// FetchResult downloads the generated image, retrying with a fixed delay
func (c *Controller) FetchResult(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	res, cached := c.result, c.resultImage
	gen := c.gen
	c.mu.Unlock()

	if res == nil {
		return nil, ErrNoResult
	}
	if cached != nil {
		return cached, nil
	}

	img, err := c.fetch(ctx, res.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}

	c.mu.Lock()
	if c.gen == gen && c.result == res {
		c.resultImage = img
	}
	c.mu.Unlock()
	return img, nil
}

// AutoSelect asks the vision backend for the region described by text and
// records it as an Add stroke
func (c *Controller) AutoSelect(ctx context.Context, text string) (*types.Region, error) {
	c.mu.Lock()
	if c.locator == nil {
		c.mu.Unlock()
		return nil, ErrAutoSelectUnavailable
	}
	if c.state == Empty {
		c.mu.Unlock()
		return nil, ErrNoImage
	}
	img, gen := c.img, c.gen
	c.mu.Unlock()

	region, err := c.locator.Locate(ctx, img, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil, fmt.Errorf("image changed during auto-select")
	}
	stroke := automask.RegionToStroke(*region, c.surface.Display(), c.width)
	if err := c.surface.AddStroke(stroke); err != nil {
		return nil, err
	}
	return region, nil
}

// SegmentSelect publishes the image, asks the mask model for the region
// described by prompt and records the returned mask as Add strokes. It
// returns the number of strokes added.
func (c *Controller) SegmentSelect(ctx context.Context, prompt string) (int, error) {
	c.mu.Lock()
	if c.segmenter == nil {
		c.mu.Unlock()
		return 0, ErrAutoSelectUnavailable
	}
	if c.state == Empty {
		c.mu.Unlock()
		return 0, ErrNoImage
	}
	original, format, gen := c.original, c.info.Format, c.gen
	c.mu.Unlock()

	imageURL, err := c.store.Store(ctx, "original."+extension(format), original, contentType(format))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to store original image: %w", ErrStorageUnavailable, err)
	}
	res, err := c.segmenter.GenerateMask(ctx, imageURL, prompt)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSegmentationFailed, err)
	}
	if res == nil || res.OutputURL == "" {
		return 0, fmt.Errorf("%w: model returned no mask", ErrSegmentationFailed)
	}
	m, err := c.fetch(ctx, res.OutputURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSegmentationFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return 0, fmt.Errorf("image changed during segmentation")
	}
	selected := automask.MaskToStrokes(m, c.surface.Display(), automask.MaskThreshold)
	if len(selected) == 0 {
		return 0, automask.ErrNoRegion
	}
	for _, stroke := range selected {
		if err := c.surface.AddStroke(stroke); err != nil {
			return 0, err
		}
	}
	logging.Logger().Info("session: segmentation applied", "prompt", prompt, "strokes", len(selected))
	return len(selected), nil
}

// ClearMask drops strokes, mask and result but keeps the image
func (c *Controller) ClearMask() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Empty:
		return ErrNoImage
	case Submitting:
		return ErrBusy
	}
	if err := c.surface.Clear(); err != nil {
		return err
	}
	c.strokes.Clear()
	c.clearArtifactsLocked()
	c.state = ImageLoaded
	return nil
}

// Reset discards the whole session and returns to Empty
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Submitting {
		return ErrBusy
	}
	c.surface.Dispose()
	c.surface = c.newSurface()
	c.surface.SetTool(c.tool)
	c.surface.SetBrushWidth(c.width)
	c.strokes.Clear()
	c.original = nil
	c.img = nil
	c.info = analyzer.ImageInfo{}
	c.gen++
	c.clearArtifactsLocked()
	c.state = Empty
	logging.Logger().Info("session: reset")
	return nil
}

// Close releases the drawing surface
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surface.Dispose()
}

func (c *Controller) clearArtifactsLocked() {
	c.maskImg = nil
	c.maskVersion = 0
	c.result = nil
	c.resultImage = nil
}

func extension(format string) string {
	switch format {
	case "jpeg", "":
		return "jpg"
	default:
		return format
	}
}

func contentType(format string) string {
	switch format {
	case "jpeg", "jpg", "":
		return "image/jpeg"
	default:
		return "image/" + format
	}
}
