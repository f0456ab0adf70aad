// Package surface implements a headless drawing surface: it captures pointer
// gestures as strokes in display space and renders the background image with
// a live mask overlay.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/mask"
	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/types"
)

var (
	// ErrNotInitialized is returned by operations issued before Initialize
	ErrNotInitialized = errors.New("surface not initialized")
	// ErrDisposed is returned by operations issued after Dispose
	ErrDisposed = errors.New("surface disposed")
)

const (
	DefaultBrushWidth    = 20
	DefaultMinBrushWidth = 1
	DefaultMaxBrushWidth = 50
	// DefaultOverlayOpacity is the alpha applied to the stroke overlay in Render
	DefaultOverlayOpacity = 160
)

// Option configures a Surface
type Option func(*Surface)

// WithBrushLimits sets the range SetBrushWidth clamps to
func WithBrushLimits(min, max float64) Option {
	return func(s *Surface) {
		if min > 0 && max >= min {
			s.minWidth, s.maxWidth = min, max
		}
	}
}

// WithBrushWidth sets the initial brush width
func WithBrushWidth(width float64) Option {
	return func(s *Surface) { s.width = width }
}

// WithOverlayOpacity sets the alpha of the stroke overlay
func WithOverlayOpacity(alpha uint8) Option {
	return func(s *Surface) { s.opacity = alpha }
}

// WithStrokeSource makes Render draw the committed strokes returned by fn,
// typically the All method of the store fed by OnStrokeComplete. Without it
// Render uses the surface's own record.
func WithStrokeSource(fn func() []types.Stroke) Option {
	return func(s *Surface) { s.committed = fn }
}

// WithProcessor sets the decoder used by SetBackgroundImage
func WithProcessor(p *processing.Processor) Option {
	return func(s *Surface) {
		if p != nil {
			s.proc = p
		}
	}
}

// Surface records strokes drawn over a display-sized canvas. All methods are
// safe for concurrent use; handlers run on the caller's goroutine after the
// surface lock is released.
type Surface struct {
	mu sync.Mutex

	display     types.Dimensions
	initialized bool
	disposed    bool

	source     image.Image
	background *image.RGBA

	tool     types.Mode
	width    float64
	minWidth float64
	maxWidth float64
	opacity  uint8

	strokes   []types.Stroke
	current   *types.Stroke
	committed func() []types.Stroke

	onComplete []func(types.Stroke)
	onClear    []func()

	proc *processing.Processor
}

// New creates an uninitialized surface
func New(opts ...Option) *Surface {
	s := &Surface{
		tool:     types.ModeAdd,
		width:    DefaultBrushWidth,
		minWidth: DefaultMinBrushWidth,
		maxWidth: DefaultMaxBrushWidth,
		opacity:  DefaultOverlayOpacity,
		proc:     processing.NewProcessor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.width = s.clampWidth(s.width)
	return s
}

// Initialize allocates the surface at the given display size and clears any
// prior strokes, background and gesture.
func (s *Surface) Initialize(display types.Dimensions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if display.Empty() {
		return fmt.Errorf("invalid display size %s", display)
	}
	s.display = display
	s.initialized = true
	s.source = nil
	s.background = nil
	s.strokes = nil
	s.current = nil
	logging.Logger().Debug("surface: initialized", "display", display.String())
	return nil
}

// Resize changes the display size. The background is rescaled from its
// decoded source; recorded stroke points are left as they are.
func (s *Surface) Resize(display types.Dimensions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if display.Empty() {
		return fmt.Errorf("invalid display size %s", display)
	}
	s.display = display
	if s.source != nil {
		s.background = scaleToFill(s.source, display)
	}
	return nil
}

// SetBackgroundImage decodes image bytes and scales them to fill the surface
func (s *Surface) SetBackgroundImage(data []byte) error {
	img, _, err := s.proc.DecodeImage(data)
	if err != nil {
		return err
	}
	return s.SetBackground(img)
}

// SetBackground scales an already decoded image to exactly fill the display
// size. The aspect ratio is not preserved.
func (s *Surface) SetBackground(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if img == nil || img.Bounds().Empty() {
		return errors.New("background image is empty")
	}
	s.source = img
	s.background = scaleToFill(img, s.display)
	return nil
}

// SetTool sets the mode of subsequent strokes
func (s *Surface) SetTool(mode types.Mode) {
	s.mu.Lock()
	s.tool = mode
	s.mu.Unlock()
}

// Tool returns the active mode
func (s *Surface) Tool() types.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// SetBrushWidth sets the width of subsequent strokes, clamped to the brush
// limits. It returns the width actually applied.
func (s *Surface) SetBrushWidth(px float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width = s.clampWidth(px)
	return s.width
}

// BrushWidth returns the active brush width
func (s *Surface) BrushWidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

// Display returns the current display size
func (s *Surface) Display() types.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// OnStrokeComplete registers a handler called once per completed gesture
func (s *Surface) OnStrokeComplete(fn func(types.Stroke)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onComplete = append(s.onComplete, fn)
	s.mu.Unlock()
}

// OnClear registers a handler called after Clear
func (s *Surface) OnClear(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onClear = append(s.onClear, fn)
	s.mu.Unlock()
}

// PointerDown starts a gesture with the active tool and brush width. A
// gesture still in flight is completed first.
func (s *Surface) PointerDown(p types.Point) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev, handlers := s.finishLocked()
	s.current = &types.Stroke{
		Points: []types.Point{p},
		Width:  s.width,
		Mode:   s.tool,
	}
	s.mu.Unlock()

	notify(prev, handlers)
	return nil
}

// PointerMove extends the gesture in flight. Moves without a gesture are ignored.
func (s *Surface) PointerMove(p types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.current == nil {
		return nil
	}
	s.current.Points = append(s.current.Points, p)
	return nil
}

// PointerUp completes the gesture and fires the stroke-complete handlers. A
// gesture without moves yields a single-point stroke.
func (s *Surface) PointerUp(p types.Point) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.current != nil {
		if last := s.current.Points[len(s.current.Points)-1]; last != p {
			s.current.Points = append(s.current.Points, p)
		}
	}
	stroke, handlers := s.finishLocked()
	s.mu.Unlock()

	notify(stroke, handlers)
	return nil
}

// AddStroke records a stroke that did not come from pointer events, such as
// a generated selection, and fires the stroke-complete handlers for it. The
// width is clamped to the brush limits like SetBrushWidth.
func (s *Surface) AddStroke(stroke types.Stroke) error {
	if !stroke.Valid() {
		return fmt.Errorf("invalid stroke: %d points, width %.2f", len(stroke.Points), stroke.Width)
	}

	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	pts := make([]types.Point, len(stroke.Points))
	copy(pts, stroke.Points)
	stroke.Points = pts
	stroke.Width = s.clampWidth(stroke.Width)
	s.strokes = append(s.strokes, stroke)
	handlers := append([]func(types.Stroke){}, s.onComplete...)
	s.mu.Unlock()

	notify(&stroke, handlers)
	return nil
}

// Cancel drops the gesture in flight without recording it
func (s *Surface) Cancel() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Drawing reports whether a gesture is in flight
func (s *Surface) Drawing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Strokes returns a copy of the strokes recorded by this surface since the
// last clear. Callers that keep their own store should treat it as a preview
// record only.
func (s *Surface) Strokes() []types.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Stroke, len(s.strokes))
	copy(out, s.strokes)
	return out
}

// Clear drops every stroke and the gesture in flight. The background stays.
func (s *Surface) Clear() error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.strokes = nil
	s.current = nil
	handlers := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

// Render composes the background and the stroke overlay at display size. Add
// strokes show white and Remove strokes black.
func (s *Surface) Render() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	bounds := image.Rect(0, 0, s.display.Width, s.display.Height)
	dst := image.NewRGBA(bounds)
	if s.background != nil {
		draw.Draw(dst, bounds, s.background, image.Point{}, draw.Src)
	} else {
		draw.Draw(dst, bounds, image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)
	}

	pending := s.strokes
	if s.committed != nil {
		pending = s.committed()
	}
	if s.current != nil {
		pending = append(pending[:len(pending):len(pending)], *s.current)
	}
	if len(pending) == 0 {
		return dst, nil
	}

	overlay := image.NewRGBA(bounds)
	for _, st := range pending {
		c := mask.Foreground
		if st.Mode == types.ModeRemove {
			c = mask.Background
		}
		mask.Stamp(overlay, st.Points, st.Width, c, 128)
	}
	draw.DrawMask(dst, bounds, overlay, image.Point{}, image.NewUniform(color.Alpha{A: s.opacity}), image.Point{}, draw.Over)
	return dst, nil
}

// Dispose releases the surface. Later operations return ErrDisposed.
func (s *Surface) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.source = nil
	s.background = nil
	s.strokes = nil
	s.current = nil
	s.onComplete = nil
	s.onClear = nil
}

func (s *Surface) checkLocked() error {
	if s.disposed {
		return ErrDisposed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// finishLocked moves the gesture in flight into the stroke list and returns
// it together with a snapshot of the handlers to notify.
func (s *Surface) finishLocked() (*types.Stroke, []func(types.Stroke)) {
	if s.current == nil {
		return nil, nil
	}
	stroke := s.current
	s.current = nil
	s.strokes = append(s.strokes, *stroke)
	logging.Logger().Debug("surface: stroke complete",
		"mode", stroke.Mode.String(), "points", len(stroke.Points), "width", stroke.Width)
	return stroke, append([]func(types.Stroke){}, s.onComplete...)
}

func (s *Surface) clampWidth(px float64) float64 {
	if math.IsNaN(px) {
		return s.minWidth
	}
	return math.Max(s.minWidth, math.Min(s.maxWidth, px))
}

func notify(stroke *types.Stroke, handlers []func(types.Stroke)) {
	if stroke == nil {
		return
	}
	for _, fn := range handlers {
		pts := make([]types.Point, len(stroke.Points))
		copy(pts, stroke.Points)
		fn(types.Stroke{Points: pts, Width: stroke.Width, Mode: stroke.Mode})
	}
}

func scaleToFill(src image.Image, display types.Dimensions) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, display.Width, display.Height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
