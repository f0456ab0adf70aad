// Package mask converts recorded brush strokes into a binary mask bitmap at the
// native resolution of the edited image.
//
// Strokes are captured in display space. Rasterize maps every point with the
// per-axis scale between display and native size, widens each stroke by the
// horizontal factor and paints it with round caps and joins: Add strokes paint
// Foreground (white) and Remove strokes paint Background (black), so a later
// stroke always wins over an earlier one. Every stroke is painted once per
// configured pass factor (1.2 then 0.8 by default).
//
// Coverage is computed with golang.org/x/image/vector and thresholded, so the
// output holds exactly two colors and is identical for identical inputs.
package mask

import (
	"image"
	"image/color"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/types"
)

var (
	// Foreground marks pixels selected for editing
	Foreground = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	// Background marks pixels that are preserved
	Background = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Config holds configuration for mask rasterization
type Config struct {
	// PassFactors multiply the scaled stroke width, one paint pass per factor.
	PassFactors []float64
	// Threshold is the minimum coverage (0-255) for a pixel to be painted.
	Threshold uint8
}

// DefaultConfig returns the two-pass configuration: an oversized pass for full
// coverage followed by an undersized pass that tightens the edge.
func DefaultConfig() Config {
	return Config{
		PassFactors: []float64{1.2, 0.8},
		Threshold:   128,
	}
}

// Rasterizer turns strokes into mask bitmaps. It keeps no state between calls.
type Rasterizer struct {
	config Config
}

// New creates a Rasterizer with the default configuration
func New() *Rasterizer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Rasterizer with a custom configuration
func NewWithConfig(config Config) *Rasterizer {
	passes := make([]float64, 0, len(config.PassFactors))
	for _, f := range config.PassFactors {
		if f > 0 {
			passes = append(passes, f)
		}
	}
	if len(passes) == 0 {
		passes = []float64{1}
	}
	config.PassFactors = passes
	if config.Threshold == 0 {
		config.Threshold = 1
	}
	return &Rasterizer{config: config}
}

// Config returns a copy of the rasterizer configuration
func (r *Rasterizer) Config() Config {
	cfg := r.config
	cfg.PassFactors = append([]float64(nil), r.config.PassFactors...)
	return cfg
}

// Rasterize renders strokes captured on a display-sized canvas into a mask of
// the native size. Untouched pixels are Background.
func (r *Rasterizer) Rasterize(strokes []types.Stroke, display, native types.Dimensions) *image.RGBA {
	if native.Empty() {
		return image.NewRGBA(image.Rectangle{})
	}
	img := image.NewRGBA(image.Rect(0, 0, native.Width, native.Height))
	Fill(img, Background)
	if display.Empty() {
		return img
	}

	scaleX, scaleY := display.Scale(native)
	st := newStamper()
	for i, s := range strokes {
		if !s.Valid() {
			logging.Logger().Debug("mask: skipping malformed stroke", "index", i, "points", len(s.Points), "width", s.Width)
			continue
		}

		mapped := make([]types.Point, len(s.Points))
		for j, p := range s.Points {
			mapped[j] = types.Point{X: p.X * scaleX, Y: p.Y * scaleY}
		}

		c := Foreground
		if s.Mode == types.ModeRemove {
			c = Background
		}
		for _, factor := range r.config.PassFactors {
			st.stamp(img, mapped, s.Width*scaleX*factor, c, r.config.Threshold)
		}
	}

	logging.Logger().Debug("mask: rasterized",
		"strokes", len(strokes), "display", display.String(), "native", native.String(),
		"scale_x", scaleX, "scale_y", scaleY)
	return img
}

// Stamp paints a polyline of the given width onto dst with round caps and
// joins. Points are in dst's pixel space. Pixels whose coverage reaches
// threshold are set to c; all others are left untouched.
func Stamp(dst *image.RGBA, points []types.Point, width float64, c color.RGBA, threshold uint8) {
	newStamper().stamp(dst, points, width, c, threshold)
}

// Fill sets every pixel of img to c
func Fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			img.Pix[i+0] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = c.A
			i += 4
		}
	}
}

// IsBlank reports whether the mask has no Foreground pixel
func IsBlank(img *image.RGBA) bool {
	return Coverage(img) == 0
}

// Coverage counts the Foreground pixels of a mask
func Coverage(img *image.RGBA) int {
	b := img.Bounds()
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[i] == Foreground.R && img.Pix[i+1] == Foreground.G && img.Pix[i+2] == Foreground.B {
				n++
			}
			i += 4
		}
	}
	return n
}
