// Package automask selects a region of an image from a text description and
// turns it into strokes that can be recorded like hand-drawn ones. A vision
// model can locate a bounding box, or a segmentation model can return a
// finished mask.
package automask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"regexp"
	"strings"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/client"
	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// ErrNoRegion is returned when the model finds nothing matching the query
var ErrNoRegion = errors.New("no matching region found")

// PromptTemplate asks for a single bounding box. %s is the user's query.
const PromptTemplate = `You are an image region locator.

Find the region of the image that matches this description: %q

Return JSON only:
{
  "label": "string",
  "confidence": 0.0,
  "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- The box should tightly include the described region.
- If nothing matches, return {"label":"none","confidence":0.0,"box":{"x":0,"y":0,"w":0,"h":0}}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config holds configuration for the locator
type Config struct {
	Model         string
	MinConfidence float64
	// MaxImageSize bounds the longer edge of the image sent to the model
	MaxImageSize int
	JPEGQuality  int
}

// DefaultConfig returns the locator defaults
func DefaultConfig() Config {
	return Config{
		Model:         "llava:13b",
		MinConfidence: 0.3,
		MaxImageSize:  768,
		JPEGQuality:   85,
	}
}

// Locator finds regions with a vision model
type Locator struct {
	client client.VisionClient
	proc   *processing.Processor
	config Config
}

// NewLocator creates a locator backed by a vision client
func NewLocator(vc client.VisionClient, config Config) *Locator {
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 85
	}
	return &Locator{client: vc, proc: processing.NewProcessor(), config: config}
}

// Locate asks the model where text is in img
func (l *Locator) Locate(ctx context.Context, img image.Image, text string) (*types.Region, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty region description")
	}

	data, err := l.proc.PrepareImageForModel(img, "jpg", l.config.MaxImageSize, l.config.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	raw, err := l.client.Query(ctx, l.config.Model, fmt.Sprintf(PromptTemplate, text), data)
	if err != nil {
		return nil, fmt.Errorf("vision query failed: %w", err)
	}

	region, err := ParseRegion(raw)
	if err != nil {
		return nil, err
	}
	logging.Logger().Info("automask: region located", "query", text, "label", region.Label,
		"confidence", region.Confidence, "box", region.Box)

	if strings.EqualFold(region.Label, "none") || region.Box.W <= 0 || region.Box.H <= 0 {
		return nil, ErrNoRegion
	}
	if region.Confidence < l.config.MinConfidence {
		return nil, fmt.Errorf("%w: confidence %.2f below %.2f", ErrNoRegion, region.Confidence, l.config.MinConfidence)
	}
	return region, nil
}

// ParseRegion extracts a region from a model answer, tolerating code fences,
// comments and trailing commas. The box is clamped to the unit square.
func ParseRegion(raw string) (*types.Region, error) {
	cleaned := sanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("model returned non-JSON response: %.80q", raw)
	}

	var region types.Region
	if err := json.Unmarshal([]byte(cleaned), &region); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	region.Box = normalizeBox(region.Box)
	region.Confidence = clamp(region.Confidence, 0, 1)
	return &region, nil
}

// RegionToStroke covers the region's box on a display canvas with a single
// serpentine Add stroke of the given width. Boxes narrower than the brush
// become one dot at their center.
func RegionToStroke(region types.Region, display types.Dimensions, width float64) types.Stroke {
	box := normalizeBox(region.Box)
	x0 := box.X * float64(display.Width)
	y0 := box.Y * float64(display.Height)
	x1 := (box.X + box.W) * float64(display.Width)
	y1 := (box.Y + box.H) * float64(display.Height)

	stroke := types.Stroke{Width: width, Mode: types.ModeAdd}
	r := width / 2
	left, right := x0+r, x1-r
	top, bottom := y0+r, y1-r
	if left > right {
		left, right = (x0+x1)/2, (x0+x1)/2
	}
	if top > bottom {
		top, bottom = (y0+y1)/2, (y0+y1)/2
	}

	// rows half a brush apart stay gap free after the narrower pass
	step := math.Max(width/2, 1)
	rows := int(math.Ceil((bottom-top)/step)) + 1
	for i := 0; i < rows; i++ {
		y := math.Min(top+float64(i)*step, bottom)
		if i%2 == 0 {
			stroke.Points = append(stroke.Points, types.Point{X: left, Y: y}, types.Point{X: right, Y: y})
		} else {
			stroke.Points = append(stroke.Points, types.Point{X: right, Y: y}, types.Point{X: left, Y: y})
		}
	}
	return stroke
}

// normalizeBox clamps a normalized box to the unit square
func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	w := clamp(b.W, 0, 1-x)
	h := clamp(b.H, 0, 1-y)
	return types.Box{X: x, Y: y, W: w, H: h}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
