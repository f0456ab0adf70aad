package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// ErrUnsupportedFormat is returned when uploaded bytes cannot be decoded
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Config holds configuration for the processor's network side
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Processor handles image decoding, fitting, fetching and saving
type Processor struct {
	config     Config
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return NewProcessorWithConfig(Config{
		UserAgent:  "Image-Inpainter/1.0",
		Timeout:    30 * time.Second,
		Retries:    3,
		RetryDelay: 2 * time.Second,
	})
}

// NewProcessorWithConfig creates a processor with custom network settings
func NewProcessorWithConfig(config Config) *Processor {
	if config.Retries < 1 {
		config.Retries = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Processor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// DecodeImage decodes uploaded bytes. It returns the decoded image and the
// detected format name. HEIC/HEIF uploads need a conversion step before they
// reach this function and are rejected with ErrUnsupportedFormat.
func (p *Processor) DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrUnsupportedFormat)
	}
	if IsHEIC(data) {
		return nil, "heic", fmt.Errorf("%w: heic/heif must be converted to jpeg or png first", ErrUnsupportedFormat)
	}

	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}

	// Fallback: explicit WebP decode
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}

	return nil, "", fmt.Errorf("%w: unknown or corrupt image data (%s)", ErrUnsupportedFormat, http.DetectContentType(data))
}

// DecodeConfig returns the native dimensions without decoding pixels
func (p *Processor) DecodeConfig(data []byte) (types.Dimensions, string, error) {
	if IsHEIC(data) {
		return types.Dimensions{}, "heic", fmt.Errorf("%w: heic/heif must be converted first", ErrUnsupportedFormat)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		img, format, derr := p.DecodeImage(data)
		if derr != nil {
			return types.Dimensions{}, "", derr
		}
		b := img.Bounds()
		return types.Dimensions{Width: b.Dx(), Height: b.Dy()}, format, nil
	}
	return types.Dimensions{Width: cfg.Width, Height: cfg.Height}, format, nil
}

// IsHEIC reports whether data starts with an ISO-BMFF header of a HEIC/HEIF brand
func IsHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "heim", "heis", "mif1", "msf1":
		return true
	}
	return false
}

// FitDisplay computes the display size for an image: the longer edge is
// constrained to maxDim, aspect ratio is preserved, images are never upscaled.
func FitDisplay(native types.Dimensions, maxDim int) types.Dimensions {
	if native.Empty() {
		return types.Dimensions{}
	}
	scale := 1.0
	if maxDim > 0 {
		longest := math.Max(float64(native.Width), float64(native.Height))
		scale = math.Min(1, float64(maxDim)/longest)
	}
	w := int(math.Round(float64(native.Width) * scale))
	h := int(math.Round(float64(native.Height) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return types.Dimensions{Width: w, Height: h}
}

// ReadSource reads image bytes from either a file path or an http(s) URL
func (p *Processor) ReadSource(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, _, err := p.Fetch(ctx, source)
		return data, err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return data, nil
}

// Fetch downloads a URL once and returns its body and content type
func (p *Processor) Fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// FetchImage downloads and decodes an image, retrying with a fixed delay.
// Only the fetch of an already produced result goes through this path.
func (p *Processor) FetchImage(ctx context.Context, imageURL string) (image.Image, error) {
	var lastErr error
	for attempt := 1; attempt <= p.config.Retries; attempt++ {
		data, contentType, err := p.Fetch(ctx, imageURL)
		if err == nil {
			if contentType != "" && !strings.HasPrefix(contentType, "image/") && !strings.HasPrefix(contentType, "application/octet-stream") {
				return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
			}
			img, _, derr := p.DecodeImage(data)
			if derr != nil {
				return nil, derr
			}
			return img, nil
		}
		lastErr = err

		if attempt == p.config.Retries {
			break
		}
		logging.Logger().Warn("fetch failed, retrying", "url", imageURL, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", imageURL, p.config.Retries, lastErr)
}

// PrepareImageForModel re-encodes an image for a vision model, shrinking the
// longer side to maxDim when it is larger
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) ([]byte, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateMaskOverlay tints the masked region of img and outlines its bounding
// box, for previewing what will be edited. The mask must have img's size.
func (p *Processor) CreateMaskOverlay(img image.Image, maskImg image.Image, tint color.NRGBA) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()
	mb := maskImg.Bounds()

	minX, minY, maxX, maxY := w, h, -1, -1
	a := float64(tint.A) / 255
	for y := 0; y < h && y < mb.Dy(); y++ {
		for x := 0; x < w && x < mb.Dx(); x++ {
			r, _, _, _ := maskImg.At(mb.Min.X+x, mb.Min.Y+y).RGBA()
			if r < 0x8000 {
				continue
			}
			i := y*nrgba.Stride + x*4
			nrgba.Pix[i+0] = blend(nrgba.Pix[i+0], tint.R, a)
			nrgba.Pix[i+1] = blend(nrgba.Pix[i+1], tint.G, a)
			nrgba.Pix[i+2] = blend(nrgba.Pix[i+2], tint.B, a)
			minX, minY = minInt(minX, x), minInt(minY, y)
			maxX, maxY = maxInt(maxX, x), maxInt(maxY, y)
		}
	}

	if maxX >= 0 {
		stroke := int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side
		outline := color.NRGBA{R: tint.R, G: tint.G, B: tint.B, A: 255}
		drawRect(nrgba, image.Rect(minX, minY, maxX+1, maxY+1), outline, stroke)
	}
	return nrgba
}

// BoxToRect converts a normalized box to pixel coordinates of dims
func BoxToRect(box types.Box, dims types.Dimensions) image.Rectangle {
	x0, y0, x1, y1 := boxToPixels(box, dims.Width, dims.Height)
	return image.Rect(x0, y0, x1, y1)
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func blend(dst, src uint8, a float64) uint8 {
	return uint8(math.Round(float64(dst)*(1-a) + float64(src)*a))
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
