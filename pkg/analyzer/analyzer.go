package analyzer

import (
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// ImageAnalyzer decodes uploads and checks that they can be edited
type ImageAnalyzer struct {
	config Config
	proc   *processing.Processor
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	// MaxDimension bounds the longer edge of the display canvas
	MaxDimension int
}

// DefaultConfig returns the analyzer defaults
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpg", "jpeg", "png", "gif", "webp"},
		MinImageSize:     16,
		MaxDimension:     512,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config, proc: processing.NewProcessor()}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	AspectRatio float64          `json:"aspect_ratio"`
	Area        int              `json:"area"`
	Format      string           `json:"format,omitempty"`
	Display     types.Dimensions `json:"display"`
}

// Native returns the native pixel size
func (i ImageInfo) Native() types.Dimensions {
	return types.Dimensions{Width: i.Width, Height: i.Height}
}

// Analyze decodes upload bytes, checks the format allow-list and the minimum
// size, and computes the display size for the drawing canvas.
func (a *ImageAnalyzer) Analyze(data []byte) (image.Image, ImageInfo, error) {
	img, format, err := a.proc.DecodeImage(data)
	if err != nil {
		return nil, ImageInfo{}, err
	}
	if !a.isFormatSupported(format) {
		return nil, ImageInfo{}, fmt.Errorf("%w: %s", processing.ErrUnsupportedFormat, format)
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, ImageInfo{}, err
	}

	info := a.GetImageInfo(img)
	info.Format = format
	return img, info, nil
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	info.Display = processing.FitDisplay(info.Native(), a.config.MaxDimension)
	return info
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	if len(a.config.SupportedFormats) == 0 {
		return true
	}
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}
