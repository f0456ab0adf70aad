package analyzer

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"testing"

	"github.com/menta2k/image-inpainter/pkg/processing"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNew(t *testing.T) {
	analyzer := New()
	if analyzer == nil {
		t.Fatal("New() returned nil")
	}

	if analyzer.config.MaxDimension != 512 {
		t.Errorf("Expected max dimension 512, got %d", analyzer.config.MaxDimension)
	}
	if analyzer.config.MinImageSize != 16 {
		t.Errorf("Expected min size 16, got %d", analyzer.config.MinImageSize)
	}
}

func TestGetImageInfo(t *testing.T) {
	analyzer := New()
	img := createTestImage(1024, 768)

	info := analyzer.GetImageInfo(img)

	if info.Width != 1024 || info.Height != 768 {
		t.Errorf("Expected 1024x768, got %dx%d", info.Width, info.Height)
	}

	expectedRatio := float64(1024) / float64(768)
	if info.AspectRatio != expectedRatio {
		t.Errorf("Expected aspect ratio %f, got %f", expectedRatio, info.AspectRatio)
	}

	if info.Display != (types.Dimensions{Width: 512, Height: 384}) {
		t.Errorf("Expected display 512x384, got %s", info.Display)
	}
}

func TestAnalyze(t *testing.T) {
	analyzer := New()
	img, info, err := analyzer.Analyze(pngBytes(t, createTestImage(300, 200)))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if img == nil {
		t.Fatal("Expected decoded image")
	}
	if info.Format != "png" {
		t.Errorf("Expected png, got %s", info.Format)
	}
	if info.Display != info.Native() {
		t.Errorf("Expected small image to keep its size, got %s", info.Display)
	}
}

func TestAnalyzeRejectsFormat(t *testing.T) {
	analyzer := NewWithConfig(Config{SupportedFormats: []string{"png"}, MinImageSize: 1, MaxDimension: 512})

	var buf bytes.Buffer
	if err := gif.Encode(&buf, createTestImage(20, 20), nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := analyzer.Analyze(buf.Bytes()); !errors.Is(err, processing.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat for gif, got %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	analyzer := New()

	if err := analyzer.ValidateImage(createTestImage(16, 16)); err != nil {
		t.Errorf("Expected 16x16 to be valid, got %v", err)
	}
	if err := analyzer.ValidateImage(createTestImage(200, 8)); err == nil {
		t.Error("Expected error for image below minimum size")
	}
}
