package automask

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/menta2k/image-inpainter/pkg/mask"
	"github.com/menta2k/image-inpainter/pkg/types"
)

type fakeVision struct {
	answer string
	err    error
	prompt string
	model  string
	image  []byte
}

func (f *fakeVision) Query(ctx context.Context, model, prompt string, image []byte) (string, error) {
	f.model, f.prompt, f.image = model, prompt, image
	return f.answer, f.err
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 90, 255})
		}
	}
	return img
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want types.Box
	}{
		{"plain", `{"label":"shirt","confidence":0.9,"box":{"x":0.1,"y":0.2,"w":0.3,"h":0.4}}`, types.Box{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}},
		{"fenced", "```json\n{\"label\":\"shirt\",\"confidence\":0.9,\"box\":{\"x\":0.5,\"y\":0.5,\"w\":0.2,\"h\":0.2},}\n```", types.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}},
		{"chatty", "Sure! Here it is:\n{\"label\":\"hat\", /* top */ \"confidence\":1,\"box\":{\"x\":0,\"y\":0,\"w\":1,\"h\":0.5}}\nHope that helps.", types.Box{X: 0, Y: 0, W: 1, H: 0.5}},
		{"clamped", `{"label":"sky","confidence":2,"box":{"x":0.8,"y":-0.1,"w":0.5,"h":0.3}}`, types.Box{X: 0.8, Y: 0, W: 0.2, H: 0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region, err := ParseRegion(tt.raw)
			if err != nil {
				t.Fatalf("ParseRegion failed: %v", err)
			}
			if !boxNear(region.Box, tt.want) {
				t.Errorf("Expected box %+v, got %+v", tt.want, region.Box)
			}
			if region.Confidence > 1 {
				t.Errorf("Expected confidence clamped to 1, got %f", region.Confidence)
			}
		})
	}

	if _, err := ParseRegion("I cannot see any image."); err == nil {
		t.Error("Expected error for non-JSON answer")
	}
}

func boxNear(a, b types.Box) bool {
	const eps = 1e-9
	d := func(x, y float64) bool { return x-y < eps && y-x < eps }
	return d(a.X, b.X) && d(a.Y, b.Y) && d(a.W, b.W) && d(a.H, b.H)
}

func TestLocate(t *testing.T) {
	vc := &fakeVision{answer: `{"label":"shirt","confidence":0.8,"box":{"x":0.25,"y":0.25,"w":0.5,"h":0.5}}`}
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	l := NewLocator(vc, cfg)

	region, err := l.Locate(context.Background(), testImage(), "the red shirt")
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if region.Label != "shirt" {
		t.Errorf("Expected label shirt, got %s", region.Label)
	}
	if vc.model != "test-model" {
		t.Errorf("Expected configured model, got %s", vc.model)
	}
	if !strings.Contains(vc.prompt, `"the red shirt"`) {
		t.Errorf("Expected query in prompt, got %s", vc.prompt)
	}
	if len(vc.image) < 3 || vc.image[0] != 0xFF || vc.image[1] != 0xD8 {
		t.Error("Expected a JPEG to be sent to the model")
	}
}

func TestLocateNoRegion(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"none", `{"label":"none","confidence":0,"box":{"x":0,"y":0,"w":0,"h":0}}`},
		{"low confidence", `{"label":"cup","confidence":0.1,"box":{"x":0.1,"y":0.1,"w":0.2,"h":0.2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocator(&fakeVision{answer: tt.answer}, DefaultConfig())
			if _, err := l.Locate(context.Background(), testImage(), "cup"); !errors.Is(err, ErrNoRegion) {
				t.Errorf("Expected ErrNoRegion, got %v", err)
			}
		})
	}
}

func TestLocateErrors(t *testing.T) {
	l := NewLocator(&fakeVision{err: errors.New("backend down")}, DefaultConfig())
	if _, err := l.Locate(context.Background(), testImage(), "cup"); err == nil {
		t.Error("Expected backend error to propagate")
	}
	if _, err := l.Locate(context.Background(), testImage(), "   "); err == nil {
		t.Error("Expected error for empty query")
	}
}

func TestRegionToStrokeCoversBox(t *testing.T) {
	display := types.Dimensions{Width: 100, Height: 100}
	region := types.Region{Label: "x", Confidence: 1, Box: types.Box{X: 0.2, Y: 0.2, W: 0.4, H: 0.4}}

	stroke := RegionToStroke(region, display, 10)
	if !stroke.Valid() || stroke.Mode != types.ModeAdd {
		t.Fatalf("Expected a valid add stroke, got %+v", stroke)
	}

	m := mask.New().Rasterize([]types.Stroke{stroke}, display, display)
	for _, p := range []image.Point{{40, 40}, {22, 22}, {58, 58}, {22, 58}, {40, 25}} {
		if m.RGBAAt(p.X, p.Y) != mask.Foreground {
			t.Errorf("Expected pixel %v inside the box to be selected", p)
		}
	}
	for _, p := range []image.Point{{70, 40}, {40, 70}, {10, 10}} {
		if m.RGBAAt(p.X, p.Y) != mask.Background {
			t.Errorf("Expected pixel %v outside the box to stay unselected", p)
		}
	}
}

func TestRegionToStrokeTinyBox(t *testing.T) {
	display := types.Dimensions{Width: 100, Height: 100}
	stroke := RegionToStroke(types.Region{Box: types.Box{X: 0.5, Y: 0.5, W: 0.0625, H: 0.0625}}, display, 20)
	for _, p := range stroke.Points {
		if p.X != 53.125 || p.Y != 53.125 {
			t.Errorf("Expected all points at the box center, got %+v", p)
		}
	}
}
