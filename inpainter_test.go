package imageinpainter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/menta2k/image-inpainter/internal/config"
	"github.com/menta2k/image-inpainter/pkg/session"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// createTestImage creates a PNG with a bright square in the center
func createTestImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.SigningKey = "test-key"
	cfg.Storage.APIKey = ""
	cfg.Inpaint.APIToken = ""
	return cfg
}

func TestNew(t *testing.T) {
	inp, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if inp.store == nil || inp.inpainter == nil {
		t.Error("Expected store and inpainting client to be built")
	}
	if inp.FileHandler() == nil {
		t.Error("Expected a file handler for the local backend")
	}
	if inp.AutoSelectEnabled() {
		t.Error("Expected auto-select to be disabled without a vision backend")
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "ftp"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown storage backend")
	}
}

func TestNewBucketBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "bucket"
	cfg.Storage.URL = "https://project.supabase.co"
	inp, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if inp.FileHandler() != nil {
		t.Error("Expected no file handler for the bucket backend")
	}
}

func TestNewVisionBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vision.Backend = "ollama"
	inp, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !inp.AutoSelectEnabled() {
		t.Error("Expected auto-select to be enabled")
	}
}

func TestNewMaskModel(t *testing.T) {
	cfg := testConfig(t)
	inp, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if inp.SegmentationEnabled() {
		t.Error("Expected segmentation to be disabled without a mask model")
	}

	cfg.Inpaint.MaskModel = "acme/segment"
	inp, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !inp.SegmentationEnabled() {
		t.Error("Expected segmentation to be enabled")
	}
	sess := inp.NewSession()
	defer sess.Close()
	if _, err := sess.SegmentSelect(context.Background(), "hat"); !errors.Is(err, session.ErrNoImage) {
		t.Errorf("Expected ErrNoImage from a wired empty session, got %v", err)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Display.Compact = true
	cfg.Brush.Default = 12
	cfg.Mask.Threshold = 100

	sc := SessionConfig(cfg)
	if sc.Analyzer.MaxDimension != cfg.Display.CompactMaxDimension {
		t.Errorf("Expected compact display limit %d, got %d", cfg.Display.CompactMaxDimension, sc.Analyzer.MaxDimension)
	}
	if sc.BrushWidth != 12 || sc.Mask.Threshold != 100 {
		t.Errorf("Unexpected session config %+v", sc)
	}
	if sc.Fetch.Retries != cfg.Fetch.Retries || sc.Fetch.RetryDelay != cfg.Fetch.RetryDelay() {
		t.Errorf("Unexpected fetch config %+v", sc.Fetch)
	}
}

type failingStore struct{}

func (failingStore) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return "", errors.New("read-only")
}

func TestWithStore(t *testing.T) {
	inp, err := New(testConfig(t), WithStore(failingStore{}))
	if err != nil {
		t.Fatal(err)
	}
	sess := inp.NewSession()
	if err := sess.LoadImage(createTestImage(t, 64, 64)); err != nil {
		t.Fatal(err)
	}
	sess.Surface().AddStroke(types.Stroke{Points: []types.Point{{X: 32, Y: 32}}, Width: 10, Mode: types.ModeAdd})

	if _, err := sess.Submit(context.Background(), "x"); !errors.Is(err, session.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

// TestSessionEndToEnd stores artifacts in the local store, serves them over
// HTTP and runs a prediction against a fake predictions API that echoes the
// mask URL as its output.
func TestSessionEndToEnd(t *testing.T) {
	var inp *Inpainter
	var input map[string]any

	mux := http.NewServeMux()
	mux.Handle("/files/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.StripPrefix("/files", inp.FileHandler()).ServeHTTP(w, r)
	}))
	mux.HandleFunc("POST /v1/models/acme/inpaint/predictions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		input = body.Input
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "p1",
			"status": "succeeded",
			"output": []any{body.Input["mask"]},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Storage.BaseURL = srv.URL + "/files"
	cfg.Inpaint.BaseURL = srv.URL
	cfg.Inpaint.Model = "acme/inpaint"
	cfg.Inpaint.Input = map[string]any{"num_inference_steps": 25}

	var err error
	inp, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sess := inp.NewSession()
	if err := sess.LoadImage(createTestImage(t, 1024, 768)); err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if got := sess.DisplayDimensions(); got != (types.Dimensions{Width: 512, Height: 384}) {
		t.Fatalf("Expected 512x384 display, got %s", got)
	}

	s := sess.Surface()
	s.PointerDown(types.Point{X: 200, Y: 190})
	s.PointerMove(types.Point{X: 300, Y: 190})
	s.PointerUp(types.Point{X: 310, Y: 195})

	res, err := sess.Submit(context.Background(), "a potted plant")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if input["prompt"] != "a potted plant" || input["num_inference_steps"] != float64(25) {
		t.Errorf("Unexpected prediction input %v", input)
	}

	resp, err := http.Get(input["image"].(string))
	if err != nil {
		t.Fatal(err)
	}
	original, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(original, createTestImage(t, 1024, 768)) {
		t.Errorf("Expected original image to be served unchanged, got status %d", resp.StatusCode)
	}

	img, err := sess.FetchResult(context.Background())
	if err != nil {
		t.Fatalf("FetchResult failed: %v", err)
	}
	if img.Bounds().Dx() != 1024 || img.Bounds().Dy() != 768 {
		t.Errorf("Expected mask at native 1024x768, got %v", img.Bounds())
	}
	r, _, _, _ := img.At(500, 380).RGBA()
	if r != 0xffff {
		t.Error("Expected stroke to be selected in the mask")
	}
	if res.OutputURL != input["mask"] {
		t.Errorf("Expected output %v, got %s", input["mask"], res.OutputURL)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("Expected %s, got %s", Version, GetVersion())
	}
}
