package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/menta2k/image-inpainter/internal/config"
	"github.com/menta2k/image-inpainter/pkg/session"
	"github.com/menta2k/image-inpainter/pkg/surface"
	"github.com/menta2k/image-inpainter/pkg/types"
)

type memStore struct {
	mu  sync.Mutex
	n   int
	err error
}

func (m *memStore) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.n++
	return "https://files.test/" + name, nil
}

type stubInpainter struct {
	started chan struct{}
	release chan struct{}
}

func (s *stubInpainter) Generate(ctx context.Context, req types.InpaintRequest) (*types.InpaintResult, error) {
	if s.started != nil {
		close(s.started)
		<-s.release
	}
	return &types.InpaintResult{ID: "p1", Status: "succeeded", OutputURL: "https://out.test/" + req.Prompt}, nil
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store *memStore
	inp   *stubInpainter
}

func newTestEnv(t *testing.T, maxSessions int) *testEnv {
	t.Helper()
	env := &testEnv{store: &memStore{}, inp: &stubInpainter{}}
	files := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	})
	env.srv = New(config.ServerConfig{MaxUploadBytes: 1 << 20, MaxSessions: maxSessions}, func() *session.Controller {
		return session.New(session.DefaultConfig(), env.store, env.inp)
	}, files)
	env.http = httptest.NewServer(env.srv)
	t.Cleanup(func() {
		env.http.Close()
		env.srv.Close()
	})
	return env
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{90, 120, uint8(x), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(v)
	return e.do(t, http.MethodPost, path, "application/json", data)
}

func (e *testEnv) create(t *testing.T, w, h int) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/sessions", "image/png", pngBytes(t, w, h))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status.State != session.ImageLoaded {
		t.Fatalf("Expected image_loaded, got %s", out.Status.State)
	}
	return out.ID
}

func decodeStatus(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

var dot = types.Stroke{Points: []types.Point{{X: 50, Y: 50}}, Width: 20, Mode: types.ModeAdd}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 1024, 512)

	st := decodeStatus(t, env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil))
	display := st["display"].(map[string]any)
	if display["width"] != float64(512) || display["height"] != float64(256) {
		t.Errorf("Expected 512x256 display, got %v", display)
	}
	if st["tool"] != "add" {
		t.Errorf("Expected add tool, got %v", st["tool"])
	}
}

func TestCreateSessionMultipart(t *testing.T) {
	env := newTestEnv(t, 0)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("image", "photo.png")
	fw.Write(pngBytes(t, 64, 64))
	mw.Close()

	resp := env.do(t, http.MethodPost, "/api/sessions", mw.FormDataContentType(), body.Bytes())
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201, got %d", resp.StatusCode)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	env := newTestEnv(t, 1)

	if resp := env.do(t, http.MethodPost, "/api/sessions", "image/png", []byte("not an image")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", resp.StatusCode)
	}
	if env.srv.Len() != 0 {
		t.Errorf("Expected failed upload not to create a session, got %d", env.srv.Len())
	}

	// empty body creates an empty session
	if resp := env.do(t, http.MethodPost, "/api/sessions", "", nil); resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/sessions", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 at the session limit, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/sessions/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestStrokeAndMask(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 200, 100)

	if resp := env.postJSON(t, "/api/sessions/"+id+"/strokes", dot); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp := env.postJSON(t, "/api/sessions/"+id+"/strokes", types.Stroke{Width: 3}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty stroke, got %d", resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/mask.png", "", nil)
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("Expected image/png, got %s", resp.Header.Get("Content-Type"))
	}
	m, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if m.Bounds().Dx() != 200 || m.Bounds().Dy() != 100 {
		t.Errorf("Expected native-size mask, got %v", m.Bounds())
	}
	if r, _, _, _ := m.At(50, 50).RGBA(); r != 0xffff {
		t.Error("Expected stroke center to be selected")
	}

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id+"/preview.png", "", nil)
	if _, err := png.Decode(resp.Body); err != nil {
		t.Errorf("Expected a PNG preview, got %v", err)
	}
}

func TestOversizedStrokeIsClamped(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 200, 100)

	huge := types.Stroke{Points: []types.Point{{X: 50, Y: 50}}, Width: 1e7, Mode: types.ModeAdd}
	if resp := env.postJSON(t, "/api/sessions/"+id+"/strokes", huge); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	sess, ok := env.srv.get(id)
	if !ok {
		t.Fatal("Expected the session to exist")
	}
	recorded := sess.Strokes().All()
	if len(recorded) != 1 || recorded[0].Width != surface.DefaultMaxBrushWidth {
		t.Fatalf("Expected one stroke clamped to %d, got %+v", surface.DefaultMaxBrushWidth, recorded)
	}

	resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/mask.png", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	m, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, _ := m.At(50, 50).RGBA(); r != 0xffff {
		t.Error("Expected the stroke center to be selected")
	}
	if r, _, _, _ := m.At(150, 50).RGBA(); r != 0 {
		t.Error("Expected pixels beyond the clamped radius to stay black")
	}
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)

	resp := env.postJSON(t, "/api/sessions/"+id+"/submit", submitRequest{Prompt: "cat"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty mask, got %d", resp.StatusCode)
	}
	if env.store.n != 0 {
		t.Errorf("Expected no uploads, got %d", env.store.n)
	}

	env.postJSON(t, "/api/sessions/"+id+"/strokes", dot)
	resp = env.postJSON(t, "/api/sessions/"+id+"/submit", submitRequest{Prompt: "cat"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var res types.InpaintResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.OutputURL != "https://out.test/cat" {
		t.Errorf("Unexpected result %+v", res)
	}

	st := decodeStatus(t, env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil))
	if st["state"] != "result_ready" {
		t.Errorf("Expected result_ready, got %v", st["state"])
	}
}

func TestSubmitStorageFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.store.err = errors.New("bucket offline")
	id := env.create(t, 100, 100)
	env.postJSON(t, "/api/sessions/"+id+"/strokes", dot)

	resp := env.postJSON(t, "/api/sessions/"+id+"/submit", submitRequest{Prompt: "cat"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
}

func TestSubmitBusy(t *testing.T) {
	env := newTestEnv(t, 0)
	env.inp.started = make(chan struct{})
	env.inp.release = make(chan struct{})
	id := env.create(t, 100, 100)
	env.postJSON(t, "/api/sessions/"+id+"/strokes", dot)

	done := make(chan int, 1)
	go func() {
		data, _ := json.Marshal(submitRequest{Prompt: "cat"})
		resp, err := http.Post(env.http.URL+"/api/sessions/"+id+"/submit", "application/json", bytes.NewReader(data))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-env.inp.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Submission never reached the backend")
	}

	if resp := env.postJSON(t, "/api/sessions/"+id+"/submit", submitRequest{Prompt: "dog"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while busy, got %d", resp.StatusCode)
	}
	if resp := env.postJSON(t, "/api/sessions/"+id+"/reset", resetRequest{}); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for reset while busy, got %d", resp.StatusCode)
	}

	close(env.inp.release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("Expected first submission to succeed, got %d", code)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)
	env.postJSON(t, "/api/sessions/"+id+"/strokes", dot)

	st := decodeStatus(t, env.postJSON(t, "/api/sessions/"+id+"/reset", resetRequest{KeepImage: true}))
	if st["state"] != "image_loaded" || st["strokes"] != float64(0) {
		t.Errorf("Expected image kept without strokes, got %v", st)
	}

	st = decodeStatus(t, env.postJSON(t, "/api/sessions/"+id+"/reset", resetRequest{}))
	if st["state"] != "empty" {
		t.Errorf("Expected empty session, got %v", st)
	}

	if resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/mask.png", "", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for mask without image, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPut, "/api/sessions/"+id+"/image", "image/png", pngBytes(t, 40, 40)); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected image upload to reopen the session, got %d", resp.StatusCode)
	}
}

func TestAutoSelectUnavailable(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)
	for _, path := range []string{"/autoselect", "/segment"} {
		resp := env.postJSON(t, "/api/sessions/"+id+path, autoSelectRequest{Text: "cat"})
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("%s: expected 501, got %d", path, resp.StatusCode)
		}
	}
}

func TestResultBeforeSubmit(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)
	if resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/result.png", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)

	if resp := env.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestFilesMounted(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.do(t, http.MethodGet, "/files/abc-mask.png", "", nil)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "/abc-mask.png" {
		t.Errorf("Expected prefix to be stripped, got %q", buf.String())
	}
}

func TestWebsocketDrawing(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.create(t, 100, 100)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	send := func(msg Message) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatal(err)
		}
	}
	recv := func() Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	send(Message{Type: "brush", Width: 500})
	if ev := recv(); ev.Type != "brush" || ev.Width != 50 {
		t.Errorf("Expected clamped brush width 50, got %+v", ev)
	}

	send(Message{Type: "down", X: 10, Y: 10})
	send(Message{Type: "move", X: 40, Y: 10})
	send(Message{Type: "up", X: 60, Y: 12})
	if ev := recv(); ev.Type != "stroke" || ev.Count != 1 {
		t.Errorf("Expected stroke count 1, got %+v", ev)
	}

	send(Message{Type: "tool", Mode: "eraser"})
	if ev := recv(); ev.Type != "tool" || ev.Mode != "remove" {
		t.Errorf("Expected remove tool, got %+v", ev)
	}

	send(Message{Type: "down", X: 10, Y: 10})
	send(Message{Type: "cancel"})
	if ev := recv(); ev.Type != "cancelled" || ev.Count != 1 {
		t.Errorf("Expected cancelled gesture, got %+v", ev)
	}

	send(Message{Type: "scribble"})
	if ev := recv(); ev.Type != "error" {
		t.Errorf("Expected error for unknown type, got %+v", ev)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if ev := recv(); ev.Type != "error" {
		t.Errorf("Expected error for malformed message, got %+v", ev)
	}

	send(Message{Type: "clear"})
	if ev := recv(); ev.Type != "cleared" {
		t.Errorf("Expected cleared, got %+v", ev)
	}

	st := decodeStatus(t, env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil))
	if st["strokes"] != float64(0) || st["tool"] != "remove" || st["brush_width"] != float64(50) {
		t.Errorf("Unexpected status after websocket session %v", st)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrEmptyMask, http.StatusBadRequest},
		{session.ErrBusy, http.StatusConflict},
		{session.ErrNoResult, http.StatusNotFound},
		{session.ErrAutoSelectUnavailable, http.StatusNotImplemented},
		{errors.Join(session.ErrInpaintingFailed, context.Canceled), http.StatusBadGateway},
		{session.ErrSegmentationFailed, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("image too small"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, expected %d", tt.err, got, tt.want)
		}
	}
}
