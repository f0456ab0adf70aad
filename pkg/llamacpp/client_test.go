package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		parts, ok := req.Messages[0].Content.([]interface{})
		if !ok || len(parts) != 2 {
			t.Errorf("Expected text and image parts, got %#v", req.Messages[0].Content)
			return
		}
		img := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})["url"].(string)
		if !strings.HasPrefix(img, "data:image/png;base64,") {
			t.Errorf("Expected png data URL, got %.40s", img)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": `{"label":"cat"}`}}},
		})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL + "/")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	got, err := c.Query(context.Background(), "llava", "find the cat", png)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got != `{"label":"cat"}` {
		t.Errorf("Unexpected answer %q", got)
	}
}

func TestQueryArrayContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	got, err := c.Query(context.Background(), "m", "p", nil)
	if err != nil || got != "hello" {
		t.Errorf("Expected hello, got %q (%v)", got, err)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"empty text", http.StatusOK, `{"choices":[{"message":{"content":""}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := NewClient(srv.URL)
			if _, err := c.Query(context.Background(), "m", "p", nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
