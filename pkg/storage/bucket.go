package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/image-inpainter/internal/logging"
)

// DefaultTTL is how long signed URLs stay valid
const DefaultTTL = time.Hour

// BucketConfig holds configuration for a storage bucket
type BucketConfig struct {
	URL     string
	Bucket  string
	APIKey  string
	TTL     time.Duration
	Timeout time.Duration
}

// BucketStore uploads artifacts to a Supabase-compatible storage bucket and
// returns time-limited signed URLs for them
type BucketStore struct {
	config     BucketConfig
	httpClient *http.Client
}

// NewBucketStore creates a bucket store
func NewBucketStore(config BucketConfig) (*BucketStore, error) {
	if config.URL == "" || config.Bucket == "" {
		return nil, fmt.Errorf("bucket store needs a URL and a bucket name")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid storage URL: %w", err)
	}
	config.URL = strings.TrimSuffix(config.URL, "/")
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &BucketStore{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type signRequest struct {
	ExpiresIn int64 `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// Store uploads data under a fresh "<uuid>-<name>" key and returns a signed URL
func (s *BucketStore) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := ObjectKey(name)
	objectPath := "/storage/v1/object/" + url.PathEscape(s.config.Bucket) + "/" + url.PathEscape(key)

	if _, err := s.do(ctx, objectPath, contentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("upload of %s failed: %w", key, err)
	}

	payload, err := json.Marshal(signRequest{ExpiresIn: int64(s.config.TTL / time.Second)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %w", err)
	}
	signPath := "/storage/v1/object/sign/" + url.PathEscape(s.config.Bucket) + "/" + url.PathEscape(key)
	body, err := s.do(ctx, signPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("signing of %s failed: %w", key, err)
	}

	var resp signResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse sign response: %w", err)
	}
	if resp.SignedURL == "" {
		return "", fmt.Errorf("could not get signed URL for %s", key)
	}

	signed := resp.SignedURL
	if !strings.HasPrefix(signed, "http://") && !strings.HasPrefix(signed, "https://") {
		signed = s.config.URL + "/storage/v1" + signed
	}
	logging.Logger().Debug("storage: uploaded artifact", "bucket", s.config.Bucket, "key", key, "bytes", len(data))
	return signed, nil
}

func (s *BucketStore) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
		req.Header.Set("apikey", s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
