package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/internal/utils"
)

var (
	// ErrInvalidSignature is returned for URLs whose signature does not match
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired is returned for signed URLs past their expiry
	ErrExpired = errors.New("signed URL expired")
)

// LocalStore keeps artifacts in a directory and hands out signed URLs that
// its Handler serves until they expire
type LocalStore struct {
	dir     string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalStore creates a store under dir. baseURL is the public prefix the
// Handler is mounted at. A random signing key is generated when none is given.
func NewLocalStore(dir, baseURL string, signingKey []byte, ttl time.Duration) (*LocalStore, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     signingKey,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Store writes data under a fresh "<uuid>-<name>" key and returns its signed URL
func (s *LocalStore) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := ObjectKey(name)
	if err := os.WriteFile(filepath.Join(s.dir, key), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}

	expires := s.now().Add(s.ttl).Unix()
	signed := fmt.Sprintf("%s/%s?expires=%d&sig=%s", s.baseURL, url.PathEscape(key), expires, s.sign(key, expires))
	logging.Logger().Debug("storage: stored artifact", "key", key, "bytes", len(data), "content_type", contentType)
	return signed, nil
}

// Verify checks the signature and expiry of a key
func (s *LocalStore) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(want, s.mac(key, exp)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

// Handler serves stored artifacts. Mount it at the store's base path with
// http.StripPrefix so that the request path is the object key.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/")
		if key == "" || strings.Contains(key, "/") || key != filepath.Base(key) {
			http.NotFound(w, r)
			return
		}

		q := r.URL.Query()
		if err := s.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.dir, key))
	})
}

func (s *LocalStore) sign(key string, expires int64) string {
	return hex.EncodeToString(s.mac(key, expires))
}

func (s *LocalStore) mac(key string, expires int64) []byte {
	m := hmac.New(sha256.New, s.key)
	fmt.Fprintf(m, "%s\n%d", key, expires)
	return m.Sum(nil)
}

// ObjectKey derives a collision-free object key from a file name
func ObjectKey(name string) string {
	return uuid.NewString() + "-" + utils.SanitizeFilename(name)
}
