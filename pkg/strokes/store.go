package strokes

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/menta2k/image-inpainter/pkg/types"
)

// Store is the ordered, append-only ledger of strokes for one editing session
type Store struct {
	mu      sync.RWMutex
	strokes []types.Stroke
	version uint64
}

// New creates an empty store
func New() *Store {
	return &Store{}
}

// Append records a completed stroke. Insertion order is kept.
func (s *Store) Append(stroke types.Stroke) {
	pts := make([]types.Point, len(stroke.Points))
	copy(pts, stroke.Points)
	stroke.Points = pts

	s.mu.Lock()
	s.strokes = append(s.strokes, stroke)
	s.version++
	s.mu.Unlock()
}

// All returns a snapshot of every stroke in insertion order
func (s *Store) All() []types.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Stroke, len(s.strokes))
	copy(out, s.strokes)
	return out
}

// Len returns the number of recorded strokes
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.strokes)
}

// Clear empties the store
func (s *Store) Clear() {
	s.mu.Lock()
	s.strokes = nil
	s.version++
	s.mu.Unlock()
}

// Version changes every time the content of the store changes
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// MarshalJSON encodes the strokes as a JSON array
func (s *Store) MarshalJSON() ([]byte, error) {
	all := s.All()
	if all == nil {
		all = []types.Stroke{}
	}
	return json.Marshal(all)
}

// Load reads a JSON array of strokes and appends them. Nothing is appended
// if any stroke is invalid.
func (s *Store) Load(r io.Reader) (int, error) {
	var in []types.Stroke
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return 0, fmt.Errorf("failed to decode strokes: %w", err)
	}

	for i, st := range in {
		if !st.Valid() {
			return 0, fmt.Errorf("stroke %d is invalid: %d points, width %.2f", i, len(st.Points), st.Width)
		}
	}
	for _, st := range in {
		s.Append(st)
	}
	return len(in), nil
}
