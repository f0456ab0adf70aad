package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Point is a coordinate in display-canvas space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Mode tags a stroke as adding to or removing from the mask
type Mode int

const (
	ModeAdd Mode = iota
	ModeRemove
)

// String returns the wire name of the mode
func (m Mode) String() string {
	switch m {
	case ModeAdd:
		return "add"
	case ModeRemove:
		return "remove"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts both the semantic names and the tool names used by drawing UIs
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add", "brush":
		return ModeAdd, nil
	case "remove", "eraser", "erase":
		return ModeRemove, nil
	default:
		return ModeAdd, fmt.Errorf("unknown stroke mode: %q", s)
	}
}

// MarshalJSON encodes the mode as its wire name
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode from its wire name
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("stroke mode must be a string: %w", err)
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Stroke is one continuous pointer drag captured in display space
type Stroke struct {
	Points []Point `json:"points"`
	Width  float64 `json:"width"`
	Mode   Mode    `json:"mode"`
}

// Valid reports whether the stroke can be rasterized
func (s Stroke) Valid() bool {
	if len(s.Points) == 0 || !(s.Width > 0) || math.IsInf(s.Width, 0) {
		return false
	}
	for _, p := range s.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}

// Dimensions is a pixel size of a canvas or image
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either side is not positive
func (d Dimensions) Empty() bool {
	return d.Width <= 0 || d.Height <= 0
}

// Scale returns the per-axis factors mapping d onto to
func (d Dimensions) Scale(to Dimensions) (float64, float64) {
	if d.Empty() {
		return 0, 0
	}
	return float64(to.Width) / float64(d.Width), float64(to.Height) / float64(d.Height)
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Region is an area located by a vision model for a text query
type Region struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// InpaintRequest references the published artifacts of a submission
type InpaintRequest struct {
	ImageURL string `json:"image"`
	MaskURL  string `json:"mask"`
	Prompt   string `json:"prompt"`
}

// InpaintResult is the terminal answer of the inpainting collaborator
type InpaintResult struct {
	ID        string         `json:"id,omitempty"`
	Status    string         `json:"status"`
	OutputURL string         `json:"output"`
	Outputs   []string       `json:"outputs,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}
