package automask

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/menta2k/image-inpainter/pkg/types"
)

// MaskThreshold is the gray level from which a model mask pixel is selected
const MaskThreshold = 128

// MaskToStrokes turns a black and white mask produced by a segmentation model
// into Add strokes on a display canvas. The mask is sampled at display size
// and every horizontal run of selected pixels becomes a one pixel wide
// stroke, so the result can be erased and previewed like hand-drawn strokes.
func MaskToStrokes(m image.Image, display types.Dimensions, threshold uint8) []types.Stroke {
	if m == nil || m.Bounds().Empty() || display.Empty() {
		return nil
	}
	if threshold == 0 {
		threshold = MaskThreshold
	}

	gray := image.NewGray(image.Rect(0, 0, display.Width, display.Height))
	xdraw.NearestNeighbor.Scale(gray, gray.Bounds(), m, m.Bounds(), xdraw.Src, nil)

	var out []types.Stroke
	for y := 0; y < display.Height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+display.Width]
		cy := float64(y) + 0.5
		for x := 0; x < len(row); {
			if row[x] < threshold {
				x++
				continue
			}
			start := x
			for x < len(row) && row[x] >= threshold {
				x++
			}
			pts := []types.Point{{X: float64(start) + 0.5, Y: cy}}
			if x-1 > start {
				pts = append(pts, types.Point{X: float64(x) - 0.5, Y: cy})
			}
			out = append(out, types.Stroke{Points: pts, Width: 1, Mode: types.ModeAdd})
		}
	}
	return out
}
