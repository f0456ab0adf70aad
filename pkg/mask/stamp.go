package mask

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/menta2k/image-inpainter/pkg/types"
)

// kappa places cubic control points so that four curves approximate a circle
const kappa = 0.5522847498307936

// farRadius is the largest radius drawn through the vector rasterizer. Its
// float32 coordinates stop resolving pixels beyond it, so wider capsules are
// tested per pixel center instead.
const farRadius = 1 << 22

type vec struct{ x, y float64 }

func (a vec) add(b vec) vec { return vec{a.x + b.x, a.y + b.y} }
func (a vec) sub(b vec) vec { return vec{a.x - b.x, a.y - b.y} }
func (a vec) mul(k float64) vec { return vec{a.x * k, a.y * k} }
func (a vec) neg() vec { return vec{-a.x, -a.y} }
func (a vec) f32() (float32, float32) { return float32(a.x), float32(a.y) }

type segment struct{ a, b vec }

type clipRect struct{ minX, minY, maxX, maxY float64 }

// stamper reuses one vector rasterizer across the strokes of a single call
type stamper struct {
	z *vector.Rasterizer
}

func newStamper() *stamper {
	return &stamper{z: vector.NewRasterizer(0, 0)}
}

func (s *stamper) stamp(dst *image.RGBA, points []types.Point, width float64, c color.RGBA, threshold uint8) {
	radius := width / 2
	if len(points) == 0 || !(radius > 0) {
		return
	}
	if math.IsInf(radius, 1) {
		radius = math.MaxFloat64
	}

	bounds := dst.Bounds()
	margin := radius + 2
	clip := clipRect{
		minX: float64(bounds.Min.X) - margin,
		minY: float64(bounds.Min.Y) - margin,
		maxX: float64(bounds.Max.X) + margin,
		maxY: float64(bounds.Max.Y) + margin,
	}
	segs := buildSegments(points, clip)
	if len(segs) == 0 {
		return
	}

	area := footprint(segs, radius, bounds)
	if area.Empty() {
		return
	}

	if radius > farRadius {
		stampFar(dst, segs, radius, area, c)
		return
	}

	cov := s.coverage(segs, radius, area)
	for y := area.Min.Y; y < area.Max.Y; y++ {
		ci := cov.PixOffset(0, y-area.Min.Y)
		di := dst.PixOffset(area.Min.X, y)
		for x := area.Min.X; x < area.Max.X; x++ {
			if cov.Pix[ci] >= threshold {
				dst.Pix[di+0] = c.R
				dst.Pix[di+1] = c.G
				dst.Pix[di+2] = c.B
				dst.Pix[di+3] = c.A
			}
			ci++
			di += 4
		}
	}
}

// coverage rasterizes the union of capsules into an alpha image laid over
// box. Geometry outside box is clipped by the vector rasterizer.
func (s *stamper) coverage(segs []segment, radius float64, box image.Rectangle) *image.Alpha {
	w, h := box.Dx(), box.Dy()
	s.z.Reset(w, h)
	s.z.DrawOp = draw.Src

	origin := vec{float64(box.Min.X), float64(box.Min.Y)}
	for _, seg := range segs {
		addCapsule(s.z, seg.a.sub(origin), seg.b.sub(origin), radius)
	}

	cov := image.NewAlpha(image.Rect(0, 0, w, h))
	s.z.Draw(cov, cov.Bounds(), image.Opaque, image.Point{})
	return cov
}

// buildSegments drops repeated points and clips every segment to clip. A
// polyline that collapses to one point yields a zero-length segment (a dot).
func buildSegments(points []types.Point, clip clipRect) []segment {
	pts := make([]vec, 0, len(points))
	for _, p := range points {
		v := vec{p.X, p.Y}
		if len(pts) > 0 && pts[len(pts)-1] == v {
			continue
		}
		pts = append(pts, v)
	}

	if len(pts) == 1 {
		if a, b, ok := clipSegment(pts[0], pts[0], clip); ok {
			return []segment{{a, b}}
		}
		return nil
	}

	segs := make([]segment, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		if a, b, ok := clipSegment(pts[i-1], pts[i], clip); ok {
			segs = append(segs, segment{a, b})
		}
	}
	return segs
}

// clipSegment is a Liang-Barsky clip of a-b against c
func clipSegment(a, b vec, c clipRect) (vec, vec, bool) {
	t0, t1 := 0.0, 1.0
	dx, dy := b.x-a.x, b.y-a.y
	edges := [4][2]float64{
		{-dx, a.x - c.minX},
		{dx, c.maxX - a.x},
		{-dy, a.y - c.minY},
		{dy, c.maxY - a.y},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return a, b, false
			}
			if t > t0 {
				t0 = t
			}
		} else {
			if t < t0 {
				return a, b, false
			}
			if t < t1 {
				t1 = t
			}
		}
	}
	return vec{a.x + t0*dx, a.y + t0*dy}, vec{a.x + t1*dx, a.y + t1*dy}, true
}

// stampFar paints the pixels of area whose centers lie within radius of a
// segment. An area entirely inside one capsule is filled directly.
func stampFar(dst *image.RGBA, segs []segment, radius float64, area image.Rectangle, c color.RGBA) {
	r2 := radius * radius
	corners := [4]vec{
		{float64(area.Min.X), float64(area.Min.Y)},
		{float64(area.Max.X), float64(area.Min.Y)},
		{float64(area.Min.X), float64(area.Max.Y)},
		{float64(area.Max.X), float64(area.Max.Y)},
	}
	for _, seg := range segs {
		inside := true
		for _, p := range corners {
			if distSq(p, seg) > r2 {
				inside = false
				break
			}
		}
		if inside {
			draw.Draw(dst, area, image.NewUniform(c), image.Point{}, draw.Src)
			return
		}
	}

	for y := area.Min.Y; y < area.Max.Y; y++ {
		di := dst.PixOffset(area.Min.X, y)
		for x := area.Min.X; x < area.Max.X; x++ {
			p := vec{float64(x) + 0.5, float64(y) + 0.5}
			for _, seg := range segs {
				if distSq(p, seg) <= r2 {
					dst.Pix[di+0] = c.R
					dst.Pix[di+1] = c.G
					dst.Pix[di+2] = c.B
					dst.Pix[di+3] = c.A
					break
				}
			}
			di += 4
		}
	}
}

// distSq is the squared distance from p to the segment
func distSq(p vec, seg segment) float64 {
	d := seg.b.sub(seg.a)
	t := 0.0
	if l2 := d.x*d.x + d.y*d.y; l2 > 0 {
		t = math.Max(0, math.Min(1, ((p.x-seg.a.x)*d.x+(p.y-seg.a.y)*d.y)/l2))
	}
	q := p.sub(seg.a.add(d.mul(t)))
	return q.x*q.x + q.y*q.y
}

// footprint is the part of bounds that capsules of radius around segs can
// touch. Bounds are clamped in floating point so very wide strokes never
// produce a buffer larger than dst.
func footprint(segs []segment, radius float64, bounds image.Rectangle) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range segs {
		for _, p := range [2]vec{s.a, s.b} {
			minX = math.Min(minX, p.x)
			minY = math.Min(minY, p.y)
			maxX = math.Max(maxX, p.x)
			maxY = math.Max(maxY, p.y)
		}
	}
	clampX := func(v float64) int {
		return int(math.Max(float64(bounds.Min.X), math.Min(float64(bounds.Max.X), v)))
	}
	clampY := func(v float64) int {
		return int(math.Max(float64(bounds.Min.Y), math.Min(float64(bounds.Max.Y), v)))
	}
	return image.Rect(
		clampX(math.Floor(minX-radius)-1),
		clampY(math.Floor(minY-radius)-1),
		clampX(math.Ceil(maxX+radius)+1),
		clampY(math.Ceil(maxY+radius)+1),
	)
}

// addCapsule adds the outline of all points within radius of segment p-q.
// Every capsule is wound the same way so overlapping capsules accumulate
// instead of cancelling. p == q gives a circle.
func addCapsule(z *vector.Rasterizer, p, q vec, radius float64) {
	d := vec{1, 0}
	if l := math.Hypot(q.x-p.x, q.y-p.y); l > 0 {
		d = q.sub(p).mul(1 / l)
	}
	n := vec{-d.y, d.x}

	z.MoveTo(p.add(n.mul(radius)).f32())
	z.LineTo(q.add(n.mul(radius)).f32())
	quarterArc(z, q, n, d, radius)
	quarterArc(z, q, d, n.neg(), radius)
	z.LineTo(p.sub(n.mul(radius)).f32())
	quarterArc(z, p, n.neg(), d.neg(), radius)
	quarterArc(z, p, d.neg(), n, radius)
	z.ClosePath()
}

// quarterArc draws the quarter circle around c from direction u to v, which
// must be perpendicular unit vectors.
func quarterArc(z *vector.Rasterizer, c, u, v vec, radius float64) {
	start := c.add(u.mul(radius))
	end := c.add(v.mul(radius))
	c1 := start.add(v.mul(kappa * radius))
	c2 := end.add(u.mul(kappa * radius))

	c1x, c1y := c1.f32()
	c2x, c2y := c2.f32()
	ex, ey := end.f32()
	z.CubeTo(c1x, c1y, c2x, c2y, ex, ey)
}
