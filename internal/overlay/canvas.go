package overlay

import (
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/vector"
)

const circleSegments = 24

// Canvas is an RGBA Surface rasterized with x/image/vector. Drawing happens
// on a back buffer; Present swaps a copy to the front so Snapshot readers
// only ever see completed drawings.
type Canvas struct {
	dims func() (w, h int)

	mu    sync.Mutex
	back  *image.RGBA
	front *image.RGBA
	ras   *vector.Rasterizer
}

// NewCanvas returns a canvas that sizes itself from dims, typically the
// camera's native resolution.
func NewCanvas(dims func() (w, h int)) *Canvas {
	return &Canvas{dims: dims}
}

// Fit implements Surface. The back buffer is reallocated only when the
// source size changed.
func (c *Canvas) Fit() bool {
	w, h := c.dims()
	if w <= 0 || h <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil || c.back.Rect.Dx() != w || c.back.Rect.Dy() != h {
		c.back = image.NewRGBA(image.Rect(0, 0, w, h))
		c.ras = vector.NewRasterizer(w, h)
	}
	return true
}

// Size implements Surface.
func (c *Canvas) Size() (w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil {
		return 0, 0
	}
	return c.back.Rect.Dx(), c.back.Rect.Dy()
}

// Clear implements Surface.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil {
		return
	}
	clear(c.back.Pix)
}

// StrokeLine implements Surface with a butt-capped quad.
func (c *Canvas) StrokeLine(x0, y0, x1, y1, width float64, col color.Color) {
	dx, dy := x1-x0, y1-y0
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	c.fill(col, [][2]float64{
		{x0 + nx, y0 + ny},
		{x1 + nx, y1 + ny},
		{x1 - nx, y1 - ny},
		{x0 - nx, y0 - ny},
	})
}

// FillCircle implements Surface.
func (c *Canvas) FillCircle(cx, cy, r float64, col color.Color) {
	if r <= 0 {
		return
	}
	pts := make([][2]float64, circleSegments)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / circleSegments
		pts[i] = [2]float64{cx + r*math.Cos(a), cy + r*math.Sin(a)}
	}
	c.fill(col, pts)
}

func (c *Canvas) fill(col color.Color, pts [][2]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil || len(pts) < 3 {
		return
	}
	b := c.back.Rect
	c.ras.Reset(b.Dx(), b.Dy())
	c.ras.MoveTo(float32(pts[0][0]), float32(pts[0][1]))
	for _, p := range pts[1:] {
		c.ras.LineTo(float32(p[0]), float32(p[1]))
	}
	c.ras.ClosePath()
	c.ras.Draw(c.back, b, image.NewUniform(col), image.Point{})
}

// Present implements Surface.
func (c *Canvas) Present() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil {
		c.front = nil
		return
	}
	front := image.NewRGBA(c.back.Rect)
	copy(front.Pix, c.back.Pix)
	c.front = front
}

// Snapshot returns the last presented drawing, or nil. The returned image
// is never written again.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.front
}

// Release drops both buffers. The next Fit allocates again.
func (c *Canvas) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.back = nil
	c.front = nil
	c.ras = nil
}
