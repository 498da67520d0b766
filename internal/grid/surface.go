package grid

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

// Surface is the drawing target the renderer paints each frame. Coordinates
// are device pixels.
type Surface interface {
	Bounds() (w, h int)
	Clear()
	FillRect(x, y, w, h float64, c color.Color)
	StrokeRect(x, y, w, h float64, c color.Color)
	// RadialFade composites a radial gradient centered at (cx, cy):
	// transparent at the center, fully c at radius and beyond.
	RadialFade(cx, cy, radius float64, c color.Color)
}

// ImageSurface is a headless RGBA render target. It reallocates only when the
// requested dimensions change.
type ImageSurface struct {
	img *image.RGBA
}

// NewImageSurface allocates a w×h render target.
func NewImageSurface(w, h int) *ImageSurface {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return &ImageSurface{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// Image exposes the backing image for encoding. Callers must not retain it
// across frames; use a copy for anything long-lived.
func (s *ImageSurface) Image() *image.RGBA {
	return s.img
}

// Resize reallocates the target when dimensions change.
func (s *ImageSurface) Resize(w, h int) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	b := s.img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return
	}
	s.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

func (s *ImageSurface) Bounds() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *ImageSurface) Clear() {
	draw.Draw(s.img, s.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

func (s *ImageSurface) FillRect(x, y, w, h float64, c color.Color) {
	rect := clipRect(s.img.Bounds(), x, y, w, h)
	if rect.Empty() {
		return
	}
	draw.Draw(s.img, rect, image.NewUniform(c), image.Point{}, draw.Over)
}

func (s *ImageSurface) StrokeRect(x, y, w, h float64, c color.Color) {
	// Four one-pixel edges.
	s.FillRect(x, y, w, 1, c)
	s.FillRect(x, y+h-1, w, 1, c)
	s.FillRect(x, y, 1, h, c)
	s.FillRect(x+w-1, y, 1, h, c)
}

func (s *ImageSurface) RadialFade(cx, cy, radius float64, c color.Color) {
	if radius <= 0 {
		return
	}
	cr, cg, cb, _ := c.RGBA()
	b := s.img.Bounds()
	for py := b.Min.Y; py < b.Max.Y; py++ {
		for px := b.Min.X; px < b.Max.X; px++ {
			d := math.Hypot(float64(px)+0.5-cx, float64(py)+0.5-cy)
			t := d / radius
			if t <= 0 {
				continue
			}
			if t > 1 {
				t = 1
			}
			dst := s.img.RGBAAt(px, py)
			s.img.SetRGBA(px, py, blend(dst, uint8(cr>>8), uint8(cg>>8), uint8(cb>>8), t))
		}
	}
}

// blend mixes src (at weight t) over dst, treating the fade color as opaque.
func blend(dst color.RGBA, sr, sg, sb uint8, t float64) color.RGBA {
	inv := 1 - t
	return color.RGBA{
		R: uint8(float64(sr)*t + float64(dst.R)*inv),
		G: uint8(float64(sg)*t + float64(dst.G)*inv),
		B: uint8(float64(sb)*t + float64(dst.B)*inv),
		A: uint8(255*t + float64(dst.A)*inv),
	}
}

func clipRect(bounds image.Rectangle, x, y, w, h float64) image.Rectangle {
	rect := image.Rect(
		int(math.Floor(x)),
		int(math.Floor(y)),
		int(math.Floor(x+w)),
		int(math.Floor(y+h)),
	)
	return rect.Intersect(bounds)
}
