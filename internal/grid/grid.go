package grid

import (
	"fmt"
	"image/color"
	"math"
	"strings"
	"sync"
)

// Direction names the scroll direction of the background grid.
type Direction string

const (
	DirectionRight    Direction = "right"
	DirectionLeft     Direction = "left"
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
	DirectionDiagonal Direction = "diagonal"
)

// ParseDirection validates a configured direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionRight, "":
		return DirectionRight, nil
	case DirectionLeft:
		return DirectionLeft, nil
	case DirectionUp:
		return DirectionUp, nil
	case DirectionDown:
		return DirectionDown, nil
	case DirectionDiagonal:
		return DirectionDiagonal, nil
	default:
		return "", fmt.Errorf("grid: unsupported direction %q", s)
	}
}

// Config shapes a renderer. Zero values fall back to the deployed defaults.
type Config struct {
	Direction      Direction
	Speed          float64
	SquareSize     float64
	BorderColor    color.Color
	HoverFillColor color.Color
	FadeColor      color.Color
	// Scale is the device-pixel-ratio analog: logical dimensions and pointer
	// coordinates are multiplied by it before hitting the surface.
	Scale float64
}

const minSpeed = 0.1

func (c Config) withDefaults() Config {
	if c.Direction == "" {
		c.Direction = DirectionRight
	}
	if c.Speed == 0 {
		c.Speed = 1
	}
	if c.Speed < minSpeed {
		c.Speed = minSpeed
	}
	if c.SquareSize <= 0 {
		c.SquareSize = 40
	}
	if c.BorderColor == nil {
		c.BorderColor = color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	}
	if c.HoverFillColor == nil {
		c.HoverFillColor = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
	}
	if c.FadeColor == nil {
		c.FadeColor = color.RGBA{R: 0x06, G: 0x00, B: 0x10, A: 0xff}
	}
	if c.Scale <= 0 {
		c.Scale = 1
	}
	return c
}

// Cell is a hovered grid cell by integer column/row index.
type Cell struct {
	Col int
	Row int
}

// Renderer holds the scrolling grid state: a sub-cell offset that wraps
// modulo the square size so the grid appears infinite, plus the optional
// hovered cell. Frames are drawn serially by the owning loop; pointer and
// resize events may arrive from other goroutines, hence the mutex.
type Renderer struct {
	mu      sync.Mutex
	cfg     Config
	width   float64
	height  float64
	cols    int
	rows    int
	offsetX float64
	offsetY float64
	hovered *Cell
}

// New sizes a renderer for a surface of logical dimensions w×h. Dimensions
// must be positive; the caller treats an error as feature-off, not fatal.
func New(cfg Config, w, h int) (*Renderer, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("grid: invalid surface dimensions %dx%d", w, h)
	}
	r := &Renderer{cfg: cfg.withDefaults()}
	r.resizeLocked(w, h)
	return r, nil
}

// PixelSize returns the surface dimensions in device pixels.
func (r *Renderer) PixelSize() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.width), int(r.height)
}

// Resize recomputes pixel dimensions and visible cell counts. The offset
// phase is deliberately untouched so the scroll continues seamlessly.
func (r *Renderer) Resize(w, h int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w <= 0 || h <= 0 {
		return
	}
	r.resizeLocked(w, h)
}

func (r *Renderer) resizeLocked(w, h int) {
	r.width = math.Ceil(float64(w) * r.cfg.Scale)
	r.height = math.Ceil(float64(h) * r.cfg.Scale)
	// The +1 guarantees full coverage when the offset exposes partial
	// boundary squares.
	r.cols = int(math.Ceil(r.width/r.cfg.SquareSize)) + 1
	r.rows = int(math.Ceil(r.height/r.cfg.SquareSize)) + 1
}

// GridSize returns the visible column and row counts.
func (r *Renderer) GridSize() (cols, rows int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols, r.rows
}

// Offset returns the current sub-cell offset, each component in [0, SquareSize).
func (r *Renderer) Offset() (x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offsetX, r.offsetY
}

// Hovered returns the hovered cell, if any.
func (r *Renderer) Hovered() (Cell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hovered == nil {
		return Cell{}, false
	}
	return *r.hovered, true
}

// Advance moves the offset one frame in the configured direction, wrapping
// modulo the square size so the value never grows unbounded or goes negative.
func (r *Renderer) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.cfg.SquareSize
	speed := r.cfg.Speed
	switch r.cfg.Direction {
	case DirectionRight:
		r.offsetX = wrap(r.offsetX-speed, size)
	case DirectionLeft:
		r.offsetX = wrap(r.offsetX+speed, size)
	case DirectionUp:
		r.offsetY = wrap(r.offsetY+speed, size)
	case DirectionDown:
		r.offsetY = wrap(r.offsetY-speed, size)
	case DirectionDiagonal:
		r.offsetX = wrap(r.offsetX-speed, size)
		r.offsetY = wrap(r.offsetY-speed, size)
	}
}

// Draw renders the current state: cell borders, the hovered fill, and the
// radial vignette that fades the grid toward the surface edges.
func (r *Renderer) Draw(s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.cfg.SquareSize
	s.Clear()

	startX := math.Floor(r.offsetX/size) * size
	startY := math.Floor(r.offsetY/size) * size

	for x := startX; x < r.width+size; x += size {
		for y := startY; y < r.height+size; y += size {
			drawX := x - math.Mod(r.offsetX, size)
			drawY := y - math.Mod(r.offsetY, size)
			if r.hovered != nil &&
				int(math.Floor((x-startX)/size)) == r.hovered.Col &&
				int(math.Floor((y-startY)/size)) == r.hovered.Row {
				s.FillRect(drawX, drawY, size, size, r.cfg.HoverFillColor)
			}
			s.StrokeRect(drawX, drawY, size, size, r.cfg.BorderColor)
		}
	}

	radius := math.Hypot(r.width, r.height) / 2
	s.RadialFade(r.width/2, r.height/2, radius, r.cfg.FadeColor)
}

// Frame advances the offset and draws, the per-frame unit of work.
func (r *Renderer) Frame(s Surface) {
	r.Advance()
	r.Draw(s)
}

// PointerMoved maps a pointer position (logical coordinates, relative to the
// surface) to the grid cell under it.
func (r *Renderer) PointerMoved(px, py float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.cfg.SquareSize
	px *= r.cfg.Scale
	py *= r.cfg.Scale
	startX := math.Floor(r.offsetX/size) * size
	startY := math.Floor(r.offsetY/size) * size
	r.hovered = &Cell{
		Col: int(math.Floor((px + r.offsetX - startX) / size)),
		Row: int(math.Floor((py + r.offsetY - startY) / size)),
	}
}

// PointerLeft clears the hovered cell.
func (r *Renderer) PointerLeft() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hovered = nil
}

func wrap(v, size float64) float64 {
	m := math.Mod(v, size)
	if m < 0 {
		m += size
	}
	return m
}
