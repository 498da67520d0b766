package grid

import (
	"image"
	"image/draw"
	"sync"
	"time"
)

// Loop drives the renderer at a fixed cadence, the explicit stand-in for a
// display-refresh callback: frames are strictly serial (the next frame is not
// started until the current one returns) and Stop cancels the pending frame
// so a stopped loop never draws again.
type Loop struct {
	renderer *Renderer
	surface  *ImageSurface
	interval time.Duration
	onFrame  func()

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLoop prepares a loop over the renderer and surface at the given frame
// rate. onFrame, when non-nil, runs after every completed frame.
func NewLoop(r *Renderer, s *ImageSurface, fps int, onFrame func()) *Loop {
	if fps <= 0 {
		fps = 30
	}
	return &Loop{
		renderer: r,
		surface:  s,
		interval: time.Second / time.Duration(fps),
		onFrame:  onFrame,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the frame loop goroutine.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.renderer.Frame(l.surface)
			l.mu.Unlock()
			if l.onFrame != nil {
				l.onFrame()
			}
		}
	}
}

// Stop cancels the pending frame and waits for the loop goroutine to exit.
// Safe to call more than once, and on a loop that was never started; a
// stopped loop receives no further callbacks.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.stop)
		l.mu.Lock()
		started := l.started
		l.mu.Unlock()
		if started {
			<-l.done
		}
	})
}

// Snapshot copies the most recently rendered frame.
func (l *Loop) Snapshot() *image.RGBA {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.surface.Image()
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, src.Bounds(), src, src.Bounds().Min, draw.Src)
	return out
}

// PointerMoved forwards a pointer position to the renderer.
func (l *Loop) PointerMoved(x, y float64) {
	l.renderer.PointerMoved(x, y)
}

// PointerLeft clears the hover state.
func (l *Loop) PointerLeft() {
	l.renderer.PointerLeft()
}

// Resize recomputes renderer dimensions and reallocates the surface.
func (l *Loop) Resize(w, h int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renderer.Resize(w, h)
	pw, ph := l.renderer.PixelSize()
	l.surface.Resize(pw, ph)
}
