package grid

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffsetStaysWithinCell(t *testing.T) {
	for _, dir := range []Direction{DirectionRight, DirectionLeft, DirectionUp, DirectionDown, DirectionDiagonal} {
		t.Run(string(dir), func(t *testing.T) {
			r, err := New(Config{Direction: dir, Speed: 3, SquareSize: 40}, 400, 300)
			require.NoError(t, err)
			for i := 0; i < 500; i++ {
				r.Advance()
				x, y := r.Offset()
				require.GreaterOrEqual(t, x, 0.0)
				require.Less(t, x, 40.0)
				require.GreaterOrEqual(t, y, 0.0)
				require.Less(t, y, 40.0)
			}
		})
	}
}

func TestScrollIsPeriodic(t *testing.T) {
	r, err := New(Config{Direction: DirectionRight, Speed: 1, SquareSize: 40}, 400, 300)
	require.NoError(t, err)

	x0, y0 := r.Offset()
	// One full cell of travel brings the phase back exactly.
	for i := 0; i < 40; i++ {
		r.Advance()
	}
	x, y := r.Offset()
	require.InDelta(t, x0, x, 1e-9)
	require.InDelta(t, y0, y, 1e-9)
}

func TestVisibleCellCounts(t *testing.T) {
	r, err := New(Config{SquareSize: 40}, 400, 300)
	require.NoError(t, err)
	cols, rows := r.GridSize()
	require.Equal(t, 11, cols)
	require.Equal(t, 9, rows)
}

func TestScaleMultipliesDimensions(t *testing.T) {
	r, err := New(Config{SquareSize: 40, Scale: 2}, 400, 300)
	require.NoError(t, err)
	w, h := r.PixelSize()
	require.Equal(t, 800, w)
	require.Equal(t, 600, h)
	cols, rows := r.GridSize()
	require.Equal(t, 21, cols)
	require.Equal(t, 16, rows)
}

func TestResizePreservesOffsetPhase(t *testing.T) {
	r, err := New(Config{Direction: DirectionDiagonal, Speed: 7, SquareSize: 40}, 400, 300)
	require.NoError(t, err)
	for i := 0; i < 13; i++ {
		r.Advance()
	}
	x0, y0 := r.Offset()

	r.Resize(1024, 768)
	x, y := r.Offset()
	require.Equal(t, x0, x)
	require.Equal(t, y0, y)

	cols, rows := r.GridSize()
	require.Equal(t, 27, cols)
	require.Equal(t, 21, rows)
}

func TestNewRejectsDegenerateDimensions(t *testing.T) {
	_, err := New(Config{}, 0, 300)
	require.Error(t, err)
	_, err = New(Config{}, 400, -1)
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DirectionRight, cfg.Direction)
	require.Equal(t, 1.0, cfg.Speed)
	require.Equal(t, 40.0, cfg.SquareSize)
	require.Equal(t, 1.0, cfg.Scale)
	require.NotNil(t, cfg.BorderColor)
	require.NotNil(t, cfg.HoverFillColor)
	require.NotNil(t, cfg.FadeColor)
}

func TestSpeedFloor(t *testing.T) {
	cfg := Config{Speed: 0.01}.withDefaults()
	require.Equal(t, minSpeed, cfg.Speed)
}

func TestPointerMapsToCell(t *testing.T) {
	r, err := New(Config{SquareSize: 40}, 400, 300)
	require.NoError(t, err)

	r.PointerMoved(100, 210)
	cell, ok := r.Hovered()
	require.True(t, ok)
	require.Equal(t, Cell{Col: 2, Row: 5}, cell)

	// After a partial-cell scroll the same pointer lands one cell over.
	r, err = New(Config{Direction: DirectionLeft, Speed: 25, SquareSize: 40}, 400, 300)
	require.NoError(t, err)
	r.Advance()
	r.PointerMoved(100, 210)
	cell, ok = r.Hovered()
	require.True(t, ok)
	require.Equal(t, Cell{Col: 3, Row: 5}, cell)

	r.PointerLeft()
	_, ok = r.Hovered()
	require.False(t, ok)
}

func TestPointerHonorsScale(t *testing.T) {
	r, err := New(Config{SquareSize: 40, Scale: 2}, 400, 300)
	require.NoError(t, err)
	r.PointerMoved(100, 100)
	cell, ok := r.Hovered()
	require.True(t, ok)
	require.Equal(t, Cell{Col: 5, Row: 5}, cell)
}

func TestDrawFillsHoveredCell(t *testing.T) {
	r, err := New(Config{SquareSize: 40}, 400, 300)
	require.NoError(t, err)
	surface := NewImageSurface(r.PixelSize())

	r.Draw(surface)
	plain := surface.Image().RGBAAt(90, 90)

	r.PointerMoved(90, 90)
	r.Draw(surface)
	hovered := surface.Image().RGBAAt(90, 90)

	require.NotEqual(t, plain, hovered, "hover fill must change the cell interior")
}

func TestDrawAppliesVignette(t *testing.T) {
	r, err := New(Config{SquareSize: 40, FadeColor: color.RGBA{R: 0xff, A: 0xff}}, 400, 300)
	require.NoError(t, err)
	surface := NewImageSurface(r.PixelSize())
	r.Draw(surface)

	// A corner sits at roughly the fade radius, so it is essentially the
	// fade color; a pixel near the center barely picks any of it up.
	corner := surface.Image().RGBAAt(0, 0)
	require.Greater(t, corner.R, uint8(0xf0))

	center := surface.Image().RGBAAt(210, 150)
	require.Less(t, center.R, uint8(0x10))
}

func TestParseDirection(t *testing.T) {
	for input, want := range map[string]Direction{
		"right":    DirectionRight,
		"LEFT":     DirectionLeft,
		" up ":     DirectionUp,
		"down":     DirectionDown,
		"diagonal": DirectionDiagonal,
		"":         DirectionRight,
	} {
		got, err := ParseDirection(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := ParseDirection("sideways")
	require.Error(t, err)
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#060010")
	require.NoError(t, err)
	require.Equal(t, color.RGBA{R: 0x06, G: 0x00, B: 0x10, A: 0xff}, c)

	c, err = ParseHexColor("#3af")
	require.NoError(t, err)
	require.Equal(t, color.RGBA{R: 0x33, G: 0xaa, B: 0xff, A: 0xff}, c)

	c, err = ParseHexColor("f0f0f0")
	require.NoError(t, err)
	require.Equal(t, color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}, c)

	for _, bad := range []string{"", "#12345", "#gggggg"} {
		_, err := ParseHexColor(bad)
		require.Error(t, err, bad)
	}
}
