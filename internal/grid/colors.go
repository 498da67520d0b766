package grid

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ParseHexColor parses #RGB and #RRGGBB notation into an opaque color.
func ParseHexColor(s string) (color.RGBA, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(trimmed) {
	case 3:
		expanded := make([]byte, 6)
		for i := 0; i < 3; i++ {
			expanded[2*i] = trimmed[i]
			expanded[2*i+1] = trimmed[i]
		}
		trimmed = string(expanded)
	case 6:
	default:
		return color.RGBA{}, fmt.Errorf("grid: invalid hex color %q", s)
	}
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("grid: invalid hex color %q: %w", s, err)
	}
	return color.RGBA{
		R: uint8(value >> 16),
		G: uint8(value >> 8),
		B: uint8(value),
		A: 0xff,
	}, nil
}
