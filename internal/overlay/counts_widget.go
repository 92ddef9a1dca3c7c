package overlay

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// CountsWidget lists the ball count per colour with a colour swatch, then the
// total
type CountsWidget struct {
	*BaseWidget
	palette map[string]color.RGBA
}

// NewCountsWidget creates a counts panel at (x, y). Colours missing from
// palette get a grey swatch.
func NewCountsWidget(id string, x, y int, palette map[string]color.RGBA) *CountsWidget {
	return &CountsWidget{
		BaseWidget: NewBaseWidget(id, x, y, 0.9),
		palette:    palette,
	}
}

// Type returns the widget type
func (w *CountsWidget) Type() string {
	return "counts"
}

// Render draws the counts panel
func (w *CountsWidget) Render(img *image.RGBA, d state.Detection) error {
	if !w.IsEnabled() || len(d.Counts) == 0 {
		return nil
	}

	names := make([]string, 0, len(d.Counts))
	for name := range d.Counts {
		names = append(names, name)
	}
	sort.Strings(names)

	const swatch = 9
	const pad = 4
	lines := make([]string, 0, len(names)+1)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%-6s %2d", name, d.Counts[name]))
	}
	lines = append(lines, fmt.Sprintf("%-6s %2d", "TOTAL", d.Total))

	bg := color.RGBA{0, 0, 0, 170}
	text := renderLines(lines, color.RGBA{255, 255, 255, 255}, nil, 0)
	panel := image.NewRGBA(image.Rect(0, 0, text.Bounds().Dx()+swatch+3*pad, text.Bounds().Dy()+2*pad))
	DrawRectangle(panel, panel.Bounds(), bg, 1)
	BlendImage(panel, text, 2*pad+swatch, pad, 1)

	for i, name := range names {
		c, ok := w.palette[name]
		if !ok {
			c = color.RGBA{128, 128, 128, 255}
		}
		top := pad + i*lineHeight + (lineHeight-swatch)/2
		DrawRectangle(panel, image.Rect(pad, top, pad+swatch, top+swatch), c, 1)
	}

	BlendImage(img, panel, w.x, w.y, w.opacity)
	return nil
}
