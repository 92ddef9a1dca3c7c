package overlay

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// BoxesWidget outlines every detected blob in its colour
type BoxesWidget struct {
	*BaseWidget
	palette   map[string]color.RGBA
	thickness int
	margin    int
}

// NewBoxesWidget creates a blob outline widget
func NewBoxesWidget(id string, palette map[string]color.RGBA) *BoxesWidget {
	return &BoxesWidget{
		BaseWidget: NewBaseWidget(id, 0, 0, 1.0),
		palette:    palette,
		thickness:  1,
		margin:     2,
	}
}

// Type returns the widget type
func (w *BoxesWidget) Type() string {
	return "boxes"
}

// Render draws the blob outlines
func (w *BoxesWidget) Render(img *image.RGBA, d state.Detection) error {
	if !w.IsEnabled() {
		return nil
	}
	for _, b := range d.Blobs {
		StrokeRectangle(img, b.Bounds.Inset(-w.margin), outlineColour(w.palette, b.Colour), w.thickness)
	}
	return nil
}

// outlineColour is the palette colour, or white when that is too dark to see
func outlineColour(palette map[string]color.RGBA, name string) color.RGBA {
	c, ok := palette[name]
	if !ok {
		return color.RGBA{255, 255, 0, 255}
	}
	if int(c.R)+int(c.G)+int(c.B) < 120 {
		return color.RGBA{255, 255, 255, 255}
	}
	return c
}
