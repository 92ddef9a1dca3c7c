// Package overlay draws detection results onto preview frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// Widget represents a renderable overlay widget
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget for detection d onto img
	Render(img *image.RGBA, d state.Detection) error

	// IsEnabled returns whether the widget should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the widget should be rendered
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// SetPosition sets the widget's position
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity (0.0 to 1.0)
func (w *BaseWidget) SetOpacity(opacity float64) {
	w.opacity = min(max(opacity, 0), 1)
}

// BlendImage blends src onto dst at (x, y) with the given opacity, clipping
// to dst
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	sb := src.Bounds()
	at := image.Pt(x, y)
	r := image.Rectangle{Min: at, Max: at.Add(sb.Size())}.Intersect(dst.Bounds())
	if r.Empty() || opacity <= 0 {
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity * 255)})
	draw.DrawMask(dst, r, src, sb.Min.Add(r.Min.Sub(at)), mask, image.Point{}, draw.Over)
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, rect image.Rectangle, c color.Color, opacity float64) {
	r := rect.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(min(max(opacity, 0), 1) * 255)})
	draw.DrawMask(dst, r, &image.Uniform{C: c}, image.Point{}, mask, image.Point{}, draw.Over)
}

// StrokeRectangle outlines rect with lines of the given thickness
func StrokeRectangle(dst *image.RGBA, rect image.Rectangle, c color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	u := &image.Uniform{C: c}
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness),
		image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y),
		image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}
