package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// lineHeight is the basicfont glyph height
const lineHeight = 13

// TextFunc produces the text shown for a detection; lines split on "\n"
type TextFunc func(d state.Detection) string

// TextWidget displays text on the overlay
type TextWidget struct {
	*BaseWidget
	text      TextFunc
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextWidget creates a text widget at (x, y) with a translucent dark
// background. A negative y is measured up from the bottom edge.
func NewTextWidget(id string, x, y int, text TextFunc) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		text:       text,
		textColor:  color.RGBA{255, 255, 255, 255},
		bgColor:    &color.RGBA{0, 0, 0, 160},
		padding:    4,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA, d state.Detection) error {
	if !w.IsEnabled() || w.text == nil {
		return nil
	}
	text := w.text(d)
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	label := renderLines(lines, w.textColor, w.bgColor, w.padding)
	y := w.y
	if y < 0 {
		y = img.Bounds().Max.Y + w.y - label.Bounds().Dy()
	}
	BlendImage(img, label, w.x, y, w.opacity)
	return nil
}

// measure returns the pixel width of s in the basic font
func measure(s string) int {
	d := &font.Drawer{Face: basicfont.Face7x13}
	return d.MeasureString(s).Ceil()
}

// renderLines draws lines onto a new image sized to fit them
func renderLines(lines []string, fg color.RGBA, bg *color.RGBA, padding int) *image.RGBA {
	width := 0
	for _, l := range lines {
		width = max(width, measure(l))
	}
	img := image.NewRGBA(image.Rect(0, 0, width+2*padding, len(lines)*lineHeight+2*padding))
	if bg != nil {
		draw.Draw(img, img.Bounds(), &image.Uniform{C: *bg}, image.Point{}, draw.Src)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: basicfont.Face7x13,
	}
	for i, l := range lines {
		// Baseline sits 11px below the top of a 13px line
		d.Dot = fixed.P(padding, padding+i*lineHeight+11)
		d.DrawString(l)
	}
	return img
}
