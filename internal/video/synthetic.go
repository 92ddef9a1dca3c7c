package video

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"time"
)

// SyntheticScheme selects generated table footage
const SyntheticScheme = "synthetic"

var (
	clothColour = color.RGBA{30, 100, 60, 255}
	railColour  = color.RGBA{60, 45, 45, 255}

	// Ball colours rendered by the synthetic source, chosen to sit inside the
	// default detection ranges
	BallColours = map[string]color.RGBA{
		"RED":    {220, 20, 20, 255},
		"YELLOW": {230, 200, 20, 255},
		"GREEN":  {10, 160, 80, 255},
		"BROWN":  {140, 70, 20, 255},
		"BLUE":   {20, 60, 200, 255},
		"PINK":   {240, 120, 180, 255},
		"BLACK":  {15, 15, 15, 255},
		"WHITE":  {240, 240, 240, 255},
	}
)

// SyntheticOpener renders a top-down snooker table. Locator form:
//
//	synthetic:[name][?frames=N&fps=F&width=W&height=H&reds=R&radius=P]
//
// frames=0 (the default) never ends.
type SyntheticOpener struct{}

// Name returns the opener name
func (o *SyntheticOpener) Name() string {
	return "synthetic"
}

// CanOpen claims synthetic: locators
func (o *SyntheticOpener) CanOpen(locator string) bool {
	scheme, _ := splitLocator(locator)
	return scheme == SyntheticScheme
}

// Open validates the parameters and returns a generator handle
func (o *SyntheticOpener) Open(locator string) (Handle, error) {
	_, rest := splitLocator(locator)
	_, q := params(rest)

	h := &syntheticHandle{
		frames: intParam(q, "frames", 0),
		width:  intParam(q, "width", 320),
		height: intParam(q, "height", 180),
		reds:   intParam(q, "reds", 15),
		radius: intParam(q, "radius", 5),
		pace:   newPacer(floatParam(q, "fps", 0)),
	}

	switch {
	case h.width < 160 || h.height < 90:
		return nil, fmt.Errorf("frame size %dx%d too small", h.width, h.height)
	case h.frames < 0:
		return nil, fmt.Errorf("negative frame count %d", h.frames)
	case h.reds < 0 || h.reds > 15:
		return nil, fmt.Errorf("red count %d outside [0,15]", h.reds)
	case h.radius < 2 || !h.fits():
		return nil, fmt.Errorf("ball radius %d does not fit a %dx%d table", h.radius, h.width, h.height)
	}
	return h, nil
}

type syntheticHandle struct {
	frames, width, height, reds, radius int
	pace                                pacer

	n      int
	closed bool
}

func (h *syntheticHandle) Read() (*Frame, error) {
	if h.closed {
		return nil, fmt.Errorf("read on closed synthetic source")
	}
	if h.frames > 0 && h.n >= h.frames {
		return nil, io.EOF
	}
	h.pace.wait()

	img := h.render(h.n)
	h.n++
	return &Frame{Timestamp: time.Now(), Image: img}, nil
}

func (h *syntheticHandle) Close() error {
	h.closed = true
	return nil
}

// fits reports whether the black spot and the triangle stay on the cloth
func (h *syntheticHandle) fits() bool {
	rail := h.height / 16
	gap := 2*h.radius + 3
	return h.width*3/4+4*gap+h.radius < h.width-rail &&
		h.height/2+5*gap/2+h.radius < h.height-rail-3*h.radius
}

// render draws the table for frame n: reds packed in a triangle, colours on
// their spots, and the cue ball travelling along the baulk side
func (h *syntheticHandle) render(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, h.width, h.height))
	fill(img, img.Bounds(), railColour)
	rail := h.height / 16
	fill(img, image.Rect(rail, rail, h.width-rail, h.height-rail), clothColour)

	r := h.radius
	gap := 2*r + 3
	midY := h.height / 2

	// Reds: triangle with its apex towards baulk
	apexX := h.width*3/4 - 2*gap
	placed := 0
	for row := 0; placed < h.reds; row++ {
		for k := 0; k <= row && placed < h.reds; k++ {
			x := apexX + row*gap
			y := midY + (2*k-row)*gap/2
			disc(img, x, y, r, BallColours["RED"])
			placed++
		}
	}

	disc(img, h.width*3/4-4*gap, midY, r, BallColours["PINK"])
	disc(img, h.width*3/4+4*gap, midY, r, BallColours["BLACK"])
	disc(img, h.width/2, midY, r, BallColours["BLUE"])
	disc(img, h.width/5, midY-3*gap, r, BallColours["GREEN"])
	disc(img, h.width/5, midY, r, BallColours["BROWN"])
	disc(img, h.width/5, midY+3*gap, r, BallColours["YELLOW"])

	// Cue ball sweeps along the bottom cushion
	lo, hi := rail+2*r, h.width/2
	span := hi - lo
	x := lo + n%span
	disc(img, x, h.height-rail-2*r, r, BallColours["WHITE"])

	return img
}

func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// disc draws a hard-edged filled circle
func disc(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				p := image.Pt(cx+dx, cy+dy)
				if p.In(img.Bounds()) {
					img.SetRGBA(p.X, p.Y, c)
				}
			}
		}
	}
}
