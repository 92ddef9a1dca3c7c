package video

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// X11Scheme selects live capture from the X server
const X11Scheme = "x11"

// X11Opener captures the screen, a region of it, or one window. Locator form:
//
//	x11:[?window=0xID | ?region=X,Y,W,H][&fps=F]
//
// With no window or region the whole root window is captured.
type X11Opener struct{}

// Name returns the opener name
func (o *X11Opener) Name() string {
	return "x11"
}

// CanOpen claims x11: locators
func (o *X11Opener) CanOpen(locator string) bool {
	scheme, _ := splitLocator(locator)
	return scheme == X11Scheme
}

// Open connects to the X server named by $DISPLAY
func (o *X11Opener) Open(locator string) (Handle, error) {
	_, rest := splitLocator(locator)
	_, q := params(rest)

	var (
		window xproto.Window
		region image.Rectangle
	)
	if s := q.Get("window"); s != "" {
		id, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid window id %q: %w", s, err)
		}
		window = xproto.Window(id)
	}
	if s := q.Get("region"); s != "" {
		r, err := parseRegion(s)
		if err != nil {
			return nil, err
		}
		region = r
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	h := &x11Handle{
		conn:   conn,
		root:   screen.Root,
		depth:  int(screen.RootDepth),
		window: window,
		region: region,
		pace:   newPacer(floatParam(q, "fps", 10)),
		log:    *logger.WithComponent("x11-capturer"),
	}

	if err := composite.Init(conn); err != nil {
		h.log.Warn().
			Err(err).
			Msg("Composite extension not available - obscured windows may capture incorrectly")
	} else {
		h.compositeEnabled = true
	}

	if window != 0 {
		if _, err := xproto.GetWindowAttributes(conn, window).Reply(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("window 0x%x not found: %w", uint32(window), err)
		}
	}
	if region.Empty() {
		region = image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels))
		h.region = region
	}
	return h, nil
}

func parseRegion(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("region %q must be X,Y,W,H", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("region %q: %w", s, err)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("region %q has no area", s)
	}
	return image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]), nil
}

type x11Handle struct {
	conn             *xgb.Conn
	root             xproto.Window
	depth            int
	compositeEnabled bool

	window xproto.Window
	region image.Rectangle
	pace   pacer
	log    zerolog.Logger
}

func (h *x11Handle) Read() (*Frame, error) {
	h.pace.wait()

	var (
		img *image.RGBA
		err error
	)
	if h.window != 0 {
		img, err = h.captureWindow(h.window)
	} else {
		img, err = h.captureRegion(h.region)
	}
	if err != nil {
		return nil, err
	}
	return &Frame{Timestamp: time.Now(), Image: img}, nil
}

func (h *x11Handle) Close() error {
	h.conn.Close()
	return nil
}

func (h *x11Handle) captureRegion(r image.Rectangle) (*image.RGBA, error) {
	reply, err := xproto.GetImage(
		h.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(h.root),
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return h.convert(reply.Data, r.Dx(), r.Dy()), nil
}

func (h *x11Handle) captureWindow(win xproto.Window) (*image.RGBA, error) {
	attrs, err := xproto.GetWindowAttributes(h.conn, win).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window attributes: %w", err)
	}

	if attrs.Class != xproto.WindowClassInputOutput || attrs.MapState != xproto.MapStateViewable {
		child, err := h.findCapturableChild(win)
		if err != nil {
			return nil, fmt.Errorf("no capturable window found: %w", err)
		}
		win = child
	}

	geom, err := xproto.GetGeometry(h.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window geometry: %w", err)
	}

	drawable := xproto.Drawable(win)
	if h.compositeEnabled {
		if pixmap, release, ok := h.namePixmap(win); ok {
			defer release()
			drawable = xproto.Drawable(pixmap)
		}
	}

	reply, err := xproto.GetImage(
		h.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		geom.Width, geom.Height,
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return h.convert(reply.Data, int(geom.Width), int(geom.Height)), nil
}

// namePixmap redirects win offscreen and names its backing pixmap so obscured
// windows still capture. release undoes both.
func (h *x11Handle) namePixmap(win xproto.Window) (xproto.Pixmap, func(), bool) {
	if err := composite.RedirectWindowChecked(h.conn, win, composite.RedirectAutomatic).Check(); err != nil {
		h.log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Composite redirect failed, capturing directly")
		return 0, nil, false
	}
	unredirect := func() { composite.UnredirectWindow(h.conn, win, composite.RedirectAutomatic) }

	pixmap, err := xproto.NewPixmapId(h.conn)
	if err != nil {
		unredirect()
		return 0, nil, false
	}
	if err := composite.NameWindowPixmapChecked(h.conn, win, pixmap).Check(); err != nil {
		unredirect()
		return 0, nil, false
	}
	return pixmap, func() {
		xproto.FreePixmap(h.conn, pixmap)
		unredirect()
	}, true
}

// findCapturableChild searches depth first for a mapped InputOutput child
// large enough to be content
func (h *x11Handle) findCapturableChild(parent xproto.Window) (xproto.Window, error) {
	tree, err := xproto.QueryTree(h.conn, parent).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to query tree: %w", err)
	}

	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(h.conn, child).Reply()
		if err != nil {
			continue
		}
		geom, err := xproto.GetGeometry(h.conn, xproto.Drawable(child)).Reply()
		if err != nil {
			continue
		}
		if attrs.Class == xproto.WindowClassInputOutput && attrs.MapState == xproto.MapStateViewable &&
			geom.Width > 10 && geom.Height > 10 {
			return child, nil
		}
		if grandchild, err := h.findCapturableChild(child); err == nil {
			return grandchild, nil
		}
	}
	return 0, fmt.Errorf("no capturable child found")
}

// convert turns 24/32-bit BGRX Z-pixmap data into RGBA
func (h *x11Handle) convert(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if h.depth != 24 && h.depth != 32 {
		return img
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			if i+3 >= len(data) {
				return img
			}
			img.SetRGBA(x, y, color.RGBA{R: data[i+2], G: data[i+1], B: data[i], A: 255})
		}
	}
	return img
}
