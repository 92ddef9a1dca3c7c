package analysis

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// expected caps the plausible count per colour on a full table
var expected = map[string]int{"RED": 15}

// BlobCounter counts balls by masking each colour's HSV range and keeping
// the 4-connected components that pass the blob detector filters
type BlobCounter struct{}

// NewBlobCounter creates the reference engine
func NewBlobCounter() *BlobCounter {
	return &BlobCounter{}
}

// Analyze implements Engine
func (b *BlobCounter) Analyze(frame *video.Frame, cfg settings.Values) (Result, error) {
	if frame == nil || frame.Image == nil {
		return Result{}, fmt.Errorf("frame has no image")
	}
	img := frame.Image
	bounds := img.Bounds()
	if bounds.Empty() {
		return Result{}, fmt.Errorf("frame is empty")
	}

	hsv := toHSV(img)
	w, h := bounds.Dx(), bounds.Dy()

	res := Result{Counts: make(map[string]int, len(cfg.Colours))}
	for _, name := range cfg.ColourNames() {
		r := cfg.Colours[name]
		mask := make([]bool, len(hsv))
		for i, p := range hsv {
			mask[i] = r.Contains(p)
		}

		n := 0
		for _, comp := range components(mask, w, h) {
			blob := describe(comp, w)
			blob.Colour = name
			blob.Bounds = blob.Bounds.Add(bounds.Min)
			if !accept(blob, cfg.BlobDetector) {
				continue
			}
			res.Blobs = append(res.Blobs, blob)
			n++
		}
		res.Counts[name] = n

		limit, ok := expected[name]
		if !ok {
			limit = 1
		}
		if n > limit {
			res.Messages = append(res.Messages, fmt.Sprintf("%d %s balls detected, expected at most %d", n, name, limit))
		}
	}
	return res, nil
}

func accept(b Blob, p settings.BlobDetector) bool {
	if p.FilterByArea {
		if float64(b.Area) < p.MinArea || (p.MaxArea > 0 && float64(b.Area) > p.MaxArea) {
			return false
		}
	}
	if p.FilterByCircularity && b.Circularity < p.MinCircularity {
		return false
	}
	if p.FilterByConvexity && b.Convexity < p.MinConvexity {
		return false
	}
	if p.FilterByInertia && b.Inertia < p.MinInertiaRatio {
		return false
	}
	return true
}

// toHSV converts every pixel to OpenCV's 8-bit HSV scale
func toHSV(img *image.RGBA) []settings.HSV {
	b := img.Bounds()
	out := make([]settings.HSV, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, rgbToHSV(row[4*x], row[4*x+1], row[4*x+2]))
		}
	}
	return out
}

// rgbToHSV maps to H in [0,180), S and V in [0,255]
func rgbToHSV(r8, g8, b8 uint8) settings.HSV {
	r, g, b := float64(r8), float64(g8), float64(b8)
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	delta := hi - lo

	var s float64
	if hi > 0 {
		s = delta * 255 / hi
	}

	var h float64
	switch {
	case delta == 0:
		h = 0
	case hi == r:
		h = 60 * (g - b) / delta
	case hi == g:
		h = 60*(b-r)/delta + 120
	default:
		h = 60*(r-g)/delta + 240
	}
	if h < 0 {
		h += 360
	}

	hue := int(math.Round(h / 2))
	if hue >= 180 {
		hue -= 180
	}
	return settings.HSV{hue, int(math.Round(s)), int(hi)}
}

// components labels the 4-connected true regions of mask; each component is
// the list of its pixel indices
func components(mask []bool, w, h int) [][]int {
	seen := make([]bool, len(mask))
	var out [][]int
	var stack []int

	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		var comp []int
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, i)

			x, y := i%w, i/w
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[0] >= w || n[1] < 0 || n[1] >= h {
					continue
				}
				j := n[1]*w + n[0]
				if mask[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		out = append(out, comp)
	}
	return out
}

// describe computes area, bounds, centroid and shape ratios of a component
func describe(comp []int, w int) Blob {
	var (
		sx, sy, sxx, syy, sxy float64
		minX, minY            = math.MaxInt, math.MaxInt
		maxX, maxY            = -1, -1
		rowMin                = map[int]int{}
		rowMax                = map[int]int{}
	)
	for _, i := range comp {
		x, y := i%w, i/w
		fx, fy := float64(x), float64(y)
		sx += fx
		sy += fy
		sxx += fx * fx
		syy += fy * fy
		sxy += fx * fy
		minX, maxX = min(minX, x), max(maxX, x)
		minY, maxY = min(minY, y), max(maxY, y)
		if v, ok := rowMin[y]; !ok || x < v {
			rowMin[y] = x
		}
		if v, ok := rowMax[y]; !ok || x > v {
			rowMax[y] = x
		}
	}

	area := float64(len(comp))
	cx, cy := sx/area, sy/area

	// Radius of the circle around the centroid that encloses every pixel
	var r2 float64
	for _, i := range comp {
		x, y := float64(i%w), float64(i/w)
		dx := math.Abs(x-cx) + 0.5
		dy := math.Abs(y-cy) + 0.5
		r2 = math.Max(r2, dx*dx+dy*dy)
	}

	mu20 := sxx/area - cx*cx
	mu02 := syy/area - cy*cy
	mu11 := sxy/area - cx*cy
	common := math.Sqrt((mu20-mu02)*(mu20-mu02) + 4*mu11*mu11)
	lmax := (mu20 + mu02 + common) / 2
	lmin := (mu20 + mu02 - common) / 2
	inertia := 1.0
	if lmax > 0 {
		inertia = lmin / lmax
	}

	// Hull over pixel corners at the ends of each row
	var pts []point
	for y, x := range rowMin {
		pts = append(pts, point{float64(x), float64(y)}, point{float64(x), float64(y + 1)})
	}
	for y, x := range rowMax {
		pts = append(pts, point{float64(x + 1), float64(y)}, point{float64(x + 1), float64(y + 1)})
	}
	convexity := 1.0
	if hull := polygonArea(convexHull(pts)); hull > 0 {
		convexity = math.Min(1, area/hull)
	}

	return Blob{
		Bounds:      image.Rect(minX, minY, maxX+1, maxY+1),
		Area:        len(comp),
		CentroidX:   cx,
		CentroidY:   cy,
		Circularity: math.Min(1, area/(math.Pi*r2)),
		Convexity:   convexity,
		Inertia:     inertia,
	}
}

type point struct{ x, y float64 }

// convexHull returns the hull in counter-clockwise order (monotone chain)
func convexHull(pts []point) []point {
	if len(pts) < 3 {
		return nil
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].x != pts[j].x {
			return pts[i].x < pts[j].x
		}
		return pts[i].y < pts[j].y
	})

	cross := func(o, a, b point) float64 {
		return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
	}

	hull := make([]point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

func polygonArea(poly []point) float64 {
	if len(poly) < 3 {
		return 0
	}
	var a float64
	for i := range poly {
		j := (i + 1) % len(poly)
		a += poly[i].x*poly[j].y - poly[j].x*poly[i].y
	}
	return math.Abs(a) / 2
}
