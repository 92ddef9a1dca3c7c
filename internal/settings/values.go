package settings

import (
	"fmt"
	"sort"
	"strings"
)

// HSV is a colour in OpenCV's scale: H 0-180, S and V 0-255
type HSV [3]int

// ColourRange is an inclusive HSV range that identifies one ball colour
type ColourRange struct {
	Lower HSV `json:"lower" yaml:"lower"`
	Upper HSV `json:"upper" yaml:"upper"`
}

// Contains reports whether hsv falls inside the range
func (r ColourRange) Contains(hsv HSV) bool {
	for i := 0; i < 3; i++ {
		if hsv[i] < r.Lower[i] || hsv[i] > r.Upper[i] {
			return false
		}
	}
	return true
}

// Validate checks channel bounds and ordering
func (r ColourRange) Validate() error {
	limits := HSV{180, 255, 255}
	for i := 0; i < 3; i++ {
		if r.Lower[i] < 0 || r.Upper[i] > limits[i] {
			return fmt.Errorf("channel %d out of range [0,%d]", i, limits[i])
		}
		if r.Lower[i] > r.Upper[i] {
			return fmt.Errorf("channel %d lower bound %d exceeds upper bound %d", i, r.Lower[i], r.Upper[i])
		}
	}
	return nil
}

// BlobDetector holds the blob filter parameters used by the analysis engine
type BlobDetector struct {
	FilterByArea        bool    `json:"filter_by_area" yaml:"filter_by_area"`
	MinArea             float64 `json:"min_area" yaml:"min_area"`
	MaxArea             float64 `json:"max_area" yaml:"max_area"`
	FilterByCircularity bool    `json:"filter_by_circularity" yaml:"filter_by_circularity"`
	MinCircularity      float64 `json:"min_circularity" yaml:"min_circularity"`
	FilterByConvexity   bool    `json:"filter_by_convexity" yaml:"filter_by_convexity"`
	MinConvexity        float64 `json:"min_convexity" yaml:"min_convexity"`
	FilterByInertia     bool    `json:"filter_by_inertia" yaml:"filter_by_inertia"`
	MinInertiaRatio     float64 `json:"min_inertia_ratio" yaml:"min_inertia_ratio"`
}

// Validate checks the parameter ranges
func (b BlobDetector) Validate() error {
	if b.MinArea < 0 || (b.MaxArea > 0 && b.MaxArea < b.MinArea) {
		return fmt.Errorf("invalid area bounds [%g,%g]", b.MinArea, b.MaxArea)
	}
	for name, v := range map[string]float64{
		"min_circularity":   b.MinCircularity,
		"min_convexity":     b.MinConvexity,
		"min_inertia_ratio": b.MinInertiaRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}
	return nil
}

// Values is the full set of tunable detection parameters. It is the unit the
// codec parses and serializes, and what the worker snapshots per frame.
type Values struct {
	Colours      map[string]ColourRange `json:"colours" yaml:"colours"`
	BlobDetector BlobDetector           `json:"blob_detector" yaml:"blob_detector"`
}

// Validate checks every colour range and the blob detector block
func (v Values) Validate() error {
	if len(v.Colours) == 0 {
		return fmt.Errorf("no colours defined")
	}
	for _, name := range v.ColourNames() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty colour name")
		}
		if err := v.Colours[name].Validate(); err != nil {
			return fmt.Errorf("colour %s: %w", name, err)
		}
	}
	if err := v.BlobDetector.Validate(); err != nil {
		return fmt.Errorf("blob_detector: %w", err)
	}
	return nil
}

// ColourNames returns the colour names in sorted order
func (v Values) ColourNames() []string {
	names := make([]string, 0, len(v.Colours))
	for name := range v.Colours {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy
func (v Values) Clone() Values {
	out := Values{
		Colours:      make(map[string]ColourRange, len(v.Colours)),
		BlobDetector: v.BlobDetector,
	}
	for name, r := range v.Colours {
		out.Colours[name] = r
	}
	return out
}

// Defaults returns the default snooker ball colour ranges and blob filters
func Defaults() Values {
	return Values{
		Colours: map[string]ColourRange{
			"RED":    {Lower: HSV{0, 150, 90}, Upper: HSV{8, 255, 255}},
			"YELLOW": {Lower: HSV{22, 150, 150}, Upper: HSV{35, 255, 255}},
			"GREEN":  {Lower: HSV{70, 200, 90}, Upper: HSV{85, 255, 200}},
			"BROWN":  {Lower: HSV{9, 120, 40}, Upper: HSV{20, 255, 150}},
			"BLUE":   {Lower: HSV{100, 150, 80}, Upper: HSV{125, 255, 255}},
			"PINK":   {Lower: HSV{150, 60, 150}, Upper: HSV{175, 200, 255}},
			"BLACK":  {Lower: HSV{0, 0, 0}, Upper: HSV{180, 255, 35}},
			"WHITE":  {Lower: HSV{0, 0, 215}, Upper: HSV{180, 40, 255}},
		},
		BlobDetector: BlobDetector{
			FilterByArea:        true,
			MinArea:             30,
			MaxArea:             2500,
			FilterByCircularity: true,
			MinCircularity:      0.55,
			FilterByConvexity:   false,
			MinConvexity:        0.8,
			FilterByInertia:     false,
			MinInertiaRatio:     0.4,
		},
	}
}
