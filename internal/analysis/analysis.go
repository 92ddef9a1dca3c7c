// Package analysis turns a frame plus a settings snapshot into ball counts.
package analysis

import (
	"image"

	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// Blob is one connected region that passed the detector filters
type Blob struct {
	Colour      string          `json:"colour"`
	Bounds      image.Rectangle `json:"bounds"`
	Area        int             `json:"area"`
	CentroidX   float64         `json:"cx"`
	CentroidY   float64         `json:"cy"`
	Circularity float64         `json:"circularity"`
	Convexity   float64         `json:"convexity"`
	Inertia     float64         `json:"inertia"`
}

// Result is the detection output for one frame
type Result struct {
	Counts   map[string]int
	Messages []string
	Blobs    []Blob
}

// Engine analyzes frames. Implementations must not retain frame or cfg.
type Engine interface {
	Analyze(frame *video.Frame, cfg settings.Values) (Result, error)
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(frame *video.Frame, cfg settings.Values) (Result, error)

// Analyze calls f(frame, cfg)
func (f EngineFunc) Analyze(frame *video.Frame, cfg settings.Values) (Result, error) {
	return f(frame, cfg)
}
