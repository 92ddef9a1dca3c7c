// Package output publishes annotated frames to viewers.
package output

import (
	"image"
)

// Output defines the interface for frame output mechanisms
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. The output must not modify
	// frame or keep it after returning.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// Width and Height bound the output size; frames are scaled down to fit,
	// keeping their aspect ratio
	Width  int
	Height int
	// FPS caps the output rate; frames arriving faster are skipped
	FPS int
	// Quality is the JPEG quality, 1-100
	Quality int
}
