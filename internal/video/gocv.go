//go:build gocv

package video

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

func platformOpeners() []Opener {
	return []Opener{&GocvOpener{}}
}

// GocvOpener decodes video files, streams and capture devices through OpenCV.
// It claims every locator, so it is registered last.
type GocvOpener struct{}

// Name returns the opener name
func (o *GocvOpener) Name() string {
	return "gocv"
}

// CanOpen accepts any locator; OpenCV decides in Open
func (o *GocvOpener) CanOpen(string) bool {
	return true
}

// Open opens a file path, URL, or a numeric device index
func (o *GocvOpener) Open(locator string) (Handle, error) {
	var device any = locator
	if id, err := strconv.Atoi(locator); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture for %q is not opened", locator)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &gocvHandle{capture: capture, mat: gocv.NewMat()}, nil
}

type gocvHandle struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func (h *gocvHandle) Read() (*Frame, error) {
	if ok := h.capture.Read(&h.mat); !ok || h.mat.Empty() {
		return nil, io.EOF
	}

	img, err := h.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return &Frame{Timestamp: time.Now(), Image: ToRGBA(img)}, nil
}

func (h *gocvHandle) Close() error {
	h.mat.Close()
	return h.capture.Close()
}
