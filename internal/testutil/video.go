// Package testutil provides instrumented fakes for pipeline tests: a video
// opener that tracks how many handles are open at once, and a scripted
// analysis engine.
package testutil

import (
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// ClipConfig describes the footage a MockOpener serves for one locator
type ClipConfig struct {
	// Frames is the clip length; zero never ends
	Frames int
	// FrameDelay is slept before each read
	FrameDelay time.Duration
	// OpenDelay is slept inside Open
	OpenDelay time.Duration
	// OpenErr fails Open
	OpenErr error
	// FailAt returns ReadErr from the read of this 1-based frame number
	FailAt  int
	ReadErr error
	// Block makes every read wait until the channel is closed
	Block chan struct{}
	// Reading, when set, receives a value each time a read begins, if there
	// is room; give it a buffer of one and wait on it to know the handle is
	// inside Read
	Reading chan struct{}
}

// MockOpener serves synthetic clips and records handle lifetimes
type MockOpener struct {
	mu          sync.Mutex
	clips       map[string]ClipConfig
	fallback    ClipConfig
	open        int
	maxOpen     int
	opens       []string
	closes      []string
	readsByClip map[string]int
}

// NewMockOpener creates an opener that serves fallback for unknown locators
func NewMockOpener(fallback ClipConfig) *MockOpener {
	return &MockOpener{
		clips:       make(map[string]ClipConfig),
		fallback:    fallback,
		readsByClip: make(map[string]int),
	}
}

// SetClip configures a locator
func (o *MockOpener) SetClip(locator string, c ClipConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clips[locator] = c
}

// Name implements video.Opener
func (o *MockOpener) Name() string { return "mock" }

// CanOpen implements video.Opener
func (o *MockOpener) CanOpen(string) bool { return true }

// Open implements video.Opener
func (o *MockOpener) Open(locator string) (video.Handle, error) {
	o.mu.Lock()
	c, ok := o.clips[locator]
	if !ok {
		c = o.fallback
	}
	o.mu.Unlock()

	if c.OpenDelay > 0 {
		time.Sleep(c.OpenDelay)
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}

	o.mu.Lock()
	o.open++
	if o.open > o.maxOpen {
		o.maxOpen = o.open
	}
	o.opens = append(o.opens, locator)
	o.mu.Unlock()

	return &mockHandle{opener: o, locator: locator, clip: c}, nil
}

// OpenNow returns the number of handles currently open
func (o *MockOpener) OpenNow() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

// MaxOpen returns the most handles ever open at the same time
func (o *MockOpener) MaxOpen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxOpen
}

// Opens returns the locators opened, in order
func (o *MockOpener) Opens() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opens...)
}

// Closes returns the locators closed, in order
func (o *MockOpener) Closes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closes...)
}

// Reads returns how many frames were read from locator across all handles
func (o *MockOpener) Reads(locator string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readsByClip[locator]
}

type mockHandle struct {
	opener  *MockOpener
	locator string
	clip    ClipConfig
	n       int
	closed  bool
}

func (h *mockHandle) Read() (*video.Frame, error) {
	if h.closed {
		return nil, fmt.Errorf("read after close")
	}
	if h.clip.Frames > 0 && h.n >= h.clip.Frames {
		return nil, io.EOF
	}
	if h.clip.Reading != nil {
		select {
		case h.clip.Reading <- struct{}{}:
		default:
		}
	}
	if h.clip.Block != nil {
		<-h.clip.Block
	}
	if h.clip.FrameDelay > 0 {
		time.Sleep(h.clip.FrameDelay)
	}
	h.n++
	if h.clip.FailAt > 0 && h.n == h.clip.FailAt {
		return nil, h.clip.ReadErr
	}

	h.opener.mu.Lock()
	h.opener.readsByClip[h.locator]++
	h.opener.mu.Unlock()

	return &video.Frame{Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}, nil
}

func (h *mockHandle) Close() error {
	if h.closed {
		return fmt.Errorf("double close")
	}
	h.closed = true

	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	h.opener.open--
	h.opener.closes = append(h.opener.closes, h.locator)
	return nil
}
