package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// MJPEGOutput streams frames as Motion JPEG over HTTP
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest encoded frame
	frameMu    sync.RWMutex
	current    []byte
	lastUpdate time.Time
	lastWrite  time.Time

	// Connected clients, each with a one-frame mailbox
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

// Stats is a point-in-time view of the stream
type Stats struct {
	Running    bool      `json:"running"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TargetFPS  int       `json:"target_fps"`
	ActualFPS  float64   `json:"actual_fps"`
	Frames     uint64    `json:"frames"`
	Skipped    uint64    `json:"skipped"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = jpeg.DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via GetHTTPHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0
	m.skipped = 0

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("Output started")
	return nil
}

// Stop cleanly shuts down the output and disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("Output stopped")
	return nil
}

// WriteFrame encodes frame and hands it to every connected client. Frames
// arriving faster than the configured FPS are skipped.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	now := time.Now()
	m.frameMu.Lock()
	if m.config.FPS > 0 && !m.lastWrite.IsZero() && now.Sub(m.lastWrite) < time.Second/time.Duration(m.config.FPS) {
		m.frameMu.Unlock()
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return nil
	}
	m.lastWrite = now
	m.frameMu.Unlock()

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, m.scale(frame), &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.current = jpegData
	m.lastUpdate = now
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	m.clientsMu.RLock()
	for ch := range m.clients {
		deliver(ch, jpegData)
	}
	m.clientsMu.RUnlock()

	return nil
}

// deliver replaces whatever frame a slow client has not taken yet
func deliver(ch chan []byte, data []byte) {
	select {
	case ch <- data:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
}

// scale fits frame inside the configured size, never enlarging it
func (m *MJPEGOutput) scale(frame *image.RGBA) image.Image {
	b := frame.Bounds()
	if m.config.Width <= 0 || m.config.Height <= 0 || (b.Dx() <= m.config.Width && b.Dy() <= m.config.Height) {
		return frame
	}

	ratio := min(float64(m.config.Width)/float64(b.Dx()), float64(m.config.Height)/float64(b.Dy()))
	w := max(1, int(float64(b.Dx())*ratio))
	h := max(1, int(float64(b.Dy())*ratio))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
	return dst
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Current returns the latest encoded frame, or nil
func (m *MJPEGOutput) Current() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.current
}

// Clients returns the number of connected stream viewers
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Stats returns stream statistics
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running, frames, skipped, started := m.running, m.frameCount, m.skipped, m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	lastUpdate := m.lastUpdate
	m.frameMu.RUnlock()

	var fps float64
	if running && !started.IsZero() {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fps = float64(frames) / elapsed
		}
	}

	return Stats{
		Running:    running,
		Width:      m.config.Width,
		Height:     m.config.Height,
		TargetFPS:  m.config.FPS,
		ActualFPS:  fps,
		Frames:     frames,
		Skipped:    skipped,
		Clients:    m.Clients(),
		LastUpdate: lastUpdate,
	}
}

// subscribe registers a client mailbox, primed with the latest frame
func (m *MJPEGOutput) subscribe() (chan []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil, false
	}

	ch := make(chan []byte, 1)
	if cur := m.Current(); cur != nil {
		ch <- cur
	}

	m.clientsMu.Lock()
	m.clients[ch] = struct{}{}
	n := len(m.clients)
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Int("clients", n).Msg("Client connected")
	return ch, true
}

func (m *MJPEGOutput) unsubscribe(ch chan []byte) {
	m.clientsMu.Lock()
	_, ok := m.clients[ch]
	delete(m.clients, ch)
	n := len(m.clients)
	m.clientsMu.Unlock()
	if !ok {
		return
	}
	logger.WithComponent("mjpeg").Info().Int("clients", n).Msg("Client disconnected")
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameChan, ok := m.subscribe()
		if !ok {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}
		defer m.unsubscribe(frameChan)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		for {
			var jpegData []byte
			select {
			case <-r.Context().Done():
				return
			case data, open := <-frameChan:
				if !open {
					return
				}
				jpegData = data
			}

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// GetSnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cur := m.Current()
		if cur == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(cur)
	}
}
