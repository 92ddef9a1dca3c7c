package output

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/SnookerTracker/internal/overlay"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestWriteFrameRequiresStart(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	assert.Error(t, out.WriteFrame(solid(8, 8, color.RGBA{A: 255})))

	require.NoError(t, out.Start())
	assert.Error(t, out.Start())
	assert.True(t, out.IsRunning())
	assert.NoError(t, out.WriteFrame(solid(8, 8, color.RGBA{A: 255})))

	require.NoError(t, out.Stop())
	assert.False(t, out.IsRunning())
	assert.NoError(t, out.Stop())
}

func TestScalesToFit(t *testing.T) {
	out := NewMJPEGOutput(Config{Width: 64, Height: 36, Quality: 90})
	require.NoError(t, out.Start())
	defer out.Stop()

	require.NoError(t, out.WriteFrame(solid(128, 128, color.RGBA{R: 200, A: 255})))
	img, err := jpeg.Decode(bytes.NewReader(out.Current()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 36, 36), img.Bounds())

	require.NoError(t, out.Stop())
	require.NoError(t, out.Start())
	require.NoError(t, out.WriteFrame(solid(20, 10, color.RGBA{G: 200, A: 255})))
	img, err = jpeg.Decode(bytes.NewReader(out.Current()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds(), "small frames are not enlarged")
}

func TestThrottlesToFPS(t *testing.T) {
	out := NewMJPEGOutput(Config{FPS: 1})
	require.NoError(t, out.Start())
	defer out.Stop()

	frame := solid(8, 8, color.RGBA{A: 255})
	require.NoError(t, out.WriteFrame(frame))
	require.NoError(t, out.WriteFrame(frame))

	stats := out.Stats()
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, 1, stats.TargetFPS)
	assert.True(t, stats.Running)
}

func TestDeliverKeepsNewest(t *testing.T) {
	ch := make(chan []byte, 1)
	deliver(ch, []byte("a"))
	deliver(ch, []byte("b"))
	assert.Equal(t, []byte("b"), <-ch)
	assert.Empty(t, ch)
}

func TestStreamHandler(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	srv := httptest.NewServer(out.GetHTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, out.Start())
	require.NoError(t, out.WriteFrame(solid(16, 8, color.RGBA{B: 200, A: 255})))

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, "frame", params["boundary"])

	parts := multipart.NewReader(resp.Body, params["boundary"])
	part, err := parts.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
	assert.Equal(t, 1, out.Clients())

	require.NoError(t, out.WriteFrame(solid(24, 8, color.RGBA{A: 255})))
	part, err = parts.NextPart()
	require.NoError(t, err)
	img, err = jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, 24, img.Bounds().Dx())

	require.NoError(t, out.Stop())
	_, err = parts.NextPart()
	assert.Error(t, err, "stopping ends the stream")
	assert.Eventually(t, func() bool { return out.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	require.NoError(t, out.Start())
	defer out.Stop()
	require.NoError(t, out.WriteFrame(solid(8, 8, color.RGBA{A: 255})))

	srv := httptest.NewServer(out.GetHTTPHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Clients())

	cancel()
	resp.Body.Close()
	assert.Eventually(t, func() bool { return out.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotHandler(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	require.NoError(t, out.Start())
	defer out.Stop()

	rec := httptest.NewRecorder()
	out.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, out.WriteFrame(solid(8, 8, color.RGBA{A: 255})))
	rec = httptest.NewRecorder()
	out.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	_, err := jpeg.Decode(rec.Body)
	assert.NoError(t, err)
}

// recorder is an Output that keeps what it is given
type recorder struct {
	mu     sync.Mutex
	frames []*image.RGBA
}

func (r *recorder) Start() error    { return nil }
func (r *recorder) Stop() error     { return nil }
func (r *recorder) Name() string    { return "recorder" }
func (r *recorder) IsRunning() bool { return true }

func (r *recorder) WriteFrame(frame *image.RGBA) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) written() []*image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*image.RGBA(nil), r.frames...)
}

func detection(seq uint64, img *image.RGBA) state.Detection {
	return state.Detection{
		Seq:     seq,
		Locator: "test",
		Counts:  map[string]int{"RED": 1},
		Frame:   &video.Frame{Seq: seq, Image: img, Locator: "test"},
	}
}

func TestFeedWritesPublishedFrames(t *testing.T) {
	board := state.NewBoard([]string{"RED"}, nil, nil)
	rec := &recorder{}
	feed := NewFeed(board, nil, rec)
	require.NoError(t, feed.Start(context.Background()))
	assert.Error(t, feed.Start(context.Background()))

	img := solid(8, 8, color.RGBA{A: 255})
	board.Publish(state.Detection{Seq: 1, Counts: map[string]int{"RED": 1}})
	board.Publish(detection(2, img))

	require.Eventually(t, func() bool { return len(rec.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Same(t, img, rec.written()[0], "without an overlay the frame is passed through")

	feed.Stop()
	feed.Stop()
	assert.Equal(t, 0, board.Latest.Subscribers())

	board.Publish(detection(3, img))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.written(), 1)
}

func TestFeedAnnotatesCopy(t *testing.T) {
	board := state.NewBoard([]string{"RED"}, nil, nil)
	rec := &recorder{}
	feed := NewFeed(board, overlay.NewDefaultManager(video.BallColours), rec)
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Stop()

	img := solid(120, 80, color.RGBA{G: 90, A: 255})
	board.Publish(detection(1, img))

	require.Eventually(t, func() bool { return len(rec.written()) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.written()[0]
	assert.NotSame(t, img, got)
	assert.Equal(t, img.Bounds(), got.Bounds())
	assert.NotEqual(t, img.Pix, got.Pix, "overlay is drawn")
	assert.Equal(t, solid(120, 80, color.RGBA{G: 90, A: 255}).Pix, img.Pix, "source frame untouched")
}

func TestFeedStopsWithContext(t *testing.T) {
	board := state.NewBoard(nil, nil, nil)
	feed := NewFeed(board, nil, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, feed.Start(ctx))
	cancel()

	stopped := make(chan struct{})
	go func() {
		feed.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
