package video

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLocator(t *testing.T) {
	tests := []struct {
		locator string
		scheme  string
		rest    string
	}{
		{"synthetic:", "synthetic", ""},
		{"SYNTHETIC:table?frames=3", "synthetic", "table?frames=3"},
		{"images:/tmp/clip", "images", "/tmp/clip"},
		{"/tmp/clip.mp4", "", "/tmp/clip.mp4"},
		{"C:\\clips\\a.mp4", "", "C:\\clips\\a.mp4"},
		{"rtsp://camera/stream", "", "rtsp://camera/stream"},
		{":odd", "", ":odd"},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			scheme, rest := splitLocator(tt.locator)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestSyntheticFrameCount(t *testing.T) {
	o := &SyntheticOpener{}
	require.True(t, o.CanOpen("synthetic:?frames=3"))
	assert.False(t, o.CanOpen("images:/tmp"))

	h, err := o.Open("synthetic:?frames=3&width=320&height=180")
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 3; i++ {
		f, err := h.Read()
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 320, 180), f.Image.Bounds())
		assert.False(t, f.Timestamp.IsZero())
	}
	_, err = h.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticRejectsBadParameters(t *testing.T) {
	o := &SyntheticOpener{}
	for _, loc := range []string{
		"synthetic:?width=10",
		"synthetic:?frames=-1",
		"synthetic:?reds=16",
		"synthetic:?radius=1",
		"synthetic:?radius=40",
	} {
		_, err := o.Open(loc)
		assert.Error(t, err, loc)
	}
}

func TestSyntheticDrawsEveryBall(t *testing.T) {
	h, err := (&SyntheticOpener{}).Open("synthetic:?frames=1")
	require.NoError(t, err)
	f, err := h.Read()
	require.NoError(t, err)

	pixels := map[color.RGBA]int{}
	b := f.Image.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pixels[f.Image.RGBAAt(x, y)]++
		}
	}
	for name, c := range BallColours {
		assert.Positive(t, pixels[c], "no %s pixels", name)
	}
	assert.Greater(t, pixels[BallColours["RED"]], 10*pixels[BallColours["PINK"]])
}

func TestSyntheticPacing(t *testing.T) {
	h, err := (&SyntheticOpener{}).Open("synthetic:?frames=3&fps=50")
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.Read()
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestImageSequence(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), color.RGBA{0, 255, 0, 255})
	writePNG(t, filepath.Join(dir, "001.png"), color.RGBA{255, 0, 0, 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	o := &ImageSequenceOpener{}
	assert.True(t, o.CanOpen(dir), "bare directory")
	assert.True(t, o.CanOpen("images:"+dir))
	assert.False(t, o.CanOpen(filepath.Join(dir, "001.png")))
	assert.False(t, o.CanOpen("synthetic:"))

	h, err := o.Open("images:" + dir)
	require.NoError(t, err)
	defer h.Close()

	f, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, f.Image.RGBAAt(0, 0))

	f, err = h.Read()
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{0, 255, 0, 255}, f.Image.RGBAAt(3, 2))

	_, err = h.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestImageSequenceLoops(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), color.RGBA{1, 2, 3, 255})

	h, err := (&ImageSequenceOpener{}).Open("images:" + dir + "?loop=1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.Read()
		require.NoError(t, err)
	}
}

func TestImageSequenceOpenFailures(t *testing.T) {
	o := &ImageSequenceOpener{}

	_, err := o.Open("images:" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = o.Open("images:" + t.TempDir())
	assert.ErrorContains(t, err, "no images")
}

func TestImageSequenceCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0644))

	h, err := (&ImageSequenceOpener{}).Open(dir)
	require.NoError(t, err)
	_, err = h.Read()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestToRGBA(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 2, 2))
	assert.Same(t, rgba, ToRGBA(rgba))

	gray := image.NewGray(image.Rect(5, 5, 7, 8))
	gray.SetGray(5, 5, color.Gray{Y: 200})
	out := ToRGBA(gray)
	assert.Equal(t, image.Rect(0, 0, 2, 3), out.Bounds())
	assert.Equal(t, color.RGBA{200, 200, 200, 255}, out.RGBAAt(0, 0))
}

func TestParseRegion(t *testing.T) {
	r, err := parseRegion("10, 20, 300, 200")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(10, 20, 310, 220), r)

	for _, bad := range []string{"1,2,3", "a,b,c,d", "0,0,0,10"} {
		_, err := parseRegion(bad)
		assert.Error(t, err, bad)
	}
}

type namedOpener struct {
	name   string
	prefix string
	opened []string
}

func (o *namedOpener) Name() string { return o.name }

func (o *namedOpener) CanOpen(locator string) bool {
	return len(locator) >= len(o.prefix) && locator[:len(o.prefix)] == o.prefix
}

func (o *namedOpener) Open(locator string) (Handle, error) {
	o.opened = append(o.opened, locator)
	return (&SyntheticOpener{}).Open("synthetic:?frames=1")
}

func TestRouterUsesFirstMatchingOpener(t *testing.T) {
	a := &namedOpener{name: "a", prefix: "a:"}
	fallback := &namedOpener{name: "any", prefix: ""}
	r := NewRouter(a, nil, fallback)

	assert.Equal(t, []string{"a", "any"}, r.Openers())

	_, err := r.Open("a:clip")
	require.NoError(t, err)
	_, err = r.Open("b:clip")
	require.NoError(t, err)

	assert.Equal(t, []string{"a:clip"}, a.opened)
	assert.Equal(t, []string{"b:clip"}, fallback.opened)
}

func TestRouterNoMatch(t *testing.T) {
	r := NewRouter(&namedOpener{name: "a", prefix: "a:"})
	assert.False(t, r.CanOpen("b:clip"))
	_, err := r.Open("b:clip")
	assert.ErrorContains(t, err, "no opener")
}

func TestDefaultRouterRoutesSynthetic(t *testing.T) {
	r := DefaultRouter()
	assert.Contains(t, r.Openers(), "synthetic")
	assert.Contains(t, r.Openers(), "x11")

	h, err := r.Open("synthetic:?frames=1")
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestOpenerFunc(t *testing.T) {
	var got string
	o := OpenerFunc(func(locator string) (Handle, error) {
		got = locator
		return nil, io.ErrUnexpectedEOF
	})
	assert.True(t, o.CanOpen("anything"))
	_, err := o.Open("clip")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "clip", got)
}
