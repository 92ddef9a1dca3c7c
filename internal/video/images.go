package video

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImagesScheme selects a directory of still images played in name order
const ImagesScheme = "images"

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// ImageSequenceOpener plays a directory of stills as video. Locator form:
//
//	images:<dir>[?fps=F&loop=1]
//
// A bare path to an existing directory is accepted too.
type ImageSequenceOpener struct{}

// Name returns the opener name
func (o *ImageSequenceOpener) Name() string {
	return "images"
}

// CanOpen claims images: locators and bare directory paths
func (o *ImageSequenceOpener) CanOpen(locator string) bool {
	scheme, rest := splitLocator(locator)
	if scheme == ImagesScheme {
		return true
	}
	if scheme != "" {
		return false
	}
	info, err := os.Stat(rest)
	return err == nil && info.IsDir()
}

// Open lists the directory; it fails when there is nothing to play
func (o *ImageSequenceOpener) Open(locator string) (Handle, error) {
	_, rest := splitLocator(locator)
	dir, q := params(rest)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)

	return &imageSequence{
		files: files,
		loop:  q.Get("loop") == "1" || q.Get("loop") == "true",
		pace:  newPacer(floatParam(q, "fps", 0)),
	}, nil
}

type imageSequence struct {
	files []string
	loop  bool
	pace  pacer
	next  int
}

func (s *imageSequence) Read() (*Frame, error) {
	if s.next >= len(s.files) {
		if !s.loop {
			return nil, io.EOF
		}
		s.next = 0
	}
	s.pace.wait()

	path := s.files[s.next]
	s.next++

	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return &Frame{Timestamp: time.Now(), Image: img}, nil
}

func (s *imageSequence) Close() error {
	s.files = nil
	return nil
}

func decodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return ToRGBA(src), nil
}

// ToRGBA returns img as *image.RGBA anchored at the origin, copying only when
// needed
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
