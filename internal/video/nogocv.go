//go:build !gocv

package video

// Without OpenCV only the pure Go openers are available
func platformOpeners() []Opener {
	return nil
}
