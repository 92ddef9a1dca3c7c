// Package video defines the frame type and the opener/handle interfaces that
// decouple the pipeline from concrete decoders, plus the built-in openers.
package video

import (
	"image"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Frame is one decoded video frame
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
	Locator   string
}

// Handle is an open video source. Read returns io.EOF at end of stream.
// A handle is used by one goroutine at a time; Close releases it.
type Handle interface {
	Read() (*Frame, error)
	Close() error
}

// Opener opens locators it recognizes
type Opener interface {
	// Name returns a human-readable name for this opener
	Name() string

	// CanOpen reports whether the locator is meant for this opener
	CanOpen(locator string) bool

	// Open opens the locator exclusively
	Open(locator string) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface, accepting every locator
type OpenerFunc func(locator string) (Handle, error)

// Name returns "func"
func (f OpenerFunc) Name() string { return "func" }

// CanOpen always returns true
func (f OpenerFunc) CanOpen(string) bool { return true }

// Open calls f(locator)
func (f OpenerFunc) Open(locator string) (Handle, error) { return f(locator) }

// splitLocator separates "scheme:rest" into its parts; a locator without a
// known scheme prefix is returned whole as rest
func splitLocator(locator string) (scheme, rest string) {
	i := strings.Index(locator, ":")
	if i <= 0 {
		return "", locator
	}
	scheme = strings.ToLower(locator[:i])
	// Windows drive letters and URLs with authority are not schemes we own
	if len(scheme) == 1 || strings.HasPrefix(locator[i+1:], "//") {
		return "", locator
	}
	return scheme, locator[i+1:]
}

// params parses "path?k=v&k2=v2" into the path and its query
func params(rest string) (string, url.Values) {
	path, query, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(query)
	if err != nil {
		q = url.Values{}
	}
	return path, q
}

func intParam(q url.Values, key string, def int) int {
	s := q.Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func floatParam(q url.Values, key string, def float64) float64 {
	s := q.Get(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

// pacer sleeps between reads to hold a target frame rate; zero fps disables it
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps float64) pacer {
	if fps <= 0 {
		return pacer{}
	}
	return pacer{interval: time.Duration(float64(time.Second) / fps)}
}

func (p *pacer) wait() {
	if p.interval == 0 {
		return
	}
	now := time.Now()
	if p.next.IsZero() || now.After(p.next) {
		p.next = now.Add(p.interval)
		return
	}
	time.Sleep(p.next.Sub(now))
	p.next = p.next.Add(p.interval)
}
