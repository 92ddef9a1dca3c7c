package video

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// Router routes open requests to the first registered opener that claims the
// locator
type Router struct {
	mu      sync.RWMutex
	openers []Opener
}

// NewRouter creates a router over the given openers, consulted in order
func NewRouter(openers ...Opener) *Router {
	r := &Router{}
	for _, o := range openers {
		r.Register(o)
	}
	return r
}

// DefaultRouter returns a router with every opener built into this binary
func DefaultRouter() *Router {
	openers := []Opener{
		&SyntheticOpener{},
		&ImageSequenceOpener{},
		&X11Opener{},
	}
	openers = append(openers, platformOpeners()...)
	return NewRouter(openers...)
}

// Register appends an opener
func (r *Router) Register(o Opener) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers = append(r.openers, o)
}

// Openers returns the names of the registered openers in routing order
func (r *Router) Openers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.openers))
	for _, o := range r.openers {
		names = append(names, o.Name())
	}
	return names
}

// Name returns the router name
func (r *Router) Name() string {
	return "router"
}

// CanOpen reports whether any opener claims the locator
func (r *Router) CanOpen(locator string) bool {
	return r.route(locator) != nil
}

// Open opens the locator with the first opener that claims it
func (r *Router) Open(locator string) (Handle, error) {
	o := r.route(locator)
	if o == nil {
		return nil, fmt.Errorf("no opener available for %q", locator)
	}

	logger.WithComponent("video-router").Debug().
		Str("locator", locator).
		Str("opener", o.Name()).
		Msg("Routing open request")

	return o.Open(locator)
}

func (r *Router) route(locator string) Opener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.openers {
		if o.CanOpen(locator) {
			return o
		}
	}
	return nil
}
