package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// Manager handles overlay widgets and rendering. Widgets render in the order
// they were added.
type Manager struct {
	widgets []Widget
	mu      sync.RWMutex
	enabled bool
}

// NewManager creates a new overlay manager
func NewManager() *Manager {
	return &Manager{enabled: true}
}

// NewDefaultManager creates a manager with blob outlines, the counts panel in
// the top-left corner and a frame/locator caption in the bottom-left corner
func NewDefaultManager(palette map[string]color.RGBA) *Manager {
	m := NewManager()
	_ = m.AddWidget(NewBoxesWidget("boxes", palette))
	_ = m.AddWidget(NewCountsWidget("counts", 4, 4, palette))
	_ = m.AddWidget(NewTextWidget("caption", 4, -4, func(d state.Detection) string {
		if d.Seq == 0 {
			return ""
		}
		return fmt.Sprintf("#%d %s", d.Seq, d.Locator)
	}))
	return m
}

// AddWidget adds a widget to the overlay
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.widgets {
		if w.ID() == widget.ID() {
			return fmt.Errorf("widget with ID %s already exists", widget.ID())
		}
	}
	m.widgets = append(m.widgets, widget)
	logger.WithComponent("overlay").Debug().Str("id", widget.ID()).Str("type", widget.Type()).Msg("Added widget")
	return nil
}

// RemoveWidget removes a widget from the overlay
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.widgets {
		if w.ID() == id {
			m.widgets = append(m.widgets[:i], m.widgets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("widget with ID %s not found", id)
}

// GetWidget retrieves a widget by ID
func (m *Manager) GetWidget(id string) (Widget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.widgets {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// SetEnabled enables or disables the entire overlay
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// IsEnabled returns whether the overlay is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Render renders all enabled widgets for d onto img
func (m *Manager) Render(img *image.RGBA, d state.Detection) {
	if !m.IsEnabled() {
		return
	}

	m.mu.RLock()
	widgets := append([]Widget(nil), m.widgets...)
	m.mu.RUnlock()

	for _, widget := range widgets {
		if !widget.IsEnabled() {
			continue
		}
		if err := widget.Render(img, d); err != nil {
			logger.WithComponent("overlay").Warn().Err(err).Str("id", widget.ID()).Msg("Failed to render widget")
		}
	}
}

// Annotate returns a copy of the detection's frame with the overlay drawn on
// it, or nil when the detection carries no frame. The frame itself is never
// modified since other observers may hold it.
func (m *Manager) Annotate(d state.Detection) *image.RGBA {
	if d.Frame == nil || d.Frame.Image == nil {
		return nil
	}
	src := d.Frame.Image
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	m.Render(out, d)
	return out
}
