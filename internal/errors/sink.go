package errors

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a structured error report delivered to a Sink
type Event struct {
	ID        uuid.UUID `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"-"`
	Component string    `json:"component"`
	Err       error     `json:"-"`
	Fatal     bool      `json:"fatal"`
}

// NewEvent builds an event for err raised by component
func NewEvent(component string, err error) Event {
	return Event{
		ID:        uuid.New(),
		Time:      time.Now(),
		Kind:      KindOf(err),
		Component: component,
		Err:       err,
		Fatal:     IsFatal(err),
	}
}

// Message returns the error text, or an empty string for a zero event
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Sink accepts error events from any goroutine. Report must not panic or block
// for long, and has no failure mode of its own.
type Sink interface {
	Report(Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event)

// Report calls f(ev)
func (f SinkFunc) Report(ev Event) {
	f(ev)
}

// Report is shorthand for sink.Report(NewEvent(component, err)); nil sinks and
// nil errors are ignored
func Report(sink Sink, component string, err error) {
	if sink == nil || err == nil {
		return
	}
	sink.Report(NewEvent(component, err))
}

// LogSink writes every event to a zerolog logger
type LogSink struct {
	Log *zerolog.Logger
}

// Report implements Sink
func (s LogSink) Report(ev Event) {
	if s.Log == nil {
		return
	}
	s.Log.Error().
		Str("event_id", ev.ID.String()).
		Str("kind", ev.Kind.String()).
		Str("source_component", ev.Component).
		Bool("fatal", ev.Fatal).
		Err(ev.Err).
		Msg("Error reported")
}

// Multi fans an event out to several sinks in order
type Multi []Sink

// Report implements Sink
func (m Multi) Report(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Report(ev)
		}
	}
}

// Recorder is a Sink that keeps every event it receives
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Report implements Sink
func (r *Recorder) Report(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given kind
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
