package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/supervisor"
)

const (
	// eventBuffer is the number of messages queued per client before new
	// ones are dropped
	eventBuffer = 256
	writeWait   = 5 * time.Second
)

// Message is one observable change sent on /api/events. The first message of
// every connection is named "snapshot" and carries a PipelineView.
type Message struct {
	Name  string    `json:"name"`
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// ErrorView is the wire form of a reported error event
type ErrorView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
}

// DetectionView is the wire form of the latest detection, without the frame
type DetectionView struct {
	Seq     uint64         `json:"seq"`
	Locator string         `json:"locator"`
	Counts  map[string]int `json:"counts"`
	Total   int            `json:"total"`
	Blobs   int            `json:"blobs"`
}

type sendFunc func(name string, value any)

// watch forwards every change of v through send, converted by view
func watch[T any](v *observable.Value[T], send sendFunc, view func(T) any) func() {
	h := v.Subscribe(func(x T) {
		send(v.Name(), view(x))
	})
	return func() { v.Unsubscribe(h) }
}

func same[T any](x T) any { return x }

// subscribe attaches send to every observable the server exposes and returns
// a function that detaches them all. Colours created later on the board or in
// the store join the stream when they appear.
func (s *Server) subscribe(send sendFunc) func() {
	var (
		mu      sync.Mutex
		closed  bool
		cancels []func()
		seen    = make(map[string]bool)
	)
	// attach subscribes under mu so it never races the detach below, and
	// skips names already attached
	attach := func(name string, subscribe func() func()) {
		mu.Lock()
		defer mu.Unlock()
		if closed || seen[name] {
			return
		}
		seen[name] = true
		cancels = append(cancels, subscribe())
	}
	count := func(c string) {
		attach("count."+c, func() func() { return watch(s.board.Count(c), send, same[int]) })
	}
	colour := func(name string) {
		if v := s.store.Colour(name); v != nil {
			attach(v.Name(), func() func() { return watch(v, send, same[settings.ColourRange]) })
		}
	}

	// Listen for new colours before listing the current ones
	onCount := s.board.Added.Subscribe(count)
	onColour := s.store.Added.Subscribe(colour)

	for _, c := range s.board.Colours() {
		count(c)
	}
	for _, name := range s.store.Snapshot().ColourNames() {
		colour(name)
	}

	fixed := []func(){
		watch(s.board.Total, send, same[int]),
		watch(s.board.Log, send, same[string]),
		watch(s.board.Status, send, same[string]),
		watch(s.board.Exhausted, send, same[bool]),
		watch(s.board.Errors, send, func(ev errors.Event) any {
			return ErrorView{
				ID:        ev.ID.String(),
				Kind:      ev.Kind.String(),
				Component: ev.Component,
				Message:   ev.Message(),
				Fatal:     ev.Fatal,
			}
		}),
		watch(s.board.Latest, send, func(d state.Detection) any {
			return DetectionView{
				Seq:     d.Seq,
				Locator: d.Locator,
				Counts:  d.Counts,
				Total:   d.Total,
				Blobs:   len(d.Blobs),
			}
		}),
		watch(s.sup.State, send, same[supervisor.State]),
		watch(s.sup.Locator, send, same[string]),
		watch(s.sup.PairID, send, same[uuid.UUID]),
		watch(s.store.Path, send, same[string]),
		watch(s.store.BlobDetector(), send, same[settings.BlobDetector]),
	}

	return func() {
		s.board.Added.Unsubscribe(onCount)
		s.store.Added.Unsubscribe(onColour)

		mu.Lock()
		closed = true
		all := append(cancels, fixed...)
		mu.Unlock()
		for _, cancel := range all {
			cancel()
		}
	}
}

func (s *Server) addClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	n := s.clients
	s.mu.Unlock()
	s.opts.Metrics.SetSubscribers(n)
}

// handleEvents streams observable changes to a websocket client. Publishers
// never wait on the client: when its queue is full, messages are dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	queue := make(chan Message, eventBuffer)
	var dropped atomic.Uint64
	send := func(name string, value any) {
		select {
		case queue <- Message{Name: name, Value: value, Time: time.Now()}:
		default:
			dropped.Add(1)
		}
	}
	defer func() {
		if n := dropped.Load(); n > 0 {
			s.log.Debug().Uint64("dropped", n).Msg("Slow event client missed messages")
		}
	}()

	// Subscribe before the snapshot so no change between them is lost
	unsubscribe := s.subscribe(send)
	defer unsubscribe()

	s.addClient(1)
	defer s.addClient(-1)

	// The reader only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Message{Name: "snapshot", Value: s.pipelineView(), Time: time.Now()}); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case msg := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}
