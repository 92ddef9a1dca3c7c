// Package source implements the frame producer: a goroutine that exclusively
// owns one open video handle and feeds a small drop-oldest queue.
package source

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// DefaultQueueCapacity keeps only the freshest frame
const DefaultQueueCapacity = 1

// Options configures a Source
type Options struct {
	// QueueCapacity is the number of decoded frames buffered; values below
	// one use DefaultQueueCapacity
	QueueCapacity int

	// Exhausted, when set, is cleared once the locator opens and written
	// true once the stream ends
	Exhausted *observable.Value[bool]

	Sink    errors.Sink
	Metrics *metrics.Metrics
}

// Source reads frames from one locator on its own goroutine. It is single
// use: Start once, Stop once (further Stops are no-ops).
type Source struct {
	opener video.Opener
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	queue   []*video.Frame
	started bool
	locator string
	cancel  context.CancelFunc
	ctx     context.Context

	// notify holds at most one wakeup for a waiting consumer
	notify chan struct{}
	// done is closed when the producer has exited and released the handle
	done chan struct{}

	exhausted atomic.Bool
	framesIn  atomic.Uint64
	dropped   atomic.Uint64
	seq       uint64
}

// New creates an unstarted source that opens locators through opener
func New(opener video.Opener, opts Options) *Source {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	return &Source{
		opener: opener,
		opts:   opts,
		log:    *logger.WithComponent("source"),
		queue:  make([]*video.Frame, 0, opts.QueueCapacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start opens locator on the calling goroutine and, on success, starts the
// producer. Open failures return a *errors.SourceError with reason Unopenable.
// The producer also stops when ctx is cancelled.
func (s *Source) Start(ctx context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	h, err := s.opener.Open(locator)
	if err != nil {
		return errors.NewUnopenable(locator, err)
	}
	if h == nil {
		return errors.NewUnopenable(locator, fmt.Errorf("opener returned no handle"))
	}
	s.opts.Metrics.HandleOpened()

	s.started = true
	s.locator = locator
	s.log = s.log.With().Str("locator", locator).Logger()
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.opts.Exhausted != nil {
		s.opts.Exhausted.Set(false)
	}

	go s.produce(s.ctx, h)

	s.log.Info().Int("queue_capacity", s.opts.QueueCapacity).Msg("Source started")
	return nil
}

// produce is the only code that touches h after Start returns
func (s *Source) produce(ctx context.Context, h video.Handle) {
	defer close(s.done)
	defer func() {
		if err := h.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close video handle")
		}
		s.opts.Metrics.HandleClosed()
		s.log.Debug().Msg("Video handle released")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		f, err := s.read(h)
		if errors.Is(err, io.EOF) {
			s.exhausted.Store(true)
			s.log.Info().Uint64("frames", s.framesIn.Load()).Msg("Source exhausted")
			if s.opts.Exhausted != nil {
				s.opts.Exhausted.Set(true)
			}
			return
		}
		if err != nil {
			errors.Report(s.opts.Sink, "source", &errors.SourceError{
				Locator: s.locator,
				Reason:  errors.ReadFailed,
				Err:     err,
			})
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.push(f)
	}
}

// read calls h.Read, turning a panicking decoder into a read error
func (s *Source) read(h video.Handle) (f *video.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("handle panicked: %v", r)
		}
	}()
	f, err = h.Read()
	if err == nil && (f == nil || f.Image == nil) {
		err = fmt.Errorf("handle returned an empty frame")
	}
	return f, err
}

func (s *Source) push(f *video.Frame) {
	s.seq++
	f.Seq = s.seq
	f.Locator = s.locator
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	s.framesIn.Add(1)
	s.opts.Metrics.FrameRead()

	s.mu.Lock()
	if len(s.queue) >= s.opts.QueueCapacity {
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = nil
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped.Add(1)
		s.opts.Metrics.FrameDropped()
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Source) pop() *video.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	f := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
	return f
}

// NextFrame waits up to timeout for a queued frame. It returns false when the
// wait times out, when the source is stopping, or when the producer has
// finished and the queue is drained.
func (s *Source) NextFrame(timeout time.Duration) (*video.Frame, bool) {
	s.mu.Lock()
	started, ctx := s.started, s.ctx
	s.mu.Unlock()
	if !started {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if f := s.pop(); f != nil {
			return f, true
		}
		select {
		case <-s.done:
			// Producer gone; anything it pushed last is already queued
			if f := s.pop(); f != nil {
				return f, true
			}
			return nil, false
		default:
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		}
	}
}

// Stop cancels the producer and waits until it has exited and closed the
// handle. If ctx ends first Stop returns a *errors.LifecycleError; the
// producer is left to finish on its own. Stopping an unstarted or stopped
// source returns nil.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()

	began := time.Now()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Error().Dur("waited", time.Since(began)).Msg("Source did not stop in time")
		return &errors.LifecycleError{Component: "source", Grace: time.Since(began).Round(time.Millisecond), Err: ctx.Err()}
	}

	s.mu.Lock()
	for i := range s.queue {
		s.queue[i] = nil
	}
	s.queue = s.queue[:0]
	s.mu.Unlock()

	s.log.Debug().
		Uint64("frames", s.framesIn.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("Source stopped")
	return nil
}

// Done is closed once the producer has exited and released its handle
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Finished reports whether the producer has exited and every queued frame has
// been taken
func (s *Source) Finished() bool {
	select {
	case <-s.done:
	default:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// Exhausted reports whether the stream reached its end
func (s *Source) Exhausted() bool {
	return s.exhausted.Load()
}

// Locator returns the locator passed to Start
func (s *Source) Locator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locator
}

// Stats returns how many frames were read and how many were dropped
func (s *Source) Stats() (read, dropped uint64) {
	return s.framesIn.Load(), s.dropped.Load()
}
