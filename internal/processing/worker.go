// Package processing implements the frame consumer that analyzes frames from
// a source and publishes the results on the state board.
package processing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// DefaultPollTimeout bounds how long one wait for a frame may block, and so
// how long a stop request can go unnoticed while the queue is empty
const DefaultPollTimeout = 100 * time.Millisecond

// Frames is the consumer side of a frame source
type Frames interface {
	NextFrame(timeout time.Duration) (*video.Frame, bool)
	Finished() bool
}

// Snapshotter supplies the settings read once per frame
type Snapshotter interface {
	Snapshot() settings.Values
}

// ExitReason says why the consuming loop ended
type ExitReason int

const (
	// Running means the loop has not exited
	Running ExitReason = iota
	// Cancelled means RequestStop or the start context ended the loop
	Cancelled
	// SourceFinished means the source ended and its queue was drained
	SourceFinished
)

func (r ExitReason) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case SourceFinished:
		return "source_finished"
	default:
		return "running"
	}
}

// Options configures a Worker
type Options struct {
	PollTimeout time.Duration
	Sink        errors.Sink
	Metrics     *metrics.Metrics
}

// Worker consumes frames on its own goroutine. It borrows its source and never
// stops or closes it.
type Worker struct {
	frames Frames
	config Snapshotter
	engine analysis.Engine
	board  *state.Board
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	reason  ExitReason
	done    chan struct{}

	processed uint64
	failed    uint64
	previous  map[string]int
}

// New creates an unstarted worker
func New(frames Frames, config Snapshotter, engine analysis.Engine, board *state.Board, opts Options) *Worker {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Worker{
		frames: frames,
		config: config,
		engine: engine,
		board:  board,
		opts:   opts,
		log:    *logger.WithComponent("worker"),
		done:   make(chan struct{}),
	}
}

// Start spawns the consuming goroutine. The loop also ends when ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.ErrAlreadyStarted
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// RequestStop asks the loop to exit and returns immediately; use Done or Wait
// to join
func (w *Worker) RequestStop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the consuming goroutine has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the goroutine exits or ctx ends, in which case it returns
// a *errors.LifecycleError. An unstarted worker returns at once.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	began := time.Now()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return &errors.LifecycleError{Component: "worker", Grace: time.Since(began).Round(time.Millisecond), Err: ctx.Err()}
	}
}

// Reason reports why the loop exited, or Running
func (w *Worker) Reason() ExitReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Stats returns the number of frames analyzed and the number that failed
func (w *Worker) Stats() (processed, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.failed
}

func (w *Worker) run(ctx context.Context) {
	reason := Cancelled
	defer func() {
		w.mu.Lock()
		w.reason = reason
		processed, failed := w.processed, w.failed
		w.mu.Unlock()
		w.log.Info().
			Str("reason", reason.String()).
			Uint64("processed", processed).
			Uint64("failed", failed).
			Msg("Worker exited")
		close(w.done)
	}()

	w.log.Debug().Dur("poll_timeout", w.opts.PollTimeout).Msg("Worker started")

	for {
		if ctx.Err() != nil {
			return
		}

		frame, ok := w.frames.NextFrame(w.opts.PollTimeout)
		if !ok {
			if ctx.Err() == nil && w.frames.Finished() {
				reason = SourceFinished
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		w.process(ctx, frame)
	}
}

// process analyzes one frame. A failure is reported and counted; it never
// ends the loop. A result that arrives after a stop request is discarded so a
// stopped worker never publishes.
func (w *Worker) process(ctx context.Context, frame *video.Frame) {
	cfg := w.config.Snapshot()

	began := time.Now()
	res, err := w.analyze(frame, cfg)
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		w.opts.Metrics.AnalysisFailed()
		w.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("Frame analysis failed")
		errors.Report(w.opts.Sink, "worker", &errors.AnalysisError{Seq: frame.Seq, Err: err})
		return
	}
	w.opts.Metrics.FrameProcessed(time.Since(began).Seconds())
	if ctx.Err() != nil {
		w.log.Debug().Uint64("seq", frame.Seq).Msg("Discarding result of a stopped worker")
		return
	}

	w.mu.Lock()
	w.processed++
	changes := diffCounts(w.previous, res.Counts)
	w.previous = res.Counts
	w.mu.Unlock()

	w.board.Publish(state.Detection{
		Seq:     frame.Seq,
		At:      frame.Timestamp,
		Locator: frame.Locator,
		Counts:  res.Counts,
		Blobs:   res.Blobs,
		Frame:   frame,
	})
	w.board.AppendLog(changes...)
	w.board.AppendLog(res.Messages...)
}

// analyze calls the engine, converting a panic into an error
func (w *Worker) analyze(frame *video.Frame, cfg settings.Values) (res analysis.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis engine panicked: %v", r)
		}
	}()
	res, err = w.engine.Analyze(frame, cfg)
	if err == nil && res.Counts == nil {
		res.Counts = map[string]int{}
	}
	return res, err
}

// diffCounts describes what changed between two frames' counts. The first
// frame yields a single summary line.
func diffCounts(prev, next map[string]int) []string {
	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)

	if prev == nil {
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, next[name]))
		}
		return []string{"Tracking started: " + strings.Join(parts, " ")}
	}

	var out []string
	for _, name := range names {
		if before := prev[name]; before != next[name] {
			out = append(out, fmt.Sprintf("%s count changed %d -> %d", name, before, next[name]))
		}
	}
	return out
}
