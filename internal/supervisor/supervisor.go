// Package supervisor owns the active source/worker pair. Every start, stop and
// restart is executed by a single control goroutine, so at most one pair
// exists at any time and a new pair is only built after the old one has fully
// released its video handle.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
	"github.com/bryanchriswhite/SnookerTracker/internal/processing"
	"github.com/bryanchriswhite/SnookerTracker/internal/source"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// DefaultShutdownGrace bounds each teardown
const DefaultShutdownGrace = 5 * time.Second

// ErrNothingToRestart is returned by RequestRestart before any start request
var ErrNothingToRestart = errors.New("nothing to restart: no source has been started")

// State is the supervisor's lifecycle state
type State int

// Lifecycle states; Starting and Stopping are transient
const (
	Idle State = iota
	Starting
	Running
	Stopping
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Supervisor
type Options struct {
	QueueCapacity int
	PollTimeout   time.Duration
	// ShutdownGrace bounds every teardown: joining the worker and then the
	// source must finish within it
	ShutdownGrace time.Duration

	Sink    errors.Sink
	Metrics *metrics.Metrics
}

type op int

const (
	opStart op = iota
	opStop
)

func (o op) String() string {
	if o == opStop {
		return "stop"
	}
	return "start"
}

type request struct {
	op      op
	locator string
	reply   chan error
}

// pair is the active source and the worker consuming it
type pair struct {
	id      uuid.UUID
	locator string
	src     *source.Source
	worker  *processing.Worker
	cancel  context.CancelFunc
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State      State     `json:"state" yaml:"state"`
	Locator    string    `json:"locator,omitempty" yaml:"locator,omitempty"`
	PairID     uuid.UUID `json:"pair_id" yaml:"pair_id"`
	FramesRead uint64    `json:"frames_read" yaml:"frames_read"`
	Dropped    uint64    `json:"frames_dropped" yaml:"frames_dropped"`
	Processed  uint64    `json:"frames_processed" yaml:"frames_processed"`
	Failed     uint64    `json:"frames_failed" yaml:"frames_failed"`
}

// Supervisor serializes lifecycle requests onto its control goroutine.
// Request methods block until their request has been carried out, so they
// must not be called from the worker goroutine (for example from a board
// subscriber), which the teardown would be waiting on.
type Supervisor struct {
	opener video.Opener
	config processing.Snapshotter
	engine analysis.Engine
	board  *state.Board
	opts   Options
	log    zerolog.Logger

	// State, Locator and PairID are written only by the control goroutine
	State   *observable.Value[State]
	Locator *observable.Value[string]
	PairID  *observable.Value[uuid.UUID]

	mu      sync.Mutex
	pending *request
	closing bool
	last    string
	active  *pair
	// leaked is a pair whose worker or source outlived its teardown grace; no
	// new pair starts until both have exited
	leaked *pair

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	fatal   error

	// base parents every pair so that a pair outlives the request that built it
	base   context.Context
	cancel context.CancelFunc
}

// New creates a supervisor in Idle and starts its control goroutine. Results
// are published on board; board also receives reported errors unless
// opts.Sink is set.
func New(opener video.Opener, config processing.Snapshotter, engine analysis.Engine, board *state.Board, opts Options) *Supervisor {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Sink == nil {
		opts.Sink = board
	}

	s := &Supervisor{
		opener:  opener,
		config:  config,
		engine:  engine,
		board:   board,
		opts:    opts,
		log:     *logger.WithComponent("supervisor"),
		State:   observable.New("supervisor.state", Idle, observable.ReportPanics(opts.Sink)),
		Locator: observable.New("supervisor.locator", "", observable.ReportPanics(opts.Sink)),
		PairID:  observable.New("supervisor.pair_id", uuid.Nil, observable.ReportPanics(opts.Sink)),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.opts.Metrics.SetState(Idle.String())

	go s.loop()
	return s
}

// RequestStart stops the active pair, if any, and starts a new one reading
// locator. It returns once the new pair is running, or with the
// *errors.SourceError that kept it from opening, in which case the
// supervisor is left Idle. A request still waiting when a newer one arrives
// returns errors.ErrSuperseded. If ctx ends while the request is waiting it
// is withdrawn; once taken it runs to completion.
func (s *Supervisor) RequestStart(ctx context.Context, locator string) error {
	return s.submit(ctx, &request{op: opStart, locator: locator})
}

// RequestStop tears down the active pair and returns once it is gone
func (s *Supervisor) RequestStop(ctx context.Context) error {
	return s.submit(ctx, &request{op: opStop})
}

// RequestRestart starts the most recently requested locator again
func (s *Supervisor) RequestRestart(ctx context.Context) error {
	s.mu.Lock()
	locator := s.last
	s.mu.Unlock()
	if locator == "" {
		return ErrNothingToRestart
	}
	return s.RequestStart(ctx, locator)
}

func (s *Supervisor) submit(ctx context.Context, req *request) error {
	req.reply = make(chan error, 1)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.ErrShuttingDown
	}
	if s.pending != nil {
		s.log.Debug().Str("op", s.pending.op.String()).Msg("Pending request superseded")
		s.pending.reply <- errors.ErrSuperseded
	}
	s.pending = req
	if req.op == opStart {
		s.last = req.locator
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == req {
			s.pending = nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// take claims the pending request, if any
func (s *Supervisor) take() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.pending
	s.pending = nil
	return req
}

// Shutdown tears down the active pair within the configured grace, or waits
// out a pair left over from an earlier overrun, and stops the control
// goroutine. Requests waiting or arriving afterwards fail with
// errors.ErrShuttingDown. An overrun here returns a fatal
// *errors.LifecycleError, which has also been reported to the sink.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		if s.pending != nil {
			s.pending.reply <- errors.ErrShuttingDown
			s.pending = nil
		}
		close(s.quit)
	}
	s.mu.Unlock()

	select {
	case <-s.stopped:
		return s.fatal
	case <-ctx.Done():
		return &errors.LifecycleError{Component: "supervisor", Err: ctx.Err(), Fatal: true}
	}
}

// Done is closed once Shutdown has finished
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopped
}

// Status reads the current state and the active pair's counters
func (s *Supervisor) Status() Status {
	st := Status{
		State:   s.State.Get(),
		Locator: s.Locator.Get(),
		PairID:  s.PairID.Get(),
	}
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p != nil {
		st.FramesRead, st.Dropped = p.src.Stats()
		st.Processed, st.Failed = p.worker.Stats()
	}
	return st
}

// LastLocator returns the locator RequestRestart would use
func (s *Supervisor) LastLocator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Supervisor) loop() {
	defer close(s.stopped)
	defer s.cancel()

	for {
		var workerDone <-chan struct{}
		if p := s.current(); p != nil {
			workerDone = p.worker.Done()
		}

		select {
		case <-s.quit:
			var err error
			if p := s.current(); p != nil {
				err = s.teardown(p, true)
			} else {
				err = s.awaitLeaked(true)
			}
			s.fatal = err
			s.log.Info().Msg("Supervisor shut down")
			return

		case <-s.wake:
			if req := s.take(); req != nil {
				req.reply <- s.handle(req)
			}

		case <-workerDone:
			p := s.current()
			s.log.Info().
				Str("pair_id", p.id.String()).
				Str("reason", p.worker.Reason().String()).
				Msg("Worker ended on its own")
			if err := s.teardown(p, false); err != nil {
				s.log.Error().Err(err).Msg("Teardown after worker exit failed")
			}
		}
	}
}

func (s *Supervisor) current() *pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) handle(req *request) error {
	if p := s.current(); p != nil {
		if err := s.teardown(p, false); err != nil {
			// The old worker or handle may still be live; never start a second pair
			return err
		}
	}
	if req.op == opStop {
		return nil
	}
	if err := s.awaitLeaked(false); err != nil {
		return err
	}
	return s.start(req.locator)
}

// awaitLeaked gives a pair that overran its teardown grace one more grace
// period for both its worker and its source to exit. Until they have, it
// returns a *errors.LifecycleError and no new pair may start.
func (s *Supervisor) awaitLeaked(shuttingDown bool) error {
	s.mu.Lock()
	p := s.leaked
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	timer := time.NewTimer(s.opts.ShutdownGrace)
	defer timer.Stop()
	for _, part := range []struct {
		component string
		done      <-chan struct{}
	}{
		{"worker", p.worker.Done()},
		{"source", p.src.Done()},
	} {
		select {
		case <-part.done:
		case <-timer.C:
			err := &errors.LifecycleError{
				Component: part.component,
				Grace:     s.opts.ShutdownGrace,
				Err:       fmt.Errorf("pair %s for %q still running", p.id, p.locator),
				Fatal:     shuttingDown,
			}
			s.log.Error().Err(err).Msg("Previous pair has not exited")
			errors.Report(s.opts.Sink, "supervisor", err)
			return err
		}
	}

	s.mu.Lock()
	s.leaked = nil
	s.mu.Unlock()
	s.log.Info().Str("pair_id", p.id.String()).Msg("Previous pair exited late")
	return nil
}

func (s *Supervisor) setState(st State) {
	s.State.Set(st)
	s.board.Status.Set(st.String())
	s.opts.Metrics.SetState(st.String())
}

func (s *Supervisor) start(locator string) error {
	id := uuid.New()
	log := s.log.With().Str("locator", locator).Str("pair_id", id.String()).Logger()

	s.setState(Starting)

	src := source.New(s.opener, source.Options{
		QueueCapacity: s.opts.QueueCapacity,
		Exhausted:     s.board.Exhausted,
		Sink:          s.opts.Sink,
		Metrics:       s.opts.Metrics,
	})

	ctx, cancel := context.WithCancel(s.base)
	// The previous run's results stay on the board until this open succeeds;
	// the source clears the exhausted flag itself once open
	if err := src.Start(ctx, locator); err != nil {
		cancel()
		s.opts.Metrics.PairStarted("unopenable")
		errors.Report(s.opts.Sink, "supervisor", err)
		s.setState(Idle)
		log.Warn().Err(err).Msg("Source could not be opened")
		return err
	}
	s.board.Reset()

	worker := processing.New(src, s.config, s.engine, s.board, processing.Options{
		PollTimeout: s.opts.PollTimeout,
		Sink:        s.opts.Sink,
		Metrics:     s.opts.Metrics,
	})
	if err := worker.Start(ctx); err != nil {
		cancel()
		graceCtx, done := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer done()
		if stopErr := src.Stop(graceCtx); stopErr != nil {
			errors.Report(s.opts.Sink, "supervisor", stopErr)
		}
		s.opts.Metrics.PairStarted("failed")
		s.setState(Idle)
		return err
	}

	s.mu.Lock()
	s.active = &pair{id: id, locator: locator, src: src, worker: worker, cancel: cancel}
	s.mu.Unlock()

	s.Locator.Set(locator)
	s.PairID.Set(id)
	s.opts.Metrics.PairStarted("ok")
	s.setState(Running)
	log.Info().Msg("Pair running")
	return nil
}

// teardown stops the worker and joins it, then stops the source, each within
// its own shutdown grace. The source is stopped even when the worker overran,
// so its handle is released; the pair is then kept as leaked until the worker
// exits. An overrun is fatal only when shuttingDown.
func (s *Supervisor) teardown(p *pair, shuttingDown bool) error {
	log := s.log.With().Str("locator", p.locator).Str("pair_id", p.id.String()).Logger()
	s.setState(Stopping)

	p.worker.RequestStop()
	err := s.withGrace(p.worker.Wait)
	// The worker only borrows the source, so the source goes second
	if srcErr := s.withGrace(p.src.Stop); err == nil {
		err = srcErr
	}
	p.cancel()

	s.mu.Lock()
	s.active = nil
	if err != nil {
		s.leaked = p
	}
	s.mu.Unlock()
	s.Locator.Set("")
	s.PairID.Set(uuid.Nil)
	s.setState(Idle)

	if err != nil {
		var lcErr *errors.LifecycleError
		if errors.As(err, &lcErr) {
			lcErr.Fatal = shuttingDown
		}
		log.Error().Err(err).Dur("grace", s.opts.ShutdownGrace).Bool("fatal", shuttingDown).Msg("Pair did not stop within grace")
		errors.Report(s.opts.Sink, "supervisor", err)
		return err
	}
	log.Info().Msg("Pair stopped")
	return nil
}

// withGrace runs stop with a fresh context bounded by the shutdown grace
func (s *Supervisor) withGrace(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	return stop(ctx)
}
