package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	mock "github.com/bryanchriswhite/SnookerTracker/internal/testutil"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

type harness struct {
	sup     *Supervisor
	opener  *mock.MockOpener
	board   *state.Board
	rec     *errors.Recorder
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, fallback mock.ClipConfig, opts Options) *harness {
	t.Helper()
	return newEngineHarness(t, fallback, opts, &mock.ScriptedEngine{Counts: map[string]int{"RED": 15}})
}

func newEngineHarness(t *testing.T, fallback mock.ClipConfig, opts Options, engine analysis.Engine) *harness {
	t.Helper()
	h := &harness{
		opener:  mock.NewMockOpener(fallback),
		rec:     &errors.Recorder{},
		metrics: metrics.New(),
	}
	h.board = state.NewBoard([]string{"RED"}, h.metrics, h.rec)
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 5 * time.Millisecond
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = time.Second
	}
	opts.Metrics = h.metrics

	h.sup = New(h.opener, settings.NewStore(settings.Defaults(), nil), engine, h.board, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func TestStartThenStop(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	ctx := context.Background()

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	assert.Equal(t, Running, h.sup.State.Get())
	assert.Equal(t, "A", h.sup.Locator.Get())
	assert.NotEqual(t, uuid.Nil, h.sup.PairID.Get())
	assert.Equal(t, "running", h.board.Status.Get())
	assert.Equal(t, 1, h.opener.OpenNow())

	require.Eventually(t, func() bool { return h.board.Count("RED").Get() == 15 }, time.Second, time.Millisecond)

	require.NoError(t, h.sup.RequestStop(ctx))
	assert.Equal(t, Idle, h.sup.State.Get())
	assert.Equal(t, uuid.Nil, h.sup.PairID.Get())
	assert.Zero(t, h.opener.OpenNow())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PairStarts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SupervisorState.WithLabelValues("idle")))

	// Stop while idle is a no-op
	require.NoError(t, h.sup.RequestStop(ctx))
}

func TestStartWhileRunningReplacesPair(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	ctx := context.Background()

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	first := h.sup.PairID.Get()
	require.NoError(t, h.sup.RequestStart(ctx, "B"))

	assert.Equal(t, "B", h.sup.Locator.Get())
	assert.NotEqual(t, first, h.sup.PairID.Get())
	assert.Equal(t, []string{"A", "B"}, h.opener.Opens())
	assert.Equal(t, []string{"A"}, h.opener.Closes())
	assert.Equal(t, 1, h.opener.OpenNow())
	assert.Equal(t, 1, h.opener.MaxOpen())
}

func TestStateTransitions(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []State
	h.sup.State.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	require.NoError(t, h.sup.RequestStart(ctx, "B"))
	require.NoError(t, h.sup.RequestStop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		Starting, Running,
		Stopping, Idle, Starting, Running,
		Stopping, Idle,
	}, seen)
}

func TestRapidRequestsNeverOverlapHandles(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond, OpenDelay: 2 * time.Millisecond}, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			for j := 0; j < 8; j++ {
				var err error
				if r.Intn(4) == 0 {
					err = h.sup.RequestStop(ctx)
				} else {
					err = h.sup.RequestStart(ctx, fmt.Sprintf("clip-%d-%d", i, j))
				}
				if err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, errors.ErrSuperseded)
	}
	assert.LessOrEqual(t, h.opener.MaxOpen(), 1)

	require.NoError(t, h.sup.RequestStop(ctx))
	assert.Zero(t, h.opener.OpenNow())
	assert.Equal(t, len(h.opener.Opens()), len(h.opener.Closes()))
}

func TestUnopenableLeavesIdle(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	h.opener.SetClip("missing.mp4", mock.ClipConfig{OpenErr: stderrors.New("no such file")})
	ctx := context.Background()

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	err := h.sup.RequestStart(ctx, "missing.mp4")

	var srcErr *errors.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, errors.Unopenable, srcErr.Reason)
	assert.Equal(t, Idle, h.sup.State.Get())
	assert.Zero(t, h.opener.OpenNow(), "previous pair was torn down first")
	assert.Equal(t, 1, h.rec.Count(errors.KindSource))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PairStarts.WithLabelValues("unopenable")))

	// The supervisor still accepts work
	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	assert.Equal(t, Running, h.sup.State.Get())
}

func TestReturnsToIdleWhenSourceExhausted(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{Frames: 5, FrameDelay: time.Millisecond}, Options{})

	require.NoError(t, h.sup.RequestStart(context.Background(), "clip"))
	require.Eventually(t, func() bool {
		return h.sup.State.Get() == Idle
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, h.board.Exhausted.Get())
	assert.Zero(t, h.opener.OpenNow())
	assert.Equal(t, "clip", h.sup.LastLocator())

	// A new start clears the exhausted flag
	h.opener.SetClip("live", mock.ClipConfig{FrameDelay: time.Millisecond})
	require.NoError(t, h.sup.RequestStart(context.Background(), "live"))
	assert.False(t, h.board.Exhausted.Get())
}

func TestRestart(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, h.sup.RequestRestart(ctx), ErrNothingToRestart)

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	first := h.sup.PairID.Get()
	require.NoError(t, h.sup.RequestRestart(ctx))

	assert.Equal(t, Running, h.sup.State.Get())
	assert.NotEqual(t, first, h.sup.PairID.Get())
	assert.Equal(t, []string{"A", "A"}, h.opener.Opens())
	assert.Equal(t, 1, h.opener.MaxOpen())
}

func TestPendingRequestIsSuperseded(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	h.opener.SetClip("slow", mock.ClipConfig{OpenDelay: 100 * time.Millisecond, FrameDelay: time.Millisecond})
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- h.sup.RequestStart(ctx, "slow") }()
	require.Eventually(t, func() bool { return h.sup.State.Get() == Starting }, time.Second, time.Millisecond)

	middle := make(chan error, 1)
	go func() { middle <- h.sup.RequestStart(ctx, "middle") }()
	require.Eventually(t, func() bool {
		h.sup.mu.Lock()
		defer h.sup.mu.Unlock()
		return h.sup.pending != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, h.sup.RequestStart(ctx, "latest"))

	assert.ErrorIs(t, <-middle, errors.ErrSuperseded)
	assert.NoError(t, <-slow)
	assert.Equal(t, "latest", h.sup.Locator.Get())
	assert.Equal(t, []string{"slow", "latest"}, h.opener.Opens())
	assert.Equal(t, 1, h.opener.MaxOpen())
}

func TestWithdrawnRequest(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	h.opener.SetClip("slow", mock.ClipConfig{OpenDelay: 100 * time.Millisecond, FrameDelay: time.Millisecond})

	slow := make(chan error, 1)
	go func() { slow <- h.sup.RequestStart(context.Background(), "slow") }()
	require.Eventually(t, func() bool { return h.sup.State.Get() == Starting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.sup.RequestStop(ctx), context.DeadlineExceeded)

	require.NoError(t, <-slow)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Running, h.sup.State.Get(), "withdrawn stop never ran")
}

func TestShutdownTearsDown(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	require.NoError(t, h.sup.RequestStart(context.Background(), "A"))

	require.NoError(t, h.sup.Shutdown(context.Background()))
	assert.Zero(t, h.opener.OpenNow())
	assert.Equal(t, Idle, h.sup.State.Get())

	assert.ErrorIs(t, h.sup.RequestStart(context.Background(), "B"), errors.ErrShuttingDown)
	require.NoError(t, h.sup.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdownGraceExceededIsFatal(t *testing.T) {
	release := make(chan struct{})
	reading := make(chan struct{}, 1)
	h := newHarness(t, mock.ClipConfig{Block: release, Reading: reading}, Options{ShutdownGrace: 30 * time.Millisecond})
	defer close(release)

	require.NoError(t, h.sup.RequestStart(context.Background(), "stuck"))
	select {
	case <-reading:
	case <-time.After(time.Second):
		t.Fatal("source never started reading")
	}
	err := h.sup.Shutdown(context.Background())

	var lcErr *errors.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "source", lcErr.Component)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, h.rec.Count(errors.KindLifecycle))

	events := h.rec.Events()
	assert.True(t, events[len(events)-1].Fatal)
}

func TestHungWorkerBlocksTheNextPair(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var running, maxRunning atomic.Int32
	engine := analysis.EngineFunc(func(f *video.Frame, _ settings.Values) (analysis.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		if f.Locator == "A" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return analysis.Result{Counts: map[string]int{"RED": 15}}, nil
	})
	h := newEngineHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{ShutdownGrace: 30 * time.Millisecond}, engine)
	ctx := context.Background()

	var mu sync.Mutex
	var published []string
	h.board.Latest.Subscribe(func(d state.Detection) {
		mu.Lock()
		published = append(published, d.Locator)
		mu.Unlock()
	})

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("A's worker never reached the engine")
	}

	// The worker overruns its grace; the source is still stopped
	err := h.sup.RequestStart(ctx, "B")
	var lcErr *errors.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "worker", lcErr.Component)
	assert.False(t, errors.IsFatal(err), "an overrun outside shutdown is recoverable")
	assert.Zero(t, h.opener.OpenNow(), "A's handle is released while its worker hangs")
	assert.Equal(t, Idle, h.sup.State.Get())

	// While A's worker is alive no new pair may start
	err = h.sup.RequestStart(ctx, "B")
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "worker", lcErr.Component)
	assert.Equal(t, Idle, h.sup.State.Get())
	assert.Equal(t, []string{"A"}, h.opener.Opens())
	assert.GreaterOrEqual(t, h.rec.Count(errors.KindLifecycle), 2)

	close(release)
	require.Eventually(t, func() bool {
		return h.sup.RequestStart(ctx, "B") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, Running, h.sup.State.Get())
	assert.Equal(t, []string{"A", "B"}, h.opener.Opens())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) > 0
	}, time.Second, time.Millisecond)
	require.NoError(t, h.sup.RequestStop(ctx))

	assert.Equal(t, int32(1), maxRunning.Load(), "analyses never overlapped")
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, published, "A", "the stopped worker published nothing")
}

func TestUnopenableKeepsPreviousResults(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{Frames: 3}, Options{})
	h.opener.SetClip("missing", mock.ClipConfig{OpenErr: stderrors.New("no such file")})
	h.opener.SetClip("B", mock.ClipConfig{FrameDelay: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, h.sup.RequestStart(ctx, "A"))
	require.Eventually(t, func() bool { return h.sup.State.Get() == Idle && h.board.Exhausted.Get() }, time.Second, time.Millisecond)
	require.Equal(t, 15, h.board.Count("RED").Get())

	assert.Error(t, h.sup.RequestStart(ctx, "missing"))
	assert.Equal(t, 15, h.board.Count("RED").Get(), "a failed open leaves the last run's counts")
	assert.Equal(t, 15, h.board.Total.Get())
	assert.True(t, h.board.Exhausted.Get())

	require.NoError(t, h.sup.RequestStart(ctx, "B"))
	assert.False(t, h.board.Exhausted.Get())
}

func TestPanickingStateSubscriberIsReported(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	h.sup.State.Subscribe(func(State) { panic("view bug") })

	require.NoError(t, h.sup.RequestStart(context.Background(), "A"))
	assert.Equal(t, Running, h.sup.State.Get())
	assert.GreaterOrEqual(t, h.rec.Count(errors.KindSubscriber), 2, "starting and running were both reported")
	assert.Equal(t, errors.KindSubscriber, h.board.Errors.Get().Kind)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, mock.ClipConfig{FrameDelay: time.Millisecond}, Options{})
	assert.Equal(t, Status{State: Idle}, h.sup.Status())

	require.NoError(t, h.sup.RequestStart(context.Background(), "A"))
	require.Eventually(t, func() bool { return h.sup.Status().Processed > 0 }, time.Second, time.Millisecond)

	st := h.sup.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, "A", st.Locator)
	assert.Equal(t, h.sup.PairID.Get(), st.PairID)
	assert.GreaterOrEqual(t, st.FramesRead, st.Processed)
}

func TestStateMarshalsByName(t *testing.T) {
	b, err := Stopping.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stopping", string(b))
}
