package processing

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/source"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	mock "github.com/bryanchriswhite/SnookerTracker/internal/testutil"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// feed hands out queued frames and reports finished once closed and drained
type feed struct {
	mu     sync.Mutex
	frames []*video.Frame
	closed bool
	polls  atomic.Int64
}

func (f *feed) push(seqs ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range seqs {
		f.frames = append(f.frames, &video.Frame{Seq: s, Timestamp: time.Now(), Locator: "feed"})
	}
}

func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *feed) NextFrame(timeout time.Duration) (*video.Frame, bool) {
	f.polls.Add(1)
	f.mu.Lock()
	if len(f.frames) > 0 {
		fr := f.frames[0]
		f.frames = f.frames[1:]
		f.mu.Unlock()
		return fr, true
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return nil, false
}

func (f *feed) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed && len(f.frames) == 0
}

func countBySeq(counts map[uint64]map[string]int) analysis.Engine {
	return analysis.EngineFunc(func(frame *video.Frame, _ settings.Values) (analysis.Result, error) {
		return analysis.Result{Counts: counts[frame.Seq]}, nil
	})
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func newStore() *settings.Store {
	return settings.NewStore(settings.Defaults(), nil)
}

func TestFailureOnOneFrameKeepsRunning(t *testing.T) {
	rec := &errors.Recorder{}
	board := state.NewBoard(nil, nil, rec)
	engine := analysis.EngineFunc(func(frame *video.Frame, _ settings.Values) (analysis.Result, error) {
		if frame.Seq == 2 {
			return analysis.Result{}, stderrors.New("bad frame")
		}
		return analysis.Result{Counts: map[string]int{"RED": int(frame.Seq)}}, nil
	})

	f := &feed{}
	f.push(1, 2, 3)
	w := New(f, newStore(), engine, board, Options{PollTimeout: 5 * time.Millisecond, Sink: board})
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return board.Latest.Get().Seq == 3
	}, time.Second, 5*time.Millisecond)

	select {
	case <-w.Done():
		t.Fatal("worker exited after an analysis failure")
	default:
	}
	assert.Equal(t, Running, w.Reason())

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, errors.KindAnalysis, events[0].Kind)
	var aErr *errors.AnalysisError
	require.ErrorAs(t, events[0].Err, &aErr)
	assert.Equal(t, uint64(2), aErr.Seq)
	assert.Equal(t, events[0].ID, board.Errors.Get().ID)

	processed, failed := w.Stats()
	assert.Equal(t, uint64(2), processed)
	assert.Equal(t, uint64(1), failed)
	assert.Equal(t, 3, board.Count("RED").Get())

	w.RequestStop()
	waitDone(t, w)
	assert.Equal(t, Cancelled, w.Reason())
}

func TestExitsWhenSourceFinished(t *testing.T) {
	board := state.NewBoard(nil, nil, nil)
	f := &feed{}
	f.push(1, 2)
	f.close()

	w := New(f, newStore(), countBySeq(nil), board, Options{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	waitDone(t, w)

	assert.Equal(t, SourceFinished, w.Reason())
	processed, _ := w.Stats()
	assert.Equal(t, uint64(2), processed)
}

func TestStopObservedWithinPollTimeout(t *testing.T) {
	f := &feed{}
	w := New(f, newStore(), countBySeq(nil), state.NewBoard(nil, nil, nil), Options{PollTimeout: 20 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return f.polls.Load() > 0 }, time.Second, time.Millisecond)

	began := time.Now()
	w.RequestStop()
	waitDone(t, w)
	assert.Less(t, time.Since(began), 500*time.Millisecond)
	assert.Equal(t, Cancelled, w.Reason())
}

func TestStartTwice(t *testing.T) {
	w := New(&feed{}, newStore(), countBySeq(nil), state.NewBoard(nil, nil, nil), Options{PollTimeout: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	defer func() {
		w.RequestStop()
		waitDone(t, w)
	}()
	assert.ErrorIs(t, w.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestPanickingEngineIsRecovered(t *testing.T) {
	rec := &errors.Recorder{}
	m := metrics.New()
	engine := analysis.EngineFunc(func(frame *video.Frame, _ settings.Values) (analysis.Result, error) {
		if frame.Seq == 1 {
			panic("index out of range")
		}
		return analysis.Result{}, nil
	})

	f := &feed{}
	f.push(1, 2)
	f.close()
	w := New(f, newStore(), engine, state.NewBoard(nil, nil, nil), Options{PollTimeout: time.Millisecond, Sink: rec, Metrics: m})
	require.NoError(t, w.Start(context.Background()))
	waitDone(t, w)

	assert.Equal(t, SourceFinished, w.Reason())
	assert.Equal(t, 1, rec.Count(errors.KindAnalysis))
	assert.Contains(t, rec.Events()[0].Err.Error(), "panicked")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnalysisErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesProcessed))
}

func TestPublishesCountsAndLog(t *testing.T) {
	board := state.NewBoard([]string{"BLUE", "RED"}, nil, nil)
	var logs []string
	board.Log.Subscribe(func(s string) { logs = append(logs, s) })

	f := &feed{}
	f.push(1, 2, 3)
	f.close()
	counts := map[uint64]map[string]int{
		1: {"RED": 15, "BLUE": 1},
		2: {"RED": 15, "BLUE": 1},
		3: {"RED": 14, "BLUE": 1},
	}
	w := New(f, newStore(), countBySeq(counts), board, Options{PollTimeout: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	waitDone(t, w)

	assert.Equal(t, map[string]int{"RED": 14, "BLUE": 1}, board.Counts())
	assert.Equal(t, 15, board.Total.Get())
	assert.Equal(t, uint64(3), board.Latest.Get().Seq)
	assert.Equal(t, []string{
		"Tracking started: BLUE=1 RED=15",
		"RED count changed 15 -> 14",
	}, logs)
}

func TestSettingsReadPerFrame(t *testing.T) {
	store := newStore()
	var seen []bool
	var mu sync.Mutex
	engine := analysis.EngineFunc(func(_ *video.Frame, cfg settings.Values) (analysis.Result, error) {
		mu.Lock()
		seen = append(seen, cfg.BlobDetector.FilterByConvexity)
		mu.Unlock()
		return analysis.Result{}, nil
	})

	f := &feed{}
	f.push(1)
	w := New(f, store, engine, state.NewBoard(nil, nil, nil), Options{PollTimeout: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)

	bd := store.BlobDetector().Get()
	bd.FilterByConvexity = true
	require.NoError(t, store.SetBlobDetector(bd))
	f.push(2)
	f.close()
	waitDone(t, w)

	assert.Equal(t, []bool{false, true}, seen)
}

func TestWaitTimesOut(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	engine := analysis.EngineFunc(func(*video.Frame, settings.Values) (analysis.Result, error) {
		close(entered)
		<-block
		return analysis.Result{}, nil
	})
	f := &feed{}
	f.push(1)
	board := state.NewBoard(nil, nil, nil)
	w := New(f, newStore(), engine, board, Options{PollTimeout: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	<-entered

	w.RequestStop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Wait(ctx)

	var lcErr *errors.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, "worker", lcErr.Component)
	assert.False(t, errors.IsFatal(err), "the supervisor decides whether an overrun is fatal")

	close(block)
	require.NoError(t, w.Wait(context.Background()))
	assert.Zero(t, board.Latest.Get().Seq, "a result finished after RequestStop is not published")
	processed, _ := w.Stats()
	assert.Zero(t, processed)
}

func TestWaitOnUnstartedWorker(t *testing.T) {
	w := New(&feed{}, newStore(), countBySeq(nil), state.NewBoard(nil, nil, nil), Options{})
	assert.NoError(t, w.Wait(context.Background()))
}

func TestConsumesRealSource(t *testing.T) {
	opener := mock.NewMockOpener(mock.ClipConfig{Frames: 20, FrameDelay: time.Millisecond})
	src := source.New(opener, source.Options{QueueCapacity: 32})
	require.NoError(t, src.Start(context.Background(), "clip"))

	board := state.NewBoard(nil, nil, nil)
	w := New(src, newStore(), countBySeq(nil), board, Options{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	waitDone(t, w)

	assert.Equal(t, SourceFinished, w.Reason())
	assert.Equal(t, uint64(20), board.Latest.Get().Seq)
	assert.Zero(t, opener.OpenNow())
}

func TestDiffCounts(t *testing.T) {
	tests := []struct {
		name       string
		prev, next map[string]int
		want       []string
	}{
		{"first frame", nil, map[string]int{"RED": 2, "BLACK": 1}, []string{"Tracking started: BLACK=1 RED=2"}},
		{"first frame empty", nil, map[string]int{}, []string{"Tracking started: "}},
		{"unchanged", map[string]int{"RED": 2}, map[string]int{"RED": 2}, nil},
		{"changed", map[string]int{"RED": 2, "PINK": 1}, map[string]int{"RED": 1, "PINK": 0}, []string{
			"PINK count changed 1 -> 0",
			"RED count changed 2 -> 1",
		}},
		{"new colour", map[string]int{}, map[string]int{"BLUE": 1}, []string{"BLUE count changed 0 -> 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, diffCounts(tt.prev, tt.next))
		})
	}
}
