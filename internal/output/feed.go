package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
	"github.com/bryanchriswhite/SnookerTracker/internal/overlay"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
)

// Feed copies published detections to an output. Annotation and encoding run
// on the feed's own goroutine, so the worker publishing to the board never
// waits on them; detections published while one is being rendered replace
// each other and only the newest is rendered next.
type Feed struct {
	board   *state.Board
	overlay *overlay.Manager
	out     Output

	mu      sync.Mutex
	handle  observable.Handle
	mailbox chan state.Detection
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFeed creates a feed from board to out. ov may be nil, in which case
// frames are written unannotated.
func NewFeed(board *state.Board, ov *overlay.Manager, out Output) *Feed {
	return &Feed{board: board, overlay: ov, out: out}
}

// Start subscribes to the board and starts rendering until ctx is done or
// Stop is called
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return fmt.Errorf("feed already started")
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.mailbox = make(chan state.Detection, 1)
	f.done = make(chan struct{})
	mailbox := f.mailbox
	f.handle = f.board.Latest.Subscribe(func(d state.Detection) {
		if d.Frame == nil {
			return
		}
		post(mailbox, d)
	})

	go f.run(ctx, mailbox, f.done)
	return nil
}

// Stop unsubscribes and waits for the render goroutine to exit
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.done == nil {
		f.mu.Unlock()
		return
	}
	f.board.Latest.Unsubscribe(f.handle)
	f.cancel()
	done := f.done
	f.done = nil
	f.mu.Unlock()

	<-done
}

func post(mailbox chan state.Detection, d state.Detection) {
	for {
		select {
		case mailbox <- d:
			return
		default:
		}
		select {
		case <-mailbox:
		default:
		}
	}
}

func (f *Feed) run(ctx context.Context, mailbox <-chan state.Detection, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("feed")

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-mailbox:
			img := d.Frame.Image
			if f.overlay != nil {
				img = f.overlay.Annotate(d)
			}
			if img == nil {
				continue
			}
			if err := f.out.WriteFrame(img); err != nil {
				log.Debug().Err(err).Uint64("seq", d.Seq).Msg("Failed to write frame")
			}
		}
	}
}
