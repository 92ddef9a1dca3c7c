// Package state holds the observable values the processing worker publishes
// and any number of observers read: per-colour counts, the log, status,
// the exhausted flag, reported errors and the latest annotated detection.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/observable"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// Detection is the outcome of analyzing one frame
type Detection struct {
	Seq     uint64
	At      time.Time
	Locator string
	Counts  map[string]int
	Total   int
	Blobs   []analysis.Blob
	Frame   *video.Frame
}

// Board is the set of published result values. It is also the process error
// sink: reported events land on Errors.
type Board struct {
	mu     sync.Mutex
	counts map[string]*observable.Value[int]

	Total     *observable.Value[int]
	Log       *observable.Value[string]
	Status    *observable.Value[string]
	Exhausted *observable.Value[bool]
	Errors    *observable.Value[errors.Event]
	Latest    *observable.Value[Detection]
	// Added carries the name of each colour whose count is created after
	// NewBoard, before the new count is first written
	Added *observable.Value[string]

	metrics *metrics.Metrics
	forward errors.Sink
}

// NewBoard creates a board with a zero count for each of the given colours.
// Reported errors are also passed to forward, which may be nil.
// A panicking subscriber on any board value is reported like any other error.
func NewBoard(colours []string, m *metrics.Metrics, forward errors.Sink) *Board {
	b := &Board{
		counts:  make(map[string]*observable.Value[int], len(colours)),
		metrics: m,
		forward: forward,
	}
	panics := observable.ReportPanics(b)
	b.Total = observable.New("count.total", 0, panics)
	b.Log = observable.New("log", "", panics)
	b.Status = observable.New("status", "idle", panics)
	b.Exhausted = observable.New("source.exhausted", false, panics)
	b.Latest = observable.New("detection.latest", Detection{}, panics)
	b.Added = observable.New("count.added", "", panics)
	// Errors is mid-Set while its subscribers run, so their panics skip it
	b.Errors = observable.New("errors", errors.Event{}, observable.ReportPanics(errors.SinkFunc(b.pass)))
	for _, c := range colours {
		b.counts[c] = observable.New("count."+c, 0, panics)
	}
	return b
}

// Count returns the count value for a colour, creating it on first use
func (b *Board) Count(colour string) *observable.Value[int] {
	b.mu.Lock()
	v, ok := b.counts[colour]
	if !ok {
		v = observable.New("count."+colour, 0, observable.ReportPanics(b))
		b.counts[colour] = v
	}
	b.mu.Unlock()

	if !ok {
		b.Added.Set(colour)
	}
	return v
}

// Colours returns the colours that have a count value, sorted
func (b *Board) Colours() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.counts))
	for name := range b.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts reads every count value
func (b *Board) Counts() map[string]int {
	out := make(map[string]int)
	for _, c := range b.Colours() {
		out[c] = b.Count(c).Get()
	}
	return out
}

// Publish writes one detection: each colour count, the total, then Latest.
// Colours absent from d.Counts are set to zero.
func (b *Board) Publish(d Detection) {
	total := 0
	for _, n := range d.Counts {
		total += n
	}
	d.Total = total

	for _, c := range b.Colours() {
		if _, ok := d.Counts[c]; !ok {
			b.Count(c).Set(0)
		}
	}
	names := make([]string, 0, len(d.Counts))
	for c := range d.Counts {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		b.Count(c).Set(d.Counts[c])
	}
	b.Total.Set(total)
	b.Latest.Set(d)
}

// AppendLog publishes messages to the log in order, one notification each
func (b *Board) AppendLog(messages ...string) {
	for _, m := range messages {
		b.Log.Set(m)
	}
}

// Reset zeroes the counts ahead of a new pair. The exhausted flag belongs to
// the source, which clears it when it opens.
func (b *Board) Reset() {
	for _, c := range b.Colours() {
		b.Count(c).Set(0)
	}
	b.Total.Set(0)
}

// Report implements errors.Sink
func (b *Board) Report(ev errors.Event) {
	b.Errors.Set(ev)
	b.pass(ev)
}

// pass counts ev and hands it to the forward sink without publishing it
func (b *Board) pass(ev errors.Event) {
	b.metrics.ErrorReported(ev.Kind.String())
	if b.forward != nil {
		b.forward.Report(ev)
	}
}

// Summary is a point-in-time read of the board
type Summary struct {
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
	Status    string         `json:"status"`
	Exhausted bool           `json:"exhausted"`
	LastLog   string         `json:"last_log,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	LastSeq   uint64         `json:"last_seq"`
}

// Summary reads each value once
func (b *Board) Summary() Summary {
	return Summary{
		Counts:    b.Counts(),
		Total:     b.Total.Get(),
		Status:    b.Status.Get(),
		Exhausted: b.Exhausted.Get(),
		LastLog:   b.Log.Get(),
		LastError: b.Errors.Get().Message(),
		LastSeq:   b.Latest.Get().Seq,
	}
}
