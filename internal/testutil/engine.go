package testutil

import (
	"sync"

	"github.com/bryanchriswhite/SnookerTracker/internal/analysis"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

// ScriptedEngine is an analysis.Engine whose result for each frame is chosen
// by sequence number
type ScriptedEngine struct {
	// Counts is returned for frames without a failure; nil yields no counts
	Counts map[string]int
	// Fail maps a frame sequence number to the error returned for it
	Fail map[uint64]error

	mu    sync.Mutex
	calls []uint64
}

// Analyze implements analysis.Engine
func (e *ScriptedEngine) Analyze(frame *video.Frame, _ settings.Values) (analysis.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, frame.Seq)
	e.mu.Unlock()

	if err, ok := e.Fail[frame.Seq]; ok {
		return analysis.Result{}, err
	}
	counts := make(map[string]int, len(e.Counts))
	for k, v := range e.Counts {
		counts[k] = v
	}
	return analysis.Result{Counts: counts}, nil
}

// Calls returns the sequence numbers analyzed so far, in order
func (e *ScriptedEngine) Calls() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.calls...)
}
