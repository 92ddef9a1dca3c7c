// Package errors defines the error taxonomy shared by the pipeline: source,
// analysis, configuration and lifecycle failures, plus the structured Event
// that every subsystem reports through a Sink.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for reporting purposes
type Kind int

const (
	// KindUnknown is used for errors outside the taxonomy
	KindUnknown Kind = iota
	// KindSource covers opening and reading video sources
	KindSource
	// KindAnalysis covers per-frame analysis failures (non-fatal)
	KindAnalysis
	// KindConfig covers settings parse, serialize and I/O failures
	KindConfig
	// KindLifecycle covers teardown failures; fatal only during shutdown
	KindLifecycle
	// KindSubscriber covers panics raised by observable subscribers
	KindSubscriber
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindAnalysis:
		return "analysis"
	case KindConfig:
		return "config"
	case KindLifecycle:
		return "lifecycle"
	case KindSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	ErrUnopenable     = errors.New("source cannot be opened")
	ErrExhausted      = errors.New("source exhausted")
	ErrReadFailed     = errors.New("source read failed")
	ErrStopTimeout    = errors.New("stop did not complete within grace period")
	ErrSuperseded     = errors.New("request superseded by a newer request")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
	ErrAlreadyStarted = errors.New("already started")
	ErrParse          = errors.New("settings parse failed")
	ErrSerialize      = errors.New("settings serialize failed")
)

// SourceReason distinguishes the ways a source can fail
type SourceReason int

const (
	// Unopenable means the locator could not be opened
	Unopenable SourceReason = iota
	// Exhausted means the source reached end of stream
	Exhausted
	// ReadFailed means a read returned an error other than end of stream
	ReadFailed
)

func (r SourceReason) sentinel() error {
	switch r {
	case Exhausted:
		return ErrExhausted
	case ReadFailed:
		return ErrReadFailed
	default:
		return ErrUnopenable
	}
}

// SourceError is returned when a video source cannot be opened or read
type SourceError struct {
	Locator string
	Reason  SourceReason
	Err     error
}

// Error implements the error interface
func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %q: %v", e.Locator, e.Reason.sentinel())
	}
	return fmt.Sprintf("source %q: %v: %v", e.Locator, e.Reason.sentinel(), e.Err)
}

// Unwrap returns the underlying error
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's reason
func (e *SourceError) Is(target error) bool {
	return target == e.Reason.sentinel()
}

// NewUnopenable wraps an open failure for locator
func NewUnopenable(locator string, err error) *SourceError {
	return &SourceError{Locator: locator, Reason: Unopenable, Err: err}
}

// AnalysisError is a per-frame failure of the analysis engine
type AnalysisError struct {
	Seq uint64
	Err error
}

// Error implements the error interface
func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of frame %d failed: %v", e.Seq, e.Err)
}

// Unwrap returns the underlying error
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// ConfigOp names the settings operation that failed
type ConfigOp string

const (
	OpLoad      ConfigOp = "load"
	OpSave      ConfigOp = "save"
	OpParse     ConfigOp = "parse"
	OpSerialize ConfigOp = "serialize"
	OpWatch     ConfigOp = "watch"
)

// ConfigError is a settings load, save or codec failure
type ConfigError struct {
	Op   ConfigOp
	Path string
	Err  error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("settings %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("settings %s %q failed: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LifecycleError reports a teardown that did not finish within its grace
// period. Fatal is set when the overrun happened during process shutdown,
// where the handle can no longer be waited for.
type LifecycleError struct {
	Component string
	Grace     time.Duration
	Err       error
	Fatal     bool
}

// Error implements the error interface
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: stop exceeded grace period %s: %v", e.Component, e.Grace, e.Err)
}

// Unwrap returns the underlying error
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// Is matches ErrStopTimeout
func (e *LifecycleError) Is(target error) bool {
	return target == ErrStopTimeout
}

// SubscriberError is a panic recovered from an observable subscriber
type SubscriberError struct {
	Value     string
	Handle    uint64
	Recovered any
}

// Error implements the error interface
func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %d of %s panicked: %v", e.Handle, e.Value, e.Recovered)
}

// KindOf classifies err into the taxonomy
func KindOf(err error) Kind {
	var (
		se *SourceError
		ae *AnalysisError
		ce *ConfigError
		le *LifecycleError
		pe *SubscriberError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &le):
		return KindLifecycle
	case errors.As(err, &ae):
		return KindAnalysis
	case errors.As(err, &ce):
		return KindConfig
	case errors.As(err, &se):
		return KindSource
	case errors.As(err, &pe):
		return KindSubscriber
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must be surfaced as non-recoverable
func IsFatal(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le) && le.Fatal
}

// Is is a passthrough to the standard library so callers need a single import
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a passthrough to the standard library so callers need a single import
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New is a passthrough to the standard library
func New(text string) error {
	return errors.New(text)
}
