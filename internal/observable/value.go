// Package observable provides Value, a mutex-guarded value that broadcasts
// every write to its subscribers synchronously and in write order.
//
// Ordering: writes to one Value are serialized, and each write finishes
// notifying every subscriber before the next write begins, so a subscriber
// observes the writes in the order they happened. Nothing is promised about
// ordering between two different Values.
//
// Callbacks run on the goroutine that called Set. A callback must not call Set
// on the Value that is notifying it; that deadlocks.
package observable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// Handle identifies a subscription
type Handle uint64

// PanicHandler receives panics recovered from subscriber callbacks
type PanicHandler func(name string, handle Handle, recovered any)

// Option configures a Value
type Option func(*options)

type options struct {
	onPanic PanicHandler
}

// WithPanicHandler routes callback panics to fn instead of the log
func WithPanicHandler(fn PanicHandler) Option {
	return func(o *options) {
		o.onPanic = fn
	}
}

// ReportPanics logs callback panics and reports each one to sink as an
// *errors.SubscriberError. The sink must not Set the Value being notified.
func ReportPanics(sink errors.Sink) Option {
	return WithPanicHandler(func(name string, handle Handle, recovered any) {
		logPanic(name, handle, recovered)
		errors.Report(sink, "observable", &errors.SubscriberError{
			Value:     name,
			Handle:    uint64(handle),
			Recovered: recovered,
		})
	})
}

type subscriber[T any] struct {
	handle Handle
	fn     func(T)
	active atomic.Bool
}

// Value is a thread-safe holder of a T that notifies subscribers on every Set
type Value[T any] struct {
	name string

	// writeMu serializes Set so notifications keep write order
	writeMu sync.Mutex

	mu     sync.Mutex // guards value, subs, nextID
	value  T
	subs   []*subscriber[T]
	nextID Handle

	onPanic PanicHandler
}

// New creates a Value holding initial
func New[T any](name string, initial T, opts ...Option) *Value[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.onPanic == nil {
		o.onPanic = logPanic
	}

	return &Value[T]{
		name:    name,
		value:   initial,
		onPanic: o.onPanic,
	}
}

// Name returns the value's name
func (v *Value[T]) Name() string {
	return v.name
}

// Get returns the current value. It only waits for the short critical section
// of a concurrent Set, never for subscriber callbacks.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the value and then invokes every registered subscriber with it,
// in registration order, on the calling goroutine.
func (v *Value[T]) Set(value T) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	v.mu.Lock()
	v.value = value
	subs := make([]*subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, sub := range subs {
		// Unsubscribed after the snapshot was taken
		if !sub.active.Load() {
			continue
		}
		v.invoke(sub, value)
	}
}

// Update applies fn to the current value and sets the result. Concurrent
// Updates do not lose writes. fn runs under the value's lock and must not call
// back into v.
func (v *Value[T]) Update(fn func(T) T) T {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	next, subs := v.apply(fn)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		v.invoke(sub, next)
	}
	return next
}

func (v *Value[T]) apply(fn func(T) T) (T, []*subscriber[T]) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = fn(v.value)
	subs := make([]*subscriber[T], len(v.subs))
	copy(subs, v.subs)
	return v.value, subs
}

func (v *Value[T]) invoke(sub *subscriber[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			v.onPanic(v.name, sub.handle, r)
		}
	}()
	sub.fn(value)
}

// Subscribe registers fn and returns a handle for Unsubscribe. A subscription
// made before a Set is guaranteed to see that Set.
func (v *Value[T]) Subscribe(fn func(T)) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	sub := &subscriber[T]{handle: v.nextID, fn: fn}
	sub.active.Store(true)
	v.subs = append(v.subs, sub)
	return sub.handle
}

// Unsubscribe removes a subscription. Once it returns no new callback will be
// started for the handle; a callback already running may still finish.
// Returns false if the handle was not subscribed.
func (v *Value[T]) Unsubscribe(h Handle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, sub := range v.subs {
		if sub.handle == h {
			sub.active.Store(false)
			v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns the number of active subscriptions
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func logPanic(name string, handle Handle, recovered any) {
	logger.WithComponent("observable").Error().
		Str("value", name).
		Uint64("handle", uint64(handle)).
		Str("panic", fmt.Sprint(recovered)).
		Msg("Subscriber callback panicked")
}
