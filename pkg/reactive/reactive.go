// Package reactive provides values that are either fixed or change over time.
// Consumers read the current value and subscribe to changes without knowing
// which variant they hold.
package reactive

import "sync"

// Value is a readable, subscribable value.
type Value[T any] interface {
	// Current returns the latest value.
	Current() T

	// Subscribe registers fn to be called with every later value, in the
	// order the values were set. The returned function unregisters fn.
	Subscribe(fn func(T)) (unsubscribe func())
}

// Constant is a Value that never changes.
type Constant[T any] struct {
	v T
}

// NewConstant returns a Value fixed at v.
func NewConstant[T any](v T) Constant[T] {
	return Constant[T]{v: v}
}

// Current returns the fixed value.
func (c Constant[T]) Current() T { return c.v }

// Subscribe never calls fn.
func (c Constant[T]) Subscribe(func(T)) func() { return func() {} }

// Observable is a Value that notifies subscribers on every Set.
// Observable is safe for concurrent use.
type Observable[T any] struct {
	mu     sync.Mutex
	notify sync.Mutex // serializes delivery so subscribers see Set order
	v      T
	subs   map[int]func(T)
	next   int
}

// NewObservable returns an Observable holding v.
func NewObservable[T any](v T) *Observable[T] {
	return &Observable[T]{v: v, subs: make(map[int]func(T))}
}

// Current returns the latest value.
func (o *Observable[T]) Current() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and delivers it to every subscriber.
func (o *Observable[T]) Set(v T) {
	o.notify.Lock()
	defer o.notify.Unlock()

	o.mu.Lock()
	o.v = v
	subs := make([]func(T), 0, len(o.subs))
	for i := 0; i < o.next; i++ {
		if fn, ok := o.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn for later values.
func (o *Observable[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Interface compliance checks.
var (
	_ Value[int] = Constant[int]{}
	_ Value[int] = (*Observable[int])(nil)
)
