package query

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Feed is a Subscription fed by a single producer goroutine.
type Feed[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	updates chan T
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// NewFeed returns a Feed bound to ctx. The producer must call Finish exactly once.
func NewFeed[T any](ctx context.Context) *Feed[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Feed[T]{
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan T, 1),
		done:    make(chan struct{}),
	}
}

// Context is canceled when the feed is closed.
func (f *Feed[T]) Context() context.Context { return f.ctx }

// Send delivers v, replacing an evaluation the consumer has not received yet.
// It returns false once the feed is closed.
func (f *Feed[T]) Send(v T) bool {
	if f.ctx.Err() != nil {
		return false
	}
	select {
	case f.updates <- v:
		return true
	default:
	}
	select {
	case <-f.updates:
	default:
	}
	select {
	case f.updates <- v:
		return true
	case <-f.ctx.Done():
		return false
	}
}

// Finish ends the feed with err and closes Updates.
func (f *Feed[T]) Finish(err error) {
	f.mu.Lock()
	if f.ctx.Err() == nil {
		f.err = err
	}
	f.mu.Unlock()
	close(f.updates)
	close(f.done)
}

// Updates implements Subscription.
func (f *Feed[T]) Updates() <-chan T { return f.updates }

// Err implements Subscription.
func (f *Feed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close stops the producer and waits for it to finish.
func (f *Feed[T]) Close() error {
	f.cancel()
	<-f.done
	return nil
}

// Watch evaluates eval now and again after every signal on changed, until
// ctx ends or eval fails. A non-nil limiter throttles re-evaluation.
func Watch[T any](ctx context.Context, changed <-chan struct{}, limiter *rate.Limiter, eval func(context.Context) (T, error)) *Feed[T] {
	feed := NewFeed[T](ctx)
	go func() {
		ctx := feed.Context()
		for {
			v, err := eval(ctx)
			if err != nil {
				feed.Finish(err)
				return
			}
			if !feed.Send(v) {
				feed.Finish(nil)
				return
			}

			select {
			case <-ctx.Done():
				feed.Finish(nil)
				return
			case _, ok := <-changed:
				if !ok {
					feed.Finish(nil)
					return
				}
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					feed.Finish(nil)
					return
				}
			}
		}
	}()
	return feed
}

// WatchPage is Watch for a page query. The first evaluation that returns
// messages pins the lower bound, so the page keeps every message it has
// shown and grows as newer ones arrive.
func WatchPage(ctx context.Context, q PageQuery, changed <-chan struct{}, limiter *rate.Limiter, fetch func(context.Context, PageQuery) (Page, error)) *Feed[Page] {
	pinned := q
	return Watch(ctx, changed, limiter, func(ctx context.Context) (Page, error) {
		page, err := fetch(ctx, pinned)
		if err != nil {
			return Page{}, err
		}
		if pinned.EndCursor == "" && len(page.Messages) > 0 {
			pinned.EndCursor = EncodeCursor(page.Messages[0].Key())
		}
		return page, nil
	})
}

// Interface compliance check.
var _ Subscription[Page] = (*Feed[Page])(nil)
