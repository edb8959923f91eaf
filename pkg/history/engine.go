// Package history pages through a thread's message history. A live feed
// keeps the newest page current while older pages are fetched on demand.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/internal/observability"
	"github.com/aixgo-dev/threadsync/pkg/merge"
	metrics "github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// DefaultInitialNumItems is the size of the live page when Options leaves
// it unset.
const DefaultInitialNumItems = 20

// Status is the pagination state.
type Status int

const (
	// LoadingFirstPage means the live page has not produced a result yet.
	LoadingFirstPage Status = iota
	// CanLoadMore means older messages exist.
	CanLoadMore
	// LoadingMore means an older page is being fetched.
	LoadingMore
	// Exhausted means the whole history is loaded.
	Exhausted
)

func (s Status) String() string {
	switch s {
	case LoadingFirstPage:
		return "LoadingFirstPage"
	case CanLoadMore:
		return "CanLoadMore"
	case LoadingMore:
		return "LoadingMore"
	case Exhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// Result is the published history view.
type Result struct {
	// Messages is every loaded message, merged and in key order.
	Messages []thread.Message
	Status   Status
	// Err is set when the live page feed failed.
	Err error
}

// Options configures an Engine.
type Options struct {
	InitialNumItems int
	Logger          logrus.FieldLogger
}

// Engine is the paginated history state machine.
// Engine is safe for concurrent use.
type Engine struct {
	src  query.PageSource
	args reactive.Value[thread.Args]
	num  int
	log  logrus.FieldLogger

	publishMu sync.Mutex
	mu        sync.Mutex
	ctx       context.Context
	gen       uint64
	cur       thread.Args
	set       bool
	latest    *query.Page
	feed      query.Subscription[query.Page]
	pages     [][]thread.Message
	older     bool // an older page has been loaded
	next      string
	loading   bool
	err       error
	unsub     func()
	closed    bool

	out *reactive.Observable[Result]
}

// New creates an Engine for the args produced by args.
func New(src query.PageSource, args reactive.Value[thread.Args], opts Options) *Engine {
	n := opts.InitialNumItems
	if n <= 0 {
		n = DefaultInitialNumItems
	}
	return &Engine{
		src:  src,
		args: args,
		num:  n,
		log:  logging.OrDiscard(opts.Logger),
		out:  reactive.NewObservable(Result{Status: LoadingFirstPage}),
	}
}

// Output returns the published history view.
func (e *Engine) Output() reactive.Value[Result] {
	return e.out
}

// Start subscribes to the args and opens the live page for the current
// ones. Feeds are bound to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.closed || e.unsub != nil {
		e.mu.Unlock()
		return
	}
	e.ctx = ctx
	e.unsub = e.args.Subscribe(e.onArgs)
	e.setArgsLocked(e.args.Current())
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) onArgs(args thread.Args) {
	e.mu.Lock()
	changed := e.setArgsLocked(args)
	e.mu.Unlock()
	if changed {
		e.publish()
	}
}

// setArgsLocked drops everything loaded for the previous args.
func (e *Engine) setArgsLocked(args thread.Args) bool {
	if e.closed || (e.set && e.cur == args) {
		return false
	}
	e.gen++
	e.cur = args
	e.set = true
	e.latest = nil
	e.pages = nil
	e.older = false
	e.next = ""
	e.loading = false
	e.err = nil
	if e.feed != nil {
		_ = e.feed.Close()
		e.feed = nil
	}
	if !args.Active() {
		return true
	}

	log := e.log.WithFields(logrus.Fields{"thread": args.ThreadID, "generation": e.gen})
	feed, err := e.src.WatchPage(e.ctx, query.PageQuery{Args: args, NumItems: e.num})
	if err != nil {
		log.WithError(err).Error("open live page")
		e.err = err
		return true
	}
	e.feed = feed
	go e.pump(e.gen, feed, log)
	return true
}

func (e *Engine) pump(gen uint64, feed query.Subscription[query.Page], log logrus.FieldLogger) {
	for page := range feed.Updates() {
		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			metrics.RecordStaleResult("live_page")
			continue
		}
		e.latest = &page
		if !e.older {
			e.next = continueCursor(page)
		}
		e.mu.Unlock()
		e.publish()
	}

	err := feed.Err()
	if err == nil {
		return
	}
	e.mu.Lock()
	current := gen == e.gen
	if current {
		e.err = err
	}
	e.mu.Unlock()
	if current {
		log.WithError(err).Error("live page feed failed")
		e.publish()
	}
}

func continueCursor(p query.Page) string {
	if p.IsDone {
		return ""
	}
	return p.ContinueCursor
}

// LoadMore fetches up to n messages older than everything loaded. It
// reports false without fetching when a load is already running, nothing
// older exists, the args are inactive or n is not positive. A result that
// arrives after the args changed is dropped.
func (e *Engine) LoadMore(ctx context.Context, n int) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, thread.ErrClosed
	}
	if e.loading || e.next == "" || !e.cur.Active() || n <= 0 {
		e.mu.Unlock()
		metrics.RecordLoadMore("noop")
		return false, nil
	}
	e.loading = true
	gen := e.gen
	q := query.PageQuery{Args: e.cur, Cursor: e.next, NumItems: n}
	e.mu.Unlock()
	e.publish()

	ctx, span := observability.StartSpan(ctx, "history.load_more", map[string]any{
		"thread":     q.Args.ThreadID,
		"num_items":  n,
		"generation": int64(gen),
	})
	defer span.End()

	start := time.Now()
	page, err := e.src.FetchPage(ctx, q)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordPageFetch(status, time.Since(start))

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		metrics.RecordStaleResult("history")
		metrics.RecordLoadMore("stale")
		return true, nil
	}
	e.loading = false
	if err != nil {
		e.mu.Unlock()
		span.SetError(err)
		metrics.RecordLoadMore("error")
		e.log.WithError(err).WithField("thread", q.Args.ThreadID).Warn("load more failed")
		e.publish()
		return true, err
	}
	e.pages = append(e.pages, page.Messages)
	e.older = true
	e.next = continueCursor(page)
	e.mu.Unlock()

	metrics.RecordLoadMore("loaded")
	e.publish()
	return true, nil
}

// Result returns the current history view.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultLocked()
}

func (e *Engine) resultLocked() Result {
	r := Result{Err: e.err}
	if e.latest == nil {
		r.Status = LoadingFirstPage
		return r
	}

	seqs := make([][]thread.Message, 0, len(e.pages)+1)
	seqs = append(seqs, e.pages...)
	seqs = append(seqs, e.latest.Messages)
	r.Messages = merge.Merge(seqs...)

	switch {
	case e.loading:
		r.Status = LoadingMore
	case e.next == "":
		r.Status = Exhausted
	default:
		r.Status = CanLoadMore
	}
	return r
}

func (e *Engine) publish() {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	e.out.Set(e.Result())
}

// Close stops following the args and closes the live feed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.unsub != nil {
		e.unsub()
	}
	if e.feed != nil {
		_ = e.feed.Close()
		e.feed = nil
	}
	return nil
}
