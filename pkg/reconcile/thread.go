// Package reconcile combines a thread's paginated history with its live
// streams into one ordered, deduplicated message sequence.
package reconcile

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/pkg/delta"
	"github.com/aixgo-dev/threadsync/pkg/history"
	"github.com/aixgo-dev/threadsync/pkg/materialize"
	"github.com/aixgo-dev/threadsync/pkg/merge"
	"github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// Options configures a Thread.
type Options struct {
	// Stream merges live stream output into the history view.
	Stream          bool
	InitialNumItems int
	GapPolicy       delta.GapPolicy
	Logger          logrus.FieldLogger
}

// Snapshot is the reconciled view of a thread.
type Snapshot struct {
	Messages []thread.Message
	Status   history.Status
	Err      error
}

// Thread keeps a Snapshot current for the args it follows.
type Thread struct {
	args reactive.Value[thread.Args]
	log  logrus.FieldLogger

	hist   *history.Engine
	agg    *delta.Aggregator
	syncer *delta.Syncer
	mat    *materialize.Materializer

	publishMu sync.Mutex
	mu        sync.Mutex
	ctx       context.Context
	unsubs    []func()
	started   bool
	closed    bool

	out *reactive.Observable[Snapshot]
}

// New wires a Thread over client. Call Start to begin.
func New(client query.Client, args reactive.Value[thread.Args], opts Options) *Thread {
	log := logging.OrDiscard(opts.Logger)
	t := &Thread{
		args: args,
		log:  log,
		hist: history.New(client, args, history.Options{
			InitialNumItems: opts.InitialNumItems,
			Logger:          log.WithField("component", "history"),
		}),
		out: reactive.NewObservable(Snapshot{Status: history.LoadingFirstPage}),
	}
	if opts.Stream {
		t.agg = delta.NewAggregator(delta.Options{
			GapPolicy: opts.GapPolicy,
			Logger:    log.WithField("component", "delta"),
		})
		t.syncer = delta.NewSyncer(client, t.agg, log.WithField("component", "syncer"))
		t.mat = materialize.New(t.agg.Output(), materialize.Options{
			Logger: log.WithField("component", "materialize"),
		})
	}
	return t
}

// Output returns the reconciled view.
func (t *Thread) Output() reactive.Value[Snapshot] {
	return t.out
}

// Snapshot returns the current reconciled view.
func (t *Thread) Snapshot() Snapshot {
	return t.out.Current()
}

// Start opens every feed; they stay bound to ctx until Close.
func (t *Thread) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return thread.ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.ctx = ctx
	t.unsubs = append(t.unsubs, t.hist.Output().Subscribe(t.onHistory))
	if t.mat != nil {
		t.unsubs = append(t.unsubs,
			t.mat.Output().Subscribe(func(materialize.Output) { t.publish() }),
			t.args.Subscribe(t.onArgs),
		)
	}
	t.mu.Unlock()

	if t.mat != nil {
		t.mat.Start(ctx)
		t.onArgs(t.args.Current())
	}
	t.hist.Start(ctx)
	t.publish()
	return nil
}

func (t *Thread) onArgs(args thread.Args) {
	if err := t.syncer.SetArgs(t.ctx, args); err != nil {
		t.log.WithError(err).WithField("thread", args.ThreadID).Error("stream sync")
	}
}

func (t *Thread) onHistory(r history.Result) {
	if t.syncer != nil && len(r.Messages) > 0 {
		if err := t.syncer.SetStartOrder(r.Messages[0].Order); err != nil {
			t.log.WithError(err).Debug("set start order")
		}
	}
	t.publish()
}

func (t *Thread) publish() {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	h := t.hist.Result()
	snap := Snapshot{Messages: h.Messages, Status: h.Status, Err: h.Err}
	if t.mat != nil {
		// Output from before the last args change belongs to another thread.
		if o := t.mat.Output().Current(); o.Loaded && o.Epoch == t.agg.Epoch() {
			snap.Messages = merge.Merge(h.Messages, o.Messages)
			if snap.Err == nil {
				snap.Err = o.Err
			}
		}
	}
	observability.SetMergedMessages(len(snap.Messages))
	t.out.Set(snap)
}

// LoadMore fetches up to n older messages. See history.Engine.LoadMore.
func (t *Thread) LoadMore(ctx context.Context, n int) (bool, error) {
	return t.hist.LoadMore(ctx, n)
}

// Close stops every feed.
func (t *Thread) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if t.syncer != nil {
		_ = t.syncer.Close()
		_ = t.mat.Close()
	}
	return t.hist.Close()
}
