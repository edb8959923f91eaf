// Package materialize turns delta buffers into messages. Format functions
// are pure; the Materializer runs them whenever the aggregator state changes
// and publishes only the result of the most recently started pass.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/internal/observability"
	"github.com/aixgo-dev/threadsync/pkg/delta"
	metrics "github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// Output is the published result of a pass.
type Output struct {
	// Loaded mirrors the aggregator: false means no list snapshot yet.
	Loaded   bool
	Messages []thread.Message
	// Err joins every stream failure. Messages of healthy streams are
	// still present.
	Err error
	// Epoch is the aggregator epoch the pass read.
	Epoch uint64
}

// Options configures a Materializer.
type Options struct {
	Logger logrus.FieldLogger
}

type cacheKey struct {
	streamID string
	deltas   int
	status   thread.StreamStatus
	format   thread.Format
}

// Materializer publishes the messages of every live stream.
type Materializer struct {
	src reactive.Value[delta.State]
	log logrus.FieldLogger

	publishMu sync.Mutex
	mu        sync.Mutex
	ctx       context.Context
	gen       uint64
	cancel    context.CancelFunc
	cache     map[string]cacheEntry
	unsub     func()
	closed    bool
	wg        sync.WaitGroup

	out *reactive.Observable[Output]
}

type cacheEntry struct {
	key cacheKey
	msg thread.Message
}

// New creates a Materializer reading src. Call Start to begin.
func New(src reactive.Value[delta.State], opts Options) *Materializer {
	return &Materializer{
		src:   src,
		log:   logging.OrDiscard(opts.Logger),
		cache: make(map[string]cacheEntry),
		out:   reactive.NewObservable(Output{}),
	}
}

// Output returns the published messages.
func (m *Materializer) Output() reactive.Value[Output] {
	return m.out
}

// Start subscribes to the source and runs a pass on its current state.
// Passes derive their context from ctx.
func (m *Materializer) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.unsub != nil {
		return
	}
	m.ctx = ctx
	m.unsub = m.src.Subscribe(m.schedule)
	m.scheduleLocked(m.src.Current())
}

// Close stops listening, cancels the running pass and waits for it.
func (m *Materializer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.unsub != nil {
		m.unsub()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Materializer) schedule(st delta.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(st)
}

func (m *Materializer) scheduleLocked(st delta.State) {
	if m.closed {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx, cancel, m.gen, st)
}

func (m *Materializer) run(ctx context.Context, cancel context.CancelFunc, gen uint64, st delta.State) {
	defer m.wg.Done()
	defer cancel()

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "materialize.pass", map[string]any{
		"generation": int64(gen),
		"streams":    len(st.Streams),
	})
	defer span.End()

	out, err := m.materialize(ctx, st)
	if err != nil {
		// Only cancellation aborts a pass; format errors are part of out.
		metrics.RecordMaterializePass("cancelled", time.Since(start))
		return
	}
	if out.Err != nil {
		span.SetError(out.Err)
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	m.mu.Lock()
	current := gen == m.gen && !m.closed
	m.mu.Unlock()
	if !current {
		metrics.RecordMaterializePass("stale", time.Since(start))
		metrics.RecordStaleResult("materialize")
		return
	}
	outcome := "published"
	if out.Err != nil {
		outcome = "failed"
	}
	metrics.RecordMaterializePass(outcome, time.Since(start))
	m.out.Set(out)
}

func (m *Materializer) materialize(ctx context.Context, st delta.State) (Output, error) {
	if !st.Loaded {
		m.prune(nil)
		return Output{Epoch: st.Epoch}, nil
	}
	if st.Err != nil {
		return Output{Loaded: true, Err: st.Err, Epoch: st.Epoch}, nil
	}

	var (
		msgs = make([]thread.Message, 0, len(st.Streams))
		errs []error
	)
	for _, ds := range st.Ordered() {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		if ds.Err != nil {
			errs = append(errs, ds.Err)
			continue
		}
		key := cacheKey{
			streamID: ds.Message.StreamID,
			deltas:   len(ds.Deltas),
			status:   ds.Message.Status,
			format:   ds.Message.Format,
		}
		if msg, ok := m.cached(key); ok {
			msgs = append(msgs, msg)
			continue
		}
		msg, err := Stream(ds)
		if err != nil {
			m.log.WithError(err).WithField("stream", key.streamID).Error("materialize stream")
			return Output{Loaded: true, Err: fmt.Errorf("materialize stream %s: %w", key.streamID, err), Epoch: st.Epoch}, nil
		}
		m.store(key, msg)
		msgs = append(msgs, msg)
	}
	m.prune(st.Streams)
	return Output{Loaded: true, Messages: msgs, Err: errors.Join(errs...), Epoch: st.Epoch}, nil
}

func (m *Materializer) cached(key cacheKey) (thread.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key.streamID]
	if !ok || e.key != key {
		return thread.Message{}, false
	}
	return e.msg, true
}

func (m *Materializer) store(key cacheKey, msg thread.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key.streamID] = cacheEntry{key: key, msg: msg}
}

// prune drops cached streams that are no longer live.
func (m *Materializer) prune(live map[string]thread.DeltaStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.cache {
		if _, ok := live[id]; !ok {
			delete(m.cache, id)
		}
	}
}
