// Package delta tracks live streams and their delta chunks. The Aggregator
// owns the per-stream cursors and buffers; the Syncer connects it to a
// query.StreamSource.
package delta

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/reactive"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// StartOrderGranularity is the step the list query's start order is
// rounded down to.
const StartOrderGranularity = 10

// GapPolicy decides how much state an integrity failure takes down.
type GapPolicy int

const (
	// GapAbortSession fails the whole aggregator until the next Reset.
	GapAbortSession GapPolicy = iota
	// GapAbortStream drops only the stream whose delta did not line up.
	GapAbortStream
)

func (p GapPolicy) String() string {
	switch p {
	case GapAbortStream:
		return "stream"
	default:
		return "session"
	}
}

// State is the published view of the aggregator.
type State struct {
	// Loaded is false until the first list snapshot after a Reset.
	Loaded bool
	// Streams maps stream ID to its contiguous buffer.
	Streams map[string]thread.DeltaStream
	// Err is set once a session-level integrity failure has occurred.
	Err error
	// Epoch counts Resets. Output derived from an older epoch belongs to
	// previous args.
	Epoch uint64
}

// Ordered returns the streams sorted by key, then stream ID.
func (s State) Ordered() []thread.DeltaStream {
	out := make([]thread.DeltaStream, 0, len(s.Streams))
	for _, ds := range s.Streams {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if a.Key() != b.Key() {
			return a.Key().Less(b.Key())
		}
		return a.StreamID < b.StreamID
	})
	return out
}

// Options configures an Aggregator.
type Options struct {
	GapPolicy GapPolicy
	Logger    logrus.FieldLogger
}

type entry struct {
	msg    thread.StreamMessage
	deltas []thread.StreamDelta
	cursor int
	err    error
}

// Aggregator accumulates contiguous delta buffers per stream.
// Aggregator is safe for concurrent use.
type Aggregator struct {
	policy GapPolicy
	log    logrus.FieldLogger

	publishMu sync.Mutex
	mu        sync.Mutex
	loaded    bool
	streams   map[string]*entry
	err       error
	epoch     uint64

	startOrder int

	out *reactive.Observable[State]
}

// NewAggregator creates an Aggregator in the not-loaded state.
func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{
		policy:  opts.GapPolicy,
		log:     logging.OrDiscard(opts.Logger),
		streams: make(map[string]*entry),
		out:     reactive.NewObservable(State{}),
	}
}

// Output returns the published state.
func (a *Aggregator) Output() reactive.Value[State] {
	return a.out
}

// State returns the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() State {
	st := State{Loaded: a.loaded, Err: a.err, Epoch: a.epoch}
	if !a.loaded {
		return st
	}
	st.Streams = make(map[string]thread.DeltaStream, len(a.streams))
	for id, e := range a.streams {
		st.Streams[id] = thread.DeltaStream{
			Message: e.msg,
			Deltas:  e.deltas[:len(e.deltas):len(e.deltas)],
			Err:     e.err,
		}
	}
	return st
}

// publish sends the current state. Holding publishMu across snapshot and
// Set keeps published states in mutation order.
func (a *Aggregator) publish() {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	a.out.Set(a.State())
}

// ApplyList applies a stream list snapshot.
func (a *Aggregator) ApplyList(msgs []thread.StreamMessage) {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return
	}

	next := make(map[string]*entry, len(msgs))
	for _, m := range msgs {
		if e, ok := a.streams[m.StreamID]; ok {
			e.msg = m
			next[m.StreamID] = e
			continue
		}
		next[m.StreamID] = &entry{msg: m}
	}
	for id := range a.streams {
		if _, ok := next[id]; !ok {
			a.log.WithField("stream", id).Debug("stream left the list, dropping buffer")
		}
	}
	a.streams = next
	a.loaded = true
	a.mu.Unlock()

	a.publish()
}

// ApplyDeltas applies a batch of deltas. Deltas behind a stream's cursor
// are discarded; a delta ahead of it is an integrity failure handled per
// the gap policy and returned.
func (a *Aggregator) ApplyDeltas(deltas []thread.StreamDelta) error {
	a.mu.Lock()
	if a.err != nil || !a.loaded {
		a.mu.Unlock()
		observability.RecordDeltas("ignored", len(deltas))
		return nil
	}

	byStream := make(map[string][]thread.StreamDelta)
	var ids []string
	for _, d := range deltas {
		if _, ok := byStream[d.StreamID]; !ok {
			ids = append(ids, d.StreamID)
		}
		byStream[d.StreamID] = append(byStream[d.StreamID], d)
	}

	var (
		changed  bool
		firstErr error
	)
	for _, id := range ids {
		e, ok := a.streams[id]
		if !ok || e.err != nil {
			observability.RecordDeltas("ignored", len(byStream[id]))
			continue
		}
		batch := byStream[id]
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].Start < batch[j].Start })

		for _, d := range batch {
			if err := validate(d, e.cursor); err != nil {
				if errors.Is(err, errStale) {
					observability.RecordDeltas("duplicate", 1)
					continue
				}
				changed = true
				if firstErr == nil {
					firstErr = err
				}
				a.failLocked(e, err)
				break
			}
			e.deltas = append(e.deltas, d)
			e.cursor = d.End
			changed = true
			observability.RecordDeltas("accepted", 1)
		}
		if a.err != nil {
			break
		}
	}
	a.mu.Unlock()

	if changed {
		a.publish()
	}
	return firstErr
}

var errStale = errors.New("stale delta")

func validate(d thread.StreamDelta, cursor int) error {
	if d.End < d.Start {
		return fmt.Errorf("stream %s range [%d, %d): %w", d.StreamID, d.Start, d.End, thread.ErrInvalidDelta)
	}
	switch {
	case d.Start < cursor:
		return errStale
	case d.Start > cursor:
		return &thread.GapError{StreamID: d.StreamID, Cursor: cursor, Start: d.Start}
	}
	return nil
}

func (a *Aggregator) failLocked(e *entry, err error) {
	observability.RecordGapError(a.policy.String())
	a.log.WithError(err).WithFields(logrus.Fields{
		"stream": e.msg.StreamID,
		"policy": a.policy.String(),
	}).Error("delta integrity failure")

	switch a.policy {
	case GapAbortStream:
		e.err = err
	default:
		a.err = err
	}
}

// Fail puts the aggregator into the failed state, e.g. when a feed breaks.
func (a *Aggregator) Fail(err error) {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return
	}
	a.err = err
	a.loaded = true
	a.mu.Unlock()
	a.publish()
}

// Cursors returns one cursor per stream still accepting deltas, sorted by
// stream ID.
func (a *Aggregator) Cursors() []thread.Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil
	}
	out := make([]thread.Cursor, 0, len(a.streams))
	for id, e := range a.streams {
		if e.err == nil {
			out = append(out, thread.Cursor{StreamID: id, Offset: e.cursor})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Epoch returns the number of Resets so far.
func (a *Aggregator) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Err returns the session failure, if any.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Quantize rounds n down to a multiple of StartOrderGranularity, floored at 0.
func Quantize(n int) int {
	if n <= 0 {
		return 0
	}
	return n / StartOrderGranularity * StartOrderGranularity
}

// SetStartOrder updates the list query's start order. While any stream is
// tracked the quantized value only moves down. It reports whether the
// value changed.
func (a *Aggregator) SetStartOrder(n int) bool {
	q := Quantize(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	if q == a.startOrder {
		return false
	}
	if len(a.streams) > 0 && q > a.startOrder {
		return false
	}
	a.startOrder = q
	return true
}

// StartOrder returns the quantized start order for the list query.
func (a *Aggregator) StartOrder() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startOrder
}

// ListQuery returns the stream list request for args.
func (a *Aggregator) ListQuery(args thread.Args) query.StreamQuery {
	return query.StreamQuery{Args: args, Kind: query.KindList, StartOrder: a.StartOrder()}
}

// DeltaQuery returns the deltas request for args, carrying every tracked
// cursor. ok is false when no stream accepts deltas.
func (a *Aggregator) DeltaQuery(args thread.Args) (q query.StreamQuery, ok bool) {
	cursors := a.Cursors()
	if len(cursors) == 0 {
		return query.StreamQuery{}, false
	}
	return query.StreamQuery{Args: args, Kind: query.KindDeltas, Cursors: cursors}, true
}

// Reset drops all cursors and buffers and publishes the not-loaded state.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.streams = make(map[string]*entry)
	a.loaded = false
	a.err = nil
	a.startOrder = 0
	a.epoch++
	a.mu.Unlock()
	a.publish()
}
