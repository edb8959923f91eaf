package delta

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/threadsync/internal/logging"
	"github.com/aixgo-dev/threadsync/pkg/observability"
	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

type subscription struct {
	id  uint64
	fp  string
	sub query.Subscription[query.StreamResult]
}

// Syncer keeps an Aggregator fed from a StreamSource. It owns one list
// feed and at most one deltas feed, and resubscribes the deltas feed
// whenever the set of cursors changes.
//
// Aggregator subscribers are called while the Syncer holds its lock and
// must not call back into the Syncer synchronously.
type Syncer struct {
	src query.StreamSource
	agg *Aggregator
	log logrus.FieldLogger

	mu     sync.Mutex
	ctx    context.Context
	args   thread.Args
	set    bool
	seq    uint64
	list   *subscription
	deltas *subscription
	closed bool
}

// NewSyncer creates a Syncer driving agg from src. Nothing is subscribed
// until SetArgs is called with active args.
func NewSyncer(src query.StreamSource, agg *Aggregator, log logrus.FieldLogger) *Syncer {
	return &Syncer{
		src: src,
		agg: agg,
		log: logging.OrDiscard(log),
	}
}

// Aggregator returns the aggregator the Syncer drives.
func (s *Syncer) Aggregator() *Aggregator { return s.agg }

// SetArgs switches the Syncer to args. Any change resets the aggregator
// and drops both feeds; active args then open a new list feed bound to ctx.
func (s *Syncer) SetArgs(ctx context.Context, args thread.Args) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	if s.set && s.args == args {
		return nil
	}

	s.closeLocked(&s.list)
	s.closeLocked(&s.deltas)
	s.ctx = ctx
	s.args = args
	s.set = true
	s.agg.Reset()

	if !args.Active() {
		return nil
	}
	return s.subscribeListLocked()
}

// SetStartOrder forwards n to the aggregator and resubscribes the list
// feed when the quantized start order changed.
func (s *Syncer) SetStartOrder(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	if !s.agg.SetStartOrder(n) || !s.args.Active() || !s.set {
		return nil
	}
	s.closeLocked(&s.list)
	return s.subscribeListLocked()
}

// Close drops both feeds. The aggregator keeps its last state.
func (s *Syncer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeLocked(&s.list)
	s.closeLocked(&s.deltas)
	return nil
}

func (s *Syncer) closeLocked(p **subscription) {
	if *p == nil {
		return
	}
	_ = (*p).sub.Close()
	*p = nil
}

func (s *Syncer) subscribeLocked(q query.StreamQuery) (*subscription, error) {
	sub, err := s.src.WatchStreams(s.ctx, q)
	if err != nil {
		return nil, fmt.Errorf("watch %s streams: %w", q.Kind, err)
	}
	s.seq++
	ws := &subscription{id: s.seq, fp: q.Fingerprint(), sub: sub}
	go s.pump(ws)
	return ws, nil
}

func (s *Syncer) subscribeListLocked() error {
	ws, err := s.subscribeLocked(s.agg.ListQuery(s.args))
	if err != nil {
		s.agg.Fail(err)
		return err
	}
	s.list = ws
	return nil
}

// refreshDeltasLocked makes the deltas feed match the aggregator's cursors.
func (s *Syncer) refreshDeltasLocked() {
	q, ok := s.agg.DeltaQuery(s.args)
	if !ok {
		s.closeLocked(&s.deltas)
		return
	}
	if s.deltas != nil && s.deltas.fp == q.Fingerprint() {
		return
	}
	s.closeLocked(&s.deltas)
	ws, err := s.subscribeLocked(q)
	if err != nil {
		s.log.WithError(err).WithField("thread", s.args.ThreadID).Error("deltas subscription failed")
		s.agg.Fail(err)
		return
	}
	s.deltas = ws
}

// current reports whether ws is still one of the live subscriptions.
func (s *Syncer) current(ws *subscription) bool {
	return (s.list != nil && s.list.id == ws.id) || (s.deltas != nil && s.deltas.id == ws.id)
}

func (s *Syncer) pump(ws *subscription) {
	for res := range ws.sub.Updates() {
		s.mu.Lock()
		if !s.current(ws) {
			s.mu.Unlock()
			observability.RecordStaleResult(string(res.Kind))
			continue
		}
		switch res.Kind {
		case query.KindList:
			s.agg.ApplyList(res.Messages)
		case query.KindDeltas:
			if err := s.agg.ApplyDeltas(res.Deltas); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"thread":     s.args.ThreadID,
					"generation": ws.id,
				}).Warn("delta batch rejected")
			}
		}
		s.refreshDeltasLocked()
		s.mu.Unlock()
	}

	err := ws.sub.Err()
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current(ws) {
		s.log.WithError(err).WithField("thread", s.args.ThreadID).Error("stream feed failed")
		s.agg.Fail(err)
	}
}
