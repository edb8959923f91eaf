// Package memory provides an in-process query backend. It is safe for
// concurrent use and is meant for tests, demos and single-process hosts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

type threadData struct {
	messages map[thread.Key]thread.Message
	streams  map[string]thread.StreamMessage
	deltas   map[string][]thread.StreamDelta
	watchers map[int]chan struct{}
}

// Store is an in-memory query.Client and query.Writer.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*threadData
	nextID  int
	closed  bool

	// FetchHook, when set, runs before every FetchPage. Tests use it to
	// delay or fail fetches.
	FetchHook func(ctx context.Context, q query.PageQuery) error
}

// New creates an empty Store.
func New() *Store {
	return &Store{threads: make(map[string]*threadData)}
}

func (s *Store) thread(id string) *threadData {
	td, ok := s.threads[id]
	if !ok {
		td = &threadData{
			messages: make(map[thread.Key]thread.Message),
			streams:  make(map[string]thread.StreamMessage),
			deltas:   make(map[string][]thread.StreamDelta),
			watchers: make(map[int]chan struct{}),
		}
		s.threads[id] = td
	}
	return td
}

// notify signals every watcher of the thread. Callers hold s.mu.
func (td *threadData) notify() {
	for _, ch := range td.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) watch(threadID string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td := s.thread(threadID)
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	td.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(td.watchers, id)
		s.mu.Unlock()
	}
}

// FetchPage implements query.PageSource.
func (s *Store) FetchPage(ctx context.Context, q query.PageQuery) (query.Page, error) {
	if s.FetchHook != nil {
		if err := s.FetchHook(ctx, q); err != nil {
			return query.Page{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return query.Page{}, err
	}

	if err := s.checkOpen(); err != nil {
		return query.Page{}, err
	}
	return s.fetchLive(ctx, q)
}

// WatchPage implements query.PageSource.
func (s *Store) WatchPage(ctx context.Context, q query.PageQuery) (query.Subscription[query.Page], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	changed, stop := s.watch(q.Args.ThreadID)
	feed := query.WatchPage(ctx, q, changed, nil, s.fetchLive)
	go func() {
		<-feed.Context().Done()
		stop()
	}()
	return feed, nil
}

// fetchLive evaluates a page for a live feed without the fetch hook.
func (s *Store) fetchLive(_ context.Context, q query.PageQuery) (query.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []thread.Message
	if td, ok := s.threads[q.Args.ThreadID]; ok {
		for _, m := range td.messages {
			all = append(all, m)
		}
	}
	return query.Paginate(all, q)
}

// WatchStreams implements query.StreamSource.
func (s *Store) WatchStreams(ctx context.Context, q query.StreamQuery) (query.Subscription[query.StreamResult], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	changed, stop := s.watch(q.Args.ThreadID)
	feed := query.Watch(ctx, changed, nil, func(context.Context) (query.StreamResult, error) {
		return s.evalStreams(q), nil
	})
	go func() {
		<-feed.Context().Done()
		stop()
	}()
	return feed, nil
}

func (s *Store) evalStreams(q query.StreamQuery) query.StreamResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := query.StreamResult{Kind: q.Kind}
	td, ok := s.threads[q.Args.ThreadID]
	if !ok {
		return res
	}
	switch q.Kind {
	case query.KindList:
		for _, sm := range td.streams {
			if sm.Order >= q.StartOrder {
				res.Messages = append(res.Messages, sm)
			}
		}
		sort.Slice(res.Messages, func(i, j int) bool {
			return res.Messages[i].Key().Less(res.Messages[j].Key())
		})
	case query.KindDeltas:
		for _, c := range q.Cursors {
			for _, d := range td.deltas[c.StreamID] {
				if d.Start >= c.Offset {
					res.Deltas = append(res.Deltas, d)
				}
			}
		}
	}
	return res
}

// AddMessage implements query.Writer.
func (s *Store) AddMessage(_ context.Context, threadID string, msg thread.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	td := s.thread(threadID)
	td.messages[msg.Key()] = msg
	td.notify()
	return nil
}

// StartStream implements query.Writer.
func (s *Store) StartStream(_ context.Context, threadID string, sm thread.StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	if sm.Status == "" {
		sm.Status = thread.StreamStreaming
	}
	td := s.thread(threadID)
	td.streams[sm.StreamID] = sm
	td.notify()
	return nil
}

// AppendDelta implements query.Writer.
func (s *Store) AppendDelta(_ context.Context, threadID string, d thread.StreamDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	td := s.thread(threadID)
	if _, ok := td.streams[d.StreamID]; !ok {
		return fmt.Errorf("stream %s: %w", d.StreamID, thread.ErrNotFound)
	}
	td.deltas[d.StreamID] = append(td.deltas[d.StreamID], d)
	td.notify()
	return nil
}

// EndStream implements query.Writer.
func (s *Store) EndStream(_ context.Context, threadID, streamID string, status thread.StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	td := s.thread(threadID)
	sm, ok := td.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, thread.ErrNotFound)
	}
	sm.Status = status
	td.streams[streamID] = sm
	td.notify()
	return nil
}

// RemoveStream implements query.Writer.
func (s *Store) RemoveStream(_ context.Context, threadID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return thread.ErrClosed
	}
	td := s.thread(threadID)
	delete(td.streams, streamID)
	delete(td.deltas, streamID)
	td.notify()
	return nil
}

// Close rejects further use of the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping reports ErrClosed once the store is closed.
func (s *Store) Ping(context.Context) error {
	return s.checkOpen()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return thread.ErrClosed
	}
	return nil
}

// Interface compliance checks.
var (
	_ query.Client = (*Store)(nil)
	_ query.Writer = (*Store)(nil)
)
