// Package query defines the transport the reconciliation engine consumes:
// one-shot page fetches, live page feeds and live stream feeds.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// PageQuery selects a page of a thread's history, newest first.
type PageQuery struct {
	Args thread.Args
	// Cursor is an exclusive upper bound; empty starts at the newest message.
	Cursor string
	// EndCursor is an inclusive lower bound. When set, every message between
	// EndCursor and Cursor is returned and NumItems is ignored.
	EndCursor string
	// NumItems caps the page size when EndCursor is empty.
	NumItems int
}

// Page is one page of history. Messages are in ascending key order.
type Page struct {
	Messages []thread.Message
	// IsDone reports that no messages older than this page exist.
	IsDone bool
	// ContinueCursor fetches the next older page when passed as Cursor.
	ContinueCursor string
}

// StreamKind selects which half of the stream feed a StreamQuery reads.
type StreamKind string

const (
	// KindList returns stream metadata.
	KindList StreamKind = "list"
	// KindDeltas returns delta batches after the given cursors.
	KindDeltas StreamKind = "deltas"
)

// StreamQuery selects stream metadata or deltas for a thread.
type StreamQuery struct {
	Args thread.Args
	Kind StreamKind
	// StartOrder limits KindList to streams with Order >= StartOrder.
	StartOrder int
	// Cursors limits KindDeltas to these streams, after each offset.
	Cursors []thread.Cursor
}

// Fingerprint identifies queries that return the same result.
func (q StreamQuery) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|", q.Args.ThreadID, q.Kind)
	switch q.Kind {
	case KindList:
		fmt.Fprintf(&b, "%d", q.StartOrder)
	case KindDeltas:
		cursors := append([]thread.Cursor(nil), q.Cursors...)
		sort.Slice(cursors, func(i, j int) bool { return cursors[i].StreamID < cursors[j].StreamID })
		for _, c := range cursors {
			fmt.Fprintf(&b, "%s@%d,", c.StreamID, c.Offset)
		}
	}
	return b.String()
}

// StreamResult is one evaluation of a StreamQuery.
type StreamResult struct {
	Kind     StreamKind
	Messages []thread.StreamMessage
	Deltas   []thread.StreamDelta
}

// Subscription is a live query result. Updates yields every evaluation;
// when a newer evaluation is ready before the previous one was received
// the older one is dropped. The channel closes when the subscription ends.
type Subscription[T any] interface {
	Updates() <-chan T
	// Err returns the error that ended the subscription, if any.
	Err() error
	Close() error
}

// PageSource serves history pages.
type PageSource interface {
	// FetchPage runs q once.
	FetchPage(ctx context.Context, q PageQuery) (Page, error)

	// WatchPage keeps q's result current. After the first evaluation the
	// page's lower bound is pinned, so later evaluations only grow.
	WatchPage(ctx context.Context, q PageQuery) (Subscription[Page], error)
}

// StreamSource serves live stream metadata and deltas.
type StreamSource interface {
	WatchStreams(ctx context.Context, q StreamQuery) (Subscription[StreamResult], error)
}

// Client is the full transport.
type Client interface {
	PageSource
	StreamSource
}

// Writer records history and stream data. Backends implement it alongside
// Client so producers and tests can feed them.
type Writer interface {
	// AddMessage inserts msg, replacing any message with the same key.
	AddMessage(ctx context.Context, threadID string, msg thread.Message) error

	// StartStream registers a stream.
	StartStream(ctx context.Context, threadID string, sm thread.StreamMessage) error

	// AppendDelta stores a delta verbatim. Contiguity is not checked here.
	AppendDelta(ctx context.Context, threadID string, d thread.StreamDelta) error

	// EndStream marks a stream finished or aborted.
	EndStream(ctx context.Context, threadID, streamID string, status thread.StreamStatus) error

	// RemoveStream deletes a stream and its deltas.
	RemoveStream(ctx context.Context, threadID, streamID string) error
}
