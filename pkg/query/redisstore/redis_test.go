package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Backend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewFromClient(client, "test:")

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func msg(order, step int) thread.Message {
	return thread.Message{Order: order, StepOrder: step, Status: thread.StatusFinalized, Role: thread.RoleUser}
}

func keys(msgs []thread.Message) []thread.Key {
	out := make([]thread.Key, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestBackend_FetchPageMatchesPaginate(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	var all []thread.Message
	for o := 1; o <= 6; o++ {
		for s := 0; s < 2; s++ {
			m := msg(o, s)
			all = append(all, m)
			require.NoError(t, backend.AddMessage(ctx, "t1", m))
		}
	}

	args := thread.Args{ThreadID: "t1"}
	queries := []query.PageQuery{
		{Args: args, NumItems: 3},
		{Args: args, NumItems: 50},
		{Args: args, NumItems: 0},
		{Args: args, NumItems: 4, Cursor: "4:1"},
		{Args: args, NumItems: 4, Cursor: "1:1"},
		{Args: args, NumItems: 4, Cursor: "1:0"},
		{Args: args, EndCursor: "3:0"},
		{Args: args, EndCursor: "3:0", Cursor: "5:0"},
		{Args: args, EndCursor: "0:0"},
	}
	for _, q := range queries {
		want, err := query.Paginate(all, q)
		require.NoError(t, err)
		got, err := backend.FetchPage(ctx, q)
		require.NoError(t, err)

		assert.Equal(t, keys(want.Messages), keys(got.Messages), "query %+v", q)
		assert.Equal(t, want.IsDone, got.IsDone, "query %+v", q)
		assert.Equal(t, want.ContinueCursor, got.ContinueCursor, "query %+v", q)
	}
}

func TestBackend_FetchPageInvalidCursor(t *testing.T) {
	_, backend := setupMiniredis(t)
	_, err := backend.FetchPage(context.Background(), query.PageQuery{Args: thread.Args{ThreadID: "t1"}, Cursor: "nope"})
	assert.ErrorIs(t, err, query.ErrInvalidCursor)
}

func TestBackend_AddMessageUpserts(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	m := msg(1, 0)
	m.Status = thread.StatusStreaming
	require.NoError(t, backend.AddMessage(ctx, "t1", m))
	m.Status = thread.StatusFinalized
	m.Text = "done"
	require.NoError(t, backend.AddMessage(ctx, "t1", m))

	page, err := backend.FetchPage(ctx, query.PageQuery{Args: thread.Args{ThreadID: "t1"}, NumItems: 10})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, thread.StatusFinalized, page.Messages[0].Status)
	assert.Equal(t, "done", page.Messages[0].Text)
}

func TestBackend_StreamWrites(t *testing.T) {
	mr, backend := setupMiniredis(t)
	ctx := context.Background()

	err := backend.AppendDelta(ctx, "t1", thread.StreamDelta{StreamID: "missing"})
	assert.ErrorIs(t, err, thread.ErrNotFound)
	assert.ErrorIs(t, backend.EndStream(ctx, "t1", "missing", thread.StreamFinished), thread.ErrNotFound)

	require.NoError(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "s1", Order: 3, Format: thread.FormatTextAppend}))
	require.NoError(t, backend.AppendDelta(ctx, "t1", thread.StreamDelta{
		StreamID: "s1", Start: 0, End: 1, Parts: []json.RawMessage{json.RawMessage(`{"type":"text-delta","delta":"a"}`)},
	}))
	require.NoError(t, backend.EndStream(ctx, "t1", "s1", thread.StreamFinished))

	sm, err := backend.stream(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, thread.StreamFinished, sm.Status)

	n, err := backend.client.LLen(ctx, "test:deltas:s1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, backend.RemoveStream(ctx, "t1", "s1"))
	assert.False(t, mr.Exists("test:deltas:s1"))
	_, err = backend.stream(ctx, "t1", "s1")
	assert.ErrorIs(t, err, thread.ErrNotFound)
}

func next[T any](t *testing.T, sub query.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	var zero T
	return zero
}

func TestBackend_RejectsInvalidIDs(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	assert.ErrorIs(t, backend.AddMessage(ctx, "bad id", msg(1, 0)), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "s:1"}), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.StartStream(ctx, "", thread.StreamMessage{StreamID: "s1"}), thread.ErrInvalidID)

	require.NoError(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "s1"}))
	assert.ErrorIs(t, backend.AppendDelta(ctx, "t1", thread.StreamDelta{StreamID: "s1*", End: 1}), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.AppendDelta(ctx, "t 1", thread.StreamDelta{StreamID: "s1", End: 1}), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.EndStream(ctx, "t1", "s1*", thread.StreamFinished), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.RemoveStream(ctx, "t1", "*"), thread.ErrInvalidID)
	assert.ErrorIs(t, backend.RemoveStream(ctx, "", "s1"), thread.ErrInvalidID)
}

func TestBackend_StepOrderRange(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	assert.ErrorIs(t, backend.AddMessage(ctx, "t1", msg(1, -1)), ErrStepOrderRange)
	assert.ErrorIs(t, backend.AddMessage(ctx, "t1", msg(1, 1_000_000)), ErrStepOrderRange)
	require.NoError(t, backend.AddMessage(ctx, "t1", msg(1, 999_999)))
	require.NoError(t, backend.AddMessage(ctx, "t1", msg(2, 0)))

	page, err := backend.FetchPage(ctx, query.PageQuery{Args: thread.Args{ThreadID: "t1"}, NumItems: 10})
	require.NoError(t, err)
	assert.Equal(t, []thread.Key{{Order: 1, StepOrder: 999_999}, {Order: 2}}, keys(page.Messages))
}

func TestBackend_FetchPageCancelledCallerDoesNotFailOthers(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	for o := 1; o <= 20; o++ {
		require.NoError(t, backend.AddMessage(ctx, "t1", msg(o, 0)))
	}
	q := query.PageQuery{Args: thread.Args{ThreadID: "t1"}, NumItems: 20}

	dead, cancel := context.WithCancel(ctx)
	cancel()
	_, err := backend.FetchPage(dead, q)
	assert.ErrorIs(t, err, context.Canceled)

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			short, stop := context.WithCancel(ctx)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := backend.FetchPage(short, q)
				if err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				stop()
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				page, err := backend.FetchPage(ctx, q)
				if err == nil && len(page.Messages) != 20 {
					err = fmt.Errorf("got %d messages", len(page.Messages))
				}
				if err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err, "round %d", round)
		}
	}
}

func TestBackend_WatchStreams(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "old", Order: 2}))
	require.NoError(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "new", Order: 12}))

	list, err := backend.WatchStreams(ctx, query.StreamQuery{Args: thread.Args{ThreadID: "t1"}, Kind: query.KindList, StartOrder: 10})
	require.NoError(t, err)
	defer list.Close()

	res := next(t, list)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "new", res.Messages[0].StreamID)
	assert.Equal(t, thread.StreamStreaming, res.Messages[0].Status)

	require.NoError(t, backend.StartStream(ctx, "t1", thread.StreamMessage{StreamID: "newer", Order: 13}))
	res = next(t, list)
	assert.Len(t, res.Messages, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, backend.AppendDelta(ctx, "t1", thread.StreamDelta{StreamID: "new", Start: i, End: i + 1}))
	}

	deltas, err := backend.WatchStreams(ctx, query.StreamQuery{
		Args:    thread.Args{ThreadID: "t1"},
		Kind:    query.KindDeltas,
		Cursors: []thread.Cursor{{StreamID: "new", Offset: 1}},
	})
	require.NoError(t, err)
	defer deltas.Close()

	res = next(t, deltas)
	require.Len(t, res.Deltas, 2)
	assert.Equal(t, 1, res.Deltas[0].Start)
	assert.Equal(t, 2, res.Deltas[1].Start)
}

func TestBackend_WatchPageGrows(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()
	for o := 1; o <= 3; o++ {
		require.NoError(t, backend.AddMessage(ctx, "t1", msg(o, 0)))
	}

	sub, err := backend.WatchPage(ctx, query.PageQuery{Args: thread.Args{ThreadID: "t1"}, NumItems: 2})
	require.NoError(t, err)
	defer sub.Close()

	page := next(t, sub)
	assert.Equal(t, []thread.Key{{Order: 2}, {Order: 3}}, keys(page.Messages))
	assert.False(t, page.IsDone)

	require.NoError(t, backend.AddMessage(ctx, "t1", msg(4, 0)))
	page = next(t, sub)
	assert.Equal(t, []thread.Key{{Order: 2}, {Order: 3}, {Order: 4}}, keys(page.Messages))
	assert.Equal(t, "2:0", page.ContinueCursor)
}

func TestBackend_Closed(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, backend.Ping(ctx))
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	_, err := backend.FetchPage(ctx, query.PageQuery{Args: thread.Args{ThreadID: "t1"}})
	assert.ErrorIs(t, err, thread.ErrClosed)
	assert.ErrorIs(t, backend.AddMessage(ctx, "t1", msg(1, 0)), thread.ErrClosed)
	_, err = backend.WatchStreams(ctx, query.StreamQuery{Kind: query.KindList})
	assert.ErrorIs(t, err, thread.ErrClosed)
	assert.ErrorIs(t, backend.Ping(ctx), thread.ErrClosed)
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := New(Config{Addr: mr.Addr(), WatchRate: 100})
	require.NoError(t, err)
	defer backend.Close()
	assert.Equal(t, DefaultPrefix, backend.prefix)
	assert.NotNil(t, backend.limiter())
}
