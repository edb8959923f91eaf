package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

func stream(id string, order int) thread.StreamMessage {
	return thread.StreamMessage{
		StreamID: id,
		Order:    order,
		Format:   thread.FormatTextAppend,
		Status:   thread.StreamStreaming,
	}
}

func delta(id string, start, end int) thread.StreamDelta {
	parts := make([]json.RawMessage, 0, end-start)
	for i := start; i < end; i++ {
		parts = append(parts, json.RawMessage(fmt.Sprintf(`{"type":"text-delta","delta":"%d"}`, i)))
	}
	return thread.StreamDelta{StreamID: id, Start: start, End: end, Parts: parts}
}

func TestAggregatorContiguousDeltas(t *testing.T) {
	agg := NewAggregator(Options{})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1)})

	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 5)}))
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 5, 10)}))

	st := agg.State()
	require.True(t, st.Loaded)
	require.Len(t, st.Streams, 1)
	assert.Len(t, st.Streams["s1"].Parts(), 10)
	assert.Equal(t, []thread.Cursor{{StreamID: "s1", Offset: 10}}, agg.Cursors())

	// A replayed range behind the cursor is dropped.
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 5)}))
	st = agg.State()
	assert.Len(t, st.Streams["s1"].Deltas, 2)
	assert.Len(t, st.Streams["s1"].Parts(), 10)
}

func TestAggregatorSortsBatchByStart(t *testing.T) {
	agg := NewAggregator(Options{})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1)})

	err := agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 3, 6), delta("s1", 0, 3), delta("s1", 6, 7)})
	require.NoError(t, err)
	assert.Equal(t, 7, agg.Cursors()[0].Offset)
}

func TestAggregatorGapAbortSession(t *testing.T) {
	agg := NewAggregator(Options{GapPolicy: GapAbortSession})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1), stream("s2", 2)})
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 2)}))

	err := agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 4, 6)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, thread.ErrGap))

	var gap *thread.GapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, "s1", gap.StreamID)
	assert.Equal(t, 2, gap.Cursor)
	assert.Equal(t, 4, gap.Start)

	st := agg.State()
	assert.ErrorIs(t, st.Err, thread.ErrGap)
	assert.Empty(t, agg.Cursors())

	// Further input is ignored until Reset.
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s2", 0, 1)}))
	assert.Empty(t, agg.State().Streams["s2"].Deltas)

	agg.Reset()
	st = agg.State()
	assert.False(t, st.Loaded)
	assert.NoError(t, st.Err)
}

func TestAggregatorGapAbortStream(t *testing.T) {
	agg := NewAggregator(Options{GapPolicy: GapAbortStream})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1), stream("s2", 2)})

	err := agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 1, 2), delta("s2", 0, 3)})
	assert.ErrorIs(t, err, thread.ErrGap)

	st := agg.State()
	assert.NoError(t, st.Err)
	assert.ErrorIs(t, st.Streams["s1"].Err, thread.ErrGap)
	assert.Len(t, st.Streams["s2"].Parts(), 3)
	assert.Equal(t, []thread.Cursor{{StreamID: "s2", Offset: 3}}, agg.Cursors())

	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 1), delta("s2", 3, 4)}))
	st = agg.State()
	assert.Empty(t, st.Streams["s1"].Deltas)
	assert.Len(t, st.Streams["s2"].Parts(), 4)
}

func TestAggregatorInvalidDelta(t *testing.T) {
	agg := NewAggregator(Options{GapPolicy: GapAbortStream})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1)})

	err := agg.ApplyDeltas([]thread.StreamDelta{{StreamID: "s1", Start: 3, End: 1}})
	assert.ErrorIs(t, err, thread.ErrInvalidDelta)
	assert.ErrorIs(t, agg.State().Streams["s1"].Err, thread.ErrInvalidDelta)
}

func TestAggregatorListLifecycle(t *testing.T) {
	agg := NewAggregator(Options{})
	agg.ApplyList([]thread.StreamMessage{stream("s1", 1), stream("s2", 2)})
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 2), delta("s2", 0, 1)}))

	finished := stream("s1", 1)
	finished.Status = thread.StreamFinished
	agg.ApplyList([]thread.StreamMessage{finished})

	st := agg.State()
	require.Len(t, st.Streams, 1)
	assert.Equal(t, thread.StreamFinished, st.Streams["s1"].Message.Status)
	assert.Len(t, st.Streams["s1"].Parts(), 2)

	// Deltas for a stream that left the list are ignored.
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s2", 1, 2)}))
	assert.NotContains(t, agg.State().Streams, "s2")
}

func TestAggregatorUndefinedVersusEmpty(t *testing.T) {
	agg := NewAggregator(Options{})
	assert.False(t, agg.State().Loaded)

	var seen []State
	unsubscribe := agg.Output().Subscribe(func(st State) { seen = append(seen, st) })
	defer unsubscribe()

	agg.ApplyList(nil)
	st := agg.State()
	assert.True(t, st.Loaded)
	assert.NotNil(t, st.Streams)
	assert.Empty(t, st.Streams)

	agg.Reset()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Loaded)
	assert.False(t, seen[1].Loaded)
	assert.Nil(t, seen[1].Streams)
}

func TestAggregatorEpochCountsResets(t *testing.T) {
	agg := NewAggregator(Options{})
	assert.Zero(t, agg.Epoch())

	agg.ApplyList(nil)
	assert.Zero(t, agg.State().Epoch)

	agg.Reset()
	agg.Reset()
	assert.Equal(t, uint64(2), agg.Epoch())
	agg.ApplyList(nil)
	assert.Equal(t, uint64(2), agg.State().Epoch)
}

func TestAggregatorIgnoresDeltasBeforeList(t *testing.T) {
	agg := NewAggregator(Options{})
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("s1", 0, 1)}))
	assert.False(t, agg.State().Loaded)
}

func TestStateOrdered(t *testing.T) {
	st := State{Loaded: true, Streams: map[string]thread.DeltaStream{
		"b": {Message: stream("b", 3)},
		"a": {Message: stream("a", 3)},
		"c": {Message: stream("c", 1)},
	}}
	var ids []string
	for _, ds := range st.Ordered() {
		ids = append(ids, ds.Message.StreamID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{9, 0},
		{10, 10},
		{27, 20},
		{100, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, Quantize(tt.in))
		})
	}
}

func TestSetStartOrder(t *testing.T) {
	agg := NewAggregator(Options{})

	// No streams: the value moves freely.
	assert.True(t, agg.SetStartOrder(27))
	assert.Equal(t, 20, agg.StartOrder())
	assert.False(t, agg.SetStartOrder(25))
	assert.True(t, agg.SetStartOrder(5))
	assert.Equal(t, 0, agg.StartOrder())
	assert.True(t, agg.SetStartOrder(42))
	assert.Equal(t, 40, agg.StartOrder())

	// With a stream tracked it only moves down.
	agg.ApplyList([]thread.StreamMessage{stream("s1", 45)})
	assert.False(t, agg.SetStartOrder(60))
	assert.Equal(t, 40, agg.StartOrder())
	assert.True(t, agg.SetStartOrder(31))
	assert.Equal(t, 30, agg.StartOrder())

	q := agg.ListQuery(thread.Args{ThreadID: "t"})
	assert.Equal(t, 30, q.StartOrder)

	agg.Reset()
	assert.Equal(t, 0, agg.StartOrder())
}

func TestDeltaQuery(t *testing.T) {
	agg := NewAggregator(Options{})
	_, ok := agg.DeltaQuery(thread.Args{ThreadID: "t"})
	assert.False(t, ok)

	agg.ApplyList([]thread.StreamMessage{stream("b", 1), stream("a", 2)})
	require.NoError(t, agg.ApplyDeltas([]thread.StreamDelta{delta("b", 0, 2)}))

	q, ok := agg.DeltaQuery(thread.Args{ThreadID: "t"})
	require.True(t, ok)
	assert.Equal(t, []thread.Cursor{{StreamID: "a", Offset: 0}, {StreamID: "b", Offset: 2}}, q.Cursors)
}
