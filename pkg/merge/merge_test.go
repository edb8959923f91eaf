package merge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

func msg(order, step int, status thread.Status) thread.Message {
	return thread.Message{Order: order, StepOrder: step, Status: status}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   [][]thread.Message
		want []thread.Message
	}{
		{
			name: "empty",
			in:   nil,
			want: []thread.Message{},
		},
		{
			name: "history wins over streaming",
			in: [][]thread.Message{
				{msg(1, 0, thread.StatusFinalized)},
				{msg(1, 0, thread.StatusStreaming)},
			},
			want: []thread.Message{msg(1, 0, thread.StatusFinalized)},
		},
		{
			name: "finalized replaces earlier streaming",
			in: [][]thread.Message{
				{msg(1, 0, thread.StatusStreaming)},
				{msg(1, 0, thread.StatusFinalized)},
			},
			want: []thread.Message{msg(1, 0, thread.StatusFinalized)},
		},
		{
			name: "failed replaces pending",
			in: [][]thread.Message{
				{msg(2, 1, thread.StatusPending)},
				{msg(2, 1, thread.StatusFailed)},
			},
			want: []thread.Message{msg(2, 1, thread.StatusFailed)},
		},
		{
			name: "streaming replaces pending",
			in: [][]thread.Message{
				{msg(2, 0, thread.StatusPending)},
				{msg(2, 0, thread.StatusStreaming)},
			},
			want: []thread.Message{msg(2, 0, thread.StatusStreaming)},
		},
		{
			name: "pending does not replace streaming",
			in: [][]thread.Message{
				{msg(2, 0, thread.StatusStreaming)},
				{msg(2, 0, thread.StatusPending)},
			},
			want: []thread.Message{msg(2, 0, thread.StatusStreaming)},
		},
		{
			name: "two finalized keep the first",
			in: [][]thread.Message{
				{{Order: 3, Status: thread.StatusFinalized, Text: "history"}},
				{{Order: 3, Status: thread.StatusFinalized, Text: "stream"}},
			},
			want: []thread.Message{{Order: 3, Status: thread.StatusFinalized, Text: "history"}},
		},
		{
			name: "overlapping pages",
			in: [][]thread.Message{
				{msg(5, 0, thread.StatusFinalized), msg(6, 0, thread.StatusFinalized)},
				{msg(4, 0, thread.StatusFinalized), msg(5, 0, thread.StatusFinalized)},
			},
			want: []thread.Message{
				msg(4, 0, thread.StatusFinalized),
				msg(5, 0, thread.StatusFinalized),
				msg(6, 0, thread.StatusFinalized),
			},
		},
		{
			name: "sorted by order then step",
			in: [][]thread.Message{
				{msg(2, 1, thread.StatusFinalized), msg(1, 2, thread.StatusFinalized)},
				{msg(2, 0, thread.StatusFinalized), msg(1, 0, thread.StatusFinalized)},
			},
			want: []thread.Message{
				msg(1, 0, thread.StatusFinalized),
				msg(1, 2, thread.StatusFinalized),
				msg(2, 0, thread.StatusFinalized),
				msg(2, 1, thread.StatusFinalized),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.in...))
		})
	}
}

var statuses = []thread.Status{
	thread.StatusPending,
	thread.StatusStreaming,
	thread.StatusFinalized,
	thread.StatusFailed,
}

func randomSeq(r *rand.Rand) []thread.Message {
	n := r.Intn(12)
	out := make([]thread.Message, n)
	for i := range out {
		out[i] = msg(r.Intn(6), r.Intn(3), statuses[r.Intn(len(statuses))])
	}
	return out
}

func TestMerge_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		a, b, c := randomSeq(r), randomSeq(r), randomSeq(r)
		out := Merge(a, b, c)

		// Strictly ascending keys imply no duplicates.
		for j := 1; j < len(out); j++ {
			require.True(t, out[j-1].Key().Less(out[j].Key()), "keys not strictly ascending: %v", Keys(out))
		}

		// Every input key is present.
		present := make(map[thread.Key]bool)
		for _, m := range out {
			present[m.Key()] = true
		}
		for _, seq := range [][]thread.Message{a, b, c} {
			for _, m := range seq {
				require.True(t, present[m.Key()])
			}
		}

		// Idempotence.
		assert.Equal(t, out, Merge(out, out))
		assert.Equal(t, out, Merge(out))

		// Status monotonicity: merging decided output with any provisional
		// duplicates keeps the decided status.
		again := Merge(out, a, b, c)
		for j, m := range out {
			if !m.Status.Provisional() {
				require.False(t, again[j].Status.Provisional(), "decided status regressed for %v", m.Key())
			}
		}
	}
}

func TestKeys(t *testing.T) {
	got := Keys([]thread.Message{msg(1, 0, thread.StatusFinalized), msg(1, 1, thread.StatusPending)})
	assert.Equal(t, []thread.Key{{Order: 1}, {Order: 1, StepOrder: 1}}, got)
}
