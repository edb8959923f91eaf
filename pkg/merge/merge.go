// Package merge combines message sequences into one sorted sequence with a
// single entry per (order, stepOrder) key.
package merge

import (
	"sort"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// Merge concatenates seqs, sorts by key and keeps one message per key.
//
// When two messages share a key the earlier one (in input order) is kept,
// unless it is provisional and the later one is not pending. Decided data
// therefore replaces provisional data, and a status never moves back from
// decided to provisional.
func Merge(seqs ...[]thread.Message) []thread.Message {
	var n int
	for _, s := range seqs {
		n += len(s)
	}
	all := make([]thread.Message, 0, n)
	for _, s := range seqs {
		all = append(all, s...)
	}
	sort.SliceStable(all, func(i, j int) bool { return Less(all[i], all[j]) })

	out := make([]thread.Message, 0, len(all))
	for _, m := range all {
		last := len(out) - 1
		if last < 0 || out[last].Key() != m.Key() {
			out = append(out, m)
			continue
		}
		if out[last].Status.Provisional() && m.Status != thread.StatusPending {
			out[last] = m
		}
	}
	return out
}

// Less orders messages by key.
func Less(a, b thread.Message) bool {
	return a.Key().Less(b.Key())
}

// Keys returns the keys of msgs in order.
func Keys(msgs []thread.Message) []thread.Key {
	keys := make([]thread.Key, len(msgs))
	for i, m := range msgs {
		keys[i] = m.Key()
	}
	return keys
}
