package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// ErrInvalidCursor is returned when a cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor returns the opaque cursor for a key.
func EncodeCursor(k thread.Key) string {
	return fmt.Sprintf("%d:%d", k.Order, k.StepOrder)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(c string) (thread.Key, error) {
	order, step, ok := strings.Cut(c, ":")
	if !ok {
		return thread.Key{}, fmt.Errorf("%q: %w", c, ErrInvalidCursor)
	}
	o, err := strconv.Atoi(order)
	if err != nil {
		return thread.Key{}, fmt.Errorf("%q: %w", c, ErrInvalidCursor)
	}
	s, err := strconv.Atoi(step)
	if err != nil {
		return thread.Key{}, fmt.Errorf("%q: %w", c, ErrInvalidCursor)
	}
	return thread.Key{Order: o, StepOrder: s}, nil
}

// Paginate evaluates q against a thread's messages. msgs need not be sorted.
func Paginate(msgs []thread.Message, q PageQuery) (Page, error) {
	sorted := append([]thread.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key().Less(sorted[j].Key()) })

	// hi is the index one past the newest candidate.
	hi := len(sorted)
	if q.Cursor != "" {
		upper, err := DecodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		hi = sort.Search(len(sorted), func(i int) bool { return !sorted[i].Key().Less(upper) })
	}

	var lo int
	if q.EndCursor != "" {
		lower, err := DecodeCursor(q.EndCursor)
		if err != nil {
			return Page{}, err
		}
		lo = sort.Search(len(sorted), func(i int) bool { return !sorted[i].Key().Less(lower) })
		if lo > hi {
			lo = hi
		}
		return Page{
			Messages:       append([]thread.Message{}, sorted[lo:hi]...),
			IsDone:         lo == 0,
			ContinueCursor: q.EndCursor,
		}, nil
	}

	lo = hi - q.NumItems
	if lo < 0 {
		lo = 0
	}
	page := Page{
		Messages: append([]thread.Message{}, sorted[lo:hi]...),
		IsDone:   lo == 0,
	}
	if len(page.Messages) > 0 {
		page.ContinueCursor = EncodeCursor(page.Messages[0].Key())
	} else if q.Cursor != "" {
		page.ContinueCursor = q.Cursor
	}
	return page, nil
}
