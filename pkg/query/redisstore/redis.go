// Package redisstore is a Redis-backed query.Client and query.Writer.
//
// Layout under the configured prefix:
//
//	msgs:<thread>      sorted set, score order*1e6+stepOrder, member message JSON
//
// StepOrder must lie in [0, 1e6) so that scores keep (order, stepOrder)
// ordering; AddMessage rejects anything else with ErrStepOrderRange.
//	streams:<thread>   hash, stream ID -> stream JSON
//	deltas:<stream>    list of delta JSON in append order
//	changed:<thread>   pub/sub channel signalled after every write
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// DefaultPrefix is used when Config.Prefix is empty.
const DefaultPrefix = "threadsync:"

// stepScale separates Order from StepOrder in a message score.
const stepScale = 1e6

// fetchTimeout bounds a shared page read once it is detached from the
// caller that started it.
const fetchTimeout = 10 * time.Second

// ErrStepOrderRange is returned for a StepOrder the score layout cannot hold.
var ErrStepOrderRange = errors.New("step order out of range")

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "threadsync:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
	// WatchRate caps re-evaluations per second for each live feed
	// (0 = unthrottled).
	WatchRate float64
}

// Backend implements query.Client and query.Writer on Redis.
type Backend struct {
	client    *redis.Client
	prefix    string
	watchRate float64
	group     singleflight.Group
	mu        sync.RWMutex
	closed    bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	b := NewFromClient(client, cfg.Prefix)
	b.watchRate = cfg.WatchRate
	return b, nil
}

// NewFromClient creates a Backend from an existing client.
// This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) messagesKey(threadID string) string { return b.prefix + "msgs:" + threadID }
func (b *Backend) streamsKey(threadID string) string  { return b.prefix + "streams:" + threadID }
func (b *Backend) deltasKey(streamID string) string   { return b.prefix + "deltas:" + streamID }
func (b *Backend) changedKey(threadID string) string  { return b.prefix + "changed:" + threadID }

func score(k thread.Key) float64 {
	return float64(k.Order)*stepScale + float64(k.StepOrder)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return thread.ErrClosed
	}
	return nil
}

func (b *Backend) limiter() *rate.Limiter {
	if b.watchRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.watchRate), 1)
}

// FetchPage implements query.PageSource. Identical concurrent queries
// share one round trip. The shared read does not inherit any caller's
// cancellation; each caller stops waiting when its own ctx is done.
func (b *Backend) FetchPage(ctx context.Context, q query.PageQuery) (query.Page, error) {
	if err := b.checkOpen(); err != nil {
		return query.Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return query.Page{}, err
	}
	key := fmt.Sprintf("%s|%s|%s|%d", q.Args.ThreadID, q.Cursor, q.EndCursor, q.NumItems)
	ch := b.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return b.fetch(fctx, q)
	})
	select {
	case <-ctx.Done():
		return query.Page{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return query.Page{}, res.Err
		}
		return res.Val.(query.Page), nil
	}
}

func (b *Backend) fetch(ctx context.Context, q query.PageQuery) (query.Page, error) {
	key := b.messagesKey(q.Args.ThreadID)

	hiScore := "+inf"
	if q.Cursor != "" {
		upper, err := query.DecodeCursor(q.Cursor)
		if err != nil {
			return query.Page{}, err
		}
		hiScore = "(" + formatScore(score(upper))
	}

	if q.EndCursor != "" {
		lower, err := query.DecodeCursor(q.EndCursor)
		if err != nil {
			return query.Page{}, err
		}
		loScore := formatScore(score(lower))
		members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: loScore, Max: hiScore}).Result()
		if err != nil {
			return query.Page{}, fmt.Errorf("range messages: %w", err)
		}
		older, err := b.client.ZCount(ctx, key, "-inf", "("+loScore).Result()
		if err != nil {
			return query.Page{}, fmt.Errorf("count messages: %w", err)
		}
		msgs, err := decodeMessages(members)
		if err != nil {
			return query.Page{}, err
		}
		return query.Page{Messages: msgs, IsDone: older == 0, ContinueCursor: q.EndCursor}, nil
	}

	n := q.NumItems
	if n < 0 {
		n = 0
	}
	members, err := b.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   hiScore,
		Count: int64(n + 1),
	}).Result()
	if err != nil {
		return query.Page{}, fmt.Errorf("range messages: %w", err)
	}

	done := len(members) <= n
	if !done {
		members = members[:n]
	}
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	msgs, err := decodeMessages(members)
	if err != nil {
		return query.Page{}, err
	}

	page := query.Page{Messages: msgs, IsDone: done}
	if len(msgs) > 0 {
		page.ContinueCursor = query.EncodeCursor(msgs[0].Key())
	} else if q.Cursor != "" {
		page.ContinueCursor = q.Cursor
	}
	return page, nil
}

func decodeMessages(members []string) ([]thread.Message, error) {
	msgs := make([]thread.Message, 0, len(members))
	for _, m := range members {
		var msg thread.Message
		if err := json.Unmarshal([]byte(m), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// watch subscribes to a thread's change channel. The subscription is
// confirmed before returning so no write after it is missed.
func (b *Backend) watch(ctx context.Context, threadID string) (<-chan struct{}, func(), error) {
	ps := b.client.Subscribe(ctx, b.changedKey(threadID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe changes: %w", err)
	}

	changed := make(chan struct{}, 1)
	go func() {
		for range ps.Channel() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	}()
	return changed, func() { _ = ps.Close() }, nil
}

// WatchPage implements query.PageSource.
func (b *Backend) WatchPage(ctx context.Context, q query.PageQuery) (query.Subscription[query.Page], error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	changed, stop, err := b.watch(ctx, q.Args.ThreadID)
	if err != nil {
		return nil, err
	}
	feed := query.WatchPage(ctx, q, changed, b.limiter(), b.fetch)
	go func() {
		<-feed.Context().Done()
		stop()
	}()
	return feed, nil
}

// WatchStreams implements query.StreamSource.
func (b *Backend) WatchStreams(ctx context.Context, q query.StreamQuery) (query.Subscription[query.StreamResult], error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	changed, stop, err := b.watch(ctx, q.Args.ThreadID)
	if err != nil {
		return nil, err
	}
	feed := query.Watch(ctx, changed, b.limiter(), func(ctx context.Context) (query.StreamResult, error) {
		return b.evalStreams(ctx, q)
	})
	go func() {
		<-feed.Context().Done()
		stop()
	}()
	return feed, nil
}

func (b *Backend) evalStreams(ctx context.Context, q query.StreamQuery) (query.StreamResult, error) {
	res := query.StreamResult{Kind: q.Kind}
	switch q.Kind {
	case query.KindList:
		all, err := b.streams(ctx, q.Args.ThreadID)
		if err != nil {
			return res, err
		}
		for _, sm := range all {
			if sm.Order >= q.StartOrder {
				res.Messages = append(res.Messages, sm)
			}
		}
		sort.Slice(res.Messages, func(i, j int) bool {
			return res.Messages[i].Key().Less(res.Messages[j].Key())
		})
	case query.KindDeltas:
		for _, c := range q.Cursors {
			data, err := b.client.LRange(ctx, b.deltasKey(c.StreamID), 0, -1).Result()
			if err != nil {
				return res, fmt.Errorf("load deltas: %w", err)
			}
			for _, d := range data {
				var delta thread.StreamDelta
				if err := json.Unmarshal([]byte(d), &delta); err != nil {
					return res, fmt.Errorf("unmarshal delta: %w", err)
				}
				if delta.Start >= c.Offset {
					res.Deltas = append(res.Deltas, delta)
				}
			}
		}
	default:
		return res, fmt.Errorf("unknown stream query kind %q", q.Kind)
	}
	return res, nil
}

func (b *Backend) streams(ctx context.Context, threadID string) ([]thread.StreamMessage, error) {
	data, err := b.client.HGetAll(ctx, b.streamsKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load streams: %w", err)
	}
	out := make([]thread.StreamMessage, 0, len(data))
	for _, v := range data {
		var sm thread.StreamMessage
		if err := json.Unmarshal([]byte(v), &sm); err != nil {
			return nil, fmt.Errorf("unmarshal stream: %w", err)
		}
		out = append(out, sm)
	}
	return out, nil
}

func (b *Backend) stream(ctx context.Context, threadID, streamID string) (thread.StreamMessage, error) {
	data, err := b.client.HGet(ctx, b.streamsKey(threadID), streamID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return thread.StreamMessage{}, fmt.Errorf("stream %s: %w", streamID, thread.ErrNotFound)
		}
		return thread.StreamMessage{}, fmt.Errorf("get stream: %w", err)
	}
	var sm thread.StreamMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return thread.StreamMessage{}, fmt.Errorf("unmarshal stream: %w", err)
	}
	return sm, nil
}

// AddMessage implements query.Writer.
func (b *Backend) AddMessage(ctx context.Context, threadID string, msg thread.Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := thread.ValidateID(threadID); err != nil {
		return err
	}
	if msg.StepOrder < 0 || msg.StepOrder >= stepScale {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrStepOrderRange, msg.StepOrder, int(stepScale))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s := score(msg.Key())
	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, b.messagesKey(threadID), formatScore(s), formatScore(s))
	pipe.ZAdd(ctx, b.messagesKey(threadID), redis.Z{Score: s, Member: data})
	pipe.Publish(ctx, b.changedKey(threadID), msg.Key().String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (b *Backend) saveStream(ctx context.Context, threadID string, sm thread.StreamMessage) error {
	data, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("marshal stream: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.streamsKey(threadID), sm.StreamID, data)
	pipe.Publish(ctx, b.changedKey(threadID), sm.StreamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	return nil
}

// StartStream implements query.Writer.
func (b *Backend) StartStream(ctx context.Context, threadID string, sm thread.StreamMessage) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateIDs(threadID, sm.StreamID); err != nil {
		return err
	}
	if sm.Status == "" {
		sm.Status = thread.StreamStreaming
	}
	return b.saveStream(ctx, threadID, sm)
}

func validateIDs(threadID, streamID string) error {
	if err := thread.ValidateID(threadID); err != nil {
		return err
	}
	if err := thread.ValidateID(streamID); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

// AppendDelta implements query.Writer.
func (b *Backend) AppendDelta(ctx context.Context, threadID string, d thread.StreamDelta) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateIDs(threadID, d.StreamID); err != nil {
		return err
	}
	ok, err := b.client.HExists(ctx, b.streamsKey(threadID), d.StreamID).Result()
	if err != nil {
		return fmt.Errorf("check stream: %w", err)
	}
	if !ok {
		return fmt.Errorf("stream %s: %w", d.StreamID, thread.ErrNotFound)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.deltasKey(d.StreamID), data)
	pipe.Publish(ctx, b.changedKey(threadID), d.StreamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append delta: %w", err)
	}
	return nil
}

// EndStream implements query.Writer.
func (b *Backend) EndStream(ctx context.Context, threadID, streamID string, status thread.StreamStatus) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateIDs(threadID, streamID); err != nil {
		return err
	}
	sm, err := b.stream(ctx, threadID, streamID)
	if err != nil {
		return err
	}
	sm.Status = status
	return b.saveStream(ctx, threadID, sm)
}

// RemoveStream implements query.Writer.
func (b *Backend) RemoveStream(ctx context.Context, threadID, streamID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateIDs(threadID, streamID); err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.streamsKey(threadID), streamID)
	pipe.Del(ctx, b.deltasKey(streamID))
	pipe.Publish(ctx, b.changedKey(threadID), streamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove stream: %w", err)
	}
	return nil
}

// Close releases resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Interface compliance checks.
var (
	_ query.Client = (*Backend)(nil)
	_ query.Writer = (*Backend)(nil)
)
