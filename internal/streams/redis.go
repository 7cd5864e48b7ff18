package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis-backed client.
type Options struct {
	Addr     string
	Password string
	DB       int
	// PoolSize bounds the shared connection pool. 0 uses the go-redis default.
	PoolSize int
	// CallTimeout bounds each non-blocking backend call.
	CallTimeout time.Duration
	// RetryWindow bounds the internal backoff loop for a single operation.
	RetryWindow time.Duration
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		Addr:        "localhost:6379",
		CallTimeout: 5 * time.Second,
		RetryWindow: 15 * time.Second,
	}
}

// RedisClient implements Client on top of go-redis. All non-blocking calls
// are retried with bounded exponential backoff before the error surfaces.
type RedisClient struct {
	rdb         *redis.Client
	callTimeout time.Duration
	retryWindow time.Duration
}

// NewRedisClient connects a client. The connection is lazy; use Ping to
// verify reachability.
func NewRedisClient(opts Options) *RedisClient {
	def := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = def.RetryWindow
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	return &RedisClient{rdb: rdb, callTimeout: opts.CallTimeout, retryWindow: opts.RetryWindow}
}

// NewRedisClientFromRDB wraps an existing go-redis client (tests, miniredis).
func NewRedisClientFromRDB(rdb *redis.Client) *RedisClient {
	def := DefaultOptions()
	return &RedisClient{rdb: rdb, callTimeout: def.CallTimeout, retryWindow: def.RetryWindow}
}

// retry runs op under bounded exponential backoff. op must wrap terminal
// conditions in backoff.Permanent.
func (c *RedisClient) retry(ctx context.Context, op backoff.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.retryWindow
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *RedisClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *RedisClient) Append(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: toValues(values)}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	var id string
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XAdd(callCtx, args).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	return id, err
}

func (c *RedisClient) EnsureGroup(ctx context.Context, stream, group, start string) error {
	return c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		err := c.rdb.XGroupCreateMkStream(callCtx, stream, group, start).Err()
		if err != nil && isBusyGroup(err) {
			return nil
		}
		return err
	})
}

// ReadGroup is a single blocking attempt; the consumer loop owns retry
// pacing for reads.
func (c *RedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return flatten(res), nil
}

func (c *RedisClient) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	var entries []Entry
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XReadGroup(callCtx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, "0"},
			Count:    count,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			return err
		}
		entries = flatten(res)
		return nil
	})
	return entries, err
}

func (c *RedisClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.rdb.XAck(callCtx, stream, group, ids...).Err()
	})
}

func (c *RedisClient) Summary(ctx context.Context, stream, group string) (*PendingSummary, error) {
	var summary *PendingSummary
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XPending(callCtx, stream, group).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				summary = &PendingSummary{PerConsumer: map[string]int64{}}
				return nil
			}
			return err
		}
		summary = &PendingSummary{
			Total:       res.Count,
			MinID:       res.Lower,
			MaxID:       res.Higher,
			PerConsumer: res.Consumers,
		}
		return nil
	})
	return summary, err
}

func (c *RedisClient) Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	var entries []PendingEntry
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XPendingExt(callCtx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			return err
		}
		entries = entries[:0]
		for _, p := range res {
			entries = append(entries, PendingEntry{
				ID:            p.ID,
				Consumer:      p.Consumer,
				Idle:          p.Idle,
				DeliveryCount: p.RetryCount,
			})
		}
		return nil
	})
	return entries, err
}

func (c *RedisClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var entries []Entry
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XClaim(callCtx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			return err
		}
		entries = toEntries(res)
		return nil
	})
	return entries, err
}

func (c *RedisClient) Trim(ctx context.Context, stream string, maxLen int64) error {
	return c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.rdb.XTrimMaxLenApprox(callCtx, stream, maxLen, 0).Err()
	})
}

func (c *RedisClient) Info(ctx context.Context, stream string) (*StreamInfo, error) {
	var info *StreamInfo
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XInfoStream(callCtx, stream).Result()
		if err != nil {
			if isNoSuchKey(err) {
				info = &StreamInfo{Name: stream}
				return nil
			}
			return err
		}
		info = &StreamInfo{
			Name:    stream,
			Length:  res.Length,
			FirstID: res.FirstEntry.ID,
			LastID:  res.LastEntry.ID,
			Groups:  res.Groups,
		}
		return nil
	})
	return info, err
}

func (c *RedisClient) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	var groups []GroupInfo
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		res, err := c.rdb.XInfoGroups(callCtx, stream).Result()
		if err != nil {
			if isNoSuchKey(err) {
				groups = nil
				return nil
			}
			return err
		}
		groups = groups[:0]
		for _, g := range res {
			groups = append(groups, GroupInfo{
				Name:            g.Name,
				Consumers:       g.Consumers,
				Pending:         g.Pending,
				LastDeliveredID: g.LastDeliveredID,
			})
		}
		return nil
	})
	return groups, err
}

func (c *RedisClient) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	var entries []Entry
	err := c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var (
			res []redis.XMessage
			err error
		)
		if count > 0 {
			res, err = c.rdb.XRangeN(callCtx, stream, start, end, count).Result()
		} else {
			res, err = c.rdb.XRange(callCtx, stream, start, end).Result()
		}
		if err != nil {
			return err
		}
		entries = toEntries(res)
		return nil
	})
	return entries, err
}

func (c *RedisClient) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.retry(ctx, func() error {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.rdb.XDel(callCtx, stream, ids...).Err()
	})
}

func (c *RedisClient) Ping(ctx context.Context) error {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(callCtx).Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// isBusyGroup matches the BUSYGROUP reply from XGROUP CREATE on an existing
// group; creation is idempotent from the caller's view.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func toValues(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch s := v.(type) {
			case string:
				values[k] = s
			default:
				values[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Values: values})
	}
	return entries
}

func flatten(res []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries
}
