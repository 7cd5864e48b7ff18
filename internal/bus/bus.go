// Package bus implements the Redis-Streams event bus: durable at-least-once
// delivery across named streams with consumer groups, retry with a bounded
// budget, dead-letter siblings, and claiming of stale pending entries.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/contextualhq/eventcore/internal/schema"
	"github.com/contextualhq/eventcore/internal/streams"
)

// ErrBackendUnavailable is returned when the stream backend is unreachable
// after internal retries (or the publish breaker is open).
var ErrBackendUnavailable = errors.New("stream backend unavailable")

// ErrClosed is returned for operations on a stopped bus.
var ErrClosed = errors.New("event bus is closed")

// Dead-letter failure reasons recorded in metadata.failure_reason.
const (
	ReasonRetryExhausted     = "retry-exhausted"
	ReasonHandlerFatal       = "handler_fatal"
	ReasonInvalidEnvelope    = "invalid_envelope"
	ReasonUnknownType        = "unknown_type"
	ReasonUnsupportedVersion = "unsupported_version"
)

// Config holds event bus configuration.
type Config struct {
	// MaxRetries is the delivery budget per (entry, group) before the entry
	// is moved to the dead-letter sibling.
	MaxRetries int
	// RetryDelay paces the read loop after backend errors.
	RetryDelay time.Duration
	// MaxLength is the approximate MAXLEN trim bound applied on append.
	MaxLength int64
	// StreamMaxLen overrides MaxLength per stream.
	StreamMaxLen map[string]int64
	// GroupPrefix namespaces consumer groups so multiple deployments can
	// share one backend.
	GroupPrefix string
	// BlockTime is the XREADGROUP block timeout.
	BlockTime time.Duration
	// ClaimIdleTime is both the claim-phase period and the idle threshold
	// above which another consumer's pending entry is claimed.
	ClaimIdleTime time.Duration
	// BatchSize is the read count per backend call.
	BatchSize int64
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		MaxLength:     10000,
		GroupPrefix:   "eventcore",
		BlockTime:     5 * time.Second,
		ClaimIdleTime: 30 * time.Second,
		BatchSize:     100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxLength <= 0 {
		c.MaxLength = def.MaxLength
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = def.GroupPrefix
	}
	if c.BlockTime <= 0 {
		c.BlockTime = def.BlockTime
	}
	if c.ClaimIdleTime <= 0 {
		c.ClaimIdleTime = def.ClaimIdleTime
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

type busStats struct {
	published    atomic.Int64
	delivered    atomic.Int64
	acked        atomic.Int64
	deadLettered atomic.Int64
}

// Bus is the event bus. It owns per-stream consumer groups and per-consumer
// reader loops; producers and subscribers receive it as an explicit
// dependency from the lifecycle owner.
type Bus struct {
	client   streams.Client
	registry *schema.Registry
	cfg      Config
	logger   *zap.Logger
	breaker  *gobreaker.CircuitBreaker
	stats    busStats

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a bus over the given stream client and registry.
func New(client streams.Client, registry *schema.Registry, cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "stream-append",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Bus{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		breaker:  breaker,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Registry returns the schema registry the bus validates against.
func (b *Bus) Registry() *schema.Registry { return b.registry }

func (b *Bus) maxLenFor(stream string) int64 {
	base := stream
	if schema.IsDeadStream(stream) {
		base = strings.TrimSuffix(stream, schema.DeadSuffix)
	}
	if n, ok := b.cfg.StreamMaxLen[base]; ok {
		return n
	}
	return b.cfg.MaxLength
}

// Publish validates the envelope against the registry and appends it to its
// stream. The returned id is the backend entry id. Validation failures are
// *schema.ValidationError; backend failures wrap ErrBackendUnavailable.
func (b *Bus) Publish(ctx context.Context, env schema.Envelope) (string, error) {
	if err := b.registry.ValidateEnvelope(env); err != nil {
		return "", err
	}
	values, err := schema.Encode(env)
	if err != nil {
		return "", err
	}
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.client.Append(ctx, env.Stream, values, b.maxLenFor(env.Stream))
	})
	if err != nil {
		b.logger.Warn("publish failed",
			zap.String("stream", env.Stream),
			zap.String("type", env.Type),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	b.stats.published.Add(1)
	return res.(string), nil
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// ConsumerName identifies this consumer within the group. Defaults to
	// hostname-pid. With Concurrency > 1 each loop gets an index suffix.
	ConsumerName string
	// Concurrency is the number of independent consumer loops. Handlers that
	// require ordering must leave this at 1.
	Concurrency int
	// FilterTypes restricts dispatch to the listed event types; entries of
	// other types are acknowledged without dispatch.
	FilterTypes []string
	// StartFrom is the group start id on first creation: "0" (history,
	// default) or "$" (new messages only).
	StartFrom string
	// Gate, when set, pauses the consumer loops while it returns false.
	// Nothing is read or claimed during a pause, so pressure accumulates as
	// backend entries instead of in-process work.
	Gate func() bool
}

// Subscribe registers a handler for a (stream, group) pair and starts its
// consumer loop(s). The logical group is namespaced with the configured
// prefix. The returned subscription is stopped with Unsubscribe.
func (b *Bus) Subscribe(stream, group string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if !schema.IsKnownStream(stream) {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ConsumerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		opts.ConsumerName = host + "-" + strconv.Itoa(os.Getpid())
	}
	if opts.StartFrom == "" {
		opts.StartFrom = "0"
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	namespaced := b.cfg.GroupPrefix + "." + group
	ctx := context.Background()
	if err := b.client.EnsureGroup(ctx, stream, namespaced, opts.StartFrom); err != nil {
		return nil, fmt.Errorf("ensure group %s on %s: %w", namespaced, stream, err)
	}

	sub := newSubscription(b, stream, namespaced, handler, opts)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	sub.start()
	return sub, nil
}

// Unsubscribe cooperatively stops the subscription's consumer loops.
// In-flight handlers run to completion; un-ACKed entries remain pending for
// later claim.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Stop()
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Close stops every subscription. The bus cannot be reused afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
}

// GetStreamInfo returns backend metadata for one stream.
func (b *Bus) GetStreamInfo(ctx context.Context, stream string) (*streams.StreamInfo, error) {
	return b.client.Info(ctx, stream)
}

// GetConsumerGroupInfo returns the consumer groups of one stream.
func (b *Bus) GetConsumerGroupInfo(ctx context.Context, stream string) ([]streams.GroupInfo, error) {
	return b.client.Groups(ctx, stream)
}

// Stats returns delivery counters since process start.
func (b *Bus) Stats() (published, delivered, acked, deadLettered int64) {
	return b.stats.published.Load(), b.stats.delivered.Load(),
		b.stats.acked.Load(), b.stats.deadLettered.Load()
}

// RepublishDeadLetters scans the dead-letter sibling of stream and, for each
// entry younger than maxAge that originated from the given logical group,
// re-appends the envelope to the origin stream and deletes the dead-letter
// entry. The envelope id is preserved under metadata.original_id so replayed
// handlers can stay idempotent. Returns the republished count.
func (b *Bus) RepublishDeadLetters(ctx context.Context, stream, group string, maxAge time.Duration) (int, error) {
	if !schema.IsKnownStream(stream) {
		return 0, fmt.Errorf("unknown stream %q", stream)
	}
	dead := schema.DeadStream(stream)
	entries, err := b.client.Range(ctx, dead, "-", "+", 0)
	if err != nil {
		return 0, fmt.Errorf("range %s: %w", dead, err)
	}

	namespaced := b.cfg.GroupPrefix + "." + group
	now := time.Now()
	count := 0
	for _, entry := range entries {
		ts, ok := entryTime(entry.ID)
		if !ok || now.Sub(ts) > maxAge {
			continue
		}
		env, err := schema.Decode(entry.Values)
		if err != nil {
			// Undecodable dead letters cannot be replayed; leave them for
			// operator inspection.
			b.logger.Warn("skipping undecodable dead letter",
				zap.String("stream", dead), zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if group != "" {
			if origin, ok := env.Metadata["original_group"]; ok && origin != namespaced {
				continue
			}
		}
		if env.Metadata == nil {
			env.Metadata = make(map[string]string)
		}
		env.Metadata["original_id"] = env.ID
		delete(env.Metadata, "failure_reason")
		delete(env.Metadata, "last_error")
		values, err := schema.Encode(env)
		if err != nil {
			return count, err
		}
		if _, err := b.client.Append(ctx, stream, values, b.maxLenFor(stream)); err != nil {
			return count, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := b.client.Delete(ctx, dead, entry.ID); err != nil {
			b.logger.Warn("failed to delete republished dead letter",
				zap.String("stream", dead), zap.String("entry_id", entry.ID), zap.Error(err))
		}
		count++
	}
	return count, nil
}

// deadLetter appends a copy of the entry to the stream's dead-letter sibling
// with failure metadata, then ACKs the origin entry so the group makes
// forward progress.
func (b *Bus) deadLetter(ctx context.Context, stream, group, consumer string, entry streams.Entry, reason, lastErr string) {
	dead := schema.DeadStream(stream)
	values := make(map[string]string, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}

	md := map[string]string{}
	if raw, ok := values["metadata"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &md)
	}
	md["original_group"] = group
	md["original_consumer"] = consumer
	md["original_entry_id"] = entry.ID
	md["failure_reason"] = reason
	if lastErr != "" {
		md["last_error"] = lastErr
	}
	raw, err := json.Marshal(md)
	if err == nil {
		values["metadata"] = string(raw)
	}

	if _, err := b.client.Append(ctx, dead, values, b.maxLenFor(dead)); err != nil {
		// Leave the entry pending: it will be re-delivered and dead-lettered
		// again once the backend recovers.
		b.logger.Error("failed to append dead letter",
			zap.String("stream", dead), zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	if err := b.client.Ack(ctx, stream, group, entry.ID); err != nil {
		b.logger.Error("failed to ack dead-lettered entry",
			zap.String("stream", stream), zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	b.stats.deadLettered.Add(1)
	b.logger.Warn("entry dead-lettered",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("entry_id", entry.ID),
		zap.String("reason", reason),
		zap.String("last_error", lastErr))
}

// entryTime extracts the millisecond timestamp from a stream entry id
// ("<ms>-<seq>").
func entryTime(id string) (time.Time, bool) {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
