// Package streams abstracts the Redis-Streams primitives behind a minimal,
// mockable surface. The event bus and task queue never touch go-redis types
// directly; tests substitute an in-memory implementation.
package streams

import (
	"context"
	"time"
)

// Entry is a single stream entry: the server-assigned id plus the flat
// string map the wire codec produced.
type Entry struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes a message delivered to a group member but not yet
// ACKed.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// PendingSummary aggregates a group's pending entries.
type PendingSummary struct {
	Total       int64
	MinID       string
	MaxID       string
	PerConsumer map[string]int64
}

// StreamInfo describes one stream.
type StreamInfo struct {
	Name    string
	Length  int64
	FirstID string
	LastID  string
	Groups  int64
}

// GroupInfo describes one consumer group on a stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
}

// Client is the thin wrapper over the stream backend. Network errors are
// retried internally with bounded exponential backoff (separate from
// event-delivery retry); persistent failure surfaces to the caller.
type Client interface {
	// Append adds values to the stream with server-side auto-id, trimming to
	// maxLen (approximate) when maxLen > 0.
	Append(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
	// EnsureGroup idempotently creates a consumer group. start is "0" for
	// the full history or "$" for new messages only.
	EnsureGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup blocks up to block for new-only entries assigned to consumer.
	// An empty batch (not an error) is returned on timeout.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	// ReadPending re-delivers entries previously assigned to consumer but
	// not yet ACKed.
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)
	// Ack acknowledges entries for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Summary returns the group's aggregate pending state.
	Summary(ctx context.Context, stream, group string) (*PendingSummary, error)
	// Pending returns detailed pending entries for the group, all consumers.
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)
	// Claim transfers ownership of pending entries idle for at least minIdle
	// to consumer and returns the claimed entries.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Entry, error)
	// Trim caps the stream at maxLen entries (approximate).
	Trim(ctx context.Context, stream string, maxLen int64) error
	// Info returns stream-level metadata.
	Info(ctx context.Context, stream string) (*StreamInfo, error)
	// Groups returns consumer-group metadata for the stream.
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)
	// Range returns entries in [start, end], at most count when count > 0.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)
	// Delete removes entries from the stream by id.
	Delete(ctx context.Context, stream string, ids ...string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}
