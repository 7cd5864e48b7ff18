package bus

import (
	"context"

	"github.com/contextualhq/eventcore/internal/schema"
)

// Delivery is one message handed to a handler: the decoded envelope plus the
// backend coordinates needed for idempotence keys and diagnostics.
type Delivery struct {
	Envelope      schema.Envelope
	EntryID       string
	Stream        string
	Group         string
	Consumer      string
	DeliveryCount int64
}

// Handler processes a delivery and declares intent through the result tag.
// Handlers must be idempotent on their observable effects: delivery is
// at-least-once, and a replayed envelope must reach the same final state.
// Retry is the bus's responsibility; handlers never loop internally.
type Handler func(ctx context.Context, d Delivery) HandlerResult

type resultKind int

const (
	resultAck resultKind = iota
	resultRetry
	resultFatal
	resultBackpressure
)

// HandlerResult is the tagged outcome of a handler invocation.
type HandlerResult struct {
	kind   resultKind
	reason string
}

// Ack reports success; the bus acknowledges the entry.
func Ack() HandlerResult { return HandlerResult{kind: resultAck} }

// Retry reports a transient failure; the entry stays pending and is
// re-delivered until the retry budget is spent.
func Retry(reason string) HandlerResult { return HandlerResult{kind: resultRetry, reason: reason} }

// Fatal reports a permanent failure; the entry is dead-lettered immediately.
func Fatal(reason string) HandlerResult { return HandlerResult{kind: resultFatal, reason: reason} }

// Backpressure reports that the handler cannot take the entry right now. The
// entry stays pending without spending the retry budget; it is never
// dead-lettered. Subscriptions signalling backpressure should also set a Gate
// so delivery pauses instead of cycling.
func Backpressure(reason string) HandlerResult {
	return HandlerResult{kind: resultBackpressure, reason: reason}
}

// Retryable reports whether the result asks for re-delivery.
func (r HandlerResult) Retryable() bool { return r.kind == resultRetry }

// Backpressured reports whether the handler declined the entry for capacity.
func (r HandlerResult) Backpressured() bool { return r.kind == resultBackpressure }

// Failed reports whether the result is anything but success.
func (r HandlerResult) Failed() bool { return r.kind != resultAck }

// Reason returns the failure reason, empty on success.
func (r HandlerResult) Reason() string { return r.reason }
