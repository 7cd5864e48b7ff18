// Package schema defines the event envelope, the closed registry of event
// types and payload schemas, and the wire codec used by the stream backend.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the complete event record as it travels through the system.
// Data holds the typed payload whose shape is determined by (Type, Version).
type Envelope struct {
	ID            string            `json:"id"`
	Stream        string            `json:"stream"`
	Type          string            `json:"type"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Data          map[string]any    `json:"data"`
}

// EnvelopeOption customizes an envelope created by NewEnvelope.
type EnvelopeOption func(*Envelope)

// WithVersion overrides the default payload schema version (1).
func WithVersion(v int) EnvelopeOption {
	return func(e *Envelope) { e.Version = v }
}

// WithCorrelationID propagates a correlation id across causally-linked events.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithUserID sets the informational tenancy hint.
func WithUserID(id string) EnvelopeOption {
	return func(e *Envelope) { e.UserID = id }
}

// WithMetadata attaches free-form metadata to the envelope.
func WithMetadata(md map[string]string) EnvelopeOption {
	return func(e *Envelope) { e.Metadata = md }
}

// NewEnvelope builds an envelope with a fresh UUID and the current UTC time.
func NewEnvelope(stream, eventType string, data map[string]any, opts ...EnvelopeOption) Envelope {
	e := Envelope{
		ID:        uuid.NewString(),
		Stream:    stream,
		Type:      eventType,
		Version:   1,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
