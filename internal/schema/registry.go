package schema

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Validation error codes. A consumer that sees one of these must not ACK the
// entry through the normal path; the bus routes it to the dead-letter sibling.
const (
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownStream      = "UNKNOWN_STREAM"
)

// ValidationError describes why an envelope was rejected.
type ValidationError struct {
	Code    string
	Type    string
	Version int
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s v%d", e.Code, e.Type, e.Version)
	}
	return fmt.Sprintf("%s: %s v%d: %s", e.Code, e.Type, e.Version, e.Details)
}

// Registry is the closed set of event types the process understands.
// Each (type, version) pair maps to exactly one JSON Schema for the payload.
// The registry is populated at construction time and never mutated afterwards,
// so lookups are safe without locking.
type Registry struct {
	entries map[string]map[int]*gojsonschema.Schema
	streams map[string]string // type -> home stream
}

// NewRegistry returns an empty registry. Most callers want Default.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]map[int]*gojsonschema.Schema),
		streams: make(map[string]string),
	}
}

// Register compiles schemaJSON and binds it to (eventType, version) on the
// given stream. Registering the same pair twice is a programming error.
func (r *Registry) Register(stream, eventType string, version int, schemaJSON string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s v%d: %w", eventType, version, err)
	}
	if _, ok := r.entries[eventType][version]; ok {
		return fmt.Errorf("schema for %s v%d already registered", eventType, version)
	}
	if r.entries[eventType] == nil {
		r.entries[eventType] = make(map[int]*gojsonschema.Schema)
	}
	r.entries[eventType][version] = compiled
	r.streams[eventType] = stream
	return nil
}

// MustRegister is Register for static, known-good schema literals.
func (r *Registry) MustRegister(stream, eventType string, version int, schemaJSON string) {
	if err := r.Register(stream, eventType, version, schemaJSON); err != nil {
		panic(err)
	}
}

// Knows reports whether eventType is registered at any version.
func (r *Registry) Knows(eventType string) bool {
	_, ok := r.entries[eventType]
	return ok
}

// StreamFor returns the home stream of a registered event type.
func (r *Registry) StreamFor(eventType string) (string, bool) {
	s, ok := r.streams[eventType]
	return s, ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks a payload against the schema registered for
// (eventType, version). A higher version than registered is rejected with
// UNSUPPORTED_VERSION, never silently skipped.
func (r *Registry) Validate(eventType string, version int, data map[string]any) error {
	versions, ok := r.entries[eventType]
	if !ok {
		return &ValidationError{Code: CodeUnknownType, Type: eventType, Version: version}
	}
	compiled, ok := versions[version]
	if !ok {
		return &ValidationError{Code: CodeUnsupportedVersion, Type: eventType, Version: version}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return &ValidationError{Code: CodeInvalidPayload, Type: eventType, Version: version, Details: err.Error()}
	}
	if !result.Valid() {
		details := ""
		for i, desc := range result.Errors() {
			if i > 0 {
				details += "; "
			}
			details += desc.String()
		}
		return &ValidationError{Code: CodeInvalidPayload, Type: eventType, Version: version, Details: details}
	}
	return nil
}

// ValidateEnvelope checks the envelope's stream, type, and payload. The type
// must be registered on the stream the envelope names.
func (r *Registry) ValidateEnvelope(env Envelope) error {
	if !IsKnownStream(env.Stream) {
		return &ValidationError{Code: CodeUnknownStream, Type: env.Type, Version: env.Version, Details: env.Stream}
	}
	if home, ok := r.streams[env.Type]; ok && home != env.Stream {
		return &ValidationError{
			Code: CodeInvalidPayload, Type: env.Type, Version: env.Version,
			Details: fmt.Sprintf("type belongs to stream %s, not %s", home, env.Stream),
		}
	}
	return r.Validate(env.Type, env.Version, env.Data)
}
