package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire field names. The stream backend is shape-constrained to flat string
// maps, so metadata and data travel as canonical-JSON strings under single
// keys.
const (
	fieldID            = "id"
	fieldStream        = "stream"
	fieldType          = "type"
	fieldVersion       = "version"
	fieldTimestamp     = "timestamp"
	fieldCorrelationID = "correlation_id"
	fieldUserID        = "user_id"
	fieldMetadata      = "metadata"
	fieldData          = "data"
)

// Encode flattens an envelope into the wire form. Optional fields are
// omitted when empty; timestamps are RFC 3339 with nanoseconds, UTC.
func Encode(env Envelope) (map[string]string, error) {
	if env.ID == "" || env.Stream == "" || env.Type == "" {
		return nil, fmt.Errorf("envelope missing id, stream, or type")
	}
	values := map[string]string{
		fieldID:        env.ID,
		fieldStream:    env.Stream,
		fieldType:      env.Type,
		fieldVersion:   strconv.Itoa(env.Version),
		fieldTimestamp: env.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if env.CorrelationID != "" {
		values[fieldCorrelationID] = env.CorrelationID
	}
	if env.UserID != "" {
		values[fieldUserID] = env.UserID
	}
	if len(env.Metadata) > 0 {
		md, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		values[fieldMetadata] = string(md)
	}
	data, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	values[fieldData] = string(data)
	return values, nil
}

// Decode rebuilds an envelope from its wire form. Decode(Encode(e)) == e for
// every well-formed envelope.
func Decode(values map[string]string) (Envelope, error) {
	var env Envelope
	env.ID = values[fieldID]
	env.Stream = values[fieldStream]
	env.Type = values[fieldType]
	if env.ID == "" || env.Stream == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("wire envelope missing id, stream, or type")
	}

	version, err := strconv.Atoi(values[fieldVersion])
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid version %q: %w", values[fieldVersion], err)
	}
	env.Version = version

	ts, err := time.Parse(time.RFC3339Nano, values[fieldTimestamp])
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid timestamp %q: %w", values[fieldTimestamp], err)
	}
	env.Timestamp = ts.UTC()

	env.CorrelationID = values[fieldCorrelationID]
	env.UserID = values[fieldUserID]

	if raw, ok := values[fieldMetadata]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &env.Metadata); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	raw, ok := values[fieldData]
	if !ok {
		return Envelope{}, fmt.Errorf("wire envelope missing data")
	}
	if err := json.Unmarshal([]byte(raw), &env.Data); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal data: %w", err)
	}
	return env, nil
}
