package schema

// Named streams (closed set). Each has a dead-letter sibling derived with
// DeadStream.
const (
	StreamUser         = "user.events"
	StreamContextual   = "contextual.events"
	StreamAI           = "ai.events"
	StreamMarket       = "market.events"
	StreamNotification = "notification.events"
	StreamSystem       = "system.events"
)

// DeadSuffix is appended to a stream name to derive its dead-letter sibling.
const DeadSuffix = ".dead"

var knownStreams = []string{
	StreamUser,
	StreamContextual,
	StreamAI,
	StreamMarket,
	StreamNotification,
	StreamSystem,
}

// Streams returns the closed set of named streams.
func Streams() []string {
	out := make([]string, len(knownStreams))
	copy(out, knownStreams)
	return out
}

// IsKnownStream reports whether name is one of the named streams.
func IsKnownStream(name string) bool {
	for _, s := range knownStreams {
		if s == name {
			return true
		}
	}
	return false
}

// DeadStream returns the dead-letter sibling of a stream.
func DeadStream(stream string) string {
	return stream + DeadSuffix
}

// IsDeadStream reports whether name is a dead-letter sibling.
func IsDeadStream(name string) bool {
	return len(name) > len(DeadSuffix) && name[len(name)-len(DeadSuffix):] == DeadSuffix
}
