package schema

// Event type tags. Producers publish these; the registry rejects anything
// outside this set.
const (
	TypeUserRegistered         = "user.registered"
	TypeUserLogin              = "user.login"
	TypeUserPreferencesUpdated = "user.preferences_updated"

	TypeAssetUploaded            = "asset.uploaded"
	TypeAssetProcessingStarted   = "asset.processing_started"
	TypeAssetProcessingCompleted = "asset.processing_completed"
	TypeEmbeddingRequested       = "embedding.requested"
	TypeEmbeddingCompleted       = "embedding.completed"

	TypeContentGenerationRequested = "content.generation_requested"
	TypeContentGenerationCompleted = "content.generation_completed"
	TypeConsultationRequested      = "consultation.requested"
	TypeConsultationCompleted      = "consultation.completed"

	TypeCollectionStarted = "collection.started"
	TypeDataCollected     = "data.collected"
	TypeTrendDetected     = "trend.detected"

	TypeNotificationSendRequested = "notification.send_requested"
	TypeNotificationDelivered     = "notification.delivered"
	TypeBriefingScheduled         = "briefing.scheduled"

	TypeServiceHealth       = "service.health"
	TypeErrorCritical       = "error.critical"
	TypePerformanceDegraded = "performance.degraded"
	TypeTaskRequested       = "task.requested"
	TypeTaskDead            = "task.dead"
)

// Default returns the registry every process runs with. Adding a new event is
// one entry here plus one handler at the subscriber.
func Default() *Registry {
	r := NewRegistry()

	r.MustRegister(StreamUser, TypeUserRegistered, 1, `{
		"type": "object",
		"required": ["user_id", "email"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1},
			"email": {"type": "string", "minLength": 3},
			"tier": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamUser, TypeUserLogin, 1, `{
		"type": "object",
		"required": ["user_id"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1},
			"ip": {"type": "string"},
			"user_agent": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamUser, TypeUserPreferencesUpdated, 1, `{
		"type": "object",
		"required": ["user_id", "preferences"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1},
			"preferences": {"type": "object"}
		}
	}`)

	r.MustRegister(StreamContextual, TypeAssetUploaded, 1, `{
		"type": "object",
		"required": ["asset_id", "user_id"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string", "minLength": 1},
			"content_type": {"type": "string"},
			"size_bytes": {"type": "integer", "minimum": 0}
		}
	}`)
	r.MustRegister(StreamContextual, TypeAssetProcessingStarted, 1, `{
		"type": "object",
		"required": ["asset_id"],
		"properties": {"asset_id": {"type": "string", "minLength": 1}}
	}`)
	r.MustRegister(StreamContextual, TypeAssetProcessingCompleted, 1, `{
		"type": "object",
		"required": ["asset_id", "status"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["succeeded", "failed"]},
			"error": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamContextual, TypeEmbeddingRequested, 1, `{
		"type": "object",
		"required": ["asset_id", "content_hash"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"content_hash": {"type": "string", "minLength": 1},
			"model": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamContextual, TypeEmbeddingCompleted, 1, `{
		"type": "object",
		"required": ["asset_id", "content_hash"],
		"properties": {
			"asset_id": {"type": "string", "minLength": 1},
			"content_hash": {"type": "string", "minLength": 1},
			"dimensions": {"type": "integer", "minimum": 1}
		}
	}`)

	r.MustRegister(StreamAI, TypeContentGenerationRequested, 1, `{
		"type": "object",
		"required": ["request_id", "user_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string", "minLength": 1},
			"prompt_kind": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamAI, TypeContentGenerationCompleted, 1, `{
		"type": "object",
		"required": ["request_id", "status"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["succeeded", "failed"]},
			"tokens_used": {"type": "integer", "minimum": 0}
		}
	}`)
	r.MustRegister(StreamAI, TypeConsultationRequested, 1, `{
		"type": "object",
		"required": ["consultation_id", "user_id"],
		"properties": {
			"consultation_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string", "minLength": 1},
			"topic": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamAI, TypeConsultationCompleted, 1, `{
		"type": "object",
		"required": ["consultation_id", "status"],
		"properties": {
			"consultation_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["succeeded", "failed"]}
		}
	}`)

	r.MustRegister(StreamMarket, TypeCollectionStarted, 1, `{
		"type": "object",
		"required": ["collection_id", "source"],
		"properties": {
			"collection_id": {"type": "string", "minLength": 1},
			"source": {"type": "string", "minLength": 1}
		}
	}`)
	r.MustRegister(StreamMarket, TypeDataCollected, 1, `{
		"type": "object",
		"required": ["collection_id", "record_count"],
		"properties": {
			"collection_id": {"type": "string", "minLength": 1},
			"record_count": {"type": "integer", "minimum": 0},
			"source": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamMarket, TypeTrendDetected, 1, `{
		"type": "object",
		"required": ["trend_id", "confidence"],
		"properties": {
			"trend_id": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"window": {"type": "string"}
		}
	}`)

	r.MustRegister(StreamNotification, TypeNotificationSendRequested, 1, `{
		"type": "object",
		"required": ["notification_id", "user_id", "channel"],
		"properties": {
			"notification_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string", "minLength": 1},
			"channel": {"type": "string", "enum": ["email", "push", "sms", "in_app"]},
			"template": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamNotification, TypeNotificationDelivered, 1, `{
		"type": "object",
		"required": ["notification_id"],
		"properties": {
			"notification_id": {"type": "string", "minLength": 1},
			"delivered_at": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamNotification, TypeBriefingScheduled, 1, `{
		"type": "object",
		"required": ["briefing_id", "user_id", "scheduled_for"],
		"properties": {
			"briefing_id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string", "minLength": 1},
			"scheduled_for": {"type": "string"}
		}
	}`)

	r.MustRegister(StreamSystem, TypeServiceHealth, 1, `{
		"type": "object",
		"required": ["service", "healthy"],
		"properties": {
			"service": {"type": "string", "minLength": 1},
			"healthy": {"type": "boolean"},
			"detail": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamSystem, TypeErrorCritical, 1, `{
		"type": "object",
		"required": ["service", "message"],
		"properties": {
			"service": {"type": "string", "minLength": 1},
			"message": {"type": "string", "minLength": 1}
		}
	}`)
	r.MustRegister(StreamSystem, TypePerformanceDegraded, 1, `{
		"type": "object",
		"required": ["service", "metric"],
		"properties": {
			"service": {"type": "string", "minLength": 1},
			"metric": {"type": "string", "minLength": 1},
			"value": {"type": "number"}
		}
	}`)
	r.MustRegister(StreamSystem, TypeTaskRequested, 1, `{
		"type": "object",
		"required": ["task_type"],
		"properties": {
			"task_type": {"type": "string", "minLength": 1},
			"payload": {"type": "object"},
			"priority": {"type": "string", "enum": ["low", "normal", "high", "critical"]},
			"dedup_key": {"type": "string"}
		}
	}`)
	r.MustRegister(StreamSystem, TypeTaskDead, 1, `{
		"type": "object",
		"required": ["task_id", "task_type", "reason"],
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"task_type": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"attempts": {"type": "integer", "minimum": 0}
		}
	}`)

	return r
}
