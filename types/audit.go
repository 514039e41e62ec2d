package types

import (
	"time"
)

// AuditEvent represents a vault audit event
type AuditEvent struct {
	ID        string                 `json:"id" bson:"_id"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
	EventType string                 `json:"event_type" bson:"event_type"`
	Operation string                 `json:"operation" bson:"operation"`
	Status    string                 `json:"status" bson:"status"`
	UserID    string                 `json:"user_id,omitempty" bson:"user_id,omitempty"`
	KeyID     string                 `json:"key_id,omitempty" bson:"key_id,omitempty"`
	Context   map[string]string      `json:"context" bson:"context"`
	Metadata  map[string]interface{} `json:"metadata" bson:"metadata"`
}
