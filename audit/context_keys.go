// Package audit records vault operations without their secret payloads
package audit

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// Context keys for vault operations
const (
	KeyUserID    ContextKey = "userId"    // vault owner
	KeyKeyID     ContextKey = "keyId"     // master key generation
	KeyToolName  ContextKey = "toolName"  // capturing tool
	KeyEventID   ContextKey = "eventId"   // captured event
	KeyTargetID  ContextKey = "targetId"  // import target
	KeyError     ContextKey = "error"     // error message if operation failed
	KeyOperation ContextKey = "operation" // operation being performed
	KeyActor     ContextKey = "actor"     // cli, api, test
)

// contextKeys lists the keys copied from a context.Context into an event
var contextKeys = []ContextKey{KeyUserID, KeyKeyID, KeyToolName, KeyEventID, KeyTargetID, KeyOperation, KeyActor}
