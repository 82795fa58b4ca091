package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)

const (
	// EventVersion1 is the current event schema version.
	EventVersion1 = 1
)

// LifecycleAction classifies what happened to a DLC bundle.
type LifecycleAction string

const (
	ActionRegistered   LifecycleAction = "registered"
	ActionUnregistered LifecycleAction = "unregistered"
	ActionReloaded     LifecycleAction = "reloaded"
	ActionFailed       LifecycleAction = "failed"
)

// DLCLifecycleEvent represents a bundle registration, unregistration, or
// hot-reload. Published on registry.DLCLifecycleTopic. Ported from the teacher's
// InvalidationEvent shape, generalized from "which cache keys changed" to
// "which DLC changed and how".
type DLCLifecycleEvent struct {
	Version     int             `json:"version"`
	Action      LifecycleAction `json:"action"`
	Name        string          `json:"name"`
	BundleVer   string          `json:"bundle_version"`
	TriggeredBy string          `json:"triggered_by"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	RequestID   string          `json:"request_id"`
}

// Validate checks if the DLCLifecycleEvent is well-formed.
func (e *DLCLifecycleEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Name == "" {
		return errors.New("name field is required")
	}
	switch e.Action {
	case ActionRegistered, ActionUnregistered, ActionReloaded, ActionFailed:
	default:
		return fmt.Errorf("invalid action: %s", e.Action)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *DLCLifecycleEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DLCLifecycleEventFromJSON deserializes a DLCLifecycleEvent from JSON.
func DLCLifecycleEventFromJSON(data []byte) (*DLCLifecycleEvent, error) {
	var e DLCLifecycleEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLCLifecycleEvent: %w", err)
	}
	return &e, nil
}

// ConfigReloadEvent represents a hot-swappable configuration change,
// broadcast after a ConfigSource (file watch or KV poll) detects an
// update. Ported from the teacher's RefreshEvent shape, generalized from
// "which cache keys to refresh" to "which config keys changed".
type ConfigReloadEvent struct {
	Version     int               `json:"version"`
	ChangedKeys []string          `json:"changed_keys"`
	Source      string            `json:"source"` // "file" or "kv"
	AppliedAt   time.Time         `json:"applied_at"`
	Meta        map[string]string `json:"meta,omitempty"`
	RequestID   string            `json:"request_id"`
}

// Validate checks if the ConfigReloadEvent is well-formed.
func (e *ConfigReloadEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if len(e.ChangedKeys) == 0 {
		return errors.New("changed_keys cannot be empty")
	}
	if e.AppliedAt.IsZero() {
		return errors.New("applied_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *ConfigReloadEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ConfigReloadEventFromJSON deserializes a ConfigReloadEvent from JSON.
func ConfigReloadEventFromJSON(data []byte) (*ConfigReloadEvent, error) {
	var e ConfigReloadEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ConfigReloadEvent: %w", err)
	}
	return &e, nil
}
