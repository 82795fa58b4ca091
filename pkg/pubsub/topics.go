// Package pubsub provides topic names and event type definitions for the
// kernel's event-driven plumbing: DLC lifecycle transitions and
// configuration hot-reload broadcasts. Renamed from the distributed
// cache's invalidation/warming event set; kept framework-agnostic (no
// direct encore.dev import here) so it stays reusable the way the
// teacher's own pkg/ packages are.
//
// Topic Naming Convention:
//   - kernel.dlc.lifecycle: DLC register/unregister/reload transitions
//   - kernel.config.reload: configuration hot-reload broadcasts
//
// These are logical names. The Encore topics themselves are declared by
// their publishers: registry.DLCLifecycleTopic ("dlc-lifecycle") and
// lifecycle.ConfigReloadTopic ("kernel-config-reload").
//
// Design Notes:
//   - Topics are defined as constants to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking consumers
package pubsub

// Topic name constants for Encore Pub/Sub integration.
const (
	// TopicDLCLifecycle is published whenever a bundle is registered,
	// unregistered, or hot-reloaded.
	// Event type: DLCLifecycleEvent
	// Publishers: registry service
	// Subscribers: kernel service (cache invalidation)
	TopicDLCLifecycle = "kernel.dlc.lifecycle"

	// TopicConfigReload is published whenever the kernel's hot-swappable
	// configuration subset changes.
	// Event type: ConfigReloadEvent
	// Publishers: lifecycle service's ConfigSource watcher
	// Subscribers: kernel service
	TopicConfigReload = "kernel.config.reload"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicDLCLifecycle,
		TopicConfigReload,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMetadata provides descriptive information about topics.
type TopicMetadata struct {
	Name        string
	Description string
	EventType   string
}

// GetTopicMetadata returns metadata for all topics.
func GetTopicMetadata() []TopicMetadata {
	return []TopicMetadata{
		{
			Name:        TopicDLCLifecycle,
			Description: "DLC register/unregister/reload transitions",
			EventType:   "DLCLifecycleEvent",
		},
		{
			Name:        TopicConfigReload,
			Description: "Configuration hot-reload broadcasts",
			EventType:   "ConfigReloadEvent",
		},
	}
}
