package topic

import (
	"fmt"
	"strings"
)

// Topic segments published by the hub. Consumers subscribe to these, so renaming one is a breaking change.
const (
	// SuffixEvent carries anomaly events as JSON.
	// Structure: {root}/event/{unitID}
	SuffixEvent = "event"

	// SuffixPresence carries device connect and disconnect notices.
	// Structure: {root}/presence/{unitID}
	SuffixPresence = "presence"

	// SuffixStatus carries the hub's own online state, set through the MQTT will.
	// Structure: {root}/status/{hubID}
	SuffixStatus = "status"
)

// TopicBuilder constructs the topic strings used on the event bus.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "ftrack/v1").
	root string
}

// NewTopicBuilder creates a TopicBuilder for the root namespace. Trailing slashes are dropped.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: strings.TrimRight(root, "/")}
}

// Event returns the topic anomaly events of a unit are published to.
func (b *TopicBuilder) Event(unitID string) string {
	return b.build(SuffixEvent, unitID)
}

// EventWildcard matches the events of every unit.
// Result: {root}/event/+
func (b *TopicBuilder) EventWildcard() string {
	return b.build(SuffixEvent, Wildcard)
}

// Presence returns the topic device presence of a unit is published to.
func (b *TopicBuilder) Presence(unitID string) string {
	return b.build(SuffixPresence, unitID)
}

// PresenceWildcard matches the presence of every unit.
// Result: {root}/presence/+
func (b *TopicBuilder) PresenceWildcard() string {
	return b.build(SuffixPresence, Wildcard)
}

// Status returns the hub liveness topic.
func (b *TopicBuilder) Status(hubID string) string {
	return b.build(SuffixStatus, hubID)
}

// build is a private helper to construct the final topic string.
// Pattern: {root}/{suffix}/{identifier}
func (b *TopicBuilder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
