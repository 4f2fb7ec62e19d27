// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import "time"

// EventKind identifies a sync event type on the wire
type EventKind string

// Wire-level event kinds
const (
	EventMemoryAdded    EventKind = "MEMORY_ADDED"
	EventConceptLearned EventKind = "CONCEPT_LEARNED"
	EventDecisionMade   EventKind = "DECISION_MADE"
	EventInstanceJoined EventKind = "INSTANCE_JOINED"
	EventInstanceLeft   EventKind = "INSTANCE_LEFT"
	EventSyncRequest    EventKind = "SYNC_REQUEST"
	EventSyncResponse   EventKind = "SYNC_RESPONSE"
	EventHeartbeat      EventKind = "HEARTBEAT"
	EventError          EventKind = "ERROR"
)

// ValidEventKinds returns all wire-level event kinds
func ValidEventKinds() []EventKind {
	return []EventKind{
		EventMemoryAdded,
		EventConceptLearned,
		EventDecisionMade,
		EventInstanceJoined,
		EventInstanceLeft,
		EventSyncRequest,
		EventSyncResponse,
		EventHeartbeat,
		EventError,
	}
}

// IsValidEventKind checks if an event kind is valid
func IsValidEventKind(kind EventKind) bool {
	for _, valid := range ValidEventKinds() {
		if kind == valid {
			return true
		}
	}
	return false
}

// Event is the transient sync event fanned out to a tenant's live
// connections. Never persisted; delivery is best-effort, at-most-once.
// Timestamp marshals to an ISO-8601 string.
type Event struct {
	Kind             EventKind              `json:"event_kind"`
	TenantID         string                 `json:"tenant_id"`
	OriginInstanceID string                 `json:"origin_instance_id"`
	Timestamp        time.Time              `json:"timestamp"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(kind EventKind, tenantID, originInstanceID string, data map[string]interface{}) Event {
	return Event{
		Kind:             kind,
		TenantID:         tenantID,
		OriginInstanceID: originInstanceID,
		Timestamp:        time.Now().UTC(),
		Data:             data,
	}
}
