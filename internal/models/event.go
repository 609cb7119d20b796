package models

import "time"

// EventType names a bus topic.
type EventType string

const (
	EventBranchCreated        EventType = "branch_created"
	EventBranchDeleted        EventType = "branch_deleted"
	EventProvisioningComplete EventType = "provisioning_complete"
	EventSchemaMigrated       EventType = "schema_migrated"
	EventThresholdBreached    EventType = "threshold_breached"
	EventIndexRecommendation  EventType = "index_recommendation"
	EventVacuumCompleted      EventType = "vacuum_completed"
	EventSyncDriftDetected    EventType = "sync_drift_detected"
	EventColdDataArchived     EventType = "cold_data_archived"
	EventSelfHealExecuted     EventType = "self_heal_executed"
	EventApprovalRequested    EventType = "approval_requested"
	EventApprovalDecided      EventType = "approval_decided"
)

// Event is a typed message published on the bus.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}
