package models

import "time"

// EventSeverity classifies audit events
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Valid reports whether the severity is a known value.
func (s EventSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ClusterEvent is an append-only audit record. Events are inserted once and
// never updated.
type ClusterEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	NodeID    string                 `json:"node_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Severity  EventSeverity          `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ReplicationOp is the mutation type carried by a replication event
type ReplicationOp string

const (
	ReplicationInsert ReplicationOp = "insert"
	ReplicationUpdate ReplicationOp = "update"
	ReplicationDelete ReplicationOp = "delete"
)

// Valid reports whether the operation is a known value.
func (op ReplicationOp) Valid() bool {
	switch op {
	case ReplicationInsert, ReplicationUpdate, ReplicationDelete:
		return true
	}
	return false
}

// ReplicationEvent records one captured mutation for fan-out to replicas.
// Sequence is per-origin and strictly increasing; consumers use it to detect
// gaps, not to order across origins.
type ReplicationEvent struct {
	EventID    string        `json:"event_id"`
	Sequence   uint64        `json:"sequence"`
	OriginNode string        `json:"origin_node"`
	Operation  ReplicationOp `json:"operation"`
	Collection string        `json:"collection"`
	DocumentID string        `json:"document_id"`
	Data       Document      `json:"data,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// TargetResult is the per-replica outcome of publishing one event
type TargetResult struct {
	NodeID  string        `json:"node_id"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ReplicationStatus is the diagnostic snapshot returned by the status endpoint
type ReplicationStatus struct {
	Enabled        bool               `json:"enabled"`
	IsLeader       bool               `json:"is_leader"`
	NodeID         string             `json:"node_id"`
	EventsCaptured uint64             `json:"events_captured"`
	EventsApplied  uint64             `json:"events_applied"`
	PublishOK      uint64             `json:"publish_ok"`
	PublishFailed  uint64             `json:"publish_failed"`
	Targets        []string           `json:"targets"`
	RecentEvents   []ReplicationEvent `json:"recent_events,omitempty"`
}
