package models

import "time"

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// RegisterNodeResponse is returned after node registration
type RegisterNodeResponse struct {
	NodeID  string     `json:"node_id"`
	Status  NodeStatus `json:"status"`
	Created bool       `json:"created"`
}

// NodeListResponse lists cluster nodes
type NodeListResponse struct {
	Nodes []Node `json:"nodes"`
	Count int    `json:"count"`
}

// LeaderResponse reports the current or newly elected leader
type LeaderResponse struct {
	LeaderID string     `json:"leader_id,omitempty"`
	Message  string     `json:"message,omitempty"`
	Elected  *time.Time `json:"elected_at,omitempty"`
}

// CaptureEventResponse is returned when the leader captures a mutation
type CaptureEventResponse struct {
	EventID  string `json:"event_id,omitempty"`
	Captured bool   `json:"captured"`
}

// ExportResponse carries a signed package out of the export endpoint
type ExportResponse struct {
	PackageID string `json:"package_id"`
	Payload   string `json:"payload"`   // base64 compressed package
	Signature string `json:"signature"` // base64 RSA-PSS signature
	Documents int    `json:"documents"`
	Redacted  int    `json:"redacted"`
	SizeBytes int    `json:"size_bytes"`
}

// AuditListResponse lists audit events newest-first
type AuditListResponse struct {
	Events []ClusterEvent `json:"events"`
	Count  int            `json:"count"`
}

// TransferListResponse lists transfer tasks newest-first
type TransferListResponse struct {
	Transfers []*TransferStatusResponse `json:"transfers"`
	Count     int                       `json:"count"`
}

// InstanceListResponse lists registered instances
type InstanceListResponse struct {
	Instances []Instance `json:"instances"`
	Count     int        `json:"count"`
}

// ConnectionTestResponse reports an instance reachability probe
type ConnectionTestResponse struct {
	InstanceID string `json:"instance_id"`
	Reachable  bool   `json:"reachable"`
	Error      string `json:"error,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// ValidateResponse reports a schema compatibility check
type ValidateResponse struct {
	Collection string               `json:"collection"`
	Schema     *CollectionSchema    `json:"schema"`
	Report     *CompatibilityReport `json:"report,omitempty"`
}

// PublicKeyResponse exposes the node's package verification key
type PublicKeyResponse struct {
	PublicKeyPEM string `json:"public_key_pem"`
	Bits         int    `json:"bits"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
