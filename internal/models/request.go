package models

import "github.com/gofiber/fiber/v2"

// RegisterNodeRequest registers a node with the cluster. Registration is
// idempotent on hostname:port.
type RegisterNodeRequest struct {
	Hostname     string       `json:"hostname"`
	Port         int          `json:"port"`
	Role         NodeRole     `json:"role,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	OwnerID      string       `json:"owner_id,omitempty"`
}

// Validate validates the node registration request and applies defaults.
func (r *RegisterNodeRequest) Validate() error {
	if r.Hostname == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'hostname' is required",
		}
	}
	if r.Port <= 0 || r.Port > 65535 {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'port' must be between 1 and 65535",
		}
	}
	if r.Role == "" {
		r.Role = NodeRoleReplica
	}
	if !r.Role.Valid() {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "role must be one of: master, replica",
		}
	}
	return nil
}

// HeartbeatRequest is the periodic liveness report from a node
type HeartbeatRequest struct {
	Status NodeStatus `json:"status,omitempty"`
}

// ApplyEventRequest delivers one replication event to a replica
type ApplyEventRequest struct {
	Event ReplicationEvent `json:"event"`
}

// Validate validates the incoming replication event.
func (r *ApplyEventRequest) Validate() error {
	if r.Event.EventID == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'event.event_id' is required",
		}
	}
	if !r.Event.Operation.Valid() {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "event.operation must be one of: insert, update, delete",
		}
	}
	if r.Event.Collection == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'event.collection' is required",
		}
	}
	if r.Event.DocumentID == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'event.document_id' is required",
		}
	}
	return nil
}
