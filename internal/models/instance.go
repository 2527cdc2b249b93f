package models

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Instance is a registered remote deployment that transfers can target.
// EncryptedAPIKey is AES-256-GCM ciphertext, never exposed through the API.
type Instance struct {
	InstanceID      string     `json:"instance_id"`
	Name            string     `json:"name"`
	BaseURL         string     `json:"base_url"`
	EncryptedAPIKey string     `json:"-"`
	LastTestedAt    *time.Time `json:"last_tested_at,omitempty"`
	Reachable       bool       `json:"reachable"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RegisterInstanceRequest registers a remote instance
type RegisterInstanceRequest struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// Validate validates the instance registration request.
func (r *RegisterInstanceRequest) Validate() error {
	if r.Name == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'name' is required",
		}
	}
	if r.BaseURL == "" {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "'base_url' is required",
		}
	}
	if !strings.HasPrefix(r.BaseURL, "http://") && !strings.HasPrefix(r.BaseURL, "https://") {
		return &fiber.Error{
			Code:    fiber.StatusBadRequest,
			Message: "base_url must start with http:// or https://",
		}
	}
	return nil
}
