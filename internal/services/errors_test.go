package services

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	err := &ServiceError{
		Code:    CodeInvalidRequest,
		Message: "collections is required",
	}

	if err.Error() != "collections is required" {
		t.Errorf("Expected 'collections is required', got '%s'", err.Error())
	}
}

func TestNewServiceError(t *testing.T) {
	err := NewServiceError(CodeNotFound, "transfer not found")

	if err.Code != CodeNotFound {
		t.Errorf("Expected code '%s', got '%s'", CodeNotFound, err.Code)
	}
	if err.Message != "transfer not found" {
		t.Errorf("Expected message 'transfer not found', got '%s'", err.Message)
	}
	if err.Details != nil {
		t.Errorf("Expected nil details, got %v", err.Details)
	}
}

func TestNewServiceErrorWithDetails(t *testing.T) {
	details := map[string]interface{}{
		"collection": "users",
		"field":      "age",
	}

	err := NewServiceErrorWithDetails(CodeSchemaIncompatible, "schema mismatch", details)

	if err.Code != CodeSchemaIncompatible {
		t.Errorf("Expected code '%s', got '%s'", CodeSchemaIncompatible, err.Code)
	}
	if err.Details == nil {
		t.Fatal("Expected non-nil details")
	}
	if err.Details["collection"] != "users" {
		t.Errorf("Expected collection 'users', got '%v'", err.Details["collection"])
	}
}

func TestServiceError_ImplementsError(t *testing.T) {
	var _ error = &ServiceError{}
}

func TestServiceError_JSONMarshal(t *testing.T) {
	err := &ServiceError{
		Code:    CodeRateLimited,
		Message: "export rate limit exceeded",
		Details: map[string]interface{}{
			"limit": 5,
		},
	}

	jsonBytes, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("Failed to marshal ServiceError: %v", marshalErr)
	}

	var unmarshaled ServiceError
	if unmarshalErr := json.Unmarshal(jsonBytes, &unmarshaled); unmarshalErr != nil {
		t.Fatalf("Failed to unmarshal ServiceError: %v", unmarshalErr)
	}

	if unmarshaled.Code != err.Code {
		t.Errorf("Expected code '%s', got '%s'", err.Code, unmarshaled.Code)
	}
	if unmarshaled.Message != err.Message {
		t.Errorf("Expected message '%s', got '%s'", err.Message, unmarshaled.Message)
	}
}

func TestServiceError_JSONMarshalOmitsEmptyDetails(t *testing.T) {
	err := &ServiceError{
		Code:    CodeInternal,
		Message: "boom",
		Details: nil,
	}

	jsonBytes, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("Failed to marshal ServiceError: %v", marshalErr)
	}

	if strings.Contains(string(jsonBytes), "details") {
		t.Error("Expected 'details' field to be omitted in JSON")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeInvalidRequest, 400},
		{CodeSchemaIncompatible, 400},
		{CodeChecksumMismatch, 400},
		{CodeConflict, 400},
		{CodeSignatureInvalid, 403},
		{CodeNotFound, 404},
		{CodeRateLimited, 429},
		{CodeNodeUnavailable, 503},
		{CodePublishFailed, 503},
		{CodeNotLeader, 503},
		{CodeInternal, 500},
		{"SOMETHING_ELSE", 500},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := HTTPStatus(tt.code); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
