// Package services provides the business logic layer between handlers and
// the cluster, replication and migration engines. Services encapsulate
// orchestration, task lifecycles and error shaping.
package services

// Error codes surfaced through the API. Transient codes map to 503,
// validation codes to 4xx, security codes to 401/403.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeNodeUnavailable    = "NODE_UNAVAILABLE"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeCacheUnavailable   = "CACHE_UNAVAILABLE"
	CodePublishFailed      = "PUBLISH_FAILED"
	CodeSchemaIncompatible = "SCHEMA_INCOMPATIBLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeConflict           = "CONFLICT"
	CodeNotLeader          = "NOT_LEADER"
	CodeTransferState      = "TRANSFER_STATE"
	CodeMTLSConfig         = "MTLS_CONFIG"
	CodeSignerUnavailable  = "SIGNER_UNAVAILABLE"
	CodeShuttingDown       = "SHUTTING_DOWN"
	CodeInternal           = "INTERNAL"
)

// ServiceError represents a service layer error
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// NewServiceError creates a new ServiceError
func NewServiceError(code, message string) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
	}
}

// NewServiceErrorWithDetails creates a new ServiceError with details
func NewServiceErrorWithDetails(code, message string, details map[string]interface{}) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// HTTPStatus maps an error code to the response status the API uses for it.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest, CodeSchemaIncompatible, CodeTransferState, CodeConflict, CodeChecksumMismatch:
		return 400
	case CodeSignatureInvalid:
		return 403
	case CodeNotFound:
		return 404
	case CodeRateLimited:
		return 429
	case CodeNodeUnavailable, CodeStoreUnavailable, CodeCacheUnavailable, CodePublishFailed, CodeNotLeader, CodeShuttingDown:
		return 503
	default:
		return 500
	}
}
