package mcp

import (
	"errors"
	"fmt"

	"github.com/ospy/ospy/internal/registry"
)

// ErrInvalidInput indicates tool arguments failed validation.
var ErrInvalidInput = errors.New("invalid input")

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to MCP error codes. Unknown errors pass through.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrProjectNotFound):
		return &APIError{Code: "PROJECT_NOT_FOUND", Message: "project is not live", RecoveryHint: "Call list_projects for live ids"}
	case errors.Is(err, ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: err.Error()}
	default:
		return err
	}
}
