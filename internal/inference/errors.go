package inference

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxErrorBody = 2048

// StatusError reports a non-2xx answer from the inference service.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if msg := serviceMessage(e.Body); msg != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// ContractError reports a body that is not the expected shape. Raw keeps
// the offending payload for diagnosis.
type ContractError struct {
	Endpoint string
	Reason   string
	Raw      string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s returned an invalid response: %s; payload: %s", e.Endpoint, e.Reason, e.Raw)
}

func newContractError(endpoint string, reason error, raw []byte) *ContractError {
	return &ContractError{Endpoint: endpoint, Reason: reason.Error(), Raw: truncate(string(raw))}
}

// serviceMessage extracts the FastAPI "detail" or handler "error" field.
func serviceMessage(body string) string {
	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return strings.TrimSpace(body)
	}
	if payload.Error != "" {
		return payload.Error
	}
	if s, ok := payload.Detail.(string); ok {
		return s
	}
	return strings.TrimSpace(body)
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
