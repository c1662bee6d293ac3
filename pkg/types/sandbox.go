package types

import "encoding/json"

// SandboxRequest is the body the pool posts to a worker's /execute endpoint.
type SandboxRequest struct {
	Code      string          `json:"code"`
	Input     json.RawMessage `json:"input,omitempty"`
	FlowID    string          `json:"flowId,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"` // worker-side guard, milliseconds
}

// SandboxResponse is a worker's reply to an execute call. Error carries the
// sandbox-reported message verbatim (a thrown exception, a timeout, an
// engine failure).
type SandboxResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Logs    []string        `json:"logs,omitempty"` // captured console output
}

// HealthResponse is returned by /health on the server and on workers.
type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
}
