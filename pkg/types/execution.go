package types

import "encoding/json"

// RuntimeContainerPool tags every result produced by the container pool
// runtime, success or failure.
const RuntimeContainerPool = "container-pool"

// ExecutionConfig carries per-call options for a flow execution.
type ExecutionConfig struct {
	FlowID    string `json:"flowId,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"` // overrides the configured work timeout
}

// ExecutionMeta describes where and how long an execution ran. ContainerID
// is set only when a worker was actually claimed for the call.
type ExecutionMeta struct {
	ContainerID string `json:"containerId,omitempty"`
	DurationMs  int64  `json:"duration"` // milliseconds, dispatch start to result
}

// ExecutionResult is the outcome of one flow execution. Ordinary failures
// (no free container, sandbox error, timeout, unreachable worker) come back
// here with Success=false; they are not Go errors.
type ExecutionResult struct {
	Success bool            `json:"success"`
	Runtime string          `json:"runtime"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Meta    ExecutionMeta   `json:"meta"`
}

// ExecutionRequest is the request body for POST /api/executions.
type ExecutionRequest struct {
	Code   string          `json:"code"`
	Input  json.RawMessage `json:"input,omitempty"`
	Config ExecutionConfig `json:"config"`
}
