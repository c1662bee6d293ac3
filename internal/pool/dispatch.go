package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/metrics"
	"github.com/flowpool/flowpool/pkg/types"
)

// dispatch posts one execution to a claimed worker and maps every outcome
// into a result record; it never returns a Go error. The caller stamps
// meta (containerId, duration) afterwards.
func (m *Manager) dispatch(ctx context.Context, w *Worker, req types.SandboxRequest, timeout time.Duration) *types.ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return failResult(fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Addr+"/execute", bytes.NewReader(body))
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return failResult(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
			m.log.Warn("pool: execution timed out",
				zap.String("containerId", w.ID),
				zap.Duration("timeout", timeout))
			return failResult(msgTimeout)
		}
		metrics.ExecutionsTotal.WithLabelValues("unreachable").Inc()
		m.log.Warn("pool: container unreachable",
			zap.String("containerId", w.ID),
			zap.String("addr", w.Addr),
			zap.Error(err))
		return failResult(fmt.Sprintf("container %s unreachable at %s: %v", w.ID, w.Addr, err))
	}
	defer resp.Body.Close()

	var sb types.SandboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
			return failResult(msgTimeout)
		}
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		if resp.StatusCode >= 400 {
			return failResult(fmt.Sprintf("container returned status %d", resp.StatusCode))
		}
		return failResult(fmt.Sprintf("invalid response from container: %v", err))
	}

	if len(sb.Logs) > 0 {
		m.log.Debug("pool: container logs",
			zap.String("containerId", w.ID),
			zap.Strings("logs", sb.Logs))
	}

	if resp.StatusCode >= 400 || !sb.Success {
		// Surface the sandbox's message verbatim so callers see exactly
		// what the flow threw.
		msg := sb.Error
		if msg == "" {
			msg = fmt.Sprintf("container returned status %d", resp.StatusCode)
		}
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return failResult(msg)
	}

	metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	return &types.ExecutionResult{
		Success: true,
		Runtime: types.RuntimeContainerPool,
		Result:  sb.Result,
	}
}
