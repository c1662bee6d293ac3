// Package trace publishes execution events to NATS. The pool itself keeps
// no history; anything that wants one (dashboards, recorders, billing)
// subscribes to the event stream.
package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flowpool/flowpool/pkg/types"
)

const (
	streamName    = "FLOW_EXECUTIONS"
	subjectPrefix = "flows.executions"
)

// Event is the JSON payload published after each completed execution.
type Event struct {
	ID          string    `json:"id"`
	FlowID      string    `json:"flowId,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration"`
	Runtime     string    `json:"runtime"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher emits execution events to NATS JetStream. Publishing is
// asynchronous and best effort: a slow or absent broker never blocks or
// fails an execution.
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

// NewPublisher connects to NATS and ensures the execution stream exists.
func NewPublisher(natsURL string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
		log.Warn("trace: async publish failed", zap.String("subject", msg.Subject), zap.Error(err))
	}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Info("trace: stream setup", zap.Error(err))
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

// Record publishes one event for a completed execution.
func (p *Publisher) Record(flowID string, res *types.ExecutionResult) {
	ev := newEvent(flowID, res)
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("trace: marshal event", zap.Error(err))
		return
	}

	if _, err := p.js.PublishAsync(subjectFor(res.Success), data); err != nil {
		p.log.Warn("trace: publish failed", zap.String("executionId", ev.ID), zap.Error(err))
	}
}

// Close flushes pending publishes and drops the connection.
func (p *Publisher) Close() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		p.log.Warn("trace: timed out flushing pending events")
	}
	p.nc.Close()
}

func newEvent(flowID string, res *types.ExecutionResult) Event {
	return Event{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		ContainerID: res.Meta.ContainerID,
		Success:     res.Success,
		Error:       res.Error,
		DurationMs:  res.Meta.DurationMs,
		Runtime:     res.Runtime,
		Timestamp:   time.Now().UTC(),
	}
}

func subjectFor(success bool) string {
	if success {
		return subjectPrefix + ".success"
	}
	return subjectPrefix + ".error"
}
