package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/discovery"
	"github.com/flowpool/flowpool/internal/metrics"
	"github.com/flowpool/flowpool/pkg/types"
)

var (
	// ErrNotInitialized is returned when ExecuteFlow runs before Initialize.
	ErrNotInitialized = errors.New("pool not initialized")

	// ErrShutdown is returned once Shutdown has been called; a terminated
	// pool never comes back.
	ErrShutdown = errors.New("pool is shut down")
)

// Error texts carried inside results. Callers match on them; keep stable.
const (
	msgNoCapacity = "No available containers in pool"
	msgTimeout    = "Execution timed out"
)

const (
	defaultWorkTimeout   = 30 * time.Second
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Config tunes a pool Manager. Zero fields fall back to defaults.
type Config struct {
	WorkTimeout   time.Duration // per-execution cap, overridable per call
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Manager owns a fixed set of sandbox workers and dispatches flow
// executions to them. Every collaborator is injected: two Managers never
// share state, and tests can run any number side by side.
type Manager struct {
	cfg    Config
	source discovery.Source
	log    *zap.Logger

	mu      sync.Mutex // serializes claim scans and lifecycle transitions
	workers []*Worker  // slot order, fixed once Initialize completes

	client *http.Client
	prober *Prober

	initialized atomic.Bool
	closed      atomic.Bool
}

// NewManager builds a pool over the given discovery source. The pool does
// nothing until Initialize.
func NewManager(cfg Config, source discovery.Source, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WorkTimeout <= 0 {
		cfg.WorkTimeout = defaultWorkTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Manager{
		cfg:    cfg,
		source: source,
		log:    log,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Initialize enumerates workers from the discovery source, runs one
// synchronous probe pass so the first ExecuteFlow sees real health, and
// starts interval re-probing. Idempotent: a second call is a no-op.
// Workers that are unreachable at start-up are tolerated; they stay
// unhealthy and are skipped by claims until a probe passes.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrShutdown
	}
	if m.initialized.Load() {
		return nil
	}

	endpoints, err := m.source.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("discover workers: %w", err)
	}

	workers := make([]*Worker, 0, len(endpoints))
	for _, ep := range endpoints {
		workers = append(workers, NewWorker(ep.ID, ep.Name, ep.Addr))
	}
	m.workers = workers

	m.prober = NewProber(workers, m.cfg.ProbeInterval, m.cfg.ProbeTimeout, m.log)
	m.prober.ProbeAll(ctx)
	m.prober.Start()

	m.initialized.Store(true)

	healthy := 0
	for _, w := range workers {
		if w.Healthy() {
			healthy++
		}
	}
	m.log.Info("pool: initialized",
		zap.Int("poolSize", len(workers)),
		zap.Int("healthy", healthy))
	return nil
}

// Shutdown stops probing and marks the pool terminated. Idempotent and
// never fails; in-flight executions finish and release normally, later
// ExecuteFlow calls get ErrShutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return
	}
	m.closed.Store(true)
	m.initialized.Store(false)

	if m.prober != nil {
		m.prober.Stop()
	}
	m.log.Info("pool: shut down")
}

// ExecuteFlow claims a worker, posts the flow to it, and returns the
// outcome as a result record. The only Go errors are lifecycle misuse
// (ErrNotInitialized, ErrShutdown); everything else — a saturated pool, a
// sandbox failure, a timeout, an unreachable container — comes back with
// Success=false inside the result.
func (m *Manager) ExecuteFlow(ctx context.Context, code string, input json.RawMessage, cfg types.ExecutionConfig) (*types.ExecutionResult, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}

	start := time.Now()

	timeout := m.cfg.WorkTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	w := m.claim()
	if w == nil {
		if m.closed.Load() {
			return nil, ErrShutdown
		}
		metrics.ExecutionsTotal.WithLabelValues("no_capacity").Inc()
		m.log.Warn("pool: no available containers", zap.String("flowId", cfg.FlowID))
		res := failResult(msgNoCapacity)
		res.Meta.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}
	defer m.release(w)

	m.log.Debug("pool: dispatching flow",
		zap.String("containerId", w.ID),
		zap.String("flowId", cfg.FlowID),
		zap.Duration("timeout", timeout))

	res := m.dispatch(ctx, w, types.SandboxRequest{
		Code:      code,
		Input:     input,
		FlowID:    cfg.FlowID,
		TimeoutMs: timeout.Milliseconds(),
	}, timeout)

	res.Meta.ContainerID = w.ID
	res.Meta.DurationMs = time.Since(start).Milliseconds()
	metrics.ExecutionDuration.WithLabelValues(w.ID).Observe(time.Since(start).Seconds())
	return res, nil
}

// claim returns the first healthy, idle worker in slot order and marks it
// busy, or nil when every slot is unhealthy or taken. Scan and set happen
// under one mutex, so two concurrent calls can never pick the same slot.
func (m *Manager) claim() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized.Load() {
		return nil
	}
	for _, w := range m.workers {
		if w.Healthy() && !w.Busy() {
			w.busy.Store(true)
			metrics.WorkersBusy.Inc()
			return w
		}
	}
	return nil
}

// release returns a worker to the idle set. Runs deferred on every
// ExecuteFlow path, so a claimed worker can never leak.
func (m *Manager) release(w *Worker) {
	w.busy.Store(false)
	metrics.WorkersBusy.Dec()
}

// Status snapshots the pool without touching the claim mutex, so it never
// blocks behind in-flight executions. Before Initialize the snapshot is
// empty; after Shutdown it reports initialized=false with the last-known
// container flags.
func (m *Manager) Status() types.PoolStatus {
	initialized := m.initialized.Load()
	if !initialized && !m.closed.Load() {
		return types.PoolStatus{Initialized: false, Containers: []types.ContainerStatus{}}
	}

	containers := make([]types.ContainerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		containers = append(containers, types.ContainerStatus{
			ID:      w.ID,
			Name:    w.Name,
			Healthy: w.Healthy(),
			Busy:    w.Busy(),
		})
	}
	return types.PoolStatus{
		Initialized: initialized,
		PoolSize:    len(m.workers),
		Containers:  containers,
	}
}

func failResult(msg string) *types.ExecutionResult {
	return &types.ExecutionResult{
		Success: false,
		Runtime: types.RuntimeContainerPool,
		Error:   msg,
	}
}
