package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpool/flowpool/internal/discovery"
	"github.com/flowpool/flowpool/pkg/types"
)

// newFakeWorker starts an httptest sandbox that answers /health with 200
// and /execute with the given handler.
func newFakeWorker(t *testing.T, execute http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","role":"worker"}`))
	})
	mux.HandleFunc("/execute", execute)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// echoFlowHandler mimics a sandbox running the greeting flow: it reads
// input.message and answers with the composed result.
func echoFlowHandler(w http.ResponseWriter, r *http.Request) {
	var req types.SandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var input struct {
		Message string `json:"message"`
	}
	json.Unmarshal(req.Input, &input)

	result := fmt.Sprintf(`{"result":"Hello from pool: %s","executedBy":"container-pool"}`, input.Message)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.SandboxResponse{Success: true, Result: json.RawMessage(result)})
}

func sandboxErrorHandler(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: false, Error: msg})
	}
}

// newTestManager builds and initializes a pool over the given worker URLs.
// The probe interval is long so tests control health via the initial pass.
func newTestManager(t *testing.T, addrs []string, cfg Config) *Manager {
	t.Helper()
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = time.Hour
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	m := NewManager(cfg, discovery.NewStatic(addrs), nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

// closedAddr returns a URL nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := "http://" + l.Addr().String()
	l.Close()
	return addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecuteFlowSuccess(t *testing.T) {
	srv := newFakeWorker(t, echoFlowHandler)
	m := newTestManager(t, []string{srv.URL}, Config{})

	res, err := m.ExecuteFlow(context.Background(),
		`return { result: "Hello from pool: " + input.message, executedBy: "container-pool" };`,
		json.RawMessage(`{"message":"Pool Test"}`),
		types.ExecutionConfig{FlowID: "flow-1"})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Runtime != "container-pool" {
		t.Errorf("runtime = %q, want container-pool", res.Runtime)
	}
	if !strings.Contains(string(res.Result), "Hello from pool: Pool Test") {
		t.Errorf("result missing greeting: %s", res.Result)
	}
	if res.Meta.ContainerID != "pool-container-1" {
		t.Errorf("containerId = %q, want pool-container-1", res.Meta.ContainerID)
	}
	if res.Meta.DurationMs < 0 {
		t.Errorf("duration = %d, want >= 0", res.Meta.DurationMs)
	}
}

func TestExecuteFlowForwardsRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		received types.SandboxRequest
	)
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true, Result: json.RawMessage(`null`)})
	})
	m := newTestManager(t, []string{srv.URL}, Config{WorkTimeout: 5 * time.Second})

	_, err := m.ExecuteFlow(context.Background(), "return 1;",
		json.RawMessage(`{"k":"v"}`),
		types.ExecutionConfig{FlowID: "flow-42"})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Code != "return 1;" {
		t.Errorf("worker saw code %q", received.Code)
	}
	if string(received.Input) != `{"k":"v"}` {
		t.Errorf("worker saw input %s", received.Input)
	}
	if received.FlowID != "flow-42" {
		t.Errorf("worker saw flowId %q", received.FlowID)
	}
	if received.TimeoutMs != 5000 {
		t.Errorf("worker saw timeoutMs %d, want 5000", received.TimeoutMs)
	}
}

func TestExecuteFlowBeforeInitialize(t *testing.T) {
	m := NewManager(Config{}, discovery.NewStatic(nil), nil)

	_, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestExecuteFlowSandboxErrorSurfacedVerbatim(t *testing.T) {
	srv := newFakeWorker(t, sandboxErrorHandler("Error: Test error from pool container"))
	m := newTestManager(t, []string{srv.URL}, Config{})

	res, err := m.ExecuteFlow(context.Background(),
		`throw new Error("Test error from pool container");`, nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}

	if res.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Error, "Test error from pool container") {
		t.Errorf("error %q does not surface the sandbox message", res.Error)
	}
	if res.Meta.ContainerID == "" {
		t.Error("expected containerId for an engaged worker")
	}
	if res.Runtime != "container-pool" {
		t.Errorf("runtime = %q, want container-pool", res.Runtime)
	}
}

func TestExecuteFlowWorkerErrorStatus(t *testing.T) {
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"engine exploded"}`))
	})
	m := newTestManager(t, []string{srv.URL}, Config{})

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "engine exploded" {
		t.Errorf("error = %q, want the worker's message verbatim", res.Error)
	}
}

func TestExecuteFlowWorkerErrorStatusNoBody(t *testing.T) {
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	m := newTestManager(t, []string{srv.URL}, Config{})

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "container returned status 502" {
		t.Errorf("error = %q, want container returned status 502", res.Error)
	}
}

func TestExecuteFlowMalformedResponse(t *testing.T) {
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	})
	m := newTestManager(t, []string{srv.URL}, Config{})

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Error, "invalid response from container") {
		t.Errorf("error = %q, want invalid-response message", res.Error)
	}
}

func TestExecuteFlowNoCapacity(t *testing.T) {
	block := make(chan struct{})
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true, Result: json.RawMessage(`1`)})
	})
	m := newTestManager(t, []string{srv.URL}, Config{WorkTimeout: 5 * time.Second})

	done := make(chan *types.ExecutionResult, 1)
	go func() {
		res, _ := m.ExecuteFlow(context.Background(), "slow", nil, types.ExecutionConfig{})
		done <- res
	}()

	waitFor(t, "worker claimed", func() bool {
		return m.Status().Containers[0].Busy
	})

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result on saturated pool")
	}
	if res.Error != "No available containers in pool" {
		t.Errorf("error = %q, want exact no-capacity text", res.Error)
	}
	if res.Meta.ContainerID != "" {
		t.Errorf("containerId = %q, want empty when nothing was claimed", res.Meta.ContainerID)
	}
	if res.Meta.DurationMs < 0 {
		t.Errorf("duration = %d, want >= 0", res.Meta.DurationMs)
	}

	close(block)
	first := <-done
	if !first.Success {
		t.Errorf("blocked execution should still succeed, got %q", first.Error)
	}
}

func TestExecuteFlowAllWorkersUnhealthy(t *testing.T) {
	m := newTestManager(t, []string{closedAddr(t)}, Config{})

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "No available containers in pool" {
		t.Errorf("error = %q, want exact no-capacity text", res.Error)
	}
}

func TestExecuteFlowTimeoutReleasesWorker(t *testing.T) {
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.SandboxRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Code == "slow" {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true, Result: json.RawMessage(`"fast"`)})
	})
	m := newTestManager(t, []string{srv.URL}, Config{WorkTimeout: 100 * time.Millisecond})

	res, err := m.ExecuteFlow(context.Background(), "slow", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "Execution timed out" {
		t.Errorf("error = %q, want exact timeout text", res.Error)
	}
	if res.Meta.ContainerID != "pool-container-1" {
		t.Errorf("containerId = %q, want the engaged worker", res.Meta.ContainerID)
	}
	if res.Meta.DurationMs < 100 || res.Meta.DurationMs > 1500 {
		t.Errorf("duration = %dms, want roughly the 100ms budget", res.Meta.DurationMs)
	}

	// The slot must be free again: a follow-up call claims the same worker.
	if busy := m.Status().Containers[0].Busy; busy {
		t.Fatal("worker still busy after timeout")
	}
	res2, err := m.ExecuteFlow(context.Background(), "fast", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if !res2.Success {
		t.Fatalf("follow-up execution failed: %q", res2.Error)
	}
	if res2.Meta.ContainerID != "pool-container-1" {
		t.Errorf("follow-up containerId = %q, want pool-container-1", res2.Meta.ContainerID)
	}
}

func TestExecuteFlowPerCallTimeoutOverride(t *testing.T) {
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
			return
		}
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true})
	})
	m := newTestManager(t, []string{srv.URL}, Config{WorkTimeout: 10 * time.Second})

	start := time.Now()
	res, err := m.ExecuteFlow(context.Background(), "slow", nil, types.ExecutionConfig{TimeoutMs: 100})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Error != "Execution timed out" {
		t.Errorf("error = %q, want timeout text", res.Error)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("override ignored, call took %v", elapsed)
	}
}

func TestExecuteFlowDistinctContainersConcurrent(t *testing.T) {
	const n = 3

	var (
		mu      sync.Mutex
		arrived int
	)
	ready := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrived++
		if arrived == n {
			close(ready)
		}
		mu.Unlock()

		select {
		case <-ready:
		case <-time.After(2 * time.Second):
		}
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true, Result: json.RawMessage(`1`)})
	}

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = newFakeWorker(t, handler).URL
	}
	m := newTestManager(t, addrs, Config{WorkTimeout: 5 * time.Second})

	results := make(chan *types.ExecutionResult, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
			if err != nil {
				t.Errorf("ExecuteFlow() error: %v", err)
			}
			results <- res
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		res := <-results
		if !res.Success {
			t.Fatalf("execution failed: %q", res.Error)
		}
		if seen[res.Meta.ContainerID] {
			t.Fatalf("container %s claimed twice", res.Meta.ContainerID)
		}
		seen[res.Meta.ContainerID] = true
	}
}

func TestExecuteFlowTransportFailure(t *testing.T) {
	srv := newFakeWorker(t, echoFlowHandler)
	m := newTestManager(t, []string{srv.URL}, Config{})

	srv.Close()

	res, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{})
	if err != nil {
		t.Fatalf("ExecuteFlow() error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Error, "unreachable") || !strings.Contains(res.Error, "pool-container-1") {
		t.Errorf("error = %q, want unreachable message naming the container", res.Error)
	}
	if res.Meta.ContainerID != "pool-container-1" {
		t.Errorf("containerId = %q, want pool-container-1", res.Meta.ContainerID)
	}
}

func TestClaimOrderDeterministic(t *testing.T) {
	srv1 := newFakeWorker(t, echoFlowHandler)
	srv2 := newFakeWorker(t, echoFlowHandler)
	m := newTestManager(t, []string{srv1.URL, srv2.URL}, Config{})

	for i := 0; i < 3; i++ {
		res, err := m.ExecuteFlow(context.Background(), "return 1;",
			json.RawMessage(`{"message":"x"}`), types.ExecutionConfig{})
		if err != nil {
			t.Fatalf("ExecuteFlow() error: %v", err)
		}
		if res.Meta.ContainerID != "pool-container-1" {
			t.Errorf("sequential call %d went to %s, want first slot", i, res.Meta.ContainerID)
		}
	}
}

func TestInitializeIdempotent(t *testing.T) {
	srv := newFakeWorker(t, echoFlowHandler)
	m := newTestManager(t, []string{srv.URL}, Config{})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error: %v", err)
	}
	if got := m.Status().PoolSize; got != 1 {
		t.Errorf("pool size changed after re-initialize: %d", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	srv := newFakeWorker(t, echoFlowHandler)
	m := newTestManager(t, []string{srv.URL}, Config{})

	m.Shutdown()
	m.Shutdown() // second call must be a silent no-op

	if _, err := m.ExecuteFlow(context.Background(), "return 1;", nil, types.ExecutionConfig{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown on re-initialize, got %v", err)
	}

	status := m.Status()
	if status.Initialized {
		t.Error("status still initialized after shutdown")
	}
	if status.PoolSize != 1 {
		t.Errorf("expected last-known pool size 1, got %d", status.PoolSize)
	}
}

func TestStatusLifecycle(t *testing.T) {
	srv1 := newFakeWorker(t, echoFlowHandler)
	srv2 := newFakeWorker(t, echoFlowHandler)

	m := NewManager(Config{ProbeInterval: time.Hour, ProbeTimeout: 500 * time.Millisecond},
		discovery.NewStatic([]string{srv1.URL, srv2.URL}), nil)

	before := m.Status()
	if before.Initialized || before.PoolSize != 0 || len(before.Containers) != 0 {
		t.Errorf("unexpected pre-initialize status: %+v", before)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	defer m.Shutdown()

	status := m.Status()
	if !status.Initialized {
		t.Error("expected initialized status")
	}
	if status.PoolSize != 2 || len(status.Containers) != 2 {
		t.Fatalf("expected 2 containers, got %+v", status)
	}
	for i, want := range []string{"pool-container-1", "pool-container-2"} {
		c := status.Containers[i]
		if c.ID != want {
			t.Errorf("container %d = %s, want %s (slot order)", i, c.ID, want)
		}
		if !c.Healthy {
			t.Errorf("container %s not healthy after initial probe", c.ID)
		}
		if c.Busy {
			t.Errorf("container %s busy with no executions", c.ID)
		}
	}
}

func TestStatusReflectsBusyDuringExecution(t *testing.T) {
	block := make(chan struct{})
	srv := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
		json.NewEncoder(w).Encode(types.SandboxResponse{Success: true})
	})
	m := newTestManager(t, []string{srv.URL}, Config{WorkTimeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		m.ExecuteFlow(context.Background(), "slow", nil, types.ExecutionConfig{})
		close(done)
	}()

	waitFor(t, "busy flag", func() bool { return m.Status().Containers[0].Busy })

	close(block)
	<-done

	waitFor(t, "release", func() bool { return !m.Status().Containers[0].Busy })
}
