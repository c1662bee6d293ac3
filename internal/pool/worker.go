package pool

import "sync/atomic"

// Worker is one slot in the pool: an immutable identity plus two state
// flags with strict ownership. The prober is the only writer of healthy;
// busy is set inside the manager's claim section and cleared on release.
type Worker struct {
	ID   string
	Name string
	Addr string // base URL, e.g. "http://localhost:9001"

	healthy atomic.Bool
	busy    atomic.Bool
}

// NewWorker builds an idle, unhealthy worker. It stays unhealthy until the
// first probe succeeds.
func NewWorker(id, name, addr string) *Worker {
	return &Worker{ID: id, Name: name, Addr: addr}
}

// Healthy reports the last probe verdict.
func (w *Worker) Healthy() bool { return w.healthy.Load() }

// Busy reports whether an execution currently holds this worker.
func (w *Worker) Busy() bool { return w.busy.Load() }

func (w *Worker) setHealthy(v bool) { w.healthy.Store(v) }
