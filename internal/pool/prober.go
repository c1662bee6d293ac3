package pool

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowpool/flowpool/internal/metrics"
)

// Prober owns the healthy flag on every worker: nothing else writes it.
// The pool runs one synchronous ProbeAll during initialization, then Start
// re-probes at a fixed interval until Stop.
type Prober struct {
	workers  []*Worker
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewProber builds a prober over the pool's worker slots. timeout caps a
// single probe request.
func NewProber(workers []*Worker, interval, timeout time.Duration, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{
		workers:  workers,
		interval: interval,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:  log,
		stop: make(chan struct{}),
	}
}

// ProbeAll probes every worker concurrently and returns once all verdicts
// are in. Busy workers are probed too; an unhealthy verdict never
// interrupts an in-flight execution, it only blocks future claims.
func (p *Prober) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			p.probe(ctx, w)
			return nil
		})
	}
	// Probes report by flipping flags, never by error.
	_ = g.Wait()

	healthy := 0
	for _, w := range p.workers {
		if w.Healthy() {
			healthy++
		}
	}
	metrics.WorkersHealthy.Set(float64(healthy))
}

// Start launches the interval loop. The initial pass is the caller's job.
func (p *Prober) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.ProbeAll(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-progress pass to finish.
func (p *Prober) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// probe runs one liveness check and flips the worker's flag to the
// verdict. State transitions are logged; steady state is quiet.
func (p *Prober) probe(ctx context.Context, w *Worker) {
	alive := p.check(ctx, w)

	was := w.Healthy()
	w.setHealthy(alive)

	if alive {
		metrics.ProbesTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues("fail").Inc()
	}

	if alive != was {
		if alive {
			p.log.Info("prober: container healthy", zap.String("containerId", w.ID))
		} else {
			p.log.Warn("prober: container unhealthy",
				zap.String("containerId", w.ID),
				zap.String("addr", w.Addr))
		}
	}
}

// check performs the HTTP liveness request: anything below 400 is alive.
func (p *Prober) check(ctx context.Context, w *Worker) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < 400
}
