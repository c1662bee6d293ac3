// Package discovery enumerates the worker endpoints a pool is built from.
// The pool consults a Source exactly once, at initialization; the returned
// set is fixed for the pool's lifetime.
package discovery

import "context"

// Endpoint identifies one sandbox worker. It doubles as the JSON payload
// workers announce over redis.
type Endpoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Addr string `json:"addr"` // base URL, e.g. "http://10.0.0.5:9001"
}

// Source yields the ordered worker endpoints for a pool. Implementations
// must return a deterministic order so slot numbering is stable.
type Source interface {
	Endpoints(ctx context.Context) ([]Endpoint, error)
}
