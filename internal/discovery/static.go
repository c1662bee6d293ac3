package discovery

import (
	"context"
	"fmt"
)

// StaticSource serves a fixed endpoint list known at construction time.
type StaticSource struct {
	endpoints []Endpoint
}

// NewStatic builds a source from explicit base URLs. Slot identity derives
// from position: the i-th address becomes pool-container-i.
func NewStatic(addrs []string) *StaticSource {
	endpoints := make([]Endpoint, 0, len(addrs))
	for i, addr := range addrs {
		id := fmt.Sprintf("pool-container-%d", i+1)
		endpoints = append(endpoints, Endpoint{ID: id, Name: id, Addr: addr})
	}
	return &StaticSource{endpoints: endpoints}
}

// NewPattern builds a source for count workers on consecutive ports:
// slot i listens on host:basePort+i-1.
func NewPattern(host string, basePort, count int) *StaticSource {
	endpoints := make([]Endpoint, 0, count)
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("pool-container-%d", i)
		endpoints = append(endpoints, Endpoint{
			ID:   id,
			Name: id,
			Addr: fmt.Sprintf("http://%s:%d", host, basePort+i-1),
		})
	}
	return &StaticSource{endpoints: endpoints}
}

// Endpoints returns the fixed list.
func (s *StaticSource) Endpoints(_ context.Context) ([]Endpoint, error) {
	out := make([]Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out, nil
}
