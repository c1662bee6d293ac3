package types

// ContainerStatus is the public state of one worker slot.
type ContainerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Healthy bool   `json:"isHealthy"`
	Busy    bool   `json:"isBusy"`
}

// PoolStatus is the snapshot returned by the pool status endpoint.
// Containers are listed in slot (insertion) order.
type PoolStatus struct {
	Initialized bool              `json:"initialized"`
	PoolSize    int               `json:"poolSize"`
	Containers  []ContainerStatus `json:"containers"`
}
