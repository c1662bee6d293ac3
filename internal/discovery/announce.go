package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Announcer keeps a worker visible to redis discovery. Each beat SETs
// flowpool:worker:{id} with a TTL so the key auto-expires if the worker
// dies; Stop deletes the key so shutdown is visible immediately.
type Announcer struct {
	rdb  *redis.Client
	self Endpoint
	log  *zap.Logger
	stop chan struct{}
	done chan struct{}
}

// NewAnnouncer connects to redis and prepares to announce the given worker.
func NewAnnouncer(redisURL string, self Endpoint, log *zap.Logger) (*Announcer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb, err := dial(redisURL)
	if err != nil {
		return nil, err
	}
	return &Announcer{
		rdb:  rdb,
		self: self,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Start announces immediately, then refreshes at a third of the TTL.
func (a *Announcer) Start() {
	go func() {
		defer close(a.done)

		a.announce()

		ticker := time.NewTicker(announceTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.announce()
			case <-a.stop:
				return
			}
		}
	}()
}

func (a *Announcer) announce() {
	data, err := json.Marshal(a.self)
	if err != nil {
		a.log.Error("announcer: marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.rdb.Set(ctx, workerKeyPrefix+a.self.ID, data, announceTTL).Err(); err != nil {
		a.log.Warn("announcer: SET failed", zap.Error(err))
	}
}

// Stop halts the refresh loop, deletes the announcement, and closes redis.
func (a *Announcer) Stop() {
	close(a.stop)
	<-a.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.rdb.Del(ctx, workerKeyPrefix+a.self.ID)

	a.rdb.Close()
	a.log.Info("announcer: stopped", zap.String("workerId", a.self.ID))
}
