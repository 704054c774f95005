package app

import (
	"fmt"

	"github.com/nuetzliches/dtqueue/internal/config"
	"github.com/nuetzliches/dtqueue/internal/queue"
)

// newQueueStore opens the backend named by cfg.Storage and returns it with
// its label.
func newQueueStore(cfg config.Config) (queue.Store, string, error) {
	policy, err := queue.ParseTombstonePolicy(cfg.Tombstones)
	if err != nil {
		return nil, "", err
	}
	sqlOpts := []queue.SQLOption{
		queue.WithPoolSize(cfg.PoolSize),
		queue.WithAcquireTimeout(cfg.PoolTimeout.Duration),
		queue.WithTombstones(policy),
		queue.WithTombstoneRetention(cfg.TombstoneMaxAge.Duration, cfg.TombstonePruneInterval.Duration),
	}

	switch cfg.Storage {
	case queue.BackendSQLite, "":
		store, err := queue.NewSQLiteStore(cfg.DatabasePath, cfg.Queues, sqlOpts...)
		if err != nil {
			return nil, queue.BackendSQLite, err
		}
		return store, store.Backend(), nil
	case queue.BackendPostgres:
		store, err := queue.NewPostgresStore(cfg.PostgresDSN, cfg.Queues, sqlOpts...)
		if err != nil {
			return nil, queue.BackendPostgres, err
		}
		return store, store.Backend(), nil
	case queue.BackendMemory:
		store, err := queue.NewMemoryStore(cfg.Queues)
		if err != nil {
			return nil, queue.BackendMemory, err
		}
		return store, store.Backend(), nil
	default:
		return nil, cfg.Storage, fmt.Errorf("unsupported queue backend %q", cfg.Storage)
	}
}
