// Package repo publishes engine status snapshots to Redis for dashboards and
// other processes. Nothing in the engine reads them back to make decisions.
package repo

import "go.uber.org/zap"

type Repository struct {
	log    *zap.Logger
	client *RedisClient

	Status *StatusRepository
}

func NewRepository(log *zap.Logger, cfg Config) *Repository {
	log = log.Named("repo")
	client := newRedisClient(log, cfg)

	return &Repository{
		log:    log,
		client: client,
		Status: newStatusRepository(log, client, cfg.StatusTTL),
	}
}

func (r *Repository) Client() *RedisClient { return r.client }

func (r *Repository) Close() error { return r.client.Close() }
