package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edirooss/zmux-mixer/internal/branch"
	"github.com/edirooss/zmux-mixer/internal/compositor"
	"github.com/edirooss/zmux-mixer/internal/ingest"
	"go.uber.org/zap"
)

const programStatusKey = "zmux:program:status"

func ingestStatusKey(sourceID string) string { return "zmux:ingest:" + sourceID + ":status" }
func branchKey(id string) string             { return "zmux:branch:" + id }

// StatusRepository stores the latest status of every pipeline owner.
//
// Entries expire after the configured TTL so a crashed process does not leave
// stale "streaming" records behind. Readers must treat values as snapshots.
type StatusRepository struct {
	client *RedisClient
	log    *zap.Logger
	ttl    time.Duration
}

func newStatusRepository(log *zap.Logger, client *RedisClient, ttl time.Duration) *StatusRepository {
	return &StatusRepository{
		client: client,
		log:    log.Named("status"),
		ttl:    ttl,
	}
}

func (r *StatusRepository) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *StatusRepository) PutIngest(ctx context.Context, st ingest.Status) error {
	return r.set(ctx, ingestStatusKey(st.SourceID), st)
}

func (r *StatusRepository) PutProgram(ctx context.Context, st compositor.Status) error {
	return r.set(ctx, programStatusKey, st)
}

func (r *StatusRepository) PutBranch(ctx context.Context, b branch.Branch) error {
	return r.set(ctx, branchKey(b.ID), b)
}

func (r *StatusRepository) DeleteBranch(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, branchKey(id)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", branchKey(id), err)
	}
	return nil
}
