// Package cache keeps synthesized checklists in Redis for a short time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const generationKey = "checklist:gen"

// ChecklistCache implements engine.ChecklistCache. Template edits bump a
// generation counter that is part of every key, which drops all cached
// checklists at once without scanning. Redis errors are logged and treated
// as cache misses.
type ChecklistCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

var _ engine.ChecklistCache = (*ChecklistCache)(nil)

func NewChecklistCache(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *ChecklistCache {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ChecklistCache{rdb: rdb, ttl: ttl, log: log}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func checklistKey(gen, unitID int64) string {
	return fmt.Sprintf("checklist:g%d:unit:%d", gen, unitID)
}

func (c *ChecklistCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.rdb.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *ChecklistCache) GetChecklist(ctx context.Context, unitID int64) ([]models.ChecklistLine, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.log.Debug("checklist cache unavailable", zap.Error(err))
		return nil, false
	}
	b, err := c.rdb.Get(ctx, checklistKey(gen, unitID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("checklist cache read failed", zap.Int64("unit_id", unitID), zap.Error(err))
		}
		return nil, false
	}
	var lines []models.ChecklistLine
	if err := json.Unmarshal(b, &lines); err != nil {
		c.log.Warn("corrupt checklist cache entry", zap.Int64("unit_id", unitID), zap.Error(err))
		return nil, false
	}
	return lines, true
}

func (c *ChecklistCache) SetChecklist(ctx context.Context, unitID int64, lines []models.ChecklistLine) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, checklistKey(gen, unitID), b, c.ttl).Err(); err != nil {
		c.log.Debug("checklist cache write failed", zap.Int64("unit_id", unitID), zap.Error(err))
	}
}

func (c *ChecklistCache) InvalidateUnit(ctx context.Context, unitID int64) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	if err := c.rdb.Del(ctx, checklistKey(gen, unitID)).Err(); err != nil {
		c.log.Warn("checklist cache invalidation failed", zap.Int64("unit_id", unitID), zap.Error(err))
	}
}

func (c *ChecklistCache) InvalidateAll(ctx context.Context) {
	if err := c.rdb.Incr(ctx, generationKey).Err(); err != nil {
		c.log.Warn("checklist cache flush failed", zap.Error(err))
	}
}
