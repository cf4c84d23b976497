package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-backend/internal/model"
)

// RedisClient mirrors each session's recent stroke events in Redis. The
// in-memory log stays authoritative; the mirror only warms a fresh log when a
// Closed session re-activates, so late rejoiners after an idle teardown still
// see the recent canvas.
type RedisClient struct {
	client    *redis.Client
	retention int64
	ttl       time.Duration
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(addr, password string, db, retention int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{
		client:    client,
		retention: int64(retention),
		ttl:       24 * time.Hour,
	}, nil
}

func strokeKey(sessionID string) string {
	return "session:" + sessionID + ":strokes"
}

// AddStroke appends a stroke event to the session's mirror, trimmed to the
// retention window.
func (r *RedisClient) AddStroke(ctx context.Context, sessionID string, ev model.StrokeEvent) error {
	key := strokeKey(sessionID)

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -r.retention, -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Redis] Failed to mirror stroke for session %s: %v", sessionID, err)
		return err
	}
	return nil
}

// GetStrokes returns the mirrored stroke events for a session in order.
func (r *RedisClient) GetStrokes(ctx context.Context, sessionID string) ([]model.StrokeEvent, error) {
	results, err := r.client.LRange(ctx, strokeKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]model.StrokeEvent, 0, len(results))
	for _, data := range results {
		var ev model.StrokeEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ClearSession drops the mirror for a session, used on a canvas clear.
func (r *RedisClient) ClearSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, strokeKey(sessionID)).Err()
}

// Health checks the Redis connection.
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
