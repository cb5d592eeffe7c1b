package covercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	redisDialTimeout = 5 * time.Second
	redisOpTimeout   = 2 * time.Second
)

// Redis is a Redis-backed Cache. Cached covers survive daemon
// restarts.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	puts   atomic.Int64
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg RedisConfig, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("covercache: redis ping: %w", err)
	}

	logger := log.WithComponent("covercache")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("cover cache backed by redis")

	return &Redis{client: client, logger: logger, ttl: ttl}, nil
}

func coverKey(songID string) string { return "infinitune:cover:" + songID }

// Put stores a cover under the song id. Failures are logged and
// swallowed: a missing cover is re-fetched at save time.
func (r *Redis) Put(songID string, cover Cover) {
	if songID == "" || len(cover.Bytes) == 0 {
		return
	}
	data, err := json.Marshal(cover)
	if err != nil {
		r.logger.Warn().Err(err).Str(log.FieldSongID, songID).Msg("cover marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, coverKey(songID), data, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str(log.FieldSongID, songID).Msg("cover cache set failed")
		return
	}
	r.puts.Add(1)
}

// Get returns the cover for the song, if present.
func (r *Redis) Get(songID string) (Cover, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, coverKey(songID)).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return Cover{}, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str(log.FieldSongID, songID).Msg("cover cache get failed")
		r.misses.Add(1)
		return Cover{}, false
	}

	var cover Cover
	if err := json.Unmarshal(raw, &cover); err != nil || len(cover.Bytes) == 0 {
		r.logger.Warn().Err(err).Str(log.FieldSongID, songID).Msg("cover cache entry corrupt")
		r.misses.Add(1)
		return Cover{}, false
	}
	r.hits.Add(1)
	return cover, true
}

// Delete removes the cover for the song.
func (r *Redis) Delete(songID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, coverKey(songID)).Err(); err != nil {
		r.logger.Warn().Err(err).Str(log.FieldSongID, songID).Msg("cover cache delete failed")
	}
}

// Stats returns cache counters. CurrentSize reflects the whole Redis
// database.
func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	size, err := r.client.DBSize(ctx).Result()
	if err != nil {
		size = 0
	}
	return Stats{
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		Puts:        r.puts.Load(),
		CurrentSize: int(size),
	}
}

// HealthCheck reports whether Redis answers a ping.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
