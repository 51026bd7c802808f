// Package runstatus keeps the latest run summary per target in Redis.
package runstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Summary is the last known outcome of a target's run.
type Summary struct {
	RunID      string         `json:"run_id"`
	Target     string         `json:"target"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Items      int            `json:"items"`
	Stats      pipeline.Stats `json:"stats"`
	Error      string         `json:"error,omitempty"`
}

// Summarize condenses a run result and its error.
func Summarize(res pipeline.Result, runErr error) Summary {
	s := Summary{
		RunID:      res.RunID,
		Target:     res.Target,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Items:      len(res.Items),
		Stats:      res.Stats,
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	return s
}

type kv interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Store reads and writes summaries.
type Store struct {
	client kv
	prefix string
	ttl    time.Duration
}

// New initializes a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client kv, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "harvester:last_run:"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Record stores the summary of a finished run.
func (s *Store) Record(ctx context.Context, res pipeline.Result, runErr error) error {
	if res.Target == "" {
		return fmt.Errorf("target is required")
	}
	payload, err := json.Marshal(Summarize(res, runErr))
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+res.Target, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set last run for %s: %w", res.Target, err)
	}
	return nil
}

// Last returns the latest summary for target. ok is false when none exists.
func (s *Store) Last(ctx context.Context, target string) (Summary, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+target).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}
	var sum Summary
	if err := json.Unmarshal([]byte(val), &sum); err != nil {
		return Summary{}, false, fmt.Errorf("decode last run for %s: %w", target, err)
	}
	return sum, true, nil
}
