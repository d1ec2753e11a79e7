// Package redis caches the latest session snapshot and keeps live counters
// and the minting leaderboard for BLOCKGRAVE.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout
const (
	keyLeaderboard = "leaderboard:minted"
	keyLinks       = "counter:links"
	keyEvents      = "counter:events"
)

func snapshotKey(sessionID string) string { return fmt.Sprintf("snapshot:%s", sessionID) }

func tradeKey(side string) string { return fmt.Sprintf("counter:trades:%s", side) }

// Client wraps Redis operations
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// options builds go-redis options from the URL and tuning fields.
func (cfg *Config) options() (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Snapshot cache

// SetSnapshot stores the latest snapshot of a session with expiration
func (c *Client) SetSnapshot(ctx context.Context, sessionID string, snap any, expiration time.Duration) error {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, snapshotKey(sessionID), jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached snapshot of a session into dest
func (c *Client) GetSnapshot(ctx context.Context, sessionID string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("snapshot not cached")
		}
		return fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return nil
}

// Counters and leaderboard

// RecordMint credits owner on the minting leaderboard and counts the link
func (c *Client) RecordMint(ctx context.Context, owner string, value float64) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZIncrBy(ctx, keyLeaderboard, value, owner)
	pipe.Incr(ctx, keyLinks)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record mint: %w", err)
	}
	return nil
}

// RecordTrade counts a trade by side
func (c *Client) RecordTrade(ctx context.Context, side string) error {
	if err := c.rdb.Incr(ctx, tradeKey(side)).Err(); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecordEvent counts a market event by kind
func (c *Client) RecordEvent(ctx context.Context, kind string) error {
	if err := c.rdb.HIncrBy(ctx, keyEvents, kind, 1).Err(); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Counters returns links minted, trades per side and events per kind.
func (c *Client) Counters(ctx context.Context) (*Counters, error) {
	pipe := c.rdb.Pipeline()
	links := pipe.Get(ctx, keyLinks)
	buys := pipe.Get(ctx, tradeKey("buy"))
	sells := pipe.Get(ctx, tradeKey("sell"))
	evs := pipe.HGetAll(ctx, keyEvents)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	out := &Counters{Events: make(map[string]int64)}
	out.Links, _ = links.Int64()
	out.Buys, _ = buys.Int64()
	out.Sells, _ = sells.Int64()
	for kind, v := range evs.Val() {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out.Events[kind] = n
		}
	}
	return out, nil
}

// TopMinters returns the n owners with the highest minted value
func (c *Client) TopMinters(ctx context.Context, n int64) ([]LeaderboardEntry, error) {
	zs, err := c.rdb.ZRevRangeWithScores(ctx, keyLeaderboard, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	out := make([]LeaderboardEntry, 0, len(zs))
	for i, z := range zs {
		owner, _ := z.Member.(string)
		out = append(out, LeaderboardEntry{Rank: i + 1, Owner: owner, MintedValue: z.Score})
	}
	return out, nil
}

// Data structures

// LeaderboardEntry is one row of the minting leaderboard
type LeaderboardEntry struct {
	Rank        int     `json:"rank"`
	Owner       string  `json:"owner"`
	MintedValue float64 `json:"minted_value"`
}

// Counters is a point-in-time read of the live counters
type Counters struct {
	Links  int64            `json:"links"`
	Buys   int64            `json:"buys"`
	Sells  int64            `json:"sells"`
	Events map[string]int64 `json:"events"`
}
