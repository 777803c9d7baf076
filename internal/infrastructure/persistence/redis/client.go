// Package redis is the boundary to the chat gateway and to presentation
// processes. It reads the voice state the gateway maintains, receives its
// presence changes over pub/sub, and mirrors sessions and level changes back.
//
// Key components:
//   - Client: connection, key layout and JSON helpers
//   - VoiceState: voice.StateReader over the gateway hash
//   - Subscriber: presence changes from the gateway channel
//   - SessionMirror and Notifier: outbound state for other processes
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Addr is host:port.
	Addr string

	// Password is empty when auth is off.
	Password string

	// DB is the database number (0-15).
	DB int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrConnection is returned when the server cannot be reached.
	ErrConnection = errors.New("redis: connection failed")

	// ErrSerialization is returned when a payload cannot be encoded or decoded.
	ErrSerialization = errors.New("redis: serialization failed")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS AND CHANNELS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// ChannelVoiceState carries gateway presence changes.
	ChannelVoiceState = "pubsub:voice_state"

	// ChannelLevelChanged carries level transitions for the nickname collaborator.
	ChannelLevelChanged = "pubsub:level_changed"

	// ChannelRoleSync carries tier role sync requests.
	ChannelRoleSync = "pubsub:role_sync"
)

// VoiceStateKey is the gateway hash of user -> channel for a guild.
func VoiceStateKey(guildID shared.GuildID) string {
	return "voice:state:" + guildID.String()
}

// SessionsKey is the mirror hash of user -> active session for a guild.
func SessionsKey(guildID shared.GuildID) string {
	return "voice:sessions:" + guildID.String()
}

// LevelsKey is the mirror hash of user -> level for a guild.
func LevelsKey(guildID shared.GuildID) string {
	return "voicexp:levels:" + guildID.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	c := &Client{rdb: rdb}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// WrapClient adopts an existing go-redis client.
func WrapClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// publishJSON encodes v and publishes it on channel.
func (c *Client) publishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return c.rdb.Publish(ctx, channel, data).Err()
}

func ignoreNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
