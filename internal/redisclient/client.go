package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_seat_locks.lua
var releaseSeatLocksScript string

//go:embed scripts/refresh_seat_lock.lua
var refreshSeatLockScript string

// Client is the fast lock store: one short-lived key per held seat,
// valued with the id of the booking holding it.
type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	refreshScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseSeatLocksScript),
		refreshScript: redis.NewScript(refreshSeatLockScript),
	}
}

// Ping checks connectivity for the readiness check
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SeatLockKey returns the key guarding a seat
func SeatLockKey(seatID int64) string {
	return fmt.Sprintf("seat:%d:reserved", seatID)
}

// AcquireSeatLock sets the seat key only if absent.
// Returns false when another holder already owns it.
func (c *Client) AcquireSeatLock(ctx context.Context, seatID, bookingID int64, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, SeatLockKey(seatID), bookingID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire seat lock %d: %w", seatID, err)
	}
	return ok, nil
}

// RefreshSeatLock recreates the seat key for bookingID, or resets its TTL
// when bookingID already holds it. Returns false when another booking holds it.
func (c *Client) RefreshSeatLock(ctx context.Context, seatID, bookingID int64, ttl time.Duration) (bool, error) {
	n, err := c.refreshScript.Run(ctx, c.rdb, []string{SeatLockKey(seatID)},
		strconv.FormatInt(bookingID, 10), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh seat lock %d: %w", seatID, err)
	}
	return n == 1, nil
}

// ReleaseSeatLocksHeldBy deletes the keys of the given seats that are still
// held by bookingID. Keys re-acquired by another booking are left alone.
func (c *Client) ReleaseSeatLocksHeldBy(ctx context.Context, bookingID int64, seatIDs ...int64) (int, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = SeatLockKey(id)
	}

	result, err := c.releaseScript.Run(ctx, c.rdb, keys, strconv.FormatInt(bookingID, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("release seat locks script failed: %w", err)
	}

	removed, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}

	return int(removed), nil
}

// SeatLockHolder returns the booking holding the seat, or false when the key is absent
func (c *Client) SeatLockHolder(ctx context.Context, seatID int64) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, SeatLockKey(seatID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get seat lock %d: %w", seatID, err)
	}
	return val, true, nil
}

// SeatLockHolders looks up many seats in one round trip. Seats without a
// lock are absent from the returned map.
func (c *Client) SeatLockHolders(ctx context.Context, seatIDs []int64) (map[int64]int64, error) {
	holders := make(map[int64]int64, len(seatIDs))
	if len(seatIDs) == 0 {
		return holders, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(seatIDs))
	for i, id := range seatIDs {
		cmds[i] = pipe.Get(ctx, SeatLockKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("seat lock pipeline failed: %w", err)
	}

	for i, cmd := range cmds {
		val, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read seat lock %d: %w", seatIDs[i], err)
		}
		holders[seatIDs[i]] = val
	}

	return holders, nil
}
