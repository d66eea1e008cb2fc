package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/metrics"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

// snapshotTTL bounds cache staleness; the authoritative copy is always the
// inner adapter.
const snapshotTTL = 10 * time.Minute

// Cached is a read-through snapshot cache in front of another Adapter. Cache
// failures degrade gracefully: a circuit breaker trips on repeated Redis
// errors and the cache is bypassed until it recovers. Writes always reach the
// inner adapter first.
type Cached struct {
	inner  Adapter
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewCached wraps inner with a Redis snapshot cache.
func NewCached(ctx context.Context, inner Adapter, addr, password string) (*Cached, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "snapshot_cache",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("snapshot_cache").Set(stateVal)
		},
	}

	logging.Info(ctx, "Connected to Redis snapshot cache", zap.String("addr", addr))
	return &Cached{
		inner:  inner,
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewCachedWithClient wraps inner using an existing client. Tests use this
// with miniredis.
func NewCachedWithClient(inner Adapter, client *redis.Client) *Cached {
	return &Cached{
		inner:  inner,
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "snapshot_cache"}),
	}
}

// Client exposes the underlying Redis client so other components (rate
// limiting) can share the connection pool.
func (c *Cached) Client() *redis.Client {
	return c.client
}

func cacheKey(docID types.DocIDType) string {
	return fmt.Sprintf("collab:doc:%s:snapshot", docID)
}

func (c *Cached) LoadSnapshot(ctx context.Context, docID types.DocIDType) (Snapshot, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, cacheKey(docID)).Bytes()
	})
	if err == nil {
		var snap Snapshot
		if jsonErr := json.Unmarshal(res.([]byte), &snap); jsonErr == nil {
			return snap, nil
		}
		// Poisoned entry; fall through to the inner adapter and rewrite it.
	} else if !errors.Is(err, redis.Nil) && !errors.Is(err, gobreaker.ErrOpenState) {
		logging.Warn(ctx, "Snapshot cache read failed", zap.String("doc_id", string(docID)), zap.Error(err))
	}

	snap, err := c.inner.LoadSnapshot(ctx, docID)
	if err != nil {
		return Snapshot{}, err
	}
	c.fill(ctx, snap)
	return snap, nil
}

func (c *Cached) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := c.inner.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	c.fill(ctx, snap)
	return nil
}

// fill writes through to the cache, best effort.
func (c *Cached) fill(ctx context.Context, snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, cacheKey(snap.DocID), data, snapshotTTL).Err()
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
		logging.Warn(ctx, "Snapshot cache write failed", zap.String("doc_id", string(snap.DocID)), zap.Error(err))
	}
}

func (c *Cached) AppendOps(ctx context.Context, docID types.DocIDType, recs []OpRecord) error {
	return c.inner.AppendOps(ctx, docID, recs)
}

func (c *Cached) LoadOpsSince(ctx context.Context, docID types.DocIDType, sinceVersion int) ([]OpRecord, error) {
	return c.inner.LoadOpsSince(ctx, docID, sinceVersion)
}

func (c *Cached) ResolveAccess(ctx context.Context, docID types.DocIDType, userID types.UserIDType) (types.AccessLevel, error) {
	return c.inner.ResolveAccess(ctx, docID, userID)
}

// Ping checks the inner adapter; the cache being down is degraded, not
// unhealthy.
func (c *Cached) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// PingCache checks Redis for the readiness endpoint's degraded flag.
func (c *Cached) PingCache(ctx context.Context) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Ping(ctx).Err()
	})
	return err
}

func (c *Cached) Close() error {
	if err := c.client.Close(); err != nil {
		c.inner.Close()
		return err
	}
	return c.inner.Close()
}
