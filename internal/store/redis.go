package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// position reads. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary. Orders are not
// cached — the append log is read rarely and must stay authoritative.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.PutPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.Ticker), positionsListKey)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, ticker string, version int64) error {
	if err := s.primary.DeletePosition(ctx, ticker, version); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(ticker), positionsListKey)
	return nil
}

func (s *CachedStore) AppendOrder(ctx context.Context, o *model.Order) error {
	return s.primary.AppendOrder(ctx, o)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, ticker string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(ticker)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(ticker), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsListKey).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsListKey, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOrders(ctx)
}

// --- Cache keys ---

const positionsListKey = "positions:all"

func positionKey(ticker string) string { return fmt.Sprintf("position:%s", ticker) }
