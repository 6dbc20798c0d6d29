package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/foliotrack/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	orders    []model.Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) GetPosition(_ context.Context, ticker string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	// Return a copy to avoid external mutation.
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Ticker < positions[j].Ticker
	})
	return positions, nil
}

func (s *MemoryStore) PutPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[p.Ticker]
	if p.Version == 0 {
		if ok {
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, p.Ticker)
		}
	} else {
		if !ok {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, p.Ticker)
		}
		if existing.Version != p.Version {
			return fmt.Errorf("%w: %s read v%d, stored v%d",
				ErrVersionConflict, p.Ticker, p.Version, existing.Version)
		}
	}

	p.Version++
	copy := *p
	s.positions[p.Ticker] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, ticker string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	if existing.Version != version {
		return fmt.Errorf("%w: %s read v%d, stored v%d",
			ErrVersionConflict, ticker, version, existing.Version)
	}
	delete(s.positions, ticker)
	return nil
}

func (s *MemoryStore) AppendOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, len(s.orders))
	copy(orders, s.orders)
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].TradeDate.Equal(orders[j].TradeDate) {
			return orders[i].TradeDate.Before(orders[j].TradeDate)
		}
		return orders[i].RecordedAt.Before(orders[j].RecordedAt)
	})
	return orders, nil
}
