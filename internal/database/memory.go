package database

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dwallach1/prometheus/internal/model"
)

// MemoryRepository keeps decisions and positions in process memory. It backs
// dry runs without a database and the engine tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	decisions []model.Decision
	positions []model.Position
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Migrate(context.Context) error {
	return nil
}

func (r *MemoryRepository) InsertDecisions(_ context.Context, decisions []model.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range decisions {
		id := d.Header().ID
		for _, existing := range r.decisions {
			if existing.Header().ID == id {
				return fmt.Errorf("decision %s already exists", id)
			}
		}
	}
	r.decisions = append(r.decisions, decisions...)
	return nil
}

func (r *MemoryRepository) RecentDecisions(_ context.Context, env model.Environment, symbol string, limit int) ([]model.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.Decision, 0)
	for _, d := range r.decisions {
		c := d.Header().Context
		if c.Environment == env && c.Symbol == symbol {
			result = append(result, d)
		}
	}
	slices.Reverse(result)
	slices.SortStableFunc(result, func(a, b model.Decision) int {
		return b.Header().CreatedAt.Compare(a.Header().CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Decisions returns every stored decision in insertion order.
func (r *MemoryRepository) Decisions() []model.Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.decisions)
}

// Positions returns every stored position in insertion order.
func (r *MemoryRepository) Positions() []model.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.positions)
}

func (r *MemoryRepository) InsertPosition(_ context.Context, p model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.positions {
		if existing.ID == p.ID || existing.BuyDecisionID == p.BuyDecisionID {
			return fmt.Errorf("position %s already exists", p.ID)
		}
	}
	p.State = model.PositionOpen
	r.positions = append(r.positions, p)
	return nil
}

func (r *MemoryRepository) OpenPositions(_ context.Context, env model.Environment, symbol string) ([]model.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.Position, 0)
	for _, p := range r.positions {
		if p.Environment == env && p.Symbol == symbol && p.State == model.PositionOpen {
			result = append(result, p)
		}
	}
	slices.Reverse(result)
	slices.SortStableFunc(result, func(a, b model.Position) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) ClosePosition(_ context.Context, id string, c Closure) (model.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.positions {
		p := &r.positions[i]
		if p.ID != id {
			continue
		}
		if p.State != model.PositionOpen {
			break
		}
		closedAt := c.ClosedAt
		p.State = model.PositionClosed
		p.ClosePrice = c.ClosePrice
		p.ClosedAt = &closedAt
		p.ClosedBy = c.ClosedBy
		p.Profit = p.ProfitAt(c.ClosePrice)
		return *p, nil
	}
	return model.Position{}, fmt.Errorf("close %s: %w", id, ErrPositionNotOpen)
}

func (r *MemoryRepository) PendingCloses(_ context.Context, env model.Environment, symbol string) ([]PendingClose, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	open := make(map[string]bool)
	for _, p := range r.positions {
		if p.State == model.PositionOpen {
			open[p.ID] = true
		}
	}

	pending := make([]PendingClose, 0)
	for _, d := range r.decisions {
		sell, ok := d.(model.SellDecision)
		if !ok || sell.Context.Environment != env || sell.Context.Symbol != symbol {
			continue
		}
		if slices.ContainsFunc(sell.PositionIDs, func(id string) bool { return open[id] }) {
			pending = append(pending, PendingClose{
				DecisionID:  sell.ID,
				Price:       sell.Context.Price,
				CreatedAt:   sell.CreatedAt,
				PositionIDs: slices.Clone(sell.PositionIDs),
			})
		}
	}
	return pending, nil
}

func (r *MemoryRepository) OrphanedBuys(_ context.Context, env model.Environment, symbol string) ([]model.BuyDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := make(map[string]bool)
	for _, p := range r.positions {
		owned[p.BuyDecisionID] = true
	}

	buys := make([]model.BuyDecision, 0)
	for _, d := range r.decisions {
		buy, ok := d.(model.BuyDecision)
		if !ok || buy.Context.Environment != env || buy.Context.Symbol != symbol || owned[buy.ID] {
			continue
		}
		buys = append(buys, buy)
	}
	return buys, nil
}

// compile-time check
var _ Repository = (*MemoryRepository)(nil)
