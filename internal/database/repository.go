package database

import (
	"context"
	"errors"
	"time"

	"github.com/dwallach1/prometheus/internal/model"
)

// ErrPositionNotOpen is returned when closing a position that is missing or already closed.
var ErrPositionNotOpen = errors.New("position is not open")

// Repository defines the standard interface for database operations.
type Repository interface {
	// InsertDecisions appends decisions to the decision log.
	InsertDecisions(ctx context.Context, decisions []model.Decision) error
	// RecentDecisions returns the latest decisions for a symbol, newest first.
	// A limit below 1 returns all of them.
	RecentDecisions(ctx context.Context, env model.Environment, symbol string, limit int) ([]model.Decision, error)

	InsertPosition(ctx context.Context, position model.Position) error
	// OpenPositions returns the open positions of a symbol, newest first.
	OpenPositions(ctx context.Context, env model.Environment, symbol string) ([]model.Position, error)
	// ClosePosition closes one open position and returns it as stored.
	ClosePosition(ctx context.Context, id string, closure Closure) (model.Position, error)

	// PendingCloses lists persisted sells whose linked positions are still open.
	PendingCloses(ctx context.Context, env model.Environment, symbol string) ([]PendingClose, error)
	// OrphanedBuys lists persisted buys that never got a position.
	OrphanedBuys(ctx context.Context, env model.Environment, symbol string) ([]model.BuyDecision, error)

	Migrate(ctx context.Context) error
}

// Closure carries the fields stamped on a position when it closes.
type Closure struct {
	ClosedBy   string
	ClosePrice float64
	ClosedAt   time.Time
}

// PendingClose is a sell decision whose positions were not all closed.
type PendingClose struct {
	DecisionID  string
	Price       float64
	CreatedAt   time.Time
	PositionIDs []string
}
