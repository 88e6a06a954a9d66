package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dwallach1/prometheus/internal/database"
	"github.com/dwallach1/prometheus/internal/model"
)

// Ledger owns the lifecycle of positions in one environment.
type Ledger struct {
	logger *slog.Logger
	repo   database.Repository
	env    model.Environment
	now    func() time.Time
}

func New(logger *slog.Logger, repo database.Repository, env model.Environment) *Ledger {
	return &Ledger{
		logger: logger.With("component", "ledger"),
		repo:   repo,
		env:    env,
		now:    time.Now,
	}
}

// Report summarises a reconciliation sweep.
type Report struct {
	Closed int
	Opened int
}

// OpenPositions returns the open positions of symbol, newest first.
func (l *Ledger) OpenPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	positions, err := l.repo.OpenPositions(ctx, l.env, symbol)
	if err != nil {
		return nil, fmt.Errorf("open positions of %s: %w", symbol, err)
	}
	return positions, nil
}

// CooldownElapsed reports whether enough time passed since the latest open buy of symbol.
func (l *Ledger) CooldownElapsed(ctx context.Context, symbol string, buffer time.Duration) (bool, error) {
	open, err := l.OpenPositions(ctx, symbol)
	if err != nil {
		return false, err
	}
	return CooldownElapsedAt(open, buffer, l.now()), nil
}

// CooldownElapsedAt is true when there is no open position or the newest one
// was opened more than buffer before now.
func CooldownElapsedAt(open []model.Position, buffer time.Duration, now time.Time) bool {
	if len(open) == 0 {
		return true
	}
	newest := open[0].CreatedAt
	for _, p := range open[1:] {
		if p.CreatedAt.After(newest) {
			newest = p.CreatedAt
		}
	}
	return now.Sub(newest) > buffer
}

// Open records the position acquired by a successful buy.
func (l *Ledger) Open(ctx context.Context, buy model.BuyDecision, symbol string) (model.Position, error) {
	id := buy.PositionID
	if id == "" {
		id = uuid.NewString()
	}
	p := model.Position{
		ID:            id,
		BuyDecisionID: buy.ID,
		Environment:   l.env,
		Symbol:        symbol,
		CreatedAt:     buy.CreatedAt,
		Value:         buy.Value,
		Amount:        buy.Amount,
		State:         model.PositionOpen,
	}
	if err := l.repo.InsertPosition(ctx, p); err != nil {
		return model.Position{}, fmt.Errorf("open position for buy %s: %w", buy.ID, err)
	}
	l.logger.Info("Position opened", "symbol", symbol, "positionId", p.ID, "value", p.Value, "amount", p.Amount)
	return p, nil
}

// Close closes every position in ids on behalf of the sell decision
// closedBy. All ids are attempted; failures are joined.
func (l *Ledger) Close(ctx context.Context, ids []string, closedBy string, closePrice float64) ([]model.Position, error) {
	return l.close(ctx, ids, database.Closure{ClosedBy: closedBy, ClosePrice: closePrice, ClosedAt: l.now()})
}

func (l *Ledger) close(ctx context.Context, ids []string, c database.Closure) ([]model.Position, error) {
	closed := make([]model.Position, 0, len(ids))
	var errs []error
	for _, id := range ids {
		p, err := l.repo.ClosePosition(ctx, id, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.logger.Info("Position closed", "symbol", p.Symbol, "positionId", p.ID, "closePrice", p.ClosePrice, "profit", p.Profit)
		closed = append(closed, p)
	}
	return closed, errors.Join(errs...)
}

// Reconcile repairs the state left behind when a decision was persisted but
// the matching position write failed: positions still open under a persisted
// sell are closed, and persisted buys without a position get one.
func (l *Ledger) Reconcile(ctx context.Context, symbol string) (Report, error) {
	var report Report

	pending, err := l.repo.PendingCloses(ctx, l.env, symbol)
	if err != nil {
		return report, fmt.Errorf("pending closes of %s: %w", symbol, err)
	}
	for _, pc := range pending {
		closed, err := l.close(ctx, pc.PositionIDs, database.Closure{ClosedBy: pc.DecisionID, ClosePrice: pc.Price, ClosedAt: pc.CreatedAt})
		report.Closed += len(closed)
		if err != nil && !onlyNotOpen(err) {
			return report, fmt.Errorf("reconcile sell %s: %w", pc.DecisionID, err)
		}
	}

	orphans, err := l.repo.OrphanedBuys(ctx, l.env, symbol)
	if err != nil {
		return report, fmt.Errorf("orphaned buys of %s: %w", symbol, err)
	}
	for _, buy := range orphans {
		if _, err := l.Open(ctx, buy, symbol); err != nil {
			return report, err
		}
		report.Opened++
	}

	if report.Closed > 0 || report.Opened > 0 {
		l.logger.Warn("Ledger reconciled", "symbol", symbol, "closed", report.Closed, "opened", report.Opened)
	}
	return report, nil
}

// onlyNotOpen reports whether every joined error is ErrPositionNotOpen.
func onlyNotOpen(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return errors.Is(err, database.ErrPositionNotOpen)
	}
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, database.ErrPositionNotOpen) {
			return false
		}
	}
	return true
}
