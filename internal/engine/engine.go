package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dwallach1/prometheus/internal/config"
	"github.com/dwallach1/prometheus/internal/ledger"
	"github.com/dwallach1/prometheus/internal/model"
	"github.com/dwallach1/prometheus/internal/recovery"
)

var (
	ErrOrderPreviewRejected  = errors.New("order preview rejected")
	ErrOrderSubmissionFailed = errors.New("order submission failed")
)

// MarketData supplies the snapshot a cycle is evaluated against.
type MarketData interface {
	Snapshot(ctx context.Context, asset model.Asset) (model.Snapshot, error)
}

// Positions is the position ledger of one environment.
type Positions interface {
	OpenPositions(ctx context.Context, symbol string) ([]model.Position, error)
	Open(ctx context.Context, buy model.BuyDecision, symbol string) (model.Position, error)
	Close(ctx context.Context, ids []string, closedBy string, closePrice float64) ([]model.Position, error)
}

// Orders previews and places market orders.
type Orders interface {
	PreviewOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}

// Confirmer holds a qualified buy back until the dip shows signs of recovery.
type Confirmer interface {
	Confirm(ctx context.Context, asset model.Asset, revalidate recovery.Revalidate) (recovery.Outcome, error)
}

// DecisionLog persists decisions.
type DecisionLog interface {
	InsertDecisions(ctx context.Context, decisions []model.Decision) error
}

// Dependencies groups the collaborators of the engine.
type Dependencies struct {
	Market    MarketData
	Positions Positions
	Orders    Orders
	Recovery  Confirmer
	Decisions DecisionLog
}

// Engine evaluates one asset per call and records what it decided.
type Engine struct {
	logger *slog.Logger
	deps   Dependencies
	env    model.Environment
	cfg    config.TradingConfig
	now    func() time.Time
}

// NewEngine creates a new decision engine.
func NewEngine(logger *slog.Logger, env model.Environment, cfg config.TradingConfig, deps Dependencies) *Engine {
	return &Engine{
		logger: logger,
		deps:   deps,
		env:    env,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Cycle is the result of one evaluation.
type Cycle struct {
	ID        string
	Symbol    string
	Snapshot  model.Snapshot
	Decisions []model.Decision
	Opened    []model.Position
	Closed    []model.Position
}

// evaluation carries the mutable state of a single cycle.
type evaluation struct {
	logger *slog.Logger
	asset  model.Asset
	snap   model.Snapshot
	open   []model.Position
	ctx    model.Context
}

// Evaluate runs one cycle for asset: snapshot, buy path, sell path, then
// persistence. Market data failures abort the cycle before anything is
// recorded. Order failures are recorded as FAILED_TRADE and never abort it.
func (e *Engine) Evaluate(ctx context.Context, asset model.Asset) (Cycle, error) {
	cycle := Cycle{ID: uuid.NewString(), Symbol: asset.Symbol}
	logger := e.logger.With("symbol", asset.Symbol, "cycle", cycle.ID)

	ev := &evaluation{logger: logger, asset: asset}
	if err := e.refresh(ctx, ev); err != nil {
		logger.Error("Failed to fetch market state, skipping cycle", "error", err)
		return cycle, err
	}

	buy, err := e.buyPath(ctx, ev)
	if err != nil {
		logger.Error("Buy path aborted the cycle", "error", err)
		return cycle, err
	}
	cycle.Snapshot = ev.snap

	var decisions []model.Decision
	if buy != nil {
		decisions = append(decisions, buy)
	}
	if sell := e.sellPath(ctx, ev); sell != nil {
		decisions = append(decisions, sell)
	}
	if len(decisions) == 0 {
		decisions = append(decisions, model.SkipDecision{Record: e.record(model.KindSkip, ev.ctx)})
	}
	cycle.Decisions = decisions

	return cycle, e.persist(ctx, ev, &cycle)
}

// refresh pulls a fresh snapshot and the open positions and recomputes the
// decision context.
func (e *Engine) refresh(ctx context.Context, ev *evaluation) error {
	snap, err := e.deps.Market.Snapshot(ctx, ev.asset)
	if err != nil {
		return err
	}
	open, err := e.deps.Positions.OpenPositions(ctx, ev.asset.Symbol)
	if err != nil {
		return err
	}
	ev.snap = snap
	ev.open = open
	ev.ctx = e.buildContext(ev.asset, snap, open)
	return nil
}

func (e *Engine) buildContext(asset model.Asset, snap model.Snapshot, open []model.Position) model.Context {
	return model.Context{
		Environment:       e.env,
		Symbol:            asset.Symbol,
		Price:             snap.Price,
		PriceChange24h:    snap.PriceChange24h,
		Volume24h:         snap.Volume24h,
		VolumeChange24h:   snap.VolumeChange24h,
		AssetBalance:      snap.AssetBalance,
		CashBalance:       snap.CashBalance,
		HoldingsValue:     snap.HoldingsValue(),
		PriceChangeCheck:  snap.PriceChange24h < asset.BuyThreshold,
		CooldownCheck:     ledger.CooldownElapsedAt(open, e.cfg.BuyBuffer, e.now()),
		OpenBuyCheck:      len(open) < asset.MaxOpenBuys,
		BuyingPowerCheck:  snap.CashBalance > asset.AmountToBuy*e.cfg.BuyingPowerMultiplier,
		OpenPositionCount: len(open),
	}
}

// buyPath returns the buy side decision, or nil when the buy path stays
// silent. An error aborts the cycle.
func (e *Engine) buyPath(ctx context.Context, ev *evaluation) (model.Decision, error) {
	c := ev.ctx
	switch {
	case !c.PriceChangeCheck:
		ev.logger.Debug("Price change above buy threshold", "priceChange", c.PriceChange24h, "threshold", ev.asset.BuyThreshold)
		return nil, nil
	case !c.CooldownCheck:
		ev.logger.Info("Buy buffer has not elapsed since the last open buy", "buyBuffer", e.cfg.BuyBuffer)
		return nil, nil
	case !c.OpenBuyCheck:
		ev.logger.Info("Too many open buys", "openBuys", c.OpenPositionCount, "maxOpenBuys", ev.asset.MaxOpenBuys)
		return model.TooManyOpenBuysDecision{Record: e.record(model.KindTooManyOpenBuys, c)}, nil
	case !c.BuyingPowerCheck:
		ev.logger.Info("Not enough buying power", "cash", c.CashBalance, "amountToBuy", ev.asset.AmountToBuy)
		return model.NotEnoughBuyingPowerDecision{Record: e.record(model.KindNotEnoughBuyingPower, c)}, nil
	}

	ev.logger.Info("Dip detected, waiting for recovery", "priceChange", c.PriceChange24h, "threshold", ev.asset.BuyThreshold)
	outcome, err := e.deps.Recovery.Confirm(ctx, ev.asset, func(ctx context.Context) (bool, error) {
		if err := e.refresh(ctx, ev); err != nil {
			return false, err
		}
		c := ev.ctx
		return c.PriceChangeCheck && c.CooldownCheck && c.OpenBuyCheck && c.BuyingPowerCheck, nil
	})
	if err != nil {
		return nil, err
	}
	if !outcome.Confirmed() {
		if errors.Is(outcome.Reason, recovery.ErrCancelled) {
			// Shutdown: the sell path is skipped too and nothing is recorded.
			return nil, fmt.Errorf("recovery wait: %w", outcome.Reason)
		}
		ev.logger.Info("Buy abandoned", "reason", outcome.Reason, "polls", outcome.Polls)
		waited := outcome.Polls > 1 || errors.Is(outcome.Reason, recovery.ErrWatchdogTimeout)
		if waited && !errors.Is(outcome.Reason, recovery.ErrConditionLapsed) {
			// The wait may have lasted hours; the sell path needs current prices.
			if err := e.refresh(ctx, ev); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	c = ev.ctx
	req := model.OrderRequest{
		Side:          model.SideBuy,
		ProductID:     ev.asset.ProductID(),
		QuoteSize:     ev.asset.AmountToBuy,
		ClientOrderID: uuid.NewString(),
	}
	preview, order, err := e.placeOrder(ctx, ev.logger, req)
	if err != nil {
		ev.logger.Error("Buy order failed", "error", err)
		return e.failedTrade(c, req.Side, req.QuoteSize, nil, preview, order, err), nil
	}

	buy := model.BuyDecision{
		Record:     e.record(model.KindBuy, c),
		Amount:     preview.BaseSize,
		Value:      preview.QuoteSize,
		PositionID: uuid.NewString(),
		Realized:   order != nil,
		Preview:    *preview,
		Order:      order,
	}
	ev.logger.Info("Buy decided", "amount", buy.Amount, "value", buy.Value, "realized", buy.Realized)
	return buy, nil
}

// sellPath matches open positions against the sell threshold.
func (e *Engine) sellPath(ctx context.Context, ev *evaluation) model.Decision {
	if len(ev.open) == 0 {
		return nil
	}
	c := ev.ctx
	price := ev.snap.Price

	var (
		selected  []model.Position
		best      model.Position
		bestDelta float64
	)
	for i, p := range ev.open {
		delta := p.PriceDelta(price)
		if i == 0 || delta > bestDelta {
			best, bestDelta = p, delta
		}
		if delta >= ev.asset.SellThreshold {
			selected = append(selected, p)
		}
	}
	ev.logger.Debug("Best open position", "positionId", best.ID, "delta", bestDelta, "threshold", ev.asset.SellThreshold)

	if len(selected) == 0 {
		if ev.asset.SellThreshold-bestDelta > e.cfg.NearMissMargin {
			return nil
		}
		return model.BestMatchDecision{
			Record:             e.record(model.KindBestMatch, c),
			PercentageDelta:    bestDelta,
			HypotheticalProfit: best.ProfitAt(price),
			PositionID:         best.ID,
		}
	}

	var amount, buyValue float64
	ids := make([]string, 0, len(selected))
	for _, p := range selected {
		amount += p.Amount
		buyValue += p.Value
		ids = append(ids, p.ID)
	}

	req := model.OrderRequest{
		Side:          model.SideSell,
		ProductID:     ev.asset.ProductID(),
		BaseSize:      amount,
		ClientOrderID: uuid.NewString(),
	}
	preview, order, err := e.placeOrder(ctx, ev.logger, req)
	if err != nil {
		ev.logger.Error("Sell order failed", "error", err, "positions", len(ids))
		return e.failedTrade(c, req.Side, amount, ids, preview, order, err)
	}

	value := amount * price
	sell := model.SellDecision{
		Record:      e.record(model.KindSell, c),
		Amount:      amount,
		Value:       value,
		BuyAmount:   amount,
		BuyValue:    buyValue,
		Profit:      value - buyValue,
		PositionIDs: ids,
		Realized:    order != nil,
		Preview:     *preview,
		Order:       order,
	}
	ev.logger.Info("Sell decided", "amount", amount, "value", value, "profit", sell.Profit, "positions", len(ids))
	return sell
}

// placeOrder previews req and, when the environment trades, submits it. The
// preview is nil if the preview call itself failed.
func (e *Engine) placeOrder(ctx context.Context, logger *slog.Logger, req model.OrderRequest) (*model.OrderResult, *model.OrderResult, error) {
	preview, err := e.deps.Orders.PreviewOrder(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrOrderPreviewRejected, err)
	}
	if !preview.OK() {
		return &preview, nil, fmt.Errorf("%w: %s", ErrOrderPreviewRejected, strings.Join(preview.Errors, "; "))
	}
	if preview.Total > e.cfg.OrderSafetyCap {
		return &preview, nil, fmt.Errorf("%w: total %.2f exceeds safety cap %.2f", ErrOrderPreviewRejected, preview.Total, e.cfg.OrderSafetyCap)
	}
	if !e.env.SubmitsOrders() {
		logger.Info("Dry run, order not submitted", "side", req.Side, "total", preview.Total)
		return &preview, nil, nil
	}

	// A submitted order is waited for even during shutdown.
	order, err := e.deps.Orders.SubmitOrder(context.WithoutCancel(ctx), req)
	if err != nil {
		return &preview, nil, fmt.Errorf("%w: %w", ErrOrderSubmissionFailed, err)
	}
	if !order.OK() {
		return &preview, &order, fmt.Errorf("%w: %s", ErrOrderSubmissionFailed, strings.Join(order.Errors, "; "))
	}
	logger.Info("Order submitted", "side", req.Side, "orderId", order.OrderID)
	return &preview, &order, nil
}

func (e *Engine) failedTrade(c model.Context, side model.Side, size float64, ids []string, preview, order *model.OrderResult, err error) model.FailedTradeDecision {
	var msgs []string
	if preview != nil {
		msgs = append(msgs, preview.Errors...)
	}
	if order != nil {
		msgs = append(msgs, order.Errors...)
	}
	if len(msgs) == 0 {
		msgs = []string{err.Error()}
	}
	return model.FailedTradeDecision{
		Record:      e.record(model.KindFailedTrade, c),
		Side:        side,
		Size:        size,
		PositionIDs: ids,
		Errors:      msgs,
		Preview:     preview,
		Order:       order,
	}
}

func (e *Engine) record(kind model.DecisionKind, c model.Context) model.Record {
	return model.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: e.now().UTC(),
		Context:   c,
	}
}

// persist writes the decisions first and the position changes second. A
// failure between the two is repaired by the ledger's reconciliation.
func (e *Engine) persist(ctx context.Context, ev *evaluation, cycle *Cycle) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.deps.Decisions.InsertDecisions(ctx, cycle.Decisions); err != nil {
		ev.logger.Error("Failed to persist decisions", "error", err, "decisions", len(cycle.Decisions))
		return fmt.Errorf("persist decisions: %w", err)
	}

	var errs []error
	for _, d := range cycle.Decisions {
		ev.logger.Info("Decision recorded", "kind", d.Header().Kind, "decisionId", d.Header().ID)
		switch v := d.(type) {
		case model.BuyDecision:
			p, err := e.deps.Positions.Open(ctx, v, ev.asset.Symbol)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cycle.Opened = append(cycle.Opened, p)
		case model.SellDecision:
			closed, err := e.deps.Positions.Close(ctx, v.PositionIDs, v.ID, v.Context.Price)
			cycle.Closed = append(cycle.Closed, closed...)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		ev.logger.Error("Failed to update positions, reconciliation pending", "error", err)
		return fmt.Errorf("update positions: %w", err)
	}
	return nil
}
