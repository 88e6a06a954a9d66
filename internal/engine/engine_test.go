package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dwallach1/prometheus/internal/config"
	"github.com/dwallach1/prometheus/internal/database"
	"github.com/dwallach1/prometheus/internal/ledger"
	"github.com/dwallach1/prometheus/internal/market"
	"github.com/dwallach1/prometheus/internal/model"
	"github.com/dwallach1/prometheus/internal/recovery"
)

type MockMarket struct {
	mock.Mock
}

func (m *MockMarket) Snapshot(ctx context.Context, asset model.Asset) (model.Snapshot, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(model.Snapshot), args.Error(1)
}

type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) PreviewOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.OrderResult), args.Error(1)
}

func (m *MockOrders) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.OrderResult), args.Error(1)
}

// stubConfirmer optionally revalidates before returning a fixed outcome.
type stubConfirmer struct {
	outcome    recovery.Outcome
	revalidate bool
	calls      int
}

func (s *stubConfirmer) Confirm(ctx context.Context, _ model.Asset, revalidate recovery.Revalidate) (recovery.Outcome, error) {
	s.calls++
	if s.revalidate {
		ok, err := revalidate(ctx)
		if err != nil {
			return recovery.Outcome{Status: recovery.StatusAbandoned, Reason: err}, err
		}
		if !ok {
			return recovery.Outcome{Status: recovery.StatusAbandoned, Reason: recovery.ErrConditionLapsed, Polls: 1}, nil
		}
	}
	return s.outcome, nil
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var btc = model.Asset{
	Name:          "Bitcoin",
	Symbol:        "BTC",
	AccountID:     "btc-account",
	AmountToBuy:   100,
	BuyThreshold:  -5,
	SellThreshold: 12,
	MaxOpenBuys:   3,
}

type harness struct {
	repo      *database.MemoryRepository
	market    *MockMarket
	orders    *MockOrders
	confirmer *stubConfirmer
	engine    *Engine
}

func newHarness(env model.Environment) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		repo:      database.NewMemoryRepository(),
		market:    new(MockMarket),
		orders:    new(MockOrders),
		confirmer: &stubConfirmer{outcome: recovery.Outcome{Status: recovery.StatusConfirmed}},
	}
	cfg := config.TradingConfig{
		BuyBuffer:             12 * time.Hour,
		OrderSafetyCap:        1000,
		NearMissMargin:        2,
		BuyingPowerMultiplier: 1.5,
	}
	h.engine = NewEngine(logger, env, cfg, Dependencies{
		Market:    h.market,
		Positions: ledger.New(logger, h.repo, env),
		Orders:    h.orders,
		Recovery:  h.confirmer,
		Decisions: h.repo,
	})
	h.engine.now = func() time.Time { return t0 }
	return h
}

func snapshot(price, change, cash float64) model.Snapshot {
	return model.Snapshot{
		Symbol:         "BTC",
		ProductID:      "BTC-USD",
		Price:          price,
		PriceChange24h: change,
		Volume24h:      1000,
		CashBalance:    cash,
		TakenAt:        t0,
	}
}

// seed stores an open position bought at purchasePrice for value.
func (h *harness) seed(t *testing.T, env model.Environment, createdAt time.Time, value, purchasePrice float64) model.Position {
	t.Helper()
	p := model.Position{
		ID:            uuid.NewString(),
		BuyDecisionID: uuid.NewString(),
		Environment:   env,
		Symbol:        "BTC",
		CreatedAt:     createdAt,
		Value:         value,
		Amount:        value / purchasePrice,
	}
	require.NoError(t, h.repo.InsertPosition(context.Background(), p))
	return p
}

func isBuy(req model.OrderRequest) bool { return req.Side == model.SideBuy }
func isSell(req model.OrderRequest) bool { return req.Side == model.SideSell }

func TestEngine_BuyRoundTrip(t *testing.T) {
	ctx := context.Background()
	preview := model.OrderResult{PreviewID: "p1", Total: 100.5, QuoteSize: 100, BaseSize: 0.0016, Commission: 0.5}

	t.Run("production submits and opens a position", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(62000, -6, 1000), nil).Once()
		h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(func(req model.OrderRequest) bool {
			return isBuy(req) && req.QuoteSize == 100 && req.ProductID == "BTC-USD"
		})).Return(preview, nil).Once()
		h.orders.On("SubmitOrder", mock.Anything, mock.MatchedBy(isBuy)).Return(model.OrderResult{OrderID: "o1"}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)

		buy, ok := cycle.Decisions[0].(model.BuyDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.True(t, buy.Realized)
		assert.Equal(t, "o1", buy.Order.OrderID)
		assert.True(t, buy.Context.PriceChangeCheck)
		assert.True(t, buy.Context.CooldownCheck)
		assert.Equal(t, 1, h.confirmer.calls)

		positions := h.repo.Positions()
		require.Len(t, positions, 1)
		assert.Equal(t, buy.PositionID, positions[0].ID)
		assert.Equal(t, buy.ID, positions[0].BuyDecisionID)
		assert.Equal(t, 0.0016, positions[0].Amount)
		assert.Equal(t, 100.0, positions[0].Value)
		assert.Equal(t, model.PositionOpen, positions[0].State)
		assert.Len(t, h.repo.Decisions(), 1)
		h.orders.AssertExpectations(t)
	})

	t.Run("dry run never submits", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(62000, -6, 1000), nil).Once()
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(preview, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		buy := cycle.Decisions[0].(model.BuyDecision)
		assert.False(t, buy.Realized)
		assert.Nil(t, buy.Order)
		require.Len(t, cycle.Opened, 1)
		h.orders.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	})
}

func TestEngine_SellClosesPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(model.EnvironmentProduction)
	p := h.seed(t, model.EnvironmentProduction, t0.Add(-48*time.Hour), 500, 100)

	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(115, 2, 1000), nil)
	h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(func(req model.OrderRequest) bool {
		return isSell(req) && req.BaseSize == 5
	})).Return(model.OrderResult{Total: 575, BaseSize: 5}, nil).Once()
	h.orders.On("SubmitOrder", mock.Anything, mock.MatchedBy(isSell)).Return(model.OrderResult{OrderID: "s1"}, nil).Once()

	cycle, err := h.engine.Evaluate(ctx, btc)
	require.NoError(t, err)
	require.Len(t, cycle.Decisions, 1)

	sell, ok := cycle.Decisions[0].(model.SellDecision)
	require.True(t, ok, "got %T", cycle.Decisions[0])
	assert.Equal(t, []string{p.ID}, sell.PositionIDs)
	assert.InDelta(t, 575.0, sell.Value, 1e-9)
	assert.InDelta(t, 500.0, sell.BuyValue, 1e-9)
	assert.InDelta(t, 75.0, sell.Profit, 1e-9)
	assert.True(t, sell.Realized)

	require.Len(t, cycle.Closed, 1)
	assert.Equal(t, sell.ID, cycle.Closed[0].ClosedBy)
	assert.InDelta(t, 75.0, cycle.Closed[0].Profit, 1e-9)
	assert.Equal(t, 115.0, cycle.Closed[0].ClosePrice)

	t.Run("closed positions are not sold again", func(t *testing.T) {
		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)
		assert.IsType(t, model.SkipDecision{}, cycle.Decisions[0])
		h.orders.AssertExpectations(t)
	})
}

func TestEngine_ConsolidatedSell(t *testing.T) {
	ctx := context.Background()
	h := newHarness(model.EnvironmentDryRun)
	env := model.EnvironmentDryRun
	a := h.seed(t, env, t0.Add(-72*time.Hour), 100, 100) // +20%
	b := h.seed(t, env, t0.Add(-48*time.Hour), 200, 110) // ~+9.1%, stays open
	c := h.seed(t, env, t0.Add(-24*time.Hour), 300, 105) // ~+14.3%

	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(120, 0, 1000), nil)
	h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(isSell)).Return(model.OrderResult{Total: 462.86}, nil).Once()

	cycle, err := h.engine.Evaluate(ctx, btc)
	require.NoError(t, err)
	require.Len(t, cycle.Decisions, 1)

	sell := cycle.Decisions[0].(model.SellDecision)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, sell.PositionIDs)
	assert.InDelta(t, a.Amount+c.Amount, sell.Amount, 1e-9)
	assert.InDelta(t, 400.0, sell.BuyValue, 1e-9)
	assert.False(t, sell.Realized)

	assert.Len(t, cycle.Closed, 2)
	for _, closed := range cycle.Closed {
		assert.Equal(t, sell.ID, closed.ClosedBy)
	}

	open, err := h.repo.OpenPositions(ctx, env, "BTC")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
}

func TestEngine_BestMatchBelowThreshold(t *testing.T) {
	ctx := context.Background()
	asset := btc
	asset.SellThreshold = 10
	const price = 100.0

	setup := func(t *testing.T, margin float64) (*harness, model.Position) {
		h := newHarness(model.EnvironmentDryRun)
		h.engine.cfg.NearMissMargin = margin
		best := h.seed(t, model.EnvironmentDryRun, t0.Add(-48*time.Hour), 100, price/1.095)
		h.seed(t, model.EnvironmentDryRun, t0.Add(-24*time.Hour), 100, price/1.08)
		h.market.On("Snapshot", mock.Anything, asset).Return(snapshot(price, 0, 1000), nil)
		return h, best
	}

	t.Run("near miss is reported", func(t *testing.T) {
		h, best := setup(t, 2)

		cycle, err := h.engine.Evaluate(ctx, asset)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)

		match, ok := cycle.Decisions[0].(model.BestMatchDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.Equal(t, best.ID, match.PositionID)
		assert.InDelta(t, 9.5, match.PercentageDelta, 1e-9)
		assert.InDelta(t, best.ProfitAt(price), match.HypotheticalProfit, 1e-9)
		assert.Empty(t, cycle.Closed)
		h.orders.AssertNotCalled(t, "PreviewOrder", mock.Anything, mock.Anything)
	})

	t.Run("outside the margin skips", func(t *testing.T) {
		h, _ := setup(t, 0.4)

		cycle, err := h.engine.Evaluate(ctx, asset)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)
		assert.IsType(t, model.SkipDecision{}, cycle.Decisions[0])
	})
}

func TestEngine_BestMatchTieKeepsFirst(t *testing.T) {
	h := newHarness(model.EnvironmentDryRun)
	h.seed(t, model.EnvironmentDryRun, t0.Add(-48*time.Hour), 100, 90)
	newer := h.seed(t, model.EnvironmentDryRun, t0.Add(-24*time.Hour), 200, 90)
	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(100, 0, 1000), nil)

	cycle, err := h.engine.Evaluate(context.Background(), btc)
	require.NoError(t, err)
	match := cycle.Decisions[0].(model.BestMatchDecision)
	// Open positions come newest first.
	assert.Equal(t, newer.ID, match.PositionID)
}

func TestEngine_SkipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(model.EnvironmentDryRun)
	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -1, 1000), nil)

	first, err := h.engine.Evaluate(ctx, btc)
	require.NoError(t, err)
	second, err := h.engine.Evaluate(ctx, btc)
	require.NoError(t, err)

	require.Len(t, first.Decisions, 1)
	require.Len(t, second.Decisions, 1)
	assert.IsType(t, model.SkipDecision{}, first.Decisions[0])
	assert.IsType(t, model.SkipDecision{}, second.Decisions[0])
	assert.NotEqual(t, first.Decisions[0].Header().ID, second.Decisions[0].Header().ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, h.repo.Decisions(), 2)
	assert.Equal(t, 0, h.confirmer.calls)
}

func TestEngine_Cooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(model.EnvironmentDryRun)
	h.seed(t, model.EnvironmentDryRun, t0.Add(-time.Hour), 100, 60000)
	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)

	for range 3 {
		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)
		skip, ok := cycle.Decisions[0].(model.SkipDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.True(t, skip.Context.PriceChangeCheck)
		assert.False(t, skip.Context.CooldownCheck)
	}
	assert.Equal(t, 0, h.confirmer.calls)
	h.orders.AssertNotCalled(t, "PreviewOrder", mock.Anything, mock.Anything)

	t.Run("buys once the buffer elapsed", func(t *testing.T) {
		h.engine.now = func() time.Time { return t0.Add(12 * time.Hour) }
		h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(isBuy)).Return(model.OrderResult{Total: 100, QuoteSize: 100, BaseSize: 0.001}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		assert.IsType(t, model.BuyDecision{}, cycle.Decisions[0])
	})
}

func TestEngine_TooManyOpenBuys(t *testing.T) {
	ctx := context.Background()

	t.Run("at capacity", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		for i := range 3 {
			h.seed(t, model.EnvironmentDryRun, t0.Add(-time.Duration(24*(i+1))*time.Hour), 100, 60000)
		}
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)
		d, ok := cycle.Decisions[0].(model.TooManyOpenBuysDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.Equal(t, 3, d.Context.OpenPositionCount)
		assert.False(t, d.Context.OpenBuyCheck)
		assert.Equal(t, 0, h.confirmer.calls)
	})

	t.Run("zero max open buys never buys", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		asset := btc
		asset.MaxOpenBuys = 0
		h.market.On("Snapshot", mock.Anything, asset).Return(snapshot(60000, -8, 1000), nil)

		cycle, err := h.engine.Evaluate(ctx, asset)
		require.NoError(t, err)
		assert.IsType(t, model.TooManyOpenBuysDecision{}, cycle.Decisions[0])
		h.orders.AssertNotCalled(t, "PreviewOrder", mock.Anything, mock.Anything)
	})
}

func TestEngine_NotEnoughBuyingPower(t *testing.T) {
	h := newHarness(model.EnvironmentDryRun)
	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 150), nil)

	cycle, err := h.engine.Evaluate(context.Background(), btc)
	require.NoError(t, err)
	require.Len(t, cycle.Decisions, 1)
	d, ok := cycle.Decisions[0].(model.NotEnoughBuyingPowerDecision)
	require.True(t, ok, "got %T", cycle.Decisions[0])
	assert.False(t, d.Context.BuyingPowerCheck)
	assert.Equal(t, 0, h.confirmer.calls)
}

func TestEngine_FailedTrades(t *testing.T) {
	ctx := context.Background()

	t.Run("preview errors", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{Errors: []string{"PREVIEW_INSUFFICIENT_FUND"}}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		failed, ok := cycle.Decisions[0].(model.FailedTradeDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.Equal(t, model.SideBuy, failed.Side)
		assert.Equal(t, []string{"PREVIEW_INSUFFICIENT_FUND"}, failed.Errors)
		assert.False(t, model.Successful(failed))
		assert.Empty(t, h.repo.Positions())
		h.orders.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	})

	t.Run("preview call fails", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{}, errors.New("connection reset")).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		failed := cycle.Decisions[0].(model.FailedTradeDecision)
		assert.Nil(t, failed.Preview)
		require.Len(t, failed.Errors, 1)
		assert.Contains(t, failed.Errors[0], "connection reset")
		assert.Contains(t, failed.Errors[0], ErrOrderPreviewRejected.Error())
	})

	t.Run("safety cap", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 5000), nil)
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{Total: 1000.01, QuoteSize: 1000}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		failed := cycle.Decisions[0].(model.FailedTradeDecision)
		require.NotNil(t, failed.Preview)
		assert.Contains(t, failed.Errors[0], "exceeds safety cap")
		h.orders.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
		assert.Empty(t, h.repo.Positions())
	})

	t.Run("submission failure does not stop the sell path", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		held := h.seed(t, model.EnvironmentProduction, t0.Add(-48*time.Hour), 500, 50000)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{Total: 100, QuoteSize: 100, BaseSize: 0.001}, nil)
		h.orders.On("SubmitOrder", mock.Anything, mock.MatchedBy(isBuy)).Return(model.OrderResult{Errors: []string{"INSUFFICIENT_FUND"}}, nil).Once()
		h.orders.On("SubmitOrder", mock.Anything, mock.MatchedBy(isSell)).Return(model.OrderResult{OrderID: "s1"}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 2)

		failed := cycle.Decisions[0].(model.FailedTradeDecision)
		assert.Equal(t, []string{"INSUFFICIENT_FUND"}, failed.Errors)
		require.NotNil(t, failed.Order)

		sell := cycle.Decisions[1].(model.SellDecision)
		assert.Equal(t, []string{held.ID}, sell.PositionIDs)
		assert.Empty(t, cycle.Opened)
		assert.Len(t, cycle.Closed, 1)
	})

	t.Run("sell failure keeps positions open", func(t *testing.T) {
		h := newHarness(model.EnvironmentProduction)
		held := h.seed(t, model.EnvironmentProduction, t0.Add(-48*time.Hour), 500, 100)
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(115, 0, 1000), nil)
		h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{Total: 575}, nil)
		h.orders.On("SubmitOrder", mock.Anything, mock.Anything).Return(model.OrderResult{}, errors.New("timeout")).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		failed := cycle.Decisions[0].(model.FailedTradeDecision)
		assert.Equal(t, model.SideSell, failed.Side)
		assert.Equal(t, []string{held.ID}, failed.PositionIDs)
		assert.Empty(t, cycle.Closed)

		open, err := h.repo.OpenPositions(ctx, model.EnvironmentProduction, "BTC")
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestEngine_MarketDataUnavailable(t *testing.T) {
	h := newHarness(model.EnvironmentDryRun)
	h.market.On("Snapshot", mock.Anything, btc).Return(model.Snapshot{}, market.ErrMarketDataUnavailable).Once()

	cycle, err := h.engine.Evaluate(context.Background(), btc)
	assert.ErrorIs(t, err, market.ErrMarketDataUnavailable)
	assert.Empty(t, cycle.Decisions)
	assert.Empty(t, h.repo.Decisions())
}

func TestEngine_Recovery(t *testing.T) {
	ctx := context.Background()

	t.Run("abandoned buy records nothing", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.confirmer.outcome = recovery.Outcome{Status: recovery.StatusAbandoned, Reason: recovery.ErrNoCandleData, Polls: 1}
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)
		assert.IsType(t, model.SkipDecision{}, cycle.Decisions[0])
		assert.Equal(t, 1, h.confirmer.calls)
	})

	t.Run("cancelled wait aborts the cycle", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.confirmer.outcome = recovery.Outcome{Status: recovery.StatusAbandoned, Reason: recovery.ErrCancelled}
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)

		_, err := h.engine.Evaluate(ctx, btc)
		assert.ErrorIs(t, err, recovery.ErrCancelled)
		assert.Empty(t, h.repo.Decisions())
	})

	t.Run("buy uses the revalidated snapshot", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.confirmer.revalidate = true
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil).Once()
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(58000, -9, 1000), nil).Once()
		h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(isBuy)).Return(model.OrderResult{Total: 100, QuoteSize: 100, BaseSize: 0.0017}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		buy := cycle.Decisions[0].(model.BuyDecision)
		assert.Equal(t, 58000.0, buy.Context.Price)
		assert.Equal(t, 58000.0, cycle.Snapshot.Price)
	})

	t.Run("lapsed condition records nothing", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.confirmer.revalidate = true
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil).Once()
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(61000, -2, 1000), nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		skip := cycle.Decisions[0].(model.SkipDecision)
		assert.Equal(t, 61000.0, skip.Context.Price)
		h.orders.AssertNotCalled(t, "PreviewOrder", mock.Anything, mock.Anything)
	})

	t.Run("revalidation failure aborts the cycle", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.confirmer.revalidate = true
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil).Once()
		h.market.On("Snapshot", mock.Anything, btc).Return(model.Snapshot{}, market.ErrMarketDataUnavailable).Once()

		_, err := h.engine.Evaluate(ctx, btc)
		assert.ErrorIs(t, err, market.ErrMarketDataUnavailable)
		assert.Empty(t, h.repo.Decisions())
	})

	t.Run("watchdog timeout sells at the refreshed price", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		p := h.seed(t, model.EnvironmentDryRun, t0.Add(-48*time.Hour), 500, 100)
		h.confirmer.outcome = recovery.Outcome{Status: recovery.StatusAbandoned, Reason: recovery.ErrWatchdogTimeout, Polls: 72}
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(80, -8, 1000), nil).Once()
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(115, 2, 1000), nil).Once()
		h.orders.On("PreviewOrder", mock.Anything, mock.MatchedBy(isSell)).Return(model.OrderResult{Total: 575, BaseSize: 5}, nil).Once()

		cycle, err := h.engine.Evaluate(ctx, btc)
		require.NoError(t, err)
		require.Len(t, cycle.Decisions, 1)

		sell, ok := cycle.Decisions[0].(model.SellDecision)
		require.True(t, ok, "got %T", cycle.Decisions[0])
		assert.Equal(t, 115.0, sell.Context.Price)
		assert.Equal(t, []string{p.ID}, sell.PositionIDs)
		assert.InDelta(t, 75.0, sell.Profit, 1e-9)
		assert.Equal(t, 115.0, cycle.Snapshot.Price)
		h.market.AssertNumberOfCalls(t, "Snapshot", 2)
		h.orders.AssertExpectations(t)
	})

	t.Run("failed refresh after a long wait aborts the cycle", func(t *testing.T) {
		h := newHarness(model.EnvironmentDryRun)
		h.seed(t, model.EnvironmentDryRun, t0.Add(-48*time.Hour), 500, 100)
		h.confirmer.outcome = recovery.Outcome{Status: recovery.StatusAbandoned, Reason: recovery.ErrWatchdogTimeout, Polls: 72}
		h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(80, -8, 1000), nil).Once()
		h.market.On("Snapshot", mock.Anything, btc).Return(model.Snapshot{}, market.ErrMarketDataUnavailable).Once()

		_, err := h.engine.Evaluate(ctx, btc)
		assert.ErrorIs(t, err, market.ErrMarketDataUnavailable)
		assert.Empty(t, h.repo.Decisions())
		h.orders.AssertNotCalled(t, "PreviewOrder", mock.Anything, mock.Anything)
	})
}

type failingDecisions struct{}

func (failingDecisions) InsertDecisions(context.Context, []model.Decision) error {
	return errors.New("database down")
}

func TestEngine_PersistFailure(t *testing.T) {
	h := newHarness(model.EnvironmentDryRun)
	h.engine.deps.Decisions = failingDecisions{}
	h.market.On("Snapshot", mock.Anything, btc).Return(snapshot(60000, -8, 1000), nil)
	h.orders.On("PreviewOrder", mock.Anything, mock.Anything).Return(model.OrderResult{Total: 100, QuoteSize: 100, BaseSize: 0.001}, nil)

	cycle, err := h.engine.Evaluate(context.Background(), btc)
	assert.ErrorContains(t, err, "database down")
	require.Len(t, cycle.Decisions, 1)
	// No position without its decision.
	assert.Empty(t, h.repo.Positions())
}
