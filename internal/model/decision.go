package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecisionKind discriminates the Decision variants.
type DecisionKind string

const (
	KindBuy                  DecisionKind = "BUY"
	KindSell                 DecisionKind = "SELL"
	KindSkip                 DecisionKind = "SKIP"
	KindBestMatch            DecisionKind = "BEST_MATCH_BELOW_THRESHOLD"
	KindTooManyOpenBuys      DecisionKind = "TOO_MANY_OPEN_BUYS"
	KindNotEnoughBuyingPower DecisionKind = "NOT_ENOUGH_BUYING_POWER"
	KindFailedTrade          DecisionKind = "FAILED_TRADE"
)

// Context is the evaluation state captured on every decision.
type Context struct {
	Environment       Environment `json:"environment"`
	Symbol            string      `json:"symbol"`
	Price             float64     `json:"price"`
	PriceChange24h    float64     `json:"price_percentage_change_24h"`
	Volume24h         float64     `json:"volume_24h"`
	VolumeChange24h   float64     `json:"volume_percentage_change_24h"`
	AssetBalance      float64     `json:"asset_balance"`
	CashBalance       float64     `json:"cash_balance"`
	HoldingsValue     float64     `json:"total_asset_holdings_value"`
	PriceChangeCheck  bool        `json:"price_change_check"`
	CooldownCheck     bool        `json:"buy_buffer_check"`
	OpenBuyCheck      bool        `json:"open_buy_check"`
	BuyingPowerCheck  bool        `json:"buying_power_check"`
	OpenPositionCount int         `json:"open_buy_count"`
}

// Decision is one immutable entry of the decision log. The set of
// implementations is closed: every variant embeds Record.
type Decision interface {
	Header() Record
	isDecision()
}

// Record holds the fields shared by all decisions.
type Record struct {
	ID        string       `json:"-"`
	Kind      DecisionKind `json:"-"`
	CreatedAt time.Time    `json:"-"`
	Context   Context      `json:"-"`
}

func (r Record) Header() Record { return r }

func (Record) isDecision() {}

type SkipDecision struct {
	Record
}

type TooManyOpenBuysDecision struct {
	Record
}

type NotEnoughBuyingPowerDecision struct {
	Record
}

// BuyDecision is a buy that went through; PositionID names the position it opened.
type BuyDecision struct {
	Record
	Amount     float64      `json:"amount"`
	Value      float64      `json:"value"`
	PositionID string       `json:"position_id"`
	Realized   bool         `json:"actualized"`
	Preview    OrderResult  `json:"preview_result"`
	Order      *OrderResult `json:"trade_result,omitempty"`
}

// SellDecision is a consolidated sell closing every linked position.
type SellDecision struct {
	Record
	Amount      float64      `json:"amount"`
	Value       float64      `json:"value"`
	BuyAmount   float64      `json:"buy_amount"`
	BuyValue    float64      `json:"buy_value"`
	Profit      float64      `json:"profit_usd"`
	PositionIDs []string     `json:"linked_buy_decisions"`
	Realized    bool         `json:"actualized"`
	Preview     OrderResult  `json:"preview_result"`
	Order       *OrderResult `json:"trade_result,omitempty"`
}

// BestMatchDecision reports the open position closest to the sell threshold.
type BestMatchDecision struct {
	Record
	PercentageDelta    float64 `json:"percentage_delta"`
	HypotheticalProfit float64 `json:"hypothetical_profit"`
	PositionID         string  `json:"associated_buy_decision"`
}

// FailedTradeDecision is an order rejected at preview or submission.
type FailedTradeDecision struct {
	Record
	Side        Side         `json:"side"`
	Size        float64      `json:"size"`
	PositionIDs []string     `json:"linked_buy_decisions,omitempty"`
	Errors      []string     `json:"errors"`
	Preview     *OrderResult `json:"preview_result,omitempty"`
	Order       *OrderResult `json:"trade_result,omitempty"`
}

// Successful reports whether the decision records a trade that went through.
func Successful(d Decision) bool {
	switch d.(type) {
	case BuyDecision, SellDecision:
		return true
	default:
		return false
	}
}

// DecodeDecision rebuilds a decision from its shared record and the JSON
// encoding of its variant-specific fields.
func DecodeDecision(rec Record, details []byte) (Decision, error) {
	var (
		d   Decision
		err error
	)
	switch rec.Kind {
	case KindSkip:
		d = SkipDecision{Record: rec}
	case KindTooManyOpenBuys:
		d = TooManyOpenBuysDecision{Record: rec}
	case KindNotEnoughBuyingPower:
		d = NotEnoughBuyingPowerDecision{Record: rec}
	case KindBuy:
		v := BuyDecision{Record: rec}
		err = unmarshalDetails(details, &v)
		d = v
	case KindSell:
		v := SellDecision{Record: rec}
		err = unmarshalDetails(details, &v)
		d = v
	case KindBestMatch:
		v := BestMatchDecision{Record: rec}
		err = unmarshalDetails(details, &v)
		d = v
	case KindFailedTrade:
		v := FailedTradeDecision{Record: rec}
		err = unmarshalDetails(details, &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown decision kind %q", rec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s decision %s: %w", rec.Kind, rec.ID, err)
	}
	return d, nil
}

func unmarshalDetails(details []byte, v any) error {
	if len(details) == 0 {
		return nil
	}
	return json.Unmarshal(details, v)
}
