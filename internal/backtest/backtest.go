package backtest

import (
	"fmt"
	"time"
)

// Params configures one replay.
type Params struct {
	DropPercent float64       // daily drop that triggers a buy, positive
	SellPercent float64       // gain over the buy price that triggers a sell
	BuyUSD      float64       // spent per buy
	MinHold     time.Duration // minimum time a lot is held before it may sell
}

// Trade is a lot that was bought and sold during the replay.
type Trade struct {
	BuyDate   time.Time
	SellDate  time.Time
	BuyPrice  float64
	SellPrice float64
	ProfitPct float64
	ProfitUSD float64
}

// Days is the number of whole days the lot was held.
func (t Trade) Days() int {
	return int(t.SellDate.Sub(t.BuyDate).Hours() / 24)
}

// Result summarises a replay.
type Result struct {
	Params         Params
	DropWindows    int
	AvgDropPct     float64
	Trades         []Trade
	OpenLots       int
	AvgLotDays     float64
	AvgProfitPct   float64
	TotalProfitUSD float64
}

func (r Result) String() string {
	return fmt.Sprintf(
		"drop %.0f%% / sell %.0f%%: %d drop windows (avg %.2f%%), %d sells, %d open lots, avg lot time %.2f days, avg profit %.2f%%, total profit $%.2f",
		r.Params.DropPercent, r.Params.SellPercent, r.DropWindows, r.AvgDropPct, len(r.Trades), r.OpenLots, r.AvgLotDays, r.AvgProfitPct, r.TotalProfitUSD,
	)
}

type lot struct {
	date  time.Time
	price float64
}

// Run replays bars: every day closing at least DropPercent below the previous
// close buys BuyUSD at the close, and every lot held for MinHold sells at the
// first close SellPercent above its buy price.
func Run(bars []Bar, p Params) Result {
	res := Result{Params: p}
	var (
		open      []lot
		totalDrop float64
	)
	for i, bar := range bars {
		remaining := open[:0]
		for _, l := range open {
			gain := (bar.Close - l.price) / l.price * 100
			if gain >= p.SellPercent && bar.Date.Sub(l.date) >= p.MinHold {
				res.Trades = append(res.Trades, Trade{
					BuyDate:   l.date,
					SellDate:  bar.Date,
					BuyPrice:  l.price,
					SellPrice: bar.Close,
					ProfitPct: gain,
					ProfitUSD: p.BuyUSD * gain / 100,
				})
				continue
			}
			remaining = append(remaining, l)
		}
		open = remaining

		if i == 0 || bars[i-1].Close == 0 {
			continue
		}
		change := (bar.Close - bars[i-1].Close) / bars[i-1].Close * 100
		if change <= -p.DropPercent {
			res.DropWindows++
			totalDrop += change
			open = append(open, lot{date: bar.Date, price: bar.Close})
		}
	}

	res.OpenLots = len(open)
	if res.DropWindows > 0 {
		res.AvgDropPct = totalDrop / float64(res.DropWindows)
	}
	if n := len(res.Trades); n > 0 {
		var days, pct float64
		for _, t := range res.Trades {
			days += float64(t.Days())
			pct += t.ProfitPct
			res.TotalProfitUSD += t.ProfitUSD
		}
		res.AvgLotDays = days / float64(n)
		res.AvgProfitPct = pct / float64(n)
	}
	return res
}

// Range is an inclusive sweep range.
type Range struct {
	From, To, Step float64
}

func (r Range) values() []float64 {
	if r.Step <= 0 {
		return []float64{r.From}
	}
	var out []float64
	for i := 0; ; i++ {
		v := r.From + float64(i)*r.Step
		if v > r.To+1e-9 {
			return out
		}
		out = append(out, v)
	}
}

// SweepResult holds every replay of a sweep and the two standout pairings.
type SweepResult struct {
	Results     []Result
	MostSells   *Result
	FastestLots *Result
}

// Sweep replays every drop/sell pairing. MostSells keeps the first pairing
// with the highest sell count, FastestLots the first with the lowest
// average lot time among pairings that sold at all.
func Sweep(bars []Bar, drops, sells Range, buyUSD float64, minHold time.Duration) SweepResult {
	var out SweepResult
	for _, d := range drops.values() {
		for _, s := range sells.values() {
			out.Results = append(out.Results, Run(bars, Params{DropPercent: d, SellPercent: s, BuyUSD: buyUSD, MinHold: minHold}))
		}
	}
	for i := range out.Results {
		r := &out.Results[i]
		if out.MostSells == nil || len(r.Trades) > len(out.MostSells.Trades) {
			out.MostSells = r
		}
		if len(r.Trades) > 0 && (out.FastestLots == nil || r.AvgLotDays < out.FastestLots.AvgLotDays) {
			out.FastestLots = r
		}
	}
	return out
}
