package recovery

import "github.com/dwallach1/prometheus/internal/model"

// Strategy decides from recent candles whether a dip has started to recover.
type Strategy interface {
	ShouldBuy(candles []model.Candle) bool
}

// GreenStreak buys once the most recent Min candles all closed green.
type GreenStreak struct {
	Min int
}

// ShouldBuy expects candles ordered from oldest to newest.
func (g GreenStreak) ShouldBuy(candles []model.Candle) bool {
	return Streak(candles) >= g.Min
}

// Streak counts consecutive green candles walking back from the newest.
func Streak(candles []model.Candle) int {
	n := 0
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].Green() {
			break
		}
		n++
	}
	return n
}
