// emacross.go is the fast/slow EMA crossover strategy.
package strategy

import (
	"fmt"
	"math"

	"topstepx-engine/pkg/models"
)

// EMACross signals when the fast EMA crosses the slow EMA on bar closes:
// cross above is BUY, cross below is SELL. Confidence grows with the
// separation between the averages relative to price.
type EMACross struct {
	symbol string
	fast   int
	slow   int

	fastEMA  float64
	slowEMA  float64
	bars     int
	prevDiff float64
}

// NewEMACross creates an EMA crossover strategy. fast must be shorter than
// slow.
func NewEMACross(symbol string, fast, slow int) (*EMACross, error) {
	if fast < 1 || slow <= fast {
		return nil, fmt.Errorf("ema_cross: need 1 <= fast < slow, got fast=%d slow=%d", fast, slow)
	}
	if symbol == "" {
		return nil, fmt.Errorf("ema_cross: symbol is required")
	}
	return &EMACross{symbol: symbol, fast: fast, slow: slow}, nil
}

func (e *EMACross) Name() string { return fmt.Sprintf("ema_cross(%d,%d)", e.fast, e.slow) }

// WarmupBars is the slow period plus one bar to establish prevDiff.
func (e *EMACross) WarmupBars() int { return e.slow + 1 }

func (e *EMACross) OnQuote(models.Quote) *models.Signal { return nil }

func (e *EMACross) OnBar(bar models.Bar) *models.Signal {
	e.bars++
	if e.bars == 1 {
		e.fastEMA = bar.Close
		e.slowEMA = bar.Close
		e.prevDiff = 0
		return nil
	}
	e.fastEMA = ema(e.fastEMA, bar.Close, e.fast)
	e.slowEMA = ema(e.slowEMA, bar.Close, e.slow)

	diff := e.fastEMA - e.slowEMA
	defer func() { e.prevDiff = diff }()

	if e.bars < e.WarmupBars() {
		return nil
	}

	crossedUp := e.prevDiff <= 0 && diff > 0
	crossedDown := e.prevDiff >= 0 && diff < 0
	if !crossedUp && !crossedDown {
		return nil
	}

	side := models.BUY
	if crossedDown {
		side = models.SELL
	}
	confidence := 0.5
	if bar.Close > 0 {
		confidence = 0.5 + math.Min(0.5, math.Abs(diff)/bar.Close*200)
	}
	reason := fmt.Sprintf("fast EMA %.2f crossed %s slow EMA %.2f",
		e.fastEMA, map[models.Side]string{models.BUY: "above", models.SELL: "below"}[side], e.slowEMA)
	return signal(e.Name(), e.symbol, side, confidence, reason, bar.Start)
}

func ema(prev, value float64, period int) float64 {
	k := 2.0 / float64(period+1)
	return value*k + prev*(1-k)
}
