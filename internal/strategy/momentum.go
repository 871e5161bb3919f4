// momentum.go is the rate-of-change breakout strategy.
package strategy

import (
	"fmt"
	"math"

	"topstepx-engine/pkg/models"
)

// Momentum signals when the close moves more than threshold (fractional,
// e.g. 0.001 = 10 bps) over the lookback window. It stays quiet inside the
// band, so choppy tape produces no churn.
type Momentum struct {
	symbol    string
	lookback  int
	threshold float64

	closes []float64 // ring of the last lookback+1 closes
}

// NewMomentum creates a momentum strategy over a lookback of completed bars.
func NewMomentum(symbol string, lookback int, threshold float64) (*Momentum, error) {
	if lookback < 2 {
		return nil, fmt.Errorf("momentum: lookback must be >= 2, got %d", lookback)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("momentum: threshold must be > 0, got %v", threshold)
	}
	if symbol == "" {
		return nil, fmt.Errorf("momentum: symbol is required")
	}
	return &Momentum{symbol: symbol, lookback: lookback, threshold: threshold}, nil
}

func (m *Momentum) Name() string { return fmt.Sprintf("momentum(%d)", m.lookback) }

func (m *Momentum) WarmupBars() int { return m.lookback + 1 }

func (m *Momentum) OnQuote(models.Quote) *models.Signal { return nil }

func (m *Momentum) OnBar(bar models.Bar) *models.Signal {
	m.closes = append(m.closes, bar.Close)
	if len(m.closes) > m.lookback+1 {
		m.closes = m.closes[1:]
	}
	if len(m.closes) < m.lookback+1 {
		return nil
	}

	oldest := m.closes[0]
	if oldest <= 0 {
		return nil
	}
	roc := (bar.Close - oldest) / oldest
	if math.Abs(roc) < m.threshold {
		return nil
	}

	side := models.BUY
	if roc < 0 {
		side = models.SELL
	}
	confidence := math.Min(1, math.Abs(roc)/(2*m.threshold))
	reason := fmt.Sprintf("%.2f bps move over %d bars", roc*10000, m.lookback)
	return signal(m.Name(), m.symbol, side, confidence, reason, bar.Start)
}
