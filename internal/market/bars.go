// bars.go aggregates live ticks into OHLCV bars for the strategy loop.
package market

import (
	"sync"
	"time"

	"topstepx-engine/pkg/models"
)

// BarAggregator folds quotes and trade prints into fixed-interval bars,
// one in-flight bar per symbol. Concurrency-safe; each completed bar is
// returned exactly once, when the first tick of the next interval lands.
type BarAggregator struct {
	interval time.Duration

	mu      sync.Mutex
	current map[string]*models.Bar
}

// NewBarAggregator creates an aggregator with the given bar interval.
func NewBarAggregator(interval time.Duration) *BarAggregator {
	return &BarAggregator{
		interval: interval,
		current:  make(map[string]*models.Bar),
	}
}

// Interval returns the bar width.
func (a *BarAggregator) Interval() time.Duration { return a.interval }

// ApplyQuote folds one quote into the symbol's bar. Returns the completed
// previous bar when the quote starts a new interval, else nil.
func (a *BarAggregator) ApplyQuote(q models.Quote) *models.Bar {
	if q.LastPrice <= 0 {
		return nil
	}
	return a.apply(q.Symbol, q.LastPrice, 0, q.Timestamp)
}

// ApplyTrade folds one trade print, carrying volume, into the symbol's bar.
func (a *BarAggregator) ApplyTrade(symbol string, price, volume float64, ts time.Time) *models.Bar {
	if price <= 0 {
		return nil
	}
	return a.apply(symbol, price, volume, ts)
}

func (a *BarAggregator) apply(symbol string, price, volume float64, ts time.Time) *models.Bar {
	if ts.IsZero() {
		ts = time.Now()
	}
	start := ts.Truncate(a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.current[symbol]
	if cur == nil || start.After(cur.Start) {
		a.current[symbol] = &models.Bar{
			Symbol: symbol,
			Start:  start,
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: volume,
		}
		if cur == nil {
			return nil
		}
		done := *cur
		return &done
	}
	if start.Before(cur.Start) {
		// Late tick from a closed interval; too late to amend.
		return nil
	}

	if price > cur.High {
		cur.High = price
	}
	if price < cur.Low {
		cur.Low = price
	}
	cur.Close = price
	cur.Volume += volume
	return nil
}

// Flush returns and clears the in-flight bar for a symbol, used on
// shutdown or when a strategy is detached mid-interval.
func (a *BarAggregator) Flush(symbol string) *models.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.current[symbol]
	if cur == nil {
		return nil
	}
	delete(a.current, symbol)
	done := *cur
	return &done
}
