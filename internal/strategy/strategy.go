// Package strategy implements the signal generators and the gate chain a
// bot runs per account.
//
// A strategy consumes bars (and optionally raw quotes) and emits Signals;
// it never talks to the broker. Gates sit between strategy output and the
// risk manager: the identity gate passes everything, the ML confirmation
// gate rejects signals the validator scores below threshold, and the RL
// sizing gate rewrites the contract count. All ML components are optional;
// a bot with no models configured runs the identity gate and is fully
// functional.
package strategy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"topstepx-engine/pkg/models"
)

// Strategy is one signal generator bound to a single symbol.
type Strategy interface {
	// Name identifies the strategy in activity logs and status payloads.
	Name() string
	// WarmupBars is how many bars the strategy needs before it can signal.
	WarmupBars() int
	// OnBar consumes one completed bar. Returns a signal or nil.
	OnBar(bar models.Bar) *models.Signal
	// OnQuote consumes one quote tick. Most bar-driven strategies return nil.
	OnQuote(q models.Quote) *models.Signal
}

// Config describes one strategy instance in the bots file.
type Config struct {
	Name   string             `yaml:"name" json:"name"`
	Symbol string             `yaml:"symbol" json:"symbol"`
	Params map[string]float64 `yaml:"params" json:"params,omitempty"`
}

// Build instantiates a strategy by name. Unknown names are configuration
// errors, not silent no-ops.
func Build(cfg Config) (Strategy, error) {
	switch strings.ToLower(cfg.Name) {
	case "ema_cross":
		fast := intParam(cfg.Params, "fast", 9)
		slow := intParam(cfg.Params, "slow", 21)
		return NewEMACross(cfg.Symbol, fast, slow)
	case "momentum":
		lookback := intParam(cfg.Params, "lookback", 12)
		threshold := cfg.Params["threshold"]
		if threshold <= 0 {
			threshold = 0.001
		}
		return NewMomentum(cfg.Symbol, lookback, threshold)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// Names lists the buildable strategy names for the config endpoint.
func Names() []string {
	return []string{"ema_cross", "momentum"}
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

// signal builds a Signal with confidence clamped into [0, 1].
func signal(strategyName, symbol string, side models.Side, confidence float64, reason string, at time.Time) *models.Signal {
	if math.IsNaN(confidence) {
		confidence = 0
	}
	confidence = math.Max(0, math.Min(1, confidence))
	return &models.Signal{
		Symbol:     symbol,
		Side:       side,
		Confidence: confidence,
		Size:       1,
		Strategy:   strategyName,
		Reason:     reason,
		Time:       at,
	}
}
