// Package market provides contract metadata, symbol matching, position
// valuation, trading-hours math and live bar aggregation.
//
// The registry caches the broker's contract list with a TTL so the hot
// paths (quote routing, order placement) never block on a REST call once
// warm. Symbol matching between the broker's quote keys and the UI's chart
// symbols is the recurring trap in this domain: the broker keys some
// products by pit symbols (EP for the big S&P contract) that never appear
// on a chart, so cross-aliases are table-driven config, never inferred.
package market

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"topstepx-engine/internal/broker"
	"topstepx-engine/pkg/models"
)

// ContractSource is the slice of the broker REST client the registry needs.
type ContractSource interface {
	AvailableContracts(ctx context.Context, live bool) broker.Result[[]models.Contract]
	SearchContracts(ctx context.Context, query string, live bool) broker.Result[[]models.Contract]
	SearchContractByID(ctx context.Context, contractID string) broker.Result[models.Contract]
}

// Normalize canonicalizes a symbol: dotted contract IDs reduce to their
// contract-month form, everything else is uppercased with non-alphanumerics
// stripped.
func Normalize(s string) string {
	if strings.Contains(s, ".") {
		return models.SymbolFromContractID(s)
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Matcher decides whether a streamed quote symbol serves a chart symbol.
// Strategy: exact match, then shared alphabetic base (length >= 2), then
// the configured alias table, both directions.
type Matcher struct {
	aliases map[string]map[string]bool
}

// NewMatcher builds a matcher from the config alias table
// (quote root -> chart roots, e.g. EP -> [ES, MES]).
func NewMatcher(table map[string][]string) *Matcher {
	m := &Matcher{aliases: make(map[string]map[string]bool)}
	for root, served := range table {
		key := Normalize(root)
		if m.aliases[key] == nil {
			m.aliases[key] = make(map[string]bool)
		}
		for _, s := range served {
			m.aliases[key][Normalize(s)] = true
		}
	}
	return m
}

// Matches reports whether a quote keyed by quoteSymbol should be routed to
// subscribers of chartSymbol.
func (m *Matcher) Matches(quoteSymbol, chartSymbol string) bool {
	q := Normalize(quoteSymbol)
	c := Normalize(chartSymbol)
	if q == "" || c == "" {
		return false
	}
	if q == c {
		return true
	}
	qBase, _ := models.SplitSymbol(q)
	cBase, _ := models.SplitSymbol(c)
	if len(qBase) >= 2 && qBase == cBase {
		return true
	}
	if m.aliases[qBase][cBase] || m.aliases[cBase][qBase] {
		return true
	}
	return false
}

// Registry is the TTL-cached contract store, keyed by normalized symbol and
// by dotted contract ID. Refresh is single-writer: concurrent readers during
// a refresh keep serving the stale snapshot rather than stampeding the
// broker.
type Registry struct {
	src     ContractSource
	ttl     time.Duration
	matcher *Matcher
	logger  *slog.Logger

	mu        sync.RWMutex
	bySymbol  map[string]models.Contract
	byID      map[string]models.Contract
	fetchedAt time.Time

	refreshMu sync.Mutex
}

// NewRegistry creates a contract registry. aliases is the config quote-alias
// table passed through to the matcher.
func NewRegistry(src ContractSource, ttl time.Duration, aliases map[string][]string, logger *slog.Logger) *Registry {
	return &Registry{
		src:      src,
		ttl:      ttl,
		matcher:  NewMatcher(aliases),
		logger:   logger.With("component", "registry"),
		bySymbol: make(map[string]models.Contract),
		byID:     make(map[string]models.Contract),
	}
}

// Matches exposes the symbol matcher for quote routing.
func (r *Registry) Matches(quoteSymbol, chartSymbol string) bool {
	return r.matcher.Matches(quoteSymbol, chartSymbol)
}

// Refresh forces a cache reload regardless of TTL.
func (r *Registry) Refresh(ctx context.Context) *broker.Error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return r.reloadLocked(ctx)
}

// ensureFresh reloads the cache when the TTL has lapsed. Only one caller
// performs the reload; the rest either wait on the refresh mutex or read
// the snapshot that just landed.
func (r *Registry) ensureFresh(ctx context.Context) *broker.Error {
	r.mu.RLock()
	fresh := time.Since(r.fetchedAt) < r.ttl && len(r.bySymbol) > 0
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.mu.RLock()
	fresh = time.Since(r.fetchedAt) < r.ttl && len(r.bySymbol) > 0
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.reloadLocked(ctx)
}

func (r *Registry) reloadLocked(ctx context.Context) *broker.Error {
	res := r.src.AvailableContracts(ctx, true)
	if !res.IsOK() {
		// Keep serving the stale snapshot if we have one.
		r.mu.RLock()
		warm := len(r.bySymbol) > 0
		r.mu.RUnlock()
		if warm {
			r.logger.Warn("contract refresh failed, serving stale cache", "error", res.Err)
			return nil
		}
		return res.Err
	}

	bySymbol := make(map[string]models.Contract, len(res.Value))
	byID := make(map[string]models.Contract, len(res.Value))
	for _, c := range res.Value {
		bySymbol[Normalize(c.Symbol)] = c
		byID[c.ID] = c
	}

	r.mu.Lock()
	r.bySymbol = bySymbol
	r.byID = byID
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("contract cache refreshed", "contracts", len(byID))
	return nil
}

// GetBySymbol resolves a chart symbol to a contract. Accepts both the
// contract-month form (MESZ25) and a bare product root (MES); roots resolve
// to the live contract for that product.
func (r *Registry) GetBySymbol(ctx context.Context, symbol string) broker.Result[models.Contract] {
	if e := r.ensureFresh(ctx); e != nil {
		return broker.Fail[models.Contract](e)
	}
	norm := Normalize(symbol)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.bySymbol[norm]; ok {
		return broker.OK(c)
	}

	// Bare root: pick the live contract for the product, earliest symbol
	// as tie-break so the pick is deterministic.
	var candidates []models.Contract
	for _, c := range r.bySymbol {
		if Normalize(c.BaseSymbol) == norm {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return broker.Failf[models.Contract](broker.KindNotFound, "no contract for symbol %q", symbol)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Live != candidates[j].Live {
			return candidates[i].Live
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	return broker.OK(candidates[0])
}

// GetByID resolves a dotted contract ID, falling back to a point lookup for
// IDs not in the cached list (expired months still referenced by positions).
func (r *Registry) GetByID(ctx context.Context, contractID string) broker.Result[models.Contract] {
	if e := r.ensureFresh(ctx); e != nil {
		return broker.Fail[models.Contract](e)
	}

	r.mu.RLock()
	c, ok := r.byID[contractID]
	r.mu.RUnlock()
	if ok {
		return broker.OK(c)
	}

	res := r.src.SearchContractByID(ctx, contractID)
	if !res.IsOK() {
		return res
	}
	r.mu.Lock()
	r.byID[res.Value.ID] = res.Value
	r.bySymbol[Normalize(res.Value.Symbol)] = res.Value
	r.mu.Unlock()
	return res
}

// List returns the cached contracts, optionally live-only, sorted by symbol.
func (r *Registry) List(ctx context.Context, liveOnly bool) broker.Result[[]models.Contract] {
	if e := r.ensureFresh(ctx); e != nil {
		return broker.Fail[[]models.Contract](e)
	}
	r.mu.RLock()
	out := make([]models.Contract, 0, len(r.byID))
	for _, c := range r.byID {
		if liveOnly && !c.Live {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return broker.OK(out)
}

// Search filters the cache by substring on symbol and description; a cache
// miss falls through to the broker's free-text search.
func (r *Registry) Search(ctx context.Context, query string) broker.Result[[]models.Contract] {
	if e := r.ensureFresh(ctx); e != nil {
		return broker.Fail[[]models.Contract](e)
	}
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return r.List(ctx, false)
	}

	r.mu.RLock()
	var out []models.Contract
	for _, c := range r.byID {
		if strings.Contains(strings.ToUpper(c.Symbol), q) ||
			strings.Contains(strings.ToUpper(c.Description), q) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	if len(out) == 0 {
		return r.src.SearchContracts(ctx, query, false)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return broker.OK(out)
}
