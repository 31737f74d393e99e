// fixtures.go ships one reference implementation per strategy kind named in
// the closed set, except ExternalDecision, whose intents come from the
// inference bridge rather than a fixture. Each is a thin, self-contained heuristic: real heuristics
// are reference material, not part of the core contract. Every
// fixture applies the documented slippage pricing rule (pricing.go) to its
// proposed limit price, grounded on the source's StrategyEngine.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"overmind-engine/pkg/types"
)

// baseStrategy centralizes the bits every fixture needs: a mutable
// slippage-bps parameter and a thread-safe last-error slot for the
// runtime's error-budget accounting.
type baseStrategy struct {
	mu          sync.Mutex
	slippageBps int64
	lastErr     error
}

func (b *baseStrategy) UpdateParameters(cfg Config) error {
	if v, ok := cfg["slippage_bps"]; ok {
		var bps int64
		if _, err := fmt.Sscan(v, &bps); err != nil {
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
			return err
		}
		b.mu.Lock()
		b.slippageBps = bps
		b.mu.Unlock()
	}
	return nil
}

func (b *baseStrategy) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *baseStrategy) slippage() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slippageBps
}

func newIntent(kind types.StrategyKind, symbol string, side types.Side, size, limit decimal.Decimal, confidence float64) types.Intent {
	return types.Intent{
		ID:         uuid.New(),
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		LimitPrice: limit,
		Confidence: confidence,
		Strategy:   kind,
		OriginTime: time.Now(),
	}
}

// --- Momentum --------------------------------------------------------------

// Momentum buys when the last price trades meaningfully above the mid of
// bid/ask (a simple proxy for upward short-term momentum) and sells on the
// symmetric downside case.
type Momentum struct {
	baseStrategy
	ThresholdBps int64
	Size         decimal.Decimal
}

func NewMomentum(thresholdBps int64, size decimal.Decimal) *Momentum {
	return &Momentum{ThresholdBps: thresholdBps, Size: size}
}

func (m *Momentum) Kind() types.StrategyKind { return types.StrategyMomentum }

func (m *Momentum) Observe(tick types.MarketTick) (types.Intent, bool) {
	if tick.Bid.IsZero() && tick.Ask.IsZero() {
		return types.Intent{}, false
	}
	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return types.Intent{}, false
	}
	deviationBps := tick.LastPrice.Sub(mid).Div(mid).Mul(decimal.NewFromInt(10000))

	threshold := decimal.NewFromInt(m.ThresholdBps)
	switch {
	case deviationBps.GreaterThanOrEqual(threshold):
		limit := AdjustForSlippage(tick.LastPrice, types.SideBuy, m.slippage())
		return newIntent(types.StrategyMomentum, tick.Symbol, types.SideBuy, m.Size, limit, 0.65), true
	case deviationBps.LessThanOrEqual(threshold.Neg()):
		limit := AdjustForSlippage(tick.LastPrice, types.SideSell, m.slippage())
		return newIntent(types.StrategyMomentum, tick.Symbol, types.SideSell, m.Size, limit, 0.65), true
	default:
		return types.Intent{}, false
	}
}

// --- Sniping -----------------------------------------------------------

// Sniping targets a configured watchlist of newly-listed symbols, buying
// the first tick observed for each at high confidence — a reference
// implementation of the "new listing" entry pattern.
type Sniping struct {
	baseStrategy
	Watchlist map[string]bool
	seen      map[string]bool
	seenMu    sync.Mutex
	Size      decimal.Decimal
}

func NewSniping(watchlist []string, size decimal.Decimal) *Sniping {
	wl := make(map[string]bool, len(watchlist))
	for _, s := range watchlist {
		wl[s] = true
	}
	return &Sniping{Watchlist: wl, seen: make(map[string]bool), Size: size}
}

func (s *Sniping) Kind() types.StrategyKind { return types.StrategySniping }

func (s *Sniping) Observe(tick types.MarketTick) (types.Intent, bool) {
	if !s.Watchlist[tick.Symbol] {
		return types.Intent{}, false
	}
	s.seenMu.Lock()
	already := s.seen[tick.Symbol]
	s.seen[tick.Symbol] = true
	s.seenMu.Unlock()
	if already {
		return types.Intent{}, false
	}
	limit := AdjustForSlippage(tick.LastPrice, types.SideBuy, s.slippage())
	return newIntent(types.StrategySniping, tick.Symbol, types.SideBuy, s.Size, limit, 0.8), true
}

// --- Arbitrage -----------------------------------------------------------

// Arbitrage compares a tick's venue-quoted price against an external
// reference price feed (e.g. a second DEX pool); a price gap beyond
// MinSpreadBps is treated as an arbitrage opportunity.
type Arbitrage struct {
	baseStrategy
	ReferencePrices map[string]decimal.Decimal
	refMu           sync.RWMutex
	MinSpreadBps    int64
	Size            decimal.Decimal
}

func NewArbitrage(minSpreadBps int64, size decimal.Decimal) *Arbitrage {
	return &Arbitrage{ReferencePrices: make(map[string]decimal.Decimal), MinSpreadBps: minSpreadBps, Size: size}
}

// SetReferencePrice updates the external reference price used for spread
// comparison. It is safe to call concurrently with Observe; nothing in
// this module calls it, so the reference map starts empty.
func (a *Arbitrage) SetReferencePrice(symbol string, price decimal.Decimal) {
	a.refMu.Lock()
	a.ReferencePrices[symbol] = price
	a.refMu.Unlock()
}

func (a *Arbitrage) Kind() types.StrategyKind { return types.StrategyArbitrage }

func (a *Arbitrage) Observe(tick types.MarketTick) (types.Intent, bool) {
	a.refMu.RLock()
	ref, ok := a.ReferencePrices[tick.Symbol]
	a.refMu.RUnlock()
	if !ok || ref.IsZero() {
		return types.Intent{}, false
	}
	spreadBps := tick.LastPrice.Sub(ref).Div(ref).Mul(decimal.NewFromInt(10000)).Abs()
	if spreadBps.LessThan(decimal.NewFromInt(a.MinSpreadBps)) {
		return types.Intent{}, false
	}
	side := types.SideBuy
	if tick.LastPrice.GreaterThan(ref) {
		side = types.SideSell
	}
	limit := AdjustForSlippage(tick.LastPrice, side, a.slippage())
	confidence := clamp01(spreadBps.Div(decimal.NewFromInt(100)).InexactFloat64())
	return newIntent(types.StrategyArbitrage, tick.Symbol, side, a.Size, limit, confidence), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- SoulMeteor ------------------------------------------------------------

// SoulMeteor is a reference fixture for pump.fun-style "soul meteor"
// bonding-curve sniping: it buys once a tick's volume crosses a launch
// threshold, signalling the bonding curve has started attracting flow.
type SoulMeteor struct {
	baseStrategy
	VolumeThreshold decimal.Decimal
	Size            decimal.Decimal
}

func NewSoulMeteor(volumeThreshold, size decimal.Decimal) *SoulMeteor {
	return &SoulMeteor{VolumeThreshold: volumeThreshold, Size: size}
}

func (s *SoulMeteor) Kind() types.StrategyKind { return types.StrategySoulMeteor }

func (s *SoulMeteor) Observe(tick types.MarketTick) (types.Intent, bool) {
	if tick.Volume.LessThan(s.VolumeThreshold) {
		return types.Intent{}, false
	}
	limit := AdjustForSlippage(tick.LastPrice, types.SideBuy, s.slippage())
	return newIntent(types.StrategySoulMeteor, tick.Symbol, types.SideBuy, s.Size, limit, 0.55), true
}

// --- MeteoraDAMM -------------------------------------------------------

// MeteoraDAMM is a reference fixture for dynamic-AMM liquidity-pool
// analysis: it sells into ticks whose bid/ask spread has widened past a
// threshold, a proxy for pool-depth deterioration worth exiting ahead of.
type MeteoraDAMM struct {
	baseStrategy
	MaxSpreadBps int64
	Size         decimal.Decimal
}

func NewMeteoraDAMM(maxSpreadBps int64, size decimal.Decimal) *MeteoraDAMM {
	return &MeteoraDAMM{MaxSpreadBps: maxSpreadBps, Size: size}
}

func (m *MeteoraDAMM) Kind() types.StrategyKind { return types.StrategyMeteoraDAMM }

func (m *MeteoraDAMM) Observe(tick types.MarketTick) (types.Intent, bool) {
	if tick.Bid.IsZero() || tick.Ask.IsZero() {
		return types.Intent{}, false
	}
	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return types.Intent{}, false
	}
	spreadBps := tick.Ask.Sub(tick.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
	if spreadBps.LessThan(decimal.NewFromInt(m.MaxSpreadBps)) {
		return types.Intent{}, false
	}
	limit := AdjustForSlippage(tick.Bid, types.SideSell, m.slippage())
	return newIntent(types.StrategyMeteoraDAMM, tick.Symbol, types.SideSell, m.Size, limit, 0.5), true
}

// --- DeveloperTracking ---------------------------------------------------

// DeveloperTracking is a reference fixture for tracking a watched set of
// developer/insider wallets' tokens: any tick for a tracked symbol is
// treated as a signal to follow, at the configured size.
type DeveloperTracking struct {
	baseStrategy
	TrackedSymbols map[string]bool
	Size           decimal.Decimal
}

func NewDeveloperTracking(symbols []string, size decimal.Decimal) *DeveloperTracking {
	tracked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		tracked[s] = true
	}
	return &DeveloperTracking{TrackedSymbols: tracked, Size: size}
}

func (d *DeveloperTracking) Kind() types.StrategyKind { return types.StrategyDeveloperTrack }

func (d *DeveloperTracking) Observe(tick types.MarketTick) (types.Intent, bool) {
	if !d.TrackedSymbols[tick.Symbol] {
		return types.Intent{}, false
	}
	limit := AdjustForSlippage(tick.LastPrice, types.SideBuy, d.slippage())
	return newIntent(types.StrategyDeveloperTrack, tick.Symbol, types.SideBuy, d.Size, limit, 0.6), true
}

// --- MemeCoin --------------------------------------------------------------

// MemeCoin is a reference fixture for meme-coin momentum: it requires both
// a volume spike and a positive price deviation before buying, a coarser
// and noisier variant of Momentum tuned for low-liquidity symbols.
type MemeCoin struct {
	baseStrategy
	VolumeThreshold decimal.Decimal
	DeviationBps    int64
	Size            decimal.Decimal
}

func NewMemeCoin(volumeThreshold decimal.Decimal, deviationBps int64, size decimal.Decimal) *MemeCoin {
	return &MemeCoin{VolumeThreshold: volumeThreshold, DeviationBps: deviationBps, Size: size}
}

func (mc *MemeCoin) Kind() types.StrategyKind { return types.StrategyMemeCoin }

func (mc *MemeCoin) Observe(tick types.MarketTick) (types.Intent, bool) {
	if tick.Volume.LessThan(mc.VolumeThreshold) {
		return types.Intent{}, false
	}
	if tick.Bid.IsZero() && tick.Ask.IsZero() {
		return types.Intent{}, false
	}
	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return types.Intent{}, false
	}
	deviationBps := tick.LastPrice.Sub(mid).Div(mid).Mul(decimal.NewFromInt(10000))
	if deviationBps.LessThan(decimal.NewFromInt(mc.DeviationBps)) {
		return types.Intent{}, false
	}
	limit := AdjustForSlippage(tick.LastPrice, types.SideBuy, mc.slippage())
	return newIntent(types.StrategyMemeCoin, tick.Symbol, types.SideBuy, mc.Size, limit, 0.45), true
}
