// Package envelope implements the Envelope State machine: per-wallet and
// aggregate risk bookkeeping consulted by the risk gate and wallet router.
// A single owner struct holds one fine-grained lock
// per keyed entity rather than one global lock, with a periodic ticker
// driving time-based transitions independent of message arrival.
package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"
)

// RejectError is returned by Reserve when a wallet's envelope would be
// breached; Reason is one of the closed reject-reason tags.
type RejectError struct {
	Reason types.RejectReason
}

func (e RejectError) Error() string { return string(e.Reason) }

// ReservationToken identifies a provisional charge against a wallet's
// envelope, released or converted exactly once.
type ReservationToken struct {
	ID       uuid.UUID
	WalletID string
	Symbol   string
	Strategy types.StrategyKind
	Notional decimal.Decimal
	Side     types.Side
}

type walletState struct {
	mu           sync.RWMutex
	metrics      types.WalletMetrics
	envelope     types.RiskEnvelope
	reservations map[uuid.UUID]decimal.Decimal
	positions    map[string]types.Position // keyed by symbol; one open position per symbol per wallet
	lastResetDay string                    // YYYY-MM-DD, UTC unless configured otherwise
}

// BalanceSource is the injected collaborator the periodic balance
// refresher reads from; a real implementation queries an RPC node or
// indexer for a wallet's on-chain balance.
type BalanceSource interface {
	Balance(ctx context.Context, walletID string) (liquid, total decimal.Decimal, err error)
}

// Manager owns every wallet's metrics and envelope counters, plus the
// engine-wide emergency-halt latch. It is the single owner task referenced
// in the design notes: the executor and router only ever interact with it
// through its exported operations, never through shared mutable state.
type Manager struct {
	registry *wallet.Registry

	statesMu sync.RWMutex
	states   map[string]*walletState

	haltLatch        atomicBool
	emergencyFraction float64

	balanceSource BalanceSource
	logger        *slog.Logger
}

// New constructs the envelope manager for every wallet in the registry.
func New(reg *wallet.Registry, emergencyStopThreshold float64, balanceSource BalanceSource, logger *slog.Logger) *Manager {
	m := &Manager{
		registry:          reg,
		states:            make(map[string]*walletState),
		emergencyFraction: emergencyStopThreshold,
		balanceSource:     balanceSource,
		logger:            logger.With("component", "envelope_manager"),
	}
	for _, id := range reg.OrderedIDs() {
		desc, _ := reg.Get(id)
		m.states[id] = &walletState{
			envelope:     desc.Envelope,
			reservations: make(map[uuid.UUID]decimal.Decimal),
			positions:    make(map[string]types.Position),
			metrics: types.WalletMetrics{
				WalletID:   id,
				UpdatedAt:  time.Now(),
			},
			lastResetDay: calendarDay(time.Now()),
		}
	}
	return m
}

func calendarDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Snapshot returns the current metrics and envelope for a wallet. Never
// blocks the caller for more than a bounded lock acquisition.
func (m *Manager) Snapshot(walletID string) (types.WalletMetrics, types.RiskEnvelope, error) {
	st, err := m.state(walletID)
	if err != nil {
		return types.WalletMetrics{}, types.RiskEnvelope{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.metrics, st.envelope, nil
}

// OpenPosition returns a wallet's open position for a symbol, if any.
func (m *Manager) OpenPosition(walletID, symbol string) (types.Position, bool, error) {
	st, err := m.state(walletID)
	if err != nil {
		return types.Position{}, false, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	pos, ok := st.positions[symbol]
	return pos, ok, nil
}

// SnapshotAll reads every wallet's state in the registry's fixed id order,
// avoiding lock-ordering deadlocks for cross-wallet aggregates.
func (m *Manager) SnapshotAll() map[string]types.WalletMetrics {
	out := make(map[string]types.WalletMetrics, len(m.states))
	for _, id := range m.registry.OrderedIDs() {
		st, ok := m.states[id]
		if !ok {
			continue
		}
		st.mu.RLock()
		out[id] = st.metrics
		st.mu.RUnlock()
	}
	return out
}

func (m *Manager) state(walletID string) (*walletState, error) {
	m.statesMu.RLock()
	st, ok := m.states[walletID]
	m.statesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("envelope: unknown wallet %q", walletID)
	}
	return st, nil
}

// Reserve charges a provisional notional against a wallet's envelope,
// returning a token to later Release or consume via ApplyResult.
// Reservations are additive against exposure until released or converted;
// standing open positions (booked by a prior ApplyResult) count toward
// exposure too, so a wallet cannot be walked past its cap one confirmed
// trade at a time.
func (m *Manager) Reserve(walletID, symbol string, strategy types.StrategyKind, notional decimal.Decimal, side types.Side) (ReservationToken, error) {
	st, err := m.state(walletID)
	if err != nil {
		return ReservationToken{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.metrics.DailyPnL.Neg().GreaterThanOrEqual(st.envelope.MaxDailyLoss) {
		return ReservationToken{}, RejectError{Reason: types.RejectDailyLossBreached}
	}
	if st.metrics.TradeCountToday >= st.envelope.DailyTradeCap {
		return ReservationToken{}, RejectError{Reason: types.RejectTradeCapBreached}
	}
	if len(st.reservations) >= st.envelope.MaxConcurrentPositions {
		return ReservationToken{}, RejectError{Reason: types.RejectPositionCountBreach}
	}

	committed := sumReservations(st).Add(sumOpenPositionNotional(st))
	projected := committed.Add(notional)
	maxExposure := st.metrics.TotalValue.Mul(decimal.NewFromFloat(st.envelope.MaxExposurePct))
	if st.metrics.TotalValue.IsPositive() && projected.GreaterThan(maxExposure) {
		return ReservationToken{}, RejectError{Reason: types.RejectExposureBreached}
	}

	token := ReservationToken{ID: uuid.New(), WalletID: walletID, Symbol: symbol, Strategy: strategy, Notional: notional, Side: side}
	st.reservations[token.ID] = notional
	return token, nil
}

func sumReservations(st *walletState) decimal.Decimal {
	total := decimal.Zero
	for _, v := range st.reservations {
		total = total.Add(v)
	}
	return total
}

// sumOpenPositionNotional returns the standing mark-to-market notional of
// every open position, the exposure a confirmed trade leaves behind after
// its reservation is released.
func sumOpenPositionNotional(st *walletState) decimal.Decimal {
	total := decimal.Zero
	for _, p := range st.positions {
		total = total.Add(p.Size.Mul(p.MarkPrice))
	}
	return total
}

// Release discards a reservation without applying any P&L effect.
// Idempotent: calling it more than once leaves state unchanged after the
// first call.
func (m *Manager) Release(token ReservationToken) error {
	st, err := m.state(token.WalletID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.reservations, token.ID)
	return nil
}

// ApplyResult converts a reservation into realized P&L, updates the daily
// trade count, and evaluates emergency-halt transitions.
func (m *Manager) ApplyResult(token ReservationToken, result types.ExecutionResult) error {
	st, err := m.state(token.WalletID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	delete(st.reservations, token.ID)

	if result.Status == types.ExecConfirmed {
		notional := result.FilledSize.Mul(result.FilledPrice)
		delta := signedDelta(token.Side, notional, result.Fees)
		st.metrics.DailyPnL = st.metrics.DailyPnL.Add(delta)
		st.metrics.TotalPnL = st.metrics.TotalPnL.Add(delta)
		st.metrics.TradeCountToday++
		st.metrics.LiquidBalance = st.metrics.LiquidBalance.Sub(result.Fees)
		applyPosition(st, token, result)
	}

	committed := sumReservations(st).Add(sumOpenPositionNotional(st))
	if st.metrics.TotalValue.IsPositive() {
		st.metrics.RiskUtilizationPct = committed.Div(st.metrics.TotalValue).InexactFloat64() * 100
	}
	st.metrics.UpdatedAt = time.Now()

	breached := st.metrics.DailyPnL.Neg().GreaterThanOrEqual(st.envelope.MaxDailyLoss)
	st.mu.Unlock()

	if breached {
		if err := m.registry.SetStatus(token.WalletID, types.WalletStatusEmerg); err != nil {
			m.logger.Error("failed to set emergency status", "wallet_id", token.WalletID, "error", err)
		} else {
			m.logger.Warn("wallet entered emergency halt on daily loss breach", "wallet_id", token.WalletID)
		}
		m.evaluateGlobalHalt()
	}

	return nil
}

// signedDelta returns the realized P&L delta for a fill: positive for a
// Sell (proceeds received), negative for a Buy (capital deployed), net of
// fees either way.
func signedDelta(side types.Side, notional, fees decimal.Decimal) decimal.Decimal {
	if side == types.SideSell {
		return notional.Sub(fees)
	}
	return notional.Neg().Sub(fees)
}

// applyPosition books a confirmed fill against the wallet's open-position
// book: a Buy opens or adds to the symbol's position (size-weighted average
// entry price); a Sell reduces it, closing and removing the entry once its
// size reaches zero. A Sell with no open position to reduce is an exit with
// nothing tracked to close against and is a no-op.
func applyPosition(st *walletState, token ReservationToken, result types.ExecutionResult) {
	pos, open := st.positions[token.Symbol]

	switch token.Side {
	case types.SideBuy:
		if !open {
			st.positions[token.Symbol] = types.Position{
				ID:         uuid.New(),
				WalletID:   token.WalletID,
				Symbol:     token.Symbol,
				Strategy:   token.Strategy,
				Side:       types.SideBuy,
				Size:       result.FilledSize,
				EntryPrice: result.FilledPrice,
				MarkPrice:  result.FilledPrice,
				OpenedAt:   result.Timestamp,
				UpdatedAt:  result.Timestamp,
			}
			return
		}
		totalSize := pos.Size.Add(result.FilledSize)
		if totalSize.IsPositive() {
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).
				Add(result.FilledPrice.Mul(result.FilledSize)).
				Div(totalSize)
		}
		pos.Size = totalSize
		pos.MarkPrice = result.FilledPrice
		pos.UnrealizedPnL = pos.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Size)
		pos.UpdatedAt = result.Timestamp
		st.positions[token.Symbol] = pos

	case types.SideSell:
		if !open {
			return
		}
		pos.Size = pos.Size.Sub(result.FilledSize)
		pos.MarkPrice = result.FilledPrice
		pos.UpdatedAt = result.Timestamp
		if !pos.Size.IsPositive() {
			delete(st.positions, token.Symbol)
			return
		}
		pos.UnrealizedPnL = pos.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Size)
		st.positions[token.Symbol] = pos
	}
}

// evaluateGlobalHalt sets the engine-wide halt latch when the fraction of
// Emergency wallets meets or exceeds the configured threshold.
func (m *Manager) evaluateGlobalHalt() {
	all := m.registry.OrderedIDs()
	if len(all) == 0 {
		return
	}
	emergency := 0
	for _, id := range all {
		desc, err := m.registry.Get(id)
		if err != nil {
			continue
		}
		if desc.Status == types.WalletStatusEmerg {
			emergency++
		}
	}
	frac := float64(emergency) / float64(len(all))
	if frac >= m.emergencyFraction {
		if !m.haltLatch.swap(true) {
			m.logger.Warn("engine-wide emergency halt latched", "emergency_wallets", emergency, "total_wallets", len(all))
		}
	}
}

// GlobalDailyPnL sums every wallet's daily P&L, read in the registry's
// fixed id order. Satisfies risk.DailyPnLSource for the risk gate's
// global daily-P&L check.
func (m *Manager) GlobalDailyPnL() decimal.Decimal {
	total := decimal.Zero
	for _, id := range m.registry.OrderedIDs() {
		st, ok := m.states[id]
		if !ok {
			continue
		}
		st.mu.RLock()
		total = total.Add(st.metrics.DailyPnL)
		st.mu.RUnlock()
	}
	return total
}

// Halted reports whether the engine-wide emergency-halt latch is set.
func (m *Manager) Halted() bool { return m.haltLatch.load() }

// ClearHalt is an explicit admin operation that clears the emergency-halt
// latch; it does not clear individual wallet Emergency statuses.
func (m *Manager) ClearHalt() {
	m.haltLatch.swap(false)
	m.logger.Info("engine-wide emergency halt cleared by admin operation")
}

// TickCalendar resets daily counters for any wallet whose calendar day has
// advanced relative to now. Idempotent across concurrent callers: a wallet
// whose lastResetDay already matches today is left untouched.
func (m *Manager) TickCalendar(now time.Time) {
	today := calendarDay(now)
	for _, id := range m.registry.OrderedIDs() {
		st, ok := m.states[id]
		if !ok {
			continue
		}
		st.mu.Lock()
		if st.lastResetDay != today {
			st.metrics.DailyPnL = decimal.Zero
			st.metrics.TradeCountToday = 0
			st.lastResetDay = today
		}
		st.mu.Unlock()
	}
}

// RefreshBalances re-reads every wallet's liquid/total balance from the
// injected BalanceSource. Runs on the configured balance_check_interval,
// independent of trade-driven updates.
func (m *Manager) RefreshBalances(ctx context.Context) {
	if m.balanceSource == nil {
		return
	}
	for _, id := range m.registry.OrderedIDs() {
		liquid, total, err := m.balanceSource.Balance(ctx, id)
		if err != nil {
			m.logger.Warn("balance refresh failed", "wallet_id", id, "error", err)
			continue
		}
		st, ok := m.states[id]
		if !ok {
			continue
		}
		st.mu.Lock()
		st.metrics.LiquidBalance = liquid
		st.metrics.TotalValue = total
		st.metrics.UpdatedAt = time.Now()
		st.mu.Unlock()
	}
}

// Run drives the calendar-day reset and the balance refresh until ctx is
// cancelled. The calendar reset fires on a UTC midnight cron schedule
// rather than a fixed-interval ticker, so a slow start or a missed tick
// never drifts the reset away from the wall-clock day boundary. Balance
// refresh stays on calendarCheck's sibling, a plain interval, since it has
// no wall-clock anchor to honor.
func (m *Manager) Run(ctx context.Context, calendarCheck, balanceCheck time.Duration) {
	sched := cron.New(cron.WithLocation(time.UTC), cron.WithSeconds())
	if _, err := sched.AddFunc("0 0 0 * * *", func() { m.TickCalendar(time.Now()) }); err != nil {
		m.logger.Error("failed to schedule calendar-day reset, falling back to interval ticker", "error", err)
		m.runCalendarFallback(ctx, calendarCheck)
		return
	}
	sched.Start()
	defer sched.Stop()

	var balTicker *time.Ticker
	var balCh <-chan time.Time
	if balanceCheck > 0 {
		balTicker = time.NewTicker(balanceCheck)
		defer balTicker.Stop()
		balCh = balTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-balCh:
			m.RefreshBalances(ctx)
		}
	}
}

// runCalendarFallback is the defensive path if the cron expression ever
// fails to parse; it reverts to the original fixed-interval behavior so a
// programming error in the schedule string degrades gracefully instead of
// silently dropping calendar resets.
func (m *Manager) runCalendarFallback(ctx context.Context, calendarCheck time.Duration) {
	ticker := time.NewTicker(calendarCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.TickCalendar(now)
		}
	}
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) swap(v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.v
	a.v = v
	return old
}

func (a *atomicBool) load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
