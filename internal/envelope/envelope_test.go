package envelope

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"

	"github.com/mr-tron/base58"
)

func testSeed(fill byte) []byte {
	seed := make([]byte, 64)
	for i := range seed {
		seed[i] = fill + byte(i)
	}
	return seed
}

func testRegistry(t *testing.T, n int) *wallet.Registry {
	t.Helper()
	entries := make([]string, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		entries[i] = "wallet-" + id + ":" + base58.Encode(testSeed(byte(i+1))) + ":primary:medium:0.5"
	}
	cfg := config.WalletsConfig{
		ManagedWallets:         joinComma(entries),
		EmergencyStopThreshold: 0.5,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	return reg
}

func joinComma(entries []string) string {
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

func seedTotalValue(t *testing.T, m *Manager, walletID string, total decimal.Decimal) {
	t.Helper()
	st, err := m.state(walletID)
	if err != nil {
		t.Fatalf("state(%s): %v", walletID, err)
	}
	st.mu.Lock()
	st.metrics.TotalValue = total
	st.metrics.LiquidBalance = total
	st.mu.Unlock()
}

func TestReserveAndRelease_Idempotent(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(10000))

	token, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(100), types.SideBuy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := m.Release(token); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	_, _, before := m.Snapshot("wallet-a")
	if before != nil {
		t.Fatalf("Snapshot error: %v", before)
	}

	// Second release of the same token must be a no-op, not an error and
	// not a double-decrement of anything.
	if err := m.Release(token); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestReserve_RejectsWhenExposureBreached(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(100))

	// envelope MaxExposurePct for "medium" profile is 0.4 -> cap is 40.
	_, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(1000), types.SideBuy)
	if err == nil {
		t.Fatal("expected exposure breach rejection")
	}
	rej, ok := err.(RejectError)
	if !ok || rej.Reason != types.RejectExposureBreached {
		t.Fatalf("err = %v, want RejectExposureBreached", err)
	}
}

func TestApplyResult_UpdatesTradeCountAndPnL(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(10000))

	token, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(100), types.SideSell)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	result := types.ExecutionResult{
		Status:      types.ExecConfirmed,
		FilledSize:  decimal.NewFromInt(1),
		FilledPrice: decimal.NewFromInt(100),
		Fees:        decimal.NewFromInt(1),
	}
	if err := m.ApplyResult(token, result); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}

	metrics, _, err := m.Snapshot("wallet-a")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if metrics.TradeCountToday != 1 {
		t.Errorf("TradeCountToday = %d, want 1", metrics.TradeCountToday)
	}
	wantPnL := decimal.NewFromInt(99) // 1*100 - 1 fee
	if !metrics.DailyPnL.Equal(wantPnL) {
		t.Errorf("DailyPnL = %v, want %v", metrics.DailyPnL, wantPnL)
	}
}

func TestApplyResult_TriggersEmergencyHaltOnDailyLossBreach(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 2)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(10000))
	seedTotalValue(t, m, "wallet-b", decimal.NewFromInt(10000))

	// "medium" profile MaxDailyLoss is 1000.
	token, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(1), types.SideBuy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	result := types.ExecutionResult{
		Status:      types.ExecConfirmed,
		FilledSize:  decimal.NewFromInt(100),
		FilledPrice: decimal.NewFromInt(20),
		Fees:        decimal.Zero,
	}
	if err := m.ApplyResult(token, result); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}

	desc, err := reg.Get("wallet-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if desc.Status != types.WalletStatusEmerg {
		t.Errorf("wallet-a status = %v, want Emergency", desc.Status)
	}

	// Only 1 of 2 wallets is Emergency (0.5 fraction meets the 0.5
	// threshold), so the global halt must latch.
	if !m.Halted() {
		t.Error("expected global halt to latch at threshold fraction")
	}
}

func TestApplyResult_OpensAndClosesPosition(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(10000))

	buyToken, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(200), types.SideBuy)
	if err != nil {
		t.Fatalf("Reserve buy: %v", err)
	}
	if err := m.ApplyResult(buyToken, types.ExecutionResult{
		Status: types.ExecConfirmed, FilledSize: decimal.NewFromInt(2),
		FilledPrice: decimal.NewFromInt(100), Fees: decimal.Zero, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyResult buy: %v", err)
	}

	pos, ok, err := m.OpenPosition("wallet-a", "SOL/USDC")
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if !ok {
		t.Fatal("expected an open position after a confirmed buy")
	}
	if !pos.Size.Equal(decimal.NewFromInt(2)) || !pos.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("position = %+v, want size 2 entry 100", pos)
	}

	sellToken, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(200), types.SideSell)
	if err != nil {
		t.Fatalf("Reserve sell: %v", err)
	}
	if err := m.ApplyResult(sellToken, types.ExecutionResult{
		Status: types.ExecConfirmed, FilledSize: decimal.NewFromInt(2),
		FilledPrice: decimal.NewFromInt(110), Fees: decimal.Zero, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyResult sell: %v", err)
	}

	if _, ok, _ := m.OpenPosition("wallet-a", "SOL/USDC"); ok {
		t.Error("expected the position to be closed once its full size is sold")
	}
}

func TestReserve_FoldsOpenPositionNotionalIntoExposureCheck(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	// "medium" profile MaxExposurePct is 0.4 -> cap is 40 against total 100.
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(100))

	token, err := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(35), types.SideBuy)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.ApplyResult(token, types.ExecutionResult{
		Status: types.ExecConfirmed, FilledSize: decimal.NewFromInt(35),
		FilledPrice: decimal.NewFromInt(1), Fees: decimal.Zero, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}

	// The reservation is gone, but the confirmed trade left a 35-notional
	// open position standing. A second reservation that would have fit
	// against a fresh 40 cap must now be rejected.
	_, err = m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(10), types.SideBuy)
	if err == nil {
		t.Fatal("expected exposure breach rejection once the open position is counted")
	}
	rej, ok := err.(RejectError)
	if !ok || rej.Reason != types.RejectExposureBreached {
		t.Fatalf("err = %v, want RejectExposureBreached", err)
	}
}

func TestTickCalendar_ResetsDailyCountersOnceAndIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, 1)
	m := New(reg, 0.5, nil, slog.Default())
	seedTotalValue(t, m, "wallet-a", decimal.NewFromInt(10000))

	token, _ := m.Reserve("wallet-a", "SOL/USDC", types.StrategyMomentum, decimal.NewFromInt(1), types.SideBuy)
	_ = m.ApplyResult(token, types.ExecutionResult{
		Status: types.ExecConfirmed, FilledSize: decimal.NewFromInt(1),
		FilledPrice: decimal.NewFromInt(10), Fees: decimal.Zero,
	})

	metricsBefore, _, _ := m.Snapshot("wallet-a")
	if metricsBefore.TradeCountToday != 1 {
		t.Fatalf("expected 1 trade before reset, got %d", metricsBefore.TradeCountToday)
	}

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	m.TickCalendar(tomorrow)
	m.TickCalendar(tomorrow) // idempotent second call same day

	metricsAfter, _, _ := m.Snapshot("wallet-a")
	if metricsAfter.TradeCountToday != 0 {
		t.Errorf("TradeCountToday after calendar tick = %d, want 0", metricsAfter.TradeCountToday)
	}
	if !metricsAfter.DailyPnL.IsZero() {
		t.Errorf("DailyPnL after calendar tick = %v, want 0", metricsAfter.DailyPnL)
	}
}
