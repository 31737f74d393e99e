package router

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/google/uuid"

	"overmind-engine/internal/config"
	"overmind-engine/internal/envelope"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"
)

func testSeed(fill byte) []byte {
	seed := make([]byte, 64)
	for i := range seed {
		seed[i] = fill + byte(i)
	}
	return seed
}

func testApprovedIntent(strategy types.StrategyKind, size decimal.Decimal) types.ApprovedIntent {
	return types.ApprovedIntent{
		Original: types.Intent{
			ID: uuid.New(), Symbol: "SOL/USDC", Side: types.SideBuy,
			Size: size, Strategy: strategy, OriginTime: time.Now(),
		},
		ApprovedSize: size,
		ApprovedAt:   time.Now(),
	}
}

func TestRoute_SelectsHighestScoringActiveCandidate(t *testing.T) {
	t.Parallel()

	entryA := "wallet-a:" + base58.Encode(testSeed(1)) + ":primary:medium:0.5"
	entryB := "wallet-b:" + base58.Encode(testSeed(2)) + ":conservative:medium:0.5"
	cfg := config.WalletsConfig{
		ManagedWallets:         entryA + "," + entryB,
		EmergencyStopThreshold: 0.5,
		SelectionTimeout:       200 * time.Millisecond,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	env := envelope.New(reg, 0.5, nil, slog.Default())

	r := New(reg, env, cfg, slog.Default())
	routed, handle, err := r.Route(context.Background(), testApprovedIntent(types.StrategyMomentum, decimal.NewFromInt(10)), "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	// Primary outranks Conservative in base_by_type (50 vs 15); the
	// Conservative wallet's larger Momentum allocation (0.35 vs 0.15) adds
	// far too little to close that gap, and balance/performance/utilization
	// inputs are identical.
	if routed.WalletID != "wallet-a" {
		t.Errorf("WalletID = %q, want wallet-a (higher base_by_type)", routed.WalletID)
	}
	if handle.PublicKey().IsZero() {
		t.Error("expected non-zero signing handle public key")
	}
}

func TestRoute_SkipsNonActiveAndWrongStrategyWallets(t *testing.T) {
	t.Parallel()

	entryA := "wallet-a:" + base58.Encode(testSeed(3)) + ":primary:medium:0.5"
	// wallet-b is Active but its type carries no Momentum allocation.
	entryB := "wallet-b:" + base58.Encode(testSeed(9)) + ":experimental:medium:0.5"
	cfg := config.WalletsConfig{
		ManagedWallets:         entryA + "," + entryB,
		EmergencyStopThreshold: 0.5,
		SelectionTimeout:       200 * time.Millisecond,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	if err := reg.SetStatus("wallet-a", types.WalletSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	env := envelope.New(reg, 0.5, nil, slog.Default())

	r := New(reg, env, cfg, slog.Default())
	_, _, err = r.Route(context.Background(), testApprovedIntent(types.StrategyMomentum, decimal.NewFromInt(10)), "", nil)
	if err != ErrNoSuitableWallet {
		t.Errorf("err = %v, want ErrNoSuitableWallet", err)
	}
}

func TestRoute_FallsBackToDefaultWalletOnStarvation(t *testing.T) {
	t.Parallel()

	entryA := "wallet-a:" + base58.Encode(testSeed(4)) + ":primary:medium:0.5"
	entryFallback := "wallet-fallback:" + base58.Encode(testSeed(5)) + ":secondary:medium:0.5"
	cfg := config.WalletsConfig{
		ManagedWallets:         entryA + "," + entryFallback,
		DefaultWallet:          "wallet-fallback",
		EmergencyStopThreshold: 0.5,
		SelectionTimeout:       200 * time.Millisecond,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	env := envelope.New(reg, 0.5, nil, slog.Default())

	r := New(reg, env, cfg, slog.Default())
	// wallet-a (primary) is a real arbitrage candidate; wallet-fallback
	// (secondary) isn't allocated arbitrage at all under the type's
	// default strategy mix, so it can only be reached through the
	// fallback path. Exclude wallet-a to force that path.
	excluded := map[string]bool{"wallet-a": true, "wallet-fallback": true}
	routed, _, err := r.Route(context.Background(), testApprovedIntent(types.StrategyArbitrage, decimal.NewFromInt(10)), "", excluded)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if routed.WalletID != "wallet-fallback" {
		t.Errorf("WalletID = %q, want wallet-fallback (fallback path)", routed.WalletID)
	}
}

func TestRoute_NoSuitableWalletWhenNoFallbackConfigured(t *testing.T) {
	t.Parallel()

	entryA := "wallet-a:" + base58.Encode(testSeed(6)) + ":primary:medium:0.5"
	cfg := config.WalletsConfig{
		ManagedWallets:         entryA,
		EmergencyStopThreshold: 0.5,
		SelectionTimeout:       50 * time.Millisecond,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	env := envelope.New(reg, 0.5, nil, slog.Default())

	r := New(reg, env, cfg, slog.Default())
	excluded := map[string]bool{"wallet-a": true}
	_, _, err = r.Route(context.Background(), testApprovedIntent(types.StrategyArbitrage, decimal.NewFromInt(10)), "", excluded)
	if err != ErrNoSuitableWallet {
		t.Errorf("err = %v, want ErrNoSuitableWallet", err)
	}
}

func TestRoute_NoSuitableWalletWhenOnlyCandidateHasArbitrageOverriddenOff(t *testing.T) {
	t.Parallel()

	// Conservative's default strategy mix includes Arbitrage; a per-wallet
	// strategy override narrows this one down to Momentum only, so it is
	// not a candidate for an Arbitrage intent even though its type normally
	// would be.
	entryA := "wallet-a:" + base58.Encode(testSeed(7)) + ":conservative:low:0.3:momentum"
	cfg := config.WalletsConfig{
		ManagedWallets:         entryA,
		EmergencyStopThreshold: 0.5,
		SelectionTimeout:       50 * time.Millisecond,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	env := envelope.New(reg, 0.5, nil, slog.Default())

	r := New(reg, env, cfg, slog.Default())
	_, _, err = r.Route(context.Background(), testApprovedIntent(types.StrategyArbitrage, decimal.NewFromInt(10)), "", nil)
	if err != ErrNoSuitableWallet {
		t.Errorf("err = %v, want ErrNoSuitableWallet", err)
	}
}
