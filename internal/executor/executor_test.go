package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"
)

type fakeInference struct {
	decision types.InferenceDecision
	err      error
}

func (f fakeInference) Decide(ctx context.Context, marketContextJSON string, deadline time.Duration) (types.InferenceDecision, error) {
	return f.decision, f.err
}

type fakeBundler struct {
	bundleID string
	err      error
}

func (f fakeBundler) Submit(ctx context.Context, signedTxs []string) (string, error) {
	return f.bundleID, f.err
}

type alwaysOpen struct{}

func (alwaysOpen) Halted() bool { return false }

func testSigningHandle(t *testing.T) wallet.SigningHandle {
	t.Helper()
	seed := make([]byte, 64)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	cfg := config.WalletsConfig{
		ManagedWallets:         "wallet-a:" + base58.Encode(seed) + ":primary:medium:0.5",
		EmergencyStopThreshold: 0.5,
	}
	reg, err := wallet.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	h, err := reg.SigningHandleFor("wallet-a")
	if err != nil {
		t.Fatalf("SigningHandleFor: %v", err)
	}
	return h
}

func testRoutedIntent() types.RoutedIntent {
	return types.RoutedIntent{
		Approved: types.ApprovedIntent{
			Original: types.Intent{
				ID: uuid.New(), Symbol: "SOL/USDC", Side: types.SideBuy,
				Size: decimal.NewFromInt(100), LimitPrice: decimal.NewFromInt(100),
				Confidence: 0.8, Strategy: types.StrategyMomentum, OriginTime: time.Now(),
			},
			ApprovedSize: decimal.NewFromInt(100),
			ApprovedAt:   time.Now(),
		},
		WalletID: "wallet-a",
		RoutedAt: time.Now(),
	}
}

func baseExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxExecutionLatencyMs: 25,
		MaxBundleSize:         5,
		PaperFeeBps:           10, // 0.1%
		PaperAIFeeBps:         5,  // 0.05%
		LiveFeeBps:            20,
		AIEnabled:             false,
	}
}

// S1: paper/non-AI happy path.
func TestExecute_PaperNonAI_HappyPath(t *testing.T) {
	t.Parallel()

	eng := New(baseExecConfig(), config.InferenceConfig{}, config.ModePaper, nil, nil, alwaysOpen{}, slog.Default())
	routed := testRoutedIntent()

	result := eng.Execute(context.Background(), routed, testSigningHandle(t))
	if result.Status != types.ExecConfirmed {
		t.Fatalf("status = %v, want Confirmed", result.Status)
	}
	if !result.FilledSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("FilledSize = %v, want 100", result.FilledSize)
	}
	if !result.FilledPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("FilledPrice = %v, want 100.00", result.FilledPrice)
	}
	wantFee := decimal.NewFromInt(10) // 100*100*0.001
	if !result.Fees.Equal(wantFee) {
		t.Errorf("Fees = %v, want %v", result.Fees, wantFee)
	}
}

// S4: AI skip in Live/AI when confidence below threshold.
func TestExecute_LiveAI_SkipsBelowConfidenceThreshold(t *testing.T) {
	t.Parallel()

	execCfg := baseExecConfig()
	execCfg.AIEnabled = true
	inferCfg := config.InferenceConfig{AIConfidenceThreshold: 0.70}
	inference := fakeInference{decision: types.InferenceDecision{Confidence: 0.40, ActionType: types.ActionBuy}}
	bundler := fakeBundler{} // must not be called

	eng := New(execCfg, inferCfg, config.ModeLive, inference, bundler, alwaysOpen{}, slog.Default())
	result := eng.Execute(context.Background(), testRoutedIntent(), testSigningHandle(t))

	if result.Status != types.ExecSkipped {
		t.Fatalf("status = %v, want Skipped", result.Status)
	}
	if !strings.Contains(result.Error, "confidence") {
		t.Errorf("Error = %q, expected error text to mention confidence", result.Error)
	}
}

// S5: inference timeout in Paper/AI falls back to paper/non-AI fee.
func TestExecute_PaperAI_FallsBackOnInferenceTimeout(t *testing.T) {
	t.Parallel()

	execCfg := baseExecConfig()
	execCfg.AIEnabled = true
	inference := fakeInference{err: errors.New("inference: timeout")} // deadline exceeded at L_max/3

	eng := New(execCfg, config.InferenceConfig{AIConfidenceThreshold: 0.6}, config.ModePaper, inference, nil, alwaysOpen{}, slog.Default())
	result := eng.Execute(context.Background(), testRoutedIntent(), testSigningHandle(t))

	if result.Status != types.ExecConfirmed {
		t.Fatalf("status = %v, want Confirmed (fallback)", result.Status)
	}
	wantFee := decimal.NewFromInt(10) // non-AI paper fee: 0.1%, not the AI 0.05%
	if !result.Fees.Equal(wantFee) {
		t.Errorf("Fees = %v, want %v (non-AI fallback fee)", result.Fees, wantFee)
	}
}

// S6-adjacent: emergency halt latch refuses execution entirely.
func TestExecute_RefusesWhenHalted(t *testing.T) {
	t.Parallel()

	eng := New(baseExecConfig(), config.InferenceConfig{}, config.ModePaper, nil, nil, haltedSource{}, slog.Default())
	result := eng.Execute(context.Background(), testRoutedIntent(), testSigningHandle(t))

	if result.Status != types.ExecFailed {
		t.Fatalf("status = %v, want Failed", result.Status)
	}
	if result.Error != "halted" {
		t.Errorf("Error = %q, want %q", result.Error, "halted")
	}
}

type haltedSource struct{}

func (haltedSource) Halted() bool { return true }
