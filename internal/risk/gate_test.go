package risk

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/pkg/types"
)

type fakePnLSource struct{ pnl decimal.Decimal }

func (f fakePnLSource) GlobalDailyPnL() decimal.Decimal { return f.pnl }

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize:        decimal.NewFromInt(1000),
		MaxDailyLoss:           decimal.NewFromInt(500),
		MinConfidenceThreshold: 0.6,
	}
}

func testIntent(confidence float64, size decimal.Decimal) types.Intent {
	return types.Intent{
		ID: uuid.New(), Symbol: "SOL/USDC", Side: types.SideBuy,
		Size: size, LimitPrice: decimal.NewFromInt(100),
		Confidence: confidence, Strategy: types.StrategyMomentum, OriginTime: time.Now(),
	}
}

func TestEvaluate_RejectsBelowConfidenceFloor(t *testing.T) {
	t.Parallel()
	g := New(testRiskConfig(), nil, slog.Default())

	_, ok, reason := g.Evaluate(testIntent(0.4, decimal.NewFromInt(100)))
	if ok {
		t.Fatal("expected rejection")
	}
	if reason != types.RejectLowConfidence {
		t.Errorf("reason = %v, want RejectLowConfidence", reason)
	}
	if g.Rejections() != 1 {
		t.Errorf("Rejections() = %d, want 1", g.Rejections())
	}
}

func TestEvaluate_ClampsApprovedSizeToGlobalMax(t *testing.T) {
	t.Parallel()
	g := New(testRiskConfig(), nil, slog.Default())

	approved, ok, _ := g.Evaluate(testIntent(0.8, decimal.NewFromInt(5000)))
	if !ok {
		t.Fatal("expected approval")
	}
	if !approved.ApprovedSize.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("ApprovedSize = %v, want 1000 (clamped)", approved.ApprovedSize)
	}
	if approved.RiskScore < 0 || approved.RiskScore > 1 {
		t.Errorf("RiskScore = %v, want in [0,1]", approved.RiskScore)
	}
}

func TestEvaluate_NeverApprovesAboveOriginalSize(t *testing.T) {
	t.Parallel()
	g := New(testRiskConfig(), nil, slog.Default())

	approved, ok, _ := g.Evaluate(testIntent(0.9, decimal.NewFromInt(50)))
	if !ok {
		t.Fatal("expected approval")
	}
	if approved.ApprovedSize.GreaterThan(approved.Original.Size) {
		t.Errorf("ApprovedSize %v > original size %v", approved.ApprovedSize, approved.Original.Size)
	}
}

func TestEvaluate_RejectsOnGlobalDailyPnLGate(t *testing.T) {
	t.Parallel()
	g := New(testRiskConfig(), fakePnLSource{pnl: decimal.NewFromInt(-600)}, slog.Default())

	_, ok, reason := g.Evaluate(testIntent(0.9, decimal.NewFromInt(10)))
	if ok {
		t.Fatal("expected rejection on daily pnl gate")
	}
	if reason != types.RejectDailyPnLGate {
		t.Errorf("reason = %v, want RejectDailyPnLGate", reason)
	}
}
