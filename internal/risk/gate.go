// Package risk implements the Risk Gate: a pure transformation
// Intent → ApprovedIntent | Reject, consulting the global configuration
// and (for the daily-P&L gate) the envelope manager's aggregate state.
// Shaped as a narrow, injectable
// collaborator the rest of the pipeline calls synchronously) but the
// transform itself is pure — no internal mutable state beyond
// a rejection counter for observability.
package risk

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/pkg/types"
)

// DailyPnLSource is the minimal collaborator the gate needs from the
// envelope manager to evaluate the global daily-P&L gate, without taking a
// compile-time dependency on the whole envelope package.
type DailyPnLSource interface {
	GlobalDailyPnL() decimal.Decimal
}

// Gate evaluates the five-step risk transform.
type Gate struct {
	cfg        config.RiskConfig
	pnlSource  DailyPnLSource
	maxDailyLoss decimal.Decimal
	rejections atomic.Int64
	logger     *slog.Logger
}

// New constructs a risk gate bound to the given global configuration.
func New(cfg config.RiskConfig, pnlSource DailyPnLSource, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:          cfg,
		pnlSource:    pnlSource,
		maxDailyLoss: cfg.MaxDailyLoss,
		logger:       logger.With("component", "risk_gate"),
	}
}

// Evaluate applies the transform. ok is false when the intent is rejected;
// callers must not enqueue anything downstream in that case.
func (g *Gate) Evaluate(intent types.Intent) (approved types.ApprovedIntent, ok bool, reason types.RejectReason) {
	if intent.Confidence < g.cfg.MinConfidenceThreshold {
		g.reject(types.RejectLowConfidence, intent)
		return types.ApprovedIntent{}, false, types.RejectLowConfidence
	}

	approvedSize := intent.Size
	if approvedSize.GreaterThan(g.cfg.MaxPositionSize) {
		approvedSize = g.cfg.MaxPositionSize
	}

	riskScore := computeRiskScore(intent.Confidence, approvedSize, g.cfg.MaxPositionSize, g.cfg.StrategyRiskWeight(intent.Strategy))

	if g.pnlSource != nil && g.maxDailyLoss.IsPositive() {
		globalPnL := g.pnlSource.GlobalDailyPnL()
		if globalPnL.Neg().GreaterThanOrEqual(g.maxDailyLoss) {
			g.reject(types.RejectDailyPnLGate, intent)
			return types.ApprovedIntent{}, false, types.RejectDailyPnLGate
		}
	}

	return types.ApprovedIntent{
		Original:     intent,
		ApprovedSize: approvedSize,
		RiskScore:    riskScore,
		ApprovedAt:   time.Now(),
	}, true, ""
}

// computeRiskScore implements the weighted sizing formula, clamped to
// [0,1].
func computeRiskScore(confidence float64, approvedSize, maxPositionSize decimal.Decimal, strategyWeight float64) float64 {
	sizeRatio := 0.0
	if maxPositionSize.IsPositive() {
		sizeRatio = approvedSize.Div(maxPositionSize).InexactFloat64()
	}
	score := 0.4*(1-confidence) + 0.3*sizeRatio + 0.3*strategyWeight
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (g *Gate) reject(reason types.RejectReason, intent types.Intent) {
	g.rejections.Add(1)
	g.logger.Info("intent rejected", "reason", reason, "strategy", intent.Strategy, "symbol", intent.Symbol)
}

// Rejections returns the count of intents rejected since startup.
func (g *Gate) Rejections() int64 { return g.rejections.Load() }
