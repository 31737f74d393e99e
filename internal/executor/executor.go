// Package executor implements the Execution Engine: it fuses an
// out-of-process inference call with bundle construction and submission
// under the hard end-to-end latency budget L_max, falling back
// deterministically on inference failure. Outbound calls are
// deadline-wrapped with explicit status translation, generalized across
// four execution modes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/internal/strategy"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"
)

// InferenceDecider is the narrow collaborator the executor needs from the
// inference client.
type InferenceDecider interface {
	Decide(ctx context.Context, marketContextJSON string, deadline time.Duration) (types.InferenceDecision, error)
}

// BundleSubmitter is the narrow collaborator the executor needs from the
// bundle submit client.
type BundleSubmitter interface {
	Submit(ctx context.Context, signedTxs []string) (string, error)
}

// HaltSource reports the engine-wide emergency-halt latch.
type HaltSource interface {
	Halted() bool
}

// Mode is the resolved execution mode for a single intent.
type Mode int

const (
	ModePaperNonAI Mode = iota
	ModePaperAI
	ModeLiveNonAI
	ModeLiveAI
)

// Engine orchestrates inference, transaction construction, signing, and
// bundle submission under the end-to-end budget.
type Engine struct {
	execCfg      config.ExecutionConfig
	inferenceCfg config.InferenceConfig
	tradingMode  config.TradingMode
	inference    InferenceDecider
	bundler      BundleSubmitter
	halt         HaltSource
	logger       *slog.Logger
}

// New constructs an execution engine. inference may be nil when AI is
// disabled; bundler may be nil in Paper mode.
func New(execCfg config.ExecutionConfig, inferenceCfg config.InferenceConfig, tradingMode config.TradingMode, inference InferenceDecider, bundler BundleSubmitter, halt HaltSource, logger *slog.Logger) *Engine {
	return &Engine{
		execCfg:      execCfg,
		inferenceCfg: inferenceCfg,
		tradingMode:  tradingMode,
		inference:    inference,
		bundler:      bundler,
		halt:         halt,
		logger:       logger.With("component", "execution_engine"),
	}
}

func (e *Engine) lMax() time.Duration {
	return time.Duration(e.execCfg.MaxExecutionLatencyMs) * time.Millisecond
}

func (e *Engine) mode() Mode {
	ai := e.execCfg.AIEnabled && e.inference != nil
	if e.tradingMode == config.ModeLive {
		if ai {
			return ModeLiveAI
		}
		return ModeLiveNonAI
	}
	if ai {
		return ModePaperAI
	}
	return ModePaperNonAI
}

// Execute runs a routed intent to completion, emitting exactly one
// ExecutionResult. It never returns a Go error: every failure mode is
// translated into a terminal ExecutionResult.
func (e *Engine) Execute(ctx context.Context, routed types.RoutedIntent, handle wallet.SigningHandle) types.ExecutionResult {
	start := time.Now()
	intentID := routed.Approved.Original.ID

	if e.halt != nil && e.halt.Halted() {
		return failedResult(intentID, "halted")
	}

	budget := e.lMax()
	deadline := start.Add(budget)

	switch e.mode() {
	case ModePaperNonAI:
		return e.executePaperNonAI(routed)
	case ModePaperAI:
		return e.executePaperAI(ctx, routed, deadline)
	case ModeLiveNonAI:
		return e.executeLiveNonAI(ctx, routed, handle, deadline)
	case ModeLiveAI:
		return e.executeLiveAI(ctx, routed, handle, deadline)
	default:
		return failedResult(intentID, "unknown mode")
	}
}

func failedResult(intentID uuid.UUID, reason string) types.ExecutionResult {
	return types.ExecutionResult{
		IntentID:  intentID,
		Status:    types.ExecFailed,
		Timestamp: time.Now(),
		Error:     reason,
	}
}

func skippedResult(intentID uuid.UUID, reason string) types.ExecutionResult {
	return types.ExecutionResult{
		IntentID:  intentID,
		Status:    types.ExecSkipped,
		Timestamp: time.Now(),
		Error:     reason,
	}
}

func (e *Engine) executePaperNonAI(routed types.RoutedIntent) types.ExecutionResult {
	if e.execCfg.PaperSyntheticDelay > 0 {
		time.Sleep(e.execCfg.PaperSyntheticDelay)
	}
	intent := routed.Approved.Original
	notional := routed.Approved.ApprovedSize.Mul(intent.LimitPrice)
	fee := notional.Mul(decimal.NewFromInt(e.execCfg.PaperFeeBps)).Div(decimal.NewFromInt(10000))

	return types.ExecutionResult{
		IntentID:    intent.ID,
		ExternalID:  "paper-" + intent.ID.String(),
		Status:      types.ExecConfirmed,
		FilledSize:  routed.Approved.ApprovedSize,
		FilledPrice: intent.LimitPrice,
		Fees:        fee,
		Timestamp:   time.Now(),
	}
}

func (e *Engine) executePaperAI(ctx context.Context, routed types.RoutedIntent, deadline time.Time) types.ExecutionResult {
	intent := routed.Approved.Original
	inferenceBudget := e.lMax() / 3

	decision, err := e.inference.Decide(ctx, marketContextJSON(intent), inferenceBudget)
	if err != nil {
		e.logger.Warn("paper/AI inference failed, falling back to paper/non-AI", "intent_id", intent.ID, "error", err)
		return e.executePaperNonAI(routed)
	}
	if decision.Confidence < e.inferenceCfg.AIConfidenceThreshold || decision.ActionType == types.ActionHold {
		e.logger.Info("paper/AI inference below threshold, falling back to paper/non-AI", "intent_id", intent.ID, "confidence", decision.Confidence)
		return e.executePaperNonAI(routed)
	}
	if time.Now().After(deadline) {
		return failedResult(intent.ID, "budget exceeded at phase inference")
	}

	notional := routed.Approved.ApprovedSize.Mul(intent.LimitPrice)
	fee := notional.Mul(decimal.NewFromInt(e.execCfg.PaperAIFeeBps)).Div(decimal.NewFromInt(10000))

	return types.ExecutionResult{
		IntentID:    intent.ID,
		ExternalID:  "paper-ai-" + intent.ID.String(),
		Status:      types.ExecConfirmed,
		FilledSize:  routed.Approved.ApprovedSize,
		FilledPrice: intent.LimitPrice,
		Fees:        fee,
		Timestamp:   time.Now(),
	}
}

func (e *Engine) executeLiveNonAI(ctx context.Context, routed types.RoutedIntent, handle wallet.SigningHandle, deadline time.Time) types.ExecutionResult {
	intent := routed.Approved.Original
	bundleBudget := 2 * e.lMax() / 3

	adjusted := strategy.AdjustForSlippage(intent.LimitPrice, intent.Side, defaultSlippageBps)
	signedTx, err := buildAndSign(handle, intent, routed.Approved.ApprovedSize, adjusted)
	if err != nil {
		return failedResult(intent.ID, fmt.Sprintf("sign failed: %v", err))
	}

	submitCtx, cancel := context.WithTimeout(ctx, minDuration(bundleBudget, time.Until(deadline)))
	defer cancel()

	bundleID, err := e.submitWithRetry(submitCtx, []string{signedTx})
	if err != nil {
		return failedResult(intent.ID, err.Error())
	}

	notional := routed.Approved.ApprovedSize.Mul(adjusted)
	fee := notional.Mul(decimal.NewFromInt(e.execCfg.LiveFeeBps)).Div(decimal.NewFromInt(10000))

	return types.ExecutionResult{
		IntentID:    intent.ID,
		ExternalID:  bundleID,
		Status:      types.ExecConfirmed,
		FilledSize:  routed.Approved.ApprovedSize,
		FilledPrice: adjusted,
		Fees:        fee,
		Timestamp:   time.Now(),
	}
}

func (e *Engine) executeLiveAI(ctx context.Context, routed types.RoutedIntent, handle wallet.SigningHandle, deadline time.Time) types.ExecutionResult {
	intent := routed.Approved.Original
	inferenceBudget := e.lMax() / 3

	decision, err := e.inference.Decide(ctx, marketContextJSON(intent), inferenceBudget)
	if err != nil {
		e.logger.Warn("live/AI inference failed, falling back to live/non-AI", "intent_id", intent.ID, "error", err)
		return e.executeLiveNonAI(ctx, routed, handle, deadline)
	}
	if decision.Confidence < e.inferenceCfg.AIConfidenceThreshold {
		return skippedResult(intent.ID, fmt.Sprintf("ai confidence %.2f below threshold %.2f", decision.Confidence, e.inferenceCfg.AIConfidenceThreshold))
	}
	if decision.ActionType == types.ActionHold {
		return skippedResult(intent.ID, "ai action_type hold")
	}

	bundleBudget := 2 * e.lMax() / 3
	if time.Now().After(deadline) {
		return failedResult(intent.ID, "budget exceeded at phase inference")
	}

	recommendedSize := decimal.Min(routed.Approved.ApprovedSize, intent.Size)
	adjusted := strategy.AdjustForSlippage(intent.LimitPrice, intent.Side, defaultSlippageBps)

	signedTx, err := buildAndSign(handle, intent, recommendedSize, adjusted)
	if err != nil {
		return failedResult(intent.ID, fmt.Sprintf("sign failed: %v", err))
	}

	submitCtx, cancel := context.WithTimeout(ctx, minDuration(bundleBudget, time.Until(deadline)))
	defer cancel()

	bundleID, err := e.submitWithRetry(submitCtx, []string{signedTx})
	if err != nil {
		return failedResult(intent.ID, err.Error())
	}

	notional := recommendedSize.Mul(adjusted)
	fee := notional.Mul(decimal.NewFromInt(e.execCfg.LiveFeeBps)).Div(decimal.NewFromInt(10000))

	return types.ExecutionResult{
		IntentID:    intent.ID,
		ExternalID:  bundleID,
		Status:      types.ExecConfirmed,
		FilledSize:  recommendedSize,
		FilledPrice: adjusted,
		Fees:        fee,
		Timestamp:   time.Now(),
	}
}

// submitWithRetry submits once, and retries exactly once on a transient
// submission error if there is still budget remaining; permanent errors and
// budget exhaustion never retry.
func (e *Engine) submitWithRetry(ctx context.Context, signedTxs []string) (string, error) {
	bundleID, err := e.bundler.Submit(ctx, signedTxs)
	if err == nil {
		return bundleID, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("budget exceeded at phase bundle: %w", err)
	}

	type transient interface{ Transient() bool }
	t, ok := err.(transient)
	if !ok || !t.Transient() {
		return "", fmt.Errorf("bundle submission failed: %w", err)
	}

	bundleID, err = e.bundler.Submit(ctx, signedTxs)
	if err != nil {
		return "", fmt.Errorf("bundle submission failed after retry: %w", err)
	}
	return bundleID, nil
}

// defaultSlippageBps is the pricing-rule default applied by the executor
// when adjusting a live fill's target price; strategies may have already
// applied their own slippage at intent creation, so this is a second,
// smaller nudge representing execution-time market impact.
const defaultSlippageBps = 10

// buildAndSign constructs a minimal transaction payload and signs it with
// the selected wallet's handle. Concrete transaction construction (the
// blockchain-specific instruction graph) is an external collaborator's
// concern; here we sign a deterministic summary of the trade so every
// mode exercises the real signing path without depending on a live RPC.
func buildAndSign(handle wallet.SigningHandle, intent types.Intent, size, price decimal.Decimal) (string, error) {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s", intent.ID, intent.Symbol, intent.Side, size.String(), price.String())
	sig, err := handle.Sign([]byte(payload))
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

func marketContextJSON(intent types.Intent) string {
	return fmt.Sprintf(`{"symbol":%q,"side":%q,"size":%q,"limit_price":%q,"confidence":%f}`,
		intent.Symbol, intent.Side, intent.Size.String(), intent.LimitPrice.String(), intent.Confidence)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
