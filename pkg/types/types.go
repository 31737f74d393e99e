// Package types holds the data-model entities shared across every stage of
// the pipeline: ingest, strategy runtime, risk gate, wallet router,
// execution engine, and persistence. Types here carry no behavior beyond
// small derived accessors — the owning package for each concept (envelope,
// wallet, risk, router, executor) implements the operations on top of them.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a proposed or executed trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// StrategyKind is the closed set of strategy tags.
type StrategyKind string

const (
	StrategySniping        StrategyKind = "sniping"
	StrategyArbitrage      StrategyKind = "arbitrage"
	StrategyMomentum       StrategyKind = "momentum"
	StrategySoulMeteor     StrategyKind = "soul_meteor"
	StrategyMeteoraDAMM    StrategyKind = "meteora_damm"
	StrategyDeveloperTrack StrategyKind = "developer_tracking"
	StrategyMemeCoin       StrategyKind = "meme_coin"
	StrategyExternal       StrategyKind = "external_decision"
)

// WalletType is the closed set of wallet roles.
type WalletType string

const (
	WalletPrimary      WalletType = "primary"
	WalletHFT          WalletType = "hft"
	WalletConservative WalletType = "conservative"
	WalletExperimental WalletType = "experimental"
	WalletArbitrage    WalletType = "arbitrage"
	WalletMEVProtected WalletType = "mev_protected"
	WalletSecondary    WalletType = "secondary"
	WalletEmergency    WalletType = "emergency"
)

// WalletStatus is the lifecycle state of a wallet descriptor.
type WalletStatus string

const (
	WalletActive      WalletStatus = "active"
	WalletInactive    WalletStatus = "inactive"
	WalletSuspended   WalletStatus = "suspended"
	WalletStatusEmerg WalletStatus = "emergency"
	WalletMaintenance WalletStatus = "maintenance"
)

// ExecutionStatus is the closed set of execution outcomes.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecConfirmed ExecutionStatus = "confirmed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecSkipped   ExecutionStatus = "skipped"
)

// ActionType is the closed set of AI-recommended action types.
type ActionType string

const (
	ActionBuy        ActionType = "buy"
	ActionSell       ActionType = "sell"
	ActionHold       ActionType = "hold"
	ActionStopLoss   ActionType = "stop_loss"
	ActionTakeProfit ActionType = "take_profit"
)

// MarketTick is one observation of a symbol's market state. Not persisted.
type MarketTick struct {
	Symbol    string
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Intent is a strategy's proposal to trade; advisory until approved.
type Intent struct {
	ID         uuid.UUID
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
	Confidence float64
	Strategy   StrategyKind
	OriginTime time.Time
}

// ApprovedIntent is the risk-passed form of an Intent.
type ApprovedIntent struct {
	Original     Intent
	ApprovedSize decimal.Decimal
	RiskScore    float64
	ApprovedAt   time.Time
}

// RoutedIntent is the wallet-bound form of an ApprovedIntent.
type RoutedIntent struct {
	Approved      ApprovedIntent
	WalletID      string
	RoutingReason string
	RoutedAt      time.Time
}

// ExecutionResult is the terminal record for an Intent's journey through
// the execution engine.
type ExecutionResult struct {
	IntentID    uuid.UUID
	ExternalID  string // transaction/bundle id
	Status      ExecutionStatus
	FilledSize  decimal.Decimal
	FilledPrice decimal.Decimal
	Fees        decimal.Decimal
	Timestamp   time.Time
	Error       string
}

// AllocationEntry is a per-strategy allowance inside a wallet's allocation
// vector: a percentage of the wallet's equity and an absolute size cap.
type AllocationEntry struct {
	Strategy StrategyKind
	Pct      float64 // 0..1
	MaxSize  decimal.Decimal
}

// RiskEnvelope bounds a single wallet's risk; read-mostly once loaded.
type RiskEnvelope struct {
	MaxDailyLoss           decimal.Decimal
	MaxPositionSize        decimal.Decimal
	MaxConcurrentPositions int
	MaxExposurePct         float64 // 0..1, fraction of total_value
	StopLossPct            float64
	DailyTradeCap          int
}

// WalletDescriptor is the immutable-after-init identity of a signing wallet.
type WalletDescriptor struct {
	ID          string
	DisplayName string
	Type        WalletType
	SigningPath string // keypair source (file path or inline material), never logged
	Allocations []AllocationEntry
	Envelope    RiskEnvelope
	Status      WalletStatus
}

// AllocationFor returns the allocation entry for a strategy kind, if enabled.
func (w WalletDescriptor) AllocationFor(kind StrategyKind) (AllocationEntry, bool) {
	for _, a := range w.Allocations {
		if a.Strategy == kind {
			return a, true
		}
	}
	return AllocationEntry{}, false
}

// WalletMetrics is the mutable, frequently-updated counterpart to a
// WalletDescriptor.
type WalletMetrics struct {
	WalletID           string
	LiquidBalance      decimal.Decimal
	TotalValue         decimal.Decimal
	DailyPnL           decimal.Decimal
	TotalPnL           decimal.Decimal
	TradeCountToday    int
	RiskUtilizationPct float64
	PerformanceScore   float64
	UpdatedAt          time.Time
}

// Position is an open or closed holding for a wallet/symbol/strategy tuple.
type Position struct {
	ID            uuid.UUID
	WalletID      string
	Symbol        string
	Strategy      StrategyKind
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// InferenceDecision is the external decision service's recommendation.
type InferenceDecision struct {
	SignalType        string
	Confidence        float64
	ActionType        ActionType
	TokenIn           string
	TokenOut          string
	AmountIn          decimal.Decimal
	MinAmountOut      decimal.Decimal
	SlippageTolerance float64
	PriorityFee       decimal.Decimal
	EstimatedProfit   decimal.Decimal
	TimeWindowMs      int64
	Reasoning         string
	ReceivedAt        time.Time
}

// ValidUntil returns the timestamp the decision expires, derived from
// ReceivedAt + TimeWindowMs.
func (d InferenceDecision) ValidUntil() time.Time {
	return d.ReceivedAt.Add(time.Duration(d.TimeWindowMs) * time.Millisecond)
}

// RejectReason is the closed set of reasons an intent or reservation can be
// turned away at a given stage.
type RejectReason string

const (
	RejectLowConfidence       RejectReason = "low_confidence"
	RejectDailyPnLGate        RejectReason = "daily_pnl_gate"
	RejectDailyLossBreached   RejectReason = "daily_loss_breached"
	RejectExposureBreached    RejectReason = "exposure_breached"
	RejectPositionCountBreach RejectReason = "position_count_breached"
	RejectTradeCapBreached    RejectReason = "trade_cap_breached"
)

// ExternalTradingCommand is the inbound payload from the inference bridge's
// trading_commands queue, prior to conversion into an Intent.
type ExternalTradingCommand struct {
	ID          string
	Symbol      string
	Action      ActionType
	Confidence  float64
	Size        decimal.Decimal
	TargetPrice *decimal.Decimal
	Context     map[string]string
	OriginTime  time.Time
}

// MarketEvent is the bridge's outbound payload on the market_events queue.
type MarketEvent struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Kind      string
	Metadata  map[string]string
	Timestamp time.Time
}
