// Package bridge implements the optional inference bridge: a
// handoff to a colocated external decision process over a shared
// Redis-backed list-queue store. Outbound market events are pushed for
// the external process to consume at its own pace; inbound trading
// commands are popped with a bounded wait, aged against
// max_decision_age, and converted into Intents tagged StrategyExternal.
// Shaped as an independent-task-per-collaborator loop
// (each long-running loop owns its own ctx-bound goroutine, reports
// liveness, and never takes the pipeline down on its own failure).
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/pkg/types"
)

const (
	keyMarketEvents    = "overmind:market_events"
	keyTradingCommands = "overmind:trading_commands"
	keyHealthCheck     = "overmind:health_check"
	keyHealthResponse  = "overmind:health_response"
)

// MarketEvent is the outbound payload describing a material market change.
type MarketEvent struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Kind      string          `json:"kind"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// tradingCommand is the inbound wire shape popped off keyTradingCommands.
type tradingCommand struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Action         string           `json:"action"`
	Confidence     float64          `json:"confidence"`
	Size           decimal.Decimal  `json:"size"`
	TargetPrice    *decimal.Decimal `json:"target_price,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	OriginTimeUnix int64            `json:"origin_time_unix_ms"`
}

// Bridge owns the Redis connection and both directions of the handoff.
type Bridge struct {
	rdb    *redis.Client
	cfg    config.BridgeConfig
	logger *slog.Logger

	connected bool
}

// New constructs a Bridge from configuration. It does not dial; the
// connection is established lazily by the first command issued in Run.
func New(cfg config.BridgeConfig, logger *slog.Logger) *Bridge {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	return &Bridge{rdb: rdb, cfg: cfg, logger: logger.With("component", "inference_bridge")}
}

// PublishMarketEvent pushes a market event for the external process to
// consume. Never blocks the caller on a full queue; Redis lists are
// unbounded from this side by design, matching the collaborator
// contract's "non-blocking push".
func (b *Bridge) PublishMarketEvent(ctx context.Context, evt MarketEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bridge: marshal market event: %w", err)
	}
	if err := b.rdb.RPush(ctx, keyMarketEvents, payload).Err(); err != nil {
		return fmt.Errorf("bridge: publish market event: %w", err)
	}
	return nil
}

// Run pops inbound trading commands, converts the fresh ones into Intents
// and sends them on out until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, out chan<- types.Intent) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cmd, err := b.popCommand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("bridge pop failed, continuing", "error", err)
			continue
		}
		if cmd == nil {
			continue // pop timed out, nothing waiting
		}
		intent, ok := b.toIntent(*cmd)
		if !ok {
			continue
		}
		select {
		case out <- intent:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) popCommand(ctx context.Context) (*tradingCommand, error) {
	result, err := b.rdb.BLPop(ctx, b.cfg.PopTimeout, keyTradingCommands).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("bridge: malformed BLPop result")
	}
	var cmd tradingCommand
	if err := json.Unmarshal([]byte(result[1]), &cmd); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal trading command: %w", err)
	}
	return &cmd, nil
}

// toIntent ages cmd against max_decision_age and the confidence
// threshold, converting it into an Intent tagged StrategyExternal. It
// reports ok=false for stale or low-confidence commands, which are
// silently dropped.
func (b *Bridge) toIntent(cmd tradingCommand) (types.Intent, bool) {
	origin := time.UnixMilli(cmd.OriginTimeUnix).UTC()
	age := time.Since(origin)
	if age > b.cfg.MaxDecisionAge {
		b.logger.Debug("dropping stale bridge command", "id", cmd.ID, "age", age)
		return types.Intent{}, false
	}
	if cmd.Confidence < b.cfg.ConfidenceThreshold {
		b.logger.Debug("dropping low-confidence bridge command", "id", cmd.ID, "confidence", cmd.Confidence)
		return types.Intent{}, false
	}
	side, ok := toSide(cmd.Action)
	if !ok {
		b.logger.Debug("dropping bridge command with unrecognized action", "id", cmd.ID, "action", cmd.Action)
		return types.Intent{}, false
	}
	limitPrice := decimal.Zero
	if cmd.TargetPrice != nil {
		limitPrice = *cmd.TargetPrice
	}
	intentID, err := parseOrNewUUID(cmd.ID)
	if err != nil {
		return types.Intent{}, false
	}
	return types.Intent{
		ID:         intentID,
		Symbol:     cmd.Symbol,
		Side:       side,
		Size:       cmd.Size,
		LimitPrice: limitPrice,
		Confidence: cmd.Confidence,
		Strategy:   types.StrategyExternal,
		OriginTime: origin,
	}, true
}

func toSide(action string) (types.Side, bool) {
	switch action {
	case "buy":
		return types.SideBuy, true
	case "sell":
		return types.SideSell, true
	default:
		return "", false
	}
}

func parseOrNewUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("bridge: invalid command id %q: %w", s, err)
	}
	return id, nil
}

// Healthcheck performs one liveness handshake: push to keyHealthCheck,
// wait up to health_timeout for a response on keyHealthResponse. It
// never returns an error that should crash the pipeline; disconnection
// is reported via the returned bool instead.
func (b *Bridge) Healthcheck(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HealthTimeout)
	defer cancel()

	if err := b.rdb.RPush(hctx, keyHealthCheck, time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		b.logger.Warn("bridge health push failed", "error", err)
		b.connected = false
		return false
	}
	_, err := b.rdb.BLPop(hctx, b.cfg.HealthTimeout, keyHealthResponse).Result()
	b.connected = err == nil
	if err != nil && err != redis.Nil {
		b.logger.Warn("bridge health check found no response", "error", err)
	}
	return b.connected
}

// Connected reports the bridge's most recently observed health state.
func (b *Bridge) Connected() bool { return b.connected }

// Close releases the Redis client.
func (b *Bridge) Close() error { return b.rdb.Close() }
