package strategy

import (
	"github.com/shopspring/decimal"

	"overmind-engine/pkg/types"
)

// AdjustForSlippage applies the documented pre-trade pricing rule (see
// a supplemented feature, grounded on a standard pre-trade slippage model from the
// source's AI-aware strategy variant): a buy's limit price is nudged up by
// slippageBps, a sell's down, so the order is more likely to fill at the
// strategy's intended size without chasing the book. It never touches a
// downstream filled price — the original's slippage model is pre-trade
// only (the two stay independent by design).
func AdjustForSlippage(targetPrice decimal.Decimal, side types.Side, slippageBps int64) decimal.Decimal {
	if slippageBps == 0 {
		return targetPrice
	}
	factor := decimal.NewFromInt(slippageBps).Div(decimal.NewFromInt(10000))
	switch side {
	case types.SideBuy:
		return targetPrice.Mul(decimal.NewFromInt(1).Add(factor))
	case types.SideSell:
		return targetPrice.Mul(decimal.NewFromInt(1).Sub(factor))
	default:
		return targetPrice
	}
}
