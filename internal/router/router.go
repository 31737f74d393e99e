// Package router implements the Wallet Router: a scoring engine that maps
// each approved intent to one of the wallet registry's signing identities
// under per-wallet risk envelopes and per-strategy allocation constraints.
// Selection follows a deterministic scored-candidate pattern (score
// candidates, pick the best, fall back deterministically) generalized to
// the weighted routing formula.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/types"
)

// ErrNoSuitableWallet is returned when selection fails (no candidate
// survives filtering, the selection timeout passes, or ctx is cancelled)
// and no fallback wallet is configured or the configured one is not
// usable.
var ErrNoSuitableWallet = errors.New("no suitable wallet")

// EnvelopeSource is the minimal collaborator the router needs from the
// envelope manager: a read-only snapshot of a wallet's metrics.
type EnvelopeSource interface {
	Snapshot(walletID string) (types.WalletMetrics, types.RiskEnvelope, error)
}

// Router selects a wallet for each approved intent.
type Router struct {
	registry  *wallet.Registry
	envelopes EnvelopeSource
	cfg       config.WalletsConfig
	logger    *slog.Logger
}

// New constructs a router bound to the wallet registry and envelope
// manager.
func New(reg *wallet.Registry, envelopes EnvelopeSource, cfg config.WalletsConfig, logger *slog.Logger) *Router {
	return &Router{
		registry:  reg,
		envelopes: envelopes,
		cfg:       cfg,
		logger:    logger.With("component", "wallet_router"),
	}
}

// baseByType is the documented base-score table: Primary highest, Emergency
// lowest.
func baseByType(t types.WalletType) float64 {
	switch t {
	case types.WalletPrimary:
		return 50
	case types.WalletHFT:
		return 40
	case types.WalletArbitrage:
		return 35
	case types.WalletMEVProtected:
		return 30
	case types.WalletSecondary:
		return 20
	case types.WalletConservative:
		return 15
	case types.WalletExperimental:
		return 10
	case types.WalletEmergency:
		return 0
	default:
		return 0
	}
}

type scoredWallet struct {
	id                 string
	score              float64
	riskUtilizationPct float64
}

// Route selects a wallet for an approved intent, honoring the preferred
// wallet type (if any) and the exclusion set. On a race where the chosen
// wallet transitions to non-Active between scoring and handle fetch,
// routing restarts with that wallet added to the exclusion set.
func (r *Router) Route(ctx context.Context, approved types.ApprovedIntent, preferredType types.WalletType, excluded map[string]bool) (types.RoutedIntent, wallet.SigningHandle, error) {
	deadline := time.Now().Add(r.cfg.SelectionTimeout)
	exclusion := cloneExclusion(excluded)

	for {
		select {
		case <-ctx.Done():
			return r.fallback(approved, "routing cancelled")
		default:
		}
		if time.Now().After(deadline) {
			return r.fallback(approved, "selection timeout")
		}

		walletID, err := r.selectOnce(approved, preferredType, exclusion)
		if err != nil {
			return r.fallback(approved, err.Error())
		}

		handle, err := r.registry.SigningHandleFor(walletID)
		if err != nil {
			exclusion[walletID] = true
			continue
		}
		desc, err := r.registry.Get(walletID)
		if err != nil || desc.Status != types.WalletActive {
			exclusion[walletID] = true
			continue
		}

		routed := types.RoutedIntent{
			Approved:      approved,
			WalletID:      walletID,
			RoutingReason: "scored",
			RoutedAt:      time.Now(),
		}
		return routed, handle, nil
	}
}

func (r *Router) selectOnce(approved types.ApprovedIntent, preferredType types.WalletType, exclusion map[string]bool) (string, error) {
	candidates := r.registry.Candidates(approved.Original.Strategy)
	if len(candidates) == 0 {
		return "", ErrNoSuitableWallet
	}

	scored := make([]scoredWallet, 0, len(candidates))
	for _, id := range candidates {
		if exclusion[id] {
			continue
		}
		desc, err := r.registry.Get(id)
		if err != nil || desc.Status != types.WalletActive {
			continue
		}
		if preferredType != "" && desc.Type != preferredType {
			continue
		}
		alloc, ok := desc.AllocationFor(approved.Original.Strategy)
		if !ok {
			continue
		}

		metrics, _, err := r.envelopes.Snapshot(id)
		if err != nil {
			continue
		}

		requiredNotional := approved.ApprovedSize.Mul(approved.Original.LimitPrice)
		score := computeScore(desc.Type, alloc.Pct, metrics.LiquidBalance, requiredNotional, metrics.PerformanceScore, metrics.RiskUtilizationPct)
		scored = append(scored, scoredWallet{id: id, score: score, riskUtilizationPct: metrics.RiskUtilizationPct})
	}

	if len(scored) == 0 {
		return "", ErrNoSuitableWallet
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].riskUtilizationPct != scored[j].riskUtilizationPct {
			return scored[i].riskUtilizationPct < scored[j].riskUtilizationPct
		}
		return scored[i].id < scored[j].id
	})

	return scored[0].id, nil
}

// computeScore implements the weighted routing formula.
func computeScore(walletType types.WalletType, allocationPct float64, balance, requiredNotional decimal.Decimal, performanceScore, riskUtilizationPct float64) float64 {
	score := baseByType(walletType)
	score += allocationPct / 10
	if balance.GreaterThanOrEqual(requiredNotional) {
		score += 5
	}
	if performanceScore > 5 {
		performanceScore = 5
	}
	score += performanceScore
	score += (100 - riskUtilizationPct) / 20
	return score
}

func (r *Router) fallback(approved types.ApprovedIntent, reason string) (types.RoutedIntent, wallet.SigningHandle, error) {
	fallbackID := r.registry.DefaultWalletID()
	if fallbackID == "" {
		r.logger.Warn("no suitable wallet and no fallback configured", "reason", reason, "strategy", approved.Original.Strategy)
		return types.RoutedIntent{}, wallet.SigningHandle{}, ErrNoSuitableWallet
	}
	desc, err := r.registry.Get(fallbackID)
	if err != nil || desc.Status != types.WalletActive {
		r.logger.Warn("fallback wallet unavailable", "reason", reason, "fallback_id", fallbackID)
		return types.RoutedIntent{}, wallet.SigningHandle{}, ErrNoSuitableWallet
	}
	handle, err := r.registry.SigningHandleFor(fallbackID)
	if err != nil {
		return types.RoutedIntent{}, wallet.SigningHandle{}, ErrNoSuitableWallet
	}
	r.logger.Info("routed to fallback wallet", "reason", reason, "fallback_id", fallbackID)
	return types.RoutedIntent{
		Approved:      approved,
		WalletID:      fallbackID,
		RoutingReason: fmt.Sprintf("fallback: %s", reason),
		RoutedAt:      time.Now(),
	}, handle, nil
}

func cloneExclusion(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
