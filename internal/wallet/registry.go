// Package wallet implements the Wallet Registry: an immutable-after-init
// table of signing identities, built once at startup from the
// managed_wallets configuration (modeled on the registry construction in
// a registry that builds a token-keyed map once and shares
// it read-only across goroutines for the program's lifetime).
package wallet

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"overmind-engine/internal/config"
	"overmind-engine/pkg/types"
)

// ErrNotFound is returned by Get for an unknown wallet id.
var ErrNotFound = fmt.Errorf("wallet not found")

// Registry is the wallet descriptor table. Descriptors are built once at
// startup and are read-only thereafter except for Status, which transitions
// through admin ops and emergency-halt; each descriptor's status lives
// behind a fine-grained per-wallet lock so readers never block on an
// unrelated wallet's transition.
type Registry struct {
	order       []string // fixed id order, for deterministic cross-wallet iteration
	descriptors map[string]types.WalletDescriptor
	statusMu    map[string]*sync.RWMutex
	handles     map[string]SigningHandle
	byStrategy  map[types.StrategyKind][]string // precomputed routing index
	defaultID   string
	logger      *slog.Logger
}

// New builds the registry from configuration, loading and validating every
// wallet's signing material. A wallet whose signing material cannot be
// parsed fails with ErrUnsupportedKeyFormat; if that wallet is the
// configured default wallet the whole engine aborts (the caller decides
// whether to treat a non-default failure as fatal too — we choose to make
// every wallet's signing material mandatory at init, since a half-loaded
// registry is a worse defect than a slower startup failure).
func New(cfg config.WalletsConfig, logger *slog.Logger) (*Registry, error) {
	entries, err := cfg.ParsedWallets()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("wallet registry: no managed wallets configured")
	}

	r := &Registry{
		descriptors: make(map[string]types.WalletDescriptor, len(entries)),
		statusMu:    make(map[string]*sync.RWMutex, len(entries)),
		handles:     make(map[string]SigningHandle, len(entries)),
		byStrategy:  make(map[types.StrategyKind][]string),
		defaultID:   cfg.DefaultWallet,
		logger:      logger.With("component", "wallet_registry"),
	}

	for _, e := range entries {
		handle, err := loadSigningHandle(e.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("wallet %q: %w", e.ID, err)
		}

		allocations := allocationsForType(e.Type, e.Allocation, e.StrategyOverride)
		envelope := envelopeForProfile(e.RiskProfile)

		desc := types.WalletDescriptor{
			ID:          e.ID,
			DisplayName: e.ID,
			Type:        e.Type,
			SigningPath: e.KeyPath,
			Allocations: allocations,
			Envelope:    envelope,
			Status:      types.WalletActive,
		}

		r.descriptors[e.ID] = desc
		r.statusMu[e.ID] = &sync.RWMutex{}
		r.handles[e.ID] = handle
		r.order = append(r.order, e.ID)

		for _, a := range allocations {
			r.byStrategy[a.Strategy] = append(r.byStrategy[a.Strategy], e.ID)
		}
	}

	sort.Strings(r.order)
	for k := range r.byStrategy {
		sort.Strings(r.byStrategy[k])
	}

	if r.defaultID != "" {
		if _, ok := r.descriptors[r.defaultID]; !ok {
			return nil, fmt.Errorf("wallets.default_wallet %q: %w", r.defaultID, ErrNotFound)
		}
	}

	return r, nil
}

// strategyFraction is one row of a wallet type's default strategy mix: the
// fraction of the wallet's configured allocation a strategy receives, and
// the absolute size cap that applies regardless of allocation.
type strategyFraction struct {
	Strategy types.StrategyKind
	Frac     float64
	MaxSize  decimal.Decimal
}

// walletTypeAllocations mirrors create_strategy_allocations's per-wallet-type
// strategy mix: which strategy kinds a wallet of this type serves, and in
// what proportion of its configured allocation. A wallet type absent here
// (Secondary, Emergency, or anything unrecognized) falls back to
// defaultTypeAllocation.
var walletTypeAllocations = map[types.WalletType][]strategyFraction{
	types.WalletPrimary: {
		{types.StrategySniping, 0.4, decimal.NewFromInt(5000)},
		{types.StrategyArbitrage, 0.3, decimal.NewFromInt(3000)},
		{types.StrategyMomentum, 0.3, decimal.NewFromInt(2000)},
	},
	types.WalletHFT: {
		{types.StrategyArbitrage, 0.6, decimal.NewFromInt(10000)},
		{types.StrategySniping, 0.4, decimal.NewFromInt(8000)},
	},
	types.WalletConservative: {
		{types.StrategyMomentum, 0.7, decimal.NewFromInt(1000)},
		{types.StrategyArbitrage, 0.3, decimal.NewFromInt(500)},
	},
	types.WalletExperimental: {
		{types.StrategySoulMeteor, 0.5, decimal.NewFromInt(200)},
		{types.StrategyMeteoraDAMM, 0.3, decimal.NewFromInt(150)},
		{types.StrategyDeveloperTrack, 0.2, decimal.NewFromInt(100)},
	},
	types.WalletArbitrage: {
		{types.StrategyArbitrage, 1.0, decimal.NewFromInt(15000)},
	},
	types.WalletMEVProtected: {
		{types.StrategySniping, 0.6, decimal.NewFromInt(8000)},
		{types.StrategyArbitrage, 0.4, decimal.NewFromInt(5000)},
	},
}

var defaultTypeAllocation = []strategyFraction{
	{types.StrategyMomentum, 1.0, decimal.NewFromInt(1000)},
}

// allocationsForType derives a wallet's per-strategy allocation vector from
// its wallet type's default strategy mix, scaling each strategy's share by
// the wallet's configured allocation fraction. An operator-supplied
// override narrows the type's default mix down to the named strategies,
// instead of enabling every strategy the type normally serves. If the
// override names none of the type's strategies, the full default mix is
// used unchanged.
func allocationsForType(walletType types.WalletType, allocPct float64, override []types.StrategyKind) []types.AllocationEntry {
	table, ok := walletTypeAllocations[walletType]
	if !ok {
		table = defaultTypeAllocation
	}
	if len(override) > 0 {
		allowed := make(map[types.StrategyKind]bool, len(override))
		for _, k := range override {
			allowed[k] = true
		}
		var filtered []strategyFraction
		for _, sf := range table {
			if allowed[sf.Strategy] {
				filtered = append(filtered, sf)
			}
		}
		if len(filtered) > 0 {
			table = filtered
		}
	}
	entries := make([]types.AllocationEntry, 0, len(table))
	for _, sf := range table {
		entries = append(entries, types.AllocationEntry{
			Strategy: sf.Strategy,
			Pct:      allocPct * sf.Frac,
			MaxSize:  sf.MaxSize,
		})
	}
	return entries
}

func envelopeForProfile(profile string) types.RiskEnvelope {
	switch profile {
	case "low", "conservative":
		return types.RiskEnvelope{
			MaxDailyLoss:           decimal.NewFromInt(200),
			MaxPositionSize:        decimal.NewFromInt(500),
			MaxConcurrentPositions: 3,
			MaxExposurePct:         0.2,
			StopLossPct:            0.05,
			DailyTradeCap:          50,
		}
	case "high", "aggressive":
		return types.RiskEnvelope{
			MaxDailyLoss:           decimal.NewFromInt(2000),
			MaxPositionSize:        decimal.NewFromInt(5000),
			MaxConcurrentPositions: 20,
			MaxExposurePct:         0.6,
			StopLossPct:            0.15,
			DailyTradeCap:          500,
		}
	default:
		return types.RiskEnvelope{
			MaxDailyLoss:           decimal.NewFromInt(1000),
			MaxPositionSize:        decimal.NewFromInt(1000),
			MaxConcurrentPositions: 10,
			MaxExposurePct:         0.4,
			StopLossPct:            0.1,
			DailyTradeCap:          200,
		}
	}
}

// Get returns a wallet's current descriptor (a snapshot of its status).
func (r *Registry) Get(id string) (types.WalletDescriptor, error) {
	desc, ok := r.descriptors[id]
	if !ok {
		return types.WalletDescriptor{}, ErrNotFound
	}
	mu, ok := r.statusMu[id]
	if ok {
		mu.RLock()
		desc = r.descriptors[id]
		mu.RUnlock()
	}
	return desc, nil
}

// Candidates returns the ordered list of wallet ids with the given
// strategy enabled in their allocation vector, via the precomputed
// strategy-routing index.
func (r *Registry) Candidates(kind types.StrategyKind) []string {
	ids := r.byStrategy[kind]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Active returns all wallets currently in Active status, in fixed id order.
func (r *Registry) Active() []types.WalletDescriptor {
	out := make([]types.WalletDescriptor, 0, len(r.order))
	for _, id := range r.order {
		desc, _ := r.Get(id)
		if desc.Status == types.WalletActive {
			out = append(out, desc)
		}
	}
	return out
}

// SigningHandleFor returns the opaque signing handle for a wallet id; it
// never exposes the underlying secret to any other component.
func (r *Registry) SigningHandleFor(id string) (SigningHandle, error) {
	h, ok := r.handles[id]
	if !ok {
		return SigningHandle{}, ErrNotFound
	}
	return h, nil
}

// SetStatus transitions a wallet's status (admin op or emergency halt).
func (r *Registry) SetStatus(id string, status types.WalletStatus) error {
	mu, ok := r.statusMu[id]
	if !ok {
		return ErrNotFound
	}
	mu.Lock()
	defer mu.Unlock()
	desc := r.descriptors[id]
	desc.Status = status
	r.descriptors[id] = desc
	r.logger.Info("wallet status transition", "wallet_id", id, "status", status)
	return nil
}

// DefaultWalletID returns the configured fallback wallet id, or "" if none.
func (r *Registry) DefaultWalletID() string { return r.defaultID }

// OrderedIDs returns every registered wallet id in fixed, deterministic
// order — used by the envelope's cross-wallet snapshot reads to avoid
// lock-ordering deadlocks.
func (r *Registry) OrderedIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
