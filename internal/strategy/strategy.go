// Package strategy implements the Strategy Runtime: a uniform contract
// multiplexing a MarketTick stream onto many independent strategy
// instances, merging their Intent outputs into one ordered stream. The
// runtime loops on the tick queue's Recv, fanning each tick out to every
// strategy and merging the results; cooldown and error-budget state is
// kept per strategy and checked when a tick is observed, with no
// separate ticker driving expiry.
package strategy

import (
	"overmind-engine/pkg/types"
)

// Config is the hot-reconfigure payload passed to UpdateParameters. Kept as
// a loose string map since individual strategies interpret their own
// subset of keys; the runtime never inspects the contents.
type Config map[string]string

// Strategy is the uniform contract every strategy instance satisfies.
type Strategy interface {
	// Kind returns the strategy's tag from the closed set.
	Kind() types.StrategyKind
	// Observe is called once per tick and returns at most one Intent.
	Observe(tick types.MarketTick) (types.Intent, bool)
	// UpdateParameters hot-reconfigures the strategy. Optional: a strategy
	// with nothing to reconfigure may return nil unconditionally.
	UpdateParameters(cfg Config) error
}

// errObserver is satisfied by strategies that want to report internal
// failures (e.g. a malformed upstream feed) without panicking; the runtime
// counts these toward the error budget exactly like a recovered panic.
type errObserver interface {
	Strategy
	LastError() error
}
