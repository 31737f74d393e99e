package strategy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"overmind-engine/pkg/queue"
	"overmind-engine/pkg/types"
)

// registration bundles a strategy with its runtime-local bookkeeping.
type registration struct {
	strategy     Strategy
	priority     int
	mu           sync.Mutex
	lastEmit     time.Time
	quarantined  bool
	failWindow   []bool // ring of recent tick outcomes, true = failure
	windowCursor int
}

// Runtime fans a MarketTick stream out to every registered strategy,
// applies per-strategy cooldown and error-budget quarantine, and merges
// surviving Intents into a single ordered output queue.
type Runtime struct {
	mu       sync.RWMutex
	regs     []*registration
	cooldown time.Duration
	budgetN  int
	budgetM  int
	logger   *slog.Logger

	quarantineCount atomicCounter
}

// NewRuntime constructs a runtime with the given per-strategy cooldown and
// error-budget parameters (fail N times in a window of the last M ticks
// quarantines the strategy).
func NewRuntime(cooldown time.Duration, budgetFailures, budgetWindow int, logger *slog.Logger) *Runtime {
	return &Runtime{
		cooldown: cooldown,
		budgetN:  budgetFailures,
		budgetM:  budgetWindow,
		logger:   logger.With("component", "strategy_runtime"),
	}
}

// Register adds a strategy instance with its tie-break priority (lower
// value = higher priority, mirroring the "strategy priority" ordering key
// in the tie-breaking rule).
func (r *Runtime) Register(s Strategy, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, &registration{
		strategy:   s,
		priority:   priority,
		failWindow: make([]bool, r.budgetM),
	})
}

// Run drives the fan-out/merge loop until ctx is cancelled: every tick
// received from in is observed by every non-quarantined strategy
// concurrently; surviving intents are ordered by (priority, origin
// timestamp) and pushed to out in that order, preserving the no-dedup
// tie-breaking rule — the risk gate is authoritative on duplicates.
func (r *Runtime) Run(ctx context.Context, in *queue.Queue[types.MarketTick], out *queue.Queue[types.Intent]) error {
	for {
		tick, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		intents := r.observeAll(tick)
		sort.SliceStable(intents, func(i, j int) bool {
			pi, pj := intents[i].priority, intents[j].priority
			if pi != pj {
				return pi < pj
			}
			return intents[i].intent.OriginTime.Before(intents[j].intent.OriginTime)
		})
		for _, wi := range intents {
			if err := out.Send(ctx, wi.intent); err != nil {
				return err
			}
		}
	}
}

type weightedIntent struct {
	intent   types.Intent
	priority int
}

func (r *Runtime) observeAll(tick types.MarketTick) []weightedIntent {
	r.mu.RLock()
	regs := make([]*registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	var wg sync.WaitGroup
	resultsMu := sync.Mutex{}
	var results []weightedIntent

	for _, reg := range regs {
		reg.mu.Lock()
		quarantined := reg.quarantined
		reg.mu.Unlock()
		if quarantined {
			continue
		}

		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			intent, ok, failed := r.observeOne(reg, tick)
			r.recordOutcome(reg, failed)
			if ok {
				resultsMu.Lock()
				results = append(results, weightedIntent{intent: intent, priority: reg.priority})
				resultsMu.Unlock()
			}
		}(reg)
	}
	wg.Wait()
	return results
}

func (r *Runtime) observeOne(reg *registration, tick types.MarketTick) (intent types.Intent, ok bool, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("strategy panicked", "strategy", reg.strategy.Kind(), "recover", rec)
			failed = true
			ok = false
		}
	}()

	reg.mu.Lock()
	withinCooldown := r.cooldown > 0 && !reg.lastEmit.IsZero() && time.Since(reg.lastEmit) < r.cooldown
	reg.mu.Unlock()
	if withinCooldown {
		return types.Intent{}, false, false
	}

	i, emitted := reg.strategy.Observe(tick)
	if !emitted {
		if obs, isErrObserver := reg.strategy.(errObserver); isErrObserver && obs.LastError() != nil {
			return types.Intent{}, false, true
		}
		return types.Intent{}, false, false
	}

	reg.mu.Lock()
	reg.lastEmit = time.Now()
	reg.mu.Unlock()
	return i, true, false
}

// recordOutcome slides the per-strategy failure window and quarantines the
// strategy once it fails budgetN times within the last budgetM ticks.
func (r *Runtime) recordOutcome(reg *registration, failed bool) {
	if r.budgetM <= 0 {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.quarantined {
		return
	}
	reg.failWindow[reg.windowCursor%len(reg.failWindow)] = failed
	reg.windowCursor++

	failures := 0
	for _, f := range reg.failWindow {
		if f {
			failures++
		}
	}
	if failures >= r.budgetN {
		reg.quarantined = true
		r.quarantineCount.add(1)
		r.logger.Warn("strategy quarantined: exceeded error budget",
			"strategy", reg.strategy.Kind(), "failures", failures, "window", len(reg.failWindow))
	}
}

// Quarantined reports whether a strategy kind has been removed from the
// rotation. Used by observability and tests.
func (r *Runtime) Quarantined(kind types.StrategyKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.regs {
		if reg.strategy.Kind() == kind {
			reg.mu.Lock()
			q := reg.quarantined
			reg.mu.Unlock()
			return q
		}
	}
	return false
}

// QuarantineCount returns the total number of strategies quarantined over
// the runtime's lifetime.
func (r *Runtime) QuarantineCount() int64 { return r.quarantineCount.load() }

type atomicCounter struct {
	mu sync.Mutex
	v  int64
}

func (c *atomicCounter) add(n int64) {
	c.mu.Lock()
	c.v += n
	c.mu.Unlock()
}

func (c *atomicCounter) load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}
