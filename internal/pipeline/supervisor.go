// Package pipeline wires ingest, strategy, risk, router, executor, and
// persistence into one supervised flow. Lifecycle, context
// ownership, and shutdown sequencing follow a single ctx/cancel/WaitGroup
// owner, one goroutine per stage, and a Stop that cancels every stage at
// once.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"overmind-engine/internal/bridge"
	"overmind-engine/internal/config"
	"overmind-engine/internal/envelope"
	"overmind-engine/internal/executor"
	"overmind-engine/internal/ingest"
	"overmind-engine/internal/metrics"
	"overmind-engine/internal/persistence"
	"overmind-engine/internal/risk"
	"overmind-engine/internal/router"
	"overmind-engine/internal/strategy"
	"overmind-engine/internal/wallet"
	"overmind-engine/pkg/queue"
	"overmind-engine/pkg/types"
)

// routedWork carries everything the executor stage needs beyond the
// wire-level RoutedIntent: the signing handle selected for the trade and
// the envelope reservation token that must be resolved exactly once,
// win or lose.
type routedWork struct {
	routed types.RoutedIntent
	handle wallet.SigningHandle
	token  envelope.ReservationToken
}

// Supervisor owns the full pipeline's queues, stage goroutines, and
// shutdown ordering.
type Supervisor struct {
	cfg           config.PipelineConfig
	calendarCheck time.Duration
	balanceCheck  time.Duration

	ingestAdapter   *ingest.Adapter
	strategyRT      *strategy.Runtime
	riskGate        *risk.Gate
	walletRouter    *router.Router
	envelopeMgr     *envelope.Manager
	execEngine      *executor.Engine
	store           *persistence.Store
	inferenceBridge *bridge.Bridge
	metrics         *metrics.Registry

	ticks    *queue.Queue[types.MarketTick]
	intents  *queue.Queue[types.Intent]
	approved *queue.Queue[types.ApprovedIntent]
	routed   *queue.Queue[routedWork]
	results  *queue.Queue[types.ExecutionResult]

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stageDone chan string

	heartbeatsMu sync.Mutex
	heartbeats   map[string]time.Time
}

// Deps bundles the already-constructed collaborators a Supervisor wires
// together. All fields are required except Bridge, which is nil when
// the optional inference bridge is disabled.
type Deps struct {
	Ingest   *ingest.Adapter
	Strategy *strategy.Runtime
	Risk     *risk.Gate
	Router   *router.Router
	Envelope *envelope.Manager
	Executor *executor.Engine
	Store    *persistence.Store
	Bridge   *bridge.Bridge
	Metrics  *metrics.Registry

	BalanceCheckInterval  time.Duration
	CalendarCheckInterval time.Duration
}

// New constructs a Supervisor with queues sized per cfg and the given
// collaborators. It does not start any goroutines.
func New(cfg config.PipelineConfig, deps Deps, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	calendarCheck := deps.CalendarCheckInterval
	if calendarCheck <= 0 {
		calendarCheck = time.Minute
	}
	balanceCheck := deps.BalanceCheckInterval
	if balanceCheck <= 0 {
		balanceCheck = 5 * time.Minute
	}
	s := &Supervisor{
		cfg:             cfg,
		calendarCheck:   calendarCheck,
		balanceCheck:    balanceCheck,
		ingestAdapter:   deps.Ingest,
		strategyRT:      deps.Strategy,
		riskGate:        deps.Risk,
		walletRouter:    deps.Router,
		envelopeMgr:     deps.Envelope,
		execEngine:      deps.Executor,
		store:           deps.Store,
		inferenceBridge: deps.Bridge,
		metrics:         deps.Metrics,
		ticks:           queue.New[types.MarketTick](cfg.IngestQueueSize, queue.DropOldest),
		intents:         queue.New[types.Intent](cfg.StrategyQueueSize, queue.Block),
		approved:        queue.New[types.ApprovedIntent](cfg.RiskQueueSize, queue.Block),
		routed:          queue.New[routedWork](cfg.RouterQueueSize, queue.Block),
		results:         queue.New[types.ExecutionResult](cfg.PersistenceQueueSize, queue.Block),
		logger:          logger.With("component", "pipeline_supervisor"),
		ctx:             ctx,
		cancel:          cancel,
		stageDone:       make(chan string, 8),
		heartbeats:      make(map[string]time.Time),
	}
	if deps.Ingest != nil {
		deps.Ingest.SetOutput(s.ticks)
	}
	return s
}

// beat records that the named stage is alive as of now. spawn calls it
// from a per-stage ticker goroutine that runs apart from the stage's work
// loop, so watchLiveness can flag a stale timestamp but cannot tell
// whether a stage is still making progress.
func (s *Supervisor) beat(name string) {
	s.heartbeatsMu.Lock()
	s.heartbeats[name] = time.Now()
	s.heartbeatsMu.Unlock()
}

// watchLiveness periodically checks every registered stage's last
// heartbeat against heartbeat_interval and logs (without killing the
// process) any stage that has gone quiet — diagnostic signal for an
// operator, not an automatic restart, since restart-after-fatal is
// forbidden by the operating contract.
func (s *Supervisor) watchLiveness() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.heartbeatsMu.Lock()
			for name, last := range s.heartbeats {
				if now.Sub(last) > interval {
					s.logger.Warn("stage heartbeat stale", "stage", name, "since", last)
				}
			}
			s.heartbeatsMu.Unlock()
		}
	}
}

// Start launches every stage as an independent goroutine. A stage that
// exits (cleanly or via panic recovery) reports on stageDone, which the
// supervisor's watch loop uses to cancel the shared pipeline context.
func (s *Supervisor) Start() {
	s.spawn("ingest", func(ctx context.Context) error { return s.ingestAdapter.Run(ctx) })
	s.spawn("strategy", func(ctx context.Context) error { return s.strategyRT.Run(ctx, s.ticks, s.intents) })
	s.spawn("risk", s.runRiskStage)
	s.spawn("router", s.runRouterStage)
	s.spawn("executor", s.runExecutorStage)
	s.spawn("persistence", s.runPersistenceStage)
	s.spawn("envelope", func(ctx context.Context) error {
		s.envelopeMgr.Run(ctx, s.calendarCheck, s.balanceCheck)
		return nil
	})
	if s.inferenceBridge != nil {
		bridgeOut := make(chan types.Intent, s.cfg.StrategyQueueSize)
		s.spawn("bridge", func(ctx context.Context) error { return s.inferenceBridge.Run(ctx, bridgeOut) })
		s.spawn("bridge_fanin", func(ctx context.Context) error { return s.fanInBridgeIntents(ctx, bridgeOut) })
	}

	go s.watch()
	go s.watchLiveness()
}

// spawn runs fn in its own goroutine, recovering a panic into an error
// log and a stageDone report rather than crashing the process — the
// supervisor, not the stage, decides how a fatal exit is handled.
func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error) {
	s.beat(name)
	if interval := s.cfg.HeartbeatInterval; interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(interval / 2)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.beat(name)
				}
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("stage panicked", "stage", name, "panic", r)
			}
			select {
			case s.stageDone <- name:
			default:
			}
		}()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("stage exited with error", "stage", name, "error", err)
		}
	}()
}

// watch reacts to the first unplanned stage exit by cancelling the
// pipeline. A stage that exits after ctx is already cancelled (the
// normal shutdown path) is not treated as fatal.
func (s *Supervisor) watch() {
	select {
	case name := <-s.stageDone:
		if s.ctx.Err() == nil {
			s.logger.Error("stage exited unexpectedly, shutting down pipeline", "stage", name)
			s.cancel()
		}
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) fanInBridgeIntents(ctx context.Context, in <-chan types.Intent) error {
	for {
		select {
		case intent := <-in:
			if err := s.intents.Send(ctx, intent); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) runRiskStage(ctx context.Context) error {
	for {
		intent, err := s.intents.Recv(ctx)
		if err != nil {
			return err
		}
		approved, ok, reason := s.riskGate.Evaluate(intent)
		if !ok {
			s.metrics.RiskRejections.Inc()
			s.logger.Debug("risk gate rejected intent", "intent_id", intent.ID, "reason", reason)
			continue
		}
		if err := s.approved.Send(ctx, approved); err != nil {
			return err
		}
	}
}

func (s *Supervisor) runRouterStage(ctx context.Context) error {
	for {
		approved, err := s.approved.Recv(ctx)
		if err != nil {
			return err
		}
		s.routeOne(ctx, approved)
	}
}

func (s *Supervisor) routeOne(ctx context.Context, approved types.ApprovedIntent) {
	routedIntent, handle, err := s.walletRouter.Route(ctx, approved, "", nil)
	if err != nil {
		s.metrics.RoutingFailures.Inc()
		s.emitTerminal(ctx, types.ExecutionResult{
			IntentID:  approved.Original.ID,
			Status:    types.ExecFailed,
			Timestamp: time.Now(),
			Error:     "NoSuitableWallet",
		})
		return
	}

	notional := approved.ApprovedSize.Mul(approved.Original.LimitPrice)
	token, err := s.envelopeMgr.Reserve(routedIntent.WalletID, approved.Original.Symbol, approved.Original.Strategy, notional, approved.Original.Side)
	if err != nil {
		s.emitTerminal(ctx, types.ExecutionResult{
			IntentID:  approved.Original.ID,
			Status:    types.ExecFailed,
			Timestamp: time.Now(),
			Error:     err.Error(),
		})
		return
	}

	work := routedWork{routed: routedIntent, handle: handle, token: token}
	if err := s.routed.Send(ctx, work); err != nil {
		// Pipeline shutting down; undo the reservation rather than leak it.
		_ = s.envelopeMgr.Release(token)
	}
}

func (s *Supervisor) runExecutorStage(ctx context.Context) error {
	for {
		work, err := s.routed.Recv(ctx)
		if err != nil {
			return err
		}
		result := s.execEngine.Execute(ctx, work.routed, work.handle)
		if err := s.envelopeMgr.ApplyResult(work.token, result); err != nil {
			s.logger.Error("apply_result failed", "intent_id", result.IntentID, "error", err)
		}
		s.emitTerminal(ctx, result)
	}
}

func (s *Supervisor) emitTerminal(ctx context.Context, result types.ExecutionResult) {
	s.metrics.RecordExecutionResult(string(result.Status))
	if err := s.results.Send(ctx, result); err != nil {
		s.logger.Warn("dropping execution result on shutdown", "intent_id", result.IntentID, "error", err)
	}
}

func (s *Supervisor) runPersistenceStage(ctx context.Context) error {
	for {
		result, err := s.results.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.store.Append(result); err != nil {
			s.logger.Error("persist execution result failed", "intent_id", result.IntentID, "error", err)
		}
	}
}

// Stop cancels the one shared context, so every stage is cancelled at the
// same time rather than in downstream-first order, waits for all stage
// goroutines to return, then releases resources. Items still sitting in
// the inter-stage queues are not drained, and a result whose send to the
// persistence queue fails after cancellation is logged and dropped. A
// stage that has already exited fatally is never restarted.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down pipeline")
	s.cancel()
	s.wg.Wait()
	if err := s.ingestAdapter.Close(); err != nil {
		s.logger.Warn("ingest close failed", "error", err)
	}
	if s.inferenceBridge != nil {
		if err := s.inferenceBridge.Close(); err != nil {
			s.logger.Warn("bridge close failed", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	s.logger.Info("pipeline shutdown complete")
}

// TicksDropped reports how many ingest ticks were discarded under
// backpressure (testable property 8).
func (s *Supervisor) TicksDropped() int64 { return s.ticks.Dropped() }

// StrategyAwaits reports how many times the strategy stage blocked
// sending into the risk queue (testable property 7).
func (s *Supervisor) StrategyAwaits() int64 { return s.intents.BlockedSends() }
