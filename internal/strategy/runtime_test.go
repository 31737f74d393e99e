package strategy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"overmind-engine/pkg/queue"
	"overmind-engine/pkg/types"
)

// flakyStrategy always reports failure via LastError, to exercise the
// error-budget quarantine path deterministically.
type flakyStrategy struct {
	baseStrategy
	kind types.StrategyKind
}

func (f *flakyStrategy) Kind() types.StrategyKind { return f.kind }
func (f *flakyStrategy) Observe(tick types.MarketTick) (types.Intent, bool) {
	f.mu.Lock()
	f.lastErr = errAlwaysFails
	f.mu.Unlock()
	return types.Intent{}, false
}

var errAlwaysFails = &sentinelErr{"always fails"}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

func TestRuntime_MergesAndOrdersByPriority(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(0, 1000, 1000, slog.Default())
	high := NewSniping([]string{"SOL/USDC"}, decimal.NewFromInt(10))
	low := NewMomentum(1, decimal.NewFromInt(5))
	rt.Register(high, 0) // higher priority: lower number
	rt.Register(low, 10)

	in := queue.New[types.MarketTick](4, queue.Block)
	out := queue.New[types.Intent](4, queue.Block)

	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx, in, out)

	tick := types.MarketTick{
		Symbol: "SOL/USDC", LastPrice: decimal.NewFromInt(105),
		Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100), Timestamp: time.Now(),
	}
	if err := in.Send(ctx, tick); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first, err := out.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv first: %v", err)
	}
	second, err := out.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv second: %v", err)
	}
	cancel()

	if first.Strategy != types.StrategySniping {
		t.Errorf("first intent strategy = %v, want Sniping (higher priority)", first.Strategy)
	}
	if second.Strategy != types.StrategyMomentum {
		t.Errorf("second intent strategy = %v, want Momentum", second.Strategy)
	}
}

func TestRuntime_CooldownSuppressesRapidReemission(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(time.Hour, 1000, 1000, slog.Default())
	// Momentum re-evaluates every tick with no memory of its own, so it
	// isolates the runtime's cooldown suppression cleanly.
	m := NewMomentum(1, decimal.NewFromInt(5))
	rt.Register(m, 0)

	in := queue.New[types.MarketTick](4, queue.Block)
	out := queue.New[types.Intent](4, queue.Block)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx, in, out)

	triggeringTick := types.MarketTick{
		Symbol: "SOL/USDC", LastPrice: decimal.NewFromInt(105),
		Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100), Timestamp: time.Now(),
	}
	_ = in.Send(ctx, triggeringTick)
	_, err := out.Recv(ctx)
	if err != nil {
		t.Fatalf("first Recv: %v", err)
	}

	_ = in.Send(ctx, triggeringTick)

	select {
	case <-out_recvSignal(ctx, out):
		t.Fatal("expected cooldown to suppress second intent")
	case <-time.After(50 * time.Millisecond):
		// expected: nothing arrived within the cooldown window
	}
}

func out_recvSignal(ctx context.Context, out *queue.Queue[types.Intent]) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_, err := out.Recv(ctx)
		if err == nil {
			close(ch)
		}
	}()
	return ch
}

func TestRuntime_QuarantinesStrategyAfterErrorBudgetExceeded(t *testing.T) {
	t.Parallel()

	rt := NewRuntime(0, 2 /* budgetN */, 3 /* budgetM */, slog.Default())
	flaky := &flakyStrategy{kind: types.StrategyMemeCoin}
	rt.Register(flaky, 0)

	in := queue.New[types.MarketTick](8, queue.Block)
	out := queue.New[types.Intent](8, queue.Block)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx, in, out)

	for i := 0; i < 3; i++ {
		_ = in.Send(ctx, types.MarketTick{Symbol: "X", Timestamp: time.Now()})
	}

	deadline := time.Now().Add(time.Second)
	for !rt.Quarantined(types.StrategyMemeCoin) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !rt.Quarantined(types.StrategyMemeCoin) {
		t.Error("expected strategy to be quarantined after exceeding error budget")
	}
	if rt.QuarantineCount() != 1 {
		t.Errorf("QuarantineCount() = %d, want 1", rt.QuarantineCount())
	}
}
