// Package ingest adapts an upstream market data feed into the pipeline's
// ingest queue. The exact upstream wire protocol is not prescribed; what this
// package guarantees is the adapter contract: monotonic timestamps per
// symbol and duplicate suppression, regardless of what the upstream feed
// actually sends. Connection lifecycle (dial, auto-reconnect with
// exponential backoff, read-deadline based stall detection) is grounded
// on a resilient WebSocket feed client: dial, read loop, reconnect.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"overmind-engine/pkg/queue"
	"overmind-engine/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// wireTick is the subset of an upstream message this adapter understands.
// The upstream protocol is unspecified; any JSON object carrying these
// fields is accepted.
type wireTick struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"last_price"`
	Volume    string `json:"volume"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp_ms"`
	Source    string `json:"source"`
}

// lastSeen tracks the per-symbol state needed to enforce monotonic
// timestamps and drop duplicates.
type lastSeen struct {
	timestamp time.Time
	lastPrice string
}

// Adapter connects to an upstream market data feed, normalizes raw ticks
// into types.MarketTick, and forwards them into a bounded queue toward
// the strategy stage. The queue's own policy governs what happens when
// the strategy side falls behind (drop-oldest is the deliberate policy here).
type Adapter struct {
	url    string
	out    *queue.Queue[types.MarketTick]
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]lastSeen

	conn   *websocket.Conn
	connMu sync.Mutex
}

// New constructs an ingest adapter that dials wsURL and forwards
// normalized ticks onto out. out may be nil at construction time and
// wired later via SetOutput, letting the pipeline supervisor own the
// queue's lifetime while the caller owns the adapter's construction.
func New(wsURL string, out *queue.Queue[types.MarketTick], logger *slog.Logger) *Adapter {
	return &Adapter{
		url:    wsURL,
		out:    out,
		logger: logger.With("component", "ingest"),
		seen:   make(map[string]lastSeen),
	}
}

// SetOutput (re)binds the queue ticks are forwarded to. Must be called
// before Run; not safe to call concurrently with Run.
func (a *Adapter) SetOutput(out *queue.Queue[types.MarketTick]) {
	a.out = out
}

// Run connects and maintains the feed with auto-reconnect, forwarding
// ticks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Warn("market feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the active connection, if any.
func (a *Adapter) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *Adapter) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	a.logger.Info("market feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.handleMessage(ctx, msg)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, data []byte) {
	var raw wireTick
	if err := json.Unmarshal(data, &raw); err != nil {
		a.logger.Debug("ignoring non-json market message", "error", err)
		return
	}
	tick, ok := a.normalize(raw)
	if !ok {
		return
	}
	if err := a.out.Send(ctx, tick); err != nil {
		a.logger.Debug("ingest send cancelled", "symbol", tick.Symbol, "error", err)
	}
}

// normalize parses raw and enforces the adapter contract: the tick's
// timestamp must strictly advance the previous one observed for its
// symbol, and an identical last_price at a non-advancing timestamp is
// treated as a duplicate and dropped.
func (a *Adapter) normalize(raw wireTick) (types.MarketTick, bool) {
	if raw.Symbol == "" {
		return types.MarketTick{}, false
	}
	lastPrice, err := parseDecimalOrZero(raw.LastPrice)
	if err != nil {
		a.logger.Debug("dropping tick with unparsable price", "symbol", raw.Symbol, "error", err)
		return types.MarketTick{}, false
	}
	volume, _ := parseDecimalOrZero(raw.Volume)
	bid, _ := parseDecimalOrZero(raw.Bid)
	ask, _ := parseDecimalOrZero(raw.Ask)

	ts := time.UnixMilli(raw.Timestamp).UTC()
	if raw.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev, known := a.seen[raw.Symbol]
	if known {
		if !ts.After(prev.timestamp) {
			if prev.lastPrice == raw.LastPrice {
				return types.MarketTick{}, false
			}
			// Out-of-order but distinct observation: nudge forward by
			// one nanosecond so the monotonic guarantee still holds.
			ts = prev.timestamp.Add(time.Nanosecond)
		}
	}
	a.seen[raw.Symbol] = lastSeen{timestamp: ts, lastPrice: raw.LastPrice}

	return types.MarketTick{
		Symbol:    raw.Symbol,
		LastPrice: lastPrice,
		Volume:    volume,
		Bid:       bid,
		Ask:       ask,
		Timestamp: ts,
		Source:    raw.Source,
	}, true
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
