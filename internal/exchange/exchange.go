// Package exchange drives the connection state machine for the exchange's
// WebSocket feed: subscription ordering, rate-limit cooldown, and
// per-symbol resync on digest mismatch or sequence gap. Transient
// disconnects and their backoff are left to the underlying transport;
// this package only tears a connection down and builds a fresh one for
// rate-limit cooldowns and forced reconnects (too many consecutive digest
// mismatches).
//
// Grounded on internal/wsconn (teacher, kept as the socket/backoff
// primitive) and business/pricing/infra/binance/client.go's Subscribe /
// routeStreamEvent pattern for subscription ordering and dispatch-by-frame
// shape — here frame dispatch comes from internal/wireframe.Decode rather
// than a per-stream-name switch, but "decode inline in the message
// handler, forward by kind to a dedicated function" is the same structure.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/obmonitor/internal/apperror"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/ratelimit"
	"github.com/fd1az/obmonitor/internal/wireframe"
	"github.com/fd1az/obmonitor/internal/wsconn"
)

const tracerName = "github.com/fd1az/obmonitor/internal/exchange"

// State is one node of the connection state machine (spec.md §4.5).
type State string

const (
	StateDisconnected          State = "disconnected"
	StateConnecting            State = "connecting"
	StateInstrumentSubscribing State = "instrument_subscribing"
	StateInstrumentReady       State = "instrument_ready"
	StateBookSubscribing       State = "book_subscribing"
	StateStreaming             State = "streaming"
	StateCooldown              State = "cooldown"
	StateReconnecting          State = "reconnecting"
)

// Config configures an Exchange connection.
type Config struct {
	URL                 string
	Symbols             []string
	Depth               int
	PingInterval        time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	CooldownDuration    time.Duration
	ResyncFailThreshold int
	HandshakeTimeout    time.Duration
}

// DefaultConfig returns the defaults named in spec.md §4.5.
func DefaultConfig(url string, symbols []string) Config {
	return Config{
		URL:                 url,
		Symbols:             symbols,
		Depth:               10,
		PingInterval:        30 * time.Second,
		InitialBackoff:      1 * time.Second,
		MaxBackoff:          300 * time.Second,
		CooldownDuration:    60 * time.Second,
		ResyncFailThreshold: 5,
		HandshakeTimeout:    15 * time.Second,
	}
}

// Event is a user-visible occurrence recorded to the event log (spec.md §3).
type Event struct {
	Name   string
	Symbol string
	At     time.Time
	Detail string
}

type restartReason int

const (
	restartTransient restartReason = iota
	restartRateLimited
	restartForced
)

// Exchange owns the WebSocket connection to the exchange feed and its
// subscription state machine. Run is not safe to call concurrently from
// multiple goroutines.
type Exchange struct {
	cfg      Config
	registry *instrument.Registry
	log      logger.LoggerInterface
	seq      *wireframe.SeqTracker
	resyncRL *ratelimit.Limiter
	tracer   trace.Tracer

	onRawFrame func(ts time.Time, raw []byte)
	onEnvelope func(env wireframe.Envelope)
	onEvent    func(Event)

	mu               sync.Mutex
	state            State
	conn             *wsconn.Client
	restartCh        chan restartReason
	consecutiveFails map[string]int
	instrumentReady  chan struct{}
	bookReady        map[string]chan struct{}
	streamingSince   time.Time
	everStreamed     bool
	subID            int64
}

// New creates an Exchange. reg must be the same instrument registry the
// rest of the pipeline reads from.
func New(cfg Config, reg *instrument.Registry, log logger.LoggerInterface) *Exchange {
	if cfg.ResyncFailThreshold <= 0 {
		cfg.ResyncFailThreshold = 5
	}
	return &Exchange{
		cfg:              cfg,
		registry:         reg,
		log:              log,
		seq:              wireframe.NewSeqTracker(),
		resyncRL:         ratelimit.NewWithBurst(2, 5),
		tracer:           otel.Tracer(tracerName),
		consecutiveFails: make(map[string]int),
	}
}

// OnRawFrame registers the hook invoked for every inbound raw frame before
// decoding begins (spec.md §4.5's recording-before-decode requirement).
func (e *Exchange) OnRawFrame(fn func(ts time.Time, raw []byte)) { e.onRawFrame = fn }

// OnEnvelope registers the hook invoked with every decoded envelope,
// including best-effort envelopes produced alongside a decode error.
func (e *Exchange) OnEnvelope(fn func(env wireframe.Envelope)) { e.onEnvelope = fn }

// OnEvent registers the hook invoked for user-visible events.
func (e *Exchange) OnEvent(fn func(Event)) { e.onEvent = fn }

// State returns the current connection state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Exchange) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Exchange) emit(name, symbol, detail string) {
	if e.onEvent != nil {
		e.onEvent(Event{Name: name, Symbol: symbol, At: time.Now(), Detail: detail})
	}
}

// Run connects, subscribes, and streams until ctx is cancelled. Ordinary
// disconnects are absorbed by the transport's own reconnect loop; Run only
// tears down and rebuilds the connection for rate-limit cooldowns and
// forced reconnects.
func (e *Exchange) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := e.openConnection(ctx); err != nil {
			e.log.Warn(ctx, "initial connect failed", "error", err)
			if !sleepCtx(ctx, jittered(e.cfg.InitialBackoff, 0.25)) {
				return nil
			}
			continue
		}

		e.mu.Lock()
		restartCh := e.restartCh
		conn := e.conn
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case reason := <-restartCh:
			conn.Close()
			switch reason {
			case restartRateLimited:
				e.setState(StateCooldown)
				e.emit("rate_limit_cooldown", "", "")
				if !sleepCtx(ctx, e.cfg.CooldownDuration) {
					return nil
				}
			default:
				e.setState(StateReconnecting)
				if !sleepCtx(ctx, jittered(e.cfg.InitialBackoff, 0.25)) {
					return nil
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func jittered(base time.Duration, frac float64) time.Duration {
	delta := float64(base) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(base) + offset)
}

// openConnection builds a fresh transport client and performs the initial
// handshake. Subscription and every subsequent reconnect's resubscription
// happen asynchronously off the transport's state-change callback.
func (e *Exchange) openConnection(ctx context.Context) error {
	wsCfg := wsconn.DefaultConfig(e.cfg.URL, "exchange")
	wsCfg.PingInterval = e.cfg.PingInterval
	wsCfg.InitialBackoff = e.cfg.InitialBackoff
	wsCfg.MaxBackoff = e.cfg.MaxBackoff

	conn, err := wsconn.New(wsCfg)
	if err != nil {
		return apperror.New(apperror.CodeTransportError, apperror.WithCause(err))
	}

	e.mu.Lock()
	e.conn = conn
	e.restartCh = make(chan restartReason, 1)
	e.mu.Unlock()

	conn.OnStateChange(e.handleStateChange)
	conn.OnMessage(e.handleMessage)

	e.setState(StateConnecting)
	return conn.Connect(ctx)
}

func (e *Exchange) handleStateChange(state wsconn.State, _ error) {
	switch state {
	case wsconn.StateConnected:
		go e.runSubscribeSequence(context.Background())
	case wsconn.StateReconnecting:
		e.setState(StateReconnecting)
		e.emit("disconnected", "", "transport_reconnecting")
	}
}

// runSubscribeSequence performs the instrument-then-book subscription
// ordering required by spec.md §4.5, run once per successful handshake
// (initial connect or any transport-level reconnect).
func (e *Exchange) runSubscribeSequence(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "exchange.subscribe")
	defer span.End()

	e.mu.Lock()
	conn := e.conn
	e.instrumentReady = make(chan struct{})
	bookReady := make(map[string]chan struct{}, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		bookReady[sym] = make(chan struct{})
	}
	e.bookReady = bookReady
	instrumentReady := e.instrumentReady
	e.mu.Unlock()

	e.setState(StateInstrumentSubscribing)
	if err := e.sendSubscribe(ctx, conn, subscribeRequest{
		Method:   "subscribe",
		Channel:  "instrument",
		Symbols:  e.cfg.Symbols,
		Snapshot: true,
	}); err != nil {
		e.log.Warn(ctx, "instrument subscribe failed", "error", err)
		e.triggerRestart(restartForced)
		return
	}
	if !waitTimeout(ctx, instrumentReady, e.cfg.HandshakeTimeout) {
		e.log.Warn(ctx, "instrument snapshot timeout")
		e.triggerRestart(restartForced)
		return
	}
	e.setState(StateInstrumentReady)

	e.setState(StateBookSubscribing)
	if err := e.sendSubscribe(ctx, conn, subscribeRequest{
		Method:   "subscribe",
		Channel:  "book",
		Symbols:  e.cfg.Symbols,
		Depth:    e.cfg.Depth,
		Snapshot: true,
	}); err != nil {
		e.log.Warn(ctx, "book subscribe failed", "error", err)
		e.triggerRestart(restartForced)
		return
	}
	for _, ch := range bookReady {
		if !waitTimeout(ctx, ch, e.cfg.HandshakeTimeout) {
			e.log.Warn(ctx, "book snapshot timeout")
			e.triggerRestart(restartForced)
			return
		}
	}

	e.mu.Lock()
	resuming := e.everStreamed
	e.everStreamed = true
	e.streamingSince = time.Now()
	e.mu.Unlock()

	e.setState(StateStreaming)
	if resuming {
		e.emit("resubscribed", "", "transport_reconnect")
	} else {
		e.emit("connected", "", "")
	}
}

func waitTimeout(ctx context.Context, ready <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

func (e *Exchange) triggerRestart(reason restartReason) {
	e.mu.Lock()
	ch := e.restartCh
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reason:
	default:
	}
}

type subscribeRequest struct {
	Method   string   `json:"method"`
	Channel  string   `json:"channel"`
	Symbols  []string `json:"symbols,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	Snapshot bool     `json:"snapshot"`
	Depth    int      `json:"depth,omitempty"`
	ID       int64    `json:"id"`
}

func (e *Exchange) sendSubscribe(ctx context.Context, conn *wsconn.Client, req subscribeRequest) error {
	e.mu.Lock()
	e.subID++
	req.ID = e.subID
	e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	return conn.Send(ctx, data)
}

// handleMessage is the transport's single entrypoint for inbound frames: it
// forwards the raw bytes to the recorder hook first (spec.md §4.5), then
// decodes and dispatches by kind.
func (e *Exchange) handleMessage(ctx context.Context, raw []byte) {
	now := time.Now()
	if e.onRawFrame != nil {
		e.onRawFrame(now, raw)
	}

	env, err := wireframe.Decode(raw)
	if err != nil {
		e.log.Debug(ctx, "frame decode error", "error", err)
		if e.onEnvelope != nil {
			e.onEnvelope(env)
		}
		return
	}

	switch env.Kind {
	case wireframe.KindInstrumentSnapshot:
		for _, desc := range env.Instruments {
			e.registry.Set(desc)
		}
		e.mu.Lock()
		ch := e.instrumentReady
		e.mu.Unlock()
		closeOnce(ch)

	case wireframe.KindBookSnapshot:
		e.mu.Lock()
		ch, ok := e.bookReady[env.Symbol]
		e.mu.Unlock()
		if ok {
			closeOnce(ch)
		}

	case wireframe.KindBookUpdate:
		if env.HasSeq {
			if gap := e.seq.Observe(env.Symbol, env.Seq); gap {
				e.requestResync(ctx, env.Symbol, "sequence_gap")
			}
		}

	case wireframe.KindRateLimitExceeded:
		e.triggerRestart(restartRateLimited)
	}

	if e.onEnvelope != nil {
		e.onEnvelope(env)
	}
}

func closeOnce(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// NotifyDigestResult is called by the pipeline after verifying a symbol's
// digest. ok=false counts toward the consecutive-failure threshold that
// forces a full reconnect (spec.md §4.5); ok=true resets it.
func (e *Exchange) NotifyDigestResult(ctx context.Context, symbol string, ok bool) {
	e.mu.Lock()
	if ok {
		e.consecutiveFails[symbol] = 0
		e.mu.Unlock()
		return
	}
	e.consecutiveFails[symbol]++
	fails := e.consecutiveFails[symbol]
	e.mu.Unlock()

	e.emit("digest_mismatch", symbol, fmt.Sprintf("consecutive_fails=%d", fails))
	e.requestResync(ctx, symbol, "digest_mismatch")

	if fails >= e.cfg.ResyncFailThreshold {
		e.triggerRestart(restartForced)
	}
}

// requestResync asks the exchange for a fresh book snapshot for symbol
// without dropping the connection, throttled so a burst of mismatches
// across many symbols can't itself trip the exchange's rate limiter.
func (e *Exchange) requestResync(ctx context.Context, symbol, reason string) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if !e.resyncRL.Allow() {
		e.log.Warn(ctx, "resync suppressed by rate limiter", "symbol", symbol, "reason", reason)
		return
	}
	if err := e.sendSubscribe(ctx, conn, subscribeRequest{
		Method:   "subscribe",
		Channel:  "book",
		Symbol:   symbol,
		Depth:    e.cfg.Depth,
		Snapshot: true,
	}); err != nil {
		e.log.Warn(ctx, "resync request failed", "symbol", symbol, "error", err)
		return
	}
	e.seq.Reset(symbol)
	e.emit("resubscribed", symbol, reason)
}

// Shutdown closes the active connection, if any, causing Run to return once
// its context is also cancelled.
func (e *Exchange) Shutdown() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
