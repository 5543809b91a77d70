// Package pipeline wires the transport (internal/exchange) to the
// decoder's downstream consumers: per-symbol order books
// (internal/depthbook), digest verification (internal/digest), health
// counters (internal/healthtrack), the frame journal
// (internal/recorder), and incident capture (internal/incident). It
// implements spec.md §5's T1/T2 split: recording happens inline on the
// transport's own goroutine (T1) before any frame is handed off, and a
// single goroutine (T2) owns every book mutation, reached only through a
// bounded channel so no lock is needed around book state.
//
// Grounded on wsconn's "record before handoff" ordering (its OnMessage
// callback always fires before any reconnect/backpressure logic runs)
// and business/pricing/infra/binance/client.go's routeStreamEvent for the
// single-dispatcher-goroutine shape; the bounded-channel backpressure
// policy is newly authored against spec.md §5's "roughly 2 seconds of
// peak traffic" sizing rule, reusing internal/healthtrack.EventLog's
// rate-gated SlowConsumer notification built earlier for exactly this.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/obmonitor/internal/apperror"
	"github.com/fd1az/obmonitor/internal/depthbook"
	"github.com/fd1az/obmonitor/internal/digest"
	"github.com/fd1az/obmonitor/internal/exchange"
	"github.com/fd1az/obmonitor/internal/fault"
	"github.com/fd1az/obmonitor/internal/healthtrack"
	"github.com/fd1az/obmonitor/internal/incident"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/recorder"
	"github.com/fd1az/obmonitor/internal/wireframe"
)

const tracerName = "github.com/fd1az/obmonitor/internal/pipeline"
const meterName = "github.com/fd1az/obmonitor/internal/pipeline"

// pipelineMetrics holds OTEL metric instruments, following the same
// initMetrics/otel.Meter shape internal/wsconn uses for its own
// connection-level instruments.
type pipelineMetrics struct {
	digestVerifications metric.Int64Counter
	digestVerifyLatency metric.Float64Histogram
	queueDepth          metric.Int64Gauge
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := otel.Meter(meterName)
	m := &pipelineMetrics{}
	var err error

	m.digestVerifications, err = meter.Int64Counter(
		"digest_verifications_total",
		metric.WithDescription("Total digest reconstructions, by symbol and result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, err
	}

	m.digestVerifyLatency, err = meter.Float64Histogram(
		"digest_verify_latency_seconds",
		metric.WithDescription("Time to reconstruct and compare a book's CRC32 digest"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.queueDepth, err = meter.Int64Gauge(
		"pipeline_queue_depth",
		metric.WithDescription("Number of decoded envelopes waiting in the T1->T2 handoff channel"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// peakMsgsPerSecond is the assumed worst-case per-symbol update rate used
// to size the T1->T2 channel; spec.md §5 asks for "roughly 2 seconds of
// peak symbol traffic" per subscribed symbol.
const peakMsgsPerSecond = 50

// Config configures a Pipeline's fixed set of symbols and depth.
type Config struct {
	Symbols            []string
	Depth              int
	BackpressureWindow time.Duration
	IncidentOnMismatch bool
}

// DefaultConfig sizes the backpressure window to 2 seconds, matching
// spec.md §5.
func DefaultConfig(symbols []string, depth int) Config {
	return Config{
		Symbols:            symbols,
		Depth:              depth,
		BackpressureWindow: 2 * time.Second,
		IncidentOnMismatch: true,
	}
}

func (c Config) channelCapacity() int {
	n := len(c.Symbols)
	if n == 0 {
		n = 1
	}
	capacity := int(float64(n) * peakMsgsPerSecond * c.BackpressureWindow.Seconds())
	if capacity < 16 {
		capacity = 16
	}
	return capacity
}

type workItem struct {
	ts  time.Time
	env wireframe.Envelope
}

// Pipeline owns the per-symbol books and coordinates the transport,
// health tracker, recorder, and incident bundler around them.
type Pipeline struct {
	cfg      Config
	ex       *exchange.Exchange
	registry *instrument.Registry
	tracker  *healthtrack.Tracker
	session  *recorder.Session
	bundler  *incident.Bundler
	log      logger.LoggerInterface
	tracer   trace.Tracer
	metrics  *pipelineMetrics

	books map[string]*depthbook.Book // write-once at construction, read-only thereafter

	queue chan workItem

	// replaySource holds the journal path currently being replayed, if
	// any, so an incident captured mid-replay can record its origin
	// (config.json's replay/replay_source) instead of always reporting
	// a live capture. nil when no replay is in flight.
	replaySource atomic.Pointer[string]
}

// New builds a Pipeline. The books map is populated up front for every
// configured symbol and never mutated afterward, so concurrent reads from
// the status surface need no lock of their own.
func New(cfg Config, ex *exchange.Exchange, registry *instrument.Registry, tracker *healthtrack.Tracker, session *recorder.Session, bundler *incident.Bundler, log logger.LoggerInterface) *Pipeline {
	books := make(map[string]*depthbook.Book, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		books[symbol] = depthbook.New(symbol, cfg.Depth)
	}

	pmetrics, err := newPipelineMetrics()
	if err != nil && log != nil {
		log.Warn(context.Background(), "pipeline metrics disabled", "error", err)
	}

	return &Pipeline{
		cfg:      cfg,
		ex:       ex,
		registry: registry,
		tracker:  tracker,
		session:  session,
		bundler:  bundler,
		log:      log,
		tracer:   otel.Tracer(tracerName),
		metrics:  pmetrics,
		books:    books,
		queue:    make(chan workItem, cfg.channelCapacity()),
	}
}

// Run wires the transport's callbacks and drives both T1 (via
// exchange.Run) and T2 (the queue-draining goroutine) until ctx is
// cancelled or the transport returns a fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.ex.OnRawFrame(p.recordRawFrame)
	p.ex.OnEnvelope(func(env wireframe.Envelope) { p.enqueue(ctx, env) })
	p.ex.OnEvent(p.handleExchangeEvent)

	t2Done := make(chan struct{})
	go func() {
		defer close(t2Done)
		p.runConsumer(ctx)
	}()

	err := p.ex.Run(ctx)
	<-t2Done
	return err
}

// recordRawFrame is T1's inline recording step: every frame is journaled
// before it is ever handed to T2, so a crash between here and book
// mutation never loses a frame (spec.md §5).
func (p *Pipeline) recordRawFrame(ts time.Time, raw []byte) {
	symbol := peekSymbol(raw)
	p.session.Observe(symbol, ts, raw, "")
}

func peekSymbol(raw []byte) string {
	var v struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v.Symbol
}

// enqueue hands a decoded envelope to T2. A full queue means T2 is
// falling behind; per spec.md §5 we prefer recording correctness over
// loss, so the frame (already durably recorded by recordRawFrame) is
// dropped from live processing and a rate-limited SlowConsumer event is
// raised instead of blocking T1's read loop.
func (p *Pipeline) enqueue(ctx context.Context, env wireframe.Envelope) {
	item := workItem{ts: time.Now(), env: env}
	select {
	case p.queue <- item:
		if p.metrics != nil {
			p.metrics.queueDepth.Record(ctx, int64(len(p.queue)))
		}
	default:
		p.tracker.Events().NotifySlowConsumer(time.Now(), fmt.Sprintf("queue full (cap=%d) for symbol=%s", cap(p.queue), env.Symbol))
		if p.log != nil {
			p.log.Warn(ctx, "pipeline backpressure: dropping decoded envelope", "symbol", env.Symbol, "kind", env.Kind)
		}
		if p.metrics != nil {
			p.metrics.queueDepth.Record(ctx, int64(cap(p.queue)))
		}
	}
}

func (p *Pipeline) runConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, item)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, item workItem) {
	env := item.env
	switch env.Kind {
	case wireframe.KindUnknownFrame:
		p.tracker.ObserveDecodeError(env.Symbol)
		return

	case wireframe.KindInstrumentSnapshot:
		// Re-establishes descriptors during replay exactly as
		// exchange.handleMessage does on the live path; without this a
		// replayed journal never re-populates the registry and every
		// book frame is dropped at the Known(symbol) guard below.
		for _, desc := range env.Instruments {
			p.registry.Set(desc)
		}

	case wireframe.KindBookSnapshot:
		p.applyAndVerify(ctx, env, item.ts, true)

	case wireframe.KindBookUpdate:
		p.applyAndVerify(ctx, env, item.ts, false)
	}
}

func (p *Pipeline) applyAndVerify(ctx context.Context, env wireframe.Envelope, ts time.Time, snapshot bool) {
	if !p.registry.Known(env.Symbol) {
		p.log.Debug(ctx, "book frame before instrument snapshot", "symbol", env.Symbol,
			"error", apperror.New(apperror.CodeUnknownDescriptor, apperror.WithContext(env.Symbol)))
		return
	}

	book, ok := p.books[env.Symbol]
	if !ok {
		p.log.Debug(ctx, "book frame for unconfigured symbol", "symbol", env.Symbol)
		return
	}

	if snapshot {
		book.ApplySnapshot(toDepthLevels(env.Bids), toDepthLevels(env.Asks))
	} else {
		book.ApplyUpdate(toDepthLevels(env.Bids), toDepthLevels(env.Asks))
	}
	p.tracker.ObserveMessage(env.Symbol, ts)

	if !env.HasDigest {
		return
	}
	p.verifyDigest(ctx, env.Symbol, book, env.Digest, ts)
}

func (p *Pipeline) verifyDigest(ctx context.Context, symbol string, book *depthbook.Book, expected uint32, ts time.Time) {
	desc, ok := p.registry.Get(symbol)
	if !ok {
		return
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.verify_digest", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	result, err := digest.Verify(book, desc, expected)
	if err != nil {
		p.log.Warn(ctx, "digest reconstruction failed", "symbol", symbol, "error", err)
		return
	}

	p.tracker.ObserveDigestResult(symbol, result.OK, result.Elapsed)
	p.ex.NotifyDigestResult(ctx, symbol, result.OK)

	if p.metrics != nil {
		resultLabel := "pass"
		if !result.OK {
			resultLabel = "fail"
		}
		p.metrics.digestVerifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", symbol), attribute.String("result", resultLabel)))
		p.metrics.digestVerifyLatency.Record(ctx, result.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("symbol", symbol)))
	}

	if result.OK {
		return
	}

	p.tracker.Events().Append(healthtrack.Event{Name: "digest_mismatch", Symbol: symbol, At: ts,
		Detail: fmt.Sprintf("expected=%d computed=%d", result.Expected, result.Computed)})

	if p.cfg.IncidentOnMismatch {
		p.captureIncident(ctx, incident.ReasonDigestMismatch, symbol, book, result)
	}
}

// incidentConfig reports the live symbol/depth configuration plus
// whether an incident is being captured during a Replay, and from which
// journal, so config.json accurately distinguishes replay-originated
// bundles from live ones.
func (p *Pipeline) incidentConfig() incident.Config {
	cfg := incident.Config{Symbols: p.cfg.Symbols, Depth: p.cfg.Depth}
	if src := p.replaySource.Load(); src != nil {
		cfg.Replay = true
		cfg.ReplaySource = *src
	}
	return cfg
}

func (p *Pipeline) captureIncident(ctx context.Context, reason incident.Reason, symbol string, book *depthbook.Book, result digest.Result) {
	desc, _ := p.registry.Get(symbol)
	now := time.Now()
	frames := p.session.Window(symbol, now.Add(-30*time.Second), now.Add(5*time.Second))

	in := incident.Inputs{
		Reason: reason,
		Symbol: symbol,
		Config: p.incidentConfig(),
		Health: p.tracker.Snapshot(now),
		Frames: frames,
		OrderBook: book.SnapshotJSON(p.cfg.Depth),
		Checksums: incident.Checksums{
			Expected:       result.Expected,
			Computed:       result.Computed,
			PreimagePrefix: result.PreimagePrefix,
		},
		Instrument: desc,
	}

	entry, err := p.bundler.Capture(in, now)
	if err != nil {
		p.log.Warn(ctx, "incident export failed", "symbol", symbol, "error", err)
		return
	}
	p.tracker.Events().Append(healthtrack.Event{Name: "incident_captured", Symbol: symbol, At: now, Detail: entry.Path})
}

// handleExchangeEvent mirrors transport lifecycle events into the health
// tracker's per-symbol connected flag. "connected" and a symbol-less
// "resubscribed" follow a transport-wide reconnect and apply to every
// configured symbol; a symbol-specific "resubscribed" is just a resync
// and leaves connected status alone. "disconnected" and
// "rate_limit_cooldown" mark every symbol disconnected until the next
// successful resubscribe.
func (p *Pipeline) handleExchangeEvent(ev exchange.Event) {
	switch ev.Name {
	case "connected":
		p.setAllConnected(true)
	case "resubscribed":
		if ev.Symbol == "" {
			p.setAllConnected(true)
		} else {
			p.tracker.SetConnected(ev.Symbol, true)
		}
	case "disconnected", "rate_limit_cooldown":
		p.setAllConnected(false)
	}
	p.tracker.Events().Append(healthtrack.Event{Name: ev.Name, Symbol: ev.Symbol, Detail: ev.Detail, At: ev.At})
}

func (p *Pipeline) setAllConnected(connected bool) {
	for symbol := range p.books {
		p.tracker.SetConnected(symbol, connected)
	}
}

func toDepthLevels(levels []wireframe.Level) []depthbook.Level {
	if levels == nil {
		return nil
	}
	out := make([]depthbook.Level, len(levels))
	for i, lv := range levels {
		out[i] = depthbook.Level{Price: lv.Price, Qty: lv.Qty}
	}
	return out
}

// Book returns the order book for symbol, if configured.
func (p *Pipeline) Book(symbol string) (*depthbook.Book, bool) {
	b, ok := p.books[symbol]
	return b, ok
}

// OverallHealth returns the current per-symbol and aggregate health
// snapshot (spec.md §6's overall_health()).
func (p *Pipeline) OverallHealth() healthtrack.OverallHealth {
	return p.tracker.Snapshot(time.Now())
}

// EventLogTail returns the last n events across the session.
func (p *Pipeline) EventLogTail(n int) []healthtrack.Event {
	return p.tracker.Events().Tail(n)
}

// StartRecording begins journaling raw frames to path, returning the new
// recording session's ID.
func (p *Pipeline) StartRecording(path string) (string, error) {
	return p.session.Start(path)
}

// StopRecording closes the active journal, if any.
func (p *Pipeline) StopRecording() error {
	return p.session.Stop()
}

// ExportIncident captures an on-demand incident bundle for symbol.
func (p *Pipeline) ExportIncident(ctx context.Context, symbol string, reason incident.Reason) (incident.Entry, error) {
	book, ok := p.books[symbol]
	if !ok {
		return incident.Entry{}, apperror.New(apperror.CodeIncidentExportError, apperror.WithContext("unknown symbol: "+symbol))
	}
	desc, _ := p.registry.Get(symbol)
	now := time.Now()
	frames := p.session.Window(symbol, now.Add(-30*time.Second), now.Add(5*time.Second))

	in := incident.Inputs{
		Reason:     reason,
		Symbol:     symbol,
		Config:     p.incidentConfig(),
		Health:     p.tracker.Snapshot(now),
		Frames:     frames,
		OrderBook:  book.SnapshotJSON(p.cfg.Depth),
		Instrument: desc,
	}
	return p.bundler.Capture(in, now)
}

// Replay loads a recorded journal and feeds it through the same
// decode-apply-verify path live frames use. If plan is non-nil, fault
// mutations are applied to the loaded frames before replay starts
// (spec.md §4.9). Replay runs synchronously and honors ctx cancellation.
func (p *Pipeline) Replay(ctx context.Context, path string, mode recorder.Mode, speed float64, plan *fault.Plan) error {
	replayer, err := recorder.Load(path)
	if err != nil {
		return err
	}

	if plan != nil {
		records := make([]recorder.Record, replayer.Len())
		for i := 0; i < replayer.Len(); i++ {
			records[i], _ = replayer.RecordAt(i)
		}
		mutated, err := fault.Apply(records, plan, p.registry)
		if err != nil {
			return err
		}
		replayer = recorder.FromRecords(mutated)
	}
	replayer.SetMode(mode, speed)

	p.replaySource.Store(&path)
	defer p.replaySource.Store(nil)

	for {
		rec, ok, err := replayer.NextDue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		env, decErr := wireframe.Decode([]byte(rec.RawFrame))
		if decErr != nil {
			p.tracker.ObserveDecodeError(peekSymbol([]byte(rec.RawFrame)))
			continue
		}
		p.process(ctx, workItem{ts: rec.TS, env: env})
	}
}
