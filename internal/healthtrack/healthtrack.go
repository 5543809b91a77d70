// Package healthtrack maintains per-symbol counters, latency percentiles,
// a message-rate estimate, and a bounded event log (spec.md §4.7), read by
// the status surface and written by the pipeline's event-processing loop.
//
// Grounded on internal/health (teacher, kept separately as the
// process-level liveness/readiness server) for the general shape of a
// mutex-guarded registry of named checks exposed as JSON; the per-symbol
// sharding and EWMA rate estimate have no direct teacher analogue and are
// built fresh against spec.md §4.7's exact derivation rules.
package healthtrack

import (
	"sort"
	"sync"
	"time"
)

// Status is the worst-of-per-symbol health classification (spec.md §4.7).
type Status string

const (
	StatusOk   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

func worse(a, b Status) Status {
	rank := map[Status]int{StatusOk: 0, StatusWarn: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

const latencyRingSize = 256

// latencyRing is a fixed-length ring of recent verification latencies.
// avg is the arithmetic mean over the ring; p95 is read off a lazily
// sorted snapshot, matching spec.md §4.7's "sort on read, not on write"
// derivation.
type latencyRing struct {
	mu     sync.Mutex
	buf    [latencyRingSize]time.Duration
	filled int
	pos    int
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = d
	r.pos = (r.pos + 1) % latencyRingSize
	if r.filled < latencyRingSize {
		r.filled++
	}
}

func (r *latencyRing) avgP95() (avg, p95 time.Duration) {
	r.mu.Lock()
	n := r.filled
	snapshot := make([]time.Duration, n)
	copy(snapshot, r.buf[:n])
	r.mu.Unlock()

	if n == 0 {
		return 0, 0
	}
	var total time.Duration
	for _, d := range snapshot {
		total += d
	}
	avg = total / time.Duration(n)

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	p95 = snapshot[idx]
	return avg, p95
}

// ewmaRate estimates messages/second with an exponentially weighted moving
// average over 1-second buckets.
type ewmaRate struct {
	mu          sync.Mutex
	alpha       float64
	bucketStart time.Time
	bucketCount int
	rate        float64
}

func newEWMARate(alpha float64) *ewmaRate {
	return &ewmaRate{alpha: alpha}
}

func (e *ewmaRate) observe(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bucketStart.IsZero() {
		e.bucketStart = now
	}
	e.bucketCount++
	if now.Sub(e.bucketStart) >= time.Second {
		sample := float64(e.bucketCount)
		if e.rate == 0 {
			e.rate = sample
		} else {
			e.rate = e.alpha*sample + (1-e.alpha)*e.rate
		}
		e.bucketCount = 0
		e.bucketStart = now
	}
}

func (e *ewmaRate) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SymbolHealth is the read view of one symbol's tracker (spec.md §6's
// overall_health() per_symbol entries).
type SymbolHealth struct {
	Symbol           string        `json:"symbol"`
	Status           Status        `json:"status"`
	Connected        bool          `json:"connected"`
	Messages         uint64        `json:"messages"`
	DecodeErrors     uint64        `json:"decode_errors"`
	SequenceGaps     uint64        `json:"sequence_gaps"`
	DigestChecks     uint64        `json:"digest_checks"`
	DigestMismatches uint64        `json:"digest_mismatches"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	RatePerSec       float64       `json:"rate_per_sec"`
	LatencyAvg       time.Duration `json:"latency_avg_ns"`
	LatencyP95       time.Duration `json:"latency_p95_ns"`
	LastMsgAt        time.Time     `json:"last_msg_at"`
}

// symbolTracker holds one symbol's counters and derived state.
type symbolTracker struct {
	mu sync.RWMutex

	symbol           string
	connected        bool
	messages         uint64
	decodeErrors     uint64
	sequenceGaps     uint64
	digestChecks     uint64
	digestMismatches uint64
	consecutiveFails int
	lastMsgAt        time.Time

	latency *latencyRing
	rate    *ewmaRate
}

func newSymbolTracker(symbol string) *symbolTracker {
	return &symbolTracker{
		symbol:    symbol,
		connected: true,
		latency:   &latencyRing{},
		rate:      newEWMARate(0.3),
	}
}

func (t *symbolTracker) observeMessage(now time.Time) {
	t.mu.Lock()
	t.messages++
	t.lastMsgAt = now
	t.mu.Unlock()
	t.rate.observe(now)
}

func (t *symbolTracker) observeDecodeError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decodeErrors++
}

func (t *symbolTracker) observeSequenceGap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequenceGaps++
}

func (t *symbolTracker) observeDigestResult(ok bool, latency time.Duration) {
	t.latency.record(latency)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.digestChecks++
	if ok {
		t.consecutiveFails = 0
		return
	}
	t.digestMismatches++
	t.consecutiveFails++
}

func (t *symbolTracker) setConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// status derives Ok/Warn/Fail per spec.md §4.7: Ok if no consecutive
// failures and the last message arrived within 2x the expected interval;
// Warn if 1-2 consecutive failures or the feed is late; Fail otherwise.
func (t *symbolTracker) status(now time.Time, expectedInterval time.Duration) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.connected {
		return StatusFail
	}

	late := false
	if !t.lastMsgAt.IsZero() && expectedInterval > 0 {
		late = now.Sub(t.lastMsgAt) > 2*expectedInterval
	}

	switch {
	case t.consecutiveFails == 0 && !late:
		return StatusOk
	case t.consecutiveFails >= 1 && t.consecutiveFails <= 2:
		return StatusWarn
	case late && t.consecutiveFails == 0:
		return StatusWarn
	default:
		return StatusFail
	}
}

func (t *symbolTracker) snapshot(now time.Time, expectedInterval time.Duration) SymbolHealth {
	avg, p95 := t.latency.avgP95()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return SymbolHealth{
		Symbol:           t.symbol,
		Status:           t.status(now, expectedInterval),
		Connected:        t.connected,
		Messages:         t.messages,
		DecodeErrors:     t.decodeErrors,
		SequenceGaps:     t.sequenceGaps,
		DigestChecks:     t.digestChecks,
		DigestMismatches: t.digestMismatches,
		ConsecutiveFails: t.consecutiveFails,
		RatePerSec:       t.rate.value(),
		LatencyAvg:       avg,
		LatencyP95:       p95,
		LastMsgAt:        t.lastMsgAt,
	}
}

// OverallHealth is the top-level read view (spec.md §6's overall_health()).
type OverallHealth struct {
	Status    Status         `json:"status"`
	UptimeS   float64        `json:"uptime_s"`
	PerSymbol []SymbolHealth `json:"per_symbol"`
}

// Tracker aggregates per-symbol trackers and the shared event log. It is
// written by the pipeline's event-processing loop and read by the status
// surface; both sides only need the RWMutex-guarded map, matching
// spec.md §5's "event tracker and health map... concurrent maps" rule.
type Tracker struct {
	mu               sync.RWMutex
	symbols          map[string]*symbolTracker
	start            time.Time
	expectedInterval time.Duration
	events           *EventLog
}

// New creates a Tracker. expectedInterval is the nominal per-symbol
// update interval used for lateness detection.
func New(expectedInterval time.Duration) *Tracker {
	return &Tracker{
		symbols:          make(map[string]*symbolTracker),
		start:            time.Now(),
		expectedInterval: expectedInterval,
		events:           NewEventLog(500),
	}
}

func (tr *Tracker) symbolFor(symbol string) *symbolTracker {
	tr.mu.RLock()
	st, ok := tr.symbols[symbol]
	tr.mu.RUnlock()
	if ok {
		return st
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if st, ok := tr.symbols[symbol]; ok {
		return st
	}
	st = newSymbolTracker(symbol)
	tr.symbols[symbol] = st
	return st
}

// ObserveMessage records an inbound frame for symbol.
func (tr *Tracker) ObserveMessage(symbol string, now time.Time) {
	tr.symbolFor(symbol).observeMessage(now)
}

// ObserveDecodeError records a frame that failed to decode for symbol.
// When the symbol is unknown (decode failed before a symbol could be
// identified), pass "".
func (tr *Tracker) ObserveDecodeError(symbol string) {
	if symbol == "" {
		return
	}
	tr.symbolFor(symbol).observeDecodeError()
}

// ObserveSequenceGap records a detected sequence gap for symbol.
func (tr *Tracker) ObserveSequenceGap(symbol string) {
	tr.symbolFor(symbol).observeSequenceGap()
}

// ObserveDigestResult records a digest verification outcome and its
// latency for symbol.
func (tr *Tracker) ObserveDigestResult(symbol string, ok bool, latency time.Duration) {
	tr.symbolFor(symbol).observeDigestResult(ok, latency)
}

// SetConnected marks symbol's feed as connected or not, independent of
// digest/sequence counters (used when the transport drops entirely).
func (tr *Tracker) SetConnected(symbol string, connected bool) {
	tr.symbolFor(symbol).setConnected(connected)
}

// ConsecutiveFails reports the current consecutive digest-mismatch count
// for symbol. The transport keeps its own count for its forced-reconnect
// decision and does not read this one.
func (tr *Tracker) ConsecutiveFails(symbol string) int {
	st := tr.symbolFor(symbol)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.consecutiveFails
}

// Snapshot returns the overall health view at now.
func (tr *Tracker) Snapshot(now time.Time) OverallHealth {
	tr.mu.RLock()
	symbols := make([]*symbolTracker, 0, len(tr.symbols))
	for _, st := range tr.symbols {
		symbols = append(symbols, st)
	}
	tr.mu.RUnlock()

	out := OverallHealth{Status: StatusOk, UptimeS: now.Sub(tr.start).Seconds()}
	out.PerSymbol = make([]SymbolHealth, 0, len(symbols))
	for _, st := range symbols {
		sh := st.snapshot(now, tr.expectedInterval)
		out.PerSymbol = append(out.PerSymbol, sh)
		out.Status = worse(out.Status, sh.Status)
	}
	sort.Slice(out.PerSymbol, func(i, j int) bool { return out.PerSymbol[i].Symbol < out.PerSymbol[j].Symbol })
	return out
}

// Events returns the shared event log.
func (tr *Tracker) Events() *EventLog { return tr.events }
