package wireframe

import "sync"

// SeqTracker validates the strictly monotonic per-symbol sequence number
// carried on book-update frames (spec.md §4.4). A gap is reported to the
// caller, which is expected to request a resync for that symbol.
type SeqTracker struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewSeqTracker creates an empty tracker.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{last: make(map[string]int64)}
}

// Observe records seq for symbol and reports whether a gap was detected
// (seq is not exactly last+1). The first sequence number seen for a symbol
// is always accepted without triggering a gap.
func (t *SeqTracker) Observe(symbol string, seq int64) (gap bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, known := t.last[symbol]
	t.last[symbol] = seq
	if !known {
		return false
	}
	return seq != last+1
}

// Reset clears the tracked sequence for a symbol, used after a resync or
// fresh snapshot restores a known-good starting point.
func (t *SeqTracker) Reset(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, symbol)
}
