// Package recorder is the append-only frame journal and its bounded
// in-memory tail (spec.md §4.6): every inbound raw frame is persisted
// before any downstream mutation, and a per-symbol ring keeps the last few
// thousand frames available for incident bundling without a file re-read.
//
// Grounded on other_examples' bybit_recorder main.go: a single writer
// goroutine owning a buffered file handle, flushing on a fixed-size-or-idle
// basis (bufio.NewWriterSize + periodic ticker flush), draining a channel
// until it's closed. Lines are NDJSON per spec.md §6's journal format
// instead of that example's CSV, since the decoder downstream needs the
// raw frame text verbatim, not a column-decomposed view of it.
package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fd1az/obmonitor/internal/apperror"
)

// Record is one journal line: a raw frame and its arrival timestamp, plus
// an optional human-readable decode summary for offline inspection.
type Record struct {
	TS           time.Time `json:"ts"`
	RawFrame     string    `json:"raw_frame"`
	DecodedEvent string    `json:"decoded_event,omitempty"`
}

const (
	flushEvery      = 200
	flushEveryDur   = 500 * time.Millisecond
	writeBufferSize = 1 << 16
	ringSize        = 2000
)

// Writer is the append-only journal writer for a single recording session.
// It is safe for concurrent Append calls, though spec.md §5 only ever
// drives it from T1.
type Writer struct {
	mu         sync.Mutex
	f          *os.File
	bw         *bufio.Writer
	sinceFlush int
	closed     bool
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewWriter creates (or truncates) the journal file at path, creating its
// parent directory if needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("mkdir"))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("create"))
	}
	w := &Writer{
		f:          f,
		bw:         bufio.NewWriterSize(f, writeBufferSize),
		stopTicker: make(chan struct{}),
		tickerDone: make(chan struct{}),
	}
	go w.idleFlushLoop()
	return w, nil
}

func (w *Writer) idleFlushLoop() {
	defer close(w.tickerDone)
	t := time.NewTicker(flushEveryDur)
	defer t.Stop()
	for {
		select {
		case <-w.stopTicker:
			return
		case <-t.C:
			w.mu.Lock()
			if w.sinceFlush > 0 && !w.closed {
				w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}

// Append writes one record as an NDJSON line. It never blocks on disk
// beyond the buffered writer's own flush threshold.
func (w *Writer) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("marshal"))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperror.New(apperror.CodeJournalIOError, apperror.WithContext("writer closed"))
	}
	if _, err := w.bw.Write(data); err != nil {
		return apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("write"))
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("write"))
	}
	w.sinceFlush++
	if w.sinceFlush >= flushEvery {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		return apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("flush"))
	}
	w.sinceFlush = 0
	return nil
}

// Flush forces any buffered records to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

// Close flushes and closes the journal file. Safe to call more than once;
// later calls return nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopTicker)
	<-w.tickerDone

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("final flush"))
	}
	return w.f.Close()
}

// Ring is a fixed-capacity per-symbol FIFO of recent records, used to
// satisfy an incident bundle's frame window without reading the journal
// back from disk.
type Ring struct {
	mu   sync.Mutex
	cap  int
	bufs map[string][]Record
}

// NewRing creates a per-symbol ring with the given per-symbol capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = ringSize
	}
	return &Ring{cap: capacity, bufs: make(map[string][]Record)}
}

// Push appends rec to symbol's ring, evicting the oldest record once the
// ring is full.
func (r *Ring) Push(symbol string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.bufs[symbol]
	buf = append(buf, rec)
	if len(buf) > r.cap {
		buf = buf[len(buf)-r.cap:]
	}
	r.bufs[symbol] = buf
}

// Window returns the records for symbol with timestamps in [from, to],
// oldest first.
func (r *Ring) Window(symbol string, from, to time.Time) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.bufs[symbol]
	out := make([]Record, 0, len(buf))
	for _, rec := range buf {
		if rec.TS.Before(from) || rec.TS.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Session ties a journal Writer to the shared ring, giving T1 a single
// entry point: every inbound frame is both persisted and remembered.
type Session struct {
	mu        sync.RWMutex
	writer    *Writer
	ring      *Ring
	path      string
	sessionID string
}

// NewSession creates a Session sharing ring across recording starts/stops
// (the ring survives a stop/start cycle; the journal file does not).
func NewSession(ring *Ring) *Session {
	if ring == nil {
		ring = NewRing(ringSize)
	}
	return &Session{ring: ring}
}

// Start begins a new recording at path, assigning it a fresh session ID.
// It is a no-op error to call Start while already recording; call Stop
// first.
func (s *Session) Start(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return "", apperror.New(apperror.CodeJournalIOError, apperror.WithContext("already recording"))
	}
	w, err := NewWriter(path)
	if err != nil {
		return "", err
	}
	s.writer = w
	s.path = path
	s.sessionID = uuid.NewString()
	return s.sessionID, nil
}

// Stop flushes and closes the active journal, if any.
func (s *Session) Stop() error {
	s.mu.Lock()
	w := s.writer
	s.writer = nil
	s.path = ""
	s.sessionID = ""
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Recording reports whether a journal is currently open, its path, and
// its session ID.
func (s *Session) Recording() (bool, string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writer != nil, s.path, s.sessionID
}

// Observe records an inbound raw frame for symbol: always into the ring,
// and into the journal if one is open. This is the single call T1 makes
// before any downstream mutation (spec.md §4.5/§5).
func (s *Session) Observe(symbol string, ts time.Time, raw []byte, decodedEvent string) {
	rec := Record{TS: ts, RawFrame: string(bytes.TrimSpace(raw)), DecodedEvent: decodedEvent}
	s.ring.Push(symbol, rec)

	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w != nil {
		_ = w.Append(rec)
	}
}

// Window exposes the ring's frame window for incident bundling.
func (s *Session) Window(symbol string, from, to time.Time) []Record {
	return s.ring.Window(symbol, from, to)
}
