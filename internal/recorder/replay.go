package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fd1az/obmonitor/internal/apperror"
)

// Mode selects the replayer's pacing policy (spec.md §4.6).
type Mode int

const (
	// Realtime honors the original inter-arrival intervals.
	Realtime Mode = iota
	// Speed multiplies intervals by 1/k; k == 0 behaves like AsFast.
	Speed
	// AsFast delivers every record with no waiting.
	AsFast
)

// Replayer loads a journal and plays its records back at a chosen pace,
// feeding them to the same decoder and downstream pipeline used live —
// the determinism contract in spec.md §4.6.
type Replayer struct {
	records []Record
	mode    Mode
	speed   float64

	idx       int
	baseTS    time.Time
	startedAt time.Time
}

// Load reads an entire NDJSON journal into memory. Journals are small
// enough in practice (bounded recording sessions) that this keeps
// next_due() simple and allocation-free per call.
func Load(path string) (*Replayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("open"))
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("parse record"))
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, apperror.New(apperror.CodeJournalIOError, apperror.WithCause(err), apperror.WithContext("scan"))
	}

	r := &Replayer{records: records, mode: AsFast}
	if len(records) > 0 {
		r.baseTS = records[0].TS
	}
	return r, nil
}

// FromRecords builds a Replayer directly from an in-memory record slice,
// used by the fault injector to replay a mutated sequence without a
// round trip through disk (spec.md §4.9: mutations apply before the
// decoder sees the stream, not before the replayer loads it).
func FromRecords(records []Record) *Replayer {
	r := &Replayer{records: records, mode: AsFast}
	if len(records) > 0 {
		r.baseTS = records[0].TS
	}
	return r
}

// SetMode selects Realtime, Speed(k), or AsFast pacing. speed is only used
// when mode == Speed; k == 0 is treated as AsFast per spec.md §4.6.
func (r *Replayer) SetMode(mode Mode, speed float64) {
	r.mode = mode
	r.speed = speed
	if mode == Speed && speed == 0 {
		r.mode = AsFast
	}
}

// Len reports the total number of records in the journal.
func (r *Replayer) Len() int { return len(r.records) }

// NextDue blocks, honoring ctx and the configured pacing, until the next
// record is due, then returns it. The second return value is false once
// the journal is exhausted.
func (r *Replayer) NextDue(ctx context.Context) (Record, bool, error) {
	if r.idx >= len(r.records) {
		return Record{}, false, nil
	}
	rec := r.records[r.idx]

	if r.mode != AsFast && r.idx > 0 {
		if r.startedAt.IsZero() {
			r.startedAt = time.Now()
		}
		wantElapsed := rec.TS.Sub(r.baseTS)
		if r.mode == Speed && r.speed > 0 {
			wantElapsed = time.Duration(float64(wantElapsed) / r.speed)
		}
		due := r.startedAt.Add(wantElapsed)
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Record{}, false, ctx.Err()
			case <-t.C:
			}
		}
	}

	r.idx++
	return rec, true, nil
}

// Reset rewinds the replayer to the first record, keeping its pacing mode.
func (r *Replayer) Reset() {
	r.idx = 0
	r.startedAt = time.Time{}
}

// RecordAt returns the record at the given frame index without consuming
// it, used by the fault injector to apply index-addressed mutations.
func (r *Replayer) RecordAt(i int) (Record, bool) {
	if i < 0 || i >= len(r.records) {
		return Record{}, false
	}
	return r.records[i], true
}
