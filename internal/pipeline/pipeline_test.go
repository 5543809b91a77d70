package pipeline

import (
	"archive/zip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"

	"github.com/fd1az/obmonitor/internal/depthbook"
	"github.com/fd1az/obmonitor/internal/digest"
	"github.com/fd1az/obmonitor/internal/exchange"
	"github.com/fd1az/obmonitor/internal/healthtrack"
	"github.com/fd1az/obmonitor/internal/incident"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/recorder"
	"github.com/fd1az/obmonitor/internal/wireframe"
)

var testDesc = instrument.Descriptor{
	Symbol:         "BTCUSD",
	PricePrecision: 2,
	QtyPrecision:   8,
	PriceIncrement: decimal.RequireFromString("0.01"),
	QtyIncrement:   decimal.RequireFromString("0.00000001"),
	Status:         instrument.StatusTrading,
}

func referenceDigest(t *testing.T) uint32 {
	t.Helper()
	book := depthbook.New("BTCUSD", 10)
	book.ApplySnapshot(
		[]depthbook.Level{{Price: decimal.RequireFromString("99"), Qty: decimal.RequireFromString("1")}},
		[]depthbook.Level{{Price: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("1")}},
	)
	crc, _, err := digest.Compute(book, testDesc)
	if err != nil {
		t.Fatalf("digest.Compute: %v", err)
	}
	return crc
}

type fakeServer struct {
	t    *testing.T
	srv  *httptest.Server
	mu   sync.Mutex
	conn *websocket.Conn
	// bookDigest is sent as the snapshot's "digest" field.
	bookDigest uint32
}

func newFakeServer(t *testing.T, bookDigest uint32) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, bookDigest: bookDigest}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.serve(conn)
	}))
	return f
}

func (f *fakeServer) wsURL() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

type fakeRequest struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
	Symbol  string   `json:"symbol"`
}

func (f *fakeServer) serve(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Channel {
		case "instrument":
			f.send(conn, map[string]any{
				"channel": "instrument",
				"instruments": map[string]any{
					"BTCUSD": map[string]any{
						"price_precision": 2,
						"qty_precision":   8,
						"price_increment": "0.01",
						"qty_increment":   "0.00000001",
						"status":          "TRADING",
					},
				},
			})
		case "book":
			symbols := req.Symbols
			if req.Symbol != "" {
				symbols = []string{req.Symbol}
			}
			for _, sym := range symbols {
				f.send(conn, map[string]any{
					"channel": "book",
					"type":    "snapshot",
					"symbol":  sym,
					"bids":    [][2]string{{"99", "1"}},
					"asks":    [][2]string{{"100", "1"}},
					"digest":  f.bookDigest,
				})
			}
		}
	}
}

func (f *fakeServer) send(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

func (f *fakeServer) Close() { f.srv.Close() }

func newTestPipeline(t *testing.T, url string) (*Pipeline, *healthtrack.Tracker, *incident.Bundler) {
	t.Helper()
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "pipeline_test")
	cfg := exchange.DefaultConfig(url, []string{"BTCUSD"})
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond

	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	p := New(DefaultConfig([]string{"BTCUSD"}, 10), ex, reg, tracker, session, bundler, log)
	return p, tracker, bundler
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPipeline_GoodDigestAppliesBookAndReportsOk(t *testing.T) {
	good := referenceDigest(t)
	srv := newFakeServer(t, good)
	defer srv.Close()

	p, tracker, _ := newTestPipeline(t, srv.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	waitUntil(t, 3*time.Second, func() bool {
		book, ok := p.Book("BTCUSD")
		if !ok {
			return false
		}
		_, hasBid := book.BestBid()
		return hasBid
	})

	book, _ := p.Book("BTCUSD")
	bid, _ := book.BestBid()
	if bid.Price.String() != "99" {
		t.Errorf("best bid price = %s, want 99", bid.Price.String())
	}

	waitUntil(t, 2*time.Second, func() bool {
		return tracker.Snapshot(time.Now()).Status == healthtrack.StatusOk
	})
}

func TestPipeline_BadDigestRecordsMismatchAndCapturesIncident(t *testing.T) {
	srv := newFakeServer(t, 0xdeadbeef)
	defer srv.Close()

	p, tracker, bundler := newTestPipeline(t, srv.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	waitUntil(t, 3*time.Second, func() bool {
		snap := tracker.Snapshot(time.Now())
		for _, sh := range snap.PerSymbol {
			if sh.Symbol == "BTCUSD" && sh.DigestMismatches > 0 {
				return true
			}
		}
		return false
	})

	waitUntil(t, 2*time.Second, func() bool {
		return len(bundler.List()) > 0
	})

	entries := bundler.List()
	if entries[0].Metadata.Reason != incident.ReasonDigestMismatch {
		t.Errorf("captured incident reason = %v, want digest_mismatch", entries[0].Metadata.Reason)
	}
	if entries[0].Metadata.Symbol != "BTCUSD" {
		t.Errorf("captured incident symbol = %q, want BTCUSD", entries[0].Metadata.Symbol)
	}
}

func TestPipeline_BackpressureDropsAndLogsSlowConsumer(t *testing.T) {
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "pipeline_backpressure_test")
	cfg := exchange.DefaultConfig("ws://unused.invalid", []string{"BTCUSD"})
	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	pcfg := DefaultConfig([]string{"BTCUSD"}, 10)
	pcfg.BackpressureWindow = 0
	p := New(pcfg, ex, reg, tracker, session, bundler, log)

	ctx := context.Background()
	capacity := cap(p.queue)
	for i := 0; i < capacity+5; i++ {
		p.enqueue(ctx, wireframe.Envelope{Kind: wireframe.KindBookUpdate, Symbol: "BTCUSD"})
	}

	tail := tracker.Events().Tail(50)
	found := false
	for _, ev := range tail {
		if ev.Name == "slow_consumer" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected a slow_consumer event once the queue overflowed")
	}
}

func TestPipeline_ReplayRepopulatesRegistryFromJournaledInstrumentSnapshot(t *testing.T) {
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "pipeline_replay_test")
	cfg := exchange.DefaultConfig("ws://unused.invalid", []string{"BTCUSD"})
	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	p := New(DefaultConfig([]string{"BTCUSD"}, 10), ex, reg, tracker, session, bundler, log)

	good := referenceDigest(t)
	path := t.TempDir() + "/journal.ndjson"
	w, err := recorder.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	instrumentFrame, _ := json.Marshal(map[string]any{
		"channel": "instrument",
		"instruments": map[string]any{
			"BTCUSD": map[string]any{
				"price_precision": 2,
				"qty_precision":   8,
				"price_increment": "0.01",
				"qty_increment":   "0.00000001",
				"status":          "TRADING",
			},
		},
	})
	bookFrame, _ := json.Marshal(map[string]any{
		"channel": "book",
		"type":    "snapshot",
		"symbol":  "BTCUSD",
		"bids":    [][2]string{{"99", "1"}},
		"asks":    [][2]string{{"100", "1"}},
		"digest":  good,
	})

	now := time.Now()
	if err := w.Append(recorder.Record{TS: now, RawFrame: string(instrumentFrame)}); err != nil {
		t.Fatalf("append instrument frame: %v", err)
	}
	if err := w.Append(recorder.Record{TS: now.Add(time.Millisecond), RawFrame: string(bookFrame)}); err != nil {
		t.Fatalf("append book frame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	if reg.Known("BTCUSD") {
		t.Fatal("registry should start out empty; this test exists to prove Replay populates it")
	}

	if err := p.Replay(context.Background(), path, recorder.AsFast, 0, nil); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if !reg.Known("BTCUSD") {
		t.Fatal("Replay should have registered BTCUSD's descriptor from the journaled instrument_snapshot frame")
	}

	book, _ := p.Book("BTCUSD")
	bid, ok := book.BestBid()
	if !ok {
		t.Fatal("Replay should have applied the journaled book snapshot")
	}
	if bid.Price.String() != "99" {
		t.Errorf("best bid price = %s, want 99", bid.Price.String())
	}

	snap := tracker.Snapshot(time.Now())
	for _, sh := range snap.PerSymbol {
		if sh.Symbol == "BTCUSD" && sh.DigestMismatches > 0 {
			t.Errorf("replay with a matching digest should not record a mismatch")
		}
	}
}

func TestPipeline_ReplayCapturedIncidentRecordsItsSource(t *testing.T) {
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "pipeline_replay_incident_test")
	cfg := exchange.DefaultConfig("ws://unused.invalid", []string{"BTCUSD"})
	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	p := New(DefaultConfig([]string{"BTCUSD"}, 10), ex, reg, tracker, session, bundler, log)

	path := t.TempDir() + "/journal.ndjson"
	w, err := recorder.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	instrumentFrame, _ := json.Marshal(map[string]any{
		"channel": "instrument",
		"instruments": map[string]any{
			"BTCUSD": map[string]any{
				"price_precision": 2,
				"qty_precision":   8,
				"price_increment": "0.01",
				"qty_increment":   "0.00000001",
				"status":          "TRADING",
			},
		},
	})
	bookFrame, _ := json.Marshal(map[string]any{
		"channel": "book",
		"type":    "snapshot",
		"symbol":  "BTCUSD",
		"bids":    [][2]string{{"99", "1"}},
		"asks":    [][2]string{{"100", "1"}},
		"digest":  uint32(0xdeadbeef),
	})

	now := time.Now()
	if err := w.Append(recorder.Record{TS: now, RawFrame: string(instrumentFrame)}); err != nil {
		t.Fatalf("append instrument frame: %v", err)
	}
	if err := w.Append(recorder.Record{TS: now.Add(time.Millisecond), RawFrame: string(bookFrame)}); err != nil {
		t.Fatalf("append book frame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	if err := p.Replay(context.Background(), path, recorder.AsFast, 0, nil); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	entries := bundler.List()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if src := p.replaySource.Load(); src != nil {
		t.Errorf("replaySource should be cleared once Replay returns, got %q", *src)
	}

	zr, err := zip.OpenReader(entries[0].Path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer zr.Close()

	var cfg incident.Config
	for _, f := range zr.File {
		if f.Name != "config.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open config.json: %v", err)
		}
		defer rc.Close()
		if err := json.NewDecoder(rc).Decode(&cfg); err != nil {
			t.Fatalf("decode config.json: %v", err)
		}
	}
	if !cfg.Replay || cfg.ReplaySource != path {
		t.Errorf("config.json replay fields = %+v, want replay=true replay_source=%q", cfg, path)
	}
}

func TestPipeline_UnknownSymbolBookFrameIsDropped(t *testing.T) {
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "pipeline_unknown_symbol_test")
	cfg := exchange.DefaultConfig("ws://unused.invalid", []string{"BTCUSD"})
	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	p := New(DefaultConfig([]string{"BTCUSD"}, 10), ex, reg, tracker, session, bundler, log)

	p.process(context.Background(), workItem{ts: time.Now(), env: wireframe.Envelope{
		Kind:   wireframe.KindBookUpdate,
		Symbol: "BTCUSD",
		Bids:   []wireframe.Level{{Price: decimal.RequireFromString("1"), Qty: decimal.RequireFromString("1")}},
	}})

	book, _ := p.Book("BTCUSD")
	if _, ok := book.BestBid(); ok {
		t.Fatal("book should remain empty when the symbol's instrument descriptor is unknown")
	}
}
