package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
)

type fakeRequest struct {
	Method  string   `json:"method"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
	Symbol  string   `json:"symbol"`
	ID      int64    `json:"id"`
}

// fakeExchangeServer answers instrument and book subscribe requests the way
// the real exchange would, and lets the test push arbitrary extra frames
// (rate limit, malformed, etc) at will.
type fakeExchangeServer struct {
	t    *testing.T
	srv  *httptest.Server
	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeExchangeServer(t *testing.T) *fakeExchangeServer {
	t.Helper()
	f := &fakeExchangeServer{t: t}
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

func (f *fakeExchangeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeExchangeServer) serve(conn *websocket.Conn) {
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
					"digest":  1,
				})
			}
		}
	}
}

func (f *fakeExchangeServer) send(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

// pushRaw sends an arbitrary frame on the currently accepted connection, if
// any, bypassing the request/response loop above.
func (f *fakeExchangeServer) pushRaw(raw string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Write(context.Background(), websocket.MessageText, []byte(raw))
}

func (f *fakeExchangeServer) Close() { f.srv.Close() }

func waitForEvent(t *testing.T, events <-chan Event, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func newTestExchange(t *testing.T, url string) (*Exchange, *instrument.Registry, chan Event) {
	t.Helper()
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "exchange_test")
	cfg := DefaultConfig(url, []string{"BTCUSD"})
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.CooldownDuration = 80 * time.Millisecond
	cfg.ResyncFailThreshold = 3

	ex := New(cfg, reg, log)
	events := make(chan Event, 64)
	ex.OnEvent(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})
	return ex, reg, events
}

func TestExchange_ReachesStreamingAfterSubscribeSequence(t *testing.T) {
	srv := newFakeExchangeServer(t)
	defer srv.Close()

	ex, reg, events := newTestExchange(t, srv.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go ex.Run(ctx)

	waitForEvent(t, events, "connected", 3*time.Second)

	if ex.State() != StateStreaming {
		t.Fatalf("state = %v, want StateStreaming", ex.State())
	}
	if !reg.Known("BTCUSD") {
		t.Fatalf("instrument registry missing BTCUSD after instrument snapshot")
	}
}

func TestExchange_RateLimitTriggersCooldownThenResubscribe(t *testing.T) {
	srv := newFakeExchangeServer(t)
	defer srv.Close()

	ex, _, events := newTestExchange(t, srv.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	go ex.Run(ctx)

	waitForEvent(t, events, "connected", 3*time.Second)

	srv.pushRaw(`{"channel":"rate_limit"}`)

	waitForEvent(t, events, "rate_limit_cooldown", 2*time.Second)
	waitForEvent(t, events, "resubscribed", 3*time.Second)

	if ex.State() != StateStreaming {
		t.Fatalf("state after cooldown recovery = %v, want StateStreaming", ex.State())
	}
}

func TestExchange_NotifyDigestResult_ResyncsThenForcesReconnectAtThreshold(t *testing.T) {
	srv := newFakeExchangeServer(t)
	defer srv.Close()

	ex, _, events := newTestExchange(t, srv.wsURL())

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	go ex.Run(ctx)

	waitForEvent(t, events, "connected", 3*time.Second)

	ex.NotifyDigestResult(ctx, "BTCUSD", false)
	ev := waitForEvent(t, events, "digest_mismatch", 2*time.Second)
	if ev.Symbol != "BTCUSD" {
		t.Errorf("digest_mismatch event symbol = %q, want BTCUSD", ev.Symbol)
	}
	waitForEvent(t, events, "resubscribed", 2*time.Second)

	ex.NotifyDigestResult(ctx, "BTCUSD", false)
	waitForEvent(t, events, "digest_mismatch", 2*time.Second)
	ex.NotifyDigestResult(ctx, "BTCUSD", false)
	waitForEvent(t, events, "digest_mismatch", 2*time.Second)

	// third consecutive failure crosses ResyncFailThreshold=3 and forces a
	// full reconnect, which re-announces streaming as "resubscribed".
	waitForEvent(t, events, "resubscribed", 3*time.Second)
}

func TestExchange_NotifyDigestResult_OKResetsFailureCount(t *testing.T) {
	srv := newFakeExchangeServer(t)
	defer srv.Close()

	ex, _, events := newTestExchange(t, srv.wsURL())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go ex.Run(ctx)
	waitForEvent(t, events, "connected", 3*time.Second)

	ex.NotifyDigestResult(ctx, "BTCUSD", false)
	waitForEvent(t, events, "digest_mismatch", 2*time.Second)
	ex.NotifyDigestResult(ctx, "BTCUSD", true)

	ex.mu.Lock()
	fails := ex.consecutiveFails["BTCUSD"]
	ex.mu.Unlock()
	if fails != 0 {
		t.Errorf("consecutiveFails after a successful verify = %d, want 0", fails)
	}
}

func TestExchange_ShutdownStopsRun(t *testing.T) {
	srv := newFakeExchangeServer(t)
	defer srv.Close()

	ex, _, events := newTestExchange(t, srv.wsURL())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx) }()

	waitForEvent(t, events, "connected", 3*time.Second)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
