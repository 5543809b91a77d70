package statusapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fd1az/obmonitor/internal/exchange"
	"github.com/fd1az/obmonitor/internal/healthtrack"
	"github.com/fd1az/obmonitor/internal/incident"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/pipeline"
	"github.com/fd1az/obmonitor/internal/recorder"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := instrument.NewRegistry()
	log := logger.NewConsole(logger.LevelError, "statusapi_test")
	cfg := exchange.DefaultConfig("ws://unused.invalid", []string{"BTCUSD"})
	ex := exchange.New(cfg, reg, log)
	tracker := healthtrack.New(time.Second)
	session := recorder.NewSession(nil)
	bundler := incident.New(t.TempDir())

	p := pipeline.New(pipeline.DefaultConfig([]string{"BTCUSD"}, 10), ex, reg, tracker, session, bundler, log)
	s := New("", p, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/overall_health", s.handleOverallHealth)
	mux.HandleFunc("/book_top", s.handleBookTop)
	mux.HandleFunc("/book_slice", s.handleBookSlice)
	mux.HandleFunc("/event_log_tail", s.handleEventLogTail)
	mux.HandleFunc("/start_recording", s.handleStartRecording)
	mux.HandleFunc("/stop_recording", s.handleStopRecording)
	mux.HandleFunc("/export_incident", s.handleExportIncident)
	mux.HandleFunc("/replay", s.handleReplay)
	return httptest.NewServer(mux)
}

func TestStatusAPI_OverallHealthReturnsJSON(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/overall_health")
	if err != nil {
		t.Fatalf("GET /overall_health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health healthtrack.OverallHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != healthtrack.StatusOk {
		t.Errorf("status = %v, want ok for a fresh tracker", health.Status)
	}
}

func TestStatusAPI_BookTopUnknownSymbolReturns404(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/book_top?symbol=NOPE")
	if err != nil {
		t.Fatalf("GET /book_top: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusAPI_BookTopEmptyBookReturnsNullFields(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/book_top?symbol=BTCUSD")
	if err != nil {
		t.Fatalf("GET /book_top: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body bookTopResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.BestBid != nil || body.BestAsk != nil || body.Spread != nil || body.Mid != nil {
		t.Errorf("expected all-null fields for an empty book, got %+v", body)
	}
}

func TestStatusAPI_StartAndStopRecordingRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	path := t.TempDir() + "/session.ndjson"
	body, _ := json.Marshal(startRecordingRequest{Path: path})
	resp, err := http.Post(srv.URL+"/start_recording", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /start_recording: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start_recording status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/stop_recording", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /stop_recording: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop_recording status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusAPI_ExportIncidentWithoutReasonDefaultsToManual(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(exportIncidentRequest{Symbol: "BTCUSD"})
	resp, err := http.Post(srv.URL+"/export_incident", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /export_incident: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var entry incident.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Metadata.Reason != incident.ReasonManual {
		t.Errorf("reason = %v, want manual", entry.Metadata.Reason)
	}
}

func TestStatusAPI_ReplayRejectsMissingPath(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(replayRequest{})
	resp, err := http.Post(srv.URL+"/replay", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /replay: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
