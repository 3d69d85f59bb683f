package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-wake/internal/config"
	"github.com/loqalabs/loqa-wake/internal/eventstore"
	"github.com/loqalabs/loqa-wake/internal/protocol"
)

type fakeVoice struct {
	available bool
}

func (f fakeVoice) Status() protocol.ListenerStatus {
	return protocol.ListenerStatus{NodeID: "kitchen", State: "listening", Available: f.available}
}

func (f fakeVoice) Available() bool { return f.available }

type fakeHistory []eventstore.Session

func (f fakeHistory) RecentSessions(context.Context, int) ([]eventstore.Session, error) {
	return f, nil
}

func newTestRuntime() *Runtime {
	return New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyReflectsVoiceAvailability(t *testing.T) {
	r := newTestRuntime()
	mux := r.routes(nil)

	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	r.ready.Store(true)
	r.status = fakeVoice{available: true}
	if rec := get(t, mux, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	r.status = fakeVoice{available: false}
	rec := get(t, mux, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unavailable") {
		t.Fatalf("expected voice unavailable, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, mux, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not depend on voice, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := newTestRuntime()
	r.status = fakeVoice{available: true}
	r.history = fakeHistory{{ID: "s1", NodeID: "kitchen", Keyword: "jarvis", EndState: "idle"}}

	rec := get(t, r.routes(nil), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Voice == nil || body.Voice.State != "listening" || !body.Voice.Available {
		t.Fatalf("unexpected voice status %+v", body.Voice)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions %+v", body.Sessions)
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "test"
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}
	rec := get(t, handler, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
