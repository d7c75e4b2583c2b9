package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledTracingIsTransparent(t *testing.T) {
	shutdown, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	if Enabled() {
		t.Fatalf("expected tracing to be disabled")
	}

	ctx, span := StartGatewaySpan(context.Background(), "search", http.MethodGet)
	defer span.End()
	if span.IsRecording() {
		t.Fatalf("disabled tracing must not record spans")
	}
	SetError(ctx, errors.New("ignored"))
	if TraceIDFromContext(ctx) != "" {
		t.Fatalf("expected no trace id when disabled")
	}

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	InjectHTTP(ctx, req)
	if req.Header.Get("traceparent") != "" {
		t.Fatalf("expected no propagation header when disabled")
	}

	called := false
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("middleware must call next")
	}
	if rec.Header().Get("X-Trace-ID") != "" {
		t.Fatalf("unexpected trace header")
	}
}

func TestIsUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/market-data", nil)
	if isUpgrade(req) {
		t.Fatalf("plain request reported as upgrade")
	}
	req.Header.Set("Upgrade", "WebSocket")
	if !isUpgrade(req) {
		t.Fatalf("websocket upgrade not detected")
	}
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	rec.WriteHeader(http.StatusBadGateway)
	rec.WriteHeader(http.StatusOK)
	if rec.status != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.status)
	}
}
