package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cwrk-planet/presence-service/pkg/logger"
)

func TestMiddlewareRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := MiddlewareRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("generated id %q, header %q", seen, rec.Header().Get(HeaderRequestID))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get(HeaderRequestID) != "abc-123" {
		t.Fatalf("propagated id %q", seen)
	}
}

func TestError_Shape(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(context.Background(), rec, http.StatusServiceUnavailable, "store_unavailable", "presence unavailable")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "store_unavailable" || body.Error.Message != "presence unavailable" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMiddlewareLogging_CarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{Service: "test", Env: logger.EnvProd, Backend: logger.BackendStd, Level: slog.LevelInfo, Output: &buf})

	h := MiddlewareRequestID(MiddlewareLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	req := httptest.NewRequest(http.MethodGet, "/presence/stats", nil)
	req.Header.Set(HeaderRequestID, "rid-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"req_id":"rid-1"`, `"status":418`, `"path":"/presence/stats"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
}
