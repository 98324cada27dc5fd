package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingRecordsRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})

	final := NewChain(RequestID(), LoggingWithConfig(LoggingConfig{Logger: zap.New(core)})).Then(handler)

	req := httptest.NewRequest("POST", "/items?foo=bar", nil)
	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rr.Code)
	}

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("expected status field 201, got %v", fields["status"])
	}
	if fields["body_bytes"] != int64(len("created")) {
		t.Errorf("expected body_bytes 7, got %v", fields["body_bytes"])
	}
	if fields["query"] != "foo=bar" {
		t.Errorf("expected query field, got %v", fields["query"])
	}
	if fields["request_id"] == "" || fields["request_id"] == nil {
		t.Error("expected request_id field")
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	var handlerCalled bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	final := LoggingWithConfig(LoggingConfig{
		Logger:    zap.New(core),
		SkipPaths: []string{"/health", "/ready"},
	})(handler)

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if !handlerCalled {
		t.Error("handler should have been called for skipped path")
	}
	if logs.Len() != 0 {
		t.Errorf("skipped path should not be logged, got %d entries", logs.Len())
	}

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/data", nil))
	if logs.Len() != 1 {
		t.Errorf("expected 1 entry for logged path, got %d", logs.Len())
	}
}

func TestLoggingOnPanic(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	final := NewChain(
		RecoveryWithConfig(RecoveryConfig{}),
		LoggingWithConfig(LoggingConfig{Logger: zap.New(core)}),
	).Then(handler)

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/panic", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("HTTP request").Len() != 1 {
		t.Error("a panicking request should still be logged")
	}
}

type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() {
	f.flushed = true
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	rec := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	lrw.Flush()

	if !rec.flushed {
		t.Error("expected Flush to be delegated")
	}
	if lrw.Unwrap() != rec {
		t.Error("Unwrap should return the underlying writer")
	}
}
