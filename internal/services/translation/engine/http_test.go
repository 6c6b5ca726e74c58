package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPEngineTranslateSuccess(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"translated_text": "bonjour",
			"model_used":      "nmt-2",
			"confidence":      1.7,
		})
	}))
	defer server.Close()

	e, err := NewHTTPEngine(HTTPConfig{URL: server.URL, APIKey: "secret", Model: "nmt-default"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	resp, err := e.Translate(context.Background(), Request{Text: "hello", SourceLanguage: "en", TargetLanguage: "fr"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if resp.TranslatedText != "bonjour" || resp.ModelUsed != "nmt-2" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Confidence != 1 {
		t.Fatalf("confidence = %v, want clamped 1", resp.Confidence)
	}
	if got.Text != "hello" || got.SourceLanguage != "en" || got.TargetLanguage != "fr" || got.ModelHint != "nmt-default" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestHTTPEngineClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusServiceUnavailable, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusRequestTimeout, retryable: true},
		{status: http.StatusNotImplemented, retryable: false},
		{status: http.StatusBadRequest, retryable: false},
		{status: http.StatusUnauthorized, retryable: false},
		{status: http.StatusUnprocessableEntity, retryable: false},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("engine says no"))
			}))
			defer server.Close()

			e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL})
			_, err := e.Translate(context.Background(), Request{Text: "hello", TargetLanguage: "fr"})
			var engineErr *Error
			if !errors.As(err, &engineErr) {
				t.Fatalf("error = %T %v, want *Error", err, err)
			}
			if engineErr.Retryable != tc.retryable {
				t.Fatalf("retryable = %v, want %v", engineErr.Retryable, tc.retryable)
			}
			if engineErr.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", engineErr.StatusCode, tc.status)
			}
			if !strings.Contains(err.Error(), "engine says no") {
				t.Fatalf("error should carry body, got %q", err.Error())
			}
		})
	}
}

func TestHTTPEngineReadsRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL})
	_, err := e.Translate(context.Background(), Request{Text: "hello", TargetLanguage: "fr"})
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if engineErr.RetryAfter != 3*time.Second {
		t.Fatalf("retry after = %v, want 3s", engineErr.RetryAfter)
	}
}

func TestHTTPEngineTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Translate(ctx, Request{Text: "hello", TargetLanguage: "fr"})
	var engineErr *Error
	if !errors.As(err, &engineErr) || !engineErr.Retryable {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestHTTPEngineRejectsEmptyTranslation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"translated_text":"  "}`))
	}))
	defer server.Close()

	e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL})
	_, err := e.Translate(context.Background(), Request{Text: "hello", TargetLanguage: "fr"})
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Retryable {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHTTPEngineRejectsInvalidRequestWithoutCalling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL})
	if _, err := e.Translate(context.Background(), Request{TargetLanguage: "fr"}); err == nil {
		t.Fatal("expected validation error")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("engine must not be called for invalid requests")
	}
}

func TestHTTPEngineRateLimiterHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"translated_text":"hola","model_used":"m"}`))
	}))
	defer server.Close()

	e, _ := NewHTTPEngine(HTTPConfig{URL: server.URL, RequestsPerSecond: 0.001, Burst: 1})
	if _, err := e.Translate(context.Background(), Request{Text: "hi", TargetLanguage: "es"}); err != nil {
		t.Fatalf("first call within burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Translate(ctx, Request{Text: "hi", TargetLanguage: "es"})
	var engineErr *Error
	if !errors.As(err, &engineErr) || !engineErr.Retryable {
		t.Fatalf("expected retryable limiter error, got %v", err)
	}
}

func TestNewHTTPEngineRequiresURL(t *testing.T) {
	if _, err := NewHTTPEngine(HTTPConfig{URL: " "}); err == nil {
		t.Fatal("expected url required error")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "5", want: 5 * time.Second},
		{value: "-1", want: 0},
		{value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{value: "soon", want: 0},
	}
	for _, tc := range tests {
		if got := parseRetryAfter(tc.value, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
