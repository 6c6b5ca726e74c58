package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 4096

// HTTPConfig configures the JSON-over-HTTP engine adapter.
type HTTPConfig struct {
	// URL is the full translate endpoint.
	URL    string
	APIKey string
	// Model is sent as model_hint when a request carries none.
	Model      string
	HTTPClient *http.Client
	// RequestsPerSecond bounds outbound calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// HTTPEngine calls an engine that accepts Request and returns Response as
// JSON.
type HTTPEngine struct {
	cfg     HTTPConfig
	limiter *rate.Limiter
}

// NewHTTPEngine builds an HTTP engine adapter.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	e := &HTTPEngine{cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e, nil
}

// Translate implements Engine.
func (e *HTTPEngine) Translate(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, Rejected(err)
	}
	if strings.TrimSpace(req.ModelHint) == "" {
		req.ModelHint = strings.TrimSpace(e.cfg.Model)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Response{}, Classify(ctx, fmt.Errorf("wait for rate limiter: %w", err))
		}
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return Response{}, Rejected(fmt.Errorf("marshal translate request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(requestBody))
	if err != nil {
		return Response{}, Rejected(fmt.Errorf("build translate request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(e.cfg.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := e.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, Classify(ctx, fmt.Errorf("translate request failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		engineErr := &Error{
			Retryable:  retryableStatus(res.StatusCode),
			StatusCode: res.StatusCode,
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
		return Response{}, engineErr
	}

	var payload Response
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return Response{}, Unavailable(fmt.Errorf("decode translate response: %w", err))
	}
	if strings.TrimSpace(payload.TranslatedText) == "" {
		return Response{}, Rejected(fmt.Errorf("translate response has empty text"))
	}
	if payload.ModelUsed == "" {
		payload.ModelUsed = req.ModelHint
	}
	payload.Confidence = clampConfidence(payload.Confidence)
	return payload, nil
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return code != http.StatusNotImplemented
	default:
		return false
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
