// Package engine adapts external translation engines to the request and
// response contract the fan-out orchestrator consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
)

// Engine translates one text into one target language. Implementations
// hold no per-request state and are safe for concurrent use.
type Engine interface {
	Translate(ctx context.Context, req Request) (Response, error)
}

// Request is one translation call.
type Request struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	ModelHint      string `json:"model_hint,omitempty"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if strings.TrimSpace(r.TargetLanguage) == "" {
		return fmt.Errorf("target language is required")
	}
	return nil
}

// Response is a successful translation.
type Response struct {
	TranslatedText string  `json:"translated_text"`
	ModelUsed      string  `json:"model_used"`
	Confidence     float64 `json:"confidence"`
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req Request) (Response, error)

// Translate implements Engine.
func (fn Func) Translate(ctx context.Context, req Request) (Response, error) {
	return fn(ctx, req)
}

// Error is a classified engine failure.
type Error struct {
	Retryable bool
	// RetryAfter is the minimum delay the engine asked for, if any.
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

// Unavailable classifies err as transient.
func Unavailable(err error) *Error {
	return &Error{Retryable: true, Err: err}
}

// Rejected classifies err as permanent for this request.
func Rejected(err error) *Error {
	return &Error{Retryable: false, Err: err}
}

func (e *Error) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "unavailable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("translation engine %s (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("translation engine %s: %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode implements apperrors.Coder.
func (e *Error) ErrorCode() apperrors.Code {
	if e.Retryable {
		return apperrors.CodeEngineUnavailable
	}
	return apperrors.CodeEngineRejected
}

// Is matches domain errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*apperrors.Error)
	return ok && t.Code == e.ErrorCode()
}

// Classify wraps an unclassified error from ctx-bound work. Deadline
// expiry counts as a failed attempt; cancellation is permanent.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return Rejected(err)
	}
	return Unavailable(err)
}
