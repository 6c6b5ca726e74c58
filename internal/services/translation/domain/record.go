package domain

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies one translation slot: a message rendered into one language.
type Key struct {
	MessageID      string
	TargetLanguage string
}

// Validate checks that both halves of the key are present.
func (k Key) Validate() error {
	if strings.TrimSpace(k.MessageID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(k.TargetLanguage) == "" {
		return fmt.Errorf("target language is required")
	}
	return nil
}

func (k Key) String() string {
	return k.MessageID + "/" + k.TargetLanguage
}

// TranslationRecord is a completed translation. Records are written once
// and displaced by newer writes for the same Key; they are never updated.
type TranslationRecord struct {
	MessageID         string
	TargetLanguage    string
	TranslatedContent string
	EngineModelID     string
	Confidence        float64
	CreatedAt         time.Time
}

// Key returns the slot the record occupies.
func (r TranslationRecord) Key() Key {
	return Key{MessageID: r.MessageID, TargetLanguage: r.TargetLanguage}
}

// Validate checks the fields every store requires.
func (r TranslationRecord) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if r.TranslatedContent == "" {
		return fmt.Errorf("translated content is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", r.Confidence)
	}
	return nil
}

// FanoutState is the lifecycle of one per-language dispatch.
type FanoutState string

const (
	FanoutPending  FanoutState = "pending"
	FanoutInflight FanoutState = "inflight"
	FanoutDone     FanoutState = "done"
	FanoutFailed   FanoutState = "failed"
)

var fanoutTransitions = map[FanoutState][]FanoutState{
	FanoutPending:  {FanoutInflight, FanoutDone, FanoutFailed},
	FanoutInflight: {FanoutInflight, FanoutDone, FanoutFailed},
}

// FanoutRequest tracks one (message, language) dispatch in memory only.
type FanoutRequest struct {
	Key
	Attempts int
	State    FanoutState
}

// NewFanoutRequest starts a request in the pending state.
func NewFanoutRequest(key Key) *FanoutRequest {
	return &FanoutRequest{Key: key, State: FanoutPending}
}

// Transition moves the request to next. Done and failed are terminal.
// Entering inflight counts one attempt.
func (r *FanoutRequest) Transition(next FanoutState) error {
	for _, allowed := range fanoutTransitions[r.State] {
		if allowed == next {
			r.State = next
			if next == FanoutInflight {
				r.Attempts++
			}
			return nil
		}
	}
	return fmt.Errorf("fanout %s: invalid transition %s -> %s", r.Key, r.State, next)
}

// Terminal reports whether no further transitions are possible.
func (r *FanoutRequest) Terminal() bool {
	return r.State == FanoutDone || r.State == FanoutFailed
}
