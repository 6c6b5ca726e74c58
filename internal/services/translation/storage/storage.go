// Package storage defines the translation cache contract shared by the
// SQLite, Pebble and in-memory backends.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/services/translation/domain"
)

// ErrClaimLost is returned by Commit when the caller no longer owns the
// pending claim for the key, usually because its lease expired and another
// owner took over.
var ErrClaimLost = apperrors.New(apperrors.CodeClaimLost, "translation claim is no longer held")

// ErrNotConfigured is returned when a nil store is used.
var ErrNotConfigured = apperrors.New(apperrors.CodeStorageUnavailable, "translation storage is not configured")

// ClaimState is the persisted state of a claim marker.
type ClaimState string

const (
	ClaimPending ClaimState = "pending"
	ClaimDone    ClaimState = "done"
)

// Claim describes who reserved a key and until when.
type Claim struct {
	domain.Key
	Owner     string
	State     ClaimState
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Cache is the translation cache. All mutation goes through
// Claim, Commit and Release.
type Cache interface {
	// Claim atomically reserves key for owner for ttl. It reports false,
	// without error, when a record exists or a live claim is held by
	// anyone. A pending claim whose lease has expired is taken over.
	Claim(ctx context.Context, key domain.Key, owner string, ttl time.Duration) (bool, error)
	// Commit stores rec as the authoritative record for its key,
	// displacing older records, and marks the claim done. It fails with
	// ErrClaimLost if owner does not hold the pending claim.
	Commit(ctx context.Context, rec domain.TranslationRecord, owner string) error
	// Release drops owner's pending claim so the key can be claimed again.
	// Releasing a claim that is not held is a no-op.
	Release(ctx context.Context, key domain.Key, owner string) error
	// Get returns the newest record for key.
	Get(ctx context.Context, key domain.Key) (domain.TranslationRecord, bool, error)
	// ListByMessage returns the newest record per language for messageID,
	// ordered by language.
	ListByMessage(ctx context.Context, messageID string) ([]domain.TranslationRecord, error)
}

// DuplicateGroup is a key holding more than one record.
type DuplicateGroup struct {
	domain.Key
	Count int
}

// Sweeper collapses duplicate records.
type Sweeper interface {
	// Sweep keeps the newest record of every key and deletes the rest,
	// returning how many records were removed.
	Sweep(ctx context.Context) (int, error)
	// Duplicates lists keys currently holding more than one record.
	Duplicates(ctx context.Context) ([]DuplicateGroup, error)
}

// Store is a full backend.
type Store interface {
	Cache
	Sweeper
	Close() error
}

// IntegrityHook is told when a read observes more than one record for a key.
type IntegrityHook func(key domain.Key, count int)

// IntegrityViolation builds the error logged when a read observes
// duplicates.
func IntegrityViolation(key domain.Key, count int) error {
	return apperrors.WithMetadata(apperrors.CodeIntegrityViolation, "multiple authoritative translation records", map[string]string{
		"message_id":      key.MessageID,
		"target_language": key.TargetLanguage,
		"count":           strconv.Itoa(count),
	})
}

// ValidateOwner checks the key and claim owner passed to Claim, Commit and
// Release.
func ValidateOwner(key domain.Key, owner string) error {
	if err := key.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid translation key", err)
	}
	if strings.TrimSpace(owner) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "claim owner is required")
	}
	return nil
}

// ValidateTTL checks a claim lease duration.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid claim ttl", fmt.Errorf("ttl must be positive, got %s", ttl))
	}
	return nil
}

// ClaimPruner drops claim markers that no longer guard anything: done
// claims and expired pending claims older than before. Records keep
// blocking new claims after their claim marker is pruned.
type ClaimPruner interface {
	PruneClaims(ctx context.Context, before time.Time) (int, error)
}

// Options configures a backend.
type Options struct {
	// Now overrides the clock used for leases and record timestamps.
	Now func() time.Time
	// OnIntegrityViolation is called when a read observes duplicates.
	OnIntegrityViolation IntegrityHook
}

// Clock returns the configured clock or time.Now in UTC.
func (o Options) Clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// Report invokes the integrity hook when count shows duplicates.
func (o Options) Report(key domain.Key, count int) {
	if count > 1 && o.OnIntegrityViolation != nil {
		o.OnIntegrityViolation(key, count)
	}
}
