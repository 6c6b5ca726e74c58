// Package memory is an in-process translation cache for tests and
// single-node development. Claims are atomic within one process only.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

// Store keeps claims and records in maps guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	claims  map[domain.Key]storage.Claim
	records map[domain.Key][]domain.TranslationRecord
	opts    storage.Options
	now     func() time.Time
}

// New builds an empty store.
func New(opts storage.Options) *Store {
	return &Store{
		claims:  make(map[domain.Key]storage.Claim),
		records: make(map[domain.Key][]domain.TranslationRecord),
		opts:    opts,
		now:     opts.Clock(),
	}
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// Claim implements storage.Cache.
func (s *Store) Claim(ctx context.Context, key domain.Key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := storage.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := storage.ValidateTTL(ttl); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records[key]) > 0 {
		return false, nil
	}
	now := s.now()
	if existing, ok := s.claims[key]; ok {
		if existing.State == storage.ClaimDone || existing.ExpiresAt.After(now) {
			return false, nil
		}
	}
	s.claims[key] = storage.Claim{
		Key:       key,
		Owner:     owner,
		State:     storage.ClaimPending,
		ClaimedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

// Commit implements storage.Cache.
func (s *Store) Commit(ctx context.Context, rec domain.TranslationRecord, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	key := rec.Key()
	if err := storage.ValidateOwner(key, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[key]
	if !ok || claim.State != storage.ClaimPending || claim.Owner != owner {
		return storage.ErrClaimLost
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.records[key] = []domain.TranslationRecord{rec}
	claim.State = storage.ClaimDone
	s.claims[key] = claim
	return nil
}

// Release implements storage.Cache.
func (s *Store) Release(ctx context.Context, key domain.Key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateOwner(key, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if claim, ok := s.claims[key]; ok && claim.State == storage.ClaimPending && claim.Owner == owner {
		delete(s.claims, key)
	}
	return nil
}

// Get implements storage.Cache.
func (s *Store) Get(ctx context.Context, key domain.Key) (domain.TranslationRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.TranslationRecord{}, false, err
	}
	if err := key.Validate(); err != nil {
		return domain.TranslationRecord{}, false, err
	}

	s.mu.Lock()
	group := s.records[key]
	rec, ok := newest(group)
	count := len(group)
	s.mu.Unlock()

	s.opts.Report(key, count)
	return rec, ok, nil
}

// ListByMessage implements storage.Cache.
func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]domain.TranslationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messageID = strings.TrimSpace(messageID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TranslationRecord
	for key, group := range s.records {
		if key.MessageID != messageID {
			continue
		}
		if rec, ok := newest(group); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetLanguage < out[j].TargetLanguage })
	return out, nil
}

// Sweep implements storage.Sweeper.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, group := range s.records {
		if len(group) < 2 {
			continue
		}
		keep, _ := newest(group)
		removed += len(group) - 1
		s.records[key] = []domain.TranslationRecord{keep}
	}
	return removed, nil
}

// Duplicates implements storage.Sweeper.
func (s *Store) Duplicates(ctx context.Context) ([]storage.DuplicateGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.DuplicateGroup
	for key, group := range s.records {
		if len(group) > 1 {
			out = append(out, storage.DuplicateGroup{Key: key, Count: len(group)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// PruneClaims implements storage.ClaimPruner.
func (s *Store) PruneClaims(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pruned := 0
	for key, claim := range s.claims {
		if !claim.ClaimedAt.Before(before) {
			continue
		}
		if claim.State == storage.ClaimDone || !claim.ExpiresAt.After(now) {
			delete(s.claims, key)
			pruned++
		}
	}
	return pruned, nil
}

// Append stores rec without a claim, displacing nothing. It models a
// writer that bypasses the claim protocol, such as an import job.
func (s *Store) Append(rec domain.TranslationRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.records[rec.Key()] = append(s.records[rec.Key()], rec)
	return nil
}

// newest returns the record with the latest CreatedAt; later entries win
// ties.
func newest(group []domain.TranslationRecord) (domain.TranslationRecord, bool) {
	if len(group) == 0 {
		return domain.TranslationRecord{}, false
	}
	best := group[0]
	for _, rec := range group[1:] {
		if !rec.CreatedAt.Before(best.CreatedAt) {
			best = rec
		}
	}
	return best, true
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ClaimPruner = (*Store)(nil)
)
