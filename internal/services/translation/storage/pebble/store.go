// Package pebble implements the translation cache on an embedded Pebble
// key-value store. A Pebble directory is owned by one process, so claims
// are serialized by an in-process mutex.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

const (
	claimPrefix  = 'c'
	recordPrefix = 'r'
	sep          = 0x00
)

// Store provides Pebble-backed translation cache persistence.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	opts storage.Options
	now  func() time.Time
	seq  uint64
}

type claimValue struct {
	Owner     string `json:"owner"`
	State     string `json:"state"`
	ClaimedAt int64  `json:"claimed_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type recordValue struct {
	MessageID         string  `json:"message_id"`
	TargetLanguage    string  `json:"target_language"`
	TranslatedContent string  `json:"translated_content"`
	EngineModelID     string  `json:"engine_model_id,omitempty"`
	Confidence        float64 `json:"confidence"`
	CreatedAt         int64   `json:"created_at"`
}

// Open opens (or creates) a Pebble database in dir.
func Open(dir string, opts storage.Options) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("pebble directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Store{
		db:   db,
		opts: opts,
		now:  opts.Clock(),
		seq:  uint64(time.Now().UnixNano()),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

func validateKey(key domain.Key) error {
	if err := key.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid translation key", err)
	}
	if strings.IndexByte(key.MessageID, sep) >= 0 || strings.IndexByte(key.TargetLanguage, sep) >= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "translation key contains a NUL byte")
	}
	return nil
}

func claimKey(key domain.Key) []byte {
	b := make([]byte, 0, len(key.MessageID)+len(key.TargetLanguage)+3)
	b = append(b, claimPrefix, sep)
	b = append(b, key.MessageID...)
	b = append(b, sep)
	return append(b, key.TargetLanguage...)
}

func messagePrefix(messageID string) []byte {
	b := make([]byte, 0, len(messageID)+3)
	b = append(b, recordPrefix, sep)
	b = append(b, messageID...)
	return append(b, sep)
}

func recordKeyPrefix(key domain.Key) []byte {
	b := messagePrefix(key.MessageID)
	b = append(b, key.TargetLanguage...)
	return append(b, sep)
}

// recordKey sorts records of a key by creation time, then by write order.
func (s *Store) recordKey(key domain.Key, createdAt time.Time) []byte {
	b := recordKeyPrefix(key)
	b = binary.BigEndian.AppendUint64(b, sortableNanos(createdAt))
	return binary.BigEndian.AppendUint64(b, atomic.AddUint64(&s.seq, 1))
}

var (
	minStamp = time.Unix(0, math.MinInt64)
	maxStamp = time.Unix(0, math.MaxInt64)
)

// unixNanos is t.UnixNano clamped to the instants an int64 can hold.
func unixNanos(t time.Time) int64 {
	switch {
	case t.Before(minStamp):
		return math.MinInt64
	case t.After(maxStamp):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// sortableNanos flips the sign bit so big-endian byte order matches time
// order on both sides of 1970.
func sortableNanos(t time.Time) uint64 {
	return uint64(unixNanos(t)) ^ 1<<63
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) loadClaim(key domain.Key) (claimValue, bool, error) {
	raw, closer, err := s.db.Get(claimKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return claimValue{}, false, nil
	}
	if err != nil {
		return claimValue{}, false, unavailable("load claim", err)
	}
	defer closer.Close()
	var claim claimValue
	if err := json.Unmarshal(raw, &claim); err != nil {
		return claimValue{}, false, fmt.Errorf("decode claim %s: %w", key, err)
	}
	return claim, true, nil
}

// scanKey returns the newest record stored under key and how many exist.
func (s *Store) scanKey(key domain.Key) (domain.TranslationRecord, int, error) {
	prefix := recordKeyPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return domain.TranslationRecord{}, 0, unavailable("iterate records", err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return domain.TranslationRecord{}, 0, unavailable("iterate records", err)
	}
	if count == 0 {
		return domain.TranslationRecord{}, 0, nil
	}
	if !iter.Last() {
		return domain.TranslationRecord{}, 0, unavailable("iterate records", iter.Error())
	}
	rec, err := decodeRecord(iter.Value())
	if err != nil {
		return domain.TranslationRecord{}, 0, err
	}
	return rec, count, nil
}

func decodeRecord(raw []byte) (domain.TranslationRecord, error) {
	var v recordValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.TranslationRecord{}, fmt.Errorf("decode translation record: %w", err)
	}
	return domain.TranslationRecord{
		MessageID:         v.MessageID,
		TargetLanguage:    v.TargetLanguage,
		TranslatedContent: v.TranslatedContent,
		EngineModelID:     v.EngineModelID,
		Confidence:        v.Confidence,
		CreatedAt:         time.Unix(0, v.CreatedAt).UTC(),
	}, nil
}

func encodeRecord(rec domain.TranslationRecord) ([]byte, error) {
	return json.Marshal(recordValue{
		MessageID:         rec.MessageID,
		TargetLanguage:    rec.TargetLanguage,
		TranslatedContent: rec.TranslatedContent,
		EngineModelID:     rec.EngineModelID,
		Confidence:        rec.Confidence,
		CreatedAt:         unixNanos(rec.CreatedAt),
	})
}

// Claim implements storage.Cache.
func (s *Store) Claim(ctx context.Context, key domain.Key, owner string, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
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

	_, count, err := s.scanKey(key)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	now := s.now()
	existing, ok, err := s.loadClaim(key)
	if err != nil {
		return false, err
	}
	if ok && (existing.State == string(storage.ClaimDone) || existing.ExpiresAt > now.UnixMilli()) {
		return false, nil
	}
	raw, err := json.Marshal(claimValue{
		Owner:     owner,
		State:     string(storage.ClaimPending),
		ClaimedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("encode claim: %w", err)
	}
	if err := s.db.Set(claimKey(key), raw, pebble.Sync); err != nil {
		return false, unavailable("store claim", err)
	}
	return true, nil
}

// Commit implements storage.Cache.
func (s *Store) Commit(ctx context.Context, rec domain.TranslationRecord, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid translation record", err)
	}
	key := rec.Key()
	if err := validateKey(key); err != nil {
		return err
	}
	if err := storage.ValidateOwner(key, owner); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok, err := s.loadClaim(key)
	if err != nil {
		return err
	}
	if !ok || claim.Owner != owner || claim.State != string(storage.ClaimPending) {
		return storage.ErrClaimLost
	}

	raw, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode translation record: %w", err)
	}
	claim.State = string(storage.ClaimDone)
	rawClaim, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	prefix := recordKeyPrefix(key)
	if err := batch.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return unavailable("displace translation records", err)
	}
	if err := batch.Set(s.recordKey(key, rec.CreatedAt), raw, nil); err != nil {
		return unavailable("write translation record", err)
	}
	if err := batch.Set(claimKey(key), rawClaim, nil); err != nil {
		return unavailable("complete claim", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return unavailable("commit translation", err)
	}
	return nil
}

// Release implements storage.Cache.
func (s *Store) Release(ctx context.Context, key domain.Key, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := storage.ValidateOwner(key, owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok, err := s.loadClaim(key)
	if err != nil || !ok {
		return err
	}
	if claim.Owner != owner || claim.State != string(storage.ClaimPending) {
		return nil
	}
	if err := s.db.Delete(claimKey(key), pebble.Sync); err != nil {
		return unavailable("release claim", err)
	}
	return nil
}

// Get implements storage.Cache.
func (s *Store) Get(ctx context.Context, key domain.Key) (domain.TranslationRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.TranslationRecord{}, false, err
	}
	if err := validateKey(key); err != nil {
		return domain.TranslationRecord{}, false, err
	}
	s.mu.Lock()
	rec, count, err := s.scanKey(key)
	s.mu.Unlock()
	if err != nil || count == 0 {
		return domain.TranslationRecord{}, false, err
	}
	s.opts.Report(key, count)
	return rec, true, nil
}

// ListByMessage implements storage.Cache.
func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]domain.TranslationRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" || strings.IndexByte(messageID, sep) >= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "message id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.groups(messagePrefix(messageID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.TranslationRecord, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.newest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetLanguage < out[j].TargetLanguage })
	return out, nil
}

type recordGroup struct {
	key    domain.Key
	keys   [][]byte
	newest domain.TranslationRecord
}

// groups walks every record under prefix in key order. Keys of one slot
// are adjacent and ascending, so the last one seen is the newest.
func (s *Store) groups(prefix []byte) ([]*recordGroup, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, unavailable("iterate records", err)
	}
	defer iter.Close()

	var out []*recordGroup
	var current *recordGroup
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		if current == nil || current.key != rec.Key() {
			current = &recordGroup{key: rec.Key()}
			out = append(out, current)
		}
		current.keys = append(current.keys, append([]byte(nil), iter.Key()...))
		current.newest = rec
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return out, nil
}

// Sweep implements storage.Sweeper.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.groups([]byte{recordPrefix, sep})
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	removed := 0
	for _, g := range groups {
		for _, k := range g.keys[:len(g.keys)-1] {
			if err := batch.Delete(k, nil); err != nil {
				return 0, unavailable("sweep duplicates", err)
			}
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, unavailable("sweep duplicates", err)
	}
	return removed, nil
}

// Duplicates implements storage.Sweeper.
func (s *Store) Duplicates(ctx context.Context) ([]storage.DuplicateGroup, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.groups([]byte{recordPrefix, sep})
	if err != nil {
		return nil, err
	}
	var out []storage.DuplicateGroup
	for _, g := range groups {
		if len(g.keys) > 1 {
			out = append(out, storage.DuplicateGroup{Key: g.key, Count: len(g.keys)})
		}
	}
	return out, nil
}

// PruneClaims implements storage.ClaimPruner.
func (s *Store) PruneClaims(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte{claimPrefix, sep}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, unavailable("iterate claims", err)
	}
	defer iter.Close()

	now := s.now().UnixMilli()
	cutoff := before.UnixMilli()
	batch := s.db.NewBatch()
	defer batch.Close()
	pruned := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var claim claimValue
		if err := json.Unmarshal(iter.Value(), &claim); err != nil {
			return 0, fmt.Errorf("decode claim: %w", err)
		}
		if claim.ClaimedAt >= cutoff {
			continue
		}
		if claim.State != string(storage.ClaimDone) && claim.ExpiresAt > now {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, unavailable("prune claims", err)
		}
		pruned++
	}
	if err := iter.Error(); err != nil {
		return 0, unavailable("iterate claims", err)
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, unavailable("prune claims", err)
	}
	return pruned, nil
}

// Append writes rec without a claim, for imports and backfills.
func (s *Store) Append(rec domain.TranslationRecord) error {
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := validateKey(rec.Key()); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	raw, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode translation record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set(s.recordKey(rec.Key(), rec.CreatedAt), raw, pebble.Sync); err != nil {
		return unavailable("append translation record", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if err == nil {
		err = errors.New("unknown iterator failure")
	}
	return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ClaimPruner = (*Store)(nil)
)
