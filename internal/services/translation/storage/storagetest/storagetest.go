// Package storagetest is a behavioral suite every translation cache
// backend runs from its own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

// Clock is a manually advanced clock shared by a store and its test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness gives the suite access to one backend.
type Harness struct {
	// Open returns a fresh, empty store using clock and hook.
	Open func(t *testing.T, opts storage.Options) storage.Store
	// Inject writes rec directly, bypassing claims, to simulate
	// duplicates left by racing writers or legacy data.
	Inject func(t *testing.T, store storage.Store, rec domain.TranslationRecord)
}

// Run executes the suite.
func Run(t *testing.T, h Harness) {
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, h) })
	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) { testConcurrentClaims(t, h) })
	t.Run("CommitThenGet", func(t *testing.T) { testCommitThenGet(t, h) })
	t.Run("CommittedKeyCannotBeClaimed", func(t *testing.T) { testCommittedKeyCannotBeClaimed(t, h) })
	t.Run("ReleaseAllowsReclaim", func(t *testing.T) { testReleaseAllowsReclaim(t, h) })
	t.Run("ReleaseByOtherOwnerIsNoop", func(t *testing.T) { testReleaseByOtherOwner(t, h) })
	t.Run("ExpiredClaimIsTakenOver", func(t *testing.T) { testExpiredClaimTakenOver(t, h) })
	t.Run("CommitWithoutClaimFails", func(t *testing.T) { testCommitWithoutClaim(t, h) })
	t.Run("ListByMessage", func(t *testing.T) { testListByMessage(t, h) })
	t.Run("SweepCollapsesDuplicates", func(t *testing.T) { testSweep(t, h) })
	t.Run("GetReportsIntegrityViolation", func(t *testing.T) { testIntegrityHook(t, h) })
	t.Run("PruneClaims", func(t *testing.T) { testPruneClaims(t, h) })
	t.Run("RejectsInvalidInput", func(t *testing.T) { testInvalidInput(t, h) })
}

var keyFR = domain.Key{MessageID: "msg1", TargetLanguage: "fr"}

func record(key domain.Key, content string, at time.Time) domain.TranslationRecord {
	return domain.TranslationRecord{
		MessageID:         key.MessageID,
		TargetLanguage:    key.TargetLanguage,
		TranslatedContent: content,
		EngineModelID:     "test-model",
		Confidence:        0.9,
		CreatedAt:         at,
	}
}

func open(t *testing.T, h Harness) (storage.Store, *Clock) {
	t.Helper()
	clock := NewClock()
	return h.Open(t, storage.Options{Now: clock.Now}), clock
}

func mustClaim(t *testing.T, store storage.Store, key domain.Key, owner string) {
	t.Helper()
	ok, err := store.Claim(context.Background(), key, owner, time.Minute)
	if err != nil {
		t.Fatalf("claim %s by %s: %v", key, owner, err)
	}
	if !ok {
		t.Fatalf("claim %s by %s: not acquired", key, owner)
	}
}

func testClaimIsExclusive(t *testing.T, h Harness) {
	store, _ := open(t, h)
	mustClaim(t, store, keyFR, "a")

	ok, err := store.Claim(context.Background(), keyFR, "b", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim must fail while the first is live")
	}
	ok, err = store.Claim(context.Background(), keyFR, "a", time.Minute)
	if err != nil {
		t.Fatalf("repeat claim: %v", err)
	}
	if ok {
		t.Fatal("repeat claim by the same owner must not succeed twice")
	}
}

func testConcurrentClaims(t *testing.T, h Harness) {
	store, _ := open(t, h)
	const contenders = 16

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			<-start
			ok, err := store.Claim(context.Background(), keyFR, owner, time.Minute)
			if err != nil {
				t.Errorf("claim by %s: %v", owner, err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(string(rune('a' + i)))
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func testCommitThenGet(t *testing.T, h Harness) {
	store, clock := open(t, h)
	mustClaim(t, store, keyFR, "a")

	if _, ok, err := store.Get(context.Background(), keyFR); err != nil || ok {
		t.Fatalf("get before commit = (%v, %v), want absent", ok, err)
	}

	rec := record(keyFR, "bonjour", clock.Now())
	if err := store.Commit(context.Background(), rec, "a"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, ok, err := store.Get(context.Background(), keyFR)
	if err != nil || !ok {
		t.Fatalf("get after commit = (%v, %v)", ok, err)
	}
	if got.TranslatedContent != "bonjour" || got.EngineModelID != "test-model" || got.Confidence != 0.9 {
		t.Fatalf("record = %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func testCommittedKeyCannotBeClaimed(t *testing.T, h Harness) {
	store, clock := open(t, h)
	mustClaim(t, store, keyFR, "a")
	if err := store.Commit(context.Background(), record(keyFR, "bonjour", clock.Now()), "a"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	clock.Advance(time.Hour)
	ok, err := store.Claim(context.Background(), keyFR, "b", time.Minute)
	if err != nil {
		t.Fatalf("claim after commit: %v", err)
	}
	if ok {
		t.Fatal("claim must fail once a record exists")
	}
}

func testReleaseAllowsReclaim(t *testing.T, h Harness) {
	store, _ := open(t, h)
	mustClaim(t, store, keyFR, "a")
	if err := store.Release(context.Background(), keyFR, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustClaim(t, store, keyFR, "b")

	if err := store.Release(context.Background(), domain.Key{MessageID: "none", TargetLanguage: "de"}, "a"); err != nil {
		t.Fatalf("release of unknown key: %v", err)
	}
}

func testReleaseByOtherOwner(t *testing.T, h Harness) {
	store, _ := open(t, h)
	mustClaim(t, store, keyFR, "a")
	if err := store.Release(context.Background(), keyFR, "b"); err != nil {
		t.Fatalf("release by other owner: %v", err)
	}
	ok, err := store.Claim(context.Background(), keyFR, "c", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("claim held by a must survive release by b")
	}
}

func testExpiredClaimTakenOver(t *testing.T, h Harness) {
	store, clock := open(t, h)
	mustClaim(t, store, keyFR, "a")

	clock.Advance(2 * time.Minute)
	mustClaim(t, store, keyFR, "b")

	err := store.Commit(context.Background(), record(keyFR, "stale", clock.Now()), "a")
	if !errors.Is(err, storage.ErrClaimLost) {
		t.Fatalf("commit by expired owner = %v, want ErrClaimLost", err)
	}
	if err := store.Commit(context.Background(), record(keyFR, "bonjour", clock.Now()), "b"); err != nil {
		t.Fatalf("commit by new owner: %v", err)
	}
	got, _, _ := store.Get(context.Background(), keyFR)
	if got.TranslatedContent != "bonjour" {
		t.Fatalf("content = %q, want bonjour", got.TranslatedContent)
	}
}

func testCommitWithoutClaim(t *testing.T, h Harness) {
	store, clock := open(t, h)
	err := store.Commit(context.Background(), record(keyFR, "bonjour", clock.Now()), "a")
	if !errors.Is(err, storage.ErrClaimLost) {
		t.Fatalf("commit without claim = %v, want ErrClaimLost", err)
	}
}

func testListByMessage(t *testing.T, h Harness) {
	store, clock := open(t, h)
	for _, lang := range []string{"fr", "de", "ja"} {
		key := domain.Key{MessageID: "msg1", TargetLanguage: lang}
		mustClaim(t, store, key, "a")
		if err := store.Commit(context.Background(), record(key, "text-"+lang, clock.Now()), "a"); err != nil {
			t.Fatalf("commit %s: %v", lang, err)
		}
	}
	other := domain.Key{MessageID: "msg2", TargetLanguage: "fr"}
	mustClaim(t, store, other, "a")
	if err := store.Commit(context.Background(), record(other, "other", clock.Now()), "a"); err != nil {
		t.Fatalf("commit other: %v", err)
	}
	h.Inject(t, store, record(domain.Key{MessageID: "msg1", TargetLanguage: "fr"}, "older-fr", clock.Now().Add(-time.Minute)))

	records, err := store.ListByMessage(context.Background(), "msg1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	wantLangs := []string{"de", "fr", "ja"}
	for i, rec := range records {
		if rec.TargetLanguage != wantLangs[i] {
			t.Fatalf("records[%d].TargetLanguage = %q, want %q", i, rec.TargetLanguage, wantLangs[i])
		}
		if rec.TranslatedContent != "text-"+wantLangs[i] {
			t.Fatalf("records[%d] content = %q", i, rec.TranslatedContent)
		}
	}
}

func testSweep(t *testing.T, h Harness) {
	store, clock := open(t, h)
	base := clock.Now()
	keyDE := domain.Key{MessageID: "msg1", TargetLanguage: "de"}
	keyES := domain.Key{MessageID: "msg2", TargetLanguage: "es"}

	h.Inject(t, store, record(keyFR, "fr-old", base))
	h.Inject(t, store, record(keyFR, "fr-newest", base.Add(2*time.Second)))
	h.Inject(t, store, record(keyFR, "fr-mid", base.Add(time.Second)))
	h.Inject(t, store, record(keyDE, "de-old", base))
	h.Inject(t, store, record(keyDE, "de-new", base.Add(time.Second)))
	h.Inject(t, store, record(keyES, "es-only", base))

	groups, err := store.Duplicates(context.Background())
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("duplicate groups = %+v, want 2", groups)
	}

	removed, err := store.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}

	for key, want := range map[domain.Key]string{keyFR: "fr-newest", keyDE: "de-new", keyES: "es-only"} {
		got, ok, err := store.Get(context.Background(), key)
		if err != nil || !ok {
			t.Fatalf("get %s = (%v, %v)", key, ok, err)
		}
		if got.TranslatedContent != want {
			t.Fatalf("%s content = %q, want %q", key, got.TranslatedContent, want)
		}
	}

	removed, err = store.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second sweep removed = %d, want 0", removed)
	}
	groups, err = store.Duplicates(context.Background())
	if err != nil {
		t.Fatalf("duplicates after sweep: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("duplicate groups after sweep = %+v", groups)
	}
}

func testIntegrityHook(t *testing.T, h Harness) {
	clock := NewClock()
	var mu sync.Mutex
	var reported []storage.DuplicateGroup
	store := h.Open(t, storage.Options{
		Now: clock.Now,
		OnIntegrityViolation: func(key domain.Key, count int) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, storage.DuplicateGroup{Key: key, Count: count})
		},
	})

	h.Inject(t, store, record(keyFR, "one", clock.Now()))
	if _, _, err := store.Get(context.Background(), keyFR); err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Inject(t, store, record(keyFR, "two", clock.Now().Add(time.Second)))
	got, _, err := store.Get(context.Background(), keyFR)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TranslatedContent != "two" {
		t.Fatalf("content = %q, want newest", got.TranslatedContent)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || reported[0].Key != keyFR || reported[0].Count != 2 {
		t.Fatalf("reported = %+v, want one report of 2 records", reported)
	}
}

func testPruneClaims(t *testing.T, h Harness) {
	store, clock := open(t, h)
	pruner, ok := store.(storage.ClaimPruner)
	if !ok {
		t.Skip("backend does not prune claims")
	}
	mustClaim(t, store, keyFR, "a")
	if err := store.Commit(context.Background(), record(keyFR, "bonjour", clock.Now()), "a"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	keyDE := domain.Key{MessageID: "msg1", TargetLanguage: "de"}
	mustClaim(t, store, keyDE, "a")
	keyES := domain.Key{MessageID: "msg1", TargetLanguage: "es"}

	clock.Advance(time.Hour)
	mustClaim(t, store, keyES, "a")

	pruned, err := pruner.PruneClaims(context.Background(), clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	if ok, _ := store.Claim(context.Background(), keyFR, "b", time.Minute); ok {
		t.Fatal("committed key must stay unclaimable after prune")
	}
	if ok, _ := store.Claim(context.Background(), keyES, "b", time.Minute); ok {
		t.Fatal("live claim must survive prune")
	}
	mustClaim(t, store, keyDE, "b")
}

func testInvalidInput(t *testing.T, h Harness) {
	store, clock := open(t, h)
	ctx := context.Background()
	if _, err := store.Claim(ctx, domain.Key{MessageID: "msg1"}, "a", time.Minute); err == nil {
		t.Fatal("expected missing language error")
	}
	if _, err := store.Claim(ctx, keyFR, " ", time.Minute); err == nil {
		t.Fatal("expected missing owner error")
	}
	if _, err := store.Claim(ctx, keyFR, "a", 0); err == nil {
		t.Fatal("expected invalid ttl error")
	}
	if err := store.Commit(ctx, domain.TranslationRecord{MessageID: "msg1", TargetLanguage: "fr", CreatedAt: clock.Now()}, "a"); err == nil {
		t.Fatal("expected empty content error")
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := store.Get(canceled, keyFR); err == nil {
		t.Fatal("expected canceled context error")
	}
}
