// Package sqlite implements the translation cache on SQLite. Several
// gateway processes may share one database file: claims are decided by a
// single upsert inside an immediate transaction, so exactly one process
// wins each key.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/sqlite/migrations"
)

// Store provides SQLite-backed translation cache persistence.
type Store struct {
	sqlDB *sql.DB
	opts  storage.Options
	now   func() time.Time
}

// Open opens a translation cache at path and applies migrations.
func Open(ctx context.Context, path string, opts storage.Options) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB, opts: opts, now: opts.Clock()}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

// Claim implements storage.Cache.
func (s *Store) Claim(ctx context.Context, key domain.Key, owner string, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	key, owner = normalizeKey(key), strings.TrimSpace(owner)
	if err := storage.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := storage.ValidateTTL(ttl); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hasRecord bool
	if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM translation_records WHERE message_id = ? AND target_language = ?
)`, key.MessageID, key.TargetLanguage).Scan(&hasRecord); err != nil {
		return false, unavailable("check existing record", err)
	}
	if hasRecord {
		return false, nil
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
INSERT INTO translation_claims (
	message_id,
	target_language,
	owner,
	state,
	claimed_at,
	expires_at
) VALUES (?, ?, ?, 'pending', ?, ?)
ON CONFLICT (message_id, target_language) DO UPDATE SET
	owner = excluded.owner,
	state = 'pending',
	claimed_at = excluded.claimed_at,
	expires_at = excluded.expires_at
WHERE translation_claims.state = 'pending'
	AND translation_claims.expires_at <= excluded.claimed_at
`,
		key.MessageID,
		key.TargetLanguage,
		owner,
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, unavailable("claim translation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim translation", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit claim", err)
	}
	return true, nil
}

// Commit implements storage.Cache.
func (s *Store) Commit(ctx context.Context, rec domain.TranslationRecord, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	rec.MessageID = strings.TrimSpace(rec.MessageID)
	rec.TargetLanguage = strings.TrimSpace(rec.TargetLanguage)
	owner = strings.TrimSpace(owner)
	if err := rec.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid translation record", err)
	}
	if err := storage.ValidateOwner(rec.Key(), owner); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	var claimOwner, state string
	err = tx.QueryRowContext(ctx, `
SELECT owner, state FROM translation_claims
WHERE message_id = ? AND target_language = ?
`, rec.MessageID, rec.TargetLanguage).Scan(&claimOwner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrClaimLost
	}
	if err != nil {
		return unavailable("load claim", err)
	}
	if claimOwner != owner || state != string(storage.ClaimPending) {
		return storage.ErrClaimLost
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO translation_records (
	message_id,
	target_language,
	translated_content,
	engine_model_id,
	confidence,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		rec.MessageID,
		rec.TargetLanguage,
		rec.TranslatedContent,
		rec.EngineModelID,
		rec.Confidence,
		rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return unavailable("insert translation record", err)
	}
	recordID, err := res.LastInsertId()
	if err != nil {
		return unavailable("insert translation record", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM translation_records
WHERE message_id = ? AND target_language = ? AND id <> ?
`, rec.MessageID, rec.TargetLanguage, recordID); err != nil {
		return unavailable("displace translation records", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE translation_claims SET state = 'done'
WHERE message_id = ? AND target_language = ?
`, rec.MessageID, rec.TargetLanguage); err != nil {
		return unavailable("complete claim", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit translation", err)
	}
	return nil
}

// Release implements storage.Cache.
func (s *Store) Release(ctx context.Context, key domain.Key, owner string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	key, owner = normalizeKey(key), strings.TrimSpace(owner)
	if err := storage.ValidateOwner(key, owner); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM translation_claims
WHERE message_id = ? AND target_language = ? AND owner = ? AND state = 'pending'
`, key.MessageID, key.TargetLanguage, owner); err != nil {
		return unavailable("release claim", err)
	}
	return nil
}

// Get implements storage.Cache.
func (s *Store) Get(ctx context.Context, key domain.Key) (domain.TranslationRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return domain.TranslationRecord{}, false, err
	}
	key = normalizeKey(key)
	if err := key.Validate(); err != nil {
		return domain.TranslationRecord{}, false, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid translation key", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	message_id,
	target_language,
	translated_content,
	engine_model_id,
	confidence,
	created_at,
	COUNT(*) OVER ()
FROM translation_records
WHERE message_id = ? AND target_language = ?
ORDER BY created_at DESC, id DESC
LIMIT 1
`, key.MessageID, key.TargetLanguage)

	var rec domain.TranslationRecord
	var createdAt int64
	var count int
	err := row.Scan(
		&rec.MessageID,
		&rec.TargetLanguage,
		&rec.TranslatedContent,
		&rec.EngineModelID,
		&rec.Confidence,
		&createdAt,
		&count,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TranslationRecord{}, false, nil
	}
	if err != nil {
		return domain.TranslationRecord{}, false, unavailable("get translation", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.opts.Report(key, count)
	return rec, true, nil
}

// ListByMessage implements storage.Cache.
func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]domain.TranslationRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "message id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	message_id,
	target_language,
	translated_content,
	engine_model_id,
	confidence,
	created_at
FROM (
	SELECT
		*,
		ROW_NUMBER() OVER (
			PARTITION BY target_language
			ORDER BY created_at DESC, id DESC
		) AS rank_in_key
	FROM translation_records
	WHERE message_id = ?
)
WHERE rank_in_key = 1
ORDER BY target_language
`, messageID)
	if err != nil {
		return nil, unavailable("list translations", err)
	}
	defer rows.Close()

	var records []domain.TranslationRecord
	for rows.Next() {
		var rec domain.TranslationRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.MessageID,
			&rec.TargetLanguage,
			&rec.TranslatedContent,
			&rec.EngineModelID,
			&rec.Confidence,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate translations: %w", err)
	}
	return records, nil
}

func normalizeKey(key domain.Key) domain.Key {
	return domain.Key{
		MessageID:      strings.TrimSpace(key.MessageID),
		TargetLanguage: strings.TrimSpace(key.TargetLanguage),
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ClaimPruner = (*Store)(nil)
)
