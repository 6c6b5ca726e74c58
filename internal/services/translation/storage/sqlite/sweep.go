package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

// Sweep implements storage.Sweeper. The newest record per key survives;
// id breaks created_at ties.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM translation_records
WHERE id IN (
	SELECT id FROM (
		SELECT
			id,
			ROW_NUMBER() OVER (
				PARTITION BY message_id, target_language
				ORDER BY created_at DESC, id DESC
			) AS rank_in_key
		FROM translation_records
	)
	WHERE rank_in_key > 1
)
`)
	if err != nil {
		return 0, unavailable("sweep duplicates", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("sweep duplicates", err)
	}
	return int(removed), nil
}

// Duplicates implements storage.Sweeper.
func (s *Store) Duplicates(ctx context.Context) ([]storage.DuplicateGroup, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT message_id, target_language, COUNT(*)
FROM translation_records
GROUP BY message_id, target_language
HAVING COUNT(*) > 1
ORDER BY message_id, target_language
`)
	if err != nil {
		return nil, unavailable("list duplicates", err)
	}
	defer rows.Close()

	var groups []storage.DuplicateGroup
	for rows.Next() {
		var group storage.DuplicateGroup
		if err := rows.Scan(&group.MessageID, &group.TargetLanguage, &group.Count); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate groups: %w", err)
	}
	return groups, nil
}

// PruneClaims implements storage.ClaimPruner.
func (s *Store) PruneClaims(ctx context.Context, before time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM translation_claims
WHERE claimed_at < ?
	AND (state = 'done' OR expires_at <= ?)
`, before.UTC().UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return 0, unavailable("prune claims", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("prune claims", err)
	}
	return int(pruned), nil
}

// Append inserts rec without a claim. It exists for imports and backfills
// that bypass the claim protocol; the sweep repairs any duplicates they
// create.
func (s *Store) Append(ctx context.Context, rec domain.TranslationRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
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
	); err != nil {
		return unavailable("append translation record", err)
	}
	return nil
}
