package ocr

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

// PGCache implements Cache on the ocr_cache table.
type PGCache struct {
	pool *pgxpool.Pool
}

func NewPGCache(pool *pgxpool.Pool) *PGCache {
	return &PGCache{pool: pool}
}

func (c *PGCache) GetSuccess(ctx context.Context, sha256 string) ([]byte, bool, error) {
	var entry models.OCRCacheEntry
	err := c.pool.QueryRow(ctx, `
		SELECT sha256, status, ocr_json, created_at, updated_at
		FROM ocr_cache
		WHERE sha256 = $1 AND status = $2`, sha256, models.CacheSuccess).Scan(
		&entry.SHA256, &entry.Status, &entry.Payload, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

func (c *PGCache) PutSuccess(ctx context.Context, sha256 string, payload []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO ocr_cache (sha256, status, ocr_json, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (sha256) DO UPDATE
			SET status = EXCLUDED.status, ocr_json = EXCLUDED.ocr_json, updated_at = now()`,
		sha256, models.CacheSuccess, payload)
	return err
}

// PGResultReuse implements ResultReuse against the documents table: any
// owner's successful recognition of the same bytes is good enough, since
// the digest pins the content exactly.
type PGResultReuse struct {
	pool *pgxpool.Pool
}

func NewPGResultReuse(pool *pgxpool.Pool) *PGResultReuse {
	return &PGResultReuse{pool: pool}
}

func (r *PGResultReuse) SuccessfulRawBySHA256(ctx context.Context, sha256 string) ([]byte, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT ocr_raw_data FROM documents
		WHERE file_sha256 = $1 AND ocr_status = 'success' AND ocr_raw_data IS NOT NULL
		ORDER BY created_at
		LIMIT 1`, sha256).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
