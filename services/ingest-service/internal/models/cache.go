package models

import "time"

// CacheSuccess marks a reusable cached payload. Failures are recorded on
// the document, never cached; a later identical upload deserves a fresh
// recognition attempt.
const CacheSuccess = "success"

// OCRCacheEntry stores a provider payload keyed by the strong content
// digest, so identical bytes never pay for recognition twice.
type OCRCacheEntry struct {
	SHA256    string    `db:"sha256"`
	Status    string    `db:"status"`
	Payload   []byte    `db:"ocr_json"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
