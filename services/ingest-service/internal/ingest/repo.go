package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

// Partial unique indexes backing the dedup invariants. All three exclude
// rows in the duplicate state, so a resolved duplicate never blocks a
// fresh ingest of the same content.
const (
	constraintOwnerSHA256     = "uq_documents_owner_sha256"
	constraintOwnerMD5Size    = "uq_documents_owner_md5_size"
	constraintOwnerInvoiceNum = "uq_documents_owner_invoice_num"
)

// uniqueViolation reports whether err is a unique violation, optionally on
// one named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// PGDocumentRepo is the documents table.
type PGDocumentRepo struct {
	pool *pgxpool.Pool
}

func NewPGDocumentRepo(pool *pgxpool.Pool) *PGDocumentRepo {
	return &PGDocumentRepo{pool: pool}
}

func (r *PGDocumentRepo) Create(ctx context.Context, doc *models.Document) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (
			id, owner_id, original_filename, file_path, file_size,
			file_md5, file_sha256, source, status, ocr_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		doc.ID, doc.OwnerID, doc.OriginalFilename, doc.FilePath, doc.FileSize,
		doc.FileMD5, doc.FileSHA256, doc.Source, doc.Status, doc.OCRStatus)
	return err
}

func (r *PGDocumentRepo) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, original_filename, file_path, file_size,
			file_md5, file_sha256, source,
			COALESCE(invoice_code, ''), invoice_num, invoice_date,
			COALESCE(invoice_type, ''), COALESCE(service_type, ''),
			COALESCE(purchaser_name, ''), COALESCE(purchaser_register_num, ''),
			COALESCE(purchaser_address, ''), COALESCE(purchaser_bank, ''),
			COALESCE(seller_name, ''), COALESCE(seller_register_num, ''),
			COALESCE(seller_address, ''), COALESCE(seller_bank, ''),
			total_amount, total_tax, COALESCE(amount_in_words, ''), amount_in_figures,
			commodity_details, ocr_raw_data,
			status, ocr_status, COALESCE(ocr_error, ''),
			created_at, updated_at, processed_at
		FROM documents WHERE id = $1`, id).Scan(
		&doc.ID, &doc.OwnerID, &doc.OriginalFilename, &doc.FilePath, &doc.FileSize,
		&doc.FileMD5, &doc.FileSHA256, &doc.Source,
		&doc.InvoiceCode, &doc.InvoiceNum, &doc.InvoiceDate,
		&doc.InvoiceType, &doc.ServiceType,
		&doc.PurchaserName, &doc.PurchaserRegisterNum,
		&doc.PurchaserAddress, &doc.PurchaserBank,
		&doc.SellerName, &doc.SellerRegisterNum,
		&doc.SellerAddress, &doc.SellerBank,
		&doc.TotalAmount, &doc.TotalTax, &doc.AmountInWords, &doc.AmountInFigures,
		&doc.CommodityDetails, &doc.OCRRawData,
		&doc.Status, &doc.OCRStatus, &doc.OCRError,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindDuplicate checks the strong digest first, then the fast key. When
// both match but point at different rows the store is inconsistent; the
// strong match wins and the mismatch is logged for investigation.
func (r *PGDocumentRepo) FindDuplicate(ctx context.Context, owner uuid.UUID, sha256, md5 string, size int64) (*models.DocumentRef, error) {
	strong, err := r.oldestRef(ctx, `
		SELECT id, original_filename, created_at FROM documents
		WHERE owner_id = $1 AND file_sha256 = $2 AND status <> 'duplicate'
		ORDER BY created_at LIMIT 1`, owner, sha256)
	if err != nil {
		return nil, err
	}
	fast, err := r.oldestRef(ctx, `
		SELECT id, original_filename, created_at FROM documents
		WHERE owner_id = $1 AND file_md5 = $2 AND file_size = $3 AND status <> 'duplicate'
		ORDER BY created_at LIMIT 1`, owner, md5, size)
	if err != nil {
		return nil, err
	}

	if strong != nil {
		if fast != nil && fast.ID != strong.ID {
			log.Printf("ingest: dedup index mismatch for owner %s: sha256 -> %s, md5+size -> %s", owner, strong.ID, fast.ID)
		}
		return strong, nil
	}
	return fast, nil
}

// FindActiveByInvoiceNum returns the oldest non-duplicate document holding
// the invoice number, excluding the given id.
func (r *PGDocumentRepo) FindActiveByInvoiceNum(ctx context.Context, owner uuid.UUID, invoiceNum string, exclude uuid.UUID) (*models.DocumentRef, error) {
	return r.oldestRef(ctx, `
		SELECT id, original_filename, created_at FROM documents
		WHERE owner_id = $1 AND invoice_num = $2 AND status <> 'duplicate' AND id <> $3
		ORDER BY created_at LIMIT 1`, owner, invoiceNum, exclude)
}

func (r *PGDocumentRepo) oldestRef(ctx context.Context, query string, args ...any) (*models.DocumentRef, error) {
	var ref models.DocumentRef
	err := r.pool.QueryRow(ctx, query, args...).Scan(&ref.ID, &ref.OriginalFilename, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *PGDocumentRepo) MarkOCRProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET ocr_status = 'processing', updated_at = now()
		WHERE id = $1`, id)
	return err
}

// ApplyResult writes every recognition-derived column plus the final
// lifecycle state in one statement.
func (r *PGDocumentRepo) ApplyResult(ctx context.Context, doc *models.Document) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET
			invoice_code = $2, invoice_num = $3, invoice_date = $4,
			invoice_type = $5, service_type = $6,
			purchaser_name = $7, purchaser_register_num = $8,
			purchaser_address = $9, purchaser_bank = $10,
			seller_name = $11, seller_register_num = $12,
			seller_address = $13, seller_bank = $14,
			total_amount = $15, total_tax = $16,
			amount_in_words = $17, amount_in_figures = $18,
			commodity_details = $19, ocr_raw_data = $20,
			status = $21, ocr_status = $22, ocr_error = $23,
			processed_at = $24, updated_at = now()
		WHERE id = $1`,
		doc.ID,
		doc.InvoiceCode, doc.InvoiceNum, doc.InvoiceDate,
		doc.InvoiceType, doc.ServiceType,
		doc.PurchaserName, doc.PurchaserRegisterNum,
		doc.PurchaserAddress, doc.PurchaserBank,
		doc.SellerName, doc.SellerRegisterNum,
		doc.SellerAddress, doc.SellerBank,
		doc.TotalAmount, doc.TotalTax,
		doc.AmountInWords, doc.AmountInFigures,
		doc.CommodityDetails, doc.OCRRawData,
		doc.Status, doc.OCRStatus, doc.OCRError,
		doc.ProcessedAt)
	return err
}

func (r *PGDocumentRepo) ResetOCR(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET
			status = 'processing', ocr_status = 'pending', ocr_error = '',
			updated_at = now()
		WHERE id = $1`, id)
	return err
}

// ListStaleOCR finds documents whose recognition never reached a terminal
// state and has not moved for olderThan. Bounded so a large backlog drains
// over successive sweeps.
func (r *PGDocumentRepo) ListStaleOCR(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM documents
		WHERE status = 'processing'
		  AND ocr_status IN ('pending', 'processing')
		  AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
		LIMIT 100`, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
