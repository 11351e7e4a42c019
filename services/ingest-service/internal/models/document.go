package models

import (
	"time"

	"github.com/google/uuid"
)

// Document lifecycle states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDuplicate  = "duplicate"
	StatusArchived   = "archived"
)

// Recognition states, tracked separately from the document lifecycle.
const (
	OCRPending    = "pending"
	OCRProcessing = "processing"
	OCRSuccess    = "success"
	OCRFailed     = "failed"
)

// Document sources.
const (
	SourceManual  = "manual"
	SourceMailbox = "mailbox"
)

// Document is one ingested invoice file and everything recognized from it.
// FileMD5/FileSize form the fast dedup key, FileSHA256 the strong one.
// InvoiceNum is nil until recognition succeeds and stays nil on documents
// resolved as duplicates.
type Document struct {
	ID               uuid.UUID  `db:"id"`
	OwnerID          uuid.UUID  `db:"owner_id"`
	OriginalFilename string     `db:"original_filename"`
	FilePath         string     `db:"file_path"`
	FileSize         int64      `db:"file_size"`
	FileMD5          string     `db:"file_md5"`
	FileSHA256       string     `db:"file_sha256"`
	Source           string     `db:"source"`

	InvoiceCode string     `db:"invoice_code"`
	InvoiceNum  *string    `db:"invoice_num"`
	InvoiceDate *time.Time `db:"invoice_date"`
	InvoiceType string     `db:"invoice_type"`
	ServiceType string     `db:"service_type"`

	PurchaserName        string `db:"purchaser_name"`
	PurchaserRegisterNum string `db:"purchaser_register_num"`
	PurchaserAddress     string `db:"purchaser_address"`
	PurchaserBank        string `db:"purchaser_bank"`
	SellerName           string `db:"seller_name"`
	SellerRegisterNum    string `db:"seller_register_num"`
	SellerAddress        string `db:"seller_address"`
	SellerBank           string `db:"seller_bank"`

	TotalAmount     *float64 `db:"total_amount"`
	TotalTax        *float64 `db:"total_tax"`
	AmountInWords   string   `db:"amount_in_words"`
	AmountInFigures *float64 `db:"amount_in_figures"`

	CommodityDetails []byte `db:"commodity_details"`
	OCRRawData       []byte `db:"ocr_raw_data"`

	Status    string `db:"status"`
	OCRStatus string `db:"ocr_status"`
	OCRError  string `db:"ocr_error"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// DocumentRef identifies an existing document during dedup lookups.
type DocumentRef struct {
	ID               uuid.UUID
	OriginalFilename string
	CreatedAt        time.Time
}
