package models

import (
	"time"

	"github.com/google/uuid"
)

// Scan verdicts for inbound messages.
const (
	ScanPending    = "pending"
	ScanHasInvoice = "has_invoice"
	ScanNoInvoice  = "no_invoice"
)

// Processing states for inbound messages.
const (
	ProcUnprocessed = "unprocessed"
	ProcProcessing  = "processing"
	ProcCompleted   = "completed"
	ProcFailed      = "failed"
)

// InboundMessage is one mailbox message the scanner has seen. MessageID is
// the provider Message-Id header, or a synthetic uid-based key when the
// header is missing; (OwnerID, MessageID) is the idempotency key.
type InboundMessage struct {
	ID           uuid.UUID  `db:"id"`
	OwnerID      uuid.UUID  `db:"owner_id"`
	MessageID    string     `db:"message_id"`
	Subject      string     `db:"subject"`
	Sender       string     `db:"sender"`
	Recipient    string     `db:"recipient"`
	DateSent     *time.Time `db:"date_sent"`
	DateReceived time.Time  `db:"date_received"`

	BodyText string `db:"body_text"`
	BodyHTML string `db:"body_html"`

	HasAttachments  bool   `db:"has_attachments"`
	AttachmentCount int    `db:"attachment_count"`
	AttachmentInfo  []byte `db:"attachment_info"`

	ScanStatus   string `db:"scan_status"`
	InvoiceCount int    `db:"invoice_count"`
	ScanResult   []byte `db:"scan_result"`

	ProcessingStatus string `db:"processing_status"`
	ErrorMessage     string `db:"error_message"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	ScannedAt *time.Time `db:"scanned_at"`
}

// Scanned reports whether a previous pass already reached a verdict for the
// message. Scanned messages are skipped on rescans.
func (m *InboundMessage) Scanned() bool {
	if m.ScannedAt == nil {
		return false
	}
	return m.ScanStatus == ScanHasInvoice || m.ScanStatus == ScanNoInvoice
}
