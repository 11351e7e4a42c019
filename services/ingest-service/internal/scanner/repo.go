package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

// MessageRepo persists inbound messages.
type MessageRepo interface {
	// Upsert records the message keyed by (owner_id, message_id). A replay
	// refreshes metadata but never touches an existing scan verdict; the
	// returned record carries the stored scan state.
	Upsert(ctx context.Context, msg *models.InboundMessage) (*models.InboundMessage, error)
	UpdateScan(ctx context.Context, id uuid.UUID, scanStatus string, invoiceCount int, scanResult []byte, scannedAt time.Time) error
	UpdateProcessing(ctx context.Context, id uuid.UUID, processingStatus, errorMessage string) error
}

// CheckpointRepo persists mailbox configs and their scan checkpoints.
type CheckpointRepo interface {
	ListActive(ctx context.Context) ([]*models.MailboxConfig, error)
	ListActiveForOwner(ctx context.Context, owner uuid.UUID) ([]*models.MailboxConfig, error)
	// Commit records one finished pass. The watermark only ever moves
	// forward; maxUID zero leaves it untouched.
	Commit(ctx context.Context, configID int64, maxUID uint32, uidValidity uint32, scannedAt time.Time) error
	// ResetWatermark clears the watermark after a UIDVALIDITY change.
	ResetWatermark(ctx context.Context, configID int64, uidValidity uint32) error
}

// PGMessageRepo is the inbound_messages table.
type PGMessageRepo struct {
	pool *pgxpool.Pool
}

func NewPGMessageRepo(pool *pgxpool.Pool) *PGMessageRepo {
	return &PGMessageRepo{pool: pool}
}

func (r *PGMessageRepo) Upsert(ctx context.Context, msg *models.InboundMessage) (*models.InboundMessage, error) {
	stored := *msg
	err := r.pool.QueryRow(ctx, `
		INSERT INTO inbound_messages (
			id, owner_id, message_id, subject, sender, recipient,
			date_sent, date_received, body_text, body_html,
			has_attachments, attachment_count, attachment_info,
			scan_status, processing_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			'pending', 'unprocessed', now(), now()
		)
		ON CONFLICT (owner_id, message_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			sender = EXCLUDED.sender,
			recipient = EXCLUDED.recipient,
			date_sent = EXCLUDED.date_sent,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			has_attachments = EXCLUDED.has_attachments,
			attachment_count = EXCLUDED.attachment_count,
			attachment_info = EXCLUDED.attachment_info,
			updated_at = now()
		RETURNING id, scan_status, invoice_count, processing_status, scanned_at`,
		uuid.New(), msg.OwnerID, msg.MessageID, msg.Subject, msg.Sender, msg.Recipient,
		msg.DateSent, msg.DateReceived, msg.BodyText, msg.BodyHTML,
		msg.HasAttachments, msg.AttachmentCount, msg.AttachmentInfo).Scan(
		&stored.ID, &stored.ScanStatus, &stored.InvoiceCount, &stored.ProcessingStatus, &stored.ScannedAt)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *PGMessageRepo) UpdateScan(ctx context.Context, id uuid.UUID, scanStatus string, invoiceCount int, scanResult []byte, scannedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE inbound_messages SET
			scan_status = $2, invoice_count = $3, scan_result = $4,
			scanned_at = $5, updated_at = now()
		WHERE id = $1`,
		id, scanStatus, invoiceCount, scanResult, scannedAt)
	return err
}

func (r *PGMessageRepo) UpdateProcessing(ctx context.Context, id uuid.UUID, processingStatus, errorMessage string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE inbound_messages SET
			processing_status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`,
		id, processingStatus, errorMessage)
	return err
}

// PGCheckpointRepo is the mailbox_configs table.
type PGCheckpointRepo struct {
	pool *pgxpool.Pool
}

func NewPGCheckpointRepo(pool *pgxpool.Pool) *PGCheckpointRepo {
	return &PGCheckpointRepo{pool: pool}
}

const configColumns = `
	id, owner_id, email_address, imap_server, imap_port, username,
	credential, is_active, scan_days, last_scan_time, last_seen_uid,
	uid_validity, created_at, updated_at`

func (r *PGCheckpointRepo) ListActive(ctx context.Context) ([]*models.MailboxConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+configColumns+`
		FROM mailbox_configs WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectConfigs(rows)
}

func (r *PGCheckpointRepo) ListActiveForOwner(ctx context.Context, owner uuid.UUID) ([]*models.MailboxConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+configColumns+`
		FROM mailbox_configs WHERE is_active AND owner_id = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	return collectConfigs(rows)
}

func collectConfigs(rows pgx.Rows) ([]*models.MailboxConfig, error) {
	defer rows.Close()
	var configs []*models.MailboxConfig
	for rows.Next() {
		var cfg models.MailboxConfig
		if err := rows.Scan(
			&cfg.ID, &cfg.OwnerID, &cfg.EmailAddress, &cfg.IMAPServer, &cfg.IMAPPort,
			&cfg.Username, &cfg.Credential, &cfg.IsActive, &cfg.ScanDays,
			&cfg.LastScanTime, &cfg.LastSeenUID, &cfg.UIDValidity,
			&cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

func (r *PGCheckpointRepo) Commit(ctx context.Context, configID int64, maxUID uint32, uidValidity uint32, scannedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mailbox_configs SET
			last_scan_time = $4,
			uid_validity = $3,
			last_seen_uid = CASE
				WHEN $2 > COALESCE(last_seen_uid, 0) THEN $2
				ELSE last_seen_uid
			END,
			updated_at = now()
		WHERE id = $1`,
		configID, int64(maxUID), int64(uidValidity), scannedAt)
	return err
}

func (r *PGCheckpointRepo) ResetWatermark(ctx context.Context, configID int64, uidValidity uint32) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mailbox_configs SET
			last_seen_uid = NULL, uid_validity = $2, updated_at = now()
		WHERE id = $1`,
		configID, int64(uidValidity))
	return err
}
