package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/finvoice/pipeline/services/ingest-service/internal/db"
	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Setup database and create initial account",
	Long:  "Creates database tables and inserts an initial account record for development/testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		fmt.Println("Running migrations...")
		migrationSQL := `
			-- Accounts own documents and mailbox configs
			CREATE TABLE IF NOT EXISTS accounts (
			    id UUID PRIMARY KEY,
			    email VARCHAR(255) NOT NULL UNIQUE,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
			);

			-- Documents: one row per ingested invoice file
			CREATE TABLE IF NOT EXISTS documents (
			    id UUID PRIMARY KEY,
			    owner_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			    original_filename VARCHAR(512) NOT NULL,
			    file_path VARCHAR(1024) NOT NULL,
			    file_size BIGINT NOT NULL,
			    file_md5 CHAR(32) NOT NULL,
			    file_sha256 CHAR(64) NOT NULL,
			    source VARCHAR(16) NOT NULL DEFAULT 'manual',

			    invoice_code VARCHAR(64),
			    invoice_num VARCHAR(64),
			    invoice_date DATE,
			    invoice_type VARCHAR(64),
			    service_type VARCHAR(64),

			    purchaser_name VARCHAR(255),
			    purchaser_register_num VARCHAR(64),
			    purchaser_address VARCHAR(512),
			    purchaser_bank VARCHAR(512),
			    seller_name VARCHAR(255),
			    seller_register_num VARCHAR(64),
			    seller_address VARCHAR(512),
			    seller_bank VARCHAR(512),

			    total_amount NUMERIC(12, 2),
			    total_tax NUMERIC(12, 2),
			    amount_in_words VARCHAR(128),
			    amount_in_figures NUMERIC(12, 2),

			    commodity_details JSONB,
			    ocr_raw_data JSONB,

			    status VARCHAR(16) NOT NULL DEFAULT 'processing',
			    ocr_status VARCHAR(16) NOT NULL DEFAULT 'pending',
			    ocr_error TEXT,

			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    processed_at TIMESTAMP WITH TIME ZONE
			);

			-- Dedup invariants hold only among non-duplicate rows, so a
			-- resolved duplicate never blocks re-ingesting the content
			CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_owner_sha256
			    ON documents(owner_id, file_sha256) WHERE status <> 'duplicate';
			CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_owner_md5_size
			    ON documents(owner_id, file_md5, file_size) WHERE status <> 'duplicate';
			CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_owner_invoice_num
			    ON documents(owner_id, invoice_num)
			    WHERE status <> 'duplicate' AND invoice_num IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_documents_sha256_ocr
			    ON documents(file_sha256) WHERE ocr_status = 'success';

			-- Inbound messages seen by the mailbox scanner
			CREATE TABLE IF NOT EXISTS inbound_messages (
			    id UUID PRIMARY KEY,
			    owner_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			    message_id VARCHAR(512) NOT NULL,
			    subject VARCHAR(1024),
			    sender VARCHAR(255),
			    recipient VARCHAR(255),
			    date_sent TIMESTAMP WITH TIME ZONE,
			    date_received TIMESTAMP WITH TIME ZONE NOT NULL,
			    body_text TEXT,
			    body_html TEXT,
			    has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
			    attachment_count INT NOT NULL DEFAULT 0,
			    attachment_info JSONB,
			    scan_status VARCHAR(16) NOT NULL DEFAULT 'pending',
			    invoice_count INT NOT NULL DEFAULT 0,
			    scan_result JSONB,
			    processing_status VARCHAR(16) NOT NULL DEFAULT 'unprocessed',
			    error_message TEXT,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    scanned_at TIMESTAMP WITH TIME ZONE,
			    UNIQUE (owner_id, message_id)
			);

			CREATE INDEX IF NOT EXISTS idx_inbound_messages_scan_status
			    ON inbound_messages(owner_id, scan_status);

			-- Mailbox configs double as scan checkpoints
			CREATE TABLE IF NOT EXISTS mailbox_configs (
			    id BIGSERIAL PRIMARY KEY,
			    owner_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			    email_address VARCHAR(255) NOT NULL,
			    imap_server VARCHAR(255) NOT NULL,
			    imap_port INT NOT NULL DEFAULT 993,
			    username VARCHAR(255) NOT NULL,
			    credential VARCHAR(512) NOT NULL,
			    is_active BOOLEAN NOT NULL DEFAULT TRUE,
			    scan_days INT NOT NULL DEFAULT 30,
			    last_scan_time TIMESTAMP WITH TIME ZONE,
			    last_seen_uid BIGINT,
			    uid_validity BIGINT,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    UNIQUE (owner_id, email_address)
			);

			-- Provider payload cache keyed by content digest
			CREATE TABLE IF NOT EXISTS ocr_cache (
			    sha256 CHAR(64) PRIMARY KEY,
			    status VARCHAR(16) NOT NULL,
			    ocr_json JSONB,
			    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
			);

			-- Scan coordination locks with expiry
			CREATE TABLE IF NOT EXISTS scan_locks (
			    key VARCHAR(255) PRIMARY KEY,
			    holder VARCHAR(64) NOT NULL,
			    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- Shared per-second counter for the provider rate limit
			CREATE TABLE IF NOT EXISTS ocr_rate_counter (
			    epoch BIGINT PRIMARY KEY,
			    calls INT NOT NULL DEFAULT 0
			);
		`

		if _, err := db.Pool.Exec(ctx, migrationSQL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		fmt.Println("Inserting test account...")
		testAccount := models.Account{
			ID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
			Email: "ap@example.com",
		}
		insertAccountSQL := `
			INSERT INTO accounts (id, email)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
		`

		if _, err := db.Pool.Exec(ctx, insertAccountSQL, testAccount.ID, testAccount.Email); err != nil {
			return fmt.Errorf("failed to insert test account: %w", err)
		}

		fmt.Println("Inserting sample mailbox config...")
		sampleMailbox := models.MailboxConfig{
			OwnerID:      testAccount.ID,
			EmailAddress: testAccount.Email,
			IMAPServer:   "imap.example.com",
			IMAPPort:     993,
			Username:     testAccount.Email,
			Credential:   "change-me",
			IsActive:     false,
			ScanDays:     30,
		}
		insertMailboxSQL := `
			INSERT INTO mailbox_configs (
				owner_id, email_address, imap_server, imap_port,
				username, credential, is_active, scan_days
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (owner_id, email_address) DO NOTHING
		`

		if _, err := db.Pool.Exec(ctx, insertMailboxSQL,
			sampleMailbox.OwnerID, sampleMailbox.EmailAddress, sampleMailbox.IMAPServer,
			sampleMailbox.IMAPPort, sampleMailbox.Username, sampleMailbox.Credential,
			sampleMailbox.IsActive, sampleMailbox.ScanDays); err != nil {
			return fmt.Errorf("failed to insert sample mailbox config: %w", err)
		}

		fmt.Printf("✓ Database setup complete. Test account: %s (%s)\n", testAccount.ID, testAccount.Email)
		fmt.Println("  Sample mailbox config seeded inactive; set credentials and is_active to enable scanning")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
