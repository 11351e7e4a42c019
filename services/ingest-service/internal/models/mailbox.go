package models

import (
	"time"

	"github.com/google/uuid"
)

// MailboxConfig is one IMAP mailbox an owner has registered for scanning.
// LastSeenUID and UIDValidity together form the scan checkpoint: a nil
// LastSeenUID means the mailbox has never completed a pass, and a
// UIDValidity that no longer matches the server's invalidates the
// watermark entirely.
type MailboxConfig struct {
	ID           int64      `db:"id"`
	OwnerID      uuid.UUID  `db:"owner_id"`
	EmailAddress string     `db:"email_address"`
	IMAPServer   string     `db:"imap_server"`
	IMAPPort     int        `db:"imap_port"`
	Username     string     `db:"username"`
	Credential   string     `db:"credential"`
	IsActive     bool       `db:"is_active"`
	ScanDays     int        `db:"scan_days"`
	LastScanTime *time.Time `db:"last_scan_time"`
	LastSeenUID  *uint32    `db:"last_seen_uid"`
	UIDValidity  *uint32    `db:"uid_validity"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
