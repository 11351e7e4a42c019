package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/finvoice/pipeline/services/ingest-service/internal/ingest"
	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

// Subject keywords that mark a message worth scanning. Messages matching
// none of them are recorded and dismissed without touching attachments.
var defaultKeywords = []string{"发票", "invoice", "电子发票", "增值税", "fapiao", "receipt"}

// Ingestor is the downstream document pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*models.Document, error)
}

// Scanner walks mailboxes, records every message it sees and feeds
// candidate documents into ingestion. One Scanner instance is shared by
// all mailboxes; per-pass state lives on the stack.
type Scanner struct {
	dialer      Dialer
	messages    MessageRepo
	checkpoints CheckpointRepo
	ingestor    Ingestor
	http        *http.Client

	keywords  []string
	batchSize int
	now       func() time.Time
}

func New(dialer Dialer, messages MessageRepo, checkpoints CheckpointRepo, ingestor Ingestor) *Scanner {
	keywords := viper.GetStringSlice("scan.keywords")
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	batchSize := viper.GetInt("scan.batch_size")
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scanner{
		dialer:      dialer,
		messages:    messages,
		checkpoints: checkpoints,
		ingestor:    ingestor,
		http:        &http.Client{Timeout: 60 * time.Second},
		keywords:    keywords,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

// Report aggregates one scan pass over one mailbox.
type Report struct {
	TotalMessages     int      `json:"total_messages"`
	ProcessedMessages int      `json:"processed_messages"`
	FoundInvoices     int      `json:"found_invoices"`
	Duplicates        int      `json:"duplicates"`
	Errors            []string `json:"errors,omitempty"`
}

// ScanMailbox runs one pass: connect, reconcile the checkpoint, walk new
// messages, and commit the new watermark. A single bad message lands in
// the report's error list without stopping the pass; only pass-level
// faults (connect, search, checkpoint) come back as errors.
func (s *Scanner) ScanMailbox(ctx context.Context, cfg *models.MailboxConfig) (*Report, error) {
	report := &Report{}

	session, err := s.dialer.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect mailbox %s: %w", cfg.EmailAddress, err)
	}
	defer session.Close()

	status := session.Status()
	// A changed UIDVALIDITY renumbers every message: the stored watermark
	// points at nothing, so the pass degrades to a first-ever scan.
	if cfg.UIDValidity != nil && *cfg.UIDValidity != status.UIDValidity {
		log.Printf("scanner: uidvalidity changed for %s (%d -> %d), resetting watermark",
			cfg.EmailAddress, *cfg.UIDValidity, status.UIDValidity)
		cfg.LastSeenUID = nil
		if err := s.checkpoints.ResetWatermark(ctx, cfg.ID, status.UIDValidity); err != nil {
			return nil, fmt.Errorf("reset watermark: %w", err)
		}
	}
	validity := status.UIDValidity
	cfg.UIDValidity = &validity

	var afterUID uint32
	var since time.Time
	if cfg.LastSeenUID != nil {
		afterUID = *cfg.LastSeenUID
	} else if cfg.ScanDays > 0 {
		since = s.now().AddDate(0, 0, -cfg.ScanDays)
	}

	uids, err := session.SearchUIDs(afterUID, since)
	if err != nil {
		return nil, fmt.Errorf("search mailbox: %w", err)
	}
	report.TotalMessages = len(uids)

	maxUID := afterUID
	for i, uid := range uids {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		if err := s.processUID(ctx, cfg, session, uid, validity, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("uid %d: %v", uid, err))
		} else {
			report.ProcessedMessages++
		}
		if uid > maxUID {
			maxUID = uid
		}
		if (i+1)%s.batchSize == 0 {
			log.Printf("scanner: %s: %d/%d messages", cfg.EmailAddress, i+1, len(uids))
		}
	}

	if err := s.checkpoints.Commit(ctx, cfg.ID, maxUID, validity, s.now()); err != nil {
		return report, fmt.Errorf("commit checkpoint: %w", err)
	}

	log.Printf("scanner: %s done: %d messages, %d processed, %d invoices, %d duplicates, %d errors",
		cfg.EmailAddress, report.TotalMessages, report.ProcessedMessages,
		report.FoundInvoices, report.Duplicates, len(report.Errors))
	return report, nil
}

func (s *Scanner) processUID(ctx context.Context, cfg *models.MailboxConfig, session Session, uid uint32, validity uint32, report *Report) error {
	raw, err := session.Fetch(uid)
	if err != nil {
		return err
	}
	parsed, err := parseRawMessage(raw.Body)
	if err != nil {
		return err
	}

	messageID := parsed.MessageID
	if messageID == "" {
		// Synthetic fallback key; stable across rescans within one
		// validity epoch, best effort beyond it.
		messageID = fmt.Sprintf("uid:%d:%d", validity, uid)
	}

	manifest, _ := json.Marshal(limitAttachments(parsed.Attachments, maxManifestEntries))
	record := &models.InboundMessage{
		OwnerID:         cfg.OwnerID,
		MessageID:       messageID,
		Subject:         parsed.Subject,
		Sender:          parsed.Sender,
		Recipient:       parsed.Recipient,
		DateSent:        parsed.DateSent,
		DateReceived:    s.now(),
		BodyText:        truncateRunes(parsed.BodyText, maxBodyTextRunes),
		BodyHTML:        truncateRunes(parsed.BodyHTML, maxBodyHTMLRunes),
		HasAttachments:  len(parsed.Attachments) > 0,
		AttachmentCount: len(parsed.Attachments),
		AttachmentInfo:  manifest,
	}
	stored, err := s.messages.Upsert(ctx, record)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	if stored.Scanned() {
		return nil
	}

	// From here the record exists: a failure must land on it, not just in
	// the pass report.
	if err := s.judgeMessage(ctx, cfg, parsed, stored, report); err != nil {
		if markErr := s.messages.UpdateProcessing(ctx, stored.ID, models.ProcFailed, err.Error()); markErr != nil {
			log.Printf("scanner: marking message %s failed: %v", stored.ID, markErr)
		}
		return err
	}
	return nil
}

func (s *Scanner) judgeMessage(ctx context.Context, cfg *models.MailboxConfig, parsed *ParsedMessage, stored *models.InboundMessage, report *Report) error {
	if err := s.messages.UpdateProcessing(ctx, stored.ID, models.ProcProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	if !s.subjectMatches(parsed.Subject) {
		scanResult, _ := json.Marshal(map[string]any{
			"reason":          "no_invoice_keywords",
			"subject_checked": true,
		})
		if err := s.messages.UpdateScan(ctx, stored.ID, models.ScanNoInvoice, 0, scanResult, s.now()); err != nil {
			return fmt.Errorf("record verdict: %w", err)
		}
		return s.messages.UpdateProcessing(ctx, stored.ID, models.ProcCompleted, "")
	}

	found, duplicates, itemErrors := s.ingestCandidates(ctx, cfg.OwnerID, parsed)
	report.FoundInvoices += found
	report.Duplicates += duplicates

	// Duplicates count toward the verdict: the message did carry invoice
	// content, the system just had it already.
	invoiceCount := found + duplicates
	scanStatus := models.ScanNoInvoice
	if invoiceCount > 0 {
		scanStatus = models.ScanHasInvoice
	}
	scanResult, _ := json.Marshal(map[string]any{
		"invoices_found": found,
		"duplicates":     duplicates,
		"item_errors":    itemErrors,
	})
	if err := s.messages.UpdateScan(ctx, stored.ID, scanStatus, invoiceCount, scanResult, s.now()); err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	return s.messages.UpdateProcessing(ctx, stored.ID, models.ProcCompleted, strings.Join(itemErrors, "; "))
}

// ingestCandidates feeds PDF attachments and body links into ingestion.
// Attachments are trusted only after a magic check; links are fetched and
// checked the same way. Per-candidate failures never stop the others.
func (s *Scanner) ingestCandidates(ctx context.Context, owner uuid.UUID, parsed *ParsedMessage) (found, duplicates int, itemErrors []string) {
	for _, att := range parsed.Attachments {
		if !att.IsPDF || !isPDF(att.Content) {
			continue
		}
		switch dup, err := s.ingestOne(ctx, owner, att.Filename, att.Content); {
		case err != nil:
			itemErrors = append(itemErrors, fmt.Sprintf("attachment %s: %v", att.Filename, err))
		case dup:
			duplicates++
		default:
			found++
		}
	}

	body := parsed.BodyText
	if body == "" {
		body = parsed.BodyHTML
	}
	for _, link := range extractDocumentLinks(body) {
		filename, content, err := s.downloadCandidate(ctx, link)
		if errors.Is(err, errNotADocument) {
			continue
		}
		if err != nil {
			itemErrors = append(itemErrors, fmt.Sprintf("link %s: %v", link, err))
			continue
		}
		switch dup, err := s.ingestOne(ctx, owner, filename, content); {
		case err != nil:
			itemErrors = append(itemErrors, fmt.Sprintf("link %s: %v", link, err))
		case dup:
			duplicates++
		default:
			found++
		}
	}
	return found, duplicates, itemErrors
}

func (s *Scanner) ingestOne(ctx context.Context, owner uuid.UUID, filename string, content []byte) (duplicate bool, err error) {
	_, err = s.ingestor.Ingest(ctx, ingest.Request{
		OwnerID:  owner,
		Filename: filename,
		Content:  content,
		Source:   models.SourceMailbox,
	})
	var dup *ingest.DuplicateError
	if errors.As(err, &dup) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Scanner) subjectMatches(subject string) bool {
	lowered := strings.ToLower(subject)
	for _, keyword := range s.keywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
