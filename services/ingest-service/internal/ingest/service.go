package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ocr"
	"github.com/finvoice/pipeline/services/ingest-service/internal/store"
)

// DuplicateError reports content the owner already has. The existing
// document is identified so callers can surface it.
type DuplicateError struct {
	ExistingID       uuid.UUID
	ExistingFilename string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate document: matches %s (%s)", e.ExistingID, e.ExistingFilename)
}

// Repo is the slice of document persistence the orchestrator needs.
type Repo interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	FindDuplicate(ctx context.Context, owner uuid.UUID, sha256, md5 string, size int64) (*models.DocumentRef, error)
	FindActiveByInvoiceNum(ctx context.Context, owner uuid.UUID, invoiceNum string, exclude uuid.UUID) (*models.DocumentRef, error)
	MarkOCRProcessing(ctx context.Context, id uuid.UUID) error
	ApplyResult(ctx context.Context, doc *models.Document) error
	ResetOCR(ctx context.Context, id uuid.UUID) error
	ListStaleOCR(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

// Blobs is the content store.
type Blobs interface {
	Put(filename string, r io.Reader) (store.PutResult, error)
	Read(path string) ([]byte, error)
}

// Recognizer is the OCR gateway.
type Recognizer interface {
	Recognize(ctx context.Context, sha256 string, content []byte) (ocr.Result, error)
}

// Scheduler queues the asynchronous recognition task for a document.
type Scheduler interface {
	ScheduleOCR(docID uuid.UUID)
}

// Service is the single path every candidate document takes into the
// system, whether uploaded or found in a mailbox.
type Service struct {
	repo      Repo
	blobs     Blobs
	gateway   Recognizer
	scheduler Scheduler
	now       func() time.Time
}

func NewService(repo Repo, blobs Blobs, gateway Recognizer) *Service {
	return &Service{
		repo:    repo,
		blobs:   blobs,
		gateway: gateway,
		now:     time.Now,
	}
}

// SetScheduler wires the task dispatcher in after construction, since the
// scheduled task calls back into this service.
func (s *Service) SetScheduler(sched Scheduler) {
	s.scheduler = sched
}

// Request carries one candidate document into the pipeline.
type Request struct {
	OwnerID  uuid.UUID
	Filename string
	Content  []byte
	Source   string
}

// Ingest stores the content, checks both dedup keys, creates the document
// in its initial state and schedules recognition. A content-level
// duplicate returns *DuplicateError and creates nothing.
func (s *Service) Ingest(ctx context.Context, req Request) (*models.Document, error) {
	if len(req.Content) == 0 {
		return nil, errors.New("ingest: empty content")
	}

	put, err := s.blobs.Put(req.Filename, bytes.NewReader(req.Content))
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}

	if ref, err := s.repo.FindDuplicate(ctx, req.OwnerID, put.SHA256, put.MD5, put.Size); err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	} else if ref != nil {
		return nil, &DuplicateError{ExistingID: ref.ID, ExistingFilename: ref.OriginalFilename}
	}

	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	now := s.now()
	doc := &models.Document{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		OriginalFilename: req.Filename,
		FilePath:         put.Path,
		FileSize:         put.Size,
		FileMD5:          put.MD5,
		FileSHA256:       put.SHA256,
		Source:           source,
		Status:           models.StatusProcessing,
		OCRStatus:        models.OCRPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		// A concurrent ingest of the same bytes won the race; the unique
		// index is the backstop the pre-check cannot provide.
		if uniqueViolation(err, "") {
			if ref, lookupErr := s.repo.FindDuplicate(ctx, req.OwnerID, put.SHA256, put.MD5, put.Size); lookupErr == nil && ref != nil {
				return nil, &DuplicateError{ExistingID: ref.ID, ExistingFilename: ref.OriginalFilename}
			}
			return nil, &DuplicateError{}
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.ScheduleOCR(doc.ID)
	}
	return doc, nil
}

// ProcessOCR runs recognition for one document and lands it in its final
// state. Transport-level faults are returned so the task's retry policy
// can re-run them; everything else resolves to completed, failed or
// duplicate. Documents already recognized are left untouched.
func (s *Service) ProcessOCR(ctx context.Context, docID uuid.UUID) error {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.OCRStatus == models.OCRSuccess {
		return nil
	}

	if err := s.repo.MarkOCRProcessing(ctx, docID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	doc.OCRStatus = models.OCRProcessing

	content, err := s.blobs.Read(doc.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A retry cannot bring the blob back.
			return s.applyFailure(ctx, doc, fmt.Sprintf("stored file missing: %s", doc.FilePath))
		}
		return fmt.Errorf("read stored file: %w", err)
	}

	result, err := s.gateway.Recognize(ctx, doc.FileSHA256, content)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	if result.Outcome == ocr.OutcomeFailed {
		msg := result.ErrorMsg
		if msg == "" {
			msg = "recognition failed"
		}
		if result.ErrorCode != 0 {
			msg = fmt.Sprintf("%s (code %d)", msg, result.ErrorCode)
		}
		return s.applyFailure(ctx, doc, msg)
	}

	fields, err := ocr.Extract(result.Response)
	if err != nil {
		// A success-shaped payload with nothing usable in it is recorded
		// as a failure with its reason, not dropped.
		return s.applyFailure(ctx, doc, err.Error())
	}

	applyFields(doc, fields)
	doc.OCRRawData = result.Raw
	doc.OCRStatus = models.OCRSuccess
	doc.OCRError = ""
	processedAt := s.now()
	doc.ProcessedAt = &processedAt

	existing, err := s.repo.FindActiveByInvoiceNum(ctx, doc.OwnerID, fields.InvoiceNum, doc.ID)
	if err != nil {
		return fmt.Errorf("invoice number check: %w", err)
	}
	if existing != nil {
		s.markDuplicate(doc, existing)
	} else {
		num := fields.InvoiceNum
		doc.InvoiceNum = &num
		doc.Status = models.StatusCompleted
	}

	if err := s.repo.ApplyResult(ctx, doc); err != nil {
		// Two recognitions racing to the same invoice number: the loser
		// becomes the duplicate instead of surfacing a constraint error.
		if uniqueViolation(err, constraintOwnerInvoiceNum) {
			winner, lookupErr := s.repo.FindActiveByInvoiceNum(ctx, doc.OwnerID, fields.InvoiceNum, doc.ID)
			if lookupErr != nil || winner == nil {
				log.Printf("ingest: duplicate winner lookup failed for %s: %v", docID, lookupErr)
				winner = &models.DocumentRef{}
			}
			s.markDuplicate(doc, winner)
			return s.repo.ApplyResult(ctx, doc)
		}
		return fmt.Errorf("apply recognition result: %w", err)
	}
	return nil
}

// FailOCR lands a document in the terminal failed state with the given
// reason. It is the final stop for transport-level faults that outlived
// the task retry budget; documents that made it to success are left alone.
func (s *Service) FailOCR(ctx context.Context, docID uuid.UUID, reason string) error {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.OCRStatus == models.OCRSuccess {
		return nil
	}
	return s.applyFailure(ctx, doc, reason)
}

// RequeueStaleOCR reschedules recognition for documents stuck in a
// non-terminal recognition state, the leftovers of dropped tasks or a
// crashed process. Returns how many were requeued.
func (s *Service) RequeueStaleOCR(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	ids, err := s.repo.ListStaleOCR(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list stale documents: %w", err)
	}
	for _, id := range ids {
		s.scheduler.ScheduleOCR(id)
	}
	return len(ids), nil
}

// RetryOCR queues a document for another recognition pass. Successful
// results are kept unless force is set.
func (s *Service) RetryOCR(ctx context.Context, docID uuid.UUID, force bool) error {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.OCRStatus == models.OCRSuccess && !force {
		return fmt.Errorf("document %s already recognized", docID)
	}
	if !models.CanTransitionStatus(doc.Status, models.StatusProcessing) {
		return fmt.Errorf("document %s is %s and cannot be reprocessed", docID, doc.Status)
	}
	if err := s.repo.ResetOCR(ctx, docID); err != nil {
		return fmt.Errorf("reset document: %w", err)
	}
	if s.scheduler != nil {
		s.scheduler.ScheduleOCR(docID)
	}
	return nil
}

func (s *Service) applyFailure(ctx context.Context, doc *models.Document, reason string) error {
	doc.Status = models.StatusFailed
	doc.OCRStatus = models.OCRFailed
	doc.OCRError = reason
	processedAt := s.now()
	doc.ProcessedAt = &processedAt
	if err := s.repo.ApplyResult(ctx, doc); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// markDuplicate resolves a business-key collision: the document keeps its
// recognized fields but gives up its claim on the invoice number, and the
// reason names the surviving record.
func (s *Service) markDuplicate(doc *models.Document, existing *models.DocumentRef) {
	doc.InvoiceNum = nil
	doc.Status = models.StatusDuplicate
	if existing.ID == uuid.Nil {
		doc.OCRError = "duplicate invoice: invoice number already assigned to another document"
		return
	}
	doc.OCRError = fmt.Sprintf("duplicate invoice: matches document %s (%s)", existing.ID, existing.OriginalFilename)
}

func applyFields(doc *models.Document, f *ocr.Fields) {
	doc.InvoiceCode = f.InvoiceCode
	doc.InvoiceDate = f.InvoiceDate
	doc.InvoiceType = f.InvoiceType
	doc.ServiceType = f.ServiceType

	doc.PurchaserName = f.PurchaserName
	doc.PurchaserRegisterNum = f.PurchaserRegisterNum
	doc.PurchaserAddress = f.PurchaserAddress
	doc.PurchaserBank = f.PurchaserBank
	doc.SellerName = f.SellerName
	doc.SellerRegisterNum = f.SellerRegisterNum
	doc.SellerAddress = f.SellerAddress
	doc.SellerBank = f.SellerBank

	doc.TotalAmount = f.TotalAmount
	doc.TotalTax = f.TotalTax
	doc.AmountInWords = f.AmountInWords
	doc.AmountInFigures = f.AmountInFigures

	if len(f.Commodities) > 0 {
		if data, err := json.Marshal(f.Commodities); err == nil {
			doc.CommodityDetails = data
		}
	}
}
