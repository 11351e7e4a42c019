package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/finvoice/pipeline/services/ingest-service/internal/ingest"
	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

func TestScanner(t *testing.T) {
	RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Scanner Suite")
}

type fakeSession struct {
	status   MailboxStatus
	uids     []uint32
	raw      map[uint32][]byte
	fetchErr map[uint32]error

	searchAfter []uint32
	searchSince []time.Time
	closed      bool
}

func (f *fakeSession) Status() MailboxStatus { return f.status }

func (f *fakeSession) SearchUIDs(afterUID uint32, since time.Time) ([]uint32, error) {
	f.searchAfter = append(f.searchAfter, afterUID)
	f.searchSince = append(f.searchSince, since)
	var out []uint32
	for _, uid := range f.uids {
		if uid > afterUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeSession) Fetch(uid uint32) (RawMessage, error) {
	if err := f.fetchErr[uid]; err != nil {
		return RawMessage{}, err
	}
	return RawMessage{UID: uid, Body: f.raw[uid]}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	dials   int
}

func (f *fakeDialer) Dial(cfg *models.MailboxConfig) (Session, error) {
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type scanUpdate struct {
	id           uuid.UUID
	status       string
	invoiceCount int
}

type fakeMessageRepo struct {
	byKey map[string]*models.InboundMessage

	upserts       []string
	scanUpdates   []scanUpdate
	procUpdates   []string
	upsertErr     error
	scanErr       error
	lastProcError string
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byKey: map[string]*models.InboundMessage{}}
}

func (f *fakeMessageRepo) Upsert(ctx context.Context, msg *models.InboundMessage) (*models.InboundMessage, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, msg.MessageID)
	key := msg.OwnerID.String() + "/" + msg.MessageID
	if existing, ok := f.byKey[key]; ok {
		copied := *msg
		copied.ID = existing.ID
		copied.ScanStatus = existing.ScanStatus
		copied.InvoiceCount = existing.InvoiceCount
		copied.ProcessingStatus = existing.ProcessingStatus
		copied.ScannedAt = existing.ScannedAt
		return &copied, nil
	}
	copied := *msg
	copied.ID = uuid.New()
	copied.ScanStatus = models.ScanPending
	copied.ProcessingStatus = models.ProcUnprocessed
	f.byKey[key] = &copied
	out := copied
	return &out, nil
}

func (f *fakeMessageRepo) UpdateScan(ctx context.Context, id uuid.UUID, scanStatus string, invoiceCount int, scanResult []byte, scannedAt time.Time) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	f.scanUpdates = append(f.scanUpdates, scanUpdate{id: id, status: scanStatus, invoiceCount: invoiceCount})
	for _, msg := range f.byKey {
		if msg.ID == id {
			msg.ScanStatus = scanStatus
			msg.InvoiceCount = invoiceCount
			at := scannedAt
			msg.ScannedAt = &at
		}
	}
	return nil
}

func (f *fakeMessageRepo) UpdateProcessing(ctx context.Context, id uuid.UUID, processingStatus, errorMessage string) error {
	f.procUpdates = append(f.procUpdates, processingStatus)
	f.lastProcError = errorMessage
	for _, msg := range f.byKey {
		if msg.ID == id {
			msg.ProcessingStatus = processingStatus
			msg.ErrorMessage = errorMessage
		}
	}
	return nil
}

type commit struct {
	configID int64
	maxUID   uint32
	validity uint32
}

type fakeCheckpointRepo struct {
	commits []commit
	resets  []uint32
}

func (f *fakeCheckpointRepo) ListActive(ctx context.Context) ([]*models.MailboxConfig, error) {
	return nil, nil
}

func (f *fakeCheckpointRepo) ListActiveForOwner(ctx context.Context, owner uuid.UUID) ([]*models.MailboxConfig, error) {
	return nil, nil
}

func (f *fakeCheckpointRepo) Commit(ctx context.Context, configID int64, maxUID uint32, uidValidity uint32, scannedAt time.Time) error {
	f.commits = append(f.commits, commit{configID: configID, maxUID: maxUID, validity: uidValidity})
	return nil
}

func (f *fakeCheckpointRepo) ResetWatermark(ctx context.Context, configID int64, uidValidity uint32) error {
	f.resets = append(f.resets, uidValidity)
	return nil
}

type fakeIngestor struct {
	requests  []ingest.Request
	duplicate bool
	err       error
}

func (f *fakeIngestor) Ingest(ctx context.Context, req ingest.Request) (*models.Document, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.duplicate {
		return nil, &ingest.DuplicateError{ExistingID: uuid.New(), ExistingFilename: "existing.pdf"}
	}
	return &models.Document{ID: uuid.New()}, nil
}

// rawMessage builds a multipart message. Attachment parts are raw bytes
// with an application/pdf disposition.
func rawMessage(messageID, subject, bodyText string, attachments map[string][]byte) []byte {
	var b strings.Builder
	b.WriteString("From: billing@example.com\n")
	b.WriteString("To: ap@example.com\n")
	if messageID != "" {
		b.WriteString("Message-Id: <" + messageID + ">\n")
	}
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Date: Mon, 03 Mar 2025 10:00:00 +0000\n")
	b.WriteString("MIME-Version: 1.0\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"MARK\"\n")
	b.WriteString("\n")
	b.WriteString("--MARK\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\n")
	b.WriteString("\n")
	b.WriteString(bodyText + "\n")
	for name, content := range attachments {
		b.WriteString("--MARK\n")
		b.WriteString("Content-Type: application/pdf\n")
		b.WriteString("Content-Disposition: attachment; filename=\"" + name + "\"\n")
		b.WriteString("\n")
		b.Write(content)
		b.WriteString("\n")
	}
	b.WriteString("--MARK--\n")
	return []byte(strings.ReplaceAll(b.String(), "\n", "\r\n"))
}

func newTestScanner(dialer Dialer, messages MessageRepo, checkpoints CheckpointRepo, ingestor Ingestor) *Scanner {
	s := New(dialer, messages, checkpoints, ingestor)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

var _ = ginkgo.Describe("Scanner", func() {
	var (
		ctx         context.Context
		owner       uuid.UUID
		cfg         *models.MailboxConfig
		session     *fakeSession
		dialer      *fakeDialer
		messages    *fakeMessageRepo
		checkpoints *fakeCheckpointRepo
		ingestor    *fakeIngestor
		scanner     *Scanner
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		owner = uuid.New()
		cfg = &models.MailboxConfig{
			ID:           7,
			OwnerID:      owner,
			EmailAddress: "ap@example.com",
			ScanDays:     30,
			IsActive:     true,
		}
		session = &fakeSession{
			status:   MailboxStatus{UIDValidity: 100},
			raw:      map[uint32][]byte{},
			fetchErr: map[uint32]error{},
		}
		dialer = &fakeDialer{session: session}
		messages = newFakeMessageRepo()
		checkpoints = &fakeCheckpointRepo{}
		ingestor = &fakeIngestor{}
		scanner = newTestScanner(dialer, messages, checkpoints, ingestor)
	})

	ginkgo.It("runs a first scan over the date window and ingests attachments", func() {
		session.uids = []uint32{3, 5}
		session.raw[3] = rawMessage("m3@example.com", "Your invoice for March", "see attached", map[string][]byte{
			"invoice_march.pdf": []byte("%PDF-1.4 march"),
		})
		session.raw[5] = rawMessage("m5@example.com", "Invoice 0042", "see attached", map[string][]byte{
			"invoice_april.pdf": []byte("%PDF-1.4 april"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalMessages).To(Equal(2))
		Expect(report.ProcessedMessages).To(Equal(2))
		Expect(report.FoundInvoices).To(Equal(2))
		Expect(report.Errors).To(BeEmpty())

		Expect(session.searchAfter).To(Equal([]uint32{0}))
		Expect(session.searchSince[0]).To(Equal(time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)))

		Expect(ingestor.requests).To(HaveLen(2))
		Expect(ingestor.requests[0].Filename).To(Equal("invoice_march.pdf"))
		Expect(ingestor.requests[0].OwnerID).To(Equal(owner))
		Expect(ingestor.requests[0].Source).To(Equal(models.SourceMailbox))

		Expect(checkpoints.commits).To(Equal([]commit{{configID: 7, maxUID: 5, validity: 100}}))
		Expect(session.closed).To(BeTrue())
	})

	ginkgo.It("searches strictly after the stored watermark", func() {
		last := uint32(5)
		validity := uint32(100)
		cfg.LastSeenUID = &last
		cfg.UIDValidity = &validity
		session.uids = []uint32{3, 5, 8}
		session.raw[8] = rawMessage("m8@example.com", "invoice", "see attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalMessages).To(Equal(1))
		Expect(session.searchAfter).To(Equal([]uint32{5}))
		Expect(session.searchSince[0].IsZero()).To(BeTrue())
		Expect(checkpoints.commits[0].maxUID).To(Equal(uint32(8)))
	})

	ginkgo.It("resets the watermark when the folder's uidvalidity changes", func() {
		last := uint32(50)
		validity := uint32(99)
		cfg.LastSeenUID = &last
		cfg.UIDValidity = &validity
		session.status.UIDValidity = 100
		session.uids = []uint32{2}
		session.raw[2] = rawMessage("m2@example.com", "invoice", "body", nil)

		_, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(checkpoints.resets).To(Equal([]uint32{100}))
		// The pass falls back to the date window.
		Expect(session.searchAfter).To(Equal([]uint32{0}))
		Expect(session.searchSince[0].IsZero()).To(BeFalse())
		Expect(*cfg.UIDValidity).To(Equal(uint32(100)))
	})

	ginkgo.It("leaves a never-scanned empty mailbox without a watermark", func() {
		_, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(checkpoints.commits).To(Equal([]commit{{configID: 7, maxUID: 0, validity: 100}}))
	})

	ginkgo.It("skips messages a previous pass already judged", func() {
		session.uids = []uint32{4}
		session.raw[4] = rawMessage("m4@example.com", "invoice", "see attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		_, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(ingestor.requests).To(HaveLen(1))

		// Replay of the same UID range.
		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.ProcessedMessages).To(Equal(1))
		Expect(ingestor.requests).To(HaveLen(1))
		Expect(messages.scanUpdates).To(HaveLen(1))
	})

	ginkgo.It("dismisses messages without invoice keywords untouched", func() {
		session.uids = []uint32{9}
		session.raw[9] = rawMessage("m9@example.com", "Team lunch on Friday", "pizza?", map[string][]byte{
			"menu.pdf": []byte("%PDF-1.4 menu"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.FoundInvoices).To(BeZero())
		Expect(ingestor.requests).To(BeEmpty())
		Expect(messages.scanUpdates).To(HaveLen(1))
		Expect(messages.scanUpdates[0].status).To(Equal(models.ScanNoInvoice))
		Expect(messages.procUpdates).To(Equal([]string{models.ProcProcessing, models.ProcCompleted}))
	})

	ginkgo.It("records a verdict of no_invoice when attachments fail the magic check", func() {
		session.uids = []uint32{9}
		session.raw[9] = rawMessage("m9@example.com", "invoice attached", "here", map[string][]byte{
			"invoice.pdf": []byte("<html>not a pdf</html>"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.FoundInvoices).To(BeZero())
		Expect(ingestor.requests).To(BeEmpty())
		Expect(messages.scanUpdates[0].status).To(Equal(models.ScanNoInvoice))
	})

	ginkgo.It("counts known content as duplicates and still flags the message", func() {
		ingestor.duplicate = true
		session.uids = []uint32{6}
		session.raw[6] = rawMessage("m6@example.com", "invoice", "attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.FoundInvoices).To(BeZero())
		Expect(report.Duplicates).To(Equal(1))
		Expect(messages.scanUpdates[0].status).To(Equal(models.ScanHasInvoice))
		Expect(messages.scanUpdates[0].invoiceCount).To(Equal(1))
	})

	ginkgo.It("records ingest failures per item and completes the message", func() {
		ingestor.err = errors.New("storage full")
		session.uids = []uint32{6}
		session.raw[6] = rawMessage("m6@example.com", "invoice", "attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.FoundInvoices).To(BeZero())
		Expect(report.ProcessedMessages).To(Equal(1))
		Expect(messages.scanUpdates[0].status).To(Equal(models.ScanNoInvoice))
		Expect(messages.procUpdates[len(messages.procUpdates)-1]).To(Equal(models.ProcCompleted))
	})

	ginkgo.It("marks the message record failed when the verdict cannot be written", func() {
		messages.scanErr = errors.New("deadlock detected")
		session.uids = []uint32{6}
		session.raw[6] = rawMessage("m6@example.com", "invoice", "attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Errors).NotTo(BeEmpty())
		Expect(messages.procUpdates[len(messages.procUpdates)-1]).To(Equal(models.ProcFailed))
		Expect(messages.lastProcError).To(ContainSubstring("deadlock detected"))
	})

	ginkgo.It("keeps scanning past a message that cannot be fetched", func() {
		session.uids = []uint32{1, 2}
		session.fetchErr[1] = errors.New("connection reset")
		session.raw[2] = rawMessage("m2@example.com", "invoice", "attached", map[string][]byte{
			"a.pdf": []byte("%PDF-1.4 a"),
		})

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.ProcessedMessages).To(Equal(1))
		Expect(report.Errors).To(HaveLen(1))
		Expect(report.Errors[0]).To(ContainSubstring("uid 1"))
		// The failed UID still moves the watermark; it will not be
		// refetched forever.
		Expect(checkpoints.commits[0].maxUID).To(Equal(uint32(2)))
	})

	ginkgo.It("keys messages without a Message-Id by uid and validity", func() {
		session.uids = []uint32{12}
		session.raw[12] = rawMessage("", "invoice", "attached", nil)

		_, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(messages.upserts).To(Equal([]string{"uid:100:12"}))
	})

	ginkgo.It("fails the pass when the mailbox cannot be reached", func() {
		dialer.err = errors.New("connection refused")
		_, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).To(MatchError(ContainSubstring("connect mailbox")))
		Expect(checkpoints.commits).To(BeEmpty())
	})

	ginkgo.It("downloads and ingests document links from the body", func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, "%PDF-1.4 linked")
		}))
		defer ts.Close()

		session.uids = []uint32{20}
		session.raw[20] = rawMessage("m20@example.com", "your invoice",
			"download here: "+ts.URL+"/docs/invoice_202503.pdf", nil)

		report, err := scanner.ScanMailbox(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.FoundInvoices).To(Equal(1))
		Expect(ingestor.requests).To(HaveLen(1))
		Expect(ingestor.requests[0].Filename).To(Equal("invoice_202503.pdf"))
		Expect(ingestor.requests[0].Content).To(Equal([]byte("%PDF-1.4 linked")))
	})
})

var _ = ginkgo.Describe("subjectMatches", func() {
	scanner := &Scanner{keywords: defaultKeywords}

	ginkgo.DescribeTable("keyword matching",
		func(subject string, want bool) {
			Expect(scanner.subjectMatches(subject)).To(Equal(want))
		},
		ginkgo.Entry("Chinese invoice", "3月份发票", true),
		ginkgo.Entry("VAT keyword", "增值税专用发票清单", true),
		ginkgo.Entry("English, mixed case", "Your INVOICE is ready", true),
		ginkgo.Entry("pinyin", "fapiao 2025-03", true),
		ginkgo.Entry("receipt", "Payment receipt", true),
		ginkgo.Entry("unrelated", "Team offsite agenda", false),
		ginkgo.Entry("empty", "", false),
	)
})
