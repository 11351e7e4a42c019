package scanner

import (
	"strings"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var _ = ginkgo.Describe("parseRawMessage", func() {
	ginkgo.It("flattens a multipart message with text, html and attachments", func() {
		raw := crlf(`From: billing@example.com
To: ap@example.com
Subject: Invoice 0042
Message-Id: <m42@example.com>
Date: Mon, 03 Mar 2025 10:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="MARK"

--MARK
Content-Type: text/plain; charset=utf-8

Invoice attached, login to download more.
--MARK
Content-Type: text/html; charset=utf-8

<p>Invoice attached</p>
--MARK
Content-Type: application/pdf
Content-Disposition: attachment; filename="invoice_0042.pdf"

%PDF-1.4 pretend content
--MARK--
`)
		parsed, err := parseRawMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.MessageID).To(Equal("m42@example.com"))
		Expect(parsed.Subject).To(Equal("Invoice 0042"))
		Expect(parsed.Sender).To(Equal("billing@example.com"))
		Expect(parsed.Recipient).To(Equal("ap@example.com"))
		Expect(parsed.DateSent).NotTo(BeNil())
		Expect(parsed.BodyText).To(ContainSubstring("Invoice attached"))
		Expect(parsed.BodyHTML).To(ContainSubstring("<p>Invoice attached</p>"))

		Expect(parsed.Attachments).To(HaveLen(1))
		att := parsed.Attachments[0]
		Expect(att.Filename).To(Equal("invoice_0042.pdf"))
		Expect(att.ContentType).To(Equal("application/pdf"))
		Expect(att.IsPDF).To(BeTrue())
		Expect(att.Content).To(Equal([]byte("%PDF-1.4 pretend content")))
		Expect(att.Size).To(Equal(int64(24)))
	})

	ginkgo.It("names unnamed attachments by position", func() {
		raw := crlf(`From: a@example.com
To: b@example.com
Subject: x
Content-Type: multipart/mixed; boundary="MARK"

--MARK
Content-Type: application/pdf
Content-Disposition: attachment

%PDF-1.4 body
--MARK--
`)
		parsed, err := parseRawMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.Attachments).To(HaveLen(1))
		Expect(parsed.Attachments[0].Filename).To(Equal("attachment_1"))
		Expect(parsed.Attachments[0].IsPDF).To(BeTrue())
	})

	ginkgo.It("flags PDF attachments by filename when the content type lies", func() {
		raw := crlf(`From: a@example.com
To: b@example.com
Subject: x
Content-Type: multipart/mixed; boundary="MARK"

--MARK
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="scan.PDF"

%PDF-1.4 body
--MARK--
`)
		parsed, err := parseRawMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.Attachments[0].IsPDF).To(BeTrue())
	})

	ginkgo.It("handles a plain single-part message", func() {
		raw := crlf(`From: a@example.com
To: b@example.com
Subject: just text
Content-Type: text/plain; charset=utf-8

nothing attached here
`)
		parsed, err := parseRawMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.BodyText).To(ContainSubstring("nothing attached here"))
		Expect(parsed.Attachments).To(BeEmpty())
	})

	ginkgo.It("rejects bytes that are not a message", func() {
		_, err := parseRawMessage([]byte("\x00\x01\x02"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = ginkgo.Describe("extractDocumentLinks", func() {
	ginkgo.It("finds direct pdf links", func() {
		body := "Get it at https://billing.example.com/docs/invoice_0042.pdf today"
		Expect(extractDocumentLinks(body)).To(Equal([]string{"https://billing.example.com/docs/invoice_0042.pdf"}))
	})

	ginkgo.It("keeps query strings on pdf links", func() {
		body := "https://example.com/f.pdf?token=abc123 and more text"
		Expect(extractDocumentLinks(body)).To(Equal([]string{"https://example.com/f.pdf?token=abc123"}))
	})

	ginkgo.It("finds generic download links", func() {
		body := "Use https://example.com/attachment/9f2c to fetch your file"
		Expect(extractDocumentLinks(body)).To(ContainElement("https://example.com/attachment/9f2c"))
	})

	ginkgo.It("deduplicates while preserving order", func() {
		body := "https://a.example.com/x.pdf then https://b.example.com/y.pdf then https://a.example.com/x.pdf"
		Expect(extractDocumentLinks(body)).To(Equal([]string{
			"https://a.example.com/x.pdf",
			"https://b.example.com/y.pdf",
		}))
	})

	ginkgo.It("ignores plain links and empty bodies", func() {
		Expect(extractDocumentLinks("see https://example.com/about for details")).To(BeEmpty())
		Expect(extractDocumentLinks("")).To(BeEmpty())
	})
})

var _ = ginkgo.Describe("content helpers", func() {
	ginkgo.It("checks the pdf magic", func() {
		Expect(isPDF([]byte("%PDF-1.7 x"))).To(BeTrue())
		Expect(isPDF([]byte("<html>"))).To(BeFalse())
		Expect(isPDF(nil)).To(BeFalse())
	})

	ginkgo.It("truncates by runes, not bytes", func() {
		s := strings.Repeat("发", 10)
		Expect(truncateRunes(s, 3)).To(Equal("发发发"))
		Expect(truncateRunes("short", 100)).To(Equal("short"))
		Expect(truncateRunes("untouched", 0)).To(Equal("untouched"))
	})

	ginkgo.It("caps the attachment manifest", func() {
		parts := make([]AttachmentPart, 15)
		Expect(limitAttachments(parts, 10)).To(HaveLen(10))
		Expect(limitAttachments(parts[:3], 10)).To(HaveLen(3))
	})
})
