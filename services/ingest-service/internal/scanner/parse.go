package scanner

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Caps applied when persisting message content. Bodies beyond these sizes
// add storage without adding scan signal.
const (
	maxBodyTextRunes   = 5000
	maxBodyHTMLRunes   = 10000
	maxManifestEntries = 10
)

var pdfMagic = []byte("%PDF")

// ParsedMessage is the flattened view of one raw message the scanner
// works with.
type ParsedMessage struct {
	MessageID string
	Subject   string
	Sender    string
	Recipient string
	DateSent  *time.Time

	BodyText string
	BodyHTML string

	Attachments []AttachmentPart
}

// AttachmentPart is one attachment, with content kept in memory for the
// duration of the scan. The JSON shape is what gets persisted in the
// message's attachment manifest.
type AttachmentPart struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	IsPDF       bool   `json:"is_pdf"`
	Content     []byte `json:"-"`
}

// parseRawMessage walks the MIME structure collecting text bodies and
// attachments. A broken part is skipped rather than failing the whole
// message.
func parseRawMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	parsed := &ParsedMessage{}
	if id, err := mr.Header.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	}
	if list, err := mr.Header.AddressList("From"); err == nil && len(list) > 0 {
		parsed.Sender = list[0].Address
	}
	if list, err := mr.Header.AddressList("To"); err == nil && len(list) > 0 {
		parsed.Recipient = list[0].Address
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		parsed.DateSent = &date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				parsed.BodyText = joinBody(parsed.BodyText, string(body))
			case strings.HasPrefix(mediaType, "text/html"):
				parsed.BodyHTML = joinBody(parsed.BodyHTML, string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.TrimSpace(filename) == "" {
				filename = fmt.Sprintf("attachment_%d", len(parsed.Attachments)+1)
			}
			parsed.Attachments = append(parsed.Attachments, AttachmentPart{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				IsPDF:       isPDFName(filename) || strings.EqualFold(contentType, "application/pdf"),
				Content:     body,
			})
		}
	}
	return parsed, nil
}

func joinBody(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

// isPDF checks the file magic; filename and content type alone are not
// trusted for content handed to recognition.
func isPDF(content []byte) bool {
	return bytes.HasPrefix(content, pdfMagic)
}

func isPDFName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func limitAttachments(parts []AttachmentPart, limit int) []AttachmentPart {
	if len(parts) <= limit {
		return parts
	}
	return parts[:limit]
}
