package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// errNotADocument marks a link that resolved to something other than a
// PDF. It is a skip, not a failure.
var errNotADocument = errors.New("link target is not a document")

const (
	maxDownloadBytes  = 50 << 20
	downloadUserAgent = "Mozilla/5.0 (compatible; finvoice-scanner)"
)

// Direct .pdf URLs, then generic download/attachment/file URLs whose
// content type has to be checked after the fetch.
var (
	pdfLinkPattern      = regexp.MustCompile(`(?i)https?://[^\s<>"{}|\\^` + "`" + `\[\]]+\.pdf(?:\?[^\s<>"{}|\\^` + "`" + `\[\]]*)?`)
	downloadLinkPattern = regexp.MustCompile(`(?i)https?://[^\s<>"{}|\\^` + "`" + `\[\]]*(?:download|attachment|file)[^\s<>"{}|\\^` + "`" + `\[\]]*`)
)

// extractDocumentLinks pulls candidate document URLs out of a message
// body, in order of appearance, deduplicated.
func extractDocumentLinks(body string) []string {
	if body == "" {
		return nil
	}
	seen := make(map[string]bool)
	var links []string
	for _, match := range append(pdfLinkPattern.FindAllString(body, -1), downloadLinkPattern.FindAllString(body, -1)...) {
		if !seen[match] {
			seen[match] = true
			links = append(links, match)
		}
	}
	return links
}

// downloadCandidate fetches a link and returns a filename and the content,
// or errNotADocument when the target is clearly not a PDF. The body magic
// is checked regardless of what the headers claim.
func (s *Scanner) downloadCandidate(ctx context.Context, link string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "pdf") &&
		!strings.Contains(contentType, "octet-stream") &&
		!strings.HasSuffix(strings.ToLower(req.URL.Path), ".pdf") {
		return "", nil, errNotADocument
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	if !isPDF(content) {
		return "", nil, errNotADocument
	}
	return s.downloadFilename(resp), content, nil
}

// downloadFilename resolves a name for a fetched document: the
// Content-Disposition filename, then the URL path's base name, then a
// timestamped default.
func (s *Scanner) downloadFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return name
			}
		}
	}
	if resp.Request != nil {
		if base := path.Base(resp.Request.URL.Path); base != "" && base != "/" && base != "." {
			if isPDFName(base) {
				return base
			}
		}
	}
	return fmt.Sprintf("download_%s.pdf", s.now().Format("20060102_150405"))
}
