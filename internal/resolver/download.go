package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Downloader fetches a direct media URL into memory.
type Downloader struct {
	client   *http.Client
	referer  string
	maxBytes int64
}

func NewDownloader(referer string, maxBytes int64, timeout time.Duration) *Downloader {
	if maxBytes <= 0 {
		maxBytes = 200 << 20
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Downloader{
		client:   &http.Client{Timeout: timeout},
		referer:  referer,
		maxBytes: maxBytes,
	}
}

// Download returns the body and its sniffed content type. Payloads that look
// like HTML are rejected with ErrNotVideo.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	if d.referer != "" {
		req.Header.Set("Referer", d.referer)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, "", fmt.Errorf("download: file larger than %d MB", d.maxBytes>>20)
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("download: empty body")
	}

	ct := Sniff(body, resp.Header.Get("Content-Type"))
	if ct == "text/html" {
		return nil, "", ErrNotVideo
	}
	return body, ct, nil
}

// Sniff guesses the media type of body. The declared header only counts
// when the bytes themselves are inconclusive.
func Sniff(body []byte, declared string) string {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(bytes.TrimSpace(head))
	if bytes.HasPrefix(lower, []byte("<!doctype")) || bytes.HasPrefix(lower, []byte("<html")) {
		return "text/html"
	}

	ct := http.DetectContentType(head)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch {
	case strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return ct
	case ct == "text/html":
		return ct
	}
	if len(head) >= 12 && string(head[4:8]) == "ftyp" {
		return "video/mp4"
	}
	if d := strings.ToLower(strings.TrimSpace(declared)); d != "" {
		if i := strings.IndexByte(d, ';'); i >= 0 {
			d = strings.TrimSpace(d[:i])
		}
		if d == "text/html" {
			return d
		}
		if strings.HasPrefix(d, "video/") {
			return d
		}
	}
	return "application/octet-stream"
}
