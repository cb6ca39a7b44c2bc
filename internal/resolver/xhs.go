package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// XHS resolves Xiaohongshu share links through an XHS-Downloader style
// detail service.
type XHS struct {
	baseURL string
	pattern *regexp.Regexp
	client  *http.Client
}

func NewXHS(baseURL, pattern string, timeout time.Duration) (*XHS, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad XHS_PATTERN: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &XHS{
		baseURL: strings.TrimRight(baseURL, "/"),
		pattern: re,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (x *XHS) Matches(link string) bool { return x.pattern.MatchString(link) }

type xhsDetailRequest struct {
	URL      string `json:"url"`
	Download bool   `json:"download"`
}

type xhsDetailResponse struct {
	Message string `json:"message"`
	Data    struct {
		DownloadURLs []string `json:"下载地址"`
	} `json:"data"`
}

func (x *XHS) Resolve(ctx context.Context, link string) (string, error) {
	body, err := json.Marshal(xhsDetailRequest{URL: link})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/xhs/detail", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("xhs resolver: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("xhs resolver: %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out xhsDetailResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	for _, u := range out.Data.DownloadURLs {
		if u = strings.TrimSpace(u); u != "" {
			return u, nil
		}
	}
	return "", ErrNotFound
}
