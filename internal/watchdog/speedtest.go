package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultSpeedTestURL serves a fixed-size payload for download sampling.
const DefaultSpeedTestURL = "https://speed.cloudflare.com/__down?bytes=25000000"

// SpeedTester measures one download-speed sample in bits per second.
type SpeedTester interface {
	Download(ctx context.Context) (float64, error)
}

// Compile-time interface guards.
var (
	_ SpeedTester = (*HTTPSpeedTester)(nil)
	_ SpeedTester = (*NetSpeedTester)(nil)
)

var errEmptyDownload = errors.New("download returned no data")

// HTTPSpeedTester downloads a payload over HTTP and times the transfer. It
// is the alternative to NetSpeedTester for hosts that cannot reach
// speedtest.net.
type HTTPSpeedTester struct {
	url      string
	client   *http.Client
	maxBytes int64
	now      func() time.Time
}

// NewHTTPSpeedTester creates a tester for url. The whole sample, including
// connection setup, is bounded by timeout.
func NewHTTPSpeedTester(url string, timeout time.Duration) *HTTPSpeedTester {
	if url == "" {
		url = DefaultSpeedTestURL
	}
	return &HTTPSpeedTester{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		maxBytes: 100 << 20,
		now:      time.Now,
	}
}

// Download fetches the payload and returns the observed throughput.
func (s *HTTPSpeedTester) Download(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("speed test request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speed test get %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("speed test get %s: status %d", s.url, resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return 0, fmt.Errorf("speed test read: %w", err)
	}
	if n == 0 {
		return 0, errEmptyDownload
	}

	elapsed := s.now().Sub(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(n*8) / elapsed.Seconds(), nil
}
