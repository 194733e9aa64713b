package watchdog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Prober performs one reachability attempt against a host.
type Prober interface {
	Probe(ctx context.Context, host string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, host string) error

// Probe calls f(ctx, host).
func (f ProberFunc) Probe(ctx context.Context, host string) error {
	return f(ctx, host)
}

// Compile-time interface guards.
var (
	_ Prober = (*HTTPProber)(nil)
	_ Prober = (*ICMPProber)(nil)
)

// HTTPProber sends a HEAD request and treats any HTTP response, whatever
// its status, as proof of reachability. Redirects are not followed.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober with the given per-request timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: reachability only, the certificate is irrelevant
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe issues HEAD http://host (or the host verbatim if it has a scheme).
func (p *HTTPProber) Probe(ctx context.Context, host string) error {
	target := host
	if !strings.Contains(host, "://") {
		target = "http://" + host
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("invalid probe target %q: %w", host, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http head %s: %w", target, err)
	}
	resp.Body.Close()
	return nil
}

// errNoReply is returned when every echo request went unanswered.
var errNoReply = errors.New("no echo reply")

// ICMPProber pings the host and succeeds if any echo reply arrives.
type ICMPProber struct {
	timeout    time.Duration
	count      int
	privileged bool
	logger     *zap.Logger
}

// NewICMPProber creates an ICMP prober. Raw sockets (privileged) are always
// used on Windows.
func NewICMPProber(timeout time.Duration, count int, privileged bool, logger *zap.Logger) *ICMPProber {
	if count < 1 {
		count = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ICMPProber{
		timeout:    timeout,
		count:      count,
		privileged: privileged || runtime.GOOS == "windows",
		logger:     logger,
	}
}

// Probe pings host up to count times within the timeout.
func (p *ICMPProber) Probe(ctx context.Context, host string) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return fmt.Errorf("ping %s: %w", host, runErr)
		}
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return ctx.Err()
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return fmt.Errorf("ping %s: %w (%d sent)", host, errNoReply, stats.PacketsSent)
	}
	p.logger.Debug("ping reply",
		zap.String("host", host),
		zap.Duration("avg_rtt", stats.AvgRtt),
		zap.Float64("packet_loss", stats.PacketLoss),
	)
	return nil
}
