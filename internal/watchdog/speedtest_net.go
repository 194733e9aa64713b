package watchdog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
	"go.uber.org/zap"
)

// DefaultSpeedTestCandidates is how many of the nearest speedtest.net
// servers are pinged before picking one for the download.
const DefaultSpeedTestCandidates = 5

var errNoServer = errors.New("no speedtest server available")

// NetSpeedTester measures download bandwidth against speedtest.net. Each
// run pings the nearest candidates and downloads from the lowest latency
// server that answered.
type NetSpeedTester struct {
	timeout    time.Duration
	candidates int
	serverIDs  []string
	logger     *zap.Logger

	fetchUser    func(ctx context.Context) (*speedtest.User, error)
	fetchServers func(ctx context.Context) (speedtest.Servers, error)
	ping         func(ctx context.Context, s *speedtest.Server) error
	download     func(ctx context.Context, s *speedtest.Server) error
}

// NewNetSpeedTester returns a tester bounded by timeout. A non-empty
// serverIDs restricts the candidates to those servers; candidates <= 0
// uses DefaultSpeedTestCandidates.
func NewNetSpeedTester(timeout time.Duration, candidates int, serverIDs []string, logger *zap.Logger) *NetSpeedTester {
	if candidates <= 0 {
		candidates = DefaultSpeedTestCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := speedtest.New()
	return &NetSpeedTester{
		timeout:      timeout,
		candidates:   candidates,
		serverIDs:    serverIDs,
		logger:       logger,
		fetchUser:    client.FetchUserInfoContext,
		fetchServers: client.FetchServerListContext,
		ping: func(ctx context.Context, s *speedtest.Server) error {
			return s.PingTestContext(ctx, func(time.Duration) {})
		},
		download: func(ctx context.Context, s *speedtest.Server) error {
			return s.DownloadTestContext(ctx)
		},
	}
}

// Download implements SpeedTester and returns bits per second.
func (t *NetSpeedTester) Download(ctx context.Context) (float64, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	user, err := t.fetchUser(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch speedtest user: %w", err)
	}
	servers, err := t.fetchServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch speedtest servers: %w", err)
	}

	best, err := t.pickServer(ctx, servers)
	if err != nil {
		return 0, err
	}
	if err := t.download(ctx, best); err != nil {
		return 0, fmt.Errorf("download from %s: %w", best.Name, err)
	}

	bps := float64(best.DLSpeed) * 8
	if bps <= 0 {
		return 0, fmt.Errorf("%s: %w", best.Name, errEmptyDownload)
	}
	t.logger.Debug("speedtest finished",
		zap.String("isp", user.Isp),
		zap.String("server_id", best.ID),
		zap.String("server", best.Name),
		zap.String("sponsor", best.Sponsor),
		zap.Float64("distance_km", best.Distance),
		zap.Duration("latency", best.Latency),
	)
	return bps, nil
}

// pickServer pings the candidates in list order and returns the one with
// the lowest latency. Servers that fail the ping are skipped.
func (t *NetSpeedTester) pickServer(ctx context.Context, servers speedtest.Servers) (*speedtest.Server, error) {
	var candidates []*speedtest.Server
	for _, s := range servers {
		if len(t.serverIDs) > 0 && !slices.Contains(t.serverIDs, s.ID) {
			continue
		}
		candidates = append(candidates, s)
		if len(candidates) == t.candidates {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, errNoServer
	}

	var best *speedtest.Server
	var lastErr error
	for _, s := range candidates {
		if err := t.ping(ctx, s); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Debug("speedtest server skipped", zap.String("server", s.Name), zap.Error(err))
			lastErr = err
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %w", errNoServer, lastErr)
	}
	return best, nil
}
