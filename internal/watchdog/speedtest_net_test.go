package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// fakeServers describes the ping outcome per server ID.
type fakeServers struct {
	latency map[string]time.Duration
	failing map[string]bool
	speed   speedtest.ByteRate

	pinged     []string
	downloaded string
}

func (f *fakeServers) tester(t *testing.T, servers speedtest.Servers) *NetSpeedTester {
	t.Helper()
	st := NewNetSpeedTester(5*time.Second, 3, nil, nil)
	st.fetchUser = func(context.Context) (*speedtest.User, error) {
		return &speedtest.User{IP: "203.0.113.7", Isp: "Example Mobile"}, nil
	}
	st.fetchServers = func(context.Context) (speedtest.Servers, error) {
		return servers, nil
	}
	st.ping = func(_ context.Context, s *speedtest.Server) error {
		f.pinged = append(f.pinged, s.ID)
		if f.failing[s.ID] {
			return errors.New("ping timeout")
		}
		s.Latency = f.latency[s.ID]
		return nil
	}
	st.download = func(_ context.Context, s *speedtest.Server) error {
		f.downloaded = s.ID
		s.DLSpeed = f.speed
		return nil
	}
	return st
}

func nearest(ids ...string) speedtest.Servers {
	out := make(speedtest.Servers, len(ids))
	for i, id := range ids {
		out[i] = &speedtest.Server{ID: id, Name: "server-" + id, Sponsor: "ISP " + id, Distance: float64(i + 1)}
	}
	return out
}

func TestNetSpeedTester_PicksLowestLatency(t *testing.T) {
	f := &fakeServers{
		latency: map[string]time.Duration{"10": 40 * time.Millisecond, "11": 12 * time.Millisecond, "12": 25 * time.Millisecond},
		speed:   6_250_000,
	}
	st := f.tester(t, nearest("10", "11", "12", "13"))

	bps, err := st.Download(context.Background())
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if bps != 50_000_000 {
		t.Errorf("Download() = %v, want 50000000", bps)
	}
	if f.downloaded != "11" {
		t.Errorf("downloaded from %q, want 11", f.downloaded)
	}
	if len(f.pinged) != 3 {
		t.Errorf("pinged %v, want the 3 nearest candidates", f.pinged)
	}
}

func TestNetSpeedTester_SkipsFailedPings(t *testing.T) {
	f := &fakeServers{
		latency: map[string]time.Duration{"10": 5 * time.Millisecond, "11": 30 * time.Millisecond},
		failing: map[string]bool{"10": true},
		speed:   1_000_000,
	}
	st := f.tester(t, nearest("10", "11"))

	if _, err := st.Download(context.Background()); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if f.downloaded != "11" {
		t.Errorf("downloaded from %q, want 11", f.downloaded)
	}
}

func TestNetSpeedTester_ServerIDFilter(t *testing.T) {
	f := &fakeServers{
		latency: map[string]time.Duration{"10": time.Millisecond, "42": 80 * time.Millisecond},
		speed:   1_000_000,
	}
	st := f.tester(t, nearest("10", "42"))
	st.serverIDs = []string{"42"}

	if _, err := st.Download(context.Background()); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if f.downloaded != "42" {
		t.Errorf("downloaded from %q, want 42", f.downloaded)
	}
}

func TestNetSpeedTester_Errors(t *testing.T) {
	tests := []struct {
		name    string
		servers speedtest.Servers
		f       *fakeServers
		wantErr error
	}{
		{"no servers", nil, &fakeServers{}, errNoServer},
		{"all pings fail", nearest("1", "2"), &fakeServers{failing: map[string]bool{"1": true, "2": true}}, errNoServer},
		{"zero speed", nearest("1"), &fakeServers{}, errEmptyDownload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.f.tester(t, tt.servers)
			if _, err := st.Download(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Download() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNetSpeedTester_FetchFailure(t *testing.T) {
	st := (&fakeServers{}).tester(t, nil)
	listErr := errors.New("server list unavailable")
	st.fetchServers = func(context.Context) (speedtest.Servers, error) { return nil, listErr }

	if _, err := st.Download(context.Background()); !errors.Is(err, listErr) {
		t.Errorf("Download() error = %v, want %v", err, listErr)
	}
}

func TestNetSpeedTester_Defaults(t *testing.T) {
	st := NewNetSpeedTester(time.Minute, 0, nil, nil)
	if st.candidates != DefaultSpeedTestCandidates {
		t.Errorf("candidates = %d, want %d", st.candidates, DefaultSpeedTestCandidates)
	}
	if st.logger == nil {
		t.Error("logger is nil")
	}
}
