package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/routerwatch/internal/zte"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Kind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

// scriptedProber fails the first failures calls and succeeds afterwards.
// A negative failures value fails forever.
type scriptedProber struct {
	failures int
	calls    atomic.Int32
}

func (p *scriptedProber) Probe(context.Context, string) error {
	n := int(p.calls.Add(1))
	if p.failures < 0 || n <= p.failures {
		return fmt.Errorf("probe %d: connection refused", n)
	}
	return nil
}

type fakeDevice struct {
	authErr    error
	rebootErr  error
	authCalls  atomic.Int32
	rebootCall atomic.Int32
	panicOn    string
}

func (d *fakeDevice) Authenticate(context.Context) error {
	d.authCalls.Add(1)
	if d.panicOn == "auth" {
		panic("device exploded")
	}
	return d.authErr
}

func (d *fakeDevice) Reboot(context.Context) error {
	d.rebootCall.Add(1)
	return d.rebootErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RouterHost = "192.168.0.1"
	cfg.RetryDelay = 0
	cfg.SpeedTestInterval = 0
	return cfg
}

func newTestMonitor(t *testing.T, cfg Config, deps Deps) *Monitor {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = clock.NewMock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func equalKinds(got, want []Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNew_Validation(t *testing.T) {
	notifier := &recordingNotifier{}

	tests := []struct {
		name   string
		mutate func(*Config)
		deps   Deps
	}{
		{"missing router host", func(c *Config) { c.RouterHost = "" }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"missing check host", func(c *Config) { c.CheckHost = "" }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"zero retries", func(c *Config) { c.RetryCount = 0 }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"zero timeout", func(c *Config) { c.ProbeTimeout = 0 }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }, Deps{Notifier: notifier, Device: &fakeDevice{}}},
		{"missing notifier", func(*Config) {}, Deps{Device: &fakeDevice{}}},
		{"missing device", func(*Config) {}, Deps{Notifier: notifier}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, tt.deps)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNew_DryRunWithoutDevice(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	if _, err := New(cfg, Deps{Notifier: &recordingNotifier{}}); err != nil {
		t.Errorf("New() error = %v, want nil", err)
	}
}

func TestCheck_HealthyIsSilent(t *testing.T) {
	notifier := &recordingNotifier{}
	wan := &scriptedProber{}
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    wan,
		RouterProber: &scriptedProber{failures: -1},
	})

	if got := m.Check(context.Background()); got != StateHealthy {
		t.Errorf("Check() = %v, want %v", got, StateHealthy)
	}
	if n := wan.calls.Load(); n != 1 {
		t.Errorf("wan probes = %d, want 1", n)
	}
	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("events = %v, want none", kinds)
	}
	if st := m.LastStatus(); st.State != StateHealthy || st.TickID == "" {
		t.Errorf("LastStatus() = %+v, want healthy with tick id", st)
	}
}

func TestCheck_ExactRetryCount(t *testing.T) {
	for _, retries := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			cfg := testConfig()
			cfg.RetryCount = retries
			notifier := &recordingNotifier{}
			wan := &scriptedProber{failures: -1}
			router := &scriptedProber{failures: -1}
			m := newTestMonitor(t, cfg, Deps{
				Notifier:     notifier,
				Device:       &fakeDevice{},
				WANProber:    wan,
				RouterProber: router,
			})

			m.Check(context.Background())

			if n := int(wan.calls.Load()); n != retries {
				t.Errorf("wan probes = %d, want %d", n, retries)
			}
			if n := router.calls.Load(); n != 1 {
				t.Errorf("router probes = %d, want 1", n)
			}
			wanFails := 0
			for _, k := range notifier.kinds() {
				if k == KindWANFail {
					wanFails++
				}
			}
			if wanFails != 1 {
				t.Errorf("wan_fail events = %d, want 1", wanFails)
			}
		})
	}
}

func TestCheck_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		wanFails   int
		routerDown bool
		want       State
		wantKinds  []Kind
		wantAuth   int32
		wantReboot int32
	}{
		{
			name:       "A reboot succeeds",
			wanFails:   -1,
			want:       StateRebootAttempted,
			wantKinds:  []Kind{KindWANFail, KindRouterReboot},
			wantAuth:   1,
			wantReboot: 1,
		},
		{
			name:       "B router unreachable",
			wanFails:   -1,
			routerDown: true,
			want:       StateRouterUnreachable,
			wantKinds:  []Kind{KindWANFail, KindRouterFail},
		},
		{
			name:      "C recovers on second attempt",
			wanFails:  1,
			want:      StateHealthy,
			wantKinds: []Kind{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			device := &fakeDevice{}
			router := &scriptedProber{}
			if tt.routerDown {
				router.failures = -1
			}
			m := newTestMonitor(t, testConfig(), Deps{
				Notifier:     notifier,
				Device:       device,
				WANProber:    &scriptedProber{failures: tt.wanFails},
				RouterProber: router,
			})

			if got := m.Check(context.Background()); got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
			if got := notifier.kinds(); !equalKinds(got, tt.wantKinds) {
				t.Errorf("events = %v, want %v", got, tt.wantKinds)
			}
			if n := device.authCalls.Load(); n != tt.wantAuth {
				t.Errorf("authenticate calls = %d, want %d", n, tt.wantAuth)
			}
			if n := device.rebootCall.Load(); n != tt.wantReboot {
				t.Errorf("reboot calls = %d, want %d", n, tt.wantReboot)
			}
		})
	}
}

func TestCheck_DryRunSkipsReboot(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	notifier := &recordingNotifier{}
	device := &fakeDevice{}
	m := newTestMonitor(t, cfg, Deps{
		Notifier:     notifier,
		Device:       device,
		WANProber:    &scriptedProber{failures: -1},
		RouterProber: &scriptedProber{},
	})

	for i := 0; i < 3; i++ {
		if got := m.Check(context.Background()); got != StateRebootAttempted {
			t.Errorf("Check() = %v, want %v", got, StateRebootAttempted)
		}
	}
	if n := device.authCalls.Load() + device.rebootCall.Load(); n != 0 {
		t.Errorf("device calls = %d, want 0", n)
	}
	want := []Kind{
		KindWANFail, KindRouterReboot,
		KindWANFail, KindRouterReboot,
		KindWANFail, KindRouterReboot,
	}
	if got := notifier.kinds(); !equalKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestCheck_RepeatedRouterFailuresNotDeduplicated(t *testing.T) {
	const ticks = 4
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    &scriptedProber{failures: -1},
		RouterProber: &scriptedProber{failures: -1},
	})

	for i := 0; i < ticks; i++ {
		m.Check(context.Background())
	}

	routerFails := 0
	for _, k := range notifier.kinds() {
		if k == KindRouterFail {
			routerFails++
		}
	}
	if routerFails != ticks {
		t.Errorf("router_fail events = %d, want %d", routerFails, ticks)
	}
}

func TestCheck_RebootFailureEmitsRouterFail(t *testing.T) {
	tests := []struct {
		name   string
		device *fakeDevice
	}{
		{"auth unreachable", &fakeDevice{authErr: fmt.Errorf("%w: dial tcp", zte.ErrUnreachable)}},
		{"login rejected", &fakeDevice{authErr: zte.ErrLoginRejected}},
		{"reboot refused", &fakeDevice{rebootErr: fmt.Errorf("%w: result failure", zte.ErrProtocol)}},
		{"device panics", &fakeDevice{panicOn: "auth"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			m := newTestMonitor(t, testConfig(), Deps{
				Notifier:     notifier,
				Device:       tt.device,
				WANProber:    &scriptedProber{failures: -1},
				RouterProber: &scriptedProber{},
			})

			if got := m.Check(context.Background()); got != StateRebootFailed {
				t.Errorf("Check() = %v, want %v", got, StateRebootFailed)
			}
			want := []Kind{KindWANFail, KindRouterReboot, KindRouterFail}
			if got := notifier.kinds(); !equalKinds(got, want) {
				t.Errorf("events = %v, want %v", got, want)
			}
		})
	}
}

func TestCheck_AuthFailureSkipsReboot(t *testing.T) {
	device := &fakeDevice{authErr: zte.ErrLoginRejected}
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     &recordingNotifier{},
		Device:       device,
		WANProber:    &scriptedProber{failures: -1},
		RouterProber: &scriptedProber{},
	})

	m.Check(context.Background())
	if n := device.rebootCall.Load(); n != 0 {
		t.Errorf("reboot calls = %d, want 0", n)
	}
}

func TestCheck_ProberPanicIsProbeFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    ProberFunc(func(context.Context, string) error { panic("boom") }),
		RouterProber: &scriptedProber{failures: -1},
	})

	if got := m.Check(context.Background()); got != StateRouterUnreachable {
		t.Errorf("Check() = %v, want %v", got, StateRouterUnreachable)
	}
}

func TestCheck_NotifierPanicDoesNotStopTick(t *testing.T) {
	var calls atomic.Int32
	notifier := NotifierFunc(func(context.Context, Event) {
		calls.Add(1)
		panic("sink down")
	})
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    &scriptedProber{failures: -1},
		RouterProber: &scriptedProber{failures: -1},
	})

	if got := m.Check(context.Background()); got != StateRouterUnreachable {
		t.Errorf("Check() = %v, want %v", got, StateRouterUnreachable)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("notify calls = %d, want 2", n)
	}
}

func TestCheck_CancelledDuringRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := &recordingNotifier{}
	wan := ProberFunc(func(context.Context, string) error {
		cancel()
		return errors.New("unreachable")
	})
	// The mock clock never advances, so only cancellation can end the sleep.
	m := newTestMonitor(t, cfg, Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    wan,
		RouterProber: &scriptedProber{},
		Clock:        clock.NewMock(),
	})

	if got := m.Check(ctx); got != StateCancelled {
		t.Errorf("Check() = %v, want %v", got, StateCancelled)
	}
	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("events = %v, want none", kinds)
	}
	if st := m.LastStatus(); st.State != StateUnknown {
		t.Errorf("LastStatus().State = %v, want %v", st.State, StateUnknown)
	}
}

func TestCheck_EventTimestampsFromClock(t *testing.T) {
	mock := clock.NewMock()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.Set(at)
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     notifier,
		Device:       &fakeDevice{},
		WANProber:    &scriptedProber{failures: -1},
		RouterProber: &scriptedProber{failures: -1},
		Clock:        mock,
	})

	m.Check(context.Background())
	for _, ev := range notifier.events {
		if !ev.Timestamp.Equal(at) {
			t.Errorf("event %v timestamp = %v, want %v", ev.Kind, ev.Timestamp, at)
		}
		if ev.Value != 0 {
			t.Errorf("event %v value = %v, want 0", ev.Kind, ev.Value)
		}
	}
}

type fakeSpeedTester struct {
	bps float64
	err error
}

func (s fakeSpeedTester) Download(context.Context) (float64, error) {
	return s.bps, s.err
}

func TestSpeedTest(t *testing.T) {
	tests := []struct {
		name      string
		tester    fakeSpeedTester
		wantKind  Kind
		wantValue float64
	}{
		{"success", fakeSpeedTester{bps: 52_000_000}, KindDownloadTest, 52_000_000},
		{"failure", fakeSpeedTester{err: errors.New("connection reset")}, KindSpeedtestFail, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			m := newTestMonitor(t, testConfig(), Deps{
				Notifier:    notifier,
				Device:      &fakeDevice{},
				SpeedTester: tt.tester,
			})

			m.SpeedTest(context.Background())

			if len(notifier.events) != 1 {
				t.Fatalf("events = %v, want exactly one", notifier.kinds())
			}
			ev := notifier.events[0]
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", ev.Value, tt.wantValue)
			}
		})
	}
}

func TestSpeedTest_Disabled(t *testing.T) {
	notifier := &recordingNotifier{}
	m := newTestMonitor(t, testConfig(), Deps{Notifier: notifier, Device: &fakeDevice{}})

	m.SpeedTest(context.Background())
	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("events = %v, want none", kinds)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	probed := make(chan struct{}, 1)
	wan := ProberFunc(func(context.Context, string) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	})
	m := newTestMonitor(t, testConfig(), Deps{
		Notifier:     &recordingNotifier{},
		Device:       &fakeDevice{},
		WANProber:    wan,
		RouterProber: &scriptedProber{},
	})

	if m.Running() {
		t.Error("Running() = true before Start")
	}
	m.Start(context.Background())
	if !m.Running() {
		t.Error("Running() = false after Start")
	}

	select {
	case <-probed:
	case <-time.After(5 * time.Second):
		t.Fatal("no check ran after Start")
	}

	m.Stop()
	if m.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	m := newTestMonitor(t, testConfig(), Deps{Notifier: &recordingNotifier{}, Device: &fakeDevice{}})
	m.Stop()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("authenticate: %w", zte.ErrUnreachable), "unreachable"},
		{context.DeadlineExceeded, "unreachable"},
		{zte.ErrLoginRejected, "protocol"},
		{zte.ErrNotAuthenticated, "not_authenticated"},
		{fmt.Errorf("%w: boom", errPanic), "panic"},
		{errors.New("other"), "unknown"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateRebootFailed.String(); got != "reboot_failed" {
		t.Errorf("String() = %q, want reboot_failed", got)
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}
