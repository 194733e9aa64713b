// Package watchdog decides, on a fixed cadence, whether the uplink is
// healthy and power-cycles the router when it is not.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/routerwatch/internal/humanize"
	"github.com/HerbHall/routerwatch/internal/zte"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the outcome of one check. States are recomputed every tick and
// never persisted.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateWanProbeFailed
	StateRouterUnreachable
	StateRebootAttempted
	StateRebootFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateWanProbeFailed:
		return "wan_probe_failed"
	case StateRouterUnreachable:
		return "router_unreachable"
	case StateRebootAttempted:
		return "reboot_attempted"
	case StateRebootFailed:
		return "reboot_failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Device is the remediation surface of the router.
type Device interface {
	Authenticate(ctx context.Context) error
	Reboot(ctx context.Context) error
}

// Status describes the most recent completed check.
type Status struct {
	State     State     `json:"state"`
	CheckedAt time.Time `json:"checked_at"`
	TickID    string    `json:"tick_id,omitempty"`
}

// Deps are the collaborators of a Monitor. Notifier is required, Device is
// required unless the policy is a dry run; the rest have defaults.
type Deps struct {
	Notifier     Notifier
	Device       Device
	WANProber    Prober      // default: HTTP HEAD with the probe timeout
	RouterProber Prober      // default: HTTP HEAD with the probe timeout
	SpeedTester  SpeedTester // nil disables the bandwidth probe
	Clock        clock.Clock
	Logger       *zap.Logger
}

// errPanic marks a collaborator panic converted into an error.
var errPanic = errors.New("recovered panic")

// Monitor runs the check loop. Check and SpeedTest are serialised, so a
// reboot is never triggered from overlapping evaluations.
type Monitor struct {
	cfg      Config
	notifier Notifier
	device   Device
	wan      Prober
	router   Prober
	speed    SpeedTester
	clock    clock.Clock
	logger   *zap.Logger

	runMu sync.Mutex

	statusMu sync.RWMutex
	status   Status

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// New validates cfg and wires the monitor.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrInvalidConfig)
	}
	if deps.Device == nil && !cfg.DryRun {
		return nil, fmt.Errorf("%w: device is required unless dry run is enabled", ErrInvalidConfig)
	}

	m := &Monitor{
		cfg:      cfg,
		notifier: deps.Notifier,
		device:   deps.Device,
		wan:      deps.WANProber,
		router:   deps.RouterProber,
		speed:    deps.SpeedTester,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
	if m.wan == nil {
		m.wan = NewHTTPProber(cfg.ProbeTimeout)
	}
	if m.router == nil {
		m.router = NewHTTPProber(cfg.ProbeTimeout)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m, nil
}

// Start runs a check immediately and then on every check interval, plus a
// speed test on its own interval, all from one goroutine. Calling Start on
// a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("watchdog already running, start ignored")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("watchdog started",
		zap.String("check_host", m.cfg.CheckHost),
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("retries", m.cfg.RetryCount),
		zap.Duration("retry_interval", m.cfg.RetryDelay),
		zap.Duration("timeout", m.cfg.ProbeTimeout),
		zap.String("router_host", m.cfg.RouterHost),
		zap.Bool("dry_run", m.cfg.DryRun),
	)
	if m.speedTestEnabled() {
		m.logger.Info("speed test scheduled", zap.Duration("interval", m.cfg.SpeedTestInterval))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Store(false)
		m.loop(ctx)
	}()
}

// Stop cancels the loop and waits for the current check to finish.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel := m.cancel
	m.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// LastStatus returns the result of the most recent check.
func (m *Monitor) LastStatus() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Monitor) speedTestEnabled() bool {
	return m.speed != nil && m.cfg.SpeedTestInterval > 0
}

func (m *Monitor) loop(ctx context.Context) {
	checkTicker := m.clock.Ticker(m.cfg.CheckInterval)
	defer checkTicker.Stop()

	var speedC <-chan time.Time
	if m.speedTestEnabled() {
		speedTicker := m.clock.Ticker(m.cfg.SpeedTestInterval)
		defer speedTicker.Stop()
		speedC = speedTicker.C
	}

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			m.Check(ctx)
		case <-speedC:
			m.SpeedTest(ctx)
		}
	}
}

// Check runs one evaluation: WAN probe with retries, then router probe,
// then remediation. Failures never escape; they become events.
func (m *Monitor) Check(ctx context.Context) State {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	tickID := uuid.NewString()
	log := m.logger.With(zap.String("tick_id", tickID))

	state := m.check(ctx, log)

	checksTotal.WithLabelValues(state.String()).Inc()
	if state != StateCancelled {
		m.statusMu.Lock()
		m.status = Status{State: state, CheckedAt: m.clock.Now().UTC(), TickID: tickID}
		m.statusMu.Unlock()
	}
	log.Debug("check finished", zap.Stringer("state", state))
	return state
}

func (m *Monitor) check(ctx context.Context, log *zap.Logger) State {
	log.Debug("checking WAN", zap.String("host", m.cfg.CheckHost))
	available, err := m.waitForHost(ctx, log, "wan", m.wan, m.cfg.CheckHost, m.cfg.RetryCount)
	if err != nil {
		log.Info("check interrupted", zap.Error(err))
		return StateCancelled
	}
	if available {
		log.Debug("WAN available")
		return StateHealthy
	}

	m.emit(ctx, log, KindWANFail, 0)

	log.Debug("checking router", zap.String("host", m.cfg.RouterHost))
	available, err = m.waitForHost(ctx, log, "router", m.router, m.cfg.RouterHost, 1)
	if err != nil {
		log.Info("check interrupted", zap.Error(err))
		return StateCancelled
	}
	if !available {
		m.emit(ctx, log, KindRouterFail, 0)
		log.Warn("router unavailable", zap.String("host", m.cfg.RouterHost))
		return StateRouterUnreachable
	}

	// Recorded before acting so the log keeps the attempt even if it fails.
	m.emit(ctx, log, KindRouterReboot, 0)
	log.Warn("trying router reboot", zap.String("host", m.cfg.RouterHost))
	if m.cfg.DryRun {
		log.Warn("dry run, reboot skipped")
		return StateRebootAttempted
	}

	if err := m.remediate(ctx); err != nil {
		reason := classify(err)
		rebootFailuresTotal.WithLabelValues(reason).Inc()
		m.emit(ctx, log, KindRouterFail, 0)
		log.Error("router reboot failed", zap.String("reason", reason), zap.Error(err))
		return StateRebootFailed
	}
	log.Warn("router reboot requested")
	return StateRebootAttempted
}

// waitForHost probes host up to attempts times with a fixed delay between
// attempts. The error is non-nil only when ctx ends.
func (m *Monitor) waitForHost(ctx context.Context, log *zap.Logger, target string, p Prober, host string, attempts int) (bool, error) {
	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.probe(ctx, target, p, host)
		if err == nil {
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		remaining := attempts - attempt
		if remaining == 0 {
			log.Warn("host unavailable", zap.String("host", host), zap.Error(err))
			break
		}
		log.Warn("connection failed, will retry",
			zap.String("host", host),
			zap.Int("remaining", remaining),
			zap.Error(err),
		)
		if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (m *Monitor) probe(ctx context.Context, target string, p Prober, host string) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := safeCall(func() error { return p.Probe(pctx, host) })
	probeDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "failure"
	}
	probeAttemptsTotal.WithLabelValues(target, result).Inc()
	return err
}

func (m *Monitor) remediate(ctx context.Context) error {
	if err := safeCall(func() error { return m.device.Authenticate(ctx) }); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := safeCall(func() error { return m.device.Reboot(ctx) }); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// SpeedTest takes one download sample and emits download_test with the
// measured bits per second, or speedtest_fail when sampling fails.
func (m *Monitor) SpeedTest(ctx context.Context) {
	if m.speed == nil {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	log := m.logger.With(zap.String("tick_id", uuid.NewString()))
	log.Debug("running download speed test")

	var bps float64
	err := safeCall(func() error {
		var err error
		bps, err = m.speed.Download(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Info("speed test interrupted", zap.Error(err))
			return
		}
		log.Error("speed test failed", zap.Error(err))
		m.emit(ctx, log, KindSpeedtestFail, 0)
		return
	}

	downloadSpeed.Set(bps)
	log.Debug("download speed measured",
		zap.Float64("bits_per_second", bps),
		zap.String("speed", humanize.Speed(bps)),
	)
	m.emit(ctx, log, KindDownloadTest, bps)
}

func (m *Monitor) emit(ctx context.Context, log *zap.Logger, kind Kind, value float64) {
	ev := Event{Kind: kind, Timestamp: m.clock.Now().UTC(), Value: value}
	eventsTotal.WithLabelValues(kind.String()).Inc()

	// Delivery must not be cut short by the shutdown that interrupted the tick.
	nctx := context.WithoutCancel(ctx)
	if err := safeCall(func() error { m.notifier.Notify(nctx, ev); return nil }); err != nil {
		log.Error("event notification failed", zap.Stringer("kind", kind), zap.Error(err))
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classify maps a remediation error onto the failure taxonomy.
func classify(err error) string {
	switch {
	case errors.Is(err, zte.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return "unreachable"
	case errors.Is(err, zte.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, zte.ErrProtocol):
		return "protocol"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "unknown"
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn()
}
