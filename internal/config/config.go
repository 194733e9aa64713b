// Package config loads routerwatch settings from defaults, an optional YAML
// file and RW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/HerbHall/routerwatch/internal/mqtt"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"github.com/HerbHall/routerwatch/internal/webhook"
	"github.com/HerbHall/routerwatch/internal/zte"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Probe methods accepted by check.method and router.probe.
const (
	ProbeHTTP = "http"
	ProbeICMP = "icmp"
)

// Speed test backends accepted by speedtest.method.
const (
	SpeedTestNet  = "speedtest"
	SpeedTestHTTP = "http"
)

// Config is the decoded configuration tree.
type Config struct {
	Check     CheckConfig     `mapstructure:"check"`
	SpeedTest SpeedTestConfig `mapstructure:"speedtest"`
	DryRun    bool            `mapstructure:"dry_run"`
	Router    RouterConfig    `mapstructure:"router"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Webhook   webhook.Config  `mapstructure:"webhook"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
}

// CheckConfig controls the internet connectivity probe.
type CheckConfig struct {
	Host          string        `mapstructure:"host"`
	Method        string        `mapstructure:"method"`
	Interval      time.Duration `mapstructure:"interval"`
	Retry         int           `mapstructure:"retry"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SpeedTestConfig controls download sampling. Interval 0 disables it.
// Method "speedtest" uses speedtest.net servers; "http" times a download
// of URL.
type SpeedTestConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Method     string        `mapstructure:"method"`
	Servers    []string      `mapstructure:"servers"`
	Candidates int           `mapstructure:"candidates"`
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RouterConfig identifies the router and its admin credentials.
type RouterConfig struct {
	Host     string        `mapstructure:"host"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	Model    string        `mapstructure:"model"`
	Probe    string        `mapstructure:"probe"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the HTTP API settings. RateLimit is in requests per
// second per client address; 0 disables limiting.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Addr returns the listen address as host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TrustedPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (c ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies entry %q is not an address or CIDR", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Load reads configuration from file and environment variables.
// An empty configPath searches the default locations; a missing file is
// not an error.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("routerwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/routerwatch")
	}

	// Environment variable support: RW_ROUTER_PASSWORD=secret
	v.SetEnvPrefix("RW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	wd := watchdog.DefaultConfig()
	v.SetDefault("check.host", wd.CheckHost)
	v.SetDefault("check.method", ProbeHTTP)
	v.SetDefault("check.interval", wd.CheckInterval)
	v.SetDefault("check.retry", wd.RetryCount)
	v.SetDefault("check.retry_interval", wd.RetryDelay)
	v.SetDefault("check.timeout", wd.ProbeTimeout)

	v.SetDefault("speedtest.interval", wd.SpeedTestInterval)
	v.SetDefault("speedtest.method", SpeedTestNet)
	v.SetDefault("speedtest.servers", []string{})
	v.SetDefault("speedtest.candidates", watchdog.DefaultSpeedTestCandidates)
	v.SetDefault("speedtest.url", watchdog.DefaultSpeedTestURL)
	v.SetDefault("speedtest.timeout", "60s")

	v.SetDefault("dry_run", false)

	v.SetDefault("router.host", "")
	v.SetDefault("router.user", "")
	v.SetDefault("router.password", "")
	v.SetDefault("router.model", zte.DefaultModel.String())
	v.SetDefault("router.probe", ProbeHTTP)
	v.SetDefault("router.timeout", "10s")

	v.SetDefault("database.path", "routerwatch.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retries", 3)

	mq := mqtt.DefaultConfig()
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", mq.ClientID)
	v.SetDefault("mqtt.topic_prefix", mq.TopicPrefix)
	v.SetDefault("mqtt.qos", int(mq.QoS))
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.timeout", mq.Timeout)
	v.SetDefault("mqtt.ha_discovery", false)
	v.SetDefault("mqtt.ha_discovery_prefix", mq.HADiscoveryPrefix)
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Check.Host == "" {
		add("check.host must be set")
	}
	if !validProbe(c.Check.Method) {
		add("check.method %q must be %q or %q", c.Check.Method, ProbeHTTP, ProbeICMP)
	}
	if c.Check.Interval <= 0 {
		add("check.interval must be positive, got %s", c.Check.Interval)
	}
	if c.Check.Retry < 1 {
		add("check.retry must be at least 1, got %d", c.Check.Retry)
	}
	if c.Check.RetryInterval < 0 {
		add("check.retry_interval must not be negative, got %s", c.Check.RetryInterval)
	}
	if c.Check.Timeout <= 0 {
		add("check.timeout must be positive, got %s", c.Check.Timeout)
	}

	if c.SpeedTest.Interval < 0 {
		add("speedtest.interval must not be negative, got %s", c.SpeedTest.Interval)
	}
	if c.SpeedTest.Method != SpeedTestNet && c.SpeedTest.Method != SpeedTestHTTP {
		add("speedtest.method %q must be %q or %q", c.SpeedTest.Method, SpeedTestNet, SpeedTestHTTP)
	}
	if c.SpeedTest.Interval > 0 && c.SpeedTest.Method == SpeedTestHTTP && c.SpeedTest.URL == "" {
		add("speedtest.url must be set when speedtest.method is %q", SpeedTestHTTP)
	}
	if c.SpeedTest.Candidates < 1 {
		add("speedtest.candidates must be at least 1, got %d", c.SpeedTest.Candidates)
	}

	if c.Router.Host == "" {
		add("router.host must be set")
	}
	if c.Router.Password == "" && !c.DryRun {
		add("router.password must be set unless dry_run is enabled")
	}
	if _, err := zte.ParseModel(c.Router.Model); err != nil {
		add("router.model: %v", err)
	}
	if !validProbe(c.Router.Probe) {
		add("router.probe %q must be %q or %q", c.Router.Probe, ProbeHTTP, ProbeICMP)
	}

	if c.Database.Path == "" {
		add("database.path must be set")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative, got %g", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst must be at least 1 when server.rate_limit is set, got %d", c.Server.RateBurst)
	}
	if _, err := c.Server.TrustedPrefixes(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Webhook.Retries < 0 {
		add("webhook.retries must not be negative, got %d", c.Webhook.Retries)
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

func validProbe(method string) bool {
	return method == ProbeHTTP || method == ProbeICMP
}

// Watchdog returns the monitor policy.
func (c *Config) Watchdog() watchdog.Config {
	return watchdog.Config{
		CheckHost:         c.Check.Host,
		CheckInterval:     c.Check.Interval,
		ProbeTimeout:      c.Check.Timeout,
		RetryCount:        c.Check.Retry,
		RetryDelay:        c.Check.RetryInterval,
		SpeedTestInterval: c.SpeedTest.Interval,
		DryRun:            c.DryRun,
		RouterHost:        c.Router.Host,
	}
}

// SpeedTester builds the configured bandwidth sampler, or nil when speed
// tests are disabled.
func (c *Config) SpeedTester(logger *zap.Logger) watchdog.SpeedTester {
	st := c.SpeedTest
	if st.Interval <= 0 {
		return nil
	}
	if st.Method == SpeedTestHTTP {
		return watchdog.NewHTTPSpeedTester(st.URL, st.Timeout)
	}
	return watchdog.NewNetSpeedTester(st.Timeout, st.Candidates, st.Servers, logger)
}

// ZTE returns the router client settings.
func (c *Config) ZTE() (zte.Config, error) {
	model, err := zte.ParseModel(c.Router.Model)
	if err != nil {
		return zte.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return zte.Config{
		Host:     c.Router.Host,
		User:     c.Router.User,
		Password: c.Router.Password,
		Model:    model,
		Timeout:  c.Router.Timeout,
	}, nil
}

// WebhookEnabled reports whether an endpoint is configured.
func (c *Config) WebhookEnabled() bool { return c.Webhook.URL != "" }

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool { return c.MQTT.BrokerURL != "" }

// LogFields describes the effective configuration with secrets masked.
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("router_host", c.Router.Host),
		zap.String("router_model", c.Router.Model),
		zap.String("router_user", c.Router.User),
		zap.String("router_password", mask(c.Router.Password)),
		zap.String("check_host", c.Check.Host),
		zap.String("check_method", c.Check.Method),
		zap.Bool("dry_run", c.DryRun),
		zap.String("speedtest_method", c.SpeedTest.Method),
		zap.String("database", c.Database.Path),
		zap.Bool("server", c.Server.Enabled),
		zap.Bool("webhook", c.WebhookEnabled()),
		zap.String("webhook_secret", mask(c.Webhook.Secret)),
		zap.Bool("mqtt", c.MQTTEnabled()),
		zap.String("mqtt_password", mask(c.MQTT.Password)),
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
