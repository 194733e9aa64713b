// Package webhook delivers watchdog events to an HTTP endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HerbHall/routerwatch/internal/version"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ watchdog.Notifier = (*Sender)(nil)

// ErrNoURL is returned by New when no endpoint is configured.
var ErrNoURL = errors.New("webhook url is required")

// Config describes the endpoint. Secret enables the X-Signature header.
type Config struct {
	URL     string            `mapstructure:"url"`
	Secret  string            `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	Timeout time.Duration     `mapstructure:"timeout"`
	Retries int               `mapstructure:"retries"`
	Headers map[string]string `mapstructure:"headers"`
}

// Payload is the JSON body POSTed for every event.
type Payload struct {
	DeliveryID string    `json:"delivery_id"`
	EventType  string    `json:"event_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sender posts events with retry and exponential backoff.
type Sender struct {
	cfg    Config
	client *retryablehttp.Client
	logger *zap.Logger
}

// New creates a Sender. Timeout bounds each attempt; Retries counts
// attempts after the first.
func New(cfg Config, logger *zap.Logger) (*Sender, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = leveledLogger{logger.Sugar()}

	return &Sender{cfg: cfg, client: client, logger: logger}, nil
}

// Notify implements watchdog.Notifier. Delivery failures are logged.
func (s *Sender) Notify(ctx context.Context, ev watchdog.Event) {
	if err := s.Send(ctx, ev); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.Stringer("kind", ev.Kind),
			zap.String("url", s.cfg.URL),
			zap.Error(err),
		)
	}
}

// Send delivers one event and returns once the endpoint acknowledged it
// with a 2xx or every attempt failed.
func (s *Sender) Send(ctx context.Context, ev watchdog.Event) error {
	payload := Payload{
		DeliveryID: uuid.NewString(),
		EventType:  ev.Kind.String(),
		Value:      ev.Value,
		Timestamp:  ev.Timestamp.UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, body)
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "routerwatch-webhook/"+version.Short())
	req.Header.Set("X-Delivery-ID", payload.DeliveryID)
	if s.cfg.Secret != "" {
		req.Header.Set("X-Signature", Sign(s.cfg.Secret, body))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST %s: %w", s.cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST %s: status %d", s.cfg.URL, resp.StatusCode)
	}
	s.logger.Debug("webhook delivered",
		zap.Stringer("kind", ev.Kind),
		zap.String("delivery_id", payload.DeliveryID),
	)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// leveledLogger routes retryablehttp's logging into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
