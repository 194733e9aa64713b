// Package zte implements the web management protocol of ZTE MC801/MC888
// routers: salted challenge-response login and the digest-signed reboot
// command.
package zte

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	getPath = "goform/goform_get_cmd_process"
	setPath = "goform/goform_set_cmd_process"

	loginOK   = "0"
	rebootOK  = "success"
	maxBodyKB = 64
)

// Config holds the router connection settings.
type Config struct {
	Host     string
	User     string
	Password string //nolint:gosec // G101: config field name, not a credential
	Model    Model
	Timeout  time.Duration
}

// Client talks to one router. Authenticate and Reboot are serialised by an
// internal mutex; the session secret is only valid between a successful
// Authenticate and the next Reboot.
type Client struct {
	baseURL  string
	referer  string
	user     string
	password string
	model    Model
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	versionDigest string

	lastBuster atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithNow overrides the time source used for cache busting.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New validates cfg and returns a client. Missing host or password is an
// ErrConfig; an MC888 without a user gets DefaultUser.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	host := strings.TrimSuffix(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, fmt.Errorf("%w: router host must be set", ErrConfig)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: router password must be set", ErrConfig)
	}

	model := cfg.Model
	if model == 0 {
		model = DefaultModel
	}
	if _, err := model.spec(); err != nil {
		return nil, fmt.Errorf("%w: unsupported router model %d", ErrConfig, int(model))
	}

	user := cfg.User
	if user == "" && model.RequiresUser() {
		user = DefaultUser
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// The firmware tracks the login in a cookie on some builds.
	jar, _ := cookiejar.New(nil)

	if logger == nil {
		logger = zap.NewNop()
	}

	base := "http://" + host + "/"
	c := &Client{
		baseURL:  base,
		referer:  base,
		user:     user,
		password: cfg.Password,
		model:    model,
		http:     &http.Client{Timeout: timeout, Jar: jar},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug("router client configured",
		zap.String("host", host),
		zap.Stringer("model", model),
		zap.String("user", user),
	)
	return c, nil
}

// Model returns the configured firmware family.
func (c *Client) Model() Model {
	return c.model
}

// Authenticated reports whether a session secret is currently held.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionDigest != ""
}

// Authenticate performs the salted login and derives the session secret
// from the firmware version strings. Any previous session is discarded first.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versionDigest = ""

	salt, err := c.getField(ctx, "LD")
	if err != nil {
		return fmt.Errorf("fetch login salt: %w", err)
	}

	passwordDigest, err := c.model.digest(purposeLogin, c.password)
	if err != nil {
		return err
	}
	saltedDigest, err := c.model.digest(purposeLogin, passwordDigest, salt)
	if err != nil {
		return err
	}

	versions, err := c.getCmd(ctx, "cr_version", "wa_inner_version")
	if err != nil {
		return fmt.Errorf("fetch firmware version: %w", err)
	}
	crVersion, err := stringField(versions, "cr_version", true)
	if err != nil {
		return err
	}
	innerVersion, err := stringField(versions, "wa_inner_version", true)
	if err != nil {
		return err
	}
	versionDigest, err := c.model.digest(purposeCommand, innerVersion, crVersion)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("goformId", "LOGIN")
	form.Set("password", saltedDigest)
	if c.user != "" {
		form.Set("user", c.user)
	}
	resp, err := c.post(ctx, form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	result, err := resultField(resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if result != loginOK {
		return fmt.Errorf("%w (result %q)", ErrLoginRejected, result)
	}

	c.versionDigest = versionDigest
	c.logger.Debug("router login succeeded", zap.Stringer("model", c.model))
	return nil
}

// Reboot signs a fresh reboot token with the session secret and issues
// REBOOT_DEVICE. It fails with ErrNotAuthenticated, without touching the
// network, unless Authenticate succeeded since the last reboot.
func (c *Client) Reboot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versionDigest == "" {
		return ErrNotAuthenticated
	}

	token, err := c.getField(ctx, "RD")
	if err != nil {
		return fmt.Errorf("fetch reboot token: %w", err)
	}
	ad, err := c.model.digest(purposeCommand, c.versionDigest, token)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("goformId", "REBOOT_DEVICE")
	form.Set("AD", ad)
	resp, err := c.post(ctx, form)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	result, err := resultField(resp)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if result != rebootOK {
		return fmt.Errorf("%w: reboot refused (result %q)", ErrProtocol, result)
	}

	// The router drops every session when it restarts.
	c.versionDigest = ""
	c.logger.Info("router reboot command accepted")
	return nil
}

// getField fetches a single command and returns its non-empty string value.
func (c *Client) getField(ctx context.Context, cmd string) (string, error) {
	data, err := c.getCmd(ctx, cmd)
	if err != nil {
		return "", err
	}
	v, err := stringField(data, cmd, false)
	if err != nil {
		return "", err
	}
	return v, nil
}

// getCmd fetches one or more commands. Several commands are batched into a
// single multi_data request.
func (c *Client) getCmd(ctx context.Context, cmds ...string) (map[string]any, error) {
	q := url.Values{}
	q.Set("cmd", strings.Join(cmds, ","))
	if len(cmds) > 1 {
		q.Set("multi_data", "1")
	}
	q.Set("isTest", "false")
	q.Set("_", strconv.FormatInt(c.cacheBuster(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+getPath+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrProtocol, err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, form url.Values) (map[string]any, error) {
	form.Set("isTest", "false")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+setPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]any, error) {
	// The embedded web server rejects requests without a matching Referer.
	req.Header.Set("Referer", c.referer)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyKB<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnreachable, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrProtocol, req.Method, req.URL.Path, resp.StatusCode)
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrProtocol, req.URL.Path, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s returned null", ErrProtocol, req.URL.Path)
	}
	return out, nil
}

// cacheBuster returns the current time in milliseconds, bumped so that
// consecutive values from one client are strictly increasing.
func (c *Client) cacheBuster() int64 {
	for {
		prev := c.lastBuster.Load()
		next := c.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.lastBuster.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func stringField(data map[string]any, key string, allowEmpty bool) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: response missing %q", ErrProtocol, key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is %T, want string", ErrProtocol, key, raw)
	}
	if s == "" && !allowEmpty {
		return "", fmt.Errorf("%w: field %q is empty", ErrProtocol, key)
	}
	return s, nil
}

// resultField reads "result", which firmwares send as either a string or a number.
func resultField(data map[string]any) (string, error) {
	raw, ok := data["result"]
	if !ok {
		return "", fmt.Errorf("%w: response missing %q", ErrProtocol, "result")
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: field %q is %T", ErrProtocol, "result", raw)
	}
}
