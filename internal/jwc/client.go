// Package jwc is a session client for the course selection service.
//
// A Client owns one cookie session against one Endpoint. It logs in through
// the captcha challenge, resolves public course codes to internal handles,
// and submits claim requests. Every failure is returned as an
// *enrollerr.Error; nothing panics on a bad response.
package jwc

import (
	"context"
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
	"golang.org/x/net/publicsuffix"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/models"
)

const (
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultTimeout      = 10 * time.Second
	DefaultClaimTimeout = 60 * time.Second
	DefaultCodeLength   = 4

	maxBodyBytes = 4 << 20
)

// Solver turns a captcha image into its code. An empty code means the
// image could not be read.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Config configures a Client.
type Config struct {
	Endpoint     Endpoint
	Credential   models.Credential
	Solver       Solver
	CodeLength   int
	Timeout      time.Duration // authenticate and resolve requests
	ClaimTimeout time.Duration
	UserAgent    string
	Transport    http.RoundTripper // nil uses http.DefaultTransport
	Logger       *zap.Logger
}

// Client is one session against one endpoint. Resolve and Claim are safe to
// call from multiple goroutines.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	http *http.Client

	authenticated atomic.Bool
	now           func() time.Time
}

// New creates an unauthenticated client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint.Base == "" {
		return nil, fmt.Errorf("new client: endpoint base is required")
	}
	if cfg.Solver == nil {
		return nil, fmt.Errorf("new client %s: captcha solver is required", cfg.Endpoint.Name)
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("endpoint", cfg.Endpoint.Name)),
		now:    time.Now,
	}
	if err := c.resetSession(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the endpoint name used in log lines.
func (c *Client) Name() string { return c.cfg.Endpoint.Name }

// Endpoint returns the endpoint this client talks to.
func (c *Client) Endpoint() Endpoint { return c.cfg.Endpoint }

// Authenticated reports whether a full login sequence has succeeded.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// Logout discards the session. The client must authenticate again before
// resolving or claiming.
func (c *Client) Logout() error {
	c.authenticated.Store(false)
	return c.resetSession()
}

func (c *Client) resetSession() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	transport := c.cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c.mu.Lock()
	c.http = &http.Client{Jar: jar, Transport: transport}
	c.mu.Unlock()
	return nil
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

// Authenticate runs the captcha login sequence up to maxAttempts times,
// waiting retryDelay between attempts. It returns nil once the session is
// established. Each failed step only ends the current attempt; after the
// last attempt an ErrAuthFailed-kind error carrying the last cause is
// returned. Cancelling ctx stops further attempts.
func (c *Client) Authenticate(ctx context.Context, maxAttempts int, retryDelay time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !c.cfg.Credential.Valid() {
		return enrollerr.New(enrollerr.KindAuthFailed, "authenticate", "username and password are required").
			WithEndpoint(c.Name())
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && retryDelay > 0 {
			select {
			case <-ctx.Done():
				return enrollerr.Wrap(enrollerr.KindAuthFailed, "authenticate", ctx.Err()).WithEndpoint(c.Name())
			case <-time.After(retryDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return enrollerr.Wrap(enrollerr.KindAuthFailed, "authenticate", err).WithEndpoint(c.Name())
		}

		err := c.loginOnce(ctx)
		if err == nil {
			c.authenticated.Store(true)
			c.logger.Info("authenticated", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.logger.Debug("login attempt failed", zap.Int("attempt", attempt), zap.Int("max", maxAttempts), zap.Error(err))
	}

	return &enrollerr.Error{
		Kind:     enrollerr.KindAuthFailed,
		Op:       "authenticate",
		Endpoint: c.Name(),
		Msg:      fmt.Sprintf("gave up after %d attempts", maxAttempts),
		Err:      lastErr,
	}
}

func (c *Client) loginOnce(ctx context.Context) error {
	image, err := c.fetchCaptcha(ctx)
	if err != nil {
		return err
	}

	code, err := c.cfg.Solver.Solve(ctx, image)
	if err != nil {
		return enrollerr.Wrap(enrollerr.KindAuthFailed, "solve captcha", err)
	}
	code = strings.TrimSpace(code)
	if len(code) != c.cfg.CodeLength {
		return enrollerr.New(enrollerr.KindAuthFailed, "solve captcha",
			fmt.Sprintf("code %q is not %d characters", code, c.cfg.CodeLength))
	}

	form := url.Values{
		"username":   {c.cfg.Credential.Username},
		"password":   {c.cfg.Credential.Password},
		"ranstring":  {code},
		"url":        {""},
		"returnType": {""},
		"returnUrl":  {""},
		"area":       {""},
	}
	body, err := c.do(ctx, c.cfg.Timeout, "login", http.MethodPost, c.cfg.Endpoint.LoginURL(),
		strings.NewReader(form.Encode()), c.cfg.Endpoint.LoginPageURL(), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}

	ok, msg, err := parseLoginStatus(body)
	if err != nil {
		return err
	}
	if !ok {
		return enrollerr.New(enrollerr.KindAuthFailed, "login", "rejected: "+msg)
	}

	if _, err := c.do(ctx, c.cfg.Timeout, "establish session", http.MethodGet, c.cfg.Endpoint.LoadingURL(),
		nil, c.cfg.Endpoint.LoginPageURL(), ""); err != nil {
		return err
	}
	return nil
}

func (c *Client) fetchCaptcha(ctx context.Context) ([]byte, error) {
	u := c.cfg.Endpoint.CaptchaURL() + "?test=" + c.stamp()
	return c.do(ctx, c.cfg.Timeout, "fetch captcha", http.MethodGet, u, nil, c.cfg.Endpoint.LoginPageURL(), "")
}

// Resolve looks up the backend handle for a public course code.
func (c *Client) Resolve(ctx context.Context, code string) (string, error) {
	if !c.Authenticated() {
		return "", enrollerr.New(enrollerr.KindPrecondition, "resolve", "client is not authenticated").
			WithEndpoint(c.Name()).WithCode(code)
	}

	form := url.Values{
		"setAction":    {"studentCourseSysSchedule"},
		"viewType":     {""},
		"jumpPage":     {"1"},
		"selectAction": {"TeachID"},
		"key1":         {code},
		"courseType":   {"all"},
		"key4":         {""},
		"btn":          {"执行查询"},
	}
	body, err := c.do(ctx, c.cfg.Timeout, "resolve", http.MethodPost, c.cfg.Endpoint.ActionURL(),
		strings.NewReader(form.Encode()), c.cfg.Endpoint.ActionURL(), "application/x-www-form-urlencoded")
	if err != nil {
		return "", tagged(err, c.Name(), code)
	}

	handle, err := parseResolve(body, code)
	if err != nil {
		return "", tagged(err, c.Name(), code)
	}
	return handle, nil
}

// Claim submits a claim for handle. companion also reserves the companion
// resource. A refused claim is a ClaimResult with Succeeded false; errors
// are reserved for transport and format failures.
func (c *Client) Claim(ctx context.Context, handle string, companion bool) (ClaimResult, error) {
	if !c.Authenticated() {
		return ClaimResult{}, enrollerr.New(enrollerr.KindPrecondition, "claim", "client is not authenticated").
			WithEndpoint(c.Name()).WithCode(handle)
	}

	isBook := "0"
	if companion {
		isBook = "1"
	}
	q := url.Values{
		"setAction": {"addStudentCourseApply"},
		"teachId":   {handle},
		"isBook":    {isBook},
		"tt":        {c.stamp()},
	}
	body, err := c.do(ctx, c.cfg.ClaimTimeout, "claim", http.MethodGet, c.cfg.Endpoint.ActionURL()+"?"+q.Encode(),
		nil, c.cfg.Endpoint.ActionURL(), "")
	if err != nil {
		return ClaimResult{}, tagged(err, c.Name(), handle)
	}

	res, err := parseClaim(body)
	if err != nil {
		return ClaimResult{}, tagged(err, c.Name(), handle)
	}
	return res, nil
}

// do performs one request with its own timeout and returns the body.
// Transport failures and non-2xx statuses come back as KindTransport.
func (c *Client) do(ctx context.Context, timeout time.Duration, op, method, rawURL string, body io.Reader, referer, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, enrollerr.Wrap(enrollerr.KindTransport, op, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Origin", c.cfg.Endpoint.Base)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, enrollerr.Wrap(enrollerr.KindTransport, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, enrollerr.Wrap(enrollerr.KindTransport, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, enrollerr.New(enrollerr.KindTransport, op, "unexpected status "+resp.Status)
	}
	return data, nil
}

func (c *Client) stamp() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// tagged attaches endpoint and code to an *enrollerr.Error.
func tagged(err error, endpoint, code string) error {
	if e, ok := err.(*enrollerr.Error); ok {
		if e.Endpoint == "" {
			e.Endpoint = endpoint
		}
		if e.Code == "" {
			e.Code = code
		}
		return e
	}
	return err
}
