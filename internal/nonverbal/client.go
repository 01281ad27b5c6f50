package nonverbal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/interviewkit/internal/backend"
	"github.com/MrWong99/interviewkit/internal/observe"
)

// Pass statuses returned by the final analysis.
const (
	PassStatusPass             = "pass"
	PassStatusFail             = "fail"
	PassStatusInsufficientData = "insufficient_data"
)

// ErrUnknownSession is returned when the backend has no record of the
// session, typically because no socket was ever opened for it.
var ErrUnknownSession = errors.New("nonverbal: unknown session")

// Analysis is the backend's aggregate verdict over a whole session.
type Analysis struct {
	SessionID      string  `json:"session_id"`
	TotalFrames    int     `json:"total_frames"`
	AnalyzedFrames int     `json:"analyzed_frames"`
	Scores         Scores  `json:"non_verbal_scores"`
	PassStatus     string  `json:"pass_status"`
	PassThreshold  float64 `json:"pass_threshold"`
}

// Passed reports whether the session met the pass threshold.
func (a *Analysis) Passed() bool {
	return a != nil && a.PassStatus == PassStatusPass
}

type analysisResponse struct {
	Analysis
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithClientMetrics sets the metrics recorder. Default:
// [observe.DefaultMetrics].
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// WithBreaker sets the circuit breaker guarding requests. Default: a
// [backend.NewBreaker] with default tuning.
func WithBreaker(b *backend.Breaker) ClientOption {
	return func(cl *Client) { cl.breaker = b }
}

// WithClientLogger sets the logger. Default: [slog.Default].
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.log = l }
}

// Client calls the non-verbal backend's REST endpoints.
type Client struct {
	base    string
	http    *http.Client
	metrics *observe.Metrics
	log     *slog.Logger
	breaker *backend.Breaker
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if _, err := backend.ParseBase(baseURL); err != nil {
		return nil, err
	}
	c := &Client{base: baseURL}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = backend.NewHTTPClient(0)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.breaker == nil {
		c.breaker = backend.NewBreaker(backend.BreakerConfig{Name: "nonverbal", Logger: c.log})
	}
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base }

// AnalyzeSession requests the final aggregate scores for a session.
func (c *Client) AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error) {
	target, err := backend.HTTPURL(c.base, "analyze_session", sessionID)
	if err != nil {
		return nil, err
	}
	var out analysisResponse
	if err := c.call(ctx, "analyze_session", http.MethodPost, target, &out, true); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, out.Error)
	}
	return &out.Analysis, nil
}

// Health checks the backend's /health endpoint. It bypasses the circuit
// breaker so readiness reflects the backend as it is now.
func (c *Client) Health(ctx context.Context) error {
	target, err := backend.HTTPURL(c.base, "health")
	if err != nil {
		return err
	}
	var out healthResponse
	if err := c.call(ctx, "health", http.MethodGet, target, &out, false); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("nonverbal: health: status %q", out.Status)
	}
	return nil
}

// call performs one request, through the breaker when guarded is set.
func (c *Client) call(ctx context.Context, op, method, target string, out any, guarded bool) error {
	ctx, span := observe.StartSpan(ctx, "nonverbal."+op)
	defer span.End()

	start := time.Now()
	req := func(ctx context.Context) error {
		return backend.DoJSON(ctx, c.http, method, target, "nonverbal: "+op, nil, out)
	}
	var err error
	if guarded {
		err = c.breaker.Do(ctx, req)
	} else {
		err = req(ctx)
	}
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		observe.Logger(ctx, c.log).Warn("non-verbal backend request failed", "op", op, "err", err)
	}
	c.metrics.RecordBackendRequest(ctx, observe.ChannelNonVerbal, op, status, time.Since(start))
	return err
}
