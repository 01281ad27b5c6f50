package speech

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/interviewkit/internal/backend"
	"github.com/MrWong99/interviewkit/internal/observe"
)

// Answer is the speech backend's cleaned version of a submitted answer.
type Answer struct {
	CleanTranscript string `json:"clean_transcript"`
	WordCount       int    `json:"word_count"`
}

// Metrics are the delivery metrics computed over a whole session.
type Metrics struct {
	AvgWPM         float64 `json:"avg_wpm"`
	FillerRate     float64 `json:"filler_rate"`
	Duration       float64 `json:"duration"`
	PauseRatio     float64 `json:"pause_ratio"`
	PitchVariation float64 `json:"pitch_variation"`
}

// Analysis is the speech backend's final verdict for a session.
type Analysis struct {
	Metrics         Metrics `json:"metrics"`
	ConfidenceScore float64 `json:"confidence_score"`
}

type submitRequest struct {
	RawTranscript string `json:"raw_transcript"`
	SessionID     string `json:"session_id"`
	QuestionID    string `json:"question_id"`
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

// Client calls the speech backend's REST endpoints.
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
		c.breaker = backend.NewBreaker(backend.BreakerConfig{Name: "speech", Logger: c.log})
	}
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base }

// SubmitAnswer sends the raw transcript of one answer for cleaning.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, questionID, raw string) (*Answer, error) {
	target, err := backend.HTTPURL(c.base, "submit_answer")
	if err != nil {
		return nil, err
	}
	var out Answer
	err = c.do(ctx, "submit_answer", http.MethodPost, target, submitRequest{
		RawTranscript: raw,
		SessionID:     sessionID,
		QuestionID:    questionID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeSession requests the final delivery analysis for a session.
func (c *Client) AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error) {
	target, err := backend.HTTPURL(c.base, "analyze_session", sessionID)
	if err != nil {
		return nil, err
	}
	var out Analysis
	if err := c.do(ctx, "analyze_session", http.MethodPost, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that the backend answers HTTP. Any response below 500,
// including 404 for the bare base path, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	err := backend.DoJSON(ctx, c.http, http.MethodGet, c.base, "speech: ping", nil, nil)
	var se *backend.StatusError
	if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "speech."+op)
	defer span.End()

	start := time.Now()
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return backend.DoJSON(ctx, c.http, method, target, "speech: "+op, in, out)
	})
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		observe.Logger(ctx, c.log).Warn("speech backend request failed", "op", op, "err", err)
	}
	c.metrics.RecordBackendRequest(ctx, observe.ChannelSpeech, op, status, time.Since(start))
	return err
}
